// File: pool/doc.go
// Author: momentics <momentics@gmail.com>
//
// Package pool provides reusable byte blocks and the forward-linked segment
// chains the protocol buffers are built from. Blocks are rented from
// size-classed free lists and must be returned exactly once; chains own
// their segments exclusively and release the whole sequence in one walk.
package pool
