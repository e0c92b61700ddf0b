//go:build !linux

// File: transport/sockopt_stub.go
// Author: momentics <momentics@gmail.com>

package transport

import "net"

// TuneTCP disables Nagle via the portable path on non-Linux platforms.
func TuneTCP(conn net.Conn) error {
	if tc, ok := conn.(*net.TCPConn); ok {
		return tc.SetNoDelay(true)
	}
	return nil
}
