package pool_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/momentics/wscore/pool"
)

func TestSegmentCursor(t *testing.T) {
	p := pool.NewBytePool()
	s := pool.NewSegment(p.Rent(0))
	if s.Len() != 0 || len(s.Available()) != s.Cap() {
		t.Fatal("fresh segment should be empty")
	}
	copy(s.Available(), "abc")
	s.Advance(3)
	if string(s.Written()) != "abc" {
		t.Fatalf("written = %q", s.Written())
	}
	s.Rewind(1)
	if string(s.Written()) != "ab" {
		t.Fatalf("after rewind written = %q", s.Written())
	}
}

func TestSegmentAdvancePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("advance past capacity must panic")
		}
	}()
	s := pool.NewSegment(make([]byte, pool.DefaultSegmentSize))
	s.Advance(pool.DefaultSegmentSize + 1)
}

func TestChainAppendAndFlatten(t *testing.T) {
	p := pool.NewBytePool()
	var c pool.Chain
	for _, part := range []string{"Hel", "lo"} {
		s := pool.NewSegment(p.Rent(0))
		copy(s.Available(), part)
		s.Advance(len(part))
		c.Append(s)
	}
	if c.Len() != 5 {
		t.Fatalf("chain len = %d", c.Len())
	}
	if string(c.Flatten()) != "Hello" {
		t.Fatalf("flatten = %q", c.Flatten())
	}
}

func TestChainReleaseExactlyOnce(t *testing.T) {
	p := pool.NewBytePool()
	var c pool.Chain
	for i := 0; i < 3; i++ {
		c.Append(pool.NewSegment(p.Rent(0)))
	}
	c.Release(p)
	if got := p.Idle(0); got != 3 {
		t.Fatalf("expected 3 returned blocks, got %d", got)
	}
	// A second release must find an empty chain and return nothing.
	c.Release(p)
	if got := p.Idle(0); got != 3 {
		t.Fatalf("double release leaked blocks: %d", got)
	}
}

func TestChainWriterReserve(t *testing.T) {
	p := pool.NewBytePool()
	var c pool.Chain
	w := pool.ChainWriter{Chain: &c, Pool: p, Reserve: pool.MaxHeaderReserve}
	if _, err := w.Write([]byte("payload")); err != nil {
		t.Fatal(err)
	}
	if c.Head().Len() != pool.MaxHeaderReserve+len("payload") {
		t.Fatalf("first segment len = %d", c.Head().Len())
	}
	if string(c.Head().Written()[pool.MaxHeaderReserve:]) != "payload" {
		t.Error("payload must start after the reserve")
	}
}

func TestChainWriterSpillsAcrossSegments(t *testing.T) {
	p := pool.NewBytePool()
	var c pool.Chain
	w := pool.ChainWriter{Chain: &c, Pool: p}
	big := bytes.Repeat([]byte("x"), pool.DefaultSegmentSize+100)
	if _, err := w.Write(big); err != nil {
		t.Fatal(err)
	}
	if c.Head() == nil || c.Head().Next() == nil {
		t.Fatal("expected the write to spill into a second segment")
	}
	if !bytes.Equal(c.Flatten(), big) {
		t.Error("flattened chain differs from input")
	}
}

func TestChainReader(t *testing.T) {
	p := pool.NewBytePool()
	var c pool.Chain
	w := pool.ChainWriter{Chain: &c, Pool: p}
	big := bytes.Repeat([]byte("ab"), pool.DefaultSegmentSize)
	w.Write(big)

	out, err := io.ReadAll(pool.NewChainReader(&c))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, big) {
		t.Error("reader output differs from written bytes")
	}
}
