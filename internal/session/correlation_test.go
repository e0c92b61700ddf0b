package session_test

import (
	"testing"

	"github.com/momentics/wscore/internal/session"
)

func TestCorrelationIDShape(t *testing.T) {
	id := session.NextCorrelationID()
	if len(id) != 13 {
		t.Fatalf("id length = %d, want 13", len(id))
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if !(c >= '0' && c <= '9' || c >= 'A' && c <= 'V') {
			t.Fatalf("unexpected character %q in id %q", c, id)
		}
	}
}

func TestCorrelationIDSortable(t *testing.T) {
	prev := session.NextCorrelationID()
	for i := 0; i < 1000; i++ {
		next := session.NextCorrelationID()
		if next <= prev {
			t.Fatalf("ids not strictly increasing: %q then %q", prev, next)
		}
		prev = next
	}
}
