package system

import (
	"testing"
	"time"
)

func TestClockNowUTC(t *testing.T) {
	t.Parallel()

	clk := New()
	before := time.Now().UTC().Add(-time.Second)
	got := clk.Now()
	after := time.Now().UTC().Add(time.Second)

	if got.Location() != time.UTC {
		t.Fatalf("expected UTC location, got %v", got.Location())
	}
	if got.Before(before) || got.After(after) {
		t.Fatalf("expected %v to be between %v and %v", got, before, after)
	}
}

func TestClockSince(t *testing.T) {
	t.Parallel()

	clk := New()
	if d := clk.Since(clk.Now().Add(-time.Minute)); d < time.Minute {
		t.Fatalf("expected at least a minute, got %v", d)
	}
	if d := clk.Since(clk.Now().Add(time.Hour)); d != 0 {
		t.Fatalf("expected zero for a future start, got %v", d)
	}
}
