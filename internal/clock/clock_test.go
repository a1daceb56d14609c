package clock_test

import (
	"testing"
	"time"

	"pkt.systems/syncabletree/internal/clock"
)

func TestRealNowUsesUTC(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	if loc := now.Location(); loc != time.UTC {
		t.Fatalf("expected UTC location, got %v", loc)
	}
}

func TestManualFiresOnAdvance(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := clock.NewManual(start)
	ch := m.After(time.Second)
	select {
	case <-ch:
		t.Fatal("fired before advance")
	default:
	}
	m.Advance(500 * time.Millisecond)
	if m.Pending() != 1 {
		t.Fatalf("expected waiter still pending")
	}
	m.Advance(500 * time.Millisecond)
	select {
	case got := <-ch:
		if !got.Equal(start.Add(time.Second)) {
			t.Fatalf("unexpected fire time %v", got)
		}
	default:
		t.Fatal("expected waiter to fire")
	}
	if m.Pending() != 0 {
		t.Fatalf("expected no pending waiters")
	}
}

func TestManualBlockUntil(t *testing.T) {
	t.Parallel()

	m := clock.NewManual(time.Unix(0, 0))
	done := make(chan struct{})
	go func() {
		m.Sleep(time.Minute)
		close(done)
	}()
	m.BlockUntil(1)
	m.Advance(time.Minute)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sleeper not released")
	}
}
