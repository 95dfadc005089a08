package shutdown

import (
	"context"
	"syscall"
	"testing"
	"time"
)

func TestTrigger_FirstWins(t *testing.T) {
	c := New(context.Background(), nil)
	defer c.Stop()

	if c.Requested() {
		t.Fatalf("fresh coordinator must not be cancelled")
	}
	c.Trigger("first")
	c.Trigger("second")
	if !c.Requested() {
		t.Fatalf("expected cancellation after Trigger")
	}
	if got := c.Reason(); got != "first" {
		t.Fatalf("reason = %q, want first", got)
	}
	select {
	case <-c.Context().Done():
	default:
		t.Fatalf("context should be done")
	}
}

func TestSignal_CancelsContext(t *testing.T) {
	c := New(context.Background(), nil)
	defer c.Stop()

	if err := syscall.Kill(syscall.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatalf("kill: %v", err)
	}
	select {
	case <-c.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("SIGTERM did not cancel the context")
	}
	if c.Reason() != "signal terminated" {
		t.Fatalf("unexpected reason %q", c.Reason())
	}
}

func TestParentCancellation(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	c := New(parent, nil)
	defer c.Stop()
	cancel()
	if !c.Requested() {
		t.Fatalf("parent cancellation should propagate")
	}
	if c.Reason() != "" {
		t.Fatalf("no trigger reason expected")
	}
}

func TestStop_Idempotent(t *testing.T) {
	c := New(context.Background(), nil)
	c.Stop()
	c.Stop()
	c.Trigger("after stop")
	if !c.Requested() {
		t.Fatalf("Trigger must still work after Stop")
	}
}
