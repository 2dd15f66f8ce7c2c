package shutdown

import (
	"context"
	"testing"
	"time"
)

type fakeRegistry struct {
	began   bool
	stopped chan struct{}
}

func (f *fakeRegistry) BeginShutdown() { f.began = true }
func (f *fakeRegistry) Stop(identifier string) error {
	close(f.stopped)
	return nil
}

func TestRun_ContextCancelDrivesShutdown(t *testing.T) {
	reg := &fakeRegistry{stopped: make(chan struct{})}
	c := New(reg, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}

	if !reg.began {
		t.Error("expected BeginShutdown to be called")
	}
	select {
	case <-reg.stopped:
	default:
		t.Error("expected Stop(\"all\") to be called")
	}
}
