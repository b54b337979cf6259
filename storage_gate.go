package estore

import (
	"context"
	"fmt"
	"time"
)

// writerGate admits one writable transaction at a time. Unlike the engine's
// own writer lock, waiting on it is bounded by a context and a timeout.
type writerGate struct {
	ch      chan struct{}
	timeout time.Duration
}

func newWriterGate(timeout time.Duration) *writerGate {
	return &writerGate{ch: make(chan struct{}, 1), timeout: timeout}
}

func (g *writerGate) acquire(ctx context.Context) error {
	select {
	case g.ch <- struct{}{}:
		return nil
	default:
	}

	var timeoutC <-chan time.Time
	if g.timeout > 0 {
		t := time.NewTimer(g.timeout)
		defer t.Stop()
		timeoutC = t.C
	}

	select {
	case g.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: waiting for writer: %w", ErrLockConflict, ctx.Err())
	case <-timeoutC:
		return fmt.Errorf("%w: writer lock not granted within %v", ErrLockConflict, g.timeout)
	}
}

func (g *writerGate) release() {
	<-g.ch
}
