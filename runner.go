package estore

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"
)

const (
	DefaultMaxRetries   = 10
	DefaultRetryBackoff = 5 * time.Millisecond
	maxRetryBackoff     = 200 * time.Millisecond
)

// TxRunner runs units of work in writable transactions and re-executes them
// from the start when they fail with a retryable error such as
// ErrLockConflict. Any other error is returned as is.
type TxRunner struct {
	DB         *DB
	MaxRetries int // DefaultMaxRetries if zero

	// Backoff is the base pause before a retry; it doubles with every
	// attempt and is jittered. DefaultRetryBackoff if zero, none if negative.
	Backoff time.Duration
}

// Run calls f in a new transaction until it commits, fails with a
// non-retryable error, runs out of attempts or ctx is done. f must not have
// side effects outside tx, since it may run more than once.
func (r TxRunner) Run(ctx context.Context, f func(tx *Tx) error) error {
	maxRetries := r.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = r.DB.Tx(ctx, true, f)
		if err == nil || !IsRetryable(err) || attempt == maxRetries {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
		pause := r.pause(attempt)
		r.DB.logger.LogAttrs(ctx, slog.LevelDebug, "estore: retrying transaction", slog.Int("attempt", attempt+1), slog.Duration("pause", pause), slog.Any("err", err))
		if pause > 0 {
			t := time.NewTimer(pause)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return err
			}
		}
	}
	return err
}

// pause returns a random duration in [d/2, d), where d is the base backoff
// doubled per attempt and capped at maxRetryBackoff.
func (r TxRunner) pause(attempt int) time.Duration {
	d := r.Backoff
	if d < 0 {
		return 0
	} else if d == 0 {
		d = DefaultRetryBackoff
	}
	for range attempt {
		if d >= maxRetryBackoff {
			break
		}
		d *= 2
	}
	d = min(d, maxRetryBackoff)
	if d < 2 {
		return d
	}
	return d/2 + rand.N(d/2)
}
