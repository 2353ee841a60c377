// Package retry runs an operation again after transient failures, with
// jittered exponential backoff between attempts. The caller decides what
// counts as transient; anything else is returned immediately.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy bounds how often and how long Do keeps trying.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// IsTransientFunc reports whether an error is worth another attempt.
type IsTransientFunc func(error) bool

// Do runs fn up to policy.MaxAttempts times. A permanent error or context
// cancellation ends the loop early; when every attempt fails, the last
// error is returned.
func Do(ctx context.Context, policy RetryPolicy, isTransient IsTransientFunc, fn func() error) error {
	var err error
	backoff := policy.InitialBackoff

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}
		if attempt == policy.MaxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered(backoff)):
			backoff = min(backoff*2, policy.MaxBackoff)
		}
	}

	return err
}

// jittered spreads sleeps out by up to half the base backoff so concurrent
// loops do not wake in lockstep.
func jittered(backoff time.Duration) time.Duration {
	if backoff < 2 {
		return backoff
	}
	return backoff + time.Duration(rand.Int63n(int64(backoff/2)))
}
