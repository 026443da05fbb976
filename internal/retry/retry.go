// Package retry runs operations against flaky upstreams with capped
// exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// Policy controls Do. Zero fields take the defaults.
type Policy struct {
	MaxAttempts int           // total calls including the first (default 3)
	BaseDelay   time.Duration // delay before the second attempt (default 100ms)
	MaxDelay    time.Duration // ceiling for any single wait (default 5s)
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 100 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Second
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

// permanentError marks an error Do must return without retrying.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so Do returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err or anything it wraps came from Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// delayError carries a server-requested wait, e.g. from Retry-After.
type delayError struct {
	err   error
	delay time.Duration
}

func (e *delayError) Error() string { return e.err.Error() }
func (e *delayError) Unwrap() error { return e.err }

// After wraps a retryable err with the minimum wait before the next attempt.
func After(err error, d time.Duration) error {
	if err == nil {
		return nil
	}
	return &delayError{err: err, delay: d}
}

// Do calls fn until it succeeds, returns a Permanent error, ctx is done,
// or MaxAttempts is reached. Waits use full jitter over an exponentially
// growing window, raised to any After hint and capped at MaxDelay.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	p = p.withDefaults()

	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if IsPermanent(err) {
			return err
		}
		if attempt >= p.MaxAttempts {
			return fmt.Errorf("after %d attempts: %w", attempt, err)
		}

		t := time.NewTimer(p.wait(attempt, err))
		select {
		case <-ctx.Done():
			t.Stop()
			return errors.Join(ctx.Err(), err)
		case <-t.C:
		}
	}
}

// wait returns the pause after the given failed attempt.
func (p Policy) wait(attempt int, err error) time.Duration {
	window := p.BaseDelay << (attempt - 1)
	if window <= 0 || window > p.MaxDelay {
		window = p.MaxDelay
	}
	d := window/2 + rand.N(window/2+1) //nolint:gosec // jitter only

	var de *delayError
	if errors.As(err, &de) && de.delay > d {
		d = de.delay
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}
