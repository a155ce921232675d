// Package retry runs agent calls with exponential backoff, jitter, and a
// deadline on every attempt.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/alecgard/agentrt/internal/agenterr"
)

// Policy configures retry behavior for one agent.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt, so a call
	// makes at most MaxRetries+1 attempts.
	MaxRetries int
	// BaseDelay is the delay before the first retry. Each further retry
	// doubles it.
	BaseDelay time.Duration
	// MaxDelay caps the delay between attempts.
	MaxDelay time.Duration
	// Jitter spreads each delay by up to this fraction in either direction.
	// A value of 0.1 adds up to 10% jitter.
	Jitter float64
	// AttemptTimeout bounds every individual attempt. Zero means attempts are
	// bounded only by the parent context.
	AttemptTimeout time.Duration
	// Sleep waits between attempts. Nil uses a timer that honors ctx.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy returns the runtime-wide default retry configuration.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:     3,
		BaseDelay:      time.Second,
		MaxDelay:       10 * time.Second,
		Jitter:         0.1,
		AttemptTimeout: 30 * time.Second,
	}
}

// Backoff returns the delay before retry n (0-based), without jitter.
func (p Policy) Backoff(n int) time.Duration {
	d := float64(p.BaseDelay) * math.Pow(2, float64(n))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	return time.Duration(d)
}

// delay applies jitter to Backoff(n).
func (p Policy) delay(n int) time.Duration {
	d := float64(p.Backoff(n))
	if p.Jitter > 0 {
		d += d * p.Jitter * (rand.Float64()*2 - 1) //nolint:gosec // jitter doesn't need crypto rand
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Do calls fn until it succeeds, returns a non-retryable error, or the retry
// budget is spent. It returns the number of attempts made.
//
// Each attempt runs under its own deadline; an attempt that overruns it fails
// with a Timeout error, which is retryable. Cancellation of ctx stops Do
// immediately, including during a backoff wait. When every attempt failed
// with a retryable error, the result is a RetriesExhausted error wrapping the
// last one.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) (int, error) {
	_, attempts, err := DoValue(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return attempts, err
}

// DoValue is Do for functions that produce a value. Only the value of the
// successful attempt is returned; results of abandoned attempts are dropped.
func DoValue[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, int, error) {
	var zero T
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var lastErr error
	attempts := 0
	for n := 0; n <= p.MaxRetries; n++ {
		if err := ctx.Err(); err != nil {
			return zero, attempts, withAttempts(err, attempts)
		}

		attempts++
		v, err := attempt(ctx, p.AttemptTimeout, fn)
		if err == nil {
			return v, attempts, nil
		}
		lastErr = err

		// The caller gave up; do not mistake that for an attempt timeout.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, attempts, withAttempts(ctxErr, attempts)
		}
		if !agenterr.Retryable(err) {
			return zero, attempts, withAttempts(err, attempts)
		}
		if n == p.MaxRetries {
			break
		}

		if err := sleep(ctx, p.delay(n)); err != nil {
			return zero, attempts, withAttempts(err, attempts)
		}
	}

	exhausted := agenterr.Wrap(agenterr.RetriesExhausted, "", lastErr)
	exhausted.Message = fmt.Sprintf("gave up after %d attempts: %s", attempts, exhausted.Message)
	exhausted.Attempts = attempts
	return zero, attempts, exhausted
}

type result[T any] struct {
	v   T
	err error
}

// attempt runs fn once under an attempt deadline. fn runs in its own
// goroutine so an implementation that ignores its context cannot hold the
// attempt past the deadline; its late result is discarded.
func attempt[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	actx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		actx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	done := make(chan result[T], 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result[T]{err: agenterr.New(agenterr.Terminal, "", fmt.Sprintf("panic: %v", p))}
			}
		}()
		v, err := fn(actx)
		done <- result[T]{v: v, err: err}
	}()

	var r result[T]
	select {
	case r = <-done:
	case <-actx.Done():
		// Prefer a result that raced the deadline.
		select {
		case r = <-done:
		default:
			r = result[T]{err: actx.Err()}
		}
	}

	if r.err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		var ae *agenterr.Error
		if errors.As(r.err, &ae) && ae.Kind == agenterr.Timeout {
			return zero, r.err
		}
		return zero, &agenterr.Error{
			Kind:    agenterr.Timeout,
			Message: fmt.Sprintf("attempt exceeded %s", timeout),
			Err:     r.err,
		}
	}
	if r.err != nil {
		return zero, r.err
	}
	return r.v, nil
}

// withAttempts records the attempt count on a typed error. The error is
// copied so an error value shared between calls is never mutated.
func withAttempts(err error, attempts int) error {
	ae, ok := err.(*agenterr.Error)
	if !ok {
		return err
	}
	cp := *ae
	cp.Attempts = attempts
	return &cp
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
