package resilience

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/example/notification-pipeline/internal/notification"
)

type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
}

// Schedule returns the delay schedule for p. The first NextBackOff is the
// wait before attempt 2 and each later one grows by Multiplier.
func (p RetryPolicy) Schedule() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	b.MaxInterval = time.Duration(math.MaxInt64)
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// AttemptFunc is one try. attempt starts at 1.
type AttemptFunc func(ctx context.Context, attempt int) error

// Retrier runs an AttemptFunc up to MaxAttempts times.
type Retrier struct {
	policy RetryPolicy
	sleep  func(ctx context.Context, d time.Duration) error
	notify func(attempt int, err error, wait time.Duration)
}

type RetrierOption func(*Retrier)

// WithSleep replaces the wait between attempts, for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) RetrierOption {
	return func(r *Retrier) { r.sleep = fn }
}

// WithNotify is called after every failed attempt that will be retried.
func WithNotify(fn func(attempt int, err error, wait time.Duration)) RetrierOption {
	return func(r *Retrier) { r.notify = fn }
}

func NewRetrier(p RetryPolicy, opts ...RetrierOption) *Retrier {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2
	}
	r := &Retrier{policy: p, sleep: sleepContext}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Result describes a finished Do call.
type Result struct {
	Attempts int
	Err      error
}

// Do calls fn until it succeeds, attempts run out, fn returns a
// backoff.Permanent error, or ctx is done. A circuit-open rejection uses up an
// attempt without waiting.
func (r *Retrier) Do(ctx context.Context, fn AttemptFunc) Result {
	schedule := r.policy.Schedule()
	var lastErr error
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return Result{Attempts: attempt}
		}
		lastErr = err

		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return Result{Attempts: attempt, Err: perm.Unwrap()}
		}
		if attempt == r.policy.MaxAttempts {
			break
		}

		// the schedule advances even when the wait is skipped so that delays
		// stay tied to the attempt number
		wait := schedule.NextBackOff()
		if errors.Is(err, notification.ErrCircuitOpen) {
			wait = 0
		}
		if r.notify != nil {
			r.notify(attempt, err, wait)
		}
		if wait > 0 {
			if err := r.sleep(ctx, wait); err != nil {
				return Result{Attempts: attempt, Err: errors.Join(lastErr, err)}
			}
		} else if ctx.Err() != nil {
			return Result{Attempts: attempt, Err: errors.Join(lastErr, ctx.Err())}
		}
	}
	return Result{Attempts: r.policy.MaxAttempts, Err: lastErr}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
