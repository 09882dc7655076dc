// Package resilience guards calls to external transports with a circuit
// breaker and a bounded retry loop.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"github.com/example/notification-pipeline/internal/notification"
)

var breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "circuit_breaker_state",
	Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
}, []string{"breaker"})

var ErrCallTimeout = errors.New("call timed out")

type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

func (s State) gauge() float64 {
	switch s {
	case StateOpen:
		return 1
	case StateHalfOpen:
		return 2
	default:
		return 0
	}
}

type BreakerSettings struct {
	Name             string
	ErrorThreshold   uint32
	ResetTimeout     time.Duration
	HalfOpenMaxCalls uint32
	// CallTimeout bounds each guarded call. Zero disables the bound.
	CallTimeout time.Duration
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	State       State     `json:"state"`
	Failures    uint32    `json:"failures"`
	NextAttempt time.Time `json:"next_attempt,omitempty"`
}

// StateListener is told about every transition after it happens. Listeners
// run while the breaker is locked and must not call back into it.
type StateListener func(name string, from, to State)

// Breaker is a three-state guard around one external dependency. Each
// consumer owns its own instance.
type Breaker struct {
	cb       *gobreaker.CircuitBreaker[struct{}]
	settings BreakerSettings
	logger   zerolog.Logger
	now      func() time.Time

	mu           sync.Mutex
	nextAttempt  time.Time
	openFailures uint32
	listeners    []StateListener
}

func NewBreaker(s BreakerSettings, logger zerolog.Logger) *Breaker {
	if s.ErrorThreshold == 0 {
		s.ErrorThreshold = 5
	}
	if s.HalfOpenMaxCalls == 0 {
		s.HalfOpenMaxCalls = 1
	}
	b := &Breaker{
		settings: s,
		logger:   logger.With().Str("breaker", s.Name).Logger(),
		now:      time.Now,
	}
	b.cb = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: s.HalfOpenMaxCalls,
		Interval:    0,
		Timeout:     s.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures < s.ErrorThreshold {
				return false
			}
			b.mu.Lock()
			b.openFailures = counts.ConsecutiveFailures
			b.mu.Unlock()
			return true
		},
		OnStateChange: b.onStateChange,
	})
	breakerState.WithLabelValues(s.Name).Set(0)
	return b
}

// OnStateChange registers fn for future transitions.
func (b *Breaker) OnStateChange(fn StateListener) {
	b.mu.Lock()
	b.listeners = append(b.listeners, fn)
	b.mu.Unlock()
}

func (b *Breaker) onStateChange(name string, from, to gobreaker.State) {
	f, t := fromGobreaker(from), fromGobreaker(to)
	b.mu.Lock()
	switch t {
	case StateOpen:
		b.nextAttempt = b.now().Add(b.settings.ResetTimeout)
		if f == StateHalfOpen {
			b.openFailures = 1
		}
	case StateClosed:
		b.nextAttempt = time.Time{}
		b.openFailures = 0
	default:
		b.nextAttempt = time.Time{}
	}
	listeners := append([]StateListener(nil), b.listeners...)
	b.mu.Unlock()

	breakerState.WithLabelValues(name).Set(t.gauge())
	ev := b.logger.Info()
	if t == StateOpen {
		ev = b.logger.Error().Dur("reset_timeout", b.settings.ResetTimeout)
	}
	ev.Str("from", string(f)).Str("to", string(t)).Msg("circuit breaker state change")

	for _, fn := range listeners {
		fn(name, f, t)
	}
}

// Execute runs fn unless the breaker is open. A rejected call returns an error
// wrapping notification.ErrCircuitOpen and fn is not invoked. A call that
// outlives CallTimeout counts as a failure.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := b.cb.Execute(func() (struct{}, error) {
		return struct{}{}, b.call(ctx, fn)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		b.logger.Warn().Msg("call rejected by open circuit")
		return fmt.Errorf("%w: %s: %v", notification.ErrCircuitOpen, b.settings.Name, err)
	}
	return err
}

func (b *Breaker) call(ctx context.Context, fn func(ctx context.Context) error) error {
	if b.settings.CallTimeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, b.settings.CallTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(callCtx) }()

	select {
	case err := <-done:
		return err
	case <-callCtx.Done():
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%s: %w after %s", b.settings.Name, ErrCallTimeout, b.settings.CallTimeout)
		}
		return callCtx.Err()
	}
}

func (b *Breaker) Snapshot() Snapshot {
	state := fromGobreaker(b.cb.State())
	counts := b.cb.Counts()
	b.mu.Lock()
	next, opened := b.nextAttempt, b.openFailures
	b.mu.Unlock()
	// gobreaker clears its counts on every transition, so an open breaker
	// reports the failures that tripped it.
	snap := Snapshot{State: state, Failures: counts.ConsecutiveFailures}
	if state == StateOpen {
		snap.NextAttempt = next
		snap.Failures = opened
	}
	return snap
}

func (b *Breaker) Name() string { return b.settings.Name }
