package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/notification-pipeline/internal/notification"
)

var errTransport = errors.New("smtp: connection refused")

func newTestBreaker(name string, reset time.Duration) *Breaker {
	return NewBreaker(BreakerSettings{
		Name:             name,
		ErrorThreshold:   5,
		ResetTimeout:     reset,
		HalfOpenMaxCalls: 3,
	}, zerolog.Nop())
}

func fail(context.Context) error    { return errTransport }
func succeed(context.Context) error { return nil }

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := newTestBreaker("open", time.Minute)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.ErrorIs(t, b.Execute(ctx, fail), errTransport)
	}
	assert.Equal(t, StateClosed, b.Snapshot().State)
	assert.Equal(t, uint32(4), b.Snapshot().Failures)

	require.ErrorIs(t, b.Execute(ctx, fail), errTransport)
	snap := b.Snapshot()
	assert.Equal(t, StateOpen, snap.State)
	assert.Equal(t, uint32(5), snap.Failures)
	assert.WithinDuration(t, time.Now().Add(time.Minute), snap.NextAttempt, time.Second)

	var calls atomic.Int32
	err := b.Execute(ctx, func(context.Context) error {
		calls.Add(1)
		return nil
	})
	assert.ErrorIs(t, err, notification.ErrCircuitOpen)
	assert.Zero(t, calls.Load())
}

func TestBreakerSuccessResetsFailures(t *testing.T) {
	b := newTestBreaker("reset", time.Minute)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_ = b.Execute(ctx, fail)
	}
	require.NoError(t, b.Execute(ctx, succeed))
	_ = b.Execute(ctx, fail)
	assert.Equal(t, StateClosed, b.Snapshot().State)
	assert.Equal(t, uint32(1), b.Snapshot().Failures)
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b := newTestBreaker("recover", 20*time.Millisecond)
	ctx := context.Background()
	var transitions []string
	b.OnStateChange(func(_ string, from, to State) {
		transitions = append(transitions, string(from)+"->"+string(to))
	})

	for i := 0; i < 5; i++ {
		_ = b.Execute(ctx, fail)
	}
	require.Equal(t, StateOpen, b.Snapshot().State)

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, b.Execute(ctx, succeed))
	assert.Equal(t, StateHalfOpen, b.Snapshot().State)
	require.NoError(t, b.Execute(ctx, succeed))
	require.NoError(t, b.Execute(ctx, succeed))

	snap := b.Snapshot()
	assert.Equal(t, StateClosed, snap.State)
	assert.Zero(t, snap.Failures)
	assert.Equal(t, []string{"CLOSED->OPEN", "OPEN->HALF_OPEN", "HALF_OPEN->CLOSED"}, transitions)
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := newTestBreaker("reopen", 20*time.Millisecond)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = b.Execute(ctx, fail)
	}
	time.Sleep(30 * time.Millisecond)

	require.NoError(t, b.Execute(ctx, succeed))
	require.ErrorIs(t, b.Execute(ctx, fail), errTransport)

	snap := b.Snapshot()
	assert.Equal(t, StateOpen, snap.State)
	assert.True(t, snap.NextAttempt.After(time.Now()))
	assert.ErrorIs(t, b.Execute(ctx, succeed), notification.ErrCircuitOpen)
}

func TestBreakerCallTimeoutCountsAsFailure(t *testing.T) {
	b := NewBreaker(BreakerSettings{
		Name:           "timeout",
		ErrorThreshold: 1,
		ResetTimeout:   time.Minute,
		CallTimeout:    10 * time.Millisecond,
	}, zerolog.Nop())

	release := make(chan struct{})
	defer close(release)
	err := b.Execute(context.Background(), func(context.Context) error {
		<-release
		return nil
	})
	assert.ErrorIs(t, err, ErrCallTimeout)
	assert.Equal(t, StateOpen, b.Snapshot().State)
}
