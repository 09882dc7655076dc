package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/notification-pipeline/internal/notification"
)

func newTestTracker() (*Tracker, *MemoryStore) {
	mem := NewMemoryStore()
	return NewTracker(mem, TTLs{Idempotency: time.Hour, Processed: time.Hour, Status: time.Hour}), mem
}

func TestTrackerIdempotencyClaim(t *testing.T) {
	tr, _ := newTestTracker()
	ctx := context.Background()

	require.NoError(t, tr.ClaimIdempotency(ctx, "k1"))
	assert.ErrorIs(t, tr.ClaimIdempotency(ctx, "k1"), notification.ErrDuplicateRequest)

	require.NoError(t, tr.ReleaseIdempotency(ctx, "k1"))
	require.NoError(t, tr.ClaimIdempotency(ctx, "k1"))

	require.NoError(t, tr.CompleteIdempotency(ctx, "k1", "req_1"))
	held, err := tr.IdempotencyHeld(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, held)
	assert.ErrorIs(t, tr.ClaimIdempotency(ctx, "k1"), notification.ErrDuplicateRequest)
}

func TestTrackerNamespacesAreIndependent(t *testing.T) {
	tr, mem := newTestTracker()
	ctx := context.Background()

	require.NoError(t, tr.ClaimIdempotency(ctx, "c1"))
	processed, err := tr.IsProcessed(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, processed)

	require.NoError(t, tr.MarkProcessed(ctx, "c1"))
	processed, err = tr.IsProcessed(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, processed)

	assert.ElementsMatch(t, []string{"idempotency:c1", "processed:c1"}, mem.Keys())
}

func TestTrackerStatusIsMonotonic(t *testing.T) {
	tr, _ := newTestTracker()
	ctx := context.Background()

	_, err := tr.GetStatus(ctx, "req_1")
	assert.ErrorIs(t, err, notification.ErrStatusNotFound)

	require.NoError(t, tr.SetStatus(ctx, "req_1", notification.StatusRecord{
		Status: notification.StatusPending, UserID: "u1", NotificationType: notification.ChannelEmail,
	}))
	require.NoError(t, tr.SetStatus(ctx, "req_1", notification.StatusRecord{Status: notification.StatusProcessing}))
	require.NoError(t, tr.SetStatus(ctx, "req_1", notification.StatusRecord{Status: notification.StatusDelivered}))

	err = tr.SetStatus(ctx, "req_1", notification.StatusRecord{Status: notification.StatusProcessing})
	assert.ErrorIs(t, err, notification.ErrStatusRegression)

	rec, err := tr.GetStatus(ctx, "req_1")
	require.NoError(t, err)
	assert.Equal(t, notification.StatusDelivered, rec.Status)
	assert.Equal(t, "u1", rec.UserID)
	assert.Equal(t, notification.ChannelEmail, rec.NotificationType)
	assert.False(t, rec.Timestamp.IsZero())
}

func TestTrackerResetStatus(t *testing.T) {
	tr, _ := newTestTracker()
	ctx := context.Background()

	require.NoError(t, tr.SetStatus(ctx, "req_1", notification.StatusRecord{Status: notification.StatusFailed, Error: "boom"}))
	require.NoError(t, tr.ResetStatus(ctx, "req_1", notification.StatusRecord{Status: notification.StatusPending}))

	rec, err := tr.GetStatus(ctx, "req_1")
	require.NoError(t, err)
	assert.Equal(t, notification.StatusPending, rec.Status)
	assert.Empty(t, rec.Error)
}

func TestTrackerRejectsUnknownStatus(t *testing.T) {
	tr, _ := newTestTracker()
	err := tr.SetStatus(context.Background(), "req_1", notification.StatusRecord{Status: "sent"})
	assert.ErrorIs(t, err, notification.ErrValidation)
}

func TestTrackerUncompletedClaimExpires(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	mem := NewMemoryStore().WithClock(func() time.Time { return now })
	tr := NewTracker(mem, TTLs{Claim: time.Minute, Idempotency: 24 * time.Hour})
	ctx := context.Background()

	require.NoError(t, tr.ClaimIdempotency(ctx, "k1"))
	now = now.Add(2 * time.Minute)
	require.NoError(t, tr.ClaimIdempotency(ctx, "k1"), "an abandoned claim must not block retries")

	require.NoError(t, tr.CompleteIdempotency(ctx, "k1", "req_1"))
	now = now.Add(time.Hour)
	assert.ErrorIs(t, tr.ClaimIdempotency(ctx, "k1"), notification.ErrDuplicateRequest)
}
