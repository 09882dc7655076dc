package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/example/notification-pipeline/internal/notification"
)

const (
	idempotencyPrefix = "idempotency:"
	processedPrefix   = "processed:"
	statusPrefix      = "notification:status:"
	claimedMarker     = "claimed"
)

// DefaultClaimTTL bounds an idempotency claim that was never completed.
const DefaultClaimTTL = time.Minute

type TTLs struct {
	// Claim is how long an in-flight claim lives before it has been completed.
	Claim       time.Duration
	Idempotency time.Duration
	Processed   time.Duration
	Status      time.Duration
}

// Tracker layers the three key namespaces of the pipeline over a Store:
// publish-side idempotency keys, consumer-side processed markers keyed by
// correlation id, and per-request status records.
type Tracker struct {
	store Store
	ttl   TTLs
	now   func() time.Time
}

func NewTracker(s Store, ttl TTLs) *Tracker {
	return &Tracker{store: s, ttl: ttl, now: time.Now}
}

func (t *Tracker) Store() Store { return t.store }

func IdempotencyKey(key string) string        { return idempotencyPrefix + key }
func ProcessedKey(correlationID string) string { return processedPrefix + correlationID }
func StatusKey(requestID string) string       { return statusPrefix + requestID }

// ClaimIdempotency reserves key for the caller. It returns
// ErrDuplicateRequest when another request already holds or completed it.
// The claim expires after the claim TTL unless CompleteIdempotency extends it.
func (t *Tracker) ClaimIdempotency(ctx context.Context, key string) error {
	ttl := t.ttl.Claim
	if ttl <= 0 {
		ttl = DefaultClaimTTL
	}
	ok, err := t.store.SetNX(ctx, IdempotencyKey(key), claimedMarker, ttl)
	if err != nil {
		return fmt.Errorf("claim idempotency key: %w", err)
	}
	if !ok {
		return notification.ErrDuplicateRequest
	}
	return nil
}

// ReleaseIdempotency drops a claim so the request can be retried.
func (t *Tracker) ReleaseIdempotency(ctx context.Context, key string) error {
	return t.store.Delete(ctx, IdempotencyKey(key))
}

// CompleteIdempotency records the published request id under key for the
// full idempotency TTL.
func (t *Tracker) CompleteIdempotency(ctx context.Context, key, requestID string) error {
	return t.store.Set(ctx, IdempotencyKey(key), requestID, t.ttl.Idempotency)
}

func (t *Tracker) IdempotencyHeld(ctx context.Context, key string) (bool, error) {
	return t.store.Exists(ctx, IdempotencyKey(key))
}

func (t *Tracker) IsProcessed(ctx context.Context, correlationID string) (bool, error) {
	return t.store.Exists(ctx, ProcessedKey(correlationID))
}

func (t *Tracker) MarkProcessed(ctx context.Context, correlationID string) error {
	return t.store.Set(ctx, ProcessedKey(correlationID), "1", t.ttl.Processed)
}

// SetStatus writes a status record for requestID. Moves backwards in the
// lifecycle are rejected with ErrStatusRegression and leave the record as is.
// Fields left empty on rec are carried over from the previous record.
func (t *Tracker) SetStatus(ctx context.Context, requestID string, rec notification.StatusRecord) error {
	if _, err := notification.ParseStatus(string(rec.Status)); err != nil {
		return err
	}
	prev, err := t.GetStatus(ctx, requestID)
	switch {
	case errors.Is(err, notification.ErrStatusNotFound):
	case err != nil:
		return err
	default:
		if !prev.Status.CanAdvance(rec.Status) {
			return fmt.Errorf("%w: %s -> %s", notification.ErrStatusRegression, prev.Status, rec.Status)
		}
		if rec.UserID == "" {
			rec.UserID = prev.UserID
		}
		if rec.NotificationType == "" {
			rec.NotificationType = prev.NotificationType
		}
		if rec.Channel == "" {
			rec.Channel = prev.Channel
		}
	}
	return t.write(ctx, requestID, rec)
}

// ResetStatus overwrites the status record unconditionally. Redrive uses it to
// put a failed request back to pending.
func (t *Tracker) ResetStatus(ctx context.Context, requestID string, rec notification.StatusRecord) error {
	return t.write(ctx, requestID, rec)
}

func (t *Tracker) GetStatus(ctx context.Context, requestID string) (notification.StatusRecord, error) {
	raw, err := t.store.Get(ctx, StatusKey(requestID))
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return notification.StatusRecord{}, notification.ErrStatusNotFound
		}
		return notification.StatusRecord{}, err
	}
	var rec notification.StatusRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return notification.StatusRecord{}, fmt.Errorf("decode status record: %w", err)
	}
	return rec, nil
}

func (t *Tracker) write(ctx context.Context, requestID string, rec notification.StatusRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = t.now().UTC()
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return t.store.Set(ctx, StatusKey(requestID), string(raw), t.ttl.Status)
}
