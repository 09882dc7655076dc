package consumer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/example/notification-pipeline/internal/notification"
	"github.com/example/notification-pipeline/internal/store"
)

// Reporter records consumer-side status changes.
type Reporter interface {
	Report(ctx context.Context, requestID string, rec notification.StatusRecord) error
}

// StoreReporter writes status records straight to the shared store.
type StoreReporter struct {
	Tracker *store.Tracker
}

func (r StoreReporter) Report(ctx context.Context, requestID string, rec notification.StatusRecord) error {
	return r.Tracker.SetStatus(ctx, requestID, rec)
}

// CallbackReporter posts status records to the gateway's
// {base}/{channel}/status endpoint.
type CallbackReporter struct {
	BaseURL string
	Client  *http.Client
}

type callbackBody struct {
	NotificationID string `json:"notification_id"`
	Status         string `json:"status"`
	Timestamp      string `json:"timestamp"`
	Error          string `json:"error,omitempty"`
}

func (r CallbackReporter) Report(ctx context.Context, requestID string, rec notification.StatusRecord) error {
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	body, err := json.Marshal(callbackBody{
		NotificationID: requestID,
		Status:         string(rec.Status),
		Timestamp:      ts.UTC().Format(time.RFC3339Nano),
		Error:          rec.Error,
	})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/%s/status", strings.TrimRight(r.BaseURL, "/"), rec.Channel)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := r.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("status callback: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("status callback: %w", notification.ErrStatusRegression)
	default:
		return fmt.Errorf("status callback: unexpected status %s", resp.Status)
	}
}
