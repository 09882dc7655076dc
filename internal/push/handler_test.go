package push

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/notification-pipeline/internal/consumer"
	"github.com/example/notification-pipeline/internal/gateway"
	"github.com/example/notification-pipeline/internal/notification"
	"github.com/example/notification-pipeline/internal/resilience"
	"github.com/example/notification-pipeline/internal/store"
)

type stubMessages struct {
	mu   sync.Mutex
	sent []notification.PushPayload
	fail map[string]error
}

func (s *stubMessages) SendMessage(_ context.Context, p notification.Payload) (string, error) {
	msg := p.(notification.PushPayload)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail[msg.Token]; err != nil {
		return "", err
	}
	s.sent = append(s.sent, msg)
	return "projects/demo/messages/" + msg.Token + msg.Topic, nil
}

func (s *stubMessages) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func newDirectServer(t *testing.T, sender *stubMessages, threshold uint32) *httptest.Server {
	t.Helper()
	breaker := resilience.NewBreaker(resilience.BreakerSettings{Name: "push-direct-test", ErrorThreshold: threshold, ResetTimeout: time.Minute}, zerolog.Nop())
	exec := consumer.NewExecutor(notification.ChannelPush, nil, breaker,
		resilience.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, Multiplier: 2},
		zerolog.Nop(),
		resilience.WithSleep(func(context.Context, time.Duration) error { return nil }),
	)
	tracker := store.NewTracker(store.NewMemoryStore(), store.TTLs{Idempotency: time.Hour})
	r := chi.NewRouter()
	NewHandler(sender, exec, tracker, zerolog.Nop()).Register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url, body string) (int, gateway.Response) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out gateway.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

const directBody = `{"user_id":"u1","push_token":"tok1","title":"Hi","body":"There","request_id":"req_1","click_action":"https://app.test/x","metadata":{"campaign":"summer","n":2}}`

func TestDirectSend(t *testing.T) {
	sender := &stubMessages{}
	srv := newDirectServer(t, sender, 5)

	status, out := postJSON(t, srv.URL+"/push/send", directBody)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, out.Success)
	assert.Equal(t, "projects/demo/messages/tok1", out.Data.(map[string]any)["message_id"])

	require.Equal(t, 1, sender.count())
	msg := sender.sent[0]
	assert.Equal(t, "https://app.test/x", msg.ClickAction)
	assert.Equal(t, map[string]string{
		"user_id": "u1", "request_id": "req_1", "priority": "5", "campaign": "summer", "n": "2",
	}, msg.Data)

	status, out = postJSON(t, srv.URL+"/push/send", directBody)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Notification already processed", out.Message)
	assert.Equal(t, 1, sender.count())
}

func TestDirectSendFailureAllowsRetry(t *testing.T) {
	sender := &stubMessages{fail: map[string]error{"tok1": backoff.Permanent(errors.New("fcm 404: NOT_FOUND"))}}
	srv := newDirectServer(t, sender, 5)

	status, out := postJSON(t, srv.URL+"/push/send", directBody)
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Contains(t, out.Error, "NOT_FOUND")

	sender.mu.Lock()
	sender.fail = nil
	sender.mu.Unlock()
	status, _ = postJSON(t, srv.URL+"/push/send", directBody)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, sender.count())
}

func TestDirectSendCircuitOpen(t *testing.T) {
	sender := &stubMessages{fail: map[string]error{"tok1": errors.New("fcm 503: UNAVAILABLE")}}
	srv := newDirectServer(t, sender, 1)

	status, _ := postJSON(t, srv.URL+"/push/send", directBody)
	assert.Equal(t, http.StatusServiceUnavailable, status)

	status, out := postJSON(t, srv.URL+"/push/send", directBody)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, notification.ErrCircuitOpen.Error(), out.Error)
}

func TestDirectSendValidation(t *testing.T) {
	srv := newDirectServer(t, &stubMessages{}, 5)
	tests := map[string]struct {
		path string
		body string
	}{
		"bad json":       {path: "/push/send", body: `{`},
		"missing token":  {path: "/push/send", body: `{"user_id":"u1","title":"t","body":"b","request_id":"r"}`},
		"priority range": {path: "/push/send", body: `{"user_id":"u1","push_token":"t","title":"t","body":"b","request_id":"r","priority":11}`},
		"no tokens":      {path: "/push/send-multiple", body: `{"tokens":[],"title":"t","body":"b"}`},
		"empty token":    {path: "/push/send-multiple", body: `{"tokens":[""],"title":"t","body":"b"}`},
		"missing topic":  {path: "/push/send-topic", body: `{"title":"t","body":"b"}`},
		"bad icon url":   {path: "/push/send-topic", body: `{"topic":"news","title":"t","body":"b","icon":"not a url"}`},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			status, out := postJSON(t, srv.URL+tc.path, tc.body)
			assert.Equal(t, http.StatusBadRequest, status)
			assert.False(t, out.Success)
		})
	}
}

func TestDirectSendMultiple(t *testing.T) {
	sender := &stubMessages{fail: map[string]error{"bad": backoff.Permanent(errors.New("fcm 400: INVALID_ARGUMENT"))}}
	srv := newDirectServer(t, sender, 10)

	status, out := postJSON(t, srv.URL+"/push/send-multiple", `{"tokens":["a","bad","c"],"title":"New","body":"Feature","metadata":{"k":"v"}}`)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, out.Success)

	raw, err := json.Marshal(out.Data)
	require.NoError(t, err)
	var result MulticastResult
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.Equal(t, 2, result.Successful)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Details, 3)
	assert.Equal(t, "a", result.Details[0].Token)
	assert.Equal(t, "projects/demo/messages/a", result.Details[0].MessageID)
	assert.Contains(t, result.Details[1].Error, "INVALID_ARGUMENT")
	assert.Equal(t, map[string]string{"k": "v"}, sender.sent[0].Data)
}

func TestDirectSendTopic(t *testing.T) {
	sender := &stubMessages{}
	srv := newDirectServer(t, sender, 5)

	status, out := postJSON(t, srv.URL+"/push/send-topic", `{"topic":"breaking-news","title":"Breaking","body":"Update"}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Push notification sent to topic: breaking-news", out.Message)
	require.Equal(t, 1, sender.count())
	assert.Equal(t, "breaking-news", sender.sent[0].Topic)
	assert.Empty(t, sender.sent[0].Token)
}
