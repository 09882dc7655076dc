package common

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getJSON(t *testing.T, h http.Handler, path string) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]any
	if rec.Body.Len() > 0 && rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec.Code, body
}

func TestMetricsRouterHealthRoutes(t *testing.T) {
	var brokerErr error
	r := MetricsRouter(Checks{
		Health: func(*http.Request) (map[string]any, error) { return map[string]any{"broker": "up"}, brokerErr },
		Ready:  func(context.Context) error { return brokerErr },
	}, func(r chi.Router) {
		r.Get("/extra", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) })
	})

	status, body := getJSON(t, r, "/health/live")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["alive"])
	assert.NotEmpty(t, body["timestamp"])

	status, body = getJSON(t, r, "/health/ready")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["ready"])

	status, body = getJSON(t, r, "/health")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])

	brokerErr = errors.New("amqp connection not open")
	status, body = getJSON(t, r, "/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, false, body["ready"])
	assert.Equal(t, "amqp connection not open", body["error"])

	status, _ = getJSON(t, r, "/health/live")
	assert.Equal(t, http.StatusOK, status)

	status, _ = getJSON(t, r, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, status)

	status, _ = getJSON(t, r, "/extra")
	assert.Equal(t, http.StatusTeapot, status)

	status, _ = getJSON(t, r, "/metrics")
	assert.Equal(t, http.StatusOK, status)
}

func TestMetricsRouterWithoutChecks(t *testing.T) {
	r := MetricsRouter(Checks{})
	status, _ := getJSON(t, r, "/health/ready")
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = getJSON(t, r, "/health/live")
	assert.Equal(t, http.StatusOK, status)
}
