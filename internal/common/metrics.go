package common

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthFunc reports component health. A non-nil error turns /health into a 503.
type HealthFunc func(r *http.Request) (map[string]any, error)

// ReadyFunc reports whether the process can take work.
type ReadyFunc func(ctx context.Context) error

type Checks struct {
	Health HealthFunc
	Ready  ReadyFunc
}

// MetricsRouter serves /metrics, /health/live and the checks that are set.
// routes adds process-specific endpoints.
func MetricsRouter(p Checks, routes ...func(chi.Router)) chi.Router {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	if p.Health != nil {
		r.Get("/health", HealthHandler(p.Health))
	}
	r.Get("/health/live", liveHandler)
	if p.Ready != nil {
		r.Get("/health/ready", ReadyHandler(p.Ready))
	}
	for _, fn := range routes {
		fn(r)
	}
	return r
}

func StartMetricsServer(port int, p Checks, routes ...func(chi.Router)) *http.Server {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: MetricsRouter(p, routes...),
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			panic(err)
		}
	}()
	return srv
}

func HealthHandler(health HealthFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		details, err := health(r)
		body := map[string]any{"success": err == nil, "data": details}
		status := http.StatusOK
		if err != nil {
			status = http.StatusServiceUnavailable
			body["error"] = err.Error()
			body["message"] = "Some dependencies are down"
		} else {
			body["message"] = "All systems operational"
		}
		writeJSON(w, status, body)
	}
}

func ReadyHandler(ready ReadyFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		err := ready(ctx)
		body := map[string]any{"ready": err == nil, "timestamp": time.Now().UTC()}
		status := http.StatusOK
		if err != nil {
			status = http.StatusServiceUnavailable
			body["error"] = err.Error()
		}
		writeJSON(w, status, body)
	}
}

func liveHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"alive": true, "timestamp": time.Now().UTC()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
