package agent

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// HealthStatus is the payload returned by the /healthz endpoint.
type HealthStatus struct {
	Status         string  `json:"status"`
	State          string  `json:"state"`
	UptimeS        float64 `json:"uptime_s"`
	PendingLines   int     `json:"pending_lines"`
	PendingBytes   int     `json:"pending_bytes"`
	BatchesFlushed int64   `json:"batches_flushed"`
	LastFlushAt    string  `json:"last_flush_at,omitempty"`
}

// Health returns a snapshot of the current agent health state. Status is
// "ok" only while RUNNING.
func (a *Agent) Health() HealthStatus {
	state := a.State()
	h := HealthStatus{
		Status:  "unavailable",
		State:   state.String(),
		UptimeS: a.now().Sub(a.startTime).Seconds(),
	}
	if state == StateRunning {
		h.Status = "ok"
	}

	if acc := a.acc.Load(); acc != nil {
		h.PendingLines, h.PendingBytes = acc.Pending()
		st := acc.Stats()
		h.BatchesFlushed = st.Batches
		if st.Batches > 0 {
			h.LastFlushAt = acc.LastFlush().UTC().Format(time.RFC3339)
		}
	}
	return h
}

// HealthzHandler responds with the agent's health status as JSON: HTTP 200
// while RUNNING, 503 otherwise.
func (a *Agent) HealthzHandler(w http.ResponseWriter, r *http.Request) {
	h := a.Health()
	w.Header().Set("Content-Type", "application/json")
	if h.Status == "ok" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(h); err != nil {
		a.logger.Warn("healthz: failed to encode response", slog.Any("error", err))
	}
}

// Router returns the operational HTTP routes: GET /healthz and GET /metrics.
func (a *Agent) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", a.HealthzHandler)
	r.Method(http.MethodGet, "/metrics", a.MetricsHandler())
	return r
}
