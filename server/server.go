// Package server exposes the operational HTTP surface: health and readiness
// probes, a status snapshot, and Prometheus metrics. Every request carries a
// correlation ID for consistent logging.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pitwall/raceday/iracing"
	"github.com/pitwall/raceday/scheduler"
	"github.com/pitwall/raceday/telemetry"
)

// Handlers carries the dependencies the endpoints read from.
type Handlers struct {
	db      *sql.DB
	tracker *iracing.Tracker
	sched   *scheduler.Scheduler
}

// NewMux returns the HTTP handler with all routes.
func NewMux(db *sql.DB, tracker *iracing.Tracker, sched *scheduler.Scheduler) http.Handler {
	h := &Handlers{db: db, tracker: tracker, sched: sched}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", h.HandleHealthz)
	mux.HandleFunc("/readyz", h.HandleReadyz)
	mux.HandleFunc("/status", h.HandleStatus)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)
		mux.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Start serves the operational endpoints until ctx is cancelled, then shuts
// down gracefully.
func Start(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// HandleHealthz responds to liveness probe requests by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probe requests. The service is ready when
// the database answers; a rate-limited provider degrades but does not block
// readiness.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status":       "not_ready",
			"failed_check": "database",
			"error":        err.Error(),
		})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// HandleStatus returns an operational snapshot: scheduler state, rate-limit
// window, and subscription count.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	var subscriptions int
	if err := h.db.QueryRowContext(r.Context(),
		"SELECT COUNT(*) FROM subscriptions").Scan(&subscriptions); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	var heartbeat string
	_ = h.db.QueryRowContext(r.Context(),
		"SELECT value FROM kv WHERE key='scheduler_heartbeat'").Scan(&heartbeat)

	out := map[string]any{
		"scheduler_state":     h.sched.State().String(),
		"rate_limited":        h.tracker.Limited(),
		"rate_limit_remaining": h.tracker.Remaining().Round(time.Second).String(),
		"subscriptions":       subscriptions,
		"last_cycle":          heartbeat,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}
