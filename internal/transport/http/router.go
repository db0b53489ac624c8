// Package http exposes the read-only operator API: dead-letter queues,
// quarantined records, purge-run status, health, and metrics. It never writes
// pipeline state.
package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"medicore/internal/audit"
	"medicore/internal/notify"
	"medicore/internal/records"
	"medicore/internal/retention"
)

const defaultListLimit = 100

// Deps are the stores the operator API reads from.
type Deps struct {
	AuditDeadLetters audit.DeadLetterStore
	Notifications    notify.Store
	Records          records.Store
	PurgeRuns        retention.RunStore

	// Health reports readiness of the backing stores. nil means always ready.
	Health func(ctx context.Context) error

	Tokens *TokenService
	Logger *slog.Logger
}

// NewRouter assembles the operator API. /healthz and /metrics are
// unauthenticated; everything under /ops requires an operator token.
func NewRouter(deps Deps) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", handleHealth(deps))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/ops", func(r chi.Router) {
		r.Use(RequireAuth(deps.Tokens, deps.Logger))
		r.Get("/dead-letters/notifications", handleNotificationDeadLetters(deps))
		r.Get("/dead-letters/audit", handleAuditDeadLetters(deps))
		r.Get("/quarantined", handleQuarantined(deps))
		r.Get("/purge-runs", handlePurgeRuns(deps))
	})
	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Health != nil {
			if err := deps.Health(r.Context()); err != nil {
				deps.Logger.WarnContext(r.Context(), "health check failed", "error", err)
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func handleNotificationDeadLetters(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		letters, err := deps.Notifications.ListDeadLettered(r.Context(), listLimit(r))
		if err != nil {
			internalError(w, r, deps.Logger, "list notification dead letters", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deadLetters": letters})
	}
}

func handleAuditDeadLetters(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		letters, err := deps.AuditDeadLetters.List(r.Context(), listLimit(r))
		if err != nil {
			internalError(w, r, deps.Logger, "list audit dead letters", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deadLetters": letters})
	}
}

func handleQuarantined(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		quarantined, err := deps.Records.ListQuarantined(r.Context(), listLimit(r))
		if err != nil {
			internalError(w, r, deps.Logger, "list quarantined records", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"records": quarantined})
	}
}

func handlePurgeRuns(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		statuses, err := deps.PurgeRuns.ListStatus(r.Context())
		if err != nil {
			internalError(w, r, deps.Logger, "list purge runs", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"runs": statuses})
	}
}

func listLimit(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			return n
		}
	}
	return defaultListLimit
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func internalError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, op string, err error) {
	logger.ErrorContext(r.Context(), op+" failed", "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal"})
}
