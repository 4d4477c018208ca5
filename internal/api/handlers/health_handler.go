package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/markdave123-py/docanchor/internal/core/guard"
)

// Pinger is anything with a liveness check (the database).
type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthHandler struct {
	db    Pinger
	guard *guard.Guard
}

// NewHealthHandler returns the health handler. db may be nil.
func NewHealthHandler(db Pinger, g *guard.Guard) *HealthHandler {
	return &HealthHandler{db: db, guard: g}
}

// Healthz reports database reachability and the guard bookkeeping.
func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	status := http.StatusOK
	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.Ping(ctx); err != nil {
			body["status"] = "degraded"
			body["database"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	if h.guard != nil {
		body["guard"] = h.guard.Snapshot()
	}
	writeJSON(w, status, body)
}
