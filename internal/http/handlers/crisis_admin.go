package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/saathi-ai-platform/internal/crisis"
	"github.com/wolfman30/saathi-ai-platform/internal/http/middleware"
	"github.com/wolfman30/saathi-ai-platform/pkg/logging"
)

// OpenEventLister lists crisis events awaiting a counselor.
type OpenEventLister interface {
	ListOpen(ctx context.Context, limit int) ([]crisis.Event, error)
}

// CrisisResolver clears the open events on a session.
type CrisisResolver interface {
	ResolveCrisis(ctx context.Context, sessionID, resolvedBy string) (int64, error)
}

// AdminCrisisHandler is the counselor review surface.
type AdminCrisisHandler struct {
	events   OpenEventLister
	resolver CrisisResolver
	logger   *logging.Logger
}

func NewAdminCrisisHandler(events OpenEventLister, resolver CrisisResolver, logger *logging.Logger) *AdminCrisisHandler {
	if resolver == nil {
		panic("handlers: crisis resolver cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &AdminCrisisHandler{events: events, resolver: resolver, logger: logger}
}

// ListOpen handles GET /admin/crisis/open?limit=50.
func (h *AdminCrisisHandler) ListOpen(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		writeJSON(w, http.StatusOK, map[string]any{"events": []crisis.Event{}})
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			jsonError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, 500)
	}
	events, err := h.events.ListOpen(r.Context(), limit)
	if err != nil {
		h.logger.Error("list open crisis events failed", "error", err)
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []crisis.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// Resolve handles POST /admin/crisis/{sessionID}/resolve. The resolver is the
// authenticated counselor.
func (h *AdminCrisisHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	by := "counselor"
	if claims, ok := middleware.CounselorClaimsFromContext(r.Context()); ok && claims.Subject != "" {
		by = claims.Subject
	}

	n, err := h.resolver.ResolveCrisis(r.Context(), sessionID, by)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "resolved": n, "resolved_by": by})
	case errors.Is(err, crisis.ErrNoOpenEvent):
		jsonError(w, "no open crisis event for session", http.StatusNotFound)
	default:
		h.logger.Error("resolve crisis failed", "error", err, "session_id", sessionID)
		jsonError(w, "internal error", http.StatusInternalServerError)
	}
}
