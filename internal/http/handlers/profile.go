package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/wolfman30/saathi-ai-platform/internal/profile"
	"github.com/wolfman30/saathi-ai-platform/pkg/logging"
)

// ProfileReader lists the facts remembered for an owner.
type ProfileReader interface {
	List(ctx context.Context, ownerID string, limit int) ([]profile.Fact, error)
}

type ProfileHandler struct {
	facts  ProfileReader
	logger *logging.Logger
}

func NewProfileHandler(facts ProfileReader, logger *logging.Logger) *ProfileHandler {
	if facts == nil {
		panic("handlers: profile reader cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &ProfileHandler{facts: facts, logger: logger}
}

// Memory handles GET /v1/profile/memory?limit=20.
func (h *ProfileHandler) Memory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	owner, _, err := resolveOwner(r, q.Get("owner_id"), nil)
	if err != nil {
		jsonError(w, err.Error(), ownerErrorStatus(err))
		return
	}
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit < 0 {
			jsonError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
	}

	facts, err := h.facts.List(r.Context(), owner, limit)
	if err != nil {
		h.logger.Error("profile lookup failed", "error", err, "owner_id", owner)
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if facts == nil {
		facts = []profile.Fact{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"owner_id": owner, "memory": facts})
}
