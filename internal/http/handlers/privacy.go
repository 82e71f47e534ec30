package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/saathi-ai-platform/internal/erasure"
	"github.com/wolfman30/saathi-ai-platform/pkg/logging"
)

// OwnerPurger erases everything stored for an owner.
type OwnerPurger interface {
	Purge(ctx context.Context, ownerID string) (erasure.Report, error)
}

type PrivacyHandler struct {
	purger OwnerPurger
	logger *logging.Logger
}

func NewPrivacyHandler(purger OwnerPurger, logger *logging.Logger) *PrivacyHandler {
	if purger == nil {
		panic("handlers: purger cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &PrivacyHandler{purger: purger, logger: logger}
}

// DeleteOwnerData handles DELETE /v1/owners/{ownerID}/data. A partial purge
// returns 500 with the per-store counts so the client can retry.
func (h *PrivacyHandler) DeleteOwnerData(w http.ResponseWriter, r *http.Request) {
	owner, _, err := resolveOwner(r, chi.URLParam(r, "ownerID"), nil)
	if err != nil {
		jsonError(w, err.Error(), ownerErrorStatus(err))
		return
	}

	report, err := h.purger.Purge(r.Context(), owner)
	switch {
	case errors.Is(err, erasure.ErrOwnerRequired):
		jsonError(w, err.Error(), http.StatusBadRequest)
	case err != nil:
		h.logger.Error("owner purge incomplete", "error", err, "owner_id", owner)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "purge incomplete", "deleted": report})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"owner_id": owner, "deleted": report})
	}
}
