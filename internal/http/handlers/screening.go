package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/wolfman30/saathi-ai-platform/internal/observability/metrics"
	"github.com/wolfman30/saathi-ai-platform/internal/screening"
	"github.com/wolfman30/saathi-ai-platform/internal/session"
	"github.com/wolfman30/saathi-ai-platform/pkg/logging"
)

// ScreeningStore persists consented screening results.
type ScreeningStore interface {
	Append(ctx context.Context, result screening.Result) error
	History(ctx context.Context, ownerID string, instrument screening.Instrument, limit int) ([]screening.Result, error)
}

// FlagPublisher makes the latest screening risk visible to the crisis detector.
type FlagPublisher interface {
	SetScreeningFlag(ctx context.Context, ownerID string, flag *session.ScreeningFlag) error
}

// ScreeningAuditor records that a screening was submitted.
type ScreeningAuditor interface {
	LogScreeningSubmitted(ctx context.Context, result screening.Result) error
}

type ScreeningHandler struct {
	results ScreeningStore
	flags   FlagPublisher
	audit   ScreeningAuditor
	metrics *metrics.PipelineMetrics
	logger  *logging.Logger
}

func NewScreeningHandler(results ScreeningStore, flags FlagPublisher, audit ScreeningAuditor, m *metrics.PipelineMetrics, logger *logging.Logger) *ScreeningHandler {
	if results == nil {
		panic("handlers: screening store cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &ScreeningHandler{results: results, flags: flags, audit: audit, metrics: m, logger: logger}
}

type screeningRequest struct {
	OwnerID    string       `json:"owner_id,omitempty"`
	Instrument string       `json:"instrument"`
	Responses  []int        `json:"responses"`
	Consent    *consentBody `json:"consent,omitempty"`
}

type screeningResponse struct {
	screening.Result
	Stored bool `json:"stored"`
}

// Submit handles POST /v1/screening. A result is scored for everyone but
// stored only with screening consent. The risk flag is always published so
// the crisis detector sees it for the active window.
func (h *ScreeningHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req screeningRequest
	if err := decodeJSON(w, r, &req); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	owner, consent, err := resolveOwner(r, req.OwnerID, req.Consent)
	if err != nil {
		jsonError(w, err.Error(), ownerErrorStatus(err))
		return
	}

	var validationErr *screening.ValidationError
	instrument, err := screening.ParseInstrument(req.Instrument)
	if err == nil {
		var result screening.Result
		result, err = screening.Score(instrument, req.Responses)
		if err == nil {
			result.OwnerID = owner
			h.record(r.Context(), w, result, consent.ScreeningStorage)
			return
		}
	}
	if errors.As(err, &validationErr) {
		jsonError(w, validationErr.Error(), http.StatusUnprocessableEntity)
		return
	}
	h.logger.Error("screening failed", "error", err, "owner_id", owner)
	jsonError(w, "internal error", http.StatusInternalServerError)
}

func (h *ScreeningHandler) record(ctx context.Context, w http.ResponseWriter, result screening.Result, store bool) {
	h.metrics.ObserveScreening(string(result.Instrument), string(result.SeverityBand), result.Risk.Raised)

	// The flag goes out first so a storage failure cannot hide the risk.
	if h.flags != nil {
		if err := h.flags.SetScreeningFlag(ctx, result.OwnerID, session.FlagFromResult(result)); err != nil {
			h.logger.Error("failed to publish screening flag", "error", err, "owner_id", result.OwnerID, "risk_raised", result.Risk.Raised)
		}
	}
	if store {
		if err := h.results.Append(ctx, result); err != nil {
			h.logger.Error("failed to store screening result", "error", err, "owner_id", result.OwnerID)
			jsonError(w, "failed to store screening result", http.StatusInternalServerError)
			return
		}
	}
	if h.audit != nil {
		if err := h.audit.LogScreeningSubmitted(ctx, result); err != nil {
			h.logger.Warn("failed to audit screening", "error", err, "owner_id", result.OwnerID)
		}
	}
	writeJSON(w, http.StatusOK, screeningResponse{Result: result, Stored: store})
}

// History handles GET /v1/screening/history?instrument=PHQ9&limit=10.
func (h *ScreeningHandler) History(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	owner, _, err := resolveOwner(r, q.Get("owner_id"), nil)
	if err != nil {
		jsonError(w, err.Error(), ownerErrorStatus(err))
		return
	}
	var instrument screening.Instrument
	if raw := q.Get("instrument"); raw != "" {
		if instrument, err = screening.ParseInstrument(raw); err != nil {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit < 0 {
			jsonError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
	}

	results, err := h.results.History(r.Context(), owner, instrument, limit)
	if err != nil {
		h.logger.Error("screening history failed", "error", err, "owner_id", owner)
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if results == nil {
		results = []screening.Result{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}
