package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/wolfman30/saathi-ai-platform/internal/pipeline"
	"github.com/wolfman30/saathi-ai-platform/pkg/logging"
)

// ChatSender runs one message through the pipeline.
type ChatSender interface {
	Send(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
}

type ChatHandler struct {
	conversations ChatSender
	logger        *logging.Logger
}

func NewChatHandler(conversations ChatSender, logger *logging.Logger) *ChatHandler {
	if conversations == nil {
		panic("handlers: conversations cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &ChatHandler{conversations: conversations, logger: logger}
}

type chatRequest struct {
	OwnerID   string                  `json:"owner_id,omitempty"`
	SessionID string                  `json:"session_id,omitempty"`
	Message   string                  `json:"message_text"`
	History   []pipeline.HistoryEntry `json:"history,omitempty"`
	Consent   *consentBody            `json:"consent,omitempty"`
}

// Send handles POST /v1/chat. Crisis and moderation outcomes are ordinary
// 200 responses; the reply already carries the safe text.
func (h *ChatHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	owner, consent, err := resolveOwner(r, req.OwnerID, req.Consent)
	if err != nil {
		jsonError(w, err.Error(), ownerErrorStatus(err))
		return
	}

	res, err := h.conversations.Send(r.Context(), pipeline.Request{
		OwnerID:   owner,
		SessionID: req.SessionID,
		Text:      req.Message,
		History:   req.History,
		Consent:   consent,
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, pipeline.ErrInvalidInput):
		jsonError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, pipeline.ErrSessionOwner):
		jsonError(w, "session belongs to another owner", http.StatusForbidden)
	case errors.Is(err, context.Canceled):
		h.logger.Warn("chat request canceled", "owner_id", owner, "session_id", req.SessionID)
	default:
		h.logger.Error("chat failed", "error", err, "owner_id", owner, "session_id", req.SessionID)
		jsonError(w, "internal error", http.StatusInternalServerError)
	}
}
