package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wolfman30/saathi-ai-platform/internal/crisis"
	"github.com/wolfman30/saathi-ai-platform/internal/session"
	"github.com/wolfman30/saathi-ai-platform/pkg/logging"
)

// ErrSessionOwner is returned when a session id belongs to another owner.
var ErrSessionOwner = errors.New("pipeline: session belongs to another owner")

// SessionStore loads and saves sessions between runs.
type SessionStore interface {
	Load(ctx context.Context, id string) (session.ConversationSession, error)
	Save(ctx context.Context, sess session.ConversationSession) error
}

// ResolutionAuditor records counselor resolutions.
type ResolutionAuditor interface {
	LogCrisisResolved(ctx context.Context, sessionID, resolvedBy string, resolved int64) error
}

// HistoryEntry is a prior message supplied by a client that keeps its own log.
type HistoryEntry struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Request is one inbound message from any surface.
type Request struct {
	OwnerID   string
	SessionID string
	Text      string
	History   []HistoryEntry
	Consent   session.ConsentFlags
}

// Conversations loads the session for a request, runs the orchestrator and
// saves the result. It is the only component that writes sessions.
type Conversations struct {
	orch     *Orchestrator
	sessions SessionStore
	events   crisis.Store
	audit    ResolutionAuditor
	timeout  time.Duration
	logger   *logging.Logger
}

// NewConversations accepts nil events and audit; ResolveCrisis then only
// updates the saved session.
func NewConversations(orch *Orchestrator, sessions SessionStore, events crisis.Store, audit ResolutionAuditor, logger *logging.Logger) *Conversations {
	if orch == nil {
		panic("pipeline: orchestrator cannot be nil")
	}
	if sessions == nil {
		panic("pipeline: session store cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Conversations{orch: orch, sessions: sessions, events: events, audit: audit, timeout: orch.persistTimeout, logger: logger}
}

// Send handles one message. The session is saved even when the run is
// aborted, so an emitted crisis event is never lost.
func (c *Conversations) Send(ctx context.Context, req Request) (Result, error) {
	owner := strings.TrimSpace(req.OwnerID)
	if owner == "" {
		return Result{}, fmt.Errorf("%w: owner id required", ErrInvalidInput)
	}
	sess, err := c.load(ctx, owner, strings.TrimSpace(req.SessionID), req.History)
	if err != nil {
		return Result{}, err
	}
	sess.Consent = req.Consent

	res, next, runErr := c.orch.Handle(ctx, sess, req.Text)
	if len(next.Messages) > len(sess.Messages) {
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		if err := c.sessions.Save(saveCtx, next); err != nil {
			c.logger.Error("failed to save session", "error", err, "session_id", next.ID, "owner_id", owner)
		}
		cancel()
	}
	return res, runErr
}

func (c *Conversations) load(ctx context.Context, owner, id string, history []HistoryEntry) (session.ConversationSession, error) {
	if id != "" {
		sess, err := c.sessions.Load(ctx, id)
		switch {
		case err == nil:
			if sess.OwnerID != owner {
				return session.ConversationSession{}, ErrSessionOwner
			}
			return sess, nil
		case !errors.Is(err, session.ErrNotFound):
			c.logger.Warn("session load failed, starting fresh", "error", err, "session_id", id)
		}
	}
	sess := session.New(id, owner, session.ConsentFlags{})
	for _, h := range history {
		role, ok := session.ParseRole(h.Role)
		text := strings.TrimSpace(h.Text)
		if !ok || text == "" {
			continue
		}
		sess = sess.Append(session.NewMessage(sess.ID, role, text))
	}
	return sess, nil
}

// ResolveCrisis clears every open crisis event on a session and lifts the
// escalation floor from the saved session.
func (c *Conversations) ResolveCrisis(ctx context.Context, sessionID, resolvedBy string) (int64, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return 0, fmt.Errorf("%w: session id required", ErrInvalidInput)
	}

	var resolved int64
	if c.events != nil {
		n, err := c.events.Resolve(ctx, sessionID, resolvedBy)
		if err != nil && !errors.Is(err, crisis.ErrNoOpenEvent) {
			return 0, err
		}
		resolved = n
	}

	sess, err := c.sessions.Load(ctx, sessionID)
	switch {
	case err == nil && sess.LastCrisisEvent.Open():
		now := time.Now().UTC()
		ev := *sess.LastCrisisEvent
		ev.ResolvedAt = &now
		ev.ResolvedBy = resolvedBy
		sess.LastCrisisEvent = &ev
		if err := c.sessions.Save(ctx, sess); err != nil {
			return resolved, err
		}
		if c.events == nil {
			resolved = 1
		}
	case err != nil && !errors.Is(err, session.ErrNotFound):
		return resolved, err
	}

	if resolved == 0 {
		return 0, crisis.ErrNoOpenEvent
	}
	if c.audit != nil {
		if err := c.audit.LogCrisisResolved(ctx, sessionID, resolvedBy, resolved); err != nil {
			c.logger.Error("failed to audit crisis resolution", "error", err, "session_id", sessionID)
		}
	}
	c.logger.Info("crisis resolved", "session_id", sessionID, "resolved_by", resolvedBy, "events", resolved)
	return resolved, nil
}
