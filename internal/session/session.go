package session

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wolfman30/saathi-ai-platform/internal/crisis"
	"github.com/wolfman30/saathi-ai-platform/internal/screening"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ParseRole accepts the roles a client may send in history.
func ParseRole(raw string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleUser:
		return RoleUser, true
	case RoleAssistant, "bot", "ai":
		return RoleAssistant, true
	case RoleSystem:
		return RoleSystem, true
	}
	return "", false
}

// Message is one immutable entry in a session log.
type Message struct {
	ID        string       `json:"id"`
	SessionID string       `json:"session_id"`
	Role      Role         `json:"role"`
	Text      string       `json:"text"`
	CreatedAt time.Time    `json:"created_at"`
	RiskTags  []crisis.Tag `json:"risk_tags,omitempty"`
}

// NewMessage stamps a message for a session.
func NewMessage(sessionID string, role Role, text string, tags ...crisis.Tag) Message {
	var copied []crisis.Tag
	if len(tags) > 0 {
		copied = append(copied, tags...)
	}
	return Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Text:      text,
		CreatedAt: time.Now().UTC(),
		RiskTags:  copied,
	}
}

// ConsentFlags are supplied by the identity provider.
type ConsentFlags struct {
	DataStorage      bool `json:"data_storage"`
	ScreeningStorage bool `json:"screening_storage"`
}

// ScreeningFlag records the most recent screening risk for an owner.
type ScreeningFlag struct {
	Instrument screening.Instrument `json:"instrument"`
	Risk       screening.RiskFlag   `json:"risk"`
	RecordedAt time.Time            `json:"recorded_at"`
}

// ActiveAt reports whether the flag is raised and still inside window.
func (f *ScreeningFlag) ActiveAt(now time.Time, window time.Duration) bool {
	if f == nil || !f.Risk.Raised {
		return false
	}
	if window <= 0 {
		return true
	}
	return now.Sub(f.RecordedAt) <= window
}

// FlagFromResult converts a scored submission into a session flag.
func FlagFromResult(r screening.Result) *ScreeningFlag {
	recorded := r.CreatedAt
	if recorded.IsZero() {
		recorded = time.Now().UTC()
	}
	return &ScreeningFlag{Instrument: r.Instrument, Risk: r.Risk, RecordedAt: recorded}
}

// ConversationSession is passed into and returned from each pipeline run.
// The message log is append-only.
type ConversationSession struct {
	ID              string         `json:"id"`
	OwnerID         string         `json:"owner_id"`
	Messages        []Message      `json:"messages"`
	Consent         ConsentFlags   `json:"consent"`
	LastCrisisEvent *crisis.Event  `json:"last_crisis_event,omitempty"`
	ScreeningRisk   *ScreeningFlag `json:"screening_risk,omitempty"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// New starts an empty session. An empty id gets a fresh uuid.
func New(id, ownerID string, consent ConsentFlags) ConversationSession {
	if strings.TrimSpace(id) == "" {
		id = uuid.NewString()
	}
	return ConversationSession{
		ID:        id,
		OwnerID:   ownerID,
		Consent:   consent,
		UpdatedAt: time.Now().UTC(),
	}
}

// Append returns a copy of the session with msg at the end of the log. The
// receiver's log is never modified.
func (s ConversationSession) Append(msg Message) ConversationSession {
	next := s
	next.Messages = make([]Message, len(s.Messages), len(s.Messages)+1)
	copy(next.Messages, s.Messages)
	next.Messages = append(next.Messages, msg)
	next.UpdatedAt = msg.CreatedAt
	return next
}

// Recent returns at most n trailing messages.
func (s ConversationSession) Recent(n int) []Message {
	if n <= 0 || len(s.Messages) == 0 {
		return nil
	}
	start := len(s.Messages) - n
	if start < 0 {
		start = 0
	}
	out := make([]Message, len(s.Messages)-start)
	copy(out, s.Messages[start:])
	return out
}

// RecentUserTexts returns the text of the last n user messages, oldest first.
func (s ConversationSession) RecentUserTexts(n int) []string {
	if n <= 0 {
		return nil
	}
	var out []string
	for i := len(s.Messages) - 1; i >= 0 && len(out) < n; i-- {
		if s.Messages[i].Role == RoleUser {
			out = append(out, s.Messages[i].Text)
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Last returns the final message, if any.
func (s ConversationSession) Last() (Message, bool) {
	if len(s.Messages) == 0 {
		return Message{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}

// HasOpenCritical reports whether the escalation floor applies.
func (s ConversationSession) HasOpenCritical() bool {
	return s.LastCrisisEvent.OpenCritical()
}
