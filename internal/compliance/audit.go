// Package compliance keeps the audit trail for safety-relevant decisions.
package compliance

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/wolfman30/saathi-ai-platform/internal/crisis"
	"github.com/wolfman30/saathi-ai-platform/internal/moderation"
	"github.com/wolfman30/saathi-ai-platform/internal/screening"
)

// AuditEventType represents the type of compliance event.
type AuditEventType string

const (
	// EventCrisisDetected is logged when a message escalates to high or critical.
	EventCrisisDetected AuditEventType = "safety.crisis_detected"
	// EventCrisisResolved is logged when a counselor clears a session's open events.
	EventCrisisResolved AuditEventType = "safety.crisis_resolved"
	// EventModerationBlocked is logged when the moderator refuses a message.
	EventModerationBlocked AuditEventType = "safety.moderation_blocked"
	// EventPromptInjection is logged when a prompt injection attempt is blocked.
	EventPromptInjection AuditEventType = "security.prompt_injection"
	// EventReplyBlocked is logged when the output guard suppresses a model reply.
	EventReplyBlocked AuditEventType = "safety.reply_blocked"
	// EventScreeningSubmitted is logged for every scored screening.
	EventScreeningSubmitted AuditEventType = "screening.submitted"
	// EventConsentWithdrawn is logged when an owner's data is purged.
	EventConsentWithdrawn AuditEventType = "privacy.consent_withdrawn"
	// EventDisclaimerSent is logged when the companion notice is added to a reply.
	EventDisclaimerSent AuditEventType = "compliance.disclaimer_sent"
)

// redacted replaces user text; the audit trail never stores message content.
const redacted = "[REDACTED]"

// AuditEvent represents an immutable compliance audit record.
type AuditEvent struct {
	ID          string          `json:"id"`
	EventType   AuditEventType  `json:"event_type"`
	OwnerID     string          `json:"owner_id"`
	SessionID   string          `json:"session_id,omitempty"`
	UserMessage string          `json:"user_message,omitempty"`
	Details     json.RawMessage `json:"details,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// AuditDetails contains event-specific details.
type AuditDetails struct {
	RiskLevel    string           `json:"risk_level,omitempty"`
	Reasons      []string         `json:"reasons,omitempty"`
	CrisisEvent  string           `json:"crisis_event_id,omitempty"`
	ResolvedBy   string           `json:"resolved_by,omitempty"`
	Resolved     int64            `json:"resolved,omitempty"`
	Category     string           `json:"category,omitempty"`
	Instrument   string           `json:"instrument,omitempty"`
	SeverityBand string           `json:"severity_band,omitempty"`
	TotalScore   *int             `json:"total_score,omitempty"`
	RiskFlag     bool             `json:"risk_flag,omitempty"`
	Purged       map[string]int64 `json:"purged,omitempty"`
	Disclaimer   string           `json:"disclaimer_level,omitempty"`
}

// AuditService handles compliance audit logging.
type AuditService struct {
	db *sql.DB
}

func NewAuditService(db *sql.DB) *AuditService {
	if db == nil {
		panic("compliance: sql db cannot be nil")
	}
	return &AuditService{db: db}
}

// LogEvent records a compliance audit event.
func (s *AuditService) LogEvent(ctx context.Context, event AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO compliance_audit_events (
			id, event_type, owner_id, session_id, user_message, details, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.EventType,
		event.OwnerID,
		nullString(event.SessionID),
		nullString(event.UserMessage),
		[]byte(event.Details),
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("compliance: failed to log audit event: %w", err)
	}
	return nil
}

func (s *AuditService) logDetails(ctx context.Context, eventType AuditEventType, ownerID, sessionID string, details AuditDetails) error {
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("compliance: failed to marshal details: %w", err)
	}
	return s.LogEvent(ctx, AuditEvent{
		EventType:   eventType,
		OwnerID:     ownerID,
		SessionID:   sessionID,
		UserMessage: redacted,
		Details:     detailsJSON,
	})
}

// LogCrisisDetected records an escalation. The message snapshot stays in the
// crisis event itself.
func (s *AuditService) LogCrisisDetected(ctx context.Context, event *crisis.Event) error {
	if event == nil {
		return nil
	}
	reasons := make([]string, len(event.Reasons))
	for i, r := range event.Reasons {
		reasons[i] = string(r)
	}
	return s.logDetails(ctx, EventCrisisDetected, event.OwnerID, event.SessionID, AuditDetails{
		RiskLevel:   event.RiskLevel.String(),
		Reasons:     reasons,
		CrisisEvent: event.ID,
	})
}

// LogCrisisResolved records a counselor clearing a session.
func (s *AuditService) LogCrisisResolved(ctx context.Context, sessionID, resolvedBy string, resolved int64) error {
	return s.logDetails(ctx, EventCrisisResolved, "", sessionID, AuditDetails{
		ResolvedBy: resolvedBy,
		Resolved:   resolved,
	})
}

// LogModerationBlocked records a refused message. Prompt injection gets its
// own event type.
func (s *AuditService) LogModerationBlocked(ctx context.Context, ownerID, sessionID string, d moderation.Decision) error {
	eventType := EventModerationBlocked
	if d.Category == moderation.CategoryPromptInjection {
		eventType = EventPromptInjection
	}
	return s.logDetails(ctx, eventType, ownerID, sessionID, AuditDetails{
		Category: string(d.Category),
		Reasons:  d.Signals,
	})
}

// LogReplyBlocked records the output guard suppressing a model reply.
func (s *AuditService) LogReplyBlocked(ctx context.Context, ownerID, sessionID string, reasons []string) error {
	return s.logDetails(ctx, EventReplyBlocked, ownerID, sessionID, AuditDetails{Reasons: reasons})
}

// LogScreeningSubmitted records a scored screening without its raw responses.
func (s *AuditService) LogScreeningSubmitted(ctx context.Context, result screening.Result) error {
	total := result.TotalScore
	return s.logDetails(ctx, EventScreeningSubmitted, result.OwnerID, "", AuditDetails{
		Instrument:   string(result.Instrument),
		SeverityBand: string(result.SeverityBand),
		TotalScore:   &total,
		RiskFlag:     result.Risk.Raised,
	})
}

// LogConsentWithdrawn records what an owner purge removed.
func (s *AuditService) LogConsentWithdrawn(ctx context.Context, ownerID string, purged map[string]int64) error {
	return s.logDetails(ctx, EventConsentWithdrawn, ownerID, "", AuditDetails{Purged: purged})
}

// LogDisclaimerSent records the companion notice being attached to a reply.
func (s *AuditService) LogDisclaimerSent(ctx context.Context, ownerID, sessionID string, level DisclaimerLevel) error {
	return s.logDetails(ctx, EventDisclaimerSent, ownerID, sessionID, AuditDetails{Disclaimer: string(level)})
}

// QueryEvents retrieves audit events with filters.
func (s *AuditService) QueryEvents(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	query := `
		SELECT id, event_type, owner_id, session_id, user_message, details, created_at
		FROM compliance_audit_events
		WHERE 1 = 1
	`
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		query += fmt.Sprintf(" AND %s $%d", clause, len(args))
	}
	if filter.OwnerID != "" {
		add("owner_id =", filter.OwnerID)
	}
	if filter.SessionID != "" {
		add("session_id =", filter.SessionID)
	}
	if filter.EventType != "" {
		add("event_type =", filter.EventType)
	}
	if !filter.StartTime.IsZero() {
		add("created_at >=", filter.StartTime)
	}
	if !filter.EndTime.IsZero() {
		add("created_at <=", filter.EndTime)
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("compliance: failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var (
			e                  AuditEvent
			sessionID, userMsg sql.NullString
			details            []byte
		)
		if err := rows.Scan(&e.ID, &e.EventType, &e.OwnerID, &sessionID, &userMsg, &details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("compliance: failed to scan audit event: %w", err)
		}
		e.SessionID = sessionID.String
		e.UserMessage = userMsg.String
		e.Details = details
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("compliance: failed to iterate audit events: %w", err)
	}
	return events, nil
}

// AuditFilter specifies criteria for querying audit events.
type AuditFilter struct {
	OwnerID   string
	SessionID string
	EventType AuditEventType
	StartTime time.Time
	EndTime   time.Time
	Limit     int
	Offset    int
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
