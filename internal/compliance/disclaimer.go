package compliance

import (
	"context"
	"fmt"
	"strings"
)

// DisclaimerLevel represents the verbosity of the companion notice.
type DisclaimerLevel string

const (
	DisclaimerShort  DisclaimerLevel = "short"
	DisclaimerMedium DisclaimerLevel = "medium"
	DisclaimerFull   DisclaimerLevel = "full"
)

const (
	disclaimerShortText = "Saathi is an AI companion, not a therapist."

	disclaimerMediumText = "Saathi is an AI wellness companion, not a licensed therapist. If you're in danger, call 911 or the 988 Lifeline."

	disclaimerFullText = "Saathi is an AI wellness companion. It can listen and share coping ideas, but it is not a licensed therapist and can't diagnose or treat anything. If you are in danger or thinking about hurting yourself, call 911, call or text 988, or text HOME to 741741."
)

// DisclaimerConfig configures the disclaimer service.
type DisclaimerConfig struct {
	Level   DisclaimerLevel
	Enabled bool
	// FirstMessageOnly adds the notice only to a session's first reply.
	FirstMessageOnly bool
	// CustomText overrides the level template.
	CustomText string
}

func DefaultDisclaimerConfig() DisclaimerConfig {
	return DisclaimerConfig{Level: DisclaimerMedium, Enabled: true, FirstMessageOnly: true}
}

// DisclaimerOptions provides context for one reply.
type DisclaimerOptions struct {
	OwnerID        string
	SessionID      string
	IsFirstMessage bool
}

// auditLogger is the slice of AuditService the disclaimer needs.
type auditLogger interface {
	LogDisclaimerSent(ctx context.Context, ownerID, sessionID string, level DisclaimerLevel) error
}

// DisclaimerService appends the companion notice to assistant replies.
type DisclaimerService struct {
	audit  auditLogger
	config DisclaimerConfig
}

// NewDisclaimerService accepts a nil audit service.
func NewDisclaimerService(audit *AuditService, config DisclaimerConfig) *DisclaimerService {
	s := &DisclaimerService{config: config}
	if audit != nil {
		s.audit = audit
	}
	return s
}

func (s *DisclaimerService) Text() string {
	if s.config.CustomText != "" {
		return s.config.CustomText
	}
	switch s.config.Level {
	case DisclaimerShort:
		return disclaimerShortText
	case DisclaimerFull:
		return disclaimerFullText
	default:
		return disclaimerMediumText
	}
}

// ShouldAdd reports whether a reply gets the notice.
func (s *DisclaimerService) ShouldAdd(isFirstMessage bool) bool {
	if s == nil || !s.config.Enabled {
		return false
	}
	return !s.config.FirstMessageOnly || isFirstMessage
}

// AddDisclaimer returns message with the notice appended when configured.
// Audit failures do not block the reply.
func (s *DisclaimerService) AddDisclaimer(ctx context.Context, message string, opts DisclaimerOptions) string {
	if !s.ShouldAdd(opts.IsFirstMessage) {
		return message
	}
	notice := s.Text()
	if strings.Contains(message, notice) {
		return message
	}
	out := fmt.Sprintf("%s\n\n%s", strings.TrimSpace(message), notice)
	if s.audit != nil && opts.OwnerID != "" {
		_ = s.audit.LogDisclaimerSent(ctx, opts.OwnerID, opts.SessionID, s.config.Level)
	}
	return out
}
