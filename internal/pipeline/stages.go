package pipeline

import (
	"context"
	"time"

	"github.com/wolfman30/saathi-ai-platform/internal/compliance"
	"github.com/wolfman30/saathi-ai-platform/internal/crisis"
	"github.com/wolfman30/saathi-ai-platform/internal/generation"
	"github.com/wolfman30/saathi-ai-platform/internal/memory"
	"github.com/wolfman30/saathi-ai-platform/internal/moderation"
	"github.com/wolfman30/saathi-ai-platform/internal/observability/metrics"
	"github.com/wolfman30/saathi-ai-platform/internal/profile"
	"github.com/wolfman30/saathi-ai-platform/internal/session"
	"github.com/wolfman30/saathi-ai-platform/pkg/logging"
)

// Run carries one message through the stages. Stages return an updated copy
// and set Next to the event they finished with.
type Run struct {
	State State
	Next  Event

	Session session.ConversationSession
	Input   string

	Moderation     moderation.Decision
	Assessment     crisis.Assessment
	Memory         []memory.ScoredChunk
	MemoryDegraded bool
	Profile        []profile.Fact
	Reply          session.Message
	Generation     generation.Outcome
	CrisisEvent    *crisis.Event
	Resources      []crisis.Resource
}

// Stage is one step of the pipeline.
type Stage interface {
	Name() string
	Process(ctx context.Context, run Run) (Run, error)
}

// Moderator applies content policy.
type Moderator interface {
	Moderate(text string) moderation.Decision
}

// Assessor scores clinical risk.
type Assessor interface {
	Assess(ctx context.Context, in crisis.Input) crisis.Assessment
}

// Retriever looks up owner memory. A non-nil error means retrieval degraded.
type Retriever interface {
	RetrieveWithStatus(ctx context.Context, ownerID, query string, k int) ([]memory.ScoredChunk, error)
}

// Responder produces the assistant reply.
type Responder interface {
	Generate(ctx context.Context, in generation.Input) (session.Message, generation.Outcome)
}

// CounselorAlerter notifies on-call staff about a crisis event.
type CounselorAlerter interface {
	AlertCrisis(ctx context.Context, event *crisis.Event) error
}

// Auditor receives safety-relevant decisions.
type Auditor interface {
	LogCrisisDetected(ctx context.Context, event *crisis.Event) error
	LogModerationBlocked(ctx context.Context, ownerID, sessionID string, d moderation.Decision) error
	LogReplyBlocked(ctx context.Context, ownerID, sessionID string, reasons []string) error
}

// Disclaimer decorates assistant replies with the companion notice.
type Disclaimer interface {
	AddDisclaimer(ctx context.Context, message string, opts compliance.DisclaimerOptions) string
}

type moderationStage struct {
	moderator Moderator
	metrics   *metrics.PipelineMetrics
}

func (s *moderationStage) Name() string { return "moderation" }

func (s *moderationStage) Process(_ context.Context, run Run) (Run, error) {
	run.Moderation = s.moderator.Moderate(run.Input)
	s.metrics.ObserveModeration(string(run.Moderation.Category), run.Moderation.Allowed)
	run.Next = EventModerated
	return run, nil
}

type crisisStage struct {
	assessor        Assessor
	events          crisis.Store
	historyWindow   int
	screeningWindow time.Duration
	logger          *logging.Logger
	now             func() time.Time
}

func (s *crisisStage) Name() string { return "crisis" }

// Process assesses the full message, then appends the moderated text to the
// session log with its risk tags. Blocked and truncated messages are assessed
// in full; truncation only bounds what reaches the model.
func (s *crisisStage) Process(ctx context.Context, run Run) (Run, error) {
	sess := run.Session
	in := crisis.Input{
		Message:          run.Input,
		History:          sess.RecentUserTexts(s.historyWindow),
		ScreeningRisk:    sess.ScreeningRisk.ActiveAt(s.now(), s.screeningWindow),
		OpenCritical:     s.openCritical(ctx, sess),
		ModerationSafety: run.Moderation.Blocked() && run.Moderation.Safety,
	}
	run.Assessment = s.assessor.Assess(ctx, in)
	logged := run.Moderation.Text
	if logged == "" {
		logged = run.Input
	}
	run.Session = sess.Append(session.NewMessage(sess.ID, session.RoleUser, logged, run.Assessment.Tags()...))

	switch {
	case run.Assessment.Level.Escalates():
		run.Next = EventEscalate
	case run.Moderation.Blocked():
		run.Next = EventRefuse
	default:
		run.Next = EventProceed
	}
	return run, nil
}

// openCritical keeps the floor if either the session or the event store
// reports an unresolved critical event.
func (s *crisisStage) openCritical(ctx context.Context, sess session.ConversationSession) bool {
	if sess.HasOpenCritical() {
		return true
	}
	if s.events == nil {
		return false
	}
	open, err := s.events.HasOpenCritical(ctx, sess.ID)
	if err != nil {
		s.logger.Warn("crisis store lookup failed", "session_id", sess.ID, "error", err)
		return false
	}
	return open
}

type crisisResponseStage struct {
	events         crisis.Store
	alerter        CounselorAlerter
	audit          Auditor
	resources      []crisis.Resource
	persistTimeout time.Duration
	metrics        *metrics.PipelineMetrics
	logger         *logging.Logger
}

func (s *crisisResponseStage) Name() string { return "crisis_response" }

// Process records the event on a context detached from the caller so that
// an aborted request still leaves the audit record behind.
func (s *crisisResponseStage) Process(ctx context.Context, run Run) (Run, error) {
	sess := run.Session
	event, err := crisis.NewEvent(sess.ID, sess.OwnerID, run.Input, run.Assessment, s.resources)
	if err != nil {
		return run, err
	}

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.persistTimeout)
	defer cancel()

	persisted := true
	if s.events != nil {
		if err := s.events.Record(persistCtx, event); err != nil {
			persisted = false
			s.logger.Error("failed to record crisis event",
				"session_id", sess.ID, "event_id", event.ID, "risk_level", event.RiskLevel.String(), "error", err)
		}
	}
	s.metrics.ObserveCrisisEvent(event.RiskLevel.String(), persisted)

	if s.alerter != nil {
		if err := s.alerter.AlertCrisis(persistCtx, event); err != nil {
			s.logger.Error("counselor alert failed", "session_id", sess.ID, "event_id", event.ID, "error", err)
		}
	}
	if s.audit != nil {
		if err := s.audit.LogCrisisDetected(persistCtx, event); err != nil {
			s.logger.Warn("crisis audit failed", "event_id", event.ID, "error", err)
		}
	}

	reply := session.NewMessage(sess.ID, session.RoleAssistant, crisis.Script(s.resources), event.Reasons...)
	sess = sess.Append(reply)
	sess.LastCrisisEvent = event

	run.Session = sess
	run.Reply = reply
	run.CrisisEvent = event
	run.Resources = event.ResourcesOffered
	run.Next = ""
	return run, nil
}

type refusalStage struct {
	audit  Auditor
	logger *logging.Logger
}

func (s *refusalStage) Name() string { return "refusal" }

func (s *refusalStage) Process(ctx context.Context, run Run) (Run, error) {
	sess := run.Session
	if s.audit != nil {
		if err := s.audit.LogModerationBlocked(ctx, sess.OwnerID, sess.ID, run.Moderation); err != nil {
			s.logger.Warn("moderation audit failed", "session_id", sess.ID, "error", err)
		}
	}
	reply := session.NewMessage(sess.ID, session.RoleAssistant, moderation.RefusalText)
	run.Session = sess.Append(reply)
	run.Reply = reply
	run.Next = ""
	return run, nil
}

type retrievalStage struct {
	retriever    Retriever
	profile      ProfileStore
	topK         int
	profileLimit int
	logger       *logging.Logger
}

func (s *retrievalStage) Name() string { return "retrieval" }

// Process never fails the run; a backend error leaves memory empty.
func (s *retrievalStage) Process(ctx context.Context, run Run) (Run, error) {
	run.Next = EventRetrieved
	if s.profile != nil && run.Session.Consent.DataStorage {
		facts, err := s.profile.List(ctx, run.Session.OwnerID, s.profileLimit)
		if err != nil {
			s.logger.Warn("continuing without profile facts", "session_id", run.Session.ID, "error", err)
		}
		run.Profile = facts
	}
	if s.retriever == nil {
		return run, nil
	}
	chunks, err := s.retriever.RetrieveWithStatus(ctx, run.Session.OwnerID, run.Moderation.Text, s.topK)
	if err != nil {
		s.logger.Warn("continuing without memory", "session_id", run.Session.ID, "error", err)
		run.MemoryDegraded = true
		return run, nil
	}
	run.Memory = chunks
	return run, nil
}

type generationStage struct {
	responder Responder
	audit     Auditor
	logger    *logging.Logger
}

func (s *generationStage) Name() string { return "generation" }

func (s *generationStage) Process(ctx context.Context, run Run) (Run, error) {
	reply, outcome := s.responder.Generate(ctx, generation.Input{
		Session: run.Session,
		Memory:  run.Memory,
		Profile: run.Profile,
		Risk:    run.Assessment.Level,
	})
	if outcome.Status == generation.StatusBlocked && s.audit != nil {
		if err := s.audit.LogReplyBlocked(ctx, run.Session.OwnerID, run.Session.ID, outcome.GuardReasons); err != nil {
			s.logger.Warn("reply audit failed", "session_id", run.Session.ID, "error", err)
		}
	}
	run.Reply = reply
	run.Generation = outcome
	run.Next = EventGenerated
	return run, nil
}

type appendStage struct {
	disclaimer Disclaimer
}

func (s *appendStage) Name() string { return "append" }

func (s *appendStage) Process(ctx context.Context, run Run) (Run, error) {
	reply := run.Reply
	if s.disclaimer != nil {
		reply.Text = s.disclaimer.AddDisclaimer(ctx, reply.Text, compliance.DisclaimerOptions{
			OwnerID:        run.Session.OwnerID,
			SessionID:      run.Session.ID,
			IsFirstMessage: !hasAssistantReply(run.Session),
		})
	}
	run.Session = run.Session.Append(reply)
	run.Reply = reply
	run.Next = ""
	return run, nil
}

func hasAssistantReply(sess session.ConversationSession) bool {
	for _, m := range sess.Messages {
		if m.Role == session.RoleAssistant {
			return true
		}
	}
	return false
}
