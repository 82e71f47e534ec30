package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/saathi-ai-platform/internal/crisis"
	"github.com/wolfman30/saathi-ai-platform/internal/generation"
	"github.com/wolfman30/saathi-ai-platform/internal/moderation"
	"github.com/wolfman30/saathi-ai-platform/internal/observability/metrics"
	"github.com/wolfman30/saathi-ai-platform/internal/profile"
	"github.com/wolfman30/saathi-ai-platform/internal/session"
	"github.com/wolfman30/saathi-ai-platform/pkg/logging"
)

var tracer = otel.Tracer("saathi.pipeline")

var (
	// ErrCrisisDetected marks a run that ended in the crisis short-circuit.
	ErrCrisisDetected = errors.New("pipeline: crisis detected")
	// ErrModerationBlock marks a run that ended with a policy refusal.
	ErrModerationBlock = errors.New("pipeline: message blocked by moderation")
	// ErrInvalidInput is returned when a message cannot be attributed to an owner.
	ErrInvalidInput = errors.New("pipeline: invalid input")
)

// TurnRecorder persists a finished exchange for later memory ingestion.
type TurnRecorder interface {
	RecordTurn(ctx context.Context, turn Turn) error
}

// Turn is one user message and its reply.
type Turn struct {
	OwnerID   string
	SessionID string
	UserText  string
	ReplyText string
}

// Text renders the turn the way it is stored in memory.
func (t Turn) Text() string {
	return fmt.Sprintf("User: %s\nSaathi: %s", t.UserText, t.ReplyText)
}

// ScreeningFlags supplies the latest screening flag for an owner.
type ScreeningFlags interface {
	ScreeningFlag(ctx context.Context, ownerID string) (*session.ScreeningFlag, error)
}

// ProfileStore keeps the facts a student stated about themselves.
type ProfileStore interface {
	Upsert(ctx context.Context, facts []profile.Fact) error
	List(ctx context.Context, ownerID string, limit int) ([]profile.Fact, error)
}

// Step records one transition for tracing and tests.
type Step struct {
	Stage   string        `json:"stage"`
	From    State         `json:"from"`
	To      State         `json:"to"`
	Latency time.Duration `json:"latency"`
}

// Result is the structured outcome of one message.
type Result struct {
	SessionID       string              `json:"session_id"`
	ReplyText       string              `json:"reply_text"`
	RiskLevel       crisis.Level        `json:"risk_level"`
	UsedMemory      bool                `json:"used_memory"`
	CrisisResources []crisis.Resource   `json:"crisis_resources,omitempty"`
	SuggestedCoping []string            `json:"suggested_coping,omitempty"`
	MemoryUpdates   map[string][]string `json:"memory_updates,omitempty"`

	Terminal    State               `json:"-"`
	Moderation  moderation.Decision `json:"-"`
	Assessment  crisis.Assessment   `json:"-"`
	Generation  generation.Outcome  `json:"-"`
	CrisisEvent *crisis.Event       `json:"-"`
	Trace       []Step              `json:"-"`
}

// Crisis reports whether the run short-circuited.
func (r Result) Crisis() bool { return r.Terminal == StateCrisisShortCircuit }

// Err classifies a non-normal outcome. Both outcomes still carry a reply.
func (r Result) Err() error {
	switch {
	case r.Crisis():
		return ErrCrisisDetected
	case r.Moderation.Blocked():
		return ErrModerationBlock
	default:
		return nil
	}
}

// Config tunes the orchestrator.
type Config struct {
	CrisisHistoryWindow   int
	ScreeningActiveWindow time.Duration
	RetrievalTopK         int
	ProfileFactLimit      int
	Resources             []crisis.Resource
	// PersistTimeout bounds crisis event persistence and post-run recording.
	PersistTimeout time.Duration
}

// Deps are the collaborators. Moderator, Assessor and Responder are required.
type Deps struct {
	Moderator  Moderator
	Assessor   Assessor
	Retriever  Retriever
	Responder  Responder
	Events     crisis.Store
	Alerter    CounselorAlerter
	Audit      Auditor
	Disclaimer Disclaimer
	Recorder   TurnRecorder
	Flags      ScreeningFlags
	Profile    ProfileStore
}

// Option configures the orchestrator.
type Option func(*Orchestrator)

func WithLogger(logger *logging.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithMetrics(m *metrics.PipelineMetrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func withClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator drives runs through the transition table. It is the only
// writer of the session during a run.
type Orchestrator struct {
	stages         map[edge]Stage
	recorder       TurnRecorder
	flags          ScreeningFlags
	profile        ProfileStore
	screenWindow   time.Duration
	persistTimeout time.Duration
	logger         *logging.Logger
	metrics        *metrics.PipelineMetrics
	now            func() time.Time
}

func NewOrchestrator(deps Deps, cfg Config, opts ...Option) *Orchestrator {
	if deps.Moderator == nil {
		panic("pipeline: moderator cannot be nil")
	}
	if deps.Assessor == nil {
		panic("pipeline: assessor cannot be nil")
	}
	if deps.Responder == nil {
		panic("pipeline: responder cannot be nil")
	}
	if cfg.CrisisHistoryWindow <= 0 {
		cfg.CrisisHistoryWindow = 3
	}
	if cfg.ScreeningActiveWindow <= 0 {
		cfg.ScreeningActiveWindow = 2 * time.Hour
	}
	if cfg.RetrievalTopK <= 0 {
		cfg.RetrievalTopK = 3
	}
	if cfg.ProfileFactLimit <= 0 {
		cfg.ProfileFactLimit = 10
	}
	if len(cfg.Resources) == 0 {
		cfg.Resources = crisis.DefaultResources()
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 5 * time.Second
	}

	o := &Orchestrator{
		recorder:       deps.Recorder,
		flags:          deps.Flags,
		profile:        deps.Profile,
		screenWindow:   cfg.ScreeningActiveWindow,
		persistTimeout: cfg.PersistTimeout,
		logger:         logging.Default(),
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	logger := o.logger.Component("pipeline")
	o.logger = logger

	o.stages = map[edge]Stage{
		{StateStart, EventBegin}: &moderationStage{moderator: deps.Moderator, metrics: o.metrics},
		{StateModerated, EventModerated}: &crisisStage{
			assessor:        deps.Assessor,
			events:          deps.Events,
			historyWindow:   cfg.CrisisHistoryWindow,
			screeningWindow: cfg.ScreeningActiveWindow,
			logger:          logger,
			now:             o.now,
		},
		{StateCrisisChecked, EventEscalate}: &crisisResponseStage{
			events:         deps.Events,
			alerter:        deps.Alerter,
			audit:          deps.Audit,
			resources:      cfg.Resources,
			persistTimeout: cfg.PersistTimeout,
			metrics:        o.metrics,
			logger:         logger,
		},
		{StateCrisisChecked, EventRefuse}: &refusalStage{audit: deps.Audit, logger: logger},
		{StateCrisisChecked, EventProceed}:     &retrievalStage{
			retriever:    deps.Retriever,
			profile:      deps.Profile,
			topK:         cfg.RetrievalTopK,
			profileLimit: cfg.ProfileFactLimit,
			logger:       logger,
		},
		{StateMemoryRetrieved, EventRetrieved}: &generationStage{responder: deps.Responder, audit: deps.Audit, logger: logger},
		{StateGenerated, EventGenerated}:       &appendStage{disclaimer: deps.Disclaimer},
	}
	return o
}

// Handle runs one message. The returned session includes the user message and
// the reply. An error is returned only for unusable input or when the caller
// cancels before a reply exists; a crisis event is persisted regardless.
func (o *Orchestrator) Handle(ctx context.Context, sess session.ConversationSession, text string) (Result, session.ConversationSession, error) {
	if strings.TrimSpace(sess.OwnerID) == "" {
		return Result{}, sess, fmt.Errorf("%w: owner id required", ErrInvalidInput)
	}
	if strings.TrimSpace(text) == "" {
		return Result{}, sess, fmt.Errorf("%w: message text required", ErrInvalidInput)
	}
	if sess.ID == "" {
		sess = session.New("", sess.OwnerID, sess.Consent)
	}

	ctx, span := tracer.Start(ctx, "pipeline.handle")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sess.ID))

	sess = o.refreshScreeningFlag(ctx, sess)

	run := Run{State: StateStart, Next: EventBegin, Session: sess, Input: text}
	var trace []Step
	for !run.State.Terminal() {
		// The crisis response always runs, cancelled or not.
		if run.Next != EventEscalate {
			if err := ctx.Err(); err != nil {
				return Result{}, run.Session, fmt.Errorf("pipeline: aborted in %s: %w", run.State, err)
			}
		}
		to, err := Transition(run.State, run.Next)
		if err != nil {
			span.RecordError(err)
			return Result{}, run.Session, err
		}
		stage := o.stages[edge{run.State, run.Next}]

		started := time.Now()
		stageCtx, stageSpan := tracer.Start(ctx, "pipeline."+stage.Name())
		run, err = stage.Process(stageCtx, run)
		stageSpan.End()
		elapsed := time.Since(started)
		o.metrics.ObserveStage(stage.Name(), elapsed.Seconds())
		if err != nil {
			span.RecordError(err)
			return Result{}, run.Session, fmt.Errorf("pipeline: %s stage: %w", stage.Name(), err)
		}
		trace = append(trace, Step{Stage: stage.Name(), From: run.State, To: to, Latency: elapsed})
		run.State = to
	}

	result := Result{
		SessionID:   run.Session.ID,
		ReplyText:   run.Reply.Text,
		RiskLevel:   run.Assessment.Level,
		UsedMemory:  len(run.Memory) > 0,
		Terminal:    run.State,
		Moderation:  run.Moderation,
		Assessment:  run.Assessment,
		Generation:  run.Generation,
		CrisisEvent: run.CrisisEvent,
		Trace:       trace,
	}
	if result.Crisis() {
		result.CrisisResources = run.Resources
	} else if !run.Moderation.Blocked() {
		result.SuggestedCoping = ExtractCoping(run.Reply.Text)
		result.MemoryUpdates = ExtractMemoryUpdates(run.Moderation.Text)
		o.recordTurn(ctx, run, result.MemoryUpdates)
	}

	span.SetAttributes(
		attribute.String("pipeline.terminal", string(run.State)),
		attribute.String("pipeline.risk_level", run.Assessment.Level.String()),
		attribute.Bool("pipeline.used_memory", result.UsedMemory),
	)
	o.metrics.ObserveRun(string(run.State), run.Assessment.Level.String())
	o.logger.Info("pipeline run complete",
		"session_id", run.Session.ID,
		"owner_id", run.Session.OwnerID,
		"terminal", run.State,
		"risk_level", run.Assessment.Level.String(),
		"used_memory", result.UsedMemory,
		"memory_degraded", run.MemoryDegraded,
		"generation_status", run.Generation.Status,
	)
	return result, run.Session, nil
}

// refreshScreeningFlag adopts a newer owner flag from the flag store. A clean
// result never displaces a raised flag that is still inside its window.
func (o *Orchestrator) refreshScreeningFlag(ctx context.Context, sess session.ConversationSession) session.ConversationSession {
	if o.flags == nil {
		return sess
	}
	flag, err := o.flags.ScreeningFlag(ctx, sess.OwnerID)
	if err != nil {
		o.logger.Warn("screening flag lookup failed", "owner_id", sess.OwnerID, "error", err)
		return sess
	}
	if flag == nil {
		return sess
	}
	current := sess.ScreeningRisk
	if current.ActiveAt(o.now(), o.screenWindow) && !flag.Risk.Raised {
		return sess
	}
	if current == nil || flag.RecordedAt.After(current.RecordedAt) {
		sess.ScreeningRisk = flag
	}
	return sess
}

// recordTurn queues the exchange for memory and keeps the stated facts when
// the owner consented.
func (o *Orchestrator) recordTurn(ctx context.Context, run Run, updates map[string][]string) {
	if !run.Session.Consent.DataStorage {
		return
	}
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.persistTimeout)
	defer cancel()

	if o.profile != nil && len(updates) > 0 {
		facts := profile.FactsFromUpdates(run.Session.OwnerID, run.Session.ID, updates, o.now())
		if err := o.profile.Upsert(recordCtx, facts); err != nil {
			o.logger.Warn("failed to store profile facts", "session_id", run.Session.ID, "error", err)
		}
	}
	if o.recorder == nil {
		return
	}
	turn := Turn{
		OwnerID:   run.Session.OwnerID,
		SessionID: run.Session.ID,
		UserText:  run.Moderation.Text,
		ReplyText: run.Reply.Text,
	}
	if err := o.recorder.RecordTurn(recordCtx, turn); err != nil {
		o.logger.Warn("failed to record turn", "session_id", turn.SessionID, "error", err)
	}
}
