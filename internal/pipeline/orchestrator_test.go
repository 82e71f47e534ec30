package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/saathi-ai-platform/internal/compliance"
	"github.com/wolfman30/saathi-ai-platform/internal/crisis"
	"github.com/wolfman30/saathi-ai-platform/internal/embedding"
	"github.com/wolfman30/saathi-ai-platform/internal/generation"
	"github.com/wolfman30/saathi-ai-platform/internal/memory"
	"github.com/wolfman30/saathi-ai-platform/internal/moderation"
	"github.com/wolfman30/saathi-ai-platform/internal/profile"
	"github.com/wolfman30/saathi-ai-platform/internal/screening"
	"github.com/wolfman30/saathi-ai-platform/internal/session"
)

type countingLLM struct {
	calls atomic.Int32
	reply string

	mu   sync.Mutex
	last generation.LLMRequest
}

func (c *countingLLM) Complete(_ context.Context, req generation.LLMRequest) (generation.LLMResponse, error) {
	c.calls.Add(1)
	c.mu.Lock()
	c.last = req
	c.mu.Unlock()
	return generation.LLMResponse{Text: c.reply}, nil
}

func (c *countingLLM) lastSystem() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.last.System, "\n")
}

type countingRetriever struct {
	calls  atomic.Int32
	chunks []memory.ScoredChunk
	err    error
}

func (r *countingRetriever) RetrieveWithStatus(context.Context, string, string, int) ([]memory.ScoredChunk, error) {
	r.calls.Add(1)
	return r.chunks, r.err
}

type recordingAudit struct {
	mu         sync.Mutex
	crises     []*crisis.Event
	blocked    []moderation.Decision
	replyBlock [][]string
}

func (a *recordingAudit) LogCrisisDetected(_ context.Context, e *crisis.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.crises = append(a.crises, e)
	return nil
}

func (a *recordingAudit) LogModerationBlocked(_ context.Context, _, _ string, d moderation.Decision) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.blocked = append(a.blocked, d)
	return nil
}

func (a *recordingAudit) LogReplyBlocked(_ context.Context, _, _ string, reasons []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.replyBlock = append(a.replyBlock, reasons)
	return errors.New("audit unavailable")
}

type stubAlerter struct {
	events []*crisis.Event
	ctxErr error
}

func (s *stubAlerter) AlertCrisis(ctx context.Context, e *crisis.Event) error {
	s.events = append(s.events, e)
	s.ctxErr = ctx.Err()
	return nil
}

type recordingTurns struct {
	turns []Turn
}

func (r *recordingTurns) RecordTurn(_ context.Context, t Turn) error {
	r.turns = append(r.turns, t)
	return nil
}

// ctxCheckingStore records whether Record saw a live context.
type ctxCheckingStore struct {
	*crisis.MemoryStore
	recordCtxErr error
}

func (s *ctxCheckingStore) Record(ctx context.Context, e *crisis.Event) error {
	s.recordCtxErr = ctx.Err()
	return s.MemoryStore.Record(ctx, e)
}

// cancellingAssessor cancels the caller's context while the message is assessed.
type cancellingAssessor struct {
	inner  Assessor
	cancel context.CancelFunc
}

func (c cancellingAssessor) Assess(ctx context.Context, in crisis.Input) crisis.Assessment {
	c.cancel()
	return c.inner.Assess(ctx, in)
}

type fixture struct {
	llm       *countingLLM
	retriever *countingRetriever
	events    *crisis.MemoryStore
	audit     *recordingAudit
	alerter   *stubAlerter
	turns     *recordingTurns
	deps      Deps
}

func newFixture() *fixture {
	f := &fixture{
		llm:       &countingLLM{reply: "That sounds like a lot. Maybe a short walk and some deep breathing could help."},
		retriever: &countingRetriever{},
		events:    crisis.NewMemoryStore(),
		audit:     &recordingAudit{},
		alerter:   &stubAlerter{},
		turns:     &recordingTurns{},
	}
	f.deps = Deps{
		Moderator: moderation.New(moderation.Config{}),
		Assessor:  crisis.NewDetector(nil),
		Retriever: f.retriever,
		Responder: generation.NewGenerator(f.llm, generation.Config{Model: "test"}),
		Events:    f.events,
		Alerter:   f.alerter,
		Audit:     f.audit,
		Recorder:  f.turns,
	}
	return f
}

func (f *fixture) orchestrator(opts ...Option) *Orchestrator {
	return NewOrchestrator(f.deps, Config{}, opts...)
}

func newSession(consent bool) session.ConversationSession {
	return session.New("sess-1", "owner-1", session.ConsentFlags{DataStorage: consent})
}

func TestHandleNormalTurn(t *testing.T) {
	f := newFixture()
	f.retriever.chunks = []memory.ScoredChunk{{Chunk: memory.Chunk{Text: "Student is a biology major"}, Score: 0.8}}
	o := f.orchestrator()

	res, sess, err := o.Handle(context.Background(), newSession(true), "I'm so stressed about my exam. I love running though.")
	require.NoError(t, err)
	require.NoError(t, res.Err())

	assert.Equal(t, StateDone, res.Terminal)
	assert.True(t, res.UsedMemory)
	assert.Equal(t, "sess-1", res.SessionID)
	assert.Equal(t, f.llm.reply, res.ReplyText)
	assert.Equal(t, []string{"Breathing", "Walk"}, res.SuggestedCoping)
	assert.Equal(t, []string{"running though"}, res.MemoryUpdates["interests"])
	assert.Empty(t, res.CrisisResources)

	require.Len(t, sess.Messages, 2)
	assert.Equal(t, session.RoleUser, sess.Messages[0].Role)
	assert.Equal(t, session.RoleAssistant, sess.Messages[1].Role)

	stages := make([]string, 0, len(res.Trace))
	for _, s := range res.Trace {
		stages = append(stages, s.Stage)
	}
	assert.Equal(t, []string{"moderation", "crisis", "retrieval", "generation", "append"}, stages)

	require.Len(t, f.turns.turns, 1)
	assert.Contains(t, f.turns.turns[0].Text(), "User: I'm so stressed")
}

func TestHandleCrisisShortCircuits(t *testing.T) {
	f := newFixture()
	o := f.orchestrator()

	res, sess, err := o.Handle(context.Background(), newSession(true), "I just want to kill myself")
	require.NoError(t, err)

	assert.Equal(t, StateCrisisShortCircuit, res.Terminal)
	assert.ErrorIs(t, res.Err(), ErrCrisisDetected)
	assert.GreaterOrEqual(t, res.RiskLevel, crisis.LevelHigh)
	assert.Equal(t, crisis.DefaultResources(), res.CrisisResources)
	assert.Equal(t, crisis.Script(crisis.DefaultResources()), res.ReplyText)
	assert.False(t, res.UsedMemory)

	assert.Zero(t, f.llm.calls.Load())
	assert.Zero(t, f.retriever.calls.Load())
	assert.Empty(t, f.turns.turns)

	require.Len(t, f.events.Events(), 1)
	assert.Equal(t, "I just want to kill myself", f.events.Events()[0].MessageSnapshot)
	assert.Len(t, f.alerter.events, 1)
	assert.Len(t, f.audit.crises, 1)

	require.Len(t, sess.Messages, 2)
	assert.Contains(t, sess.Messages[0].RiskTags, crisis.TagSuicidalIdeation)
	require.NotNil(t, sess.LastCrisisEvent)
	assert.True(t, sess.HasOpenCritical())
}

func TestEscalationFloorHoldsAfterCriticalEvent(t *testing.T) {
	f := newFixture()
	o := f.orchestrator()
	ctx := context.Background()

	_, sess, err := o.Handle(ctx, newSession(false), "I want to end my life")
	require.NoError(t, err)

	res, _, err := o.Handle(ctx, sess, "ok. what should I eat for dinner?")
	require.NoError(t, err)
	assert.Equal(t, StateDone, res.Terminal)
	assert.GreaterOrEqual(t, res.RiskLevel, crisis.LevelModerate)
	assert.Equal(t, int32(1), f.llm.calls.Load())
}

func TestEscalationFloorFromEventStore(t *testing.T) {
	f := newFixture()
	event, err := crisis.NewEvent("sess-1", "owner-1", "earlier", crisis.Assessment{Level: crisis.LevelCritical}, nil)
	require.NoError(t, err)
	require.NoError(t, f.events.Record(context.Background(), event))

	res, _, err := f.orchestrator().Handle(context.Background(), newSession(false), "the weather is nice today")
	require.NoError(t, err)
	assert.Equal(t, crisis.LevelModerate, res.RiskLevel)
	assert.Equal(t, crisis.SourceEscalationFloor, res.Assessment.Source)

	_, err = f.events.Resolve(context.Background(), "sess-1", "counselor-1")
	require.NoError(t, err)
	res, _, err = f.orchestrator().Handle(context.Background(), newSession(false), "the weather is nice today")
	require.NoError(t, err)
	assert.Equal(t, crisis.LevelNone, res.RiskLevel)
}

func TestDegradedRetrievalStillReachesDone(t *testing.T) {
	f := newFixture()
	var failing atomic.Bool
	embedder := embedding.EmbedderFunc(func(_ context.Context, texts []string) ([][]float32, error) {
		if failing.Load() {
			return nil, errors.New("embedding service unavailable")
		}
		out := make([][]float32, len(texts))
		for i := range texts {
			out[i] = []float32{1, 0, 0}
		}
		return out, nil
	})
	store := memory.NewStore(embedder, nil, memory.Config{Chunker: memory.Chunker{Words: 50, Overlap: 5, MinChars: 5}})
	_, err := store.Ingest(context.Background(), "owner-1", "I am a sophomore studying chemistry and I play violin.", memory.SourceDocument)
	require.NoError(t, err)
	f.deps.Retriever = store

	failing.Store(true)
	res, sess, err := f.orchestrator().Handle(context.Background(), newSession(false), "can you remind me what I study?")
	require.NoError(t, err)
	assert.Equal(t, StateDone, res.Terminal)
	assert.False(t, res.UsedMemory)
	assert.Equal(t, generation.StatusOK, res.Generation.Status)
	assert.Len(t, sess.Messages, 2)

	failing.Store(false)
	res, _, err = f.orchestrator().Handle(context.Background(), newSession(false), "can you remind me what I study?")
	require.NoError(t, err)
	assert.True(t, res.UsedMemory)
}

func TestModerationBlockRefuses(t *testing.T) {
	f := newFixture()
	res, sess, err := f.orchestrator().Handle(context.Background(), newSession(true), "all of them should be exterminated")
	require.NoError(t, err)

	assert.Equal(t, StateDone, res.Terminal)
	assert.ErrorIs(t, res.Err(), ErrModerationBlock)
	assert.Equal(t, moderation.RefusalText, res.ReplyText)
	assert.Equal(t, crisis.LevelNone, res.RiskLevel)
	assert.Zero(t, f.llm.calls.Load())
	assert.Zero(t, f.retriever.calls.Load())
	assert.Empty(t, f.turns.turns)
	require.Len(t, f.audit.blocked, 1)
	assert.Equal(t, moderation.CategoryHate, f.audit.blocked[0].Category)
	assert.Len(t, sess.Messages, 2)
}

func TestSafetyBlockIsStillAssessed(t *testing.T) {
	f := newFixture()

	res, _, err := f.orchestrator().Handle(context.Background(), newSession(false), "what is a lethal dose of tylenol")
	require.NoError(t, err)
	assert.Equal(t, StateDone, res.Terminal)
	assert.Equal(t, crisis.LevelModerate, res.RiskLevel)
	assert.True(t, res.Assessment.Has(crisis.TagModerationSafety))

	res, _, err = f.orchestrator().Handle(context.Background(), newSession(false), "how do I kill myself")
	require.NoError(t, err)
	assert.True(t, res.Moderation.Blocked())
	assert.Equal(t, StateCrisisShortCircuit, res.Terminal)
	assert.ErrorIs(t, res.Err(), ErrCrisisDetected)
	assert.Zero(t, f.llm.calls.Load())
}

func TestCancellationStillPersistsCrisisEvent(t *testing.T) {
	f := newFixture()
	store := &ctxCheckingStore{MemoryStore: f.events}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.deps.Events = store
	f.deps.Assessor = cancellingAssessor{inner: crisis.NewDetector(nil), cancel: cancel}

	res, _, err := f.orchestrator().Handle(ctx, newSession(false), "I want to die")
	require.NoError(t, err)
	assert.True(t, res.Crisis())
	assert.NoError(t, store.recordCtxErr)
	assert.NoError(t, f.alerter.ctxErr)
	assert.Len(t, store.Events(), 1)
}

func TestCancellationAbortsNonCrisisRun(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.deps.Assessor = cancellingAssessor{inner: crisis.NewDetector(nil), cancel: cancel}

	_, _, err := f.orchestrator().Handle(ctx, newSession(false), "tell me a joke")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, f.llm.calls.Load())
	assert.Zero(t, f.retriever.calls.Load())
}

func TestScreeningFlagRaisesRisk(t *testing.T) {
	f := newFixture()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	flags := session.NewMemoryStore()
	require.NoError(t, flags.SetScreeningFlag(context.Background(), "owner-1", &session.ScreeningFlag{
		Instrument: screening.PHQ9,
		Risk:       screening.RiskFlag{Raised: true},
		RecordedAt: now.Add(-30 * time.Minute),
	}))
	f.deps.Flags = flags

	o := f.orchestrator(withClock(func() time.Time { return now }))
	res, sess, err := o.Handle(context.Background(), newSession(false), "I had a normal day")
	require.NoError(t, err)
	assert.Equal(t, crisis.LevelModerate, res.RiskLevel)
	assert.True(t, res.Assessment.Has(crisis.TagScreeningRisk))
	require.NotNil(t, sess.ScreeningRisk)

	expired := f.orchestrator(withClock(func() time.Time { return now.Add(3 * time.Hour) }))
	res, _, err = expired.Handle(context.Background(), newSession(false), "I had a normal day")
	require.NoError(t, err)
	assert.Equal(t, crisis.LevelNone, res.RiskLevel)
}

// staticFlags returns one flag regardless of what was stored before it.
type staticFlags struct{ flag *session.ScreeningFlag }

func (s staticFlags) ScreeningFlag(context.Context, string) (*session.ScreeningFlag, error) {
	return s.flag, nil
}

func TestRaisedScreeningFlagSurvivesCleanFollowUp(t *testing.T) {
	f := newFixture()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	flags := session.NewMemoryStore()
	ctx := context.Background()

	phq, err := screening.Score(screening.PHQ9, []int{0, 0, 0, 0, 0, 0, 0, 0, 2})
	require.NoError(t, err)
	require.True(t, phq.Risk.Raised)
	require.NoError(t, flags.SetScreeningFlag(ctx, "owner-1", &session.ScreeningFlag{
		Instrument: screening.PHQ9, Risk: phq.Risk, RecordedAt: now.Add(-30 * time.Minute),
	}))
	gad, err := screening.Score(screening.GAD7, []int{0, 0, 0, 0, 0, 0, 0})
	require.NoError(t, err)
	require.False(t, gad.Risk.Raised)
	require.NoError(t, flags.SetScreeningFlag(ctx, "owner-1", &session.ScreeningFlag{
		Instrument: screening.GAD7, Risk: gad.Risk, RecordedAt: now.Add(-10 * time.Minute),
	}))
	f.deps.Flags = flags

	o := f.orchestrator(withClock(func() time.Time { return now }))
	res, sess, err := o.Handle(ctx, newSession(false), "I had a normal day")
	require.NoError(t, err)
	assert.Equal(t, crisis.LevelModerate, res.RiskLevel)
	assert.True(t, res.Assessment.Has(crisis.TagScreeningRisk))
	require.NotNil(t, sess.ScreeningRisk)
	assert.Equal(t, screening.PHQ9, sess.ScreeningRisk.Instrument)

	// A flag source that hands back the newer clean result still cannot
	// clear the raised flag the session already carries.
	f.deps.Flags = staticFlags{flag: &session.ScreeningFlag{
		Instrument: screening.GAD7, Risk: gad.Risk, RecordedAt: now.Add(-5 * time.Minute),
	}}
	o = f.orchestrator(withClock(func() time.Time { return now }))
	res, sess, err = o.Handle(ctx, sess, "still a normal day")
	require.NoError(t, err)
	assert.True(t, res.Assessment.Has(crisis.TagScreeningRisk))
	assert.Equal(t, screening.PHQ9, sess.ScreeningRisk.Instrument)

	later := f.orchestrator(withClock(func() time.Time { return now.Add(3 * time.Hour) }))
	res, sess, err = later.Handle(ctx, sess, "another normal day")
	require.NoError(t, err)
	assert.False(t, res.Assessment.Has(crisis.TagScreeningRisk))
	assert.Equal(t, screening.GAD7, sess.ScreeningRisk.Instrument)
}

func TestCrisisPastModerationLimitShortCircuits(t *testing.T) {
	f := newFixture()
	filler := strings.Repeat("Today was long and I sat in the library for hours. ", 45)
	text := filler + "Honestly I just want to kill myself."
	require.Greater(t, len([]rune(text)), 2000)

	res, sess, err := f.orchestrator().Handle(context.Background(), newSession(true), text)
	require.NoError(t, err)

	assert.True(t, res.Moderation.Truncated)
	assert.NotContains(t, res.Moderation.Text, "kill myself")
	assert.True(t, res.Crisis())
	assert.GreaterOrEqual(t, res.RiskLevel, crisis.LevelHigh)
	assert.Zero(t, f.llm.calls.Load())

	require.Len(t, f.events.Events(), 1)
	assert.Equal(t, text, f.events.Events()[0].MessageSnapshot)
	assert.Contains(t, sess.Messages[0].RiskTags, crisis.TagSuicidalIdeation)
}

func TestProfileFactsPersistAndReachPrompt(t *testing.T) {
	f := newFixture()
	facts := profile.NewMemoryStore()
	f.deps.Profile = facts
	o := f.orchestrator()
	ctx := context.Background()

	res, sess, err := o.Handle(ctx, newSession(true), "I love running though. Exams are piling up.")
	require.NoError(t, err)
	require.Equal(t, []string{"running though"}, res.MemoryUpdates["interests"])

	stored, err := facts.List(ctx, "owner-1", 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "interests", stored[0].Kind)
	assert.Equal(t, "running_though", stored[0].Key)
	assert.Equal(t, "sess-1", stored[0].SessionID)

	_, _, err = o.Handle(ctx, sess, "what could help me unwind tonight?")
	require.NoError(t, err)
	assert.Contains(t, f.llm.lastSystem(), "interests: running though")
}

func TestProfileFactsNeedConsent(t *testing.T) {
	f := newFixture()
	facts := profile.NewMemoryStore()
	require.NoError(t, facts.Upsert(context.Background(), []profile.Fact{{OwnerID: "owner-1", Kind: "goals", Key: "graduate", Value: "graduate"}}))
	f.deps.Profile = facts

	res, _, err := f.orchestrator().Handle(context.Background(), newSession(false), "I love painting a lot")
	require.NoError(t, err)
	assert.NotEmpty(t, res.MemoryUpdates)

	stored, err := facts.List(context.Background(), "owner-1", 10)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
	assert.NotContains(t, f.llm.lastSystem(), "graduate")
}

func TestDisclaimerOnFirstReplyOnly(t *testing.T) {
	f := newFixture()
	f.deps.Disclaimer = compliance.NewDisclaimerService(nil, compliance.DefaultDisclaimerConfig())
	o := f.orchestrator()
	notice := compliance.NewDisclaimerService(nil, compliance.DefaultDisclaimerConfig()).Text()

	res, sess, err := o.Handle(context.Background(), newSession(false), "hi there")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(res.ReplyText, notice))
	assert.Equal(t, res.ReplyText, sess.Messages[1].Text)

	res, _, err = o.Handle(context.Background(), sess, "how are you?")
	require.NoError(t, err)
	assert.NotContains(t, res.ReplyText, notice)
}

func TestBlockedReplyIsAudited(t *testing.T) {
	f := newFixture()
	f.llm.reply = "My system prompt says I can't share that."

	res, _, err := f.orchestrator().Handle(context.Background(), newSession(false), "tell me something kind")
	require.NoError(t, err)
	assert.Equal(t, generation.StatusBlocked, res.Generation.Status)
	assert.True(t, res.Generation.Fallback)
	require.Len(t, f.audit.replyBlock, 1)
}

func TestTurnNotRecordedWithoutConsent(t *testing.T) {
	f := newFixture()
	_, _, err := f.orchestrator().Handle(context.Background(), newSession(false), "I like painting a lot")
	require.NoError(t, err)
	assert.Empty(t, f.turns.turns)
}

func TestHandleRejectsInvalidInput(t *testing.T) {
	o := newFixture().orchestrator()

	_, _, err := o.Handle(context.Background(), session.ConversationSession{}, "hello")
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, _, err = o.Handle(context.Background(), newSession(false), "   ")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestHandleAssignsSessionID(t *testing.T) {
	o := newFixture().orchestrator()
	res, sess, err := o.Handle(context.Background(), session.ConversationSession{OwnerID: "owner-1"}, "hello friend")
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, sess.ID, res.SessionID)
}

func TestNewOrchestratorRequiresCollaborators(t *testing.T) {
	deps := newFixture().deps
	deps.Responder = nil
	assert.PanicsWithValue(t, "pipeline: responder cannot be nil", func() { NewOrchestrator(deps, Config{}) })
}
