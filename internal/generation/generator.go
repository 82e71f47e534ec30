package generation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/wolfman30/saathi-ai-platform/internal/crisis"
	"github.com/wolfman30/saathi-ai-platform/internal/memory"
	"github.com/wolfman30/saathi-ai-platform/internal/observability/metrics"
	"github.com/wolfman30/saathi-ai-platform/internal/profile"
	"github.com/wolfman30/saathi-ai-platform/internal/session"
	"github.com/wolfman30/saathi-ai-platform/pkg/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("saathi.generation")

var (
	// ErrTimeout means the model did not answer within the generation timeout.
	ErrTimeout = errors.New("generation: timed out")
	// ErrBackend means the model call failed for any other reason.
	ErrBackend = errors.New("generation: backend error")
)

// Status summarizes how a reply was produced.
type Status string

const (
	StatusOK           Status = "ok"
	StatusTimeout      Status = "timeout"
	StatusBackendError Status = "backend_error"
	StatusEmpty        Status = "empty"
	StatusBlocked      Status = "guard_blocked"
)

// Outcome describes a Generate call. A non-OK status always comes with the
// deterministic fallback reply.
type Outcome struct {
	Status       Status
	Err          error
	Fallback     bool
	Attempts     int
	Latency      time.Duration
	Usage        TokenUsage
	MemoryUsed   int
	GuardReasons []string
}

// Input is everything one reply is built from.
type Input struct {
	Session session.ConversationSession
	Memory  []memory.ScoredChunk
	Profile []profile.Fact
	// Persona overrides the generator default when set.
	Persona *Persona
	Risk    crisis.Level
}

type Config struct {
	Model            string
	Timeout          time.Duration
	MaxTokens        int32
	Temperature      float32
	HistoryWindow    int
	MemoryCharBudget int
	// MaxAttempts includes the first call.
	MaxAttempts int
}

// Generator composes prompts and calls the model. It never mutates a session.
type Generator struct {
	llm     LLMClient
	persona *Persona
	cfg     Config
	logger  *logging.Logger
	metrics *metrics.PipelineMetrics
}

type Option func(*Generator)

func WithLogger(logger *logging.Logger) Option {
	return func(g *Generator) {
		if logger != nil {
			g.logger = logger
		}
	}
}

func WithMetrics(m *metrics.PipelineMetrics) Option {
	return func(g *Generator) { g.metrics = m }
}

func WithPersona(p *Persona) Option {
	return func(g *Generator) {
		if p != nil {
			g.persona = p
		}
	}
}

func NewGenerator(llm LLMClient, cfg Config, opts ...Option) *Generator {
	if llm == nil {
		panic("generation: llm client cannot be nil")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 25 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 400
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 12
	}
	if cfg.MemoryCharBudget <= 0 {
		cfg.MemoryCharBudget = 2000
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2
	}
	g := &Generator{
		llm:     llm,
		persona: DefaultPersona(),
		cfg:     cfg,
		logger:  logging.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate returns an assistant message for the session's latest user turn.
// Failures never propagate: they produce the fallback apology and an Outcome
// describing what went wrong.
func (g *Generator) Generate(ctx context.Context, in Input) (session.Message, Outcome) {
	ctx, span := tracer.Start(ctx, "generation.generate")
	defer span.End()

	persona := in.Persona
	if persona == nil {
		persona = g.persona
	}
	elevated := in.Risk >= crisis.LevelModerate
	req, userText, used := g.buildRequest(in, persona)
	outcome := Outcome{MemoryUsed: used}

	fallback := func(status Status, err error) (session.Message, Outcome) {
		outcome.Status = status
		outcome.Err = err
		outcome.Fallback = true
		span.SetAttributes(attribute.String("generation.status", string(status)))
		g.logger.Warn("generation fell back",
			"session_id", in.Session.ID,
			"status", status,
			"attempts", outcome.Attempts,
			"error", err,
		)
		return session.NewMessage(in.Session.ID, session.RoleAssistant, persona.FallbackReply(userText, elevated)), outcome
	}

	if len(req.Messages) == 0 {
		return fallback(StatusEmpty, errors.New("generation: no user message to answer"))
	}

	resp, err := g.complete(ctx, req, &outcome)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, ErrTimeout) {
			return fallback(StatusTimeout, err)
		}
		return fallback(StatusBackendError, err)
	}
	outcome.Usage = resp.Usage

	verdict := CheckOutput(resp.Text)
	if verdict.Blocked {
		outcome.GuardReasons = verdict.Reasons
		return fallback(StatusBlocked, fmt.Errorf("generation: reply blocked: %s", strings.Join(verdict.Reasons, ",")))
	}
	if verdict.Text == "" {
		return fallback(StatusEmpty, errors.New("generation: model returned an empty reply"))
	}

	outcome.Status = StatusOK
	span.SetAttributes(
		attribute.String("generation.status", string(StatusOK)),
		attribute.Int("generation.attempts", outcome.Attempts),
		attribute.Int("generation.memory_used", used),
	)
	return session.NewMessage(in.Session.ID, session.RoleAssistant, verdict.Text), outcome
}

// complete runs the model call under one deadline shared by every attempt.
// Only backend errors are retried; a timeout or caller cancellation ends the loop.
func (g *Generator) complete(ctx context.Context, req LLMRequest, outcome *Outcome) (LLMResponse, error) {
	gctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	started := time.Now()
	defer func() { outcome.Latency = time.Since(started) }()

	var lastErr error
	for attempt := 1; attempt <= g.cfg.MaxAttempts; attempt++ {
		outcome.Attempts = attempt
		callStart := time.Now()
		resp, err := g.llm.Complete(gctx, req)
		elapsed := time.Since(callStart).Seconds()
		if err == nil {
			g.metrics.ObserveLLM(req.Model, "ok", elapsed)
			g.metrics.ObserveTokens(req.Model, resp.Usage.InputTokens, resp.Usage.OutputTokens)
			return resp, nil
		}
		lastErr = err
		if gctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
			g.metrics.ObserveLLM(req.Model, "timeout", elapsed)
			return LLMResponse{}, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		g.metrics.ObserveLLM(req.Model, "error", elapsed)
	}
	return LLMResponse{}, fmt.Errorf("%w: %v", ErrBackend, lastErr)
}

func (g *Generator) buildRequest(in Input, persona *Persona) (LLMRequest, string, int) {
	system := persona.systemBlocks()
	if in.Risk >= crisis.LevelModerate && strings.TrimSpace(persona.SafetyCheckIn) != "" {
		system = append(system, persona.SafetyCheckIn)
	}
	if flag := in.Session.ScreeningRisk; flag != nil && flag.Risk.Raised {
		system = append(system, fmt.Sprintf("A recent %s screening indicated the student may need extra support. Do not mention scores; be especially attentive.", flag.Instrument))
	}
	if block := renderProfile(in.Profile); block != "" {
		system = append(system, block)
	}
	memoryBlock, used := renderMemory(in.Memory, g.cfg.MemoryCharBudget)
	if memoryBlock != "" {
		system = append(system, memoryBlock)
	}

	messages, userText := conversationTurns(in.Session.Recent(g.cfg.HistoryWindow))
	return LLMRequest{
		Model:       g.cfg.Model,
		System:      system,
		Messages:    messages,
		MaxTokens:   g.cfg.MaxTokens,
		Temperature: g.cfg.Temperature,
	}, userText, used
}

// renderProfile groups remembered facts by kind.
func renderProfile(facts []profile.Fact) string {
	if len(facts) == 0 {
		return ""
	}
	byKind := make(map[string][]string)
	var kinds []string
	for _, f := range facts {
		value := strings.TrimSpace(f.Value)
		if value == "" {
			continue
		}
		if _, ok := byKind[f.Kind]; !ok {
			kinds = append(kinds, f.Kind)
		}
		byKind[f.Kind] = append(byKind[f.Kind], value)
	}
	if len(kinds) == 0 {
		return ""
	}
	sort.Strings(kinds)
	var b strings.Builder
	b.WriteString("What this student has told you about themselves:")
	for _, kind := range kinds {
		fmt.Fprintf(&b, "\n- %s: %s", strings.ReplaceAll(kind, "_", " "), strings.Join(byKind[kind], "; "))
	}
	return b.String()
}

// renderMemory lists retrieved chunks most relevant first until the budget
// is spent. It returns how many chunks made it in.
func renderMemory(chunks []memory.ScoredChunk, budget int) (string, int) {
	if len(chunks) == 0 {
		return "", 0
	}
	var b strings.Builder
	b.WriteString("Context from this student's earlier conversations and documents, most relevant first. Use it only if it helps:\n")
	header := b.Len()
	used := 0
	for _, c := range chunks {
		text := strings.TrimSpace(c.Text)
		if text == "" {
			continue
		}
		remaining := budget - (b.Len() - header)
		if remaining <= 0 {
			break
		}
		if len(text) > remaining {
			text = truncateRunes(text, remaining)
		}
		b.WriteString("- ")
		b.WriteString(text)
		b.WriteString("\n")
		used++
	}
	if used == 0 {
		return "", 0
	}
	return strings.TrimSpace(b.String()), used
}

func truncateRunes(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	cut := 0
	for i := range s {
		if i > maxBytes {
			break
		}
		cut = i
	}
	return s[:cut] + "..."
}

// conversationTurns converts history into alternating chat turns that start
// with the user, merging consecutive same-role messages. It also returns the
// latest user text.
func conversationTurns(history []session.Message) ([]ChatMessage, string) {
	var turns []ChatMessage
	lastUser := ""
	for _, m := range history {
		text := strings.TrimSpace(m.Text)
		if text == "" {
			continue
		}
		var role string
		switch m.Role {
		case session.RoleUser:
			role = ChatRoleUser
			lastUser = text
		case session.RoleAssistant:
			role = ChatRoleAssistant
		default:
			continue
		}
		if len(turns) == 0 && role != ChatRoleUser {
			continue
		}
		if n := len(turns); n > 0 && turns[n-1].Role == role {
			turns[n-1].Content += "\n\n" + text
			continue
		}
		turns = append(turns, ChatMessage{Role: role, Content: text})
	}
	// the model must answer a user turn
	for len(turns) > 0 && turns[len(turns)-1].Role != ChatRoleUser {
		turns = turns[:len(turns)-1]
	}
	return turns, lastUser
}
