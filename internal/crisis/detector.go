package crisis

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wolfman30/saathi-ai-platform/internal/embedding"
	"github.com/wolfman30/saathi-ai-platform/internal/observability/metrics"
	"github.com/wolfman30/saathi-ai-platform/pkg/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("saathi.crisis")

// Input is everything the detector looks at for one message.
type Input struct {
	Message string
	// History holds prior user turns, oldest first.
	History []string
	// ScreeningRisk is true when a screening flag is active for the session window.
	ScreeningRisk bool
	// OpenCritical is true while the session has an unresolved critical event.
	OpenCritical bool
	// ModerationSafety is true when the moderator refused the message on a safety category.
	ModerationSafety bool
}

// Assessment is the transient verdict for one message.
type Assessment struct {
	Level   Level    `json:"level"`
	Reasons []Tag    `json:"reasons,omitempty"`
	Source  Source   `json:"source,omitempty"`
	Matched []string `json:"matched,omitempty"`
	// Similarity is the best semantic exemplar score, when semantic matching ran.
	Similarity float64 `json:"similarity,omitempty"`
}

// Tags returns the deduplicated reason tags in a stable order.
func (a Assessment) Tags() []Tag {
	seen := make(map[Tag]struct{}, len(a.Reasons))
	out := make([]Tag, 0, len(a.Reasons))
	for _, t := range a.Reasons {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Has reports whether the assessment carries tag.
func (a Assessment) Has(tag Tag) bool {
	for _, t := range a.Reasons {
		if t == tag {
			return true
		}
	}
	return false
}

func (a *Assessment) raise(level Level, tag Tag, source Source) {
	if tag != "" && !a.Has(tag) {
		a.Reasons = append(a.Reasons, tag)
	}
	if level > a.Level {
		a.Level = level
		a.Source = source
	}
}

type exemplarVector struct {
	match  Match
	vector []float32
}

// Detector classifies messages into risk levels. It is safe for concurrent use.
type Detector struct {
	lexicon atomic.Pointer[Lexicon]

	embedder          embedding.Embedder
	semanticThreshold float64
	fastPath          time.Duration
	historyWindow     int
	screeningLevel    Level

	exemplarMu  sync.Mutex
	exemplars   []exemplarVector
	exemplarLex *Lexicon

	logger  *logging.Logger
	metrics *metrics.PipelineMetrics
}

// Option configures a Detector.
type Option func(*Detector)

// WithSemanticMatch enables exemplar similarity matching.
func WithSemanticMatch(e embedding.Embedder, threshold float64) Option {
	return func(d *Detector) {
		d.embedder = e
		if threshold > 0 {
			d.semanticThreshold = threshold
		}
	}
}

// WithHistoryWindow bounds how many prior user turns are scanned.
func WithHistoryWindow(n int) Option {
	return func(d *Detector) {
		if n >= 0 {
			d.historyWindow = n
		}
	}
}

// WithScreeningLevel sets the level a screening risk flag maps to.
func WithScreeningLevel(l Level) Option {
	return func(d *Detector) {
		if l > LevelNone {
			d.screeningLevel = l
		}
	}
}

// WithFastPathTimeout bounds the semantic match call.
func WithFastPathTimeout(t time.Duration) Option {
	return func(d *Detector) {
		if t > 0 {
			d.fastPath = t
		}
	}
}

func WithLogger(logger *logging.Logger) Option {
	return func(d *Detector) {
		if logger != nil {
			d.logger = logger
		}
	}
}

func WithMetrics(m *metrics.PipelineMetrics) Option {
	return func(d *Detector) { d.metrics = m }
}

// NewDetector builds a detector over lex, or the built-in lexicon when nil.
func NewDetector(lex *Lexicon, opts ...Option) *Detector {
	if lex == nil {
		lex = DefaultLexicon()
	}
	d := &Detector{
		semanticThreshold: 0.82,
		fastPath:          2 * time.Second,
		historyWindow:     3,
		screeningLevel:    LevelModerate,
		logger:            logging.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.lexicon.Store(lex)
	return d
}

// SetLexicon swaps the active lexicon atomically.
func (d *Detector) SetLexicon(lex *Lexicon) {
	if lex == nil {
		return
	}
	d.lexicon.Store(lex)
	d.logger.Info("crisis lexicon updated", "version", lex.Version, "tiers", len(lex.Tiers))
}

// Lexicon returns the active lexicon.
func (d *Detector) Lexicon() *Lexicon {
	return d.lexicon.Load()
}

// Assess combines lexical, semantic, screening and escalation signals. The
// highest level wins.
func (d *Detector) Assess(ctx context.Context, in Input) Assessment {
	ctx, span := tracer.Start(ctx, "crisis.assess")
	defer span.End()

	lex := d.lexicon.Load()
	var a Assessment

	for _, m := range lex.Match(in.Message) {
		a.raise(m.Level, m.Tag, SourceMessageText)
		a.Matched = append(a.Matched, m.Phrase)
	}

	history := in.History
	if d.historyWindow >= 0 && len(history) > d.historyWindow {
		history = history[len(history)-d.historyWindow:]
	}
	for _, turn := range history {
		for _, m := range lex.Match(turn) {
			// earlier turns add context but cannot re-trigger escalation on their own
			a.raise(min(m.Level, LevelModerate), m.Tag, SourceHistory)
		}
	}

	if d.embedder != nil && a.Level < LevelCritical {
		d.semanticMatch(ctx, lex, in.Message, &a)
	}

	if in.ScreeningRisk {
		a.raise(d.screeningLevel, TagScreeningRisk, SourceScreeningResult)
	}
	if in.ModerationSafety {
		a.raise(LevelModerate, TagModerationSafety, SourceModeration)
	}
	if in.OpenCritical && a.Level < LevelModerate {
		a.Level = LevelModerate
		a.Source = SourceEscalationFloor
	}

	span.SetAttributes(
		attribute.String("crisis.level", a.Level.String()),
		attribute.String("crisis.source", string(a.Source)),
		attribute.Int("crisis.matches", len(a.Matched)),
	)
	d.metrics.ObserveAssessment(a.Level.String(), string(a.Source))
	return a
}

func (d *Detector) semanticMatch(ctx context.Context, lex *Lexicon, text string, a *Assessment) {
	ctx, cancel := context.WithTimeout(ctx, d.fastPath)
	defer cancel()

	exemplars, err := d.exemplarVectors(ctx, lex)
	if err != nil || len(exemplars) == 0 {
		if err != nil {
			d.logger.Warn("crisis semantic exemplars unavailable", "error", err)
		}
		return
	}
	vec, err := embedding.EmbedOne(ctx, d.embedder, text)
	if err != nil {
		d.logger.Warn("crisis semantic match skipped", "error", err)
		return
	}
	for _, ex := range exemplars {
		sim := embedding.CosineSimilarity(vec, ex.vector)
		if sim > a.Similarity {
			a.Similarity = sim
		}
		if sim >= d.semanticThreshold {
			a.raise(ex.match.Level, ex.match.Tag, SourceMessageText)
			a.Matched = append(a.Matched, ex.match.Phrase)
		}
	}
}

// WarmExemplars embeds the active lexicon's exemplars ahead of traffic.
func (d *Detector) WarmExemplars(ctx context.Context) error {
	if d.embedder == nil {
		return nil
	}
	_, err := d.exemplarVectors(ctx, d.lexicon.Load())
	return err
}

// exemplarVectors returns cached exemplar embeddings for lex, computing them
// without holding the lock.
func (d *Detector) exemplarVectors(ctx context.Context, lex *Lexicon) ([]exemplarVector, error) {
	d.exemplarMu.Lock()
	if d.exemplarLex == lex {
		cached := d.exemplars
		d.exemplarMu.Unlock()
		return cached, nil
	}
	d.exemplarMu.Unlock()

	matches := lex.Exemplars()
	if len(matches) == 0 {
		return nil, nil
	}
	texts := make([]string, len(matches))
	for i, m := range matches {
		texts[i] = m.Phrase
	}
	vecs, err := d.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	out := make([]exemplarVector, 0, len(vecs))
	for i, v := range vecs {
		if i < len(matches) && len(v) > 0 {
			out = append(out, exemplarVector{match: matches[i], vector: v})
		}
	}

	d.exemplarMu.Lock()
	d.exemplars = out
	d.exemplarLex = lex
	d.exemplarMu.Unlock()
	return out, nil
}
