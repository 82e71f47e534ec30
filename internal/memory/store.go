package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/wolfman30/saathi-ai-platform/internal/embedding"
	"github.com/wolfman30/saathi-ai-platform/internal/observability/metrics"
	"github.com/wolfman30/saathi-ai-platform/pkg/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("saathi.memory")

var (
	// ErrEmptyDocument is returned when text has nothing to chunk.
	ErrEmptyDocument = errors.New("memory: document has no text")
	// ErrDimensionMismatch is returned when a vector does not match the deployment dimension.
	ErrDimensionMismatch = errors.New("memory: embedding dimension mismatch")
	// ErrOwnerRequired is returned when an operation has no owner scope.
	ErrOwnerRequired = errors.New("memory: owner id required")
	// ErrOwnerPurged is returned when the owner's data was erased at or after
	// the moment the ingest was requested.
	ErrOwnerPurged = errors.New("memory: owner data erased after ingest was requested")
)

// PurgeLedger reports the last erasure of an owner, across processes.
type PurgeLedger interface {
	PurgedAt(ctx context.Context, ownerID string) (time.Time, bool, error)
}

type requestedAtKey struct{}

// WithRequestedAt stamps ctx with the time an ingest was asked for, such as
// when its job was enqueued. Without it Ingest uses the time it was called.
func WithRequestedAt(ctx context.Context, at time.Time) context.Context {
	if at.IsZero() {
		return ctx
	}
	return context.WithValue(ctx, requestedAtKey{}, at.UTC())
}

func requestedAt(ctx context.Context) (time.Time, bool) {
	at, ok := ctx.Value(requestedAtKey{}).(time.Time)
	return at, ok
}

// RetrievalBackendError means the embedding service or the purge ledger could
// not be reached. Ingest callers may retry.
type RetrievalBackendError struct {
	Op  string
	Err error
}

func (e *RetrievalBackendError) Error() string {
	return fmt.Sprintf("memory: embedding backend failed during %s: %v", e.Op, e.Err)
}

func (e *RetrievalBackendError) Unwrap() error { return e.Err }

// Config tunes chunking and retrieval.
type Config struct {
	Chunker       Chunker
	Dimension     int
	EmbedTimeout  time.Duration
	Concurrency   int
	MinSimilarity float64
}

// Store is an owner-scoped semantic memory. Reads run concurrently; writes
// serialize per owner. With a persistent repository the in-process index is a
// cache of the repository, re-synced whenever the owner's stored set changes.
type Store struct {
	embedder      embedding.Embedder
	repo          Repository
	persistent    bool
	chunker       Chunker
	minSimilarity float64
	embedTimeout  time.Duration
	concurrency   int
	dimension     atomic.Int64

	mu     sync.RWMutex
	index  map[string][]Chunk
	synced map[string]OwnerStats
	purged map[string]time.Time

	ownerLocks sync.Map
	ledger     PurgeLedger

	logger  *logging.Logger
	metrics *metrics.PipelineMetrics
	now     func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

func WithLogger(logger *logging.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(m *metrics.PipelineMetrics) StoreOption {
	return func(s *Store) { s.metrics = m }
}

// WithPurgeLedger makes Ingest honor erasures recorded by other processes.
func WithPurgeLedger(ledger PurgeLedger) StoreOption {
	return func(s *Store) { s.ledger = ledger }
}

func withClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore builds a store. A nil repository keeps chunks in process only.
func NewStore(embedder embedding.Embedder, repo Repository, cfg Config, opts ...StoreOption) *Store {
	if embedder == nil {
		panic("memory: embedder cannot be nil")
	}
	persistent := true
	if repo == nil {
		repo = NopRepository{}
	}
	if _, ok := repo.(NopRepository); ok {
		persistent = false
	}
	if cfg.Chunker.Words <= 0 {
		cfg.Chunker = DefaultChunker()
	}
	if cfg.EmbedTimeout <= 0 {
		cfg.EmbedTimeout = 5 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	s := &Store{
		embedder:      embedder,
		repo:          repo,
		persistent:    persistent,
		chunker:       cfg.Chunker,
		minSimilarity: cfg.MinSimilarity,
		embedTimeout:  cfg.EmbedTimeout,
		concurrency:   cfg.Concurrency,
		index:         make(map[string][]Chunk),
		synced:        make(map[string]OwnerStats),
		purged:        make(map[string]time.Time),
		logger:        logging.Default(),
		now:           time.Now,
	}
	s.dimension.Store(int64(cfg.Dimension))
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) lockForOwner(ownerID string) *sync.Mutex {
	v, _ := s.ownerLocks.LoadOrStore(ownerID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// checkDimension validates n against the deployment dimension, locking it to
// the first vector when unset.
func (s *Store) checkDimension(n int) error {
	if n == 0 {
		return ErrDimensionMismatch
	}
	if s.dimension.CompareAndSwap(0, int64(n)) {
		return nil
	}
	if want := s.dimension.Load(); int64(n) != want {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, n, want)
	}
	return nil
}

// Ingest chunks, embeds and stores text for an owner. Either every passage is
// stored or none is. A write requested before the owner's latest erasure is
// rejected with ErrOwnerPurged, even if the erasure lands mid-ingest.
func (s *Store) Ingest(ctx context.Context, ownerID, text string, source Source) ([]Chunk, error) {
	ctx, span := tracer.Start(ctx, "memory.ingest")
	defer span.End()

	asOf, ok := requestedAt(ctx)
	if !ok {
		asOf = s.now().UTC()
	}

	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, ErrOwnerRequired
	}
	if !source.Valid() {
		return nil, fmt.Errorf("memory: unknown source %q", source)
	}
	passages := s.chunker.Split(text)
	if len(passages) == 0 {
		return nil, ErrEmptyDocument
	}
	span.SetAttributes(attribute.Int("memory.passages", len(passages)))

	vectors := make([][]float32, len(passages))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, passage := range passages {
		g.Go(func() error {
			ectx, cancel := context.WithTimeout(gctx, s.embedTimeout)
			defer cancel()
			vec, err := embedding.EmbedOne(ectx, s.embedder, passage)
			if err != nil {
				return err
			}
			vectors[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return nil, &RetrievalBackendError{Op: "ingest", Err: err}
	}
	for _, vec := range vectors {
		if err := s.checkDimension(len(vec)); err != nil {
			return nil, err
		}
	}

	createdAt := s.now().UTC()
	chunks := make([]Chunk, len(passages))
	for i, passage := range passages {
		chunks[i] = Chunk{
			ID:        uuid.NewString(),
			OwnerID:   ownerID,
			Source:    source,
			Text:      passage,
			Embedding: vectors[i],
			CreatedAt: createdAt,
		}
	}

	lock := s.lockForOwner(ownerID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.checkNotPurged(ctx, ownerID, asOf); err != nil {
		return nil, err
	}
	if err := s.repo.Insert(ctx, chunks); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("memory: persist chunks: %w", err)
	}
	// An erasure in another process can land between the check and the
	// insert; its delete may already have run.
	if err := s.checkNotPurged(ctx, ownerID, asOf); err != nil {
		s.undoInsert(ctx, ownerID, chunks)
		return nil, err
	}

	s.mu.Lock()
	if s.persistent {
		delete(s.synced, ownerID)
	} else {
		s.index[ownerID] = append(s.index[ownerID], chunks...)
	}
	s.mu.Unlock()

	s.metrics.ObserveIngestedChunks(string(source), len(chunks))
	s.logger.Debug("memory ingested", "owner_id", ownerID, "source", source, "chunks", len(chunks))
	return chunks, nil
}

// checkNotPurged fails when the owner was erased at or after asOf. The caller
// holds the owner lock.
func (s *Store) checkNotPurged(ctx context.Context, ownerID string, asOf time.Time) error {
	s.mu.RLock()
	local, ok := s.purged[ownerID]
	s.mu.RUnlock()
	if ok && !local.Before(asOf) {
		return ErrOwnerPurged
	}
	if s.ledger == nil {
		return nil
	}
	at, found, err := s.ledger.PurgedAt(ctx, ownerID)
	if err != nil {
		return &RetrievalBackendError{Op: "purge_check", Err: err}
	}
	if found && !at.Before(asOf) {
		return ErrOwnerPurged
	}
	return nil
}

func (s *Store) undoInsert(ctx context.Context, ownerID string, chunks []Chunk) {
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
	}
	if _, err := s.repo.DeleteChunks(context.WithoutCancel(ctx), ids); err != nil {
		s.logger.Error("memory: failed to remove chunks written after erasure", "owner_id", ownerID, "chunks", len(ids), "error", err)
	}
}

// sync reloads an owner's chunks when the repository fingerprint differs from
// the one last loaded. Shrinking sets replace the index like growing ones.
func (s *Store) sync(ctx context.Context, ownerID string) error {
	if !s.persistent {
		return nil
	}
	stats, err := s.repo.OwnerStats(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("memory: owner stats: %w", err)
	}
	s.mu.RLock()
	last, ok := s.synced[ownerID]
	s.mu.RUnlock()
	if ok && last.Equal(stats) {
		return nil
	}

	lock := s.lockForOwner(ownerID)
	lock.Lock()
	defer lock.Unlock()

	stored, err := s.repo.ListByOwner(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("memory: load owner chunks: %w", err)
	}
	kept := make([]Chunk, 0, len(stored))
	for _, c := range stored {
		if c.OwnerID != ownerID {
			continue
		}
		if err := s.checkDimension(len(c.Embedding)); err != nil {
			s.logger.Warn("memory: skipping stored chunk", "chunk_id", c.ID, "error", err)
			continue
		}
		kept = append(kept, c)
	}

	s.mu.Lock()
	s.index[ownerID] = kept
	s.synced[ownerID] = stats
	s.mu.Unlock()
	return nil
}

// Retrieve returns up to k of the owner's chunks most similar to query. Backend
// failures degrade to an empty result.
func (s *Store) Retrieve(ctx context.Context, ownerID, query string, k int) []ScoredChunk {
	results, err := s.RetrieveWithStatus(ctx, ownerID, query, k)
	if err != nil {
		s.logger.Warn("memory retrieval degraded", "owner_id", ownerID, "error", err)
		return nil
	}
	return results
}

// RetrieveWithStatus is Retrieve with the degradation cause exposed.
func (s *Store) RetrieveWithStatus(ctx context.Context, ownerID, query string, k int) ([]ScoredChunk, error) {
	ctx, span := tracer.Start(ctx, "memory.retrieve")
	defer span.End()

	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" || k <= 0 || strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if err := s.sync(ctx, ownerID); err != nil {
		s.metrics.ObserveRetrieval("degraded")
		return nil, &RetrievalBackendError{Op: "retrieve", Err: err}
	}

	s.mu.RLock()
	candidates := s.index[ownerID]
	s.mu.RUnlock()
	if len(candidates) == 0 {
		s.metrics.ObserveRetrieval("empty")
		return nil, nil
	}

	vec, err := s.embedQuery(ctx, query)
	if err != nil {
		span.RecordError(err)
		s.metrics.ObserveRetrieval("degraded")
		return nil, &RetrievalBackendError{Op: "retrieve", Err: err}
	}

	scored := make([]ScoredChunk, 0, len(candidates))
	for _, c := range candidates {
		if c.OwnerID != ownerID {
			continue
		}
		sim := embedding.CosineSimilarity(vec, c.Embedding)
		if sim < s.minSimilarity {
			continue
		}
		scored = append(scored, ScoredChunk{Chunk: c, Score: sim})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].CreatedAt.After(scored[j].CreatedAt)
	})
	if len(scored) > k {
		scored = scored[:k]
	}
	span.SetAttributes(attribute.Int("memory.results", len(scored)))
	if len(scored) == 0 {
		s.metrics.ObserveRetrieval("empty")
	} else {
		s.metrics.ObserveRetrieval("ok")
	}
	return scored, nil
}

// embedQuery embeds with one retry; the call is read-only.
func (s *Store) embedQuery(ctx context.Context, query string) ([]float32, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		ectx, cancel := context.WithTimeout(ctx, s.embedTimeout)
		vec, err := embedding.EmbedOne(ectx, s.embedder, query)
		cancel()
		if err == nil {
			if want := s.dimension.Load(); want != 0 && int64(len(vec)) != want {
				return nil, fmt.Errorf("%w: query has %d, want %d", ErrDimensionMismatch, len(vec), want)
			}
			return vec, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// DeleteOwnerData irreversibly removes every chunk for an owner.
func (s *Store) DeleteOwnerData(ctx context.Context, ownerID string) (int64, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return 0, ErrOwnerRequired
	}
	lock := s.lockForOwner(ownerID)
	lock.Lock()
	defer lock.Unlock()

	removed, err := s.repo.DeleteOwner(ctx, ownerID)
	if err != nil {
		return 0, fmt.Errorf("memory: delete owner data: %w", err)
	}

	s.mu.Lock()
	if n := int64(len(s.index[ownerID])); !s.persistent && n > removed {
		removed = n
	}
	delete(s.index, ownerID)
	delete(s.synced, ownerID)
	s.purged[ownerID] = s.now().UTC()
	s.mu.Unlock()

	s.logger.Info("memory purged", "owner_id", ownerID, "chunks", removed)
	return removed, nil
}
