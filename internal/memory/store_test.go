package memory

import (
	"context"
	"errors"
	"hash/fnv"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/saathi-ai-platform/internal/embedding"
)

const testDim = 256

// bagOfWords hashes each word into a fixed bucket so overlapping texts score high.
func bagOfWords(text string) []float32 {
	vec := make([]float32, testDim)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(strings.Trim(w, ".,!?")))
		vec[h.Sum32()%testDim]++
	}
	return vec
}

type fakeEmbedder struct {
	calls atomic.Int32
	fail  atomic.Bool
	dim   int
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.calls.Add(1)
	if f.fail.Load() {
		return nil, errors.New("embedding service unavailable")
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec := bagOfWords(t)
		if f.dim > 0 {
			vec = vec[:f.dim]
		}
		out[i] = vec
	}
	return out, nil
}

type failingRepo struct {
	NopRepository
	err error
}

func (r failingRepo) Insert(context.Context, []Chunk) error { return r.err }

type recordingRepo struct {
	mu     sync.Mutex
	chunks []Chunk
}

func (r *recordingRepo) Insert(_ context.Context, chunks []Chunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, chunks...)
	return nil
}

func (r *recordingRepo) ListByOwner(_ context.Context, owner string) ([]Chunk, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Chunk
	for _, c := range r.chunks {
		if c.OwnerID == owner {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *recordingRepo) DeleteOwner(_ context.Context, owner string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.chunks[:0]
	var n int64
	for _, c := range r.chunks {
		if c.OwnerID == owner {
			n++
			continue
		}
		kept = append(kept, c)
	}
	r.chunks = kept
	return n, nil
}

func (r *recordingRepo) DeleteChunks(_ context.Context, ids []string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := r.chunks[:0]
	var n int64
	for _, c := range r.chunks {
		if drop[c.ID] {
			n++
			continue
		}
		kept = append(kept, c)
	}
	r.chunks = kept
	return n, nil
}

func (r *recordingRepo) OwnerStats(_ context.Context, owner string) (OwnerStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var stats OwnerStats
	for _, c := range r.chunks {
		if c.OwnerID != owner {
			continue
		}
		stats.Count++
		if c.CreatedAt.After(stats.Latest) {
			stats.Latest = c.CreatedAt
		}
	}
	return stats, nil
}

func newTestStore(t *testing.T, e embedding.Embedder, repo Repository, opts ...StoreOption) *Store {
	t.Helper()
	return NewStore(e, repo, Config{Chunker: Chunker{Words: 20, Overlap: 5, MinChars: 10}}, opts...)
}

func TestIngestAndRetrieveIsOwnerScoped(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, &fakeEmbedder{}, nil)

	_, err := store.Ingest(ctx, "alice", "I love painting watercolor landscapes on weekends", SourceConversation)
	require.NoError(t, err)
	_, err = store.Ingest(ctx, "bob", "I love painting watercolor landscapes on weekends", SourceConversation)
	require.NoError(t, err)

	results := store.Retrieve(ctx, "alice", "painting watercolor", 5)
	require.NotEmpty(t, results)
	for _, r := range results {
		assert.Equal(t, "alice", r.OwnerID)
	}

	assert.Empty(t, store.Retrieve(ctx, "carol", "painting watercolor", 5))
}

func TestRetrieveRanksBySimilarity(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, &fakeEmbedder{}, nil)

	_, err := store.Ingest(ctx, "u1", "exam stress before the chemistry final keeps me awake", SourceConversation)
	require.NoError(t, err)
	_, err = store.Ingest(ctx, "u1", "my dog likes long walks in the park every morning", SourceConversation)
	require.NoError(t, err)

	results := store.Retrieve(ctx, "u1", "chemistry exam stress", 1)
	require.Len(t, results, 1)
	assert.Contains(t, results[0].Text, "chemistry")
}

func TestRetrieveTieBreaksByRecency(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var tick atomic.Int64
	clock := func() time.Time { return base.Add(time.Duration(tick.Add(1)) * time.Minute) }
	store := newTestStore(t, &fakeEmbedder{}, nil, withClock(clock))

	first, err := store.Ingest(ctx, "u1", "feeling anxious about tomorrow", SourceConversation)
	require.NoError(t, err)
	second, err := store.Ingest(ctx, "u1", "feeling anxious about tomorrow", SourceConversation)
	require.NoError(t, err)

	results := store.Retrieve(ctx, "u1", "feeling anxious about tomorrow", 2)
	require.Len(t, results, 2)
	assert.Equal(t, second[0].ID, results[0].ID)
	assert.Equal(t, first[0].ID, results[1].ID)
}

func TestIngestSameTextTwiceStoresTwoSets(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, &fakeEmbedder{}, nil)

	a, err := store.Ingest(ctx, "u1", "the same paragraph about sleep habits", SourceDocument)
	require.NoError(t, err)
	b, err := store.Ingest(ctx, "u1", "the same paragraph about sleep habits", SourceDocument)
	require.NoError(t, err)

	assert.NotEqual(t, a[0].ID, b[0].ID)
	assert.Len(t, store.Retrieve(ctx, "u1", "sleep habits", 10), 2)
}

func TestIngestRejectsInvalidInput(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, &fakeEmbedder{}, nil)

	_, err := store.Ingest(ctx, "", "text", SourceConversation)
	assert.ErrorIs(t, err, ErrOwnerRequired)

	_, err = store.Ingest(ctx, "u1", "   ", SourceDocument)
	assert.ErrorIs(t, err, ErrEmptyDocument)

	_, err = store.Ingest(ctx, "u1", "text", Source("email"))
	assert.Error(t, err)
}

func TestIngestEmbeddingFailureIsBackendError(t *testing.T) {
	e := &fakeEmbedder{}
	e.fail.Store(true)
	repo := &recordingRepo{}
	store := newTestStore(t, e, repo)

	_, err := store.Ingest(context.Background(), "u1", "some text worth remembering", SourceConversation)
	var backendErr *RetrievalBackendError
	require.ErrorAs(t, err, &backendErr)
	assert.Equal(t, "ingest", backendErr.Op)
	assert.Empty(t, repo.chunks)
}

func TestIngestIsAllOrNothingOnRepositoryFailure(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, &fakeEmbedder{}, failingRepo{err: errors.New("disk full")})

	long := strings.Repeat("journaling helps me notice patterns in my mood ", 10)
	_, err := store.Ingest(ctx, "u1", long, SourceDocument)
	require.Error(t, err)

	assert.Empty(t, store.Retrieve(ctx, "u1", "journaling mood", 10))
}

func TestDimensionMismatchRejected(t *testing.T) {
	ctx := context.Background()
	e := &fakeEmbedder{}
	store := NewStore(e, nil, Config{Dimension: testDim + 1})

	_, err := store.Ingest(ctx, "u1", "a sentence long enough to embed", SourceConversation)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestDimensionLocksToFirstVector(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, &fakeEmbedder{}, nil)
	_, err := store.Ingest(ctx, "u1", "first vector locks the dimension", SourceConversation)
	require.NoError(t, err)

	store.embedder = &fakeEmbedder{dim: 8}
	_, err = store.Ingest(ctx, "u1", "second vector is shorter than the first", SourceConversation)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestRetrieveDegradesWhenEmbedderFails(t *testing.T) {
	ctx := context.Background()
	e := &fakeEmbedder{}
	store := newTestStore(t, e, nil)
	_, err := store.Ingest(ctx, "u1", "a memory about the school play", SourceConversation)
	require.NoError(t, err)

	e.fail.Store(true)
	before := e.calls.Load()
	assert.Empty(t, store.Retrieve(ctx, "u1", "school play", 3))

	_, err = store.RetrieveWithStatus(ctx, "u1", "school play", 3)
	var backendErr *RetrievalBackendError
	assert.ErrorAs(t, err, &backendErr)
	// one retry per call
	assert.Equal(t, before+4, e.calls.Load())
}

func TestRetrieveSkipsEmbeddingWhenOwnerHasNoChunks(t *testing.T) {
	e := &fakeEmbedder{}
	store := newTestStore(t, e, nil)

	results, err := store.RetrieveWithStatus(context.Background(), "nobody", "anything", 3)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Zero(t, e.calls.Load())
}

func TestMinSimilarityFiltersWeakMatches(t *testing.T) {
	ctx := context.Background()
	store := NewStore(&fakeEmbedder{}, nil, Config{MinSimilarity: 0.99})
	_, err := store.Ingest(ctx, "u1", "basketball practice after school every tuesday", SourceConversation)
	require.NoError(t, err)

	assert.Empty(t, store.Retrieve(ctx, "u1", "quantum physics homework", 3))
}

func TestDeleteOwnerDataPurgesIndexAndRepository(t *testing.T) {
	ctx := context.Background()
	repo := &recordingRepo{}
	store := newTestStore(t, &fakeEmbedder{}, repo)

	_, err := store.Ingest(ctx, "u1", "private note about family", SourceConversation)
	require.NoError(t, err)
	_, err = store.Ingest(ctx, "u2", "private note about family", SourceConversation)
	require.NoError(t, err)

	removed, err := store.DeleteOwnerData(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	assert.Empty(t, store.Retrieve(ctx, "u1", "family", 5))
	assert.NotEmpty(t, store.Retrieve(ctx, "u2", "family", 5))

	_, err = store.DeleteOwnerData(ctx, " ")
	assert.ErrorIs(t, err, ErrOwnerRequired)
}

func TestStoreHydratesFromRepository(t *testing.T) {
	ctx := context.Background()
	repo := &recordingRepo{}
	writer := newTestStore(t, &fakeEmbedder{}, repo)
	_, err := writer.Ingest(ctx, "u1", "notes from the counseling workshop", SourceDocument)
	require.NoError(t, err)

	reader := newTestStore(t, &fakeEmbedder{}, repo)
	results := reader.Retrieve(ctx, "u1", "counseling workshop", 3)
	require.Len(t, results, 1)
	assert.Equal(t, SourceDocument, results[0].Source)
}

func TestConcurrentIngestForOneOwner(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, &fakeEmbedder{}, &recordingRepo{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Ingest(ctx, "u1", "a short reflection on gratitude", SourceConversation)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, store.Retrieve(ctx, "u1", "gratitude reflection", 20), 8)
}

func TestChunkerSplitsWithOverlap(t *testing.T) {
	words := make([]string, 45)
	for i := range words {
		words[i] = "word"
	}
	c := Chunker{Words: 20, Overlap: 5, MinChars: 1}
	passages := c.Split(strings.Join(words, " "))
	// windows start at 0, 15, 30
	assert.Len(t, passages, 3)

	assert.Nil(t, c.Split("   "))
	assert.Equal(t, []string{"hi"}, Chunker{Words: 20, MinChars: 50}.Split("hi"))
}

func TestStoresSharingRepositorySeeEachOthersWrites(t *testing.T) {
	ctx := context.Background()
	repo, err := NewSQLiteRepository(filepath.Join(t.TempDir(), "memory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	api := newTestStore(t, &fakeEmbedder{}, repo)
	worker := newTestStore(t, &fakeEmbedder{}, repo)

	assert.Empty(t, api.Retrieve(ctx, "u1", "counseling workshop notes", 5))

	_, err = worker.Ingest(ctx, "u1", "notes from the counseling workshop on sleep", SourceDocument)
	require.NoError(t, err)
	assert.Len(t, api.Retrieve(ctx, "u1", "counseling workshop notes", 5), 1, "writes from another store are picked up")

	_, err = worker.Ingest(ctx, "u1", "second workshop about counseling and stress", SourceDocument)
	require.NoError(t, err)
	assert.Len(t, api.Retrieve(ctx, "u1", "counseling workshop", 5), 2)

	require.Len(t, worker.Retrieve(ctx, "u1", "counseling workshop", 5), 2)
	_, err = api.DeleteOwnerData(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, worker.Retrieve(ctx, "u1", "counseling workshop", 5), "erasure in another store empties this index")
	assert.Empty(t, api.Retrieve(ctx, "u1", "counseling workshop", 5))
}

// gatedEmbedder blocks until released so a purge can land mid-ingest.
type gatedEmbedder struct {
	fakeEmbedder
	started chan struct{}
	release chan struct{}
}

func (g *gatedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	select {
	case g.started <- struct{}{}:
	default:
	}
	<-g.release
	return g.fakeEmbedder.Embed(ctx, texts)
}

func TestIngestRejectedWhenOwnerErasedDuringEmbedding(t *testing.T) {
	ctx := context.Background()
	repo := &recordingRepo{}
	e := &gatedEmbedder{started: make(chan struct{}, 1), release: make(chan struct{})}
	store := newTestStore(t, e, repo)

	errs := make(chan error, 1)
	go func() {
		_, err := store.Ingest(ctx, "u1", "a note written just before consent was withdrawn", SourceConversation)
		errs <- err
	}()
	<-e.started
	_, err := store.DeleteOwnerData(ctx, "u1")
	require.NoError(t, err)
	close(e.release)

	assert.ErrorIs(t, <-errs, ErrOwnerPurged)
	assert.Empty(t, repo.chunks)

	_, err = store.Ingest(ctx, "u1", "a fresh note after consent was given again", SourceConversation)
	require.NoError(t, err, "later requests are accepted")
}

type stubLedger struct {
	mu    sync.Mutex
	at    []time.Time
	calls int
	err   error
}

// PurgedAt returns the configured times in order, repeating the last one.
func (l *stubLedger) PurgedAt(context.Context, string) (time.Time, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return time.Time{}, false, l.err
	}
	i := min(l.calls, len(l.at)-1)
	l.calls++
	if l.at[i].IsZero() {
		return time.Time{}, false, nil
	}
	return l.at[i], true, nil
}

func TestIngestHonorsPurgeLedger(t *testing.T) {
	ctx := context.Background()
	purgedAt := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	repo := &recordingRepo{}
	store := newTestStore(t, &fakeEmbedder{}, repo, WithPurgeLedger(&stubLedger{at: []time.Time{purgedAt}}))

	_, err := store.Ingest(WithRequestedAt(ctx, purgedAt.Add(-time.Minute)), "u1", "a turn queued before the erasure", SourceConversation)
	assert.ErrorIs(t, err, ErrOwnerPurged)
	assert.Empty(t, repo.chunks)

	_, err = store.Ingest(WithRequestedAt(ctx, purgedAt.Add(time.Minute)), "u1", "a turn queued after the erasure", SourceConversation)
	require.NoError(t, err)
	assert.Len(t, repo.chunks, 1)
}

func TestIngestUndoesInsertWhenErasureLandsConcurrently(t *testing.T) {
	ctx := context.Background()
	requested := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	repo := &recordingRepo{}
	ledger := &stubLedger{at: []time.Time{{}, requested.Add(time.Second)}}
	store := newTestStore(t, &fakeEmbedder{}, repo, WithPurgeLedger(ledger))

	_, err := store.Ingest(WithRequestedAt(ctx, requested), "u1", "written while another process erased the owner", SourceConversation)
	assert.ErrorIs(t, err, ErrOwnerPurged)
	assert.Empty(t, repo.chunks)
	assert.Equal(t, 2, ledger.calls)
}

func TestIngestPurgeLedgerFailureIsRetryable(t *testing.T) {
	store := newTestStore(t, &fakeEmbedder{}, &recordingRepo{}, WithPurgeLedger(&stubLedger{err: errors.New("redis down")}))

	_, err := store.Ingest(context.Background(), "u1", "some text worth remembering", SourceConversation)
	var backendErr *RetrievalBackendError
	require.ErrorAs(t, err, &backendErr)
	assert.Equal(t, "purge_check", backendErr.Op)
}
