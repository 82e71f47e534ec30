package screening

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Repository appends screening results and reads an owner's history.
type Repository struct {
	db querier
}

// NewRepository initializes a repo backed by pgxpool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	if pool == nil {
		panic("screening: pgx pool required")
	}
	return &Repository{db: pool}
}

func newRepositoryWithQuerier(db querier) *Repository {
	if db == nil {
		panic("screening: querier required")
	}
	return &Repository{db: db}
}

// Append stores a result. Results are never updated.
func (r *Repository) Append(ctx context.Context, result Result) error {
	if result.OwnerID == "" {
		return fmt.Errorf("screening: owner id required")
	}
	raw, err := json.Marshal(result.RawResponses)
	if err != nil {
		return fmt.Errorf("screening: marshal responses: %w", err)
	}
	query := `
		INSERT INTO screening_results (id, owner_id, instrument, raw_responses, total_score, max_score,
			severity_band, recommendation, follow_up_needed, risk_raised, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	if _, err := r.db.Exec(ctx, query,
		result.ID,
		result.OwnerID,
		string(result.Instrument),
		raw,
		result.TotalScore,
		result.MaxScore,
		string(result.SeverityBand),
		result.Recommendation,
		result.FollowUpNeeded,
		result.Risk.Raised,
		result.CreatedAt,
	); err != nil {
		return fmt.Errorf("screening: insert failed: %w", err)
	}
	return nil
}

// History returns an owner's results newest first. An empty instrument lists all.
func (r *Repository) History(ctx context.Context, ownerID string, instrument Instrument, limit int) ([]Result, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	query := `
		SELECT id, owner_id, instrument, raw_responses, total_score, max_score,
			severity_band, recommendation, follow_up_needed, risk_raised, created_at
		FROM screening_results
		WHERE owner_id = $1 AND ($2 = '' OR instrument = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`
	rows, err := r.db.Query(ctx, query, ownerID, string(instrument), limit)
	if err != nil {
		return nil, fmt.Errorf("screening: history query: %w", err)
	}
	defer rows.Close()

	var out []Result
	for rows.Next() {
		var (
			res       Result
			inst      string
			band      string
			raw       []byte
			createdAt time.Time
		)
		if err := rows.Scan(&res.ID, &res.OwnerID, &inst, &raw, &res.TotalScore, &res.MaxScore,
			&band, &res.Recommendation, &res.FollowUpNeeded, &res.Risk.Raised, &createdAt); err != nil {
			return nil, fmt.Errorf("screening: scan history: %w", err)
		}
		if err := json.Unmarshal(raw, &res.RawResponses); err != nil {
			return nil, fmt.Errorf("screening: decode responses: %w", err)
		}
		res.Instrument = Instrument(inst)
		res.SeverityBand = Band(band)
		res.CreatedAt = createdAt.UTC()
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("screening: history rows: %w", err)
	}
	return out, nil
}

// DeleteOwner removes an owner's full screening history.
func (r *Repository) DeleteOwner(ctx context.Context, ownerID string) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM screening_results WHERE owner_id = $1`, ownerID)
	if err != nil {
		return 0, fmt.Errorf("screening: delete owner history: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MemoryRepository keeps results in process, for local runs without Postgres.
type MemoryRepository struct {
	mu      sync.RWMutex
	results []Result
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

func (m *MemoryRepository) Append(_ context.Context, result Result) error {
	if result.OwnerID == "" {
		return fmt.Errorf("screening: owner id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, result)
	return nil
}

func (m *MemoryRepository) History(_ context.Context, ownerID string, instrument Instrument, limit int) ([]Result, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Result
	for i := len(m.results) - 1; i >= 0 && len(out) < limit; i-- {
		res := m.results[i]
		if res.OwnerID == ownerID && (instrument == "" || res.Instrument == instrument) {
			out = append(out, res)
		}
	}
	return out, nil
}

func (m *MemoryRepository) DeleteOwner(_ context.Context, ownerID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.results[:0]
	var n int64
	for _, res := range m.results {
		if res.OwnerID == ownerID {
			n++
			continue
		}
		kept = append(kept, res)
	}
	m.results = kept
	return n, nil
}
