package memory

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// PostgresRepository stores chunks in Postgres with float8[] embeddings.
type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	if db == nil {
		panic("memory: sql db cannot be nil")
	}
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Insert(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("memory: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO memory_chunks (id, owner_id, source, text, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	for _, c := range chunks {
		if _, err := tx.ExecContext(ctx, query,
			c.ID,
			c.OwnerID,
			string(c.Source),
			c.Text,
			pq.Float64Array(toFloat64(c.Embedding)),
			c.CreatedAt,
		); err != nil {
			return fmt.Errorf("memory: insert chunk: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("memory: commit chunks: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListByOwner(ctx context.Context, ownerID string) ([]Chunk, error) {
	query := `
		SELECT id, owner_id, source, text, embedding, created_at
		FROM memory_chunks
		WHERE owner_id = $1
		ORDER BY created_at ASC
	`
	rows, err := r.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("memory: list chunks: %w", err)
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		var (
			c      Chunk
			source string
			vec    pq.Float64Array
		)
		if err := rows.Scan(&c.ID, &c.OwnerID, &source, &c.Text, &vec, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("memory: scan chunk: %w", err)
		}
		c.Source = Source(source)
		c.Embedding = toFloat32(vec)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memory: iterate chunks: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) DeleteOwner(ctx context.Context, ownerID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM memory_chunks WHERE owner_id = $1`, ownerID)
	if err != nil {
		return 0, fmt.Errorf("memory: delete chunks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("memory: rows affected: %w", err)
	}
	return n, nil
}

func (r *PostgresRepository) DeleteChunks(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := r.db.ExecContext(ctx, `DELETE FROM memory_chunks WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("memory: delete chunks by id: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("memory: rows affected: %w", err)
	}
	return n, nil
}

func (r *PostgresRepository) OwnerStats(ctx context.Context, ownerID string) (OwnerStats, error) {
	var (
		stats  OwnerStats
		latest sql.NullTime
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*), MAX(created_at) FROM memory_chunks WHERE owner_id = $1`,
		ownerID,
	).Scan(&stats.Count, &latest)
	if err != nil {
		return OwnerStats{}, fmt.Errorf("memory: owner stats: %w", err)
	}
	if latest.Valid {
		stats.Latest = latest.Time
	}
	return stats, nil
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(f)
	}
	return out
}
