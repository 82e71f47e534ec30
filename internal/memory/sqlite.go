package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteRepository is a single-file backend for local development.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository opens (and creates) the database at path.
func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("memory: create sqlite dir: %w", err)
	}
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("memory: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("memory: ping sqlite: %w", err)
	}
	repo := &SQLiteRepository{db: db}
	if err := repo.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return repo, nil
}

func (r *SQLiteRepository) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS memory_chunks (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		source TEXT NOT NULL,
		text TEXT NOT NULL,
		embedding TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_memory_chunks_owner ON memory_chunks(owner_id);
	`
	if _, err := r.db.Exec(query); err != nil {
		return fmt.Errorf("memory: create sqlite schema: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

func (r *SQLiteRepository) Insert(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("memory: begin sqlite tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, c := range chunks {
		vec, err := json.Marshal(c.Embedding)
		if err != nil {
			return fmt.Errorf("memory: marshal embedding: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO memory_chunks (id, owner_id, source, text, embedding, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			c.ID, c.OwnerID, string(c.Source), c.Text, string(vec), c.CreatedAt.UnixNano(),
		); err != nil {
			return fmt.Errorf("memory: insert sqlite chunk: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("memory: commit sqlite chunks: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) ListByOwner(ctx context.Context, ownerID string) ([]Chunk, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, owner_id, source, text, embedding, created_at FROM memory_chunks WHERE owner_id = ? ORDER BY created_at ASC`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("memory: list sqlite chunks: %w", err)
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		var (
			c         Chunk
			source    string
			vec       string
			createdAt int64
		)
		if err := rows.Scan(&c.ID, &c.OwnerID, &source, &c.Text, &vec, &createdAt); err != nil {
			return nil, fmt.Errorf("memory: scan sqlite chunk: %w", err)
		}
		if err := json.Unmarshal([]byte(vec), &c.Embedding); err != nil {
			return nil, fmt.Errorf("memory: decode embedding: %w", err)
		}
		c.Source = Source(source)
		c.CreatedAt = time.Unix(0, createdAt).UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) DeleteOwner(ctx context.Context, ownerID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM memory_chunks WHERE owner_id = ?`, ownerID)
	if err != nil {
		return 0, fmt.Errorf("memory: delete sqlite chunks: %w", err)
	}
	return res.RowsAffected()
}

func (r *SQLiteRepository) DeleteChunks(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("memory: begin sqlite tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var removed int64
	for _, id := range ids {
		res, err := tx.ExecContext(ctx, `DELETE FROM memory_chunks WHERE id = ?`, id)
		if err != nil {
			return 0, fmt.Errorf("memory: delete sqlite chunk: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		removed += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("memory: commit sqlite delete: %w", err)
	}
	return removed, nil
}

func (r *SQLiteRepository) OwnerStats(ctx context.Context, ownerID string) (OwnerStats, error) {
	var (
		count  int64
		latest sql.NullInt64
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*), MAX(created_at) FROM memory_chunks WHERE owner_id = ?`,
		ownerID,
	).Scan(&count, &latest)
	if err != nil {
		return OwnerStats{}, fmt.Errorf("memory: sqlite owner stats: %w", err)
	}
	stats := OwnerStats{Count: count}
	if latest.Valid {
		stats.Latest = time.Unix(0, latest.Int64).UTC()
	}
	return stats, nil
}
