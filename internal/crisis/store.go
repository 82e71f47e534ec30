package crisis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNoOpenEvent is returned when resolving a session with nothing open.
var ErrNoOpenEvent = errors.New("crisis: no open event for session")

// RedactedSnapshot replaces message snapshots after an owner purge.
const RedactedSnapshot = "[redacted]"

// Store persists crisis events. Events are never deleted.
type Store interface {
	Record(ctx context.Context, event *Event) error
	HasOpenCritical(ctx context.Context, sessionID string) (bool, error)
	Resolve(ctx context.Context, sessionID, resolvedBy string) (int64, error)
	ListOpen(ctx context.Context, limit int) ([]Event, error)
	RedactOwner(ctx context.Context, ownerID string) (int64, error)
}

type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps crisis events in Postgres.
type PostgresStore struct {
	db pgQuerier
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	if pool == nil {
		panic("crisis: pgx pool required")
	}
	return &PostgresStore{db: pool}
}

func newPostgresStoreWithQuerier(db pgQuerier) *PostgresStore {
	if db == nil {
		panic("crisis: querier required")
	}
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Record(ctx context.Context, event *Event) error {
	if event == nil {
		return errors.New("crisis: event required")
	}
	reasons, err := json.Marshal(event.Reasons)
	if err != nil {
		return fmt.Errorf("crisis: marshal reasons: %w", err)
	}
	resources, err := json.Marshal(event.ResourcesOffered)
	if err != nil {
		return fmt.Errorf("crisis: marshal resources: %w", err)
	}
	query := `
		INSERT INTO crisis_events (id, session_id, owner_id, triggered_at, risk_level, reasons, message_snapshot, resources_offered)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`
	if _, err := s.db.Exec(ctx, query,
		event.ID,
		event.SessionID,
		event.OwnerID,
		event.TriggeredAt,
		event.RiskLevel.String(),
		reasons,
		event.MessageSnapshot,
		resources,
	); err != nil {
		return fmt.Errorf("crisis: insert event: %w", err)
	}
	return nil
}

func (s *PostgresStore) HasOpenCritical(ctx context.Context, sessionID string) (bool, error) {
	query := `SELECT 1 FROM crisis_events WHERE session_id = $1 AND risk_level = 'critical' AND resolved_at IS NULL LIMIT 1`
	var exists int
	if err := s.db.QueryRow(ctx, query, sessionID).Scan(&exists); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("crisis: check open critical: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) Resolve(ctx context.Context, sessionID, resolvedBy string) (int64, error) {
	query := `
		UPDATE crisis_events
		SET resolved_at = NOW(), resolved_by = $2
		WHERE session_id = $1 AND resolved_at IS NULL
	`
	tag, err := s.db.Exec(ctx, query, sessionID, resolvedBy)
	if err != nil {
		return 0, fmt.Errorf("crisis: resolve events: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return 0, ErrNoOpenEvent
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) ListOpen(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `
		SELECT id, session_id, owner_id, triggered_at, risk_level, reasons, message_snapshot, resources_offered
		FROM crisis_events
		WHERE resolved_at IS NULL
		ORDER BY triggered_at DESC
		LIMIT $1
	`
	rows, err := s.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("crisis: list open: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev        Event
			level     string
			reasons   []byte
			resources []byte
		)
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.OwnerID, &ev.TriggeredAt, &level, &reasons, &ev.MessageSnapshot, &resources); err != nil {
			return nil, fmt.Errorf("crisis: scan event: %w", err)
		}
		if ev.RiskLevel, err = ParseLevel(level); err != nil {
			return nil, err
		}
		if len(reasons) > 0 {
			if err := json.Unmarshal(reasons, &ev.Reasons); err != nil {
				return nil, fmt.Errorf("crisis: decode reasons: %w", err)
			}
		}
		if len(resources) > 0 {
			if err := json.Unmarshal(resources, &ev.ResourcesOffered); err != nil {
				return nil, fmt.Errorf("crisis: decode resources: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// RedactOwner blanks message snapshots for an owner but keeps the audit rows.
func (s *PostgresStore) RedactOwner(ctx context.Context, ownerID string) (int64, error) {
	tag, err := s.db.Exec(ctx, `UPDATE crisis_events SET message_snapshot = $2 WHERE owner_id = $1`, ownerID, RedactedSnapshot)
	if err != nil {
		return 0, fmt.Errorf("crisis: redact owner: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MemoryStore keeps events in process for tests and local runs.
type MemoryStore struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Record(ctx context.Context, event *Event) error {
	if event == nil {
		return errors.New("crisis: event required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if ev.ID == event.ID {
			return nil
		}
	}
	s.events = append(s.events, *event)
	return nil
}

func (s *MemoryStore) HasOpenCritical(ctx context.Context, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.events {
		if s.events[i].SessionID == sessionID && s.events[i].OpenCritical() {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) Resolve(ctx context.Context, sessionID, resolvedBy string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	var n int64
	for i := range s.events {
		if s.events[i].SessionID == sessionID && s.events[i].ResolvedAt == nil {
			s.events[i].ResolvedAt = &now
			s.events[i].ResolvedBy = resolvedBy
			n++
		}
	}
	if n == 0 {
		return 0, ErrNoOpenEvent
	}
	return n, nil
}

func (s *MemoryStore) ListOpen(ctx context.Context, limit int) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, ev := range s.events {
		if ev.ResolvedAt == nil {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TriggeredAt.After(out[j].TriggeredAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) RedactOwner(ctx context.Context, ownerID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for i := range s.events {
		if s.events[i].OwnerID == ownerID {
			s.events[i].MessageSnapshot = RedactedSnapshot
			n++
		}
	}
	return n, nil
}

// Events returns a copy of every stored event.
func (s *MemoryStore) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}
