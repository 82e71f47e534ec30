// Package profile keeps the short facts a student states about themselves
// (interests, academic details, goals) so later replies can use them.
package profile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrInvalidFact is returned for a fact without an owner, kind or value.
var ErrInvalidFact = errors.New("profile: invalid fact")

// Fact is one remembered statement. Key is the normalized value and is unique
// per owner and kind.
type Fact struct {
	OwnerID   string    `json:"-"`
	Kind      string    `json:"memory_type"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	SessionID string    `json:"session_id,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists facts. Upsert replaces a fact with the same owner, kind and key.
type Store interface {
	Upsert(ctx context.Context, facts []Fact) error
	List(ctx context.Context, ownerID string, limit int) ([]Fact, error)
	DeleteOwner(ctx context.Context, ownerID string) (int64, error)
}

// FactKey normalizes a value into its dedupe key.
func FactKey(value string) string {
	return strings.Join(strings.Fields(strings.ToLower(value)), "_")
}

// FactsFromUpdates turns extracted updates (kind to values) into facts.
// Duplicate keys within one kind collapse to the last value.
func FactsFromUpdates(ownerID, sessionID string, updates map[string][]string, now time.Time) []Fact {
	kinds := make([]string, 0, len(updates))
	for kind := range updates {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	var out []Fact
	for _, kind := range kinds {
		seen := make(map[string]int)
		for _, value := range updates[kind] {
			value = strings.TrimSpace(value)
			key := FactKey(value)
			if key == "" {
				continue
			}
			fact := Fact{OwnerID: ownerID, Kind: kind, Key: key, Value: value, SessionID: sessionID, UpdatedAt: now}
			if i, ok := seen[key]; ok {
				out[i] = fact
				continue
			}
			seen[key] = len(out)
			out = append(out, fact)
		}
	}
	return out
}

func validate(facts []Fact) error {
	for _, f := range facts {
		if strings.TrimSpace(f.OwnerID) == "" || strings.TrimSpace(f.Kind) == "" || strings.TrimSpace(f.Key) == "" {
			return fmt.Errorf("%w: owner, kind and key required", ErrInvalidFact)
		}
	}
	return nil
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 200 {
		return 50
	}
	return limit
}

type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresStore keeps facts in the user_profile_facts table.
type PostgresStore struct {
	db pgQuerier
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	if pool == nil {
		panic("profile: pgx pool required")
	}
	return &PostgresStore{db: pool}
}

func newPostgresStoreWithQuerier(db pgQuerier) *PostgresStore {
	if db == nil {
		panic("profile: querier required")
	}
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Upsert(ctx context.Context, facts []Fact) error {
	if len(facts) == 0 {
		return nil
	}
	if err := validate(facts); err != nil {
		return err
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("profile: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `
		INSERT INTO user_profile_facts (owner_id, kind, fact_key, value, session_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (owner_id, kind, fact_key)
		DO UPDATE SET value = EXCLUDED.value, session_id = EXCLUDED.session_id, updated_at = EXCLUDED.updated_at
	`
	for _, f := range facts {
		if _, err := tx.Exec(ctx, query, f.OwnerID, f.Kind, f.Key, f.Value, f.SessionID, f.UpdatedAt); err != nil {
			return fmt.Errorf("profile: upsert fact: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("profile: commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, ownerID string, limit int) ([]Fact, error) {
	query := `
		SELECT kind, fact_key, value, session_id, updated_at
		FROM user_profile_facts
		WHERE owner_id = $1
		ORDER BY updated_at DESC
		LIMIT $2
	`
	rows, err := s.db.Query(ctx, query, ownerID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("profile: list facts: %w", err)
	}
	defer rows.Close()

	var out []Fact
	for rows.Next() {
		f := Fact{OwnerID: ownerID}
		if err := rows.Scan(&f.Kind, &f.Key, &f.Value, &f.SessionID, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("profile: scan fact: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("profile: iterate facts: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) DeleteOwner(ctx context.Context, ownerID string) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM user_profile_facts WHERE owner_id = $1`, ownerID)
	if err != nil {
		return 0, fmt.Errorf("profile: delete owner: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MemoryStore is the in-process Store used for local runs and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	facts map[string]map[string]Fact
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{facts: make(map[string]map[string]Fact)}
}

func (s *MemoryStore) Upsert(_ context.Context, facts []Fact) error {
	if err := validate(facts); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range facts {
		owned := s.facts[f.OwnerID]
		if owned == nil {
			owned = make(map[string]Fact)
			s.facts[f.OwnerID] = owned
		}
		owned[f.Kind+"\x00"+f.Key] = f
	}
	return nil
}

func (s *MemoryStore) List(_ context.Context, ownerID string, limit int) ([]Fact, error) {
	s.mu.RLock()
	out := make([]Fact, 0, len(s.facts[ownerID]))
	for _, f := range s.facts[ownerID] {
		out = append(out, f)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Key < out[j].Key
	})
	if limit = clampLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) DeleteOwner(_ context.Context, ownerID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := int64(len(s.facts[ownerID]))
	delete(s.facts, ownerID)
	return n, nil
}
