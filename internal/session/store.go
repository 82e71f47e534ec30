package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrNotFound is returned when no session is stored under an id.
var ErrNotFound = errors.New("session: not found")

// Store persists sessions, per-owner screening flags and erasure tombstones
// between runs.
type Store interface {
	Load(ctx context.Context, id string) (ConversationSession, error)
	Save(ctx context.Context, sess ConversationSession) error
	// SetScreeningFlag never lets a flag that is not raised replace a raised
	// one; a raised flag lapses only with the screening window.
	SetScreeningFlag(ctx context.Context, ownerID string, flag *ScreeningFlag) error
	ScreeningFlag(ctx context.Context, ownerID string) (*ScreeningFlag, error)
	DeleteOwner(ctx context.Context, ownerID string) (int64, error)
	MarkPurged(ctx context.Context, ownerID string, at time.Time) error
	PurgedAt(ctx context.Context, ownerID string) (time.Time, bool, error)
}

const (
	defaultSessionTTL = 24 * time.Hour
	// Tombstones outlive the longest SQS retention (14 days) so no queued job
	// can predate a forgotten erasure.
	purgeTombstoneTTL = 15 * 24 * time.Hour
)

// RedisStore keeps sessions as JSON blobs with a sliding TTL.
type RedisStore struct {
	redis        *redis.Client
	ttl          time.Duration
	screeningTTL time.Duration
	tracer       trace.Tracer
}

// NewRedisStore panics on a nil client. screeningTTL bounds how long a
// screening flag stays visible to the crisis detector.
func NewRedisStore(client *redis.Client, ttl, screeningTTL time.Duration) *RedisStore {
	if client == nil {
		panic("session: redis client cannot be nil")
	}
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	if screeningTTL <= 0 {
		screeningTTL = 2 * time.Hour
	}
	return &RedisStore{
		redis:        client,
		ttl:          ttl,
		screeningTTL: screeningTTL,
		tracer:       otel.Tracer("saathi.session"),
	}
}

func sessionKey(id string) string          { return fmt.Sprintf("saathi:session:%s", id) }
func ownerSessionsKey(owner string) string { return fmt.Sprintf("saathi:owner:%s:sessions", owner) }
func screeningFlagKey(owner string) string { return fmt.Sprintf("saathi:screening:%s", owner) }
func purgedKey(owner string) string        { return fmt.Sprintf("saathi:purged:%s", owner) }

func (s *RedisStore) Load(ctx context.Context, id string) (ConversationSession, error) {
	ctx, span := s.tracer.Start(ctx, "session.load")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", id))

	data, err := s.redis.Get(ctx, sessionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ConversationSession{}, ErrNotFound
		}
		span.RecordError(err)
		return ConversationSession{}, fmt.Errorf("session: failed to load %s: %w", id, err)
	}
	var sess ConversationSession
	if err := json.Unmarshal(data, &sess); err != nil {
		span.RecordError(err)
		return ConversationSession{}, fmt.Errorf("session: failed to decode %s: %w", id, err)
	}
	return sess, nil
}

func (s *RedisStore) Save(ctx context.Context, sess ConversationSession) error {
	ctx, span := s.tracer.Start(ctx, "session.save")
	defer span.End()

	if sess.ID == "" {
		return errors.New("session: id required")
	}
	data, err := json.Marshal(sess)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("session: failed to marshal %s: %w", sess.ID, err)
	}

	pipe := s.redis.TxPipeline()
	pipe.Set(ctx, sessionKey(sess.ID), data, s.ttl)
	if sess.OwnerID != "" {
		pipe.SAdd(ctx, ownerSessionsKey(sess.OwnerID), sess.ID)
		pipe.Expire(ctx, ownerSessionsKey(sess.OwnerID), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("session: failed to persist %s: %w", sess.ID, err)
	}
	return nil
}

func (s *RedisStore) SetScreeningFlag(ctx context.Context, ownerID string, flag *ScreeningFlag) error {
	if flag == nil {
		if err := s.redis.Del(ctx, screeningFlagKey(ownerID)).Err(); err != nil {
			return fmt.Errorf("session: failed to clear screening flag: %w", err)
		}
		return nil
	}
	data, err := json.Marshal(flag)
	if err != nil {
		return fmt.Errorf("session: failed to marshal screening flag: %w", err)
	}
	if !flag.Risk.Raised {
		// Only fills an empty slot; a live raised flag stays until it expires.
		if err := s.redis.SetNX(ctx, screeningFlagKey(ownerID), data, s.screeningTTL).Err(); err != nil {
			return fmt.Errorf("session: failed to persist screening flag: %w", err)
		}
		return nil
	}
	if err := s.redis.Set(ctx, screeningFlagKey(ownerID), data, s.screeningTTL).Err(); err != nil {
		return fmt.Errorf("session: failed to persist screening flag: %w", err)
	}
	return nil
}

// ScreeningFlag returns nil when no flag is active.
func (s *RedisStore) ScreeningFlag(ctx context.Context, ownerID string) (*ScreeningFlag, error) {
	data, err := s.redis.Get(ctx, screeningFlagKey(ownerID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("session: failed to load screening flag: %w", err)
	}
	var flag ScreeningFlag
	if err := json.Unmarshal(data, &flag); err != nil {
		return nil, fmt.Errorf("session: failed to decode screening flag: %w", err)
	}
	return &flag, nil
}

// DeleteOwner removes every session and flag an owner has.
func (s *RedisStore) DeleteOwner(ctx context.Context, ownerID string) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "session.delete_owner")
	defer span.End()

	ids, err := s.redis.SMembers(ctx, ownerSessionsKey(ownerID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		span.RecordError(err)
		return 0, fmt.Errorf("session: failed to list owner sessions: %w", err)
	}
	keys := make([]string, 0, len(ids)+2)
	for _, id := range ids {
		keys = append(keys, sessionKey(id))
	}
	keys = append(keys, ownerSessionsKey(ownerID), screeningFlagKey(ownerID))

	removed, err := s.redis.Del(ctx, keys...).Result()
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("session: failed to delete owner sessions: %w", err)
	}
	return removed, nil
}

// MarkPurged records an owner erasure. The tombstone survives DeleteOwner.
func (s *RedisStore) MarkPurged(ctx context.Context, ownerID string, at time.Time) error {
	if err := s.redis.Set(ctx, purgedKey(ownerID), at.UTC().Format(time.RFC3339Nano), purgeTombstoneTTL).Err(); err != nil {
		return fmt.Errorf("session: failed to record erasure: %w", err)
	}
	return nil
}

func (s *RedisStore) PurgedAt(ctx context.Context, ownerID string) (time.Time, bool, error) {
	raw, err := s.redis.Get(ctx, purgedKey(ownerID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("session: failed to load erasure: %w", err)
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("session: failed to decode erasure: %w", err)
	}
	return at, true, nil
}

// MemoryStore is an in-process Store for tests and local runs.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]ConversationSession
	flags    map[string]*ScreeningFlag
	purged   map[string]time.Time
	// flagWindow mirrors the Redis flag TTL.
	flagWindow time.Duration
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]ConversationSession),
		flags:    make(map[string]*ScreeningFlag),
		purged:   make(map[string]time.Time),

		flagWindow: 2 * time.Hour,
	}
}

func (m *MemoryStore) Load(_ context.Context, id string) (ConversationSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return ConversationSession{}, ErrNotFound
	}
	return sess, nil
}

func (m *MemoryStore) Save(_ context.Context, sess ConversationSession) error {
	if sess.ID == "" {
		return errors.New("session: id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sess.ID] = sess
	return nil
}

func (m *MemoryStore) SetScreeningFlag(_ context.Context, ownerID string, flag *ScreeningFlag) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if flag == nil {
		delete(m.flags, ownerID)
		return nil
	}
	if current, ok := m.flags[ownerID]; ok && !flag.Risk.Raised && current.ActiveAt(flag.RecordedAt, m.flagWindow) {
		return nil
	}
	copied := *flag
	m.flags[ownerID] = &copied
	return nil
}

func (m *MemoryStore) ScreeningFlag(_ context.Context, ownerID string) (*ScreeningFlag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	flag, ok := m.flags[ownerID]
	if !ok {
		return nil, nil
	}
	copied := *flag
	return &copied, nil
}

func (m *MemoryStore) DeleteOwner(_ context.Context, ownerID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, sess := range m.sessions {
		if sess.OwnerID == ownerID {
			delete(m.sessions, id)
			n++
		}
	}
	if _, ok := m.flags[ownerID]; ok {
		delete(m.flags, ownerID)
		n++
	}
	return n, nil
}

func (m *MemoryStore) MarkPurged(_ context.Context, ownerID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purged[ownerID] = at.UTC()
	return nil
}

func (m *MemoryStore) PurgedAt(_ context.Context, ownerID string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.purged[ownerID]
	return at, ok, nil
}
