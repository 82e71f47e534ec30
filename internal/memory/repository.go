package memory

import (
	"context"
	"time"
)

// Repository persists chunks. Insert must be all-or-nothing.
type Repository interface {
	Insert(ctx context.Context, chunks []Chunk) error
	ListByOwner(ctx context.Context, ownerID string) ([]Chunk, error)
	DeleteOwner(ctx context.Context, ownerID string) (int64, error)
	DeleteChunks(ctx context.Context, ids []string) (int64, error)
	// OwnerStats is a cheap fingerprint of an owner's stored set. Any insert
	// or delete by any process changes it.
	OwnerStats(ctx context.Context, ownerID string) (OwnerStats, error)
}

// OwnerStats summarizes what a repository holds for one owner.
type OwnerStats struct {
	Count  int64
	Latest time.Time
}

// Equal reports whether two fingerprints describe the same stored set.
func (s OwnerStats) Equal(other OwnerStats) bool {
	return s.Count == other.Count && s.Latest.Equal(other.Latest)
}

// NopRepository keeps nothing; the in-process index is the only copy.
type NopRepository struct{}

func (NopRepository) Insert(context.Context, []Chunk) error                { return nil }
func (NopRepository) ListByOwner(context.Context, string) ([]Chunk, error) { return nil, nil }
func (NopRepository) DeleteOwner(context.Context, string) (int64, error)   { return 0, nil }
func (NopRepository) DeleteChunks(context.Context, []string) (int64, error) {
	return 0, nil
}
func (NopRepository) OwnerStats(context.Context, string) (OwnerStats, error) {
	return OwnerStats{}, nil
}
