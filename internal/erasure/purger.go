// Package erasure removes everything the platform holds about an owner when
// they withdraw consent.
package erasure

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/wolfman30/saathi-ai-platform/pkg/logging"
)

var tracer = otel.Tracer("saathi.erasure")

var ErrOwnerRequired = errors.New("erasure: owner id required")

type MemoryEraser interface {
	DeleteOwnerData(ctx context.Context, ownerID string) (int64, error)
}

type OwnerDeleter interface {
	DeleteOwner(ctx context.Context, ownerID string) (int64, error)
}

// CrisisRedactor scrubs message snapshots. Crisis events themselves are kept
// for the safety record.
type CrisisRedactor interface {
	RedactOwner(ctx context.Context, ownerID string) (int64, error)
}

// Tombstoner records when an owner was erased so ingest work queued earlier
// is dropped instead of restoring their data.
type Tombstoner interface {
	MarkPurged(ctx context.Context, ownerID string, at time.Time) error
}

type Auditor interface {
	LogConsentWithdrawn(ctx context.Context, ownerID string, purged map[string]int64) error
}

// Report counts what each store removed.
type Report map[string]int64

const (
	TargetMemory    = "memory_chunks"
	TargetScreening = "screening_results"
	TargetSessions  = "sessions"
	TargetCrisis    = "crisis_snapshots_redacted"
	TargetProfile   = "profile_facts"
)

// Deps are the stores a purge touches. Tombstones is written before any of
// the others.
type Deps struct {
	Memory     MemoryEraser
	Screening  OwnerDeleter
	Sessions   OwnerDeleter
	Crisis     CrisisRedactor
	Profile    OwnerDeleter
	Tombstones Tombstoner
	Audit      Auditor
}

// Purger fans an owner purge out to every configured store.
type Purger struct {
	deps   Deps
	logger *logging.Logger
	now    func() time.Time
}

func NewPurger(deps Deps, logger *logging.Logger) *Purger {
	if deps.Memory == nil {
		panic("erasure: memory eraser cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Purger{deps: deps, logger: logger, now: time.Now}
}

// Purge deletes the owner's data from every store. Every store is attempted;
// failures are joined. The audit record is written even on partial failure
// and lists only what was removed.
func (p *Purger) Purge(ctx context.Context, ownerID string) (Report, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, ErrOwnerRequired
	}
	ctx, span := tracer.Start(ctx, "erasure.purge")
	defer span.End()

	var (
		mu     sync.Mutex
		report = Report{}
		errs   []error
	)
	record := func(target string, fn func(context.Context, string) (int64, error)) func() error {
		return func() error {
			n, err := fn(ctx, ownerID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("erasure: %s: %w", target, err))
				return nil
			}
			report[target] = n
			return nil
		}
	}

	if p.deps.Tombstones != nil {
		if err := p.deps.Tombstones.MarkPurged(ctx, ownerID, p.now().UTC()); err != nil {
			errs = append(errs, fmt.Errorf("erasure: tombstone: %w", err))
		}
	}

	var g errgroup.Group
	g.Go(record(TargetMemory, p.deps.Memory.DeleteOwnerData))
	if p.deps.Screening != nil {
		g.Go(record(TargetScreening, p.deps.Screening.DeleteOwner))
	}
	if p.deps.Sessions != nil {
		g.Go(record(TargetSessions, p.deps.Sessions.DeleteOwner))
	}
	if p.deps.Crisis != nil {
		g.Go(record(TargetCrisis, p.deps.Crisis.RedactOwner))
	}
	if p.deps.Profile != nil {
		g.Go(record(TargetProfile, p.deps.Profile.DeleteOwner))
	}
	_ = g.Wait()

	if p.deps.Audit != nil {
		if err := p.deps.Audit.LogConsentWithdrawn(context.WithoutCancel(ctx), ownerID, report); err != nil {
			p.logger.Error("erasure: failed to audit consent withdrawal", "error", err, "owner_id", ownerID)
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
		p.logger.Error("owner purge incomplete", "owner_id", ownerID, "error", err, "removed", map[string]int64(report))
		return report, err
	}
	p.logger.Info("owner purged", "owner_id", ownerID, "removed", map[string]int64(report))
	return report, nil
}
