package storage

import (
	"context"
	"errors"
	"time"

	"rotabot/internal/rota"
)

// ErrSnapshotImmutable is returned by implementations asked to mutate an
// existing snapshot row. Snapshots are append-only by contract.
var ErrSnapshotImmutable = errors.New("snapshots are append-only")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (the production backend)
//   - "memory": in-process store (tests, restricted environments)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API used by the rotation core.
//
// Idempotency contract: InsertPendingAudit must be an optimistic unique
// insert on trigger id. When two invocations race, exactly one observes
// inserted=true; the loser re-reads the audit and short-circuits.
type Store interface {
	rota.OverrideSource

	// CurrentState reads the persisted rotation singleton.
	CurrentState(ctx context.Context) (rota.CurrentState, bool, error)
	SaveCurrentState(ctx context.Context, st rota.CurrentState) error

	// AppendSnapshot writes one immutable snapshot row and returns its id.
	AppendSnapshot(ctx context.Context, snap rota.Snapshot) (int64, error)
	LatestSnapshot(ctx context.Context) (rota.Snapshot, bool, error)
	// LatestDeliveredSnapshot returns the newest snapshot that reached
	// users. Deferred and skipped rows do not move this baseline.
	LatestDeliveredSnapshot(ctx context.Context) (rota.Snapshot, bool, error)

	// InsertPendingAudit records the attempt marker before any side effect.
	InsertPendingAudit(ctx context.Context, a rota.TriggerAudit) (inserted bool, err error)
	// FinalizeAudit moves a pending audit to exactly one terminal result.
	FinalizeAudit(ctx context.Context, a rota.TriggerAudit) error
	GetAudit(ctx context.Context, triggerID string) (rota.TriggerAudit, bool, error)
	RecentAudits(ctx context.Context, limit int) ([]rota.TriggerAudit, error)

	Close() error
}
