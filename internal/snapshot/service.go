// Package snapshot captures hashed assignment snapshots and diffs them to
// decide whether a delivery cycle actually has anything to say.
package snapshot

import (
	"context"
	"time"

	"rotabot/internal/calendar"
	"rotabot/internal/rota"
	logx "rotabot/pkg/logx"
)

// SnapshotStore is the slice of persistence the service needs.
type SnapshotStore interface {
	AppendSnapshot(ctx context.Context, snap rota.Snapshot) (int64, error)
	LatestSnapshot(ctx context.Context) (rota.Snapshot, bool, error)
	LatestDeliveredSnapshot(ctx context.Context) (rota.Snapshot, bool, error)
}

type Service struct {
	cal       *calendar.Calendar
	calc      *rota.Calculator
	rosters   rota.RosterSource
	overrides rota.OverrideSource
	store     SnapshotStore
	log       logx.Logger
}

func NewService(cal *calendar.Calendar, calc *rota.Calculator, rosters rota.RosterSource, overrides rota.OverrideSource, store SnapshotStore, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cal: cal, calc: calc, rosters: rosters, overrides: overrides, store: store, log: log}
}

// CurrentAssignments resolves the period containing now and computes its
// assignment. When now falls outside every period it fails with
// rota.ErrNoActivePeriod rather than a general error, so callers can treat
// the condition as a quiet skip.
func (s *Service) CurrentAssignments(ctx context.Context, now time.Time) (rota.Assignment, calendar.Period, error) {
	period, ok := s.cal.FindPeriodContaining(now)
	if !ok {
		return nil, calendar.Period{}, rota.ErrNoActivePeriod
	}
	a, err := s.computeFor(ctx, period.Index)
	if err != nil {
		return nil, calendar.Period{}, err
	}
	return a, period, nil
}

// AssignmentsFor computes the assignment for an explicit period index.
func (s *Service) AssignmentsFor(ctx context.Context, periodIndex int) (rota.Assignment, error) {
	return s.computeFor(ctx, periodIndex)
}

func (s *Service) computeFor(ctx context.Context, periodIndex int) (rota.Assignment, error) {
	rosters, err := s.rosters.Rosters(ctx)
	if err != nil {
		return nil, err
	}
	overrides, err := s.overrides.ApprovedOverrides(ctx, periodIndex)
	if err != nil {
		return nil, err
	}
	return s.calc.Compute(periodIndex, rosters, overrides), nil
}

// Save appends one immutable snapshot row and returns its id.
func (s *Service) Save(ctx context.Context, snap rota.Snapshot) (int64, error) {
	id, err := s.store.AppendSnapshot(ctx, snap)
	if err != nil {
		return 0, err
	}
	s.log.Debug("snapshot saved",
		logx.Int64("id", id),
		logx.String("status", string(snap.Status)),
		logx.String("hash", snap.Hash))
	return id, nil
}

// Latest returns the most recent snapshot, if any.
func (s *Service) Latest(ctx context.Context) (rota.Snapshot, bool, error) {
	return s.store.LatestSnapshot(ctx)
}

// LatestDelivered returns the most recent snapshot whose notifications
// actually went out. It is the diff baseline for a new delivery; deferred
// and skipped snapshots do not advance it.
func (s *Service) LatestDelivered(ctx context.Context) (rota.Snapshot, bool, error) {
	return s.store.LatestDeliveredSnapshot(ctx)
}
