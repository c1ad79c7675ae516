// Package trigger is the entry point for one externally scheduled
// invocation. The coordinator composes the rotation machinery with an
// idempotency gate, weekend deferral, and carryover reconciliation so a
// retried or duplicated trigger never re-delivers notifications.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"rotabot/internal/calendar"
	"rotabot/internal/rota"
	"rotabot/internal/snapshot"
	"rotabot/internal/state"
	logx "rotabot/pkg/logx"
)

// Request is one trigger invocation. TriggerID and ScheduledAt are
// optional: a missing id is generated, a missing time defaults to now.
type Request struct {
	TriggerID   string
	ScheduledAt time.Time
	Signature   string
}

// Result is the caller-facing outcome of an invocation. Re-invoking with
// the same trigger id returns the stored outcome unchanged.
type Result struct {
	Result            rota.TriggerResult
	NotificationsSent int
	SnapshotID        int64
	NextDelivery      *time.Time
	Message           string
}

// AuditStore is the idempotency ledger. InsertPendingAudit must be an
// optimistic unique insert (see storage.Store).
type AuditStore interface {
	GetAudit(ctx context.Context, triggerID string) (rota.TriggerAudit, bool, error)
	InsertPendingAudit(ctx context.Context, a rota.TriggerAudit) (bool, error)
	FinalizeAudit(ctx context.Context, a rota.TriggerAudit) error
}

// ErrInProgress reports a live concurrent invocation of the same trigger
// id. The caller may retry once that invocation reaches a terminal state.
var ErrInProgress = errors.New("trigger already in progress")

// staleTakeover is how old a pending audit must be before a retry may
// assume its original invocation crashed and take the id over.
const staleTakeover = 5 * time.Minute

type Coordinator struct {
	snaps    *snapshot.Service
	machine  *state.Machine
	policy   *calendar.WeekdayPolicy
	audits   AuditStore
	notifier state.Notifier
	auth     *Auth
	log      logx.Logger

	now        func() time.Time // test hook
	staleAfter time.Duration
}

func NewCoordinator(snaps *snapshot.Service, machine *state.Machine, policy *calendar.WeekdayPolicy, audits AuditStore, notifier state.Notifier, auth *Auth, log logx.Logger) *Coordinator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Coordinator{
		snaps:      snaps,
		machine:    machine,
		policy:     policy,
		audits:     audits,
		notifier:   notifier,
		auth:       auth,
		log:        log,
		now:        time.Now,
		staleAfter: staleTakeover,
	}
}

// Handle runs one invocation end to end.
//
// An error return means this invocation caused no side effects: it was
// rejected up front (bad signature, ledger unreachable) or yielded to a
// live invocation of the same id (ErrInProgress). Failures past that
// point are absorbed: the audit terminates in the error state, an admin
// summary goes out, and the caller receives a Result with that state.
func (c *Coordinator) Handle(ctx context.Context, req Request) (Result, error) {
	if !c.auth.Verify(req.TriggerID, req.ScheduledAt, req.Signature) {
		c.log.Warn("rejected unsigned trigger", logx.String("trigger_id", req.TriggerID))
		return Result{}, ErrUnauthorized
	}
	if strings.TrimSpace(req.TriggerID) == "" {
		req.TriggerID = uuid.NewString()
	}
	if req.ScheduledAt.IsZero() {
		req.ScheduledAt = c.now()
	}
	log := c.log.With(logx.String("trigger_id", req.TriggerID))

	// Idempotency gate: a terminal audit short-circuits the invocation.
	if prior, ok, err := c.audits.GetAudit(ctx, req.TriggerID); err != nil {
		return Result{}, fmt.Errorf("read trigger audit: %w", err)
	} else if ok && prior.Result.Terminal() {
		log.Info("duplicate trigger short-circuited", logx.String("result", string(prior.Result)))
		return resultFromAudit(prior), nil
	}

	// Durable attempt marker before any side effect.
	inserted, err := c.audits.InsertPendingAudit(ctx, rota.TriggerAudit{
		TriggerID:   req.TriggerID,
		TriggeredAt: c.now(),
		ScheduledAt: req.ScheduledAt,
	})
	if err != nil {
		return Result{}, fmt.Errorf("insert pending audit: %w", err)
	}
	if !inserted {
		prior, ok, err := c.audits.GetAudit(ctx, req.TriggerID)
		if err != nil || !ok {
			return Result{}, fmt.Errorf("concurrent trigger %s: audit unreadable: %w", req.TriggerID, err)
		}
		if prior.Result.Terminal() {
			log.Info("concurrent duplicate trigger short-circuited", logx.String("result", string(prior.Result)))
			return resultFromAudit(prior), nil
		}
		// A pending row means either a live concurrent invocation or a
		// crashed one that never finalized. A fresh row belongs to a live
		// winner; an old one is stale and this retry takes the id over.
		if c.now().Sub(prior.TriggeredAt) < c.staleAfter {
			log.Info("concurrent trigger in progress", logx.Time("started", prior.TriggeredAt))
			return Result{}, ErrInProgress
		}
		log.Warn("taking over stale pending trigger", logx.Time("started", prior.TriggeredAt))
	}

	res, err := c.run(ctx, req, log)
	if err != nil {
		log.Error("trigger failed", logx.Err(err))
		c.finalize(ctx, req, rota.TriggerAudit{
			TriggerID: req.TriggerID,
			Result:    rota.ResultError,
			Details:   err.Error(),
		}, log)
		if sendErr := c.notifier.SendAdminSummary(ctx, "Rotation trigger "+req.TriggerID+" failed: "+err.Error()); sendErr != nil {
			log.Warn("admin error report failed", logx.Err(sendErr))
		}
		return Result{Result: rota.ResultError, Message: err.Error()}, nil
	}
	return res, nil
}

func (c *Coordinator) run(ctx context.Context, req Request, log logx.Logger) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("trigger panic: %v", r)
		}
	}()

	cs, err := c.machine.Evaluate(ctx, req.ScheduledAt)
	if err != nil {
		return Result{}, err
	}
	if cs.Kind == state.KindNoActivePeriod {
		audit := rota.TriggerAudit{TriggerID: req.TriggerID, Result: rota.ResultSkipped, Details: "no active period"}
		c.finalize(ctx, req, audit, log)
		return Result{Result: rota.ResultSkipped, Message: "no active period"}, nil
	}

	hash := snapshot.Hash(cs.New)
	latest, hasLatest, err := c.snaps.Latest(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("read latest snapshot: %w", err)
	}

	// Weekend deferral withholds messages, not state correctness: Evaluate
	// already persisted CurrentState and refreshed the group member list.
	if c.policy.ShouldDefer(req.ScheduledAt) {
		nd := c.policy.NextBusinessDay(req.ScheduledAt)
		id, err := c.snaps.Save(ctx, rota.Snapshot{
			CapturedAt:   c.now(),
			Assignment:   cs.New,
			Hash:         hash,
			Status:       rota.StatusDeferred,
			Reason:       "weekend defer",
			TriggerID:    req.TriggerID,
			NextDelivery: &nd,
		})
		if err != nil {
			return Result{}, fmt.Errorf("save deferred snapshot: %w", err)
		}
		audit := rota.TriggerAudit{
			TriggerID:  req.TriggerID,
			Result:     rota.ResultDeferred,
			Details:    "weekend defer; next delivery " + nd.Format("2006-01-02"),
			SnapshotID: id,
		}
		c.finalize(ctx, req, audit, log)
		return Result{Result: rota.ResultDeferred, SnapshotID: id, NextDelivery: &nd, Message: audit.Details}, nil
	}

	// A deferred snapshot means messages were withheld: an equal hash still
	// owes a delivery on the next business day.
	if hasLatest && latest.Hash == hash && latest.Status != rota.StatusDeferred {
		id, err := c.snaps.Save(ctx, rota.Snapshot{
			CapturedAt: c.now(),
			Assignment: cs.New,
			Hash:       hash,
			Status:     rota.StatusSkipped,
			Reason:     "rotation unchanged",
			TriggerID:  req.TriggerID,
		})
		if err != nil {
			return Result{}, fmt.Errorf("save skipped snapshot: %w", err)
		}
		audit := rota.TriggerAudit{TriggerID: req.TriggerID, Result: rota.ResultSkipped, Details: "rotation unchanged", SnapshotID: id}
		c.finalize(ctx, req, audit, log)
		return Result{Result: rota.ResultSkipped, SnapshotID: id, Message: "rotation unchanged"}, nil
	}

	// Deliver: diff against the last assignment users actually heard about,
	// not the last snapshot row. After a deferral the newest row carries the
	// current assignment already, and diffing against it would lose the
	// withheld messages.
	lastSent, hasSent, err := c.snaps.LatestDelivered(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("read delivered snapshot: %w", err)
	}
	prev := rota.Assignment{}
	if hasSent {
		prev = lastSent.Assignment
	}
	changes := snapshot.Diff(prev, cs.New)
	kind := state.KindMidCycle
	if cs.Kind == state.KindTransition || !hasSent || latest.Status == rota.StatusDeferred {
		kind = state.KindTransition
	}
	msgs := state.PlanDelivery(prev, cs.New, kind)
	sent := c.machine.Send(ctx, msgs)

	summary := fmt.Sprintf("%d assignment change(s), %d notification(s)", len(changes), sent)
	id, err := c.snaps.Save(ctx, rota.Snapshot{
		CapturedAt: c.now(),
		Assignment: cs.New,
		Hash:       hash,
		Status:     rota.StatusDelivered,
		Reason:     summary,
		TriggerID:  req.TriggerID,
	})
	if err != nil {
		return Result{}, fmt.Errorf("save delivered snapshot: %w", err)
	}

	// Carryover: what changed while delivery was deferred gets one admin
	// summary, distinct from the per-user messages above.
	if hasLatest && latest.Status == rota.StatusDeferred {
		if cdiff := snapshot.Diff(latest.Assignment, cs.New); len(cdiff) > 0 {
			if err := c.notifier.SendAdminSummary(ctx, formatCarryover(cdiff)); err != nil {
				log.Warn("carryover summary failed", logx.Err(err))
			}
		}
	}

	audit := rota.TriggerAudit{
		TriggerID:     req.TriggerID,
		Result:        rota.ResultDelivered,
		Details:       summary,
		Notifications: sent,
		SnapshotID:    id,
	}
	c.finalize(ctx, req, audit, log)
	return Result{Result: rota.ResultDelivered, NotificationsSent: sent, SnapshotID: id, Message: summary}, nil
}

func (c *Coordinator) finalize(ctx context.Context, req Request, audit rota.TriggerAudit, log logx.Logger) {
	audit.TriggeredAt = c.now()
	audit.ScheduledAt = req.ScheduledAt
	if err := c.audits.FinalizeAudit(ctx, audit); err != nil {
		log.Error("audit finalize failed", logx.Err(err), logx.String("result", string(audit.Result)))
	}
}

func resultFromAudit(a rota.TriggerAudit) Result {
	return Result{
		Result:            a.Result,
		NotificationsSent: a.Notifications,
		SnapshotID:        a.SnapshotID,
		Message:           a.Details,
	}
}

func formatCarryover(changes []snapshot.Change) string {
	var b strings.Builder
	b.WriteString("Carried-over rotation changes delivered after deferral:")
	for _, ch := range changes {
		fmt.Fprintf(&b, "\n- %s: %s -> %s", ch.Role, userLabel(ch.OldUser), userLabel(ch.NewUser))
	}
	return b.String()
}

func userLabel(id int64) string {
	if id == 0 {
		return "unassigned"
	}
	return fmt.Sprintf("%d", id)
}
