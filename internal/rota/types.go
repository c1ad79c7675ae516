package rota

import (
	"context"
	"errors"
	"slices"
	"time"
)

// ErrNoActivePeriod signals that "today" falls outside every configured
// period. It is an expected condition, not a failure: callers skip the
// cycle and log.
var ErrNoActivePeriod = errors.New("no active period")

// Role identifies one rotation slot (e.g. "producer", "po").
type Role string

// User is a roster member.
type User struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Assignment maps roles to the user currently holding them.
// A zero user id means the role is unfilled.
type Assignment map[Role]int64

func (a Assignment) Clone() Assignment {
	if a == nil {
		return nil
	}
	cp := make(Assignment, len(a))
	for r, u := range a {
		cp[r] = u
	}
	return cp
}

func (a Assignment) Equal(b Assignment) bool {
	if len(a) != len(b) {
		return false
	}
	for r, u := range a {
		if b[r] != u {
			return false
		}
	}
	return true
}

// Users returns the distinct non-zero user ids in the assignment, sorted.
func (a Assignment) Users() []int64 {
	seen := make(map[int64]struct{}, len(a))
	out := make([]int64, 0, len(a))
	for _, u := range a {
		if u == 0 {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	slices.Sort(out)
	return out
}

// Roles returns the assignment's role keys, sorted.
func (a Assignment) Roles() []Role {
	out := make([]Role, 0, len(a))
	for r := range a {
		out = append(out, r)
	}
	slices.Sort(out)
	return out
}

// Override is an approved substitution for one (period, role) pair.
// Only approved overrides affect computation.
type Override struct {
	PeriodIndex       int
	Role              Role
	ReplacementUserID int64
	RequestedBy       int64
	Approved          bool
	ApprovedBy        int64
	ApprovedAt        time.Time
}

// CurrentState is the persisted rotation singleton: which period is
// active and who holds which role. It is read at the start of every
// invocation and never retained across invocations.
type CurrentState struct {
	PeriodIndex int
	Assignment  Assignment
}

type DeliveryStatus string

const (
	StatusDelivered DeliveryStatus = "delivered"
	StatusSkipped   DeliveryStatus = "skipped"
	StatusDeferred  DeliveryStatus = "deferred"
)

// Snapshot is an immutable, hashed capture of a full assignment set.
// Rows are append-only; once written they are never mutated.
type Snapshot struct {
	ID           int64
	CapturedAt   time.Time
	Assignment   Assignment
	Hash         string
	Status       DeliveryStatus
	Reason       string
	TriggerID    string
	NextDelivery *time.Time
}

type TriggerResult string

const (
	ResultPending   TriggerResult = "pending"
	ResultDelivered TriggerResult = "delivered"
	ResultSkipped   TriggerResult = "skipped"
	ResultDeferred  TriggerResult = "deferred"
	ResultError     TriggerResult = "error"
)

// Terminal reports whether the result is final. A trigger audit moves from
// pending to exactly one terminal result and never changes afterwards.
func (r TriggerResult) Terminal() bool {
	switch r {
	case ResultDelivered, ResultSkipped, ResultDeferred, ResultError:
		return true
	}
	return false
}

// TriggerAudit is the idempotency ledger row for one external invocation.
type TriggerAudit struct {
	TriggerID     string
	TriggeredAt   time.Time
	ScheduledAt   time.Time
	Result        TriggerResult
	Details       string
	Notifications int
	SnapshotID    int64
}

// RosterSource provides read-only roster data. Rosters are owned and
// mutated by an external admin surface; the core only reads them.
type RosterSource interface {
	Rosters(ctx context.Context) (map[Role][]User, error)
}

// OverrideSource provides the approved overrides for one period.
type OverrideSource interface {
	ApprovedOverrides(ctx context.Context, periodIndex int) ([]Override, error)
}
