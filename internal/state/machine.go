// Package state implements the period-transition state machine: it compares
// the persisted rotation against a freshly computed one, persists the
// outcome, and plans the per-user messages a change calls for.
package state

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"rotabot/internal/calendar"
	"rotabot/internal/rota"
	"rotabot/internal/snapshot"
	logx "rotabot/pkg/logx"
)

// Notifier delivers user-facing messages. SendDirect failures are isolated
// per recipient by the caller; implementations should not panic.
type Notifier interface {
	SendDirect(ctx context.Context, userID int64, text string) error
	SendAdminSummary(ctx context.Context, text string) error
}

// GroupTopicUpdater mirrors the deduplicated on-duty user list into an
// external group/topic representation.
type GroupTopicUpdater interface {
	SetActiveMembers(ctx context.Context, userIDs []int64) error
}

// StateStore is the slice of persistence the machine needs.
type StateStore interface {
	CurrentState(ctx context.Context) (rota.CurrentState, bool, error)
	SaveCurrentState(ctx context.Context, st rota.CurrentState) error
}

type ChangeKind int

const (
	// KindNone: active period matches and the assignment is unchanged.
	KindNone ChangeKind = iota
	// KindNoActivePeriod: today is outside every period; nothing to do.
	KindNoActivePeriod
	// KindTransition: today's period differs from the persisted one.
	KindTransition
	// KindMidCycle: same period, but the assignment changed (an override
	// was approved after the last check).
	KindMidCycle
)

// ChangeSet is the outcome of one boundary check.
type ChangeSet struct {
	Kind   ChangeKind
	Period calendar.Period
	Old    rota.Assignment
	New    rota.Assignment
}

// Message is one planned direct notification. Each unique user receives at
// most one message per cycle, even when holding multiple roles.
type Message struct {
	UserID int64
	Text   string
}

type Machine struct {
	cal      *calendar.Calendar
	snaps    *snapshot.Service
	store    StateStore
	notifier Notifier
	groups   GroupTopicUpdater
	log      logx.Logger
}

func NewMachine(cal *calendar.Calendar, snaps *snapshot.Service, store StateStore, notifier Notifier, groups GroupTopicUpdater, log logx.Logger) *Machine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Machine{cal: cal, snaps: snaps, store: store, notifier: notifier, groups: groups, log: log}
}

// Evaluate runs one boundary check: it resolves today's period, recomputes
// the assignment, and persists CurrentState when it changed. The group
// member list is updated on any change; message delivery is the caller's
// decision (weekend deferral withholds messages, not state correctness).
func (m *Machine) Evaluate(ctx context.Context, now time.Time) (ChangeSet, error) {
	cur, period, err := m.snaps.CurrentAssignments(ctx, now)
	if errors.Is(err, rota.ErrNoActivePeriod) {
		m.log.Info("no active period, skipping boundary check", logx.Time("now", now))
		return ChangeSet{Kind: KindNoActivePeriod}, nil
	}
	if err != nil {
		return ChangeSet{}, err
	}

	st, ok, err := m.store.CurrentState(ctx)
	if err != nil {
		return ChangeSet{}, err
	}

	cs := ChangeSet{Period: period, New: cur}
	switch {
	case !ok || st.PeriodIndex != period.Index:
		cs.Kind = KindTransition
		cs.Old = st.Assignment
		m.log.Info("period transition",
			logx.Int("from", st.PeriodIndex),
			logx.Int("to", period.Index))
	case cur.Equal(st.Assignment):
		cs.Kind = KindNone
		cs.Old = st.Assignment
		return cs, nil
	default:
		cs.Kind = KindMidCycle
		cs.Old = st.Assignment
		m.log.Info("mid-cycle assignment change", logx.Int("period", period.Index))
	}

	if err := m.store.SaveCurrentState(ctx, rota.CurrentState{PeriodIndex: period.Index, Assignment: cur}); err != nil {
		return ChangeSet{}, fmt.Errorf("persist current state: %w", err)
	}
	m.updateGroup(ctx, cur)
	return cs, nil
}

func (m *Machine) updateGroup(ctx context.Context, a rota.Assignment) {
	if m.groups == nil {
		return
	}
	users := a.Users()
	if err := m.groups.SetActiveMembers(ctx, users); err != nil {
		m.log.Warn("group member update failed", logx.Err(err))
	}
}

// Send delivers planned messages, isolating failures per recipient.
// It returns the number of successfully handed-off messages.
func (m *Machine) Send(ctx context.Context, msgs []Message) int {
	sent := 0
	for _, msg := range msgs {
		if err := m.notifier.SendDirect(ctx, msg.UserID, msg.Text); err != nil {
			m.log.Warn("direct notification failed",
				logx.Int64("user", msg.UserID),
				logx.Err(err))
			continue
		}
		sent++
	}
	return sent
}

// EveCheck sends heads-up messages on the current period's last day: the
// outgoing assignment hears "ends tomorrow", the incoming one "starts
// tomorrow". CurrentState is not mutated.
func (m *Machine) EveCheck(ctx context.Context, now time.Time) error {
	period, ok := m.cal.FindPeriodContaining(now)
	if !ok {
		return nil
	}
	if !sameDate(now.In(m.cal.Location()), period.End) {
		return nil
	}
	next, ok := m.cal.FindPeriodAfter(period.Index)
	if !ok {
		return nil
	}

	cur, err := m.snaps.AssignmentsFor(ctx, period.Index)
	if err != nil {
		return err
	}
	upcoming, err := m.snaps.AssignmentsFor(ctx, next.Index)
	if err != nil {
		return err
	}

	msgs := planEve(cur, upcoming)
	n := m.Send(ctx, msgs)
	m.log.Info("eve-of-transition heads-up sent",
		logx.Int("period", period.Index),
		logx.Int("messages", n))
	return nil
}

func sameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// Plan builds the direct messages for one change set, deduplicated per
// user. Transitions announce on/off duty; mid-cycle changes distinguish a
// user who merely swapped roles from one who was removed or added.
func Plan(cs ChangeSet) []Message {
	switch cs.Kind {
	case KindTransition:
		return planTransition(cs.Old, cs.New)
	case KindMidCycle:
		return planMidCycle(cs.Old, cs.New)
	default:
		return nil
	}
}

// PlanDelivery plans messages for a delivery diff against an arbitrary
// previous assignment (typically the last delivered snapshot). kind selects
// the transition or mid-cycle wording.
func PlanDelivery(prev, cur rota.Assignment, kind ChangeKind) []Message {
	return Plan(ChangeSet{Kind: kind, Old: prev, New: cur})
}

func planTransition(old, cur rota.Assignment) []Message {
	oldUsers := userSet(old)
	newUsers := userSet(cur)

	var msgs []Message
	for _, u := range sortedUsers(oldUsers) {
		if _, stays := newUsers[u]; stays {
			continue
		}
		msgs = append(msgs, Message{UserID: u, Text: "Your on-duty period has ended. You're now off duty, thanks for covering!"})
	}
	for _, u := range sortedUsers(newUsers) {
		if _, was := oldUsers[u]; was {
			continue
		}
		msgs = append(msgs, Message{UserID: u, Text: "You're on duty for " + rolesOf(cur, u) + " starting today."})
	}
	return msgs
}

func planMidCycle(old, cur rota.Assignment) []Message {
	lost := map[int64][]rota.Role{}
	gained := map[int64][]rota.Role{}
	for _, ch := range snapshot.Diff(old, cur) {
		if ch.OldUser != 0 {
			lost[ch.OldUser] = append(lost[ch.OldUser], ch.Role)
		}
		if ch.NewUser != 0 {
			gained[ch.NewUser] = append(gained[ch.NewUser], ch.Role)
		}
	}

	users := map[int64]struct{}{}
	for u := range lost {
		users[u] = struct{}{}
	}
	for u := range gained {
		users[u] = struct{}{}
	}

	var msgs []Message
	for _, u := range sortedUsers(users) {
		l, g := lost[u], gained[u]
		switch {
		case len(l) > 0 && len(g) > 0:
			// Moved between roles in the same cycle: one message, not two.
			msgs = append(msgs, Message{UserID: u, Text: "Your assignment changed: you're now on " + roleList(g) + " (previously " + roleList(l) + ")."})
		case len(g) > 0:
			msgs = append(msgs, Message{UserID: u, Text: "You've been added to " + roleList(g) + " for the current period."})
		default:
			msgs = append(msgs, Message{UserID: u, Text: "You've been removed from " + roleList(l) + " for the current period."})
		}
	}
	return msgs
}

func planEve(cur, next rota.Assignment) []Message {
	curUsers := userSet(cur)
	nextUsers := userSet(next)

	var msgs []Message
	for _, u := range sortedUsers(curUsers) {
		if _, stays := nextUsers[u]; stays {
			msgs = append(msgs, Message{UserID: u, Text: "Heads up: a new period starts tomorrow and you stay on duty (" + rolesOf(next, u) + ")."})
			continue
		}
		msgs = append(msgs, Message{UserID: u, Text: "Heads up: your on-duty period ends tomorrow."})
	}
	for _, u := range sortedUsers(nextUsers) {
		if _, was := curUsers[u]; was {
			continue
		}
		msgs = append(msgs, Message{UserID: u, Text: "Heads up: you're on duty for " + rolesOf(next, u) + " starting tomorrow."})
	}
	return msgs
}

func userSet(a rota.Assignment) map[int64]struct{} {
	out := map[int64]struct{}{}
	for _, u := range a {
		if u != 0 {
			out[u] = struct{}{}
		}
	}
	return out
}

func sortedUsers(set map[int64]struct{}) []int64 {
	out := make([]int64, 0, len(set))
	for u := range set {
		out = append(out, u)
	}
	slices.Sort(out)
	return out
}

func rolesOf(a rota.Assignment, user int64) string {
	var roles []rota.Role
	for _, r := range a.Roles() {
		if a[r] == user {
			roles = append(roles, r)
		}
	}
	return roleList(roles)
}

func roleList(roles []rota.Role) string {
	cp := append([]rota.Role(nil), roles...)
	slices.Sort(cp)
	parts := make([]string, len(cp))
	for i, r := range cp {
		parts[i] = string(r)
	}
	return strings.Join(parts, ", ")
}
