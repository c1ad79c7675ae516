package snapshot

import (
	"context"
	"errors"
	"testing"
	"time"

	"rotabot/internal/calendar"
	"rotabot/internal/rota"
	"rotabot/internal/storage"
	logx "rotabot/pkg/logx"
)

type staticRosters map[rota.Role][]rota.User

func (r staticRosters) Rosters(context.Context) (map[rota.Role][]rota.User, error) {
	return r, nil
}

func testService(t *testing.T, store storage.Store) *Service {
	t.Helper()
	epoch := time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC)
	cal, err := calendar.NewCalendar(epoch, 7, time.UTC)
	if err != nil {
		t.Fatalf("NewCalendar: %v", err)
	}
	rosters := staticRosters{"po": {{ID: 1}, {ID: 2}}}
	calc := rota.NewCalculator(0, logx.Nop())
	return NewService(cal, calc, rosters, store, store, logx.Nop())
}

func TestCurrentAssignments(t *testing.T) {
	t.Parallel()
	svc := testService(t, storage.NewMemory())

	// Wednesday of period 3: roster[3 mod 2] = user 2.
	a, period, err := svc.CurrentAssignments(context.Background(), time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("CurrentAssignments: %v", err)
	}
	if period.Index != 3 {
		t.Fatalf("period = %d, want 3", period.Index)
	}
	if a["po"] != 2 {
		t.Fatalf("po = %d, want 2", a["po"])
	}
}

func TestCurrentAssignmentsNoActivePeriod(t *testing.T) {
	t.Parallel()
	svc := testService(t, storage.NewMemory())

	_, _, err := svc.CurrentAssignments(context.Background(), time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC))
	if !errors.Is(err, rota.ErrNoActivePeriod) {
		t.Fatalf("err = %v, want ErrNoActivePeriod", err)
	}
}

func TestCurrentAssignmentsAppliesOverrides(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	storage.SeedOverrides(store, rota.Override{
		PeriodIndex: 3, Role: "po", ReplacementUserID: 7, Approved: true,
	})
	svc := testService(t, store)

	a, _, err := svc.CurrentAssignments(context.Background(), time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("CurrentAssignments: %v", err)
	}
	if a["po"] != 7 {
		t.Fatalf("po = %d, want override user 7", a["po"])
	}
}

func TestSaveAndLatest(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	svc := testService(t, store)
	ctx := context.Background()

	a := rota.Assignment{"po": 2}
	id, err := svc.Save(ctx, rota.Snapshot{Assignment: a, Hash: Hash(a), Status: rota.StatusDelivered})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if id == 0 {
		t.Fatal("expected a non-zero snapshot id")
	}

	latest, ok, err := svc.Latest(ctx)
	if err != nil || !ok {
		t.Fatalf("Latest: ok=%v err=%v", ok, err)
	}
	if latest.ID != id || latest.Hash != Hash(a) {
		t.Fatalf("latest = %+v", latest)
	}

	// Snapshot rows are immutable: re-saving an existing row must fail.
	if _, err := svc.Save(ctx, latest); !errors.Is(err, storage.ErrSnapshotImmutable) {
		t.Fatalf("err = %v, want ErrSnapshotImmutable", err)
	}
}
