package rota

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "rotabot/pkg/logx"
)

func testRosters() map[Role][]User {
	return map[Role][]User{
		"po":       {{ID: 1, Name: "A"}, {ID: 2, Name: "B"}},
		"producer": {{ID: 3, Name: "C"}, {ID: 4, Name: "D"}, {ID: 5, Name: "E"}},
	}
}

func TestComputeRotatesByModulo(t *testing.T) {
	t.Parallel()
	c := NewCalculator(0, logx.Nop())

	tests := []struct {
		period int
		po     int64
		prod   int64
	}{
		{period: 0, po: 1, prod: 3},
		{period: 1, po: 2, prod: 4},
		{period: 2, po: 1, prod: 5},
		{period: 3, po: 2, prod: 3},
	}
	for _, tt := range tests {
		got := c.Compute(tt.period, testRosters(), nil)
		if got["po"] != tt.po {
			t.Fatalf("period %d: po = %d, want %d", tt.period, got["po"], tt.po)
		}
		if got["producer"] != tt.prod {
			t.Fatalf("period %d: producer = %d, want %d", tt.period, got["producer"], tt.prod)
		}
	}
}

func TestComputeIsDeterministic(t *testing.T) {
	t.Parallel()
	c := NewCalculator(0, logx.Nop())
	first := c.Compute(7, testRosters(), nil)
	for i := 0; i < 10; i++ {
		if got := c.Compute(7, testRosters(), nil); !got.Equal(first) {
			t.Fatalf("iteration %d differs: %v vs %v", i, got, first)
		}
	}
}

func TestApprovedOverrideWins(t *testing.T) {
	t.Parallel()
	c := NewCalculator(0, logx.Nop())
	overrides := []Override{
		{PeriodIndex: 3, Role: "po", ReplacementUserID: 9, Approved: true},
		// Wrong period and unapproved requests must not affect the result.
		{PeriodIndex: 2, Role: "producer", ReplacementUserID: 8, Approved: true},
		{PeriodIndex: 3, Role: "producer", ReplacementUserID: 7, Approved: false},
	}

	got := c.Compute(3, testRosters(), overrides)
	if got["po"] != 9 {
		t.Fatalf("po = %d, want override user 9", got["po"])
	}
	if got["producer"] != 3 {
		t.Fatalf("producer = %d, want rotation user 3", got["producer"])
	}
}

func TestMostRecentlyApprovedOverrideWins(t *testing.T) {
	t.Parallel()
	c := NewCalculator(0, logx.Nop())
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	overrides := []Override{
		{PeriodIndex: 3, Role: "po", ReplacementUserID: 10, Approved: true, ApprovedAt: base},
		{PeriodIndex: 3, Role: "po", ReplacementUserID: 11, Approved: true, ApprovedAt: base.Add(time.Hour)},
	}

	got := c.Compute(3, testRosters(), overrides)
	if got["po"] != 11 {
		t.Fatalf("po = %d, want most recently approved user 11", got["po"])
	}
}

func TestDuplicateOverrideWarningNamesWinner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calc.log")
	svc, log := logx.New(logx.Config{
		Level: "warn",
		File:  logx.FileConfig{Enabled: true, Path: path},
	})

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	overrides := []Override{
		{PeriodIndex: 3, Role: "po", ReplacementUserID: 8, Approved: true, ApprovedAt: base},
		{PeriodIndex: 3, Role: "po", ReplacementUserID: 9, Approved: true, ApprovedAt: base.Add(time.Hour)},
	}
	NewCalculator(0, log).Compute(3, testRosters(), overrides)
	if err := svc.Close(); err != nil {
		t.Fatalf("close log service: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(b)
	if !strings.Contains(out, `"kept":9`) || !strings.Contains(out, `"dropped":8`) {
		t.Fatalf("warning should name the later-approved override as kept, got %q", out)
	}
}

func TestEmptyRosterUsesFallback(t *testing.T) {
	t.Parallel()
	rosters := map[Role][]User{"po": nil}

	c := NewCalculator(42, logx.Nop())
	if got := c.Compute(0, rosters, nil); got["po"] != 42 {
		t.Fatalf("po = %d, want fallback 42", got["po"])
	}

	// Without a fallback the role stays unfilled.
	c = NewCalculator(0, logx.Nop())
	if got := c.Compute(0, rosters, nil); got["po"] != 0 {
		t.Fatalf("po = %d, want unfilled", got["po"])
	}
}

func TestDuplicateUserAcrossRolesAllowed(t *testing.T) {
	t.Parallel()
	rosters := map[Role][]User{
		"po":       {{ID: 1}},
		"producer": {{ID: 1}},
	}
	c := NewCalculator(0, logx.Nop())
	got := c.Compute(5, rosters, nil)
	if got["po"] != 1 || got["producer"] != 1 {
		t.Fatalf("expected user 1 in both roles, got %v", got)
	}
}

func TestOverrideForUnrosteredRole(t *testing.T) {
	t.Parallel()
	c := NewCalculator(0, logx.Nop())
	overrides := []Override{{PeriodIndex: 1, Role: "scribe", ReplacementUserID: 6, Approved: true}}
	got := c.Compute(1, testRosters(), overrides)
	if got["scribe"] != 6 {
		t.Fatalf("scribe = %d, want 6", got["scribe"])
	}
}

func TestAssignmentUsersDedup(t *testing.T) {
	t.Parallel()
	a := Assignment{"po": 1, "producer": 1, "scribe": 2, "empty": 0}
	users := a.Users()
	if len(users) != 2 || users[0] != 1 || users[1] != 2 {
		t.Fatalf("Users() = %v, want [1 2]", users)
	}
}
