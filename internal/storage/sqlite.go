package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"rotabot/internal/rota"
	logx "rotabot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) CurrentState(ctx context.Context) (rota.CurrentState, bool, error) {
	var (
		idx int
		raw string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT period_idx, assignment FROM current_state WHERE id = 1`).Scan(&idx, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return rota.CurrentState{}, false, nil
	}
	if err != nil {
		return rota.CurrentState{}, false, err
	}
	a, err := decodeAssignment(raw)
	if err != nil {
		return rota.CurrentState{}, false, err
	}
	return rota.CurrentState{PeriodIndex: idx, Assignment: a}, true, nil
}

func (s *sqliteStore) SaveCurrentState(ctx context.Context, st rota.CurrentState) error {
	raw, err := encodeAssignment(st.Assignment)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO current_state(id, period_idx, assignment, updated_at) VALUES(1,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   period_idx = excluded.period_idx,
		   assignment = excluded.assignment,
		   updated_at = excluded.updated_at`,
		st.PeriodIndex, raw, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

func (s *sqliteStore) AppendSnapshot(ctx context.Context, snap rota.Snapshot) (int64, error) {
	if snap.ID != 0 {
		return 0, ErrSnapshotImmutable
	}
	raw, err := encodeAssignment(snap.Assignment)
	if err != nil {
		return 0, err
	}
	if snap.CapturedAt.IsZero() {
		snap.CapturedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots(captured_at, assignment, hash, status, reason, trigger_id, next_delivery)
		 VALUES(?,?,?,?,?,?,?)`,
		snap.CapturedAt.UTC().Format(time.RFC3339Nano), raw, snap.Hash, string(snap.Status),
		nullStr(snap.Reason), nullStr(snap.TriggerID), nullTime(snap.NextDelivery))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) LatestSnapshot(ctx context.Context) (rota.Snapshot, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, captured_at, assignment, hash, status, reason, trigger_id, next_delivery
		 FROM snapshots ORDER BY id DESC LIMIT 1`)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rota.Snapshot{}, false, nil
	}
	if err != nil {
		return rota.Snapshot{}, false, err
	}
	return snap, true, nil
}

func (s *sqliteStore) LatestDeliveredSnapshot(ctx context.Context) (rota.Snapshot, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, captured_at, assignment, hash, status, reason, trigger_id, next_delivery
		 FROM snapshots WHERE status = ? ORDER BY id DESC LIMIT 1`, string(rota.StatusDelivered))
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rota.Snapshot{}, false, nil
	}
	if err != nil {
		return rota.Snapshot{}, false, err
	}
	return snap, true, nil
}

func (s *sqliteStore) InsertPendingAudit(ctx context.Context, a rota.TriggerAudit) (bool, error) {
	if a.TriggeredAt.IsZero() {
		a.TriggeredAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO trigger_audit(trigger_id, triggered_at, scheduled_at, result, details)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(trigger_id) DO NOTHING`,
		a.TriggerID, a.TriggeredAt.UTC().Format(time.RFC3339Nano),
		a.ScheduledAt.UTC().Format(time.RFC3339Nano), string(rota.ResultPending), nullStr(a.Details))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) FinalizeAudit(ctx context.Context, a rota.TriggerAudit) error {
	if !a.Result.Terminal() {
		return fmt.Errorf("finalize audit %s: %q is not a terminal result", a.TriggerID, a.Result)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE trigger_audit
		 SET result = ?, details = ?, notifications = ?, snapshot_id = ?
		 WHERE trigger_id = ? AND result = ?`,
		string(a.Result), nullStr(a.Details), a.Notifications, a.SnapshotID,
		a.TriggerID, string(rota.ResultPending))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("finalize audit %s: no pending row", a.TriggerID)
	}
	return nil
}

func (s *sqliteStore) GetAudit(ctx context.Context, triggerID string) (rota.TriggerAudit, bool, error) {
	var (
		a          rota.TriggerAudit
		trig, schd string
		result     string
		details    sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT trigger_id, triggered_at, scheduled_at, result, details, notifications, snapshot_id
		 FROM trigger_audit WHERE trigger_id = ?`, triggerID).
		Scan(&a.TriggerID, &trig, &schd, &result, &details, &a.Notifications, &a.SnapshotID)
	if errors.Is(err, sql.ErrNoRows) {
		return rota.TriggerAudit{}, false, nil
	}
	if err != nil {
		return rota.TriggerAudit{}, false, err
	}
	a.Result = rota.TriggerResult(result)
	a.Details = details.String
	a.TriggeredAt, _ = time.Parse(time.RFC3339Nano, trig)
	a.ScheduledAt, _ = time.Parse(time.RFC3339Nano, schd)
	return a, true, nil
}

func (s *sqliteStore) RecentAudits(ctx context.Context, limit int) ([]rota.TriggerAudit, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT trigger_id, triggered_at, scheduled_at, result, details, notifications, snapshot_id
		 FROM trigger_audit ORDER BY triggered_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []rota.TriggerAudit
	for rows.Next() {
		var (
			a          rota.TriggerAudit
			trig, schd string
			result     string
			details    sql.NullString
		)
		if err := rows.Scan(&a.TriggerID, &trig, &schd, &result, &details, &a.Notifications, &a.SnapshotID); err != nil {
			return nil, err
		}
		a.Result = rota.TriggerResult(result)
		a.Details = details.String
		a.TriggeredAt, _ = time.Parse(time.RFC3339Nano, trig)
		a.ScheduledAt, _ = time.Parse(time.RFC3339Nano, schd)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ApprovedOverrides(ctx context.Context, periodIndex int) ([]rota.Override, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT period_idx, role, replacement, requested_by, approved_by, approved_at
		 FROM overrides WHERE period_idx = ? AND approved = 1`, periodIndex)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []rota.Override
	for rows.Next() {
		var (
			o          rota.Override
			role       string
			approvedBy sql.NullInt64
			approvedAt sql.NullString
		)
		if err := rows.Scan(&o.PeriodIndex, &role, &o.ReplacementUserID, &o.RequestedBy, &approvedBy, &approvedAt); err != nil {
			return nil, err
		}
		o.Role = rota.Role(role)
		o.Approved = true
		o.ApprovedBy = approvedBy.Int64
		if approvedAt.Valid {
			o.ApprovedAt, _ = time.Parse(time.RFC3339Nano, approvedAt.String)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (rota.Snapshot, error) {
	var (
		snap         rota.Snapshot
		captured     string
		raw          string
		status       string
		reason       sql.NullString
		triggerID    sql.NullString
		nextDelivery sql.NullString
	)
	if err := row.Scan(&snap.ID, &captured, &raw, &snap.Hash, &status, &reason, &triggerID, &nextDelivery); err != nil {
		return rota.Snapshot{}, err
	}
	snap.Status = rota.DeliveryStatus(status)
	snap.Reason = reason.String
	snap.TriggerID = triggerID.String
	snap.CapturedAt, _ = time.Parse(time.RFC3339Nano, captured)
	if nextDelivery.Valid {
		if t, err := time.Parse(time.RFC3339Nano, nextDelivery.String); err == nil {
			snap.NextDelivery = &t
		}
	}
	a, err := decodeAssignment(raw)
	if err != nil {
		return rota.Snapshot{}, err
	}
	snap.Assignment = a
	return snap, nil
}

func encodeAssignment(a rota.Assignment) (string, error) {
	if a == nil {
		a = rota.Assignment{}
	}
	b, err := json.Marshal(a)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeAssignment(raw string) (rota.Assignment, error) {
	a := rota.Assignment{}
	if strings.TrimSpace(raw) == "" {
		return a, nil
	}
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return nil, err
	}
	return a, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}
