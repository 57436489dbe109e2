package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"focus-sync/internal/domain"
)

// Store implements ports.Store on MySQL.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// NewStore opens a MySQL connection using the provided DSN.
// Example DSN: user:pass@tcp(host:3306)/dbname?parseTime=true&multiStatements=true
func NewStore(ctx context.Context, dsn string, log *slog.Logger) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("mysql: DSN is required")
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	c, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(c); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, log: log}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Tasks

func (s *Store) GetTask(ctx context.Context, id string) (domain.Task, error) {
	const q = `
SELECT id, title, estimated_minutes, tag_ids, color, scheduled_date, completed, created_at, updated_at
FROM tasks WHERE id = ?`
	var (
		t         domain.Task
		tags      string
		scheduled sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, q, id).Scan(
		&t.ID, &t.Title, &t.EstimatedMinutes, &tags, &t.Color, &scheduled, &t.Completed, &t.CreatedAt, &t.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Task{}, err
	}
	if tags != "" {
		if err := json.Unmarshal([]byte(tags), &t.TagIDs); err != nil {
			return domain.Task{}, fmt.Errorf("task %s: decode tags: %w", id, err)
		}
	}
	if scheduled.Valid {
		t.ScheduledDate = scheduled.Time
	}
	return t, nil
}

func (s *Store) PutTask(ctx context.Context, t domain.Task) error {
	const q = `
INSERT INTO tasks
  (id, title, estimated_minutes, tag_ids, color, scheduled_date, completed, created_at, updated_at)
VALUES
  (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
  title=VALUES(title),
  estimated_minutes=VALUES(estimated_minutes),
  tag_ids=VALUES(tag_ids),
  color=VALUES(color),
  scheduled_date=VALUES(scheduled_date),
  completed=VALUES(completed),
  updated_at=VALUES(updated_at);
`
	tagsJSON, _ := json.Marshal(t.TagIDs)
	var scheduled any
	if !t.ScheduledDate.IsZero() {
		scheduled = t.ScheduledDate.UTC()
	}
	_, err := s.db.ExecContext(ctx, q,
		t.ID, t.Title, t.EstimatedMinutes, string(tagsJSON), t.Color, scheduled, t.Completed,
		t.CreatedAt.UTC(), t.UpdatedAt.UTC(),
	)
	return err
}

// Sessions

const sessionCols = `id, task_id, planned_start, planned_end, actual_start, actual_end, session_start,
  accumulated_seconds, is_active, auto_end, was_manual_continue, is_discarded,
  owned_event_id, imported_event_id, has_synced, pushed_start, pushed_end, created_at, updated_at`

const sessionOrder = ` ORDER BY planned_start, created_at, id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (domain.Session, error) {
	var s domain.Session
	var actualStart, actualEnd, sessStart, pushedStart, pushedEnd sql.NullTime
	err := r.Scan(
		&s.ID, &s.TaskID, &s.PlannedStart, &s.PlannedEnd, &actualStart, &actualEnd, &sessStart,
		&s.AccumulatedSeconds, &s.IsActive, &s.AutoEnd, &s.WasManualContinue, &s.IsDiscarded,
		&s.OwnedEventID, &s.ImportedEventID, &s.HasSyncedToCalendar, &pushedStart, &pushedEnd,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return domain.Session{}, err
	}
	s.ActualStart = timePtr(actualStart)
	s.ActualEnd = timePtr(actualEnd)
	s.SessionStart = timePtr(sessStart)
	s.PushedStart = timePtr(pushedStart)
	s.PushedEnd = timePtr(pushedEnd)
	return s, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (domain.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Session{}, fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	return sess, err
}

func (s *Store) PutSession(ctx context.Context, sess domain.Session) error {
	if err := sess.Validate(); err != nil {
		return err
	}
	const q = `
INSERT INTO sessions
  (` + sessionCols + `)
VALUES
  (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
  task_id=VALUES(task_id),
  planned_start=VALUES(planned_start),
  planned_end=VALUES(planned_end),
  actual_start=VALUES(actual_start),
  actual_end=VALUES(actual_end),
  session_start=VALUES(session_start),
  accumulated_seconds=VALUES(accumulated_seconds),
  is_active=VALUES(is_active),
  auto_end=VALUES(auto_end),
  was_manual_continue=VALUES(was_manual_continue),
  is_discarded=VALUES(is_discarded),
  owned_event_id=VALUES(owned_event_id),
  imported_event_id=VALUES(imported_event_id),
  has_synced=VALUES(has_synced),
  pushed_start=VALUES(pushed_start),
  pushed_end=VALUES(pushed_end),
  updated_at=VALUES(updated_at);
`
	_, err := s.db.ExecContext(ctx, q,
		sess.ID, sess.TaskID, sess.PlannedStart.UTC(), sess.PlannedEnd.UTC(),
		nullTime(sess.ActualStart), nullTime(sess.ActualEnd), nullTime(sess.SessionStart),
		sess.AccumulatedSeconds, sess.IsActive, sess.AutoEnd, sess.WasManualContinue, sess.IsDiscarded,
		sess.OwnedEventID, sess.ImportedEventID, sess.HasSyncedToCalendar,
		nullTime(sess.PushedStart), nullTime(sess.PushedEnd),
		sess.CreatedAt.UTC(), sess.UpdatedAt.UTC(),
	)
	return err
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	return err
}

func (s *Store) ListSessionsByTask(ctx context.Context, taskID string) ([]domain.Session, error) {
	return s.querySessions(ctx, `WHERE task_id = ?`, taskID)
}

func (s *Store) ListSessionsPlannedBetween(ctx context.Context, r domain.TimeRange) ([]domain.Session, error) {
	return s.querySessions(ctx, `WHERE planned_start >= ? AND planned_start < ?`, r.From.UTC(), r.To.UTC())
}

func (s *Store) ListActiveSessions(ctx context.Context) ([]domain.Session, error) {
	return s.querySessions(ctx, `WHERE is_active = TRUE`)
}

func (s *Store) FindSessionByEventID(ctx context.Context, eventID string) (domain.Session, error) {
	if eventID == "" {
		return domain.Session{}, fmt.Errorf("session for empty event id: %w", domain.ErrNotFound)
	}
	out, err := s.querySessions(ctx, `WHERE owned_event_id = ? OR imported_event_id = ?`, eventID, eventID)
	if err != nil {
		return domain.Session{}, err
	}
	if len(out) == 0 {
		return domain.Session{}, fmt.Errorf("session for event %s: %w", eventID, domain.ErrNotFound)
	}
	return out[0], nil
}

func (s *Store) querySessions(ctx context.Context, where string, args ...any) ([]domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionCols+` FROM sessions `+where+sessionOrder, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Operations

const opCols = `seq, id, kind, task_id, session_id, event_id, payload, retries, last_error, created_at`

func scanOperation(r rowScanner) (domain.SyncOperation, error) {
	var (
		op      domain.SyncOperation
		payload string
	)
	if err := r.Scan(&op.Seq, &op.ID, &op.Kind, &op.TaskID, &op.SessionID, &op.EventID, &payload, &op.Retries, &op.LastError, &op.CreatedAt); err != nil {
		return domain.SyncOperation{}, err
	}
	if err := json.Unmarshal([]byte(payload), &op.Payload); err != nil {
		return domain.SyncOperation{}, fmt.Errorf("operation %s: decode payload: %w", op.ID, err)
	}
	return op, nil
}

func (s *Store) AppendOperation(ctx context.Context, op domain.SyncOperation) (domain.SyncOperation, error) {
	payload, err := json.Marshal(op.Payload)
	if err != nil {
		return domain.SyncOperation{}, err
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO sync_operations (id, kind, task_id, session_id, event_id, payload, retries, last_error, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, string(op.Kind), op.TaskID, op.SessionID, op.EventID, string(payload), op.Retries, op.LastError, op.CreatedAt.UTC(),
	)
	if err != nil {
		return domain.SyncOperation{}, err
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return domain.SyncOperation{}, err
	}
	op.Seq = seq
	return op, nil
}

func (s *Store) GetOperation(ctx context.Context, id string) (domain.SyncOperation, error) {
	op, err := scanOperation(s.db.QueryRowContext(ctx, `SELECT `+opCols+` FROM sync_operations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SyncOperation{}, fmt.Errorf("operation %s: %w", id, domain.ErrNotFound)
	}
	return op, err
}

func (s *Store) PutOperation(ctx context.Context, op domain.SyncOperation) error {
	payload, err := json.Marshal(op.Payload)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE sync_operations
SET kind = ?, task_id = ?, session_id = ?, event_id = ?, payload = ?, retries = ?, last_error = ?
WHERE id = ?`,
		string(op.Kind), op.TaskID, op.SessionID, op.EventID, string(payload), op.Retries, op.LastError, op.ID,
	)
	if err != nil {
		return err
	}
	// RowsAffected is 0 for an unchanged row too, so confirm existence.
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetOperation(ctx, op.ID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) DeleteOperation(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sync_operations WHERE id = ?`, id)
	return err
}

func (s *Store) ListOperations(ctx context.Context) ([]domain.SyncOperation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+opCols+` FROM sync_operations ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.SyncOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

// Cursor

func (s *Store) GetCursor(ctx context.Context) (domain.SyncCursor, error) {
	var (
		c        domain.SyncCursor
		lastFull sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `SELECT token, last_full_sync, updated_at FROM sync_cursor WHERE id = 1`).
		Scan(&c.Token, &lastFull, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SyncCursor{}, fmt.Errorf("sync cursor: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.SyncCursor{}, err
	}
	if lastFull.Valid {
		c.LastFullSync = lastFull.Time
	}
	return c, nil
}

func (s *Store) PutCursor(ctx context.Context, c domain.SyncCursor) error {
	var lastFull any
	if !c.LastFullSync.IsZero() {
		lastFull = c.LastFullSync.UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sync_cursor (id, token, last_full_sync, updated_at)
VALUES (1, ?, ?, ?)
ON DUPLICATE KEY UPDATE
  token=VALUES(token),
  last_full_sync=COALESCE(VALUES(last_full_sync), last_full_sync),
  updated_at=VALUES(updated_at);`,
		c.Token, lastFull, c.UpdatedAt.UTC(),
	)
	if err == nil {
		s.log.Debug("sync cursor stored", slog.Bool("full", lastFull != nil))
	}
	return err
}

func (s *Store) ClearCursor(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sync_cursor WHERE id = 1`)
	return err
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time.UTC()
	return &t
}
