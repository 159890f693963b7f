package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/seantiz/voxgate/internal/model"

	_ "modernc.org/sqlite"
)

// Timestamps are stored as unix milliseconds so range deletes and ordering
// compare integers.
const createTaskHistoryTable = `
CREATE TABLE IF NOT EXISTS task_history (
    id           TEXT PRIMARY KEY,
    action       TEXT NOT NULL,
    status       TEXT NOT NULL,
    payload      TEXT,
    result       TEXT,
    error        TEXT,
    duration_ms  INTEGER,
    created_at   INTEGER NOT NULL,
    completed_at INTEGER,
    updated_at   INTEGER NOT NULL
)`

const createTaskHistoryIndex = `
CREATE INDEX IF NOT EXISTS idx_task_history_created_at ON task_history (created_at)`

// Compile-time interface satisfaction check.
var _ History = (*SQLiteStore)(nil)

// SQLiteStore implements History using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every pooled connection to :memory: would get its own empty database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createTaskHistoryTable, createTaskHistoryIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate task_history: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// UpsertTask records the latest known state of a task. Updates only apply
// while the stored row is still pending, so a pending snapshot that arrives
// after the terminal one cannot regress the row.
func (s *SQLiteStore) UpsertTask(ctx context.Context, t *model.Task) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_history (
			id, action, status, payload, result, error,
			duration_ms, created_at, completed_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status       = excluded.status,
			result       = excluded.result,
			error        = excluded.error,
			duration_ms  = excluded.duration_ms,
			completed_at = excluded.completed_at,
			updated_at   = excluded.updated_at
		WHERE task_history.status = ?`,
		t.ID, t.Action, t.Status, nullJSON(t.Payload), nullJSON(t.Result), nullString(t.Error),
		t.DurationMS, t.CreatedAt.UnixMilli(), nullMillis(t.CompletedAt), time.Now().UnixMilli(),
		model.StatusPending,
	)
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}
	return nil
}

const selectTaskColumns = `SELECT id, action, status, payload, result, error,
	duration_ms, created_at, completed_at FROM task_history`

// GetTask retrieves a task by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, selectTaskColumns+" WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasks returns a page of tasks ordered by created_at DESC, along with
// the total count of tasks matching the filter.
func (s *SQLiteStore) ListTasks(ctx context.Context, f ListFilter) ([]*model.Task, int, error) {
	var (
		conds []string
		args  []any
	)
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if f.Action != "" {
		conds = append(conds, "action = ?")
		args = append(args, f.Action)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM task_history"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		selectTaskColumns+where+" ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?",
		append(args, limit, f.Offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate tasks: %w", err)
	}

	return tasks, total, nil
}

// GetStats returns aggregate counts and the mean duration of finished tasks.
func (s *SQLiteStore) GetStats(ctx context.Context) (*HistoryStats, error) {
	st := &HistoryStats{
		CountByStatus: make(map[string]int),
		CountByAction: make(map[string]int),
	}

	if err := s.countBy(ctx, "status", st.CountByStatus); err != nil {
		return nil, err
	}
	if err := s.countBy(ctx, "action", st.CountByAction); err != nil {
		return nil, err
	}
	for _, n := range st.CountByStatus {
		st.Total += n
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx,
		"SELECT AVG(duration_ms) FROM task_history WHERE duration_ms IS NOT NULL",
	).Scan(&avg); err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	if avg.Valid {
		st.AvgDurationMS = avg.Float64
	}
	return st, nil
}

// countBy fills dst with row counts grouped by column, which must be a
// trusted column name.
func (s *SQLiteStore) countBy(ctx context.Context, column string, dst map[string]int) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+column+", COUNT(*) FROM task_history GROUP BY "+column)
	if err != nil {
		return fmt.Errorf("count by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key string
			n   int
		)
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan %s count: %w", column, err)
		}
		dst[key] = n
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate %s counts: %w", column, err)
	}
	return nil
}

// Prune deletes tasks created before the cutoff.
func (s *SQLiteStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM task_history WHERE created_at < ?", before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune tasks: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*model.Task, error) {
	var (
		t               model.Task
		payload, result sql.NullString
		errMsg          sql.NullString
		duration        sql.NullInt64
		createdAt       int64
		completedAt     sql.NullInt64
	)
	if err := row.Scan(
		&t.ID, &t.Action, &t.Status, &payload, &result, &errMsg,
		&duration, &createdAt, &completedAt,
	); err != nil {
		return nil, err
	}

	if payload.Valid {
		t.Payload = json.RawMessage(payload.String)
	}
	if result.Valid {
		t.Result = json.RawMessage(result.String)
	}
	t.Error = errMsg.String
	if duration.Valid {
		d := duration.Int64
		t.DurationMS = &d
	}
	t.CreatedAt = time.UnixMilli(createdAt).UTC()
	if completedAt.Valid {
		ts := time.UnixMilli(completedAt.Int64).UTC()
		t.CompletedAt = &ts
	}
	return &t, nil
}

func nullJSON(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}
