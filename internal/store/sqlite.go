package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

var errClosed = errors.New("database store is closed")

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db      *sql.DB
	closed  atomic.Bool
	writeMu sync.Mutex
}

// NewSQLiteStore opens the database at dbPath and creates the schema
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	// A single connection serializes writers and keeps WAL readers consistent
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(10 * time.Minute)

	store := &SQLiteStore{db: db}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to create tables")
	}

	return store, nil
}

func (s *SQLiteStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		params BLOB,
		state TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		parent_id TEXT,
		retry_of TEXT,
		abortable INTEGER NOT NULL DEFAULT 0,
		retryable INTEGER NOT NULL DEFAULT 0,
		error_message TEXT,
		completed_groups INTEGER NOT NULL DEFAULT 0,
		total_groups INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		completed_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state);
	CREATE INDEX IF NOT EXISTS idx_tasks_type_resource ON tasks(type, resource_id);

	CREATE TABLE IF NOT EXISTS backups (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		state TEXT NOT NULL,
		total_size INTEGER NOT NULL DEFAULT 0,
		sub_sizes TEXT,
		location TEXT,
		storage_config TEXT,
		created_at INTEGER NOT NULL,
		completed_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_backups_task ON backups(task_id);

	CREATE TABLE IF NOT EXISTS resources (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 0,
		paused INTEGER NOT NULL DEFAULT 0,
		take_backups INTEGER NOT NULL DEFAULT 1,
		update_in_progress INTEGER NOT NULL DEFAULT 0,
		update_held_by TEXT NOT NULL DEFAULT '',
		backup_in_progress INTEGER NOT NULL DEFAULT 0,
		backup_held_by TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS schedules (
		id TEXT PRIMARY KEY,
		task_type TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		params BLOB,
		cron_expr TEXT,
		frequency_ms INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS schedule_tasks (
		schedule_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (schedule_id, task_id)
	);

	CREATE INDEX IF NOT EXISTS idx_schedule_tasks_created ON schedule_tasks(schedule_id, created_at);
	`

	_, err := s.db.Exec(query)
	return err
}

// exec runs a write statement under the write mutex with busy retries
func (s *SQLiteStore) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	if s.closed.Load() {
		return nil, errClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var result sql.Result
	err := s.retryOnBusy(ctx, func() error {
		var err error
		result, err = s.db.ExecContext(ctx, query, args...)
		return err
	})
	return result, err
}

// retryOnBusy retries the operation if SQLite is busy
func (s *SQLiteStore) retryOnBusy(ctx context.Context, operation func() error) error {
	maxRetries := 10
	baseDelay := 50 * time.Millisecond

	for attempt := 0; attempt < maxRetries; attempt++ {
		err := operation()
		if err == nil {
			return nil
		}

		if isSQLiteBusyError(err) && attempt < maxRetries-1 {
			delay := baseDelay*time.Duration(1<<uint(attempt)) + time.Duration(attempt*10)*time.Millisecond
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		return err
	}

	return nil
}

// isSQLiteBusyError checks if the error is a SQLite busy error
func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	errorStr := err.Error()
	return strings.Contains(errorStr, "database is locked") ||
		strings.Contains(errorStr, "SQLITE_BUSY")
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type scanner interface {
	Scan(dest ...interface{}) error
}
