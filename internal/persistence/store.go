// Package persistence is the authoritative task store. Every write is a
// compare-and-set on the task version inside one SQLite transaction.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/taskflow/internal/bus"
	otelpkg "github.com/basket/taskflow/internal/otel"
	"github.com/basket/taskflow/internal/task"
)

const (
	// v1: tasks, task_assignees and task_events.
	schemaVersionV1  = 1
	schemaChecksumV1 = "tf-v1-2026-03-02-versioned-tasks"

	// v2: task_events.actor records the authenticated caller.
	schemaVersionV2  = 2
	schemaChecksumV2 = "tf-v2-2026-05-18-event-actor"

	// v3: task_events.mutation_id lets a replayed write find its own commit.
	schemaVersionV3  = 3
	schemaChecksumV3 = "tf-v3-2026-10-12-mutation-id"

	schemaVersionLatest  = schemaVersionV3
	schemaChecksumLatest = schemaChecksumV3

	busyRetries = 5
)

// ErrNotFound is returned when the task id does not exist.
var ErrNotFound = errors.New("task not found")

// VersionMismatchError reports a failed compare-and-set. The task was not
// modified.
type VersionMismatchError struct {
	TaskID   string
	Expected int64
	Actual   int64
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("version mismatch on task %s: expected %d, got %d", e.TaskID, e.Expected, e.Actual)
}

// StatusMismatchError reports a guarded write whose expected status is not
// the stored one. The task was not modified.
type StatusMismatchError struct {
	TaskID   string
	Version  int64
	Expected task.Status
	Actual   task.Status
}

func (e *StatusMismatchError) Error() string {
	return fmt.Sprintf("status mismatch on task %s at version %d: expected %s, got %s", e.TaskID, e.Version, e.Expected, e.Actual)
}

// ErrIllegalTransition wraps a status change the lifecycle does not allow
// from the stored status.
var ErrIllegalTransition = errors.New("illegal transition")

type Store struct {
	db      *sql.DB
	bus     *bus.Bus // may be nil in tests
	metrics *otelpkg.Metrics
	now     func() time.Time
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskflow", "taskflow.db")
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus, now: func() time.Time { return time.Now().UTC() }}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// SetMetrics enables mutation counters. nil disables them.
func (s *Store) SetMetrics(m *otelpkg.Metrics) {
	s.metrics = m
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database answers a trivial query.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, `SELECT 1;`).Scan(&one); err != nil {
		return fmt.Errorf("ping db: %w", err)
	}
	return nil
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter. maxRetries=5 gives ~3s total
// wait on top of the driver's busy_timeout (5s).
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		// 50ms, 100ms, 200ms, 400ms, 500ms (capped), each ±25%.
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
// The message is matched instead of sqlite3.Error so callers never need the
// cgo package.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	checksums := map[int]string{
		schemaVersionV1: schemaChecksumV1,
		schemaVersionV2: schemaChecksumV2,
		schemaVersionV3: schemaChecksumV3,
	}
	if maxVersion > 0 {
		var existing string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, maxVersion).Scan(&existing); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existing != checksums[maxVersion] {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", maxVersion, existing, checksums[maxVersion])
		}
	}

	if maxVersion < schemaVersionV1 {
		if err := migrateV1(ctx, tx); err != nil {
			return err
		}
	}
	if maxVersion < schemaVersionV2 {
		if err := migrateV2(ctx, tx); err != nil {
			return err
		}
	}
	if maxVersion < schemaVersionV3 {
		if err := migrateV3(ctx, tx); err != nil {
			return err
		}
	}

	if maxVersion < schemaVersionLatest {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);
		`, schemaVersionLatest, schemaChecksumLatest); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

func migrateV1(ctx context.Context, tx *sql.Tx) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			status TEXT NOT NULL CHECK(status IN ('NEW','READY','IN_PROGRESS','BLOCKED','REVIEW','DONE','DROPPED')),
			priority INTEGER NOT NULL CHECK(priority BETWEEN 0 AND 4),
			project_id TEXT NOT NULL,
			sprint_id TEXT,
			version INTEGER NOT NULL DEFAULT 1 CHECK(version >= 1),
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS task_assignees (
			task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			assignee TEXT NOT NULL,
			position INTEGER NOT NULL,
			PRIMARY KEY (task_id, assignee)
		);`,
		`CREATE TABLE IF NOT EXISTS task_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			event_type TEXT NOT NULL,
			version INTEGER NOT NULL,
			state_from TEXT,
			state_to TEXT,
			trace_id TEXT,
			payload_json TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_project_sprint ON tasks(project_id, sprint_id);`,
		`CREATE INDEX IF NOT EXISTS idx_task_assignees_assignee ON task_assignees(assignee);`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, event_id);`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_created ON task_events(created_at);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply v1 schema: %w", err)
		}
	}
	return nil
}

func migrateV2(ctx context.Context, tx *sql.Tx) error {
	var exists int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM pragma_table_info('task_events') WHERE name = 'actor';
	`).Scan(&exists); err != nil {
		return fmt.Errorf("inspect task_events: %w", err)
	}
	if exists > 0 {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `ALTER TABLE task_events ADD COLUMN actor TEXT NOT NULL DEFAULT 'anonymous';`); err != nil {
		return fmt.Errorf("apply v2 schema: %w", err)
	}
	return nil
}

func migrateV3(ctx context.Context, tx *sql.Tx) error {
	var exists int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM pragma_table_info('task_events') WHERE name = 'mutation_id';
	`).Scan(&exists); err != nil {
		return fmt.Errorf("inspect task_events: %w", err)
	}
	if exists == 0 {
		if _, err := tx.ExecContext(ctx, `ALTER TABLE task_events ADD COLUMN mutation_id TEXT;`); err != nil {
			return fmt.Errorf("apply v3 schema: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS idx_task_events_mutation ON task_events(task_id, mutation_id) WHERE mutation_id IS NOT NULL;
	`); err != nil {
		return fmt.Errorf("apply v3 index: %w", err)
	}
	return nil
}

func (s *Store) publish(topic string, payload any) {
	if s.bus != nil {
		s.bus.Publish(topic, payload)
	}
}
