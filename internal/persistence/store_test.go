package persistence_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/taskflow/internal/bus"
	"github.com/basket/taskflow/internal/persistence"
	"github.com/basket/taskflow/internal/shared"
	"github.com/basket/taskflow/internal/task"
)

func openTestStore(t *testing.T) (*persistence.Store, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "taskflow.db")
	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dbPath
}

func queryOneString(t *testing.T, db *sql.DB, q string) string {
	t.Helper()
	var out string
	if err := db.QueryRow(q).Scan(&out); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return out
}

func mustCreate(t *testing.T, store *persistence.Store, title string) *task.Task {
	t.Helper()
	created, err := store.CreateTask(context.Background(), task.NewTask{
		Title:     title,
		ProjectID: "P-1",
		Priority:  2,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return created
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	if journal := queryOneString(t, db, "PRAGMA journal_mode;"); journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}

	var synchronous int
	if err := db.QueryRow("PRAGMA synchronous;").Scan(&synchronous); err != nil {
		t.Fatalf("pragma synchronous: %v", err)
	}
	// SQLite FULL == 2.
	if synchronous != 2 {
		t.Fatalf("expected synchronous FULL(2), got %d", synchronous)
	}

	var foreignKeys int
	if err := db.QueryRow("PRAGMA foreign_keys;").Scan(&foreignKeys); err != nil {
		t.Fatalf("pragma foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Fatalf("expected foreign_keys=1, got %d", foreignKeys)
	}

	for _, table := range []string{"schema_migrations", "tasks", "task_assignees", "task_events"} {
		var got string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&got); err != nil {
			t.Fatalf("table %s not found: %v", table, err)
		}
	}
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestStore_MigrationLedgerHasChecksum(t *testing.T) {
	store, _ := openTestStore(t)

	var version int
	var checksum string
	if err := store.DB().QueryRow(`SELECT version, checksum FROM schema_migrations ORDER BY version DESC LIMIT 1;`).Scan(&version, &checksum); err != nil {
		t.Fatalf("query schema_migrations: %v", err)
	}
	if version != 3 {
		t.Fatalf("expected version 3, got %d", version)
	}
	if checksum == "" {
		t.Fatalf("expected non-empty checksum")
	}
}

func TestStore_OpenRejectsFutureSchemaVersion(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "taskflow.db")

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		INSERT INTO schema_migrations(version, checksum) VALUES(999, 'future');
	`); err != nil {
		t.Fatalf("seed future version: %v", err)
	}
	_ = db.Close()

	_, err = persistence.Open(dbPath, nil)
	if err == nil || !strings.Contains(err.Error(), "newer than supported") {
		t.Fatalf("expected newer-version error, got %v", err)
	}
}

func TestStore_OpenRejectsChecksumMismatch(t *testing.T) {
	store, dbPath := openTestStore(t)
	if _, err := store.DB().Exec(`UPDATE schema_migrations SET checksum='tampered' WHERE version=3;`); err != nil {
		t.Fatalf("tamper checksum: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	_, err := persistence.Open(dbPath, nil)
	if err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Fatalf("expected checksum mismatch error, got %v", err)
	}
}

func TestStore_UpgradesFromV1(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "taskflow.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE schema_migrations (version INTEGER PRIMARY KEY, checksum TEXT NOT NULL, applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP);
		INSERT INTO schema_migrations(version, checksum) VALUES(1, 'tf-v1-2026-03-02-versioned-tasks');
		CREATE TABLE tasks (id TEXT PRIMARY KEY, title TEXT NOT NULL, status TEXT NOT NULL, priority INTEGER NOT NULL,
			project_id TEXT NOT NULL, sprint_id TEXT, version INTEGER NOT NULL DEFAULT 1, created_at DATETIME NOT NULL, updated_at DATETIME NOT NULL);
		CREATE TABLE task_assignees (task_id TEXT NOT NULL, assignee TEXT NOT NULL, position INTEGER NOT NULL, PRIMARY KEY (task_id, assignee));
		CREATE TABLE task_events (event_id INTEGER PRIMARY KEY AUTOINCREMENT, task_id TEXT NOT NULL, event_type TEXT NOT NULL,
			version INTEGER NOT NULL, state_from TEXT, state_to TEXT, trace_id TEXT, payload_json TEXT NOT NULL DEFAULT '{}', created_at DATETIME NOT NULL);
	`); err != nil {
		t.Fatalf("seed v1 schema: %v", err)
	}
	_ = db.Close()

	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open v1 db: %v", err)
	}
	defer store.Close()

	var n int
	if err := store.DB().QueryRow(`SELECT COUNT(1) FROM pragma_table_info('task_events') WHERE name = 'actor';`).Scan(&n); err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if n != 1 {
		t.Fatal("expected actor column after upgrade")
	}
	if err := store.DB().QueryRow(`SELECT COUNT(1) FROM pragma_table_info('task_events') WHERE name = 'mutation_id';`).Scan(&n); err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if n != 1 {
		t.Fatal("expected mutation_id column after upgrade")
	}
	mustCreate(t, store, "after upgrade")
}

func TestStore_DefaultPathUsesTaskflowHome(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("HOME", tmp)

	expected := filepath.Join(tmp, ".taskflow", "taskflow.db")
	if path := persistence.DefaultDBPath(); path != expected {
		t.Fatalf("expected %s, got %s", expected, path)
	}
}

func TestStore_CreateTaskStartsNewAtVersionOne(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	created, err := store.CreateTask(ctx, task.NewTask{
		Title:     "  Implement auth  ",
		ProjectID: "P-1",
		Priority:  1,
		SprintID:  task.Ptr("S-4"),
		Assignees: []string{"bo", "ana", "bo", " "},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Status != task.StatusNew || created.Version != 1 {
		t.Fatalf("expected NEW v1, got %s v%d", created.Status, created.Version)
	}
	if created.Title != "Implement auth" || created.Sprint() != "S-4" {
		t.Fatalf("unexpected task: %+v", created)
	}
	if strings.Join(created.Assignees, ",") != "bo,ana" {
		t.Fatalf("assignees = %v, want [bo ana]", created.Assignees)
	}

	got, err := store.GetTask(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != 1 || got.Title != created.Title || len(got.Assignees) != 2 {
		t.Fatalf("reread mismatch: %+v", got)
	}
}

func TestStore_CreateTaskRejectsInvalidInput(t *testing.T) {
	store, _ := openTestStore(t)
	_, err := store.CreateTask(context.Background(), task.NewTask{Title: "x", ProjectID: "P-1", Priority: 7})
	if !errors.Is(err, persistence.ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestStore_GetTaskNotFound(t *testing.T) {
	store, _ := openTestStore(t)
	if _, err := store.GetTask(context.Background(), "missing"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_UpdateIncrementsVersionByOne(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	cur := mustCreate(t, store, "versioned")

	changes := []task.Changes{
		{Status: task.Ptr(task.StatusReady)},
		{Title: task.Ptr("versioned, renamed")},
		{Priority: task.Ptr(4)},
		{SprintID: task.Ptr("S-9")},
		{ClearSprint: true},
		{Assignees: &[]string{"cy"}},
	}
	for i, ch := range changes {
		next, err := store.UpdateTask(ctx, cur.ID, ch, cur.Version)
		if err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
		if next.Version != cur.Version+1 {
			t.Fatalf("update %d: version %d -> %d, want +1", i, cur.Version, next.Version)
		}
		if !next.UpdatedAt.After(cur.UpdatedAt) && !next.UpdatedAt.Equal(cur.UpdatedAt) {
			t.Fatalf("update %d: updated_at went backwards", i)
		}
		cur = next
	}
	if cur.Version != 7 || cur.Status != task.StatusReady || cur.Priority != 4 || cur.SprintID != nil {
		t.Fatalf("unexpected final task: %+v", cur)
	}
	if strings.Join(cur.Assignees, ",") != "cy" {
		t.Fatalf("assignees = %v", cur.Assignees)
	}
}

func TestStore_UpdateStaleVersionLeavesTaskUnchanged(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	created := mustCreate(t, store, "stale")
	if _, err := store.UpdateTask(ctx, created.ID, task.Changes{Priority: task.Ptr(3)}, 1); err != nil {
		t.Fatalf("first update: %v", err)
	}

	_, err := store.UpdateTask(ctx, created.ID, task.Changes{Title: task.Ptr("lost write")}, 1)
	var mismatch *persistence.VersionMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected VersionMismatchError, got %v", err)
	}
	if mismatch.Expected != 1 || mismatch.Actual != 2 {
		t.Fatalf("mismatch = %+v, want expected 1 actual 2", mismatch)
	}

	got, err := store.GetTask(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "stale" || got.Version != 2 {
		t.Fatalf("stale write leaked: %+v", got)
	}
}

func advance(t *testing.T, store *persistence.Store, id string, path ...task.Status) *task.Task {
	t.Helper()
	var cur *task.Task
	for _, st := range path {
		got, err := store.GetTask(context.Background(), id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		cur, err = store.UpdateTask(context.Background(), id, task.Changes{Status: task.Ptr(st)}, got.Version)
		if err != nil {
			t.Fatalf("move to %s: %v", st, err)
		}
	}
	return cur
}

func TestStore_UpdateChecksStoredStatus(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	created := mustCreate(t, store, "guarded")
	done := advance(t, store, created.ID, task.StatusReady, task.StatusInProgress, task.StatusDone)
	if done.Version != 4 {
		t.Fatalf("version = %d, want 4", done.Version)
	}

	// The caller believes the task is still IN_PROGRESS.
	_, err := store.UpdateTask(ctx, created.ID, task.Changes{Status: task.Ptr(task.StatusReview)}, 4,
		persistence.ExpectStatus(task.StatusInProgress))
	var mismatch *persistence.StatusMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected StatusMismatchError, got %v", err)
	}
	if mismatch.Expected != task.StatusInProgress || mismatch.Actual != task.StatusDone || mismatch.Version != 4 {
		t.Fatalf("mismatch = %+v", mismatch)
	}

	// Without the hint the table itself refuses DONE -> REVIEW.
	_, err = store.UpdateTask(ctx, created.ID, task.Changes{Status: task.Ptr(task.StatusReview)}, 4)
	if !errors.Is(err, persistence.ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}

	got, err := store.GetTask(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != task.StatusDone || got.Version != 4 {
		t.Fatalf("rejected writes modified the task: %+v", got)
	}

	// A matching hint on a non-status change goes through.
	if _, err := store.UpdateTask(ctx, created.ID, task.Changes{Title: task.Ptr("renamed")}, 4,
		persistence.ExpectStatus(task.StatusDone)); err != nil {
		t.Fatalf("matching status hint: %v", err)
	}
}

func TestStore_UpdateReplayReturnsCommittedTask(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	created := mustCreate(t, store, "replayed")
	ch := task.Changes{Title: task.Ptr("renamed")}

	first, err := store.UpdateTask(ctx, created.ID, ch, 1, persistence.MutationID("m-1"))
	if err != nil {
		t.Fatalf("first update: %v", err)
	}
	again, err := store.UpdateTask(ctx, created.ID, ch, 1, persistence.MutationID("m-1"))
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if again.Version != first.Version || again.Title != "renamed" {
		t.Fatalf("replay returned %+v, want %+v", again, first)
	}

	// Another writer with a different id still conflicts.
	_, err = store.UpdateTask(ctx, created.ID, ch, 1, persistence.MutationID("m-2"))
	var mismatch *persistence.VersionMismatchError
	if !errors.As(err, &mismatch) || mismatch.Actual != 2 {
		t.Fatalf("expected conflict at version 2, got %v", err)
	}

	// Once the task has moved on, the id no longer matches the next version.
	if _, err := store.UpdateTask(ctx, created.ID, task.Changes{Priority: task.Ptr(0)}, 2); err != nil {
		t.Fatalf("second update: %v", err)
	}
	if _, err := store.UpdateTask(ctx, created.ID, ch, 1, persistence.MutationID("m-1")); !errors.As(err, &mismatch) {
		t.Fatalf("stale replay should conflict, got %v", err)
	}

	if n := queryOneString(t, store.DB(), `SELECT COUNT(1) FROM task_events WHERE mutation_id = 'm-1';`); n != "1" {
		t.Fatalf("replay recorded %s events, want 1", n)
	}
}

func TestStore_UpdateNotFoundAndInvalid(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	if _, err := store.UpdateTask(ctx, "missing", task.Changes{Priority: task.Ptr(1)}, 1); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	created := mustCreate(t, store, "invalid")
	if _, err := store.UpdateTask(ctx, created.ID, task.Changes{}, 1); !errors.Is(err, persistence.ErrInvalid) {
		t.Fatalf("expected ErrInvalid for empty changes, got %v", err)
	}
	if _, err := store.UpdateTask(ctx, created.ID, task.Changes{Priority: task.Ptr(1)}, 0); !errors.Is(err, persistence.ErrInvalid) {
		t.Fatalf("expected ErrInvalid for version 0, got %v", err)
	}
}

func TestStore_ConcurrentWritersOneWins(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	created := mustCreate(t, store, "race")

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = store.UpdateTask(ctx, created.ID, task.Changes{Priority: task.Ptr(i % 5)}, 1)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		var mismatch *persistence.VersionMismatchError
		switch {
		case err == nil:
			wins++
		case errors.As(err, &mismatch):
			if mismatch.Expected != 1 || mismatch.Actual != 2 {
				t.Fatalf("loser saw %+v, want expected 1 actual 2", mismatch)
			}
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("wins = %d, want exactly 1", wins)
	}
	got, _ := store.GetTask(ctx, created.ID)
	if got.Version != 2 {
		t.Fatalf("version = %d, want 2", got.Version)
	}
}

func TestStore_ListTasksFilters(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	seed := []task.NewTask{
		{Title: "Login page", ProjectID: "P-1", SprintID: task.Ptr("S-1"), Assignees: []string{"ana"}},
		{Title: "Logout flow", ProjectID: "P-1", SprintID: task.Ptr("S-2"), Assignees: []string{"bo"}},
		{Title: "Billing 100% refactor", ProjectID: "P-2", Assignees: []string{"ana", "bo"}},
	}
	ids := map[string]string{}
	for _, n := range seed {
		created, err := store.CreateTask(ctx, n)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		ids[n.Title] = created.ID
	}
	if _, err := store.UpdateTask(ctx, ids["Logout flow"], task.Changes{Status: task.Ptr(task.StatusReady)}, 1); err != nil {
		t.Fatalf("update: %v", err)
	}

	titles := func(f task.Filter) ([]string, int) {
		t.Helper()
		got, total, err := store.ListTasks(ctx, f)
		if err != nil {
			t.Fatalf("list %+v: %v", f, err)
		}
		var out []string
		for _, tk := range got {
			out = append(out, tk.Title)
		}
		sort.Strings(out)
		return out, total
	}

	tests := []struct {
		name   string
		filter task.Filter
		want   string
	}{
		{"all", task.Filter{}, "Billing 100% refactor,Login page,Logout flow"},
		{"project", task.Filter{Project: "P-1"}, "Login page,Logout flow"},
		{"sprint", task.Filter{Sprint: "S-2"}, "Logout flow"},
		{"status", task.Filter{Status: task.StatusReady}, "Logout flow"},
		{"assignee", task.Filter{Assignee: "ana"}, "Billing 100% refactor,Login page"},
		{"query case-insensitive", task.Filter{Query: "LOG"}, "Login page,Logout flow"},
		{"query escapes wildcard", task.Filter{Query: "100%"}, "Billing 100% refactor"},
		{"combined", task.Filter{Project: "P-1", Assignee: "bo"}, "Logout flow"},
	}
	for _, tt := range tests {
		got, total := titles(tt.filter)
		if strings.Join(got, ",") != tt.want {
			t.Errorf("%s: got %v, want %s", tt.name, got, tt.want)
		}
		if total != len(got) {
			t.Errorf("%s: total = %d, want %d", tt.name, total, len(got))
		}
	}

	page, total := titles(task.Filter{Limit: 2})
	if len(page) != 2 || total != 3 {
		t.Fatalf("paging: got %d items, total %d", len(page), total)
	}
}

func TestStore_TaskEventsRecordHistory(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := shared.WithActor(shared.WithTraceID(context.Background(), "trace-1"), "ana")
	created, err := store.CreateTask(ctx, task.NewTask{Title: "history", ProjectID: "P-1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	v2, err := store.UpdateTask(ctx, created.ID, task.Changes{Status: task.Ptr(task.StatusReady)}, 1)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if _, err := store.UpdateTask(ctx, created.ID, task.Changes{Title: task.Ptr("history 2")}, v2.Version); err != nil {
		t.Fatalf("update: %v", err)
	}

	events, err := store.ListTaskEvents(ctx, created.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	wantTypes := []string{task.EventCreated, task.EventStatusChanged, task.EventUpdated}
	for i, ev := range events {
		if ev.Type != wantTypes[i] || ev.Version != int64(i+1) {
			t.Fatalf("event %d = %s v%d, want %s v%d", i, ev.Type, ev.Version, wantTypes[i], i+1)
		}
		if ev.TraceID != "trace-1" || ev.Actor != "ana" {
			t.Fatalf("event %d missing trace/actor: %+v", i, ev)
		}
	}
	if events[1].From != task.StatusNew || events[1].To != task.StatusReady {
		t.Fatalf("state change event = %s -> %s", events[1].From, events[1].To)
	}
	if events[2].From != "" || events[2].To != "" {
		t.Fatalf("plain update should carry no states: %+v", events[2])
	}

	if _, err := store.ListTaskEvents(ctx, "missing"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_PublishesCommittedChanges(t *testing.T) {
	b := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "taskflow.db"), b)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	sub := b.Subscribe(bus.TopicTaskPrefix)
	defer b.Unsubscribe(sub)

	ctx := context.Background()
	created := mustCreate(t, store, "events")
	if _, err := store.UpdateTask(ctx, created.ID, task.Changes{Status: task.Ptr(task.StatusDropped)}, 1); err != nil {
		t.Fatalf("update: %v", err)
	}
	// A failed write publishes nothing.
	_, _ = store.UpdateTask(ctx, created.ID, task.Changes{Priority: task.Ptr(1)}, 1)

	want := []string{bus.TopicTaskCreated, bus.TopicTaskStateChanged}
	for i, topic := range want {
		select {
		case ev := <-sub.Ch():
			if ev.Topic != topic {
				t.Fatalf("event %d topic = %s, want %s", i, ev.Topic, topic)
			}
			change := ev.Payload.(bus.TaskChangeEvent)
			if change.TaskID != created.ID || change.Version != int64(i+1) {
				t.Fatalf("event %d = %+v", i, change)
			}
			if i == 1 && (change.From != "NEW" || change.To != "DROPPED") {
				t.Fatalf("state change payload = %+v", change)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %s", topic)
		}
	}
	select {
	case ev := <-sub.Ch():
		t.Fatalf("unexpected event after failed write: %+v", ev)
	default:
	}
}

func TestStore_RunRetention(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	created := mustCreate(t, store, "old")
	if _, err := store.UpdateTask(ctx, created.ID, task.Changes{Priority: task.Ptr(0)}, 1); err != nil {
		t.Fatalf("update: %v", err)
	}

	// 0 days keeps everything.
	result, err := store.RunRetention(ctx, 0)
	if err != nil || result.PurgedTaskEvents != 0 {
		t.Fatalf("keep forever: %+v, %v", result, err)
	}
	// Recent events survive a 1-day window.
	result, err = store.RunRetention(ctx, 1)
	if err != nil || result.PurgedTaskEvents != 0 {
		t.Fatalf("recent events purged: %+v, %v", result, err)
	}

	old := time.Now().UTC().AddDate(0, 0, -10)
	if _, err := store.DB().Exec(`UPDATE task_events SET created_at = ? WHERE version = 1;`, old); err != nil {
		t.Fatalf("age event: %v", err)
	}
	result, err = store.RunRetention(ctx, 7)
	if err != nil {
		t.Fatalf("retention: %v", err)
	}
	if result.PurgedTaskEvents != 1 {
		t.Fatalf("purged = %d, want 1", result.PurgedTaskEvents)
	}
	if n, _ := store.TotalEventCount(ctx); n != 1 {
		t.Fatalf("remaining events = %d, want 1", n)
	}
	if _, err := store.GetTask(ctx, created.ID); err != nil {
		t.Fatalf("retention must not delete tasks: %v", err)
	}
}
