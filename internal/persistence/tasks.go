package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/taskflow/internal/bus"
	"github.com/basket/taskflow/internal/shared"
	"github.com/basket/taskflow/internal/statemachine"
	"github.com/basket/taskflow/internal/task"
)

// ErrInvalid wraps input the store refuses to persist.
var ErrInvalid = errors.New("invalid task input")

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const taskColumns = `id, title, status, priority, project_id, sprint_id, version, created_at, updated_at`

func scanTask(scanFn func(dest ...any) error, t *task.Task) error {
	var sprint sql.NullString
	if err := scanFn(
		&t.ID,
		&t.Title,
		&t.Status,
		&t.Priority,
		&t.ProjectID,
		&sprint,
		&t.Version,
		&t.CreatedAt,
		&t.UpdatedAt,
	); err != nil {
		return err
	}
	if sprint.Valid {
		v := sprint.String
		t.SprintID = &v
	} else {
		t.SprintID = nil
	}
	return nil
}

func loadTask(ctx context.Context, q queryer, id string) (*task.Task, error) {
	var t task.Task
	err := scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id).Scan, &t)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select task: %w", err)
	}
	byTask, err := loadAssignees(ctx, q, []string{id})
	if err != nil {
		return nil, err
	}
	t.Assignees = byTask[id]
	if t.Assignees == nil {
		t.Assignees = []string{}
	}
	return &t, nil
}

func loadAssignees(ctx context.Context, q queryer, ids []string) (map[string][]string, error) {
	out := make(map[string][]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := q.QueryContext(ctx, `
		SELECT task_id, assignee
		FROM task_assignees
		WHERE task_id IN (`+placeholders(len(ids))+`)
		ORDER BY task_id, position;
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("select assignees: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, who string
		if err := rows.Scan(&id, &who); err != nil {
			return nil, fmt.Errorf("scan assignee: %w", err)
		}
		out[id] = append(out[id], who)
	}
	return out, rows.Err()
}

func replaceAssigneesTx(ctx context.Context, tx *sql.Tx, id string, assignees []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_assignees WHERE task_id = ?;`, id); err != nil {
		return fmt.Errorf("clear assignees: %w", err)
	}
	for i, who := range task.NormalizeAssignees(assignees) {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_assignees (task_id, assignee, position) VALUES (?, ?, ?);
		`, id, who, i); err != nil {
			return fmt.Errorf("insert assignee: %w", err)
		}
	}
	return nil
}

func (s *Store) appendTaskEventTx(ctx context.Context, tx *sql.Tx, taskID, eventType string, version int64, from, to task.Status, payload, mutationID string, at time.Time) error {
	if payload == "" {
		payload = "{}"
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, event_type, version, state_from, state_to, trace_id, actor, payload_json, mutation_id, created_at)
		VALUES (?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, '-'), ?, ?, NULLIF(?, ''), ?);
	`, taskID, eventType, version, string(from), string(to), shared.TraceID(ctx), shared.Actor(ctx), payload, mutationID, at)
	if err != nil {
		return fmt.Errorf("insert task_event: %w", err)
	}
	return nil
}

// committedBy reports whether the write that produced version carried
// mutationID.
func committedBy(ctx context.Context, tx *sql.Tx, taskID string, version int64, mutationID string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM task_events WHERE task_id = ? AND version = ? AND mutation_id = ?;
	`, taskID, version, mutationID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("look up mutation id: %w", err)
	}
	return n > 0, nil
}

// CreateTask inserts a task in StatusNew at version 1.
func (s *Store) CreateTask(ctx context.Context, in task.NewTask) (*task.Task, error) {
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	id := uuid.NewString()
	var created *task.Task
	err := retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := s.now()
		var sprint sql.NullString
		if in.SprintID != nil && strings.TrimSpace(*in.SprintID) != "" {
			sprint = sql.NullString{String: strings.TrimSpace(*in.SprintID), Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, title, status, priority, project_id, sprint_id, version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?);
		`, id, strings.TrimSpace(in.Title), task.StatusNew, in.Priority, strings.TrimSpace(in.ProjectID), sprint, now, now); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		if err := replaceAssigneesTx(ctx, tx, id, in.Assignees); err != nil {
			return err
		}
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal create payload: %w", err)
		}
		if err := s.appendTaskEventTx(ctx, tx, id, task.EventCreated, 1, "", task.StatusNew, string(payload), "", now); err != nil {
			return err
		}
		t, err := loadTask(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit create tx: %w", err)
		}
		created = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.AddStoreMutation(ctx, task.EventCreated)
	s.publish(bus.TopicTaskCreated, bus.TaskChangeEvent{
		Type:    task.EventCreated,
		TaskID:  created.ID,
		Version: created.Version,
		To:      string(created.Status),
		TraceID: shared.TraceID(ctx),
		At:      created.CreatedAt,
	})
	return created, nil
}

// GetTask returns ErrNotFound for unknown ids.
func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	return loadTask(ctx, s.db, id)
}

// UpdateOption narrows a guarded write beyond the version check.
type UpdateOption func(*updateGuard)

type updateGuard struct {
	status     task.Status
	mutationID string
}

// ExpectStatus makes the write fail with *StatusMismatchError unless the
// stored status is s.
func ExpectStatus(s task.Status) UpdateOption {
	return func(g *updateGuard) { g.status = s }
}

// MutationID tags the write. A write whose version was already consumed by
// an earlier commit carrying the same id returns that commit instead of a
// *VersionMismatchError.
func MutationID(id string) UpdateOption {
	return func(g *updateGuard) { g.mutationID = strings.TrimSpace(id) }
}

// UpdateTask applies ch when the stored version equals expectedVersion and
// bumps the version by exactly one. On mismatch it returns
// *VersionMismatchError and leaves the row untouched. A status change must
// be legal from the stored status (ErrIllegalTransition otherwise).
func (s *Store) UpdateTask(ctx context.Context, id string, ch task.Changes, expectedVersion int64, opts ...UpdateOption) (*task.Task, error) {
	if err := ch.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if expectedVersion < 1 {
		return nil, fmt.Errorf("%w: expected version must be >= 1", ErrInvalid)
	}
	var guard updateGuard
	for _, o := range opts {
		o(&guard)
	}

	var (
		updated   *task.Task
		from      task.Status
		eventType string
		replayed  bool
	)
	err := retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin update tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var current task.Status
		var version int64
		err = tx.QueryRowContext(ctx, `SELECT status, version FROM tasks WHERE id = ?;`, id).Scan(&current, &version)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("select task for update: %w", err)
		}
		if version != expectedVersion {
			if version == expectedVersion+1 && guard.mutationID != "" {
				ok, err := committedBy(ctx, tx, id, version, guard.mutationID)
				if err != nil {
					return err
				}
				if ok {
					t, err := loadTask(ctx, tx, id)
					if err != nil {
						return err
					}
					updated, replayed = t, true
					return nil
				}
			}
			return &VersionMismatchError{TaskID: id, Expected: expectedVersion, Actual: version}
		}
		if guard.status != "" && guard.status != current {
			return &StatusMismatchError{TaskID: id, Version: version, Expected: guard.status, Actual: current}
		}
		if ch.Status != nil {
			if err := statemachine.Validate(current, *ch.Status); err != nil {
				return fmt.Errorf("%w %s -> %s", ErrIllegalTransition, current, *ch.Status)
			}
		}

		now := s.now()
		sets := []string{"version = version + 1", "updated_at = ?"}
		args := []any{now}
		if ch.Title != nil {
			sets = append(sets, "title = ?")
			args = append(args, strings.TrimSpace(*ch.Title))
		}
		if ch.Priority != nil {
			sets = append(sets, "priority = ?")
			args = append(args, *ch.Priority)
		}
		if ch.Status != nil {
			sets = append(sets, "status = ?")
			args = append(args, string(*ch.Status))
		}
		switch {
		case ch.ClearSprint:
			sets = append(sets, "sprint_id = NULL")
		case ch.SprintID != nil:
			sets = append(sets, "sprint_id = ?")
			args = append(args, strings.TrimSpace(*ch.SprintID))
		}
		args = append(args, id, expectedVersion, string(current))

		res, err := tx.ExecContext(ctx, `UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id = ? AND version = ? AND status = ?;`, args...)
		if err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update rows affected: %w", err)
		}
		if affected != 1 {
			var actual int64
			if err := tx.QueryRowContext(ctx, `SELECT version FROM tasks WHERE id = ?;`, id).Scan(&actual); err != nil {
				return fmt.Errorf("reread version: %w", err)
			}
			return &VersionMismatchError{TaskID: id, Expected: expectedVersion, Actual: actual}
		}
		if ch.Assignees != nil {
			if err := replaceAssigneesTx(ctx, tx, id, *ch.Assignees); err != nil {
				return err
			}
		}

		evType := task.EventUpdated
		var to task.Status
		if ch.Status != nil && *ch.Status != current {
			evType = task.EventStatusChanged
			to = *ch.Status
		}
		payload, err := json.Marshal(ch)
		if err != nil {
			return fmt.Errorf("marshal update payload: %w", err)
		}
		stateFrom := current
		if to == "" {
			stateFrom = ""
		}
		if err := s.appendTaskEventTx(ctx, tx, id, evType, expectedVersion+1, stateFrom, to, string(payload), guard.mutationID, now); err != nil {
			return err
		}
		t, err := loadTask(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit update tx: %w", err)
		}
		updated, from, eventType = t, current, evType
		return nil
	})
	if err != nil {
		return nil, err
	}
	if replayed {
		return updated, nil
	}

	s.metrics.AddStoreMutation(ctx, eventType)
	ev := bus.TaskChangeEvent{
		Type:    eventType,
		TaskID:  updated.ID,
		Version: updated.Version,
		TraceID: shared.TraceID(ctx),
		At:      updated.UpdatedAt,
	}
	topic := bus.TopicTaskUpdated
	if eventType == task.EventStatusChanged {
		topic = bus.TopicTaskStateChanged
		ev.From, ev.To = string(from), string(updated.Status)
	}
	s.publish(topic, ev)
	return updated, nil
}

// ListTasks returns one page of matching tasks and the total match count.
func (s *Store) ListTasks(ctx context.Context, f task.Filter) ([]task.Task, int, error) {
	f = f.Normalize()
	var where []string
	var args []any
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Project != "" {
		where = append(where, "project_id = ?")
		args = append(args, f.Project)
	}
	if f.Sprint != "" {
		where = append(where, "sprint_id = ?")
		args = append(args, f.Sprint)
	}
	if f.Assignee != "" {
		where = append(where, "EXISTS (SELECT 1 FROM task_assignees a WHERE a.task_id = tasks.id AND a.assignee = ?)")
		args = append(args, f.Assignee)
	}
	if q := strings.TrimSpace(f.Query); q != "" {
		where = append(where, `title LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(q)+"%")
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`+clause+`;`, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks`+clause+` ORDER BY created_at DESC, id ASC LIMIT ? OFFSET ?;`,
		append(args, f.Limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	out := []task.Task{}
	for rows.Next() {
		var t task.Task
		if err := scanTask(rows.Scan, &t); err != nil {
			_ = rows.Close()
			return nil, 0, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, 0, fmt.Errorf("tasks rows: %w", err)
	}
	_ = rows.Close()

	ids := make([]string, len(out))
	for i := range out {
		ids[i] = out[i].ID
	}
	byTask, err := loadAssignees(ctx, s.db, ids)
	if err != nil {
		return nil, 0, err
	}
	for i := range out {
		out[i].Assignees = byTask[out[i].ID]
		if out[i].Assignees == nil {
			out[i].Assignees = []string{}
		}
	}
	return out, total, nil
}

// ListTaskEvents returns the recorded history of a task, oldest first.
func (s *Store) ListTaskEvents(ctx context.Context, id string) ([]task.Event, error) {
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE id = ?;`, id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check task: %w", err)
	}
	if exists == 0 {
		return nil, ErrNotFound
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, event_type, version, COALESCE(state_from, ''), COALESCE(state_to, ''),
		       COALESCE(trace_id, ''), actor, payload_json, created_at
		FROM task_events
		WHERE task_id = ?
		ORDER BY event_id ASC;
	`, id)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()

	out := []task.Event{}
	for rows.Next() {
		var ev task.Event
		if err := rows.Scan(&ev.EventID, &ev.TaskID, &ev.Type, &ev.Version, &ev.From, &ev.To,
			&ev.TraceID, &ev.Actor, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// TotalEventCount returns the number of task events in the store.
func (s *Store) TotalEventCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM task_events;`).Scan(&count); err != nil {
		return 0, fmt.Errorf("total event count: %w", err)
	}
	return count, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
