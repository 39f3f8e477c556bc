// Package task defines the task entity and the request shapes that flow
// between the service, the repository and the store.
package task

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

type Status string

const (
	StatusNew        Status = "NEW"
	StatusReady      Status = "READY"
	StatusInProgress Status = "IN_PROGRESS"
	StatusBlocked    Status = "BLOCKED"
	StatusReview     Status = "REVIEW"
	StatusDone       Status = "DONE"
	StatusDropped    Status = "DROPPED"
)

// Statuses lists every lifecycle status in declaration order.
var Statuses = []Status{
	StatusNew,
	StatusReady,
	StatusInProgress,
	StatusBlocked,
	StatusReview,
	StatusDone,
	StatusDropped,
}

// Valid reports whether s is a member of the status enum.
func (s Status) Valid() bool {
	return slices.Contains(Statuses, s)
}

// ParseStatus accepts any casing and '-' or ' ' in place of '_'.
func ParseStatus(raw string) (Status, error) {
	norm := strings.ToUpper(strings.TrimSpace(raw))
	norm = strings.NewReplacer("-", "_", " ", "_").Replace(norm)
	s := Status(norm)
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", raw)
	}
	return s, nil
}

const (
	MinPriority = 0
	MaxPriority = 4
)

// Task is a request-scoped copy of the store's entity. Version is the
// concurrency token; the store increments it by one on every write.
type Task struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Status    Status    `json:"status"`
	Priority  int       `json:"priority"`
	ProjectID string    `json:"project_id"`
	SprintID  *string   `json:"sprint_id,omitempty"`
	Assignees []string  `json:"assignees"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Sprint returns the sprint id or "" when unassigned.
func (t *Task) Sprint() string {
	if t == nil || t.SprintID == nil {
		return ""
	}
	return *t.SprintID
}

// NewTask is the creation input. Tasks always start in StatusNew at version 1.
type NewTask struct {
	Title     string   `json:"title" yaml:"title"`
	Priority  int      `json:"priority" yaml:"priority"`
	ProjectID string   `json:"project_id" yaml:"project_id"`
	SprintID  *string  `json:"sprint_id,omitempty" yaml:"sprint_id,omitempty"`
	Assignees []string `json:"assignees,omitempty" yaml:"assignees,omitempty"`
}

// Validate checks the fields the store would otherwise reject.
func (n NewTask) Validate() error {
	if strings.TrimSpace(n.Title) == "" {
		return fmt.Errorf("title is required")
	}
	if strings.TrimSpace(n.ProjectID) == "" {
		return fmt.Errorf("project_id is required")
	}
	if n.Priority < MinPriority || n.Priority > MaxPriority {
		return fmt.Errorf("priority %d out of range [%d,%d]", n.Priority, MinPriority, MaxPriority)
	}
	return nil
}

// Changes is a partial update. Nil fields are left untouched. ClearSprint
// removes the sprint reference and cannot be combined with SprintID.
type Changes struct {
	Title       *string   `json:"title,omitempty" yaml:"title,omitempty"`
	Priority    *int      `json:"priority,omitempty" yaml:"priority,omitempty"`
	Status      *Status   `json:"status,omitempty" yaml:"status,omitempty"`
	SprintID    *string   `json:"sprint_id,omitempty" yaml:"sprint_id,omitempty"`
	ClearSprint bool      `json:"clear_sprint,omitempty" yaml:"clear_sprint,omitempty"`
	Assignees   *[]string `json:"assignees,omitempty" yaml:"assignees,omitempty"`
}

// Empty reports whether the change set would modify nothing.
func (c Changes) Empty() bool {
	return c.Title == nil && c.Priority == nil && c.Status == nil &&
		c.SprintID == nil && !c.ClearSprint && c.Assignees == nil
}

// Validate checks field-level constraints. Transition legality is the
// state machine's concern, not this one.
func (c Changes) Validate() error {
	if c.Empty() {
		return fmt.Errorf("no changes")
	}
	if c.Title != nil && strings.TrimSpace(*c.Title) == "" {
		return fmt.Errorf("title must not be empty")
	}
	if c.Priority != nil && (*c.Priority < MinPriority || *c.Priority > MaxPriority) {
		return fmt.Errorf("priority %d out of range [%d,%d]", *c.Priority, MinPriority, MaxPriority)
	}
	if c.Status != nil && !c.Status.Valid() {
		return fmt.Errorf("unknown status %q", *c.Status)
	}
	if c.SprintID != nil && c.ClearSprint {
		return fmt.Errorf("sprint_id and clear_sprint are mutually exclusive")
	}
	if c.SprintID != nil && strings.TrimSpace(*c.SprintID) == "" {
		return fmt.Errorf("sprint_id must not be empty; use clear_sprint")
	}
	return nil
}

// MutationRequest is one guarded write. CurrentStatus is optional and
// names the status the caller observed at ExpectedVersion; when set, a
// status change can be validated without reading the task first and the
// store refuses the write if the task is no longer in it. MutationID
// identifies the write across resends; one is generated when empty.
type MutationRequest struct {
	ID              string  `json:"id" yaml:"id"`
	Changes         Changes `json:"changes" yaml:"changes"`
	ExpectedVersion int64   `json:"expected_version" yaml:"expected_version"`
	CurrentStatus   Status  `json:"current_status,omitempty" yaml:"current_status,omitempty"`
	MutationID      string  `json:"mutation_id,omitempty" yaml:"mutation_id,omitempty"`
}

// Filter narrows a search. Zero values match everything.
type Filter struct {
	Status   Status
	Project  string
	Sprint   string
	Assignee string
	Query    string
	Limit    int
	Offset   int
}

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// Normalize clamps paging to sane bounds.
func (f Filter) Normalize() Filter {
	if f.Limit <= 0 {
		f.Limit = DefaultLimit
	}
	if f.Limit > MaxLimit {
		f.Limit = MaxLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// Event is one entry of a task's history as recorded by the store.
type Event struct {
	EventID   int64     `json:"event_id"`
	TaskID    string    `json:"task_id"`
	Type      string    `json:"type"`
	Version   int64     `json:"version"`
	From      Status    `json:"from,omitempty"`
	To        Status    `json:"to,omitempty"`
	TraceID   string    `json:"trace_id,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	Payload   string    `json:"payload,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	EventCreated       = "task.created"
	EventUpdated       = "task.updated"
	EventStatusChanged = "task.state_changed"
)

// NormalizeAssignees trims, drops blanks and removes duplicates while
// keeping first-seen order.
func NormalizeAssignees(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, a := range in {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}

// Ptr is a small helper for building Changes literals.
func Ptr[T any](v T) *T {
	return &v
}
