package bus

import "time"

// Task change topics. All share the "task." prefix.
const (
	TopicTaskPrefix        = "task."
	TopicTaskCreated       = "task.created"
	TopicTaskUpdated       = "task.updated"
	TopicTaskStateChanged  = "task.state_changed"
	TopicRetentionFinished = "maintenance.retention"
)

// TaskChangeEvent is published after a task mutation commits. From and To
// are set only for status changes.
type TaskChangeEvent struct {
	Type    string    `json:"type"`
	TaskID  string    `json:"task_id"`
	Version int64     `json:"version"`
	From    string    `json:"from,omitempty"`
	To      string    `json:"to,omitempty"`
	TraceID string    `json:"trace_id,omitempty"`
	At      time.Time `json:"at"`
}

// RetentionEvent is published when a retention pass completes.
type RetentionEvent struct {
	PurgedTaskEvents int64     `json:"purged_task_events"`
	At               time.Time `json:"at"`
}
