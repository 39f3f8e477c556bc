// Package statemachine holds the task lifecycle transition table.
// It is pure: no I/O, no state, safe for any number of concurrent callers.
package statemachine

import (
	"slices"

	"github.com/basket/taskflow/internal/task"
	"github.com/basket/taskflow/internal/taskerr"
)

// DONE and DROPPED are terminal and have no row.
var allowedTransitions = map[task.Status][]task.Status{
	task.StatusNew: {
		task.StatusReady,
		task.StatusDropped,
	},
	task.StatusReady: {
		task.StatusInProgress,
		task.StatusDropped,
	},
	task.StatusInProgress: {
		task.StatusBlocked,
		task.StatusReview,
		task.StatusDone,
		task.StatusDropped,
	},
	task.StatusBlocked: {
		task.StatusInProgress,
		task.StatusDropped,
	},
	task.StatusReview: {
		task.StatusInProgress,
		task.StatusDone,
		task.StatusDropped,
	},
}

func canTransition(from, to task.Status) bool {
	return slices.Contains(allowedTransitions[from], to)
}

// Validate returns nil when current -> proposed is a legal transition and a
// validation error naming both states otherwise.
func Validate(current, proposed task.Status) error {
	if !current.Valid() {
		return taskerr.Validation("validate transition", "", "unknown current status %q", current)
	}
	if !proposed.Valid() {
		return taskerr.Validation("validate transition", "", "unknown target status %q", proposed)
	}
	if !canTransition(current, proposed) {
		return taskerr.Validation("validate transition", "", "illegal transition %s -> %s", current, proposed)
	}
	return nil
}

// Allowed returns the legal targets from s, in table order.
func Allowed(s task.Status) []task.Status {
	return slices.Clone(allowedTransitions[s])
}

func IsTerminal(s task.Status) bool {
	return s.Valid() && len(allowedTransitions[s]) == 0
}
