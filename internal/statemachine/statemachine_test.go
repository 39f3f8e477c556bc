package statemachine

import (
	"strings"
	"testing"

	"github.com/basket/taskflow/internal/task"
	"github.com/basket/taskflow/internal/taskerr"
)

// legal is written out independently of allowedTransitions so the test
// fails if the table drifts.
var legal = map[[2]task.Status]bool{
	{task.StatusNew, task.StatusReady}:          true,
	{task.StatusNew, task.StatusDropped}:        true,
	{task.StatusReady, task.StatusInProgress}:   true,
	{task.StatusReady, task.StatusDropped}:      true,
	{task.StatusInProgress, task.StatusBlocked}: true,
	{task.StatusInProgress, task.StatusReview}:  true,
	{task.StatusInProgress, task.StatusDone}:    true,
	{task.StatusInProgress, task.StatusDropped}: true,
	{task.StatusBlocked, task.StatusInProgress}: true,
	{task.StatusBlocked, task.StatusDropped}:    true,
	{task.StatusReview, task.StatusInProgress}:  true,
	{task.StatusReview, task.StatusDone}:        true,
	{task.StatusReview, task.StatusDropped}:     true,
}

func TestValidate_AllPairs(t *testing.T) {
	checked := 0
	for _, from := range task.Statuses {
		for _, to := range task.Statuses {
			checked++
			err := Validate(from, to)
			if legal[[2]task.Status{from, to}] {
				if err != nil {
					t.Errorf("Validate(%s, %s) = %v, want nil", from, to, err)
				}
				continue
			}
			if err == nil {
				t.Errorf("Validate(%s, %s) = nil, want validation error", from, to)
				continue
			}
			if !taskerr.Is(err, taskerr.KindValidation) {
				t.Errorf("Validate(%s, %s) kind = %s, want VALIDATION", from, to, taskerr.KindOf(err))
			}
			if !strings.Contains(err.Error(), string(from)) || !strings.Contains(err.Error(), string(to)) {
				t.Errorf("error should name both states: %q", err.Error())
			}
		}
	}
	if checked != 49 {
		t.Fatalf("expected 49 pairs, checked %d", checked)
	}
}

func TestValidate_UnknownStatus(t *testing.T) {
	if err := Validate("LATER", task.StatusReady); !taskerr.Is(err, taskerr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if err := Validate(task.StatusNew, "LATER"); !taskerr.Is(err, taskerr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestTerminalStates(t *testing.T) {
	for _, s := range task.Statuses {
		want := s == task.StatusDone || s == task.StatusDropped
		if got := IsTerminal(s); got != want {
			t.Errorf("IsTerminal(%s) = %v, want %v", s, got, want)
		}
	}
}

func TestAllowedReturnsCopy(t *testing.T) {
	got := Allowed(task.StatusNew)
	got[0] = task.StatusDone
	if err := Validate(task.StatusNew, task.StatusReady); err != nil {
		t.Fatalf("mutating Allowed result changed the table: %v", err)
	}
}
