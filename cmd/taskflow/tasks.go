package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/basket/taskflow/internal/service"
	"github.com/basket/taskflow/internal/task"
)

func exactArgs(n int, names string) cobra.PositionalArgs {
	return func(_ *cobra.Command, args []string) error {
		if len(args) != n {
			return usagef("expected %s, got %d argument(s)", names, len(args))
		}
		return nil
	}
}

func requireVersion(v int64) error {
	if v < 1 {
		return usagef("--expected-version is required and must be >= 1")
	}
	return nil
}

func (a *app) createCmd() *cobra.Command {
	var in task.NewTask
	var sprint string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task in status NEW at version 1",
		Args:  exactArgs(0, "no arguments"),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.connect(); err != nil {
				return err
			}
			if sprint != "" {
				in.SprintID = &sprint
			}
			created, err := a.svc.Create(cmd.Context(), in)
			if err != nil {
				return err
			}
			return a.printTask(created)
		},
	}
	f := cmd.Flags()
	f.StringVar(&in.Title, "title", "", "task title (required)")
	f.StringVar(&in.ProjectID, "project", "", "project id (required)")
	f.IntVar(&in.Priority, "priority", 2, "priority 0 (highest) to 4")
	f.StringVar(&sprint, "sprint", "", "sprint id")
	f.StringSliceVar(&in.Assignees, "assignee", nil, "assignee; repeat or comma-separate")
	return cmd
}

func (a *app) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get ID",
		Short: "Show one task",
		Args:  exactArgs(1, "a task id"),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.connect(); err != nil {
				return err
			}
			t, err := a.svc.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.printTask(t)
		},
	}
}

func (a *app) updateCmd() *cobra.Command {
	var (
		version        int64
		title          string
		priority       int
		assignees      []string
		clearAssignees bool
	)
	cmd := &cobra.Command{
		Use:   "update ID --expected-version N",
		Short: "Change title, priority or assignees",
		Long:  "Change task fields. Status changes use 'taskflow move'; sprint changes use 'taskflow sprint'.",
		Args:  exactArgs(1, "a task id"),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireVersion(version); err != nil {
				return err
			}
			var ch task.Changes
			f := cmd.Flags()
			if f.Changed("title") {
				ch.Title = &title
			}
			if f.Changed("priority") {
				ch.Priority = &priority
			}
			switch {
			case clearAssignees && f.Changed("assignee"):
				return usagef("--assignee and --clear-assignees are mutually exclusive")
			case clearAssignees:
				ch.Assignees = &[]string{}
			case f.Changed("assignee"):
				ch.Assignees = &assignees
			}
			if ch.Empty() {
				return usagef("nothing to update; pass --title, --priority, --assignee or --clear-assignees")
			}
			if err := a.connect(); err != nil {
				return err
			}
			t, err := a.svc.Update(cmd.Context(), args[0], ch, version)
			if err != nil {
				return err
			}
			return a.printTask(t)
		},
	}
	f := cmd.Flags()
	f.Int64Var(&version, "expected-version", 0, "version the change is based on (required)")
	f.StringVar(&title, "title", "", "new title")
	f.IntVar(&priority, "priority", 0, "new priority 0-4")
	f.StringSliceVar(&assignees, "assignee", nil, "replace assignees; repeat or comma-separate")
	f.BoolVar(&clearAssignees, "clear-assignees", false, "remove every assignee")
	return cmd
}

func (a *app) moveCmd() *cobra.Command {
	var (
		version int64
		from    string
	)
	cmd := &cobra.Command{
		Use:   "move ID STATUS --expected-version N",
		Short: "Transition a task to another status",
		Long: `Transition a task. Illegal transitions are refused before anything is sent.

  NEW         -> READY, DROPPED
  READY       -> IN_PROGRESS, DROPPED
  IN_PROGRESS -> BLOCKED, REVIEW, DONE, DROPPED
  BLOCKED     -> IN_PROGRESS, DROPPED
  REVIEW      -> IN_PROGRESS, DONE, DROPPED

DONE and DROPPED are terminal. With --from no read is made; the store
refuses the move if the task is not in that status.`,
		Args: exactArgs(2, "a task id and a status"),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireVersion(version); err != nil {
				return err
			}
			next, err := task.ParseStatus(args[1])
			if err != nil {
				return usagef("%v", err)
			}
			var opts []service.TransitionOption
			if from != "" {
				cur, err := task.ParseStatus(from)
				if err != nil {
					return usagef("--from: %v", err)
				}
				opts = append(opts, service.WithCurrentStatus(cur))
			}
			if err := a.connect(); err != nil {
				return err
			}
			t, err := a.svc.TransitionStatus(cmd.Context(), args[0], next, version, opts...)
			if err != nil {
				return err
			}
			return a.printTask(t)
		},
	}
	cmd.Flags().Int64Var(&version, "expected-version", 0, "version the transition is based on (required)")
	cmd.Flags().StringVar(&from, "from", "", "current status, if already known")
	return cmd
}

func (a *app) sprintCmd() *cobra.Command {
	var version int64
	cmd := &cobra.Command{
		Use:   "sprint ID [SPRINT] --expected-version N",
		Short: "Assign a task to a sprint, or clear it when SPRINT is omitted",
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) < 1 || len(args) > 2 {
				return usagef("expected a task id and an optional sprint id")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireVersion(version); err != nil {
				return err
			}
			sprint := ""
			if len(args) == 2 {
				sprint = args[1]
			}
			if err := a.connect(); err != nil {
				return err
			}
			t, err := a.svc.AssignToSprint(cmd.Context(), args[0], sprint, version)
			if err != nil {
				return err
			}
			return a.printTask(t)
		},
	}
	cmd.Flags().Int64Var(&version, "expected-version", 0, "version the change is based on (required)")
	return cmd
}

func (a *app) listCmd() *cobra.Command {
	var (
		f      task.Filter
		status string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Search tasks",
		Args:  exactArgs(0, "no arguments"),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if status != "" {
				s, err := task.ParseStatus(status)
				if err != nil {
					return usagef("--status: %v", err)
				}
				f.Status = s
			}
			if f.Limit < 0 || f.Offset < 0 {
				return usagef("--limit and --offset must be >= 0")
			}
			if err := a.connect(); err != nil {
				return err
			}
			page, err := a.svc.Search(cmd.Context(), f)
			if err != nil {
				return err
			}
			return a.printPage(page)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&status, "status", "", "only tasks in this status")
	fl.StringVar(&f.Project, "project", "", "only tasks in this project")
	fl.StringVar(&f.Sprint, "sprint", "", "only tasks in this sprint")
	fl.StringVar(&f.Assignee, "assignee", "", "only tasks assigned to this person")
	fl.StringVarP(&f.Query, "query", "q", "", "substring match on the title")
	fl.IntVar(&f.Limit, "limit", task.DefaultLimit, fmt.Sprintf("page size, at most %d", task.MaxLimit))
	fl.IntVar(&f.Offset, "offset", 0, "tasks to skip")
	return cmd
}

func (a *app) historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history ID",
		Short: "Show the recorded changes of a task, oldest first",
		Args:  exactArgs(1, "a task id"),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.connect(); err != nil {
				return err
			}
			events, err := a.svc.History(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.printEvents(events)
		},
	}
}
