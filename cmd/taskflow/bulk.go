package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/basket/taskflow/internal/task"
)

func (a *app) bulkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bulk FILE",
		Short: "Apply a list of guarded changes in order, stopping at the first failure",
		Long: `Apply a YAML (or JSON) list of changes in order. Processing stops at the
first failing item; earlier items stay applied and later ones are reported
as NOT_ATTEMPTED. FILE "-" reads standard input.

  - id: 9b2f...
    expected_version: 3
    current_status: READY      # optional; no read, and the store refuses the item
                               # if the task is in another status
    mutation_id: move-9b2f-1   # optional; rerunning the file then reports a
                               # committed item as applied, not as a conflict
    changes:
      status: IN_PROGRESS
  - id: 41ac...
    expected_version: 1
    changes:
      priority: 0
      assignees: [ana, li]`,
		Args: exactArgs(1, "a file path or -"),
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := a.readBulkFile(args[0])
			if err != nil {
				return err
			}
			if err := a.connect(); err != nil {
				return err
			}
			res := a.svc.BulkUpdate(cmd.Context(), items)
			if err := a.printBulk(res); err != nil {
				return err
			}
			if failed, ok := res.Failure(); ok {
				return fmt.Errorf("bulk stopped at item %d (task %s): %w", failed.Index, failed.ID, failed.Err)
			}
			return nil
		},
	}
}

func (a *app) readBulkFile(path string) ([]task.MutationRequest, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(a.stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, usagef("read %s: %v", path, err)
	}
	var items []task.MutationRequest
	if err := yaml.Unmarshal(data, &items); err != nil {
		return nil, usagef("parse %s: %v", path, err)
	}
	if len(items) == 0 {
		return nil, usagef("%s lists no changes", path)
	}
	for i, it := range items {
		if it.ID == "" {
			return nil, usagef("item %d: id is required", i)
		}
		if it.ExpectedVersion < 1 {
			return nil, usagef("item %d: expected_version must be >= 1", i)
		}
	}
	return items, nil
}
