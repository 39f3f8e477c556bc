package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/taskflow/internal/bus"
)

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedTaskEvents int64 `json:"purged_task_events"`
}

// RunRetention deletes task events older than maxAgeDays. Tasks themselves
// are never purged. maxAgeDays <= 0 keeps everything. The job is idempotent.
func (s *Store) RunRetention(ctx context.Context, maxAgeDays int) (RetentionResult, error) {
	var result RetentionResult
	if maxAgeDays <= 0 {
		return result, nil
	}

	cutoff := s.now().AddDate(0, 0, -maxAgeDays)
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM task_events WHERE created_at < ?;`, cutoff)
		if err != nil {
			return fmt.Errorf("purge task_events: %w", err)
		}
		result.PurgedTaskEvents, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return result, err
	}

	s.publish(bus.TopicRetentionFinished, bus.RetentionEvent{
		PurgedTaskEvents: result.PurgedTaskEvents,
		At:               time.Now().UTC(),
	})
	return result, nil
}
