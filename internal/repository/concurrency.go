package repository

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/basket/taskflow/internal/otel"
	"github.com/basket/taskflow/internal/task"
	"github.com/basket/taskflow/internal/taskerr"
	"github.com/basket/taskflow/internal/telemetry"
)

// Controller turns a MutationRequest into exactly one guarded write.
// It never retries a conflict and never re-reads: on a version mismatch
// the caller decides whether to reload and try again.
type Controller struct {
	repo    *Repository
	logger  *slog.Logger
	metrics *otel.Metrics
}

func NewController(repo *Repository, logger *slog.Logger, metrics *otel.Metrics) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{repo: repo, logger: logger, metrics: metrics}
}

// Mutate applies req.Changes if the stored version still equals
// req.ExpectedVersion and, when req.CurrentStatus is set, the stored status
// still equals it. The returned task is at ExpectedVersion+1. Resends of
// the same write carry the same mutation id, so a write that committed
// before its answer was lost comes back as success.
func (c *Controller) Mutate(ctx context.Context, req task.MutationRequest) (*task.Task, error) {
	const op = "concurrency.mutate"
	if req.ID == "" {
		return nil, taskerr.Validation(op, "", "task id is required")
	}
	if req.ExpectedVersion < 1 {
		return nil, taskerr.Validation(op, req.ID, "expected version must be >= 1, got %d", req.ExpectedVersion)
	}
	if err := req.Changes.Validate(); err != nil {
		return nil, taskerr.Validation(op, req.ID, "%v", err)
	}

	mutationID := req.MutationID
	if mutationID == "" {
		mutationID = uuid.NewString()
	}
	updated, err := c.repo.Update(ctx, req.ID, req.Changes, req.ExpectedVersion,
		WithExpectedStatus(req.CurrentStatus), WithMutationID(mutationID))
	if err != nil {
		if expected, actual, ok := taskerr.AsConflict(err); ok {
			c.metrics.AddConflict(ctx, op)
			telemetry.WithTrace(ctx, c.logger).Info("version conflict",
				"task_id", req.ID, "expected", expected, "actual", actual)
		}
		return nil, err
	}
	if updated.Version != req.ExpectedVersion+1 {
		return nil, &taskerr.Error{
			Kind:    taskerr.KindInternal,
			Op:      op,
			TaskID:  req.ID,
			Message: fmt.Sprintf("store returned version %d after a write at %d", updated.Version, req.ExpectedVersion),
		}
	}
	return updated, nil
}
