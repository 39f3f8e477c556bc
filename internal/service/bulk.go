package service

import (
	"context"

	otelpkg "github.com/basket/taskflow/internal/otel"
	"github.com/basket/taskflow/internal/task"
	"github.com/basket/taskflow/internal/taskerr"
	"github.com/basket/taskflow/internal/telemetry"
)

type Outcome string

const (
	Applied      Outcome = "APPLIED"
	Failed       Outcome = "FAILED"
	NotAttempted Outcome = "NOT_ATTEMPTED"
)

// ItemResult is the outcome of one bulk item. Task is set for Applied;
// Err and Kind are set for Failed.
type ItemResult struct {
	Index   int          `json:"index"`
	ID      string       `json:"id"`
	Outcome Outcome      `json:"outcome"`
	Task    *task.Task   `json:"task,omitempty"`
	Err     error        `json:"-"`
	Kind    taskerr.Kind `json:"kind,omitempty"`
	Message string       `json:"error,omitempty"`
}

// BulkResult holds one ItemResult per input item, in input order.
type BulkResult struct {
	Items []ItemResult `json:"items"`
}

// Applied counts committed items.
func (r BulkResult) Applied() int {
	n := 0
	for _, it := range r.Items {
		if it.Outcome == Applied {
			n++
		}
	}
	return n
}

// Failure returns the failed item, if any. A fail-fast run has at most one.
func (r BulkResult) Failure() (ItemResult, bool) {
	for _, it := range r.Items {
		if it.Outcome == Failed {
			return it, true
		}
	}
	return ItemResult{}, false
}

// BulkUpdate applies items in order and stops at the first error. Items
// committed before the failure stay committed; the rest are NotAttempted.
// Status changes are validated per item exactly as TransitionStatus does.
func (s *Service) BulkUpdate(ctx context.Context, items []task.MutationRequest) BulkResult {
	const op = "service.bulk_update"
	ctx, span := otelpkg.StartSpan(ctx, s.tracer, op, otelpkg.AttrBulkSize.Int(len(items)))
	defer span.End()

	res := BulkResult{Items: make([]ItemResult, len(items))}
	for i, it := range items {
		res.Items[i] = ItemResult{Index: i, ID: it.ID, Outcome: NotAttempted}
	}

	for i, it := range items {
		var (
			updated *task.Task
			err     error
		)
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = taskerr.Cancelled(op, ctxErr)
		} else {
			updated, err = s.mutate(ctx, op, it)
		}
		if err != nil {
			kind := taskerr.KindOf(err)
			res.Items[i].Outcome = Failed
			res.Items[i].Err = err
			res.Items[i].Kind = kind
			res.Items[i].Message = err.Error()
			s.metrics.AddBulkItem(ctx, string(Failed))
			for range items[i+1:] {
				s.metrics.AddBulkItem(ctx, string(NotAttempted))
			}
			span.SetAttributes(otelpkg.AttrErrorKind.String(string(kind)))
			telemetry.WithTrace(ctx, s.logger).Warn("bulk update stopped",
				"failed_index", i, "task_id", it.ID, "kind", kind,
				"applied", i, "not_attempted", len(items)-i-1)
			return res
		}
		res.Items[i].Outcome = Applied
		res.Items[i].Task = updated
		s.metrics.AddBulkItem(ctx, string(Applied))
	}
	return res
}
