// Package service is the entry point callers use. It validates lifecycle
// transitions before any write and routes every mutation through the
// version-guarded controller.
package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	otelpkg "github.com/basket/taskflow/internal/otel"
	"github.com/basket/taskflow/internal/repository"
	"github.com/basket/taskflow/internal/statemachine"
	"github.com/basket/taskflow/internal/task"
	"github.com/basket/taskflow/internal/taskerr"
	"github.com/basket/taskflow/internal/telemetry"
)

type Service struct {
	repo    *repository.Repository
	ctrl    *repository.Controller
	logger  *slog.Logger
	metrics *otelpkg.Metrics
	tracer  trace.Tracer
}

type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithMetrics(m *otelpkg.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Service) { s.tracer = t }
}

func New(repo *repository.Repository, opts ...Option) *Service {
	s := &Service{repo: repo}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer(otelpkg.TracerName)
	}
	s.ctrl = repository.NewController(repo, s.logger, s.metrics)
	return s
}

// endSpan records the error kind on span and ends it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.SetAttributes(otelpkg.AttrErrorKind.String(string(taskerr.KindOf(err))))
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (s *Service) Create(ctx context.Context, in task.NewTask) (*task.Task, error) {
	const op = "service.create"
	if err := in.Validate(); err != nil {
		return nil, taskerr.Validation(op, "", "%v", err)
	}
	in.Assignees = task.NormalizeAssignees(in.Assignees)

	ctx, span := otelpkg.StartSpan(ctx, s.tracer, op)
	created, err := s.repo.Create(ctx, in)
	endSpan(span, err)
	if err != nil {
		return nil, err
	}
	telemetry.WithTrace(ctx, s.logger).Info("task created", "task_id", created.ID, "project_id", created.ProjectID)
	return created, nil
}

func (s *Service) Get(ctx context.Context, id string) (*task.Task, error) {
	return s.repo.Get(ctx, id)
}

// Update applies field changes. Status changes go through TransitionStatus
// so they are always checked against the lifecycle table.
func (s *Service) Update(ctx context.Context, id string, changes task.Changes, expectedVersion int64) (*task.Task, error) {
	const op = "service.update"
	if changes.Status != nil {
		return nil, taskerr.Validation(op, id, "status cannot be changed by update; use a transition")
	}
	if changes.Assignees != nil {
		normalized := task.NormalizeAssignees(*changes.Assignees)
		changes.Assignees = &normalized
	}
	return s.mutate(ctx, op, task.MutationRequest{ID: id, Changes: changes, ExpectedVersion: expectedVersion})
}

type transitionOptions struct {
	current task.Status
}

type TransitionOption func(*transitionOptions)

// WithCurrentStatus supplies the status the caller observed at the expected
// version. The transition is then validated without reading the task, and
// the store rejects the write with a conflict if the task is in another
// status.
func WithCurrentStatus(s task.Status) TransitionOption {
	return func(o *transitionOptions) { o.current = s }
}

// TransitionStatus moves a task to next. An illegal transition is rejected
// before any write is sent.
func (s *Service) TransitionStatus(ctx context.Context, id string, next task.Status, expectedVersion int64, opts ...TransitionOption) (*task.Task, error) {
	var o transitionOptions
	for _, fn := range opts {
		fn(&o)
	}
	return s.mutate(ctx, "service.transition", task.MutationRequest{
		ID:              id,
		Changes:         task.Changes{Status: &next},
		ExpectedVersion: expectedVersion,
		CurrentStatus:   o.current,
	})
}

// AssignToSprint sets the sprint reference; an empty sprintID clears it.
func (s *Service) AssignToSprint(ctx context.Context, id, sprintID string, expectedVersion int64) (*task.Task, error) {
	var changes task.Changes
	if sprintID = strings.TrimSpace(sprintID); sprintID == "" {
		changes.ClearSprint = true
	} else {
		changes.SprintID = &sprintID
	}
	return s.mutate(ctx, "service.assign_sprint", task.MutationRequest{ID: id, Changes: changes, ExpectedVersion: expectedVersion})
}

func (s *Service) Search(ctx context.Context, f task.Filter) (*repository.Page, error) {
	const op = "service.search"
	if f.Status != "" && !f.Status.Valid() {
		return nil, taskerr.Validation(op, "", "unknown status %q", f.Status)
	}
	return s.repo.List(ctx, f)
}

func (s *Service) History(ctx context.Context, id string) ([]task.Event, error) {
	return s.repo.History(ctx, id)
}

// mutate is the single write path shared by single-item calls and bulk.
func (s *Service) mutate(ctx context.Context, op string, req task.MutationRequest) (_ *task.Task, err error) {
	ctx, span := otelpkg.StartSpan(ctx, s.tracer, op,
		otelpkg.AttrTaskID.String(req.ID),
		otelpkg.AttrTaskVersion.Int64(req.ExpectedVersion),
	)
	defer func() { endSpan(span, err) }()

	if req.Changes.Status != nil {
		span.SetAttributes(otelpkg.AttrTaskStatus.String(string(*req.Changes.Status)))
		if err := s.checkTransition(ctx, op, &req); err != nil {
			return nil, err
		}
	}
	updated, err := s.ctrl.Mutate(ctx, req)
	if err != nil {
		return nil, err
	}
	logger := telemetry.WithTrace(ctx, s.logger)
	if req.Changes.Status != nil {
		logger.Info("task transitioned", "task_id", updated.ID, "from", req.CurrentStatus, "to", updated.Status, "version", updated.Version)
	} else {
		logger.Debug("task updated", "task_id", updated.ID, "version", updated.Version)
	}
	return updated, nil
}

// checkTransition validates req's status change against the status known
// at req.ExpectedVersion, reading the task when the caller did not supply it.
func (s *Service) checkTransition(ctx context.Context, op string, req *task.MutationRequest) error {
	if req.CurrentStatus == "" {
		if req.ExpectedVersion < 1 {
			return taskerr.Validation(op, req.ID, "expected version must be >= 1, got %d", req.ExpectedVersion)
		}
		current, err := s.repo.Get(ctx, req.ID)
		if err != nil {
			return err
		}
		if current.Version != req.ExpectedVersion {
			s.metrics.AddConflict(ctx, op)
			return taskerr.Conflict(op, req.ID, req.ExpectedVersion, current.Version)
		}
		req.CurrentStatus = current.Status
	}
	if err := statemachine.Validate(req.CurrentStatus, *req.Changes.Status); err != nil {
		var te *taskerr.Error
		if errors.As(err, &te) {
			te.Op, te.TaskID = op, req.ID
		}
		return err
	}
	return nil
}
