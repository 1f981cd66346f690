// Package usecase implements the task-management service the control plane
// exposes: submission, cancellation, queries and dead-letter operations.
package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/taskhub/internal/domain"
)

// TaskService fronts the tracker, result store, dead-letter store and broker
// for the HTTP control plane.
type TaskService struct {
	Tracker      domain.Tracker
	Results      domain.ResultStore
	DLQ          domain.DeadLetterStore
	Broker       domain.Broker
	DefaultQueue string
	MaxRetries   int

	// Catalog, when set, rejects trigger requests for task names no worker
	// registers. Nil accepts any name; unknown names then surface as
	// dead-letter entries after delivery.
	Catalog domain.TaskCatalog
}

// NewTaskService constructs a TaskService.
func NewTaskService(tracker domain.Tracker, results domain.ResultStore, dlq domain.DeadLetterStore, broker domain.Broker, defaultQueue string, maxRetries int) TaskService {
	return TaskService{
		Tracker:      tracker,
		Results:      results,
		DLQ:          dlq,
		Broker:       broker,
		DefaultQueue: defaultQueue,
		MaxRetries:   maxRetries,
	}
}

// TriggerRequest describes an ad-hoc task submission.
type TriggerRequest struct {
	TaskName   string         `json:"task_name"`
	QueueName  string         `json:"queue_name,omitempty"`
	Args       []any          `json:"args,omitempty"`
	Kwargs     map[string]any `json:"kwargs,omitempty"`
	Labels     map[string]any `json:"labels,omitempty"`
	MaxRetries *int           `json:"max_retries,omitempty"`
}

// Trigger mints an envelope, records it as pending and hands it to the
// broker.
func (s TaskService) Trigger(ctx context.Context, req TriggerRequest) (domain.TaskEnvelope, error) {
	ctx, span := otel.Tracer("usecase.tasks").Start(ctx, "tasks.Trigger")
	defer span.End()

	if req.TaskName == "" {
		return domain.TaskEnvelope{}, fmt.Errorf("op=tasks.trigger: %w: task_name is required", domain.ErrInvalidArgument)
	}
	if s.Catalog != nil && !s.Catalog.Known(req.TaskName) {
		return domain.TaskEnvelope{}, fmt.Errorf("op=tasks.trigger: %w: %q", domain.ErrHandlerNotRegistered, req.TaskName)
	}
	queue := req.QueueName
	if queue == "" {
		queue = s.DefaultQueue
	}
	maxRetries := s.MaxRetries
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			return domain.TaskEnvelope{}, fmt.Errorf("op=tasks.trigger: %w: max_retries must not be negative", domain.ErrInvalidArgument)
		}
		maxRetries = *req.MaxRetries
	}

	env := domain.NewEnvelope(req.TaskName, queue, req.Args, req.Kwargs, req.Labels, maxRetries)
	if err := s.Tracker.OnTaskSubmit(ctx, env); err != nil {
		// Tracking is best effort at submit time; the worker re-upserts on start.
		slog.Error("tracker submit failed", slog.String("task_id", env.TaskID), slog.Any("error", err))
	}
	if err := s.Broker.Submit(ctx, env); err != nil {
		return domain.TaskEnvelope{}, fmt.Errorf("op=tasks.trigger: %w", err)
	}
	slog.Info("task triggered",
		slog.String("task_id", env.TaskID),
		slog.String("task_name", env.TaskName),
		slog.String("queue", env.QueueName))
	return env, nil
}

// CancelOutcome reports what a cancel request achieved.
type CancelOutcome struct {
	TaskID         string            `json:"task_id"`
	Cancelled      bool              `json:"cancelled"`
	PreviousStatus domain.TaskStatus `json:"previous_status"`
	Status         domain.TaskStatus `json:"status"`
}

// Cancel requests cancellation of a live task. A terminal task is reported
// with Cancelled=false rather than an error.
func (s TaskService) Cancel(ctx context.Context, taskID string) (CancelOutcome, error) {
	ctx, span := otel.Tracer("usecase.tasks").Start(ctx, "tasks.Cancel")
	defer span.End()

	if taskID == "" {
		return CancelOutcome{}, fmt.Errorf("op=tasks.cancel: %w: task_id is required", domain.ErrInvalidArgument)
	}
	before, err := s.Tracker.GetTaskDetails(ctx, taskID)
	if err != nil {
		return CancelOutcome{}, fmt.Errorf("op=tasks.cancel: %w", err)
	}
	cancelled, err := s.Tracker.CancelTask(ctx, taskID)
	if err != nil {
		return CancelOutcome{}, fmt.Errorf("op=tasks.cancel: %w", err)
	}
	status := before.Status
	if cancelled {
		status = domain.TaskCancelled
		slog.Info("task cancelled",
			slog.String("task_id", taskID),
			slog.String("previous_status", string(before.Status)))
	}
	return CancelOutcome{
		TaskID:         taskID,
		Cancelled:      cancelled,
		PreviousStatus: before.Status,
		Status:         status,
	}, nil
}

// Details returns the execution record for one task id.
func (s TaskService) Details(ctx context.Context, taskID string) (domain.ExecutionRecord, error) {
	if taskID == "" {
		return domain.ExecutionRecord{}, fmt.Errorf("op=tasks.details: %w: task_id is required", domain.ErrInvalidArgument)
	}
	return s.Tracker.GetTaskDetails(ctx, taskID)
}

// HistoryPage is one page of task history plus the total match count.
type HistoryPage struct {
	Tasks  []domain.ExecutionRecord `json:"tasks"`
	Total  int64                    `json:"total"`
	Limit  int                      `json:"limit"`
	Offset int                      `json:"offset"`
}

// Search pages through task history newest-first under the given filter.
func (s TaskService) Search(ctx context.Context, f domain.HistoryFilter, limit, offset int) (HistoryPage, error) {
	ctx, span := otel.Tracer("usecase.tasks").Start(ctx, "tasks.Search")
	defer span.End()

	tasks, err := s.Tracker.GetTaskHistory(ctx, f, limit, offset)
	if err != nil {
		return HistoryPage{}, fmt.Errorf("op=tasks.search: %w", err)
	}
	total, err := s.Tracker.CountTaskHistory(ctx, f)
	if err != nil {
		return HistoryPage{}, fmt.Errorf("op=tasks.search: %w", err)
	}
	return HistoryPage{Tasks: tasks, Total: total, Limit: limit, Offset: offset}, nil
}

// Running lists currently running tasks with elapsed times.
func (s TaskService) Running(ctx context.Context) ([]domain.RunningTask, error) {
	return s.Tracker.GetRunningTasks(ctx)
}

// Stats aggregates executions over a trailing window.
func (s TaskService) Stats(ctx context.Context, windowHours int) (domain.Stats, error) {
	return s.Tracker.GetStats(ctx, windowHours)
}

// Result fetches a stored return value or error. keep=false consumes it.
func (s TaskService) Result(ctx context.Context, taskID string, keep bool) (domain.ResultEntry, error) {
	if taskID == "" {
		return domain.ResultEntry{}, fmt.Errorf("op=tasks.result: %w: task_id is required", domain.ErrInvalidArgument)
	}
	return s.Results.GetResult(ctx, taskID, keep)
}

// ProgressReport pairs the latest progress payload with the task's status.
type ProgressReport struct {
	TaskID   string            `json:"task_id"`
	Status   domain.TaskStatus `json:"status"`
	Progress any               `json:"progress,omitempty"`
}

// Progress returns the freshest progress snapshot for a task. The result
// store is preferred, falling back to the tracker's copy.
func (s TaskService) Progress(ctx context.Context, taskID string) (ProgressReport, error) {
	if taskID == "" {
		return ProgressReport{}, fmt.Errorf("op=tasks.progress: %w: task_id is required", domain.ErrInvalidArgument)
	}
	rec, err := s.Tracker.GetTaskDetails(ctx, taskID)
	if err != nil {
		return ProgressReport{}, fmt.Errorf("op=tasks.progress: %w", err)
	}
	report := ProgressReport{TaskID: taskID, Status: rec.Status}
	if payload, err := s.Results.GetProgress(ctx, taskID); err == nil && len(payload) > 0 {
		report.Progress = payload
	} else if len(rec.Progress) > 0 {
		report.Progress = rec.Progress
	}
	return report, nil
}

// waitPoll is how often WaitForResult re-checks readiness.
const waitPoll = 250 * time.Millisecond

// WaitForResult blocks until a result is ready or the context expires, then
// fetches it. keep=false consumes the entry.
func (s TaskService) WaitForResult(ctx context.Context, taskID string, keep bool) (domain.ResultEntry, error) {
	if taskID == "" {
		return domain.ResultEntry{}, fmt.Errorf("op=tasks.wait_result: %w: task_id is required", domain.ErrInvalidArgument)
	}
	ticker := time.NewTicker(waitPoll)
	defer ticker.Stop()
	for {
		ready, err := s.Results.IsReady(ctx, taskID)
		if err != nil {
			return domain.ResultEntry{}, fmt.Errorf("op=tasks.wait_result: %w", err)
		}
		if ready {
			return s.Results.GetResult(ctx, taskID, keep)
		}
		select {
		case <-ctx.Done():
			return domain.ResultEntry{}, fmt.Errorf("op=tasks.wait_result: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
