package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/taskhub/internal/domain"
)

// DLQPage is one page of dead-letter entries plus the total count for the
// status filter.
type DLQPage struct {
	Entries []domain.DLQEntry `json:"entries"`
	Total   int64             `json:"total"`
	Limit   int               `json:"limit"`
	Offset  int               `json:"offset"`
}

// ListDeadLetters pages through dead-letter entries newest-first. An empty
// status lists all entries.
func (s TaskService) ListDeadLetters(ctx context.Context, limit, offset int, status domain.DLQStatus) (DLQPage, error) {
	entries, err := s.DLQ.List(ctx, limit, offset, status)
	if err != nil {
		return DLQPage{}, fmt.Errorf("op=dlq.list: %w", err)
	}
	total, err := s.DLQ.Count(ctx, status)
	if err != nil {
		return DLQPage{}, fmt.Errorf("op=dlq.list: %w", err)
	}
	return DLQPage{Entries: entries, Total: total, Limit: limit, Offset: offset}, nil
}

// GetDeadLetter returns one dead-letter entry by its original task id.
func (s TaskService) GetDeadLetter(ctx context.Context, taskID string) (domain.DLQEntry, error) {
	if taskID == "" {
		return domain.DLQEntry{}, fmt.Errorf("op=dlq.get: %w: task_id is required", domain.ErrInvalidArgument)
	}
	return s.DLQ.Get(ctx, taskID)
}

// RetryDeadLetter resubmits a pending dead-letter entry under a fresh task
// id with its retry budget reset, then marks the entry retried.
func (s TaskService) RetryDeadLetter(ctx context.Context, taskID string) (domain.TaskEnvelope, error) {
	ctx, span := otel.Tracer("usecase.tasks").Start(ctx, "dlq.Retry")
	defer span.End()

	if taskID == "" {
		return domain.TaskEnvelope{}, fmt.Errorf("op=dlq.retry: %w: task_id is required", domain.ErrInvalidArgument)
	}
	entry, err := s.DLQ.Get(ctx, taskID)
	if err != nil {
		return domain.TaskEnvelope{}, fmt.Errorf("op=dlq.retry: %w", err)
	}
	if entry.Status != domain.DLQPending {
		return domain.TaskEnvelope{}, fmt.Errorf("op=dlq.retry: %w: entry already %s", domain.ErrInvalidArgument, entry.Status)
	}

	queue := entry.QueueName
	if queue == "" {
		queue = s.DefaultQueue
	}
	env := domain.NewEnvelope(entry.TaskName, queue, entry.Args, entry.Kwargs, entry.Labels, s.MaxRetries)
	if err := s.Tracker.OnTaskSubmit(ctx, env); err != nil {
		slog.Error("tracker submit failed", slog.String("task_id", env.TaskID), slog.Any("error", err))
	}
	if err := s.Broker.Submit(ctx, env); err != nil {
		return domain.TaskEnvelope{}, fmt.Errorf("op=dlq.retry: %w", err)
	}
	if err := s.DLQ.MarkRetried(ctx, taskID, env.TaskID); err != nil {
		// The replacement is already in flight; surface the bookkeeping
		// failure without undoing the submit.
		slog.Error("dead letter mark retried failed",
			slog.String("task_id", taskID),
			slog.String("retried_as", env.TaskID),
			slog.Any("error", err))
	}
	slog.Info("dead letter retried",
		slog.String("task_id", taskID),
		slog.String("retried_as", env.TaskID),
		slog.String("task_name", entry.TaskName))
	return env, nil
}

// DiscardDeadLetter marks a pending dead-letter entry discarded.
func (s TaskService) DiscardDeadLetter(ctx context.Context, taskID, reason string) error {
	if taskID == "" {
		return fmt.Errorf("op=dlq.discard: %w: task_id is required", domain.ErrInvalidArgument)
	}
	if err := s.DLQ.MarkDiscarded(ctx, taskID, reason); err != nil {
		return fmt.Errorf("op=dlq.discard: %w", err)
	}
	slog.Info("dead letter discarded", slog.String("task_id", taskID), slog.String("reason", reason))
	return nil
}

// BulkOutcome summarizes a bulk dead-letter operation.
type BulkOutcome struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// BulkItem reports the outcome for one task id in a bulk operation.
type BulkItem struct {
	TaskID    string `json:"task_id"`
	OK        bool   `json:"ok"`
	NewTaskID string `json:"new_task_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// BulkReport carries per-id outcomes plus totals.
type BulkReport struct {
	Results   []BulkItem `json:"results"`
	Succeeded int        `json:"succeeded"`
	Failed    int        `json:"failed"`
}

// BulkRetryDeadLetters retries each listed entry independently. One bad id
// does not stop the rest; the report says which ids failed and why.
func (s TaskService) BulkRetryDeadLetters(ctx context.Context, taskIDs []string) (BulkReport, error) {
	if len(taskIDs) == 0 {
		return BulkReport{}, fmt.Errorf("op=dlq.bulk_retry: %w: task_ids is required", domain.ErrInvalidArgument)
	}
	report := BulkReport{Results: make([]BulkItem, 0, len(taskIDs))}
	for _, id := range taskIDs {
		env, err := s.RetryDeadLetter(ctx, id)
		if err != nil {
			report.Failed++
			report.Results = append(report.Results, BulkItem{TaskID: id, Error: bulkErrText(err)})
			continue
		}
		report.Succeeded++
		report.Results = append(report.Results, BulkItem{TaskID: id, OK: true, NewTaskID: env.TaskID})
	}
	return report, nil
}

// BulkDiscardDeadLetters discards each listed entry independently.
func (s TaskService) BulkDiscardDeadLetters(ctx context.Context, taskIDs []string, reason string) (BulkReport, error) {
	if len(taskIDs) == 0 {
		return BulkReport{}, fmt.Errorf("op=dlq.bulk_discard: %w: task_ids is required", domain.ErrInvalidArgument)
	}
	report := BulkReport{Results: make([]BulkItem, 0, len(taskIDs))}
	for _, id := range taskIDs {
		if err := s.DiscardDeadLetter(ctx, id, reason); err != nil {
			report.Failed++
			report.Results = append(report.Results, BulkItem{TaskID: id, Error: bulkErrText(err)})
			continue
		}
		report.Succeeded++
		report.Results = append(report.Results, BulkItem{TaskID: id, OK: true})
	}
	return report, nil
}

// bulkErrText keeps per-item error strings short and free of internal
// operation prefixes.
func bulkErrText(err error) string {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return "not found"
	case errors.Is(err, domain.ErrInvalidArgument):
		return "not pending"
	case errors.Is(err, domain.ErrBrokerUnavailable):
		return "broker unavailable"
	}
	return "internal error"
}

// dlqBulkBatch bounds how many entries one bulk call touches.
const dlqBulkBatch = 100

// RetryAllDeadLetters resubmits up to max pending entries, oldest kept in
// place on failure. max <= 0 uses the batch bound.
func (s TaskService) RetryAllDeadLetters(ctx context.Context, max int) (BulkOutcome, error) {
	if max <= 0 || max > dlqBulkBatch {
		max = dlqBulkBatch
	}
	entries, err := s.DLQ.List(ctx, max, 0, domain.DLQPending)
	if err != nil {
		return BulkOutcome{}, fmt.Errorf("op=dlq.retry_all: %w", err)
	}
	out := BulkOutcome{Attempted: len(entries)}
	for _, entry := range entries {
		if _, err := s.RetryDeadLetter(ctx, entry.TaskID); err != nil {
			out.Failed++
			if errors.Is(err, domain.ErrBrokerUnavailable) {
				// No point hammering an unavailable broker for the rest.
				return out, fmt.Errorf("op=dlq.retry_all: %w", err)
			}
			continue
		}
		out.Succeeded++
	}
	return out, nil
}

// DiscardAllDeadLetters discards up to max pending entries.
func (s TaskService) DiscardAllDeadLetters(ctx context.Context, max int, reason string) (BulkOutcome, error) {
	if max <= 0 || max > dlqBulkBatch {
		max = dlqBulkBatch
	}
	entries, err := s.DLQ.List(ctx, max, 0, domain.DLQPending)
	if err != nil {
		return BulkOutcome{}, fmt.Errorf("op=dlq.discard_all: %w", err)
	}
	out := BulkOutcome{Attempted: len(entries)}
	for _, entry := range entries {
		if err := s.DLQ.MarkDiscarded(ctx, entry.TaskID, reason); err != nil {
			out.Failed++
			continue
		}
		out.Succeeded++
	}
	return out, nil
}
