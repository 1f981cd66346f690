package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/taskhub/internal/domain"
)

const deadLetterColumns = `task_id, task_name, args, kwargs, labels, queue_name,
	error_type, error_message, retry_count, failed_at, status, retried_as, discard_reason`

// DeadLetterStore persists DLQ entries in the dead_letters table.
type DeadLetterStore struct {
	Pool PgxPool
	now  func() time.Time
}

// NewDeadLetterStore constructs a DeadLetterStore with the given pool.
func NewDeadLetterStore(p PgxPool) *DeadLetterStore { return &DeadLetterStore{Pool: p, now: time.Now} }

// Record inserts a new entry in the pending state.
func (s *DeadLetterStore) Record(ctx context.Context, entry domain.DLQEntry) error {
	tracer := otel.Tracer("repo.dlq")
	ctx, span := tracer.Start(ctx, "dlq.Record")
	defer span.End()
	if entry.TaskID == "" {
		return fmt.Errorf("op=dlq.record: %w: empty task id", domain.ErrInvalidArgument)
	}
	if entry.FailedAt.IsZero() {
		entry.FailedAt = s.now().UTC()
	}
	args, err := jsonArg(entry.Args)
	if err != nil {
		return fmt.Errorf("op=dlq.record: %w", err)
	}
	kwargs, err := jsonArg(entry.Kwargs)
	if err != nil {
		return fmt.Errorf("op=dlq.record: %w", err)
	}
	labels, err := jsonArg(entry.Labels)
	if err != nil {
		return fmt.Errorf("op=dlq.record: %w", err)
	}
	q := `INSERT INTO dead_letters
		(task_id, task_name, args, kwargs, labels, queue_name, error_type, error_message, retry_count, failed_at, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,'pending')
		ON CONFLICT (task_id) DO NOTHING`
	_, err = s.Pool.Exec(ctx, q, entry.TaskID, entry.TaskName, args, kwargs, labels,
		entry.QueueName, entry.ErrorType, entry.ErrorMessage, entry.RetryCount, entry.FailedAt)
	if err != nil {
		return fmt.Errorf("op=dlq.record: %w", err)
	}
	return nil
}

// Get returns one entry by the failed task's id.
func (s *DeadLetterStore) Get(ctx context.Context, taskID string) (domain.DLQEntry, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+deadLetterColumns+` FROM dead_letters WHERE task_id=$1`, taskID)
	entry, err := scanDeadLetter(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.DLQEntry{}, fmt.Errorf("op=dlq.get: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.DLQEntry{}, fmt.Errorf("op=dlq.get: %w", err)
	}
	return entry, nil
}

// List pages entries newest-failure-first, optionally narrowed to one status.
func (s *DeadLetterStore) List(ctx context.Context, limit, offset int, status domain.DLQStatus) ([]domain.DLQEntry, error) {
	tracer := otel.Tracer("repo.dlq")
	ctx, span := tracer.Start(ctx, "dlq.List")
	defer span.End()
	if limit <= 0 || offset < 0 {
		return nil, fmt.Errorf("op=dlq.list: %w: limit %d offset %d", domain.ErrInvalidArgument, limit, offset)
	}
	q := `SELECT ` + deadLetterColumns + ` FROM dead_letters`
	args := []any{}
	if status != "" {
		q += ` WHERE status=$1`
		args = append(args, string(status))
	}
	q += fmt.Sprintf(` ORDER BY failed_at DESC, task_id ASC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)
	rows, err := s.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=dlq.list: %w", err)
	}
	defer rows.Close()
	out := []domain.DLQEntry{}
	for rows.Next() {
		entry, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("op=dlq.list: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=dlq.list: %w", err)
	}
	return out, nil
}

// Count returns the number of entries, optionally for one status.
func (s *DeadLetterStore) Count(ctx context.Context, status domain.DLQStatus) (int64, error) {
	q := `SELECT COUNT(*) FROM dead_letters`
	args := []any{}
	if status != "" {
		q += ` WHERE status=$1`
		args = append(args, string(status))
	}
	var n int64
	if err := s.Pool.QueryRow(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=dlq.count: %w", err)
	}
	return n, nil
}

// MarkRetried flags a pending entry as retried under a fresh task id.
func (s *DeadLetterStore) MarkRetried(ctx context.Context, taskID, newTaskID string) error {
	q := `UPDATE dead_letters SET status='retried', retried_as=$2 WHERE task_id=$1 AND status='pending'`
	return s.markTransition(ctx, "op=dlq.mark_retried", q, taskID, newTaskID)
}

// MarkDiscarded flags a pending entry as discarded with an operator reason.
func (s *DeadLetterStore) MarkDiscarded(ctx context.Context, taskID, reason string) error {
	q := `UPDATE dead_letters SET status='discarded', discard_reason=$2 WHERE task_id=$1 AND status='pending'`
	return s.markTransition(ctx, "op=dlq.mark_discarded", q, taskID, reason)
}

func (s *DeadLetterStore) markTransition(ctx context.Context, op, q, taskID, arg string) error {
	tag, err := s.Pool.Exec(ctx, q, taskID, arg)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	row := s.Pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM dead_letters WHERE task_id=$1)`, taskID)
	if err := row.Scan(&exists); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !exists {
		return fmt.Errorf("%s: %w", op, domain.ErrNotFound)
	}
	return fmt.Errorf("%s: %w: entry not pending", op, domain.ErrInvalidArgument)
}

// scanDeadLetter reads one row in deadLetterColumns order.
func scanDeadLetter(row pgx.Row) (domain.DLQEntry, error) {
	var entry domain.DLQEntry
	var status string
	var args, kwargs, labels []byte
	err := row.Scan(&entry.TaskID, &entry.TaskName, &args, &kwargs, &labels, &entry.QueueName,
		&entry.ErrorType, &entry.ErrorMessage, &entry.RetryCount, &entry.FailedAt,
		&status, &entry.RetriedAs, &entry.DiscardReason)
	if err != nil {
		return entry, err
	}
	entry.Status = domain.DLQStatus(status)
	if len(args) > 0 {
		if err := json.Unmarshal(args, &entry.Args); err != nil {
			return entry, fmt.Errorf("decode args: %w", err)
		}
	}
	if len(kwargs) > 0 {
		if err := json.Unmarshal(kwargs, &entry.Kwargs); err != nil {
			return entry, fmt.Errorf("decode kwargs: %w", err)
		}
	}
	if len(labels) > 0 {
		if err := json.Unmarshal(labels, &entry.Labels); err != nil {
			return entry, fmt.Errorf("decode labels: %w", err)
		}
	}
	return entry, nil
}
