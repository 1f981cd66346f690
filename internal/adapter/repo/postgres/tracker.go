package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/taskhub/internal/domain"
)

// PgxPool is the minimal pool surface the repos use, kept as an interface so
// tests can substitute a mock.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

const executionColumns = `task_id, task_name, status, created_at, started_at, finished_at,
	duration_ms, worker_id, queue_name, retry_count, max_retries, return_value,
	error_type, error_message, error_traceback, task_args, task_kwargs, labels, progress`

// Tracker persists execution records in the task_executions table.
type Tracker struct {
	Pool PgxPool
	now  func() time.Time
}

// NewTracker constructs a Tracker with the given pool.
func NewTracker(p PgxPool) *Tracker { return &Tracker{Pool: p, now: time.Now} }

// Connect verifies the backend is reachable and the schema is in place.
func (t *Tracker) Connect(ctx context.Context) error {
	if err := t.Pool.Ping(ctx); err != nil {
		return fmt.Errorf("op=tracker.connect: %w: %w", domain.ErrTrackerUnavailable, err)
	}
	return Migrate(ctx, t.Pool)
}

// Disconnect is a no-op; the pool is owned and closed by the caller.
func (t *Tracker) Disconnect(ctx context.Context) error { return nil }

// OnTaskSubmit inserts the pending row, leaving any existing row untouched.
func (t *Tracker) OnTaskSubmit(ctx context.Context, env domain.TaskEnvelope) error {
	tracer := otel.Tracer("repo.tracker")
	ctx, span := tracer.Start(ctx, "tracker.OnTaskSubmit")
	defer span.End()
	created := env.EnqueuedAt
	if created.IsZero() {
		created = t.now().UTC()
	}
	args, err := jsonArg(env.Args)
	if err != nil {
		return fmt.Errorf("op=tracker.on_task_submit: %w", err)
	}
	kwargs, err := jsonArg(env.Kwargs)
	if err != nil {
		return fmt.Errorf("op=tracker.on_task_submit: %w", err)
	}
	labels, err := jsonArg(env.Labels)
	if err != nil {
		return fmt.Errorf("op=tracker.on_task_submit: %w", err)
	}
	q := `INSERT INTO task_executions
		(task_id, task_name, status, created_at, queue_name, retry_count, max_retries, task_args, task_kwargs, labels)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (task_id) DO NOTHING`
	_, err = t.Pool.Exec(ctx, q, env.TaskID, env.TaskName, domain.TaskPending, created,
		env.QueueName, env.RetryCount, env.MaxRetries, args, kwargs, labels)
	if err != nil {
		return fmt.Errorf("op=tracker.on_task_submit: %w", err)
	}
	return nil
}

// OnTaskStart upserts the row into the running state and returns the
// post-call status. The conditional upsert refuses to touch terminal rows
// except a failure with retries left, which starts a fresh attempt in place.
func (t *Tracker) OnTaskStart(ctx context.Context, ev domain.StartEvent) (domain.TaskStatus, error) {
	tracer := otel.Tracer("repo.tracker")
	ctx, span := tracer.Start(ctx, "tracker.OnTaskStart")
	defer span.End()
	args, err := jsonArg(ev.Args)
	if err != nil {
		return "", fmt.Errorf("op=tracker.on_task_start: %w", err)
	}
	kwargs, err := jsonArg(ev.Kwargs)
	if err != nil {
		return "", fmt.Errorf("op=tracker.on_task_start: %w", err)
	}
	labels, err := jsonArg(ev.Labels)
	if err != nil {
		return "", fmt.Errorf("op=tracker.on_task_start: %w", err)
	}
	now := t.now().UTC()
	q := `INSERT INTO task_executions
		(task_id, task_name, status, created_at, started_at, worker_id, queue_name, retry_count, max_retries, task_args, task_kwargs, labels)
		VALUES ($1,$2,'running',$3,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (task_id) DO UPDATE SET
			status = 'running',
			started_at = EXCLUDED.started_at,
			worker_id = EXCLUDED.worker_id,
			queue_name = EXCLUDED.queue_name,
			retry_count = EXCLUDED.retry_count,
			max_retries = EXCLUDED.max_retries,
			finished_at = NULL,
			duration_ms = NULL,
			return_value = NULL,
			error_type = '',
			error_message = '',
			error_traceback = '',
			progress = NULL,
			task_args = COALESCE(EXCLUDED.task_args, task_executions.task_args),
			task_kwargs = COALESCE(EXCLUDED.task_kwargs, task_executions.task_kwargs),
			labels = COALESCE(EXCLUDED.labels, task_executions.labels)
		WHERE task_executions.status IN ('pending','running')
			OR (task_executions.status = 'failure' AND task_executions.retry_count < task_executions.max_retries)
		RETURNING status`
	var status string
	err = t.Pool.QueryRow(ctx, q, ev.TaskID, ev.TaskName, now, ev.WorkerID, ev.QueueName,
		ev.RetryCount, ev.MaxRetries, args, kwargs, labels).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		// Terminal row the upsert refused to touch; report its status as-is.
		row := t.Pool.QueryRow(ctx, `SELECT status FROM task_executions WHERE task_id=$1`, ev.TaskID)
		if err := row.Scan(&status); err != nil {
			return "", fmt.Errorf("op=tracker.on_task_start: %w", err)
		}
		return domain.TaskStatus(status), nil
	}
	if err != nil {
		return "", fmt.Errorf("op=tracker.on_task_start: %w", err)
	}
	return domain.TaskStatus(status), nil
}

// OnTaskFinish records the outcome; terminal rows are left untouched.
func (t *Tracker) OnTaskFinish(ctx context.Context, ev domain.FinishEvent) error {
	tracer := otel.Tracer("repo.tracker")
	ctx, span := tracer.Start(ctx, "tracker.OnTaskFinish")
	defer span.End()
	if ev.Status != domain.TaskSuccess && ev.Status != domain.TaskFailure {
		return fmt.Errorf("op=tracker.on_task_finish: %w: status %q", domain.ErrInvalidArgument, ev.Status)
	}
	var ret any
	if len(ev.ReturnValue) > 0 {
		ret = []byte(ev.ReturnValue)
	}
	q := `UPDATE task_executions SET
			status = $2,
			finished_at = $3,
			duration_ms = CASE
				WHEN $4::bigint > 0 THEN $4::bigint
				WHEN started_at IS NOT NULL THEN (EXTRACT(EPOCH FROM ($3::timestamptz - started_at)) * 1000)::bigint
				ELSE NULL END,
			return_value = $5,
			error_type = $6,
			error_message = $7,
			error_traceback = $8
		WHERE task_id = $1 AND status IN ('pending','running')`
	_, err := t.Pool.Exec(ctx, q, ev.TaskID, string(ev.Status), t.now().UTC(), ev.DurationMS,
		ret, ev.ErrorType, ev.ErrorMessage, ev.ErrorTraceback)
	if err != nil {
		return fmt.Errorf("op=tracker.on_task_finish: %w", err)
	}
	return nil
}

// CancelTask cancels a pending or running task. It returns false for
// terminal rows and ErrNotFound for unknown ids.
func (t *Tracker) CancelTask(ctx context.Context, taskID string) (bool, error) {
	tracer := otel.Tracer("repo.tracker")
	ctx, span := tracer.Start(ctx, "tracker.CancelTask")
	defer span.End()
	q := `UPDATE task_executions SET
			status = 'cancelled',
			finished_at = $2,
			duration_ms = CASE
				WHEN started_at IS NOT NULL THEN (EXTRACT(EPOCH FROM ($2::timestamptz - started_at)) * 1000)::bigint
				ELSE NULL END
		WHERE task_id = $1 AND status IN ('pending','running')`
	tag, err := t.Pool.Exec(ctx, q, taskID, t.now().UTC())
	if err != nil {
		return false, fmt.Errorf("op=tracker.cancel_task: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	var exists bool
	row := t.Pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM task_executions WHERE task_id=$1)`, taskID)
	if err := row.Scan(&exists); err != nil {
		return false, fmt.Errorf("op=tracker.cancel_task: %w", err)
	}
	if !exists {
		return false, fmt.Errorf("op=tracker.cancel_task: %w", domain.ErrNotFound)
	}
	return false, nil
}

// UpdateProgress stores an opaque progress payload.
func (t *Tracker) UpdateProgress(ctx context.Context, taskID string, progress json.RawMessage) error {
	tag, err := t.Pool.Exec(ctx, `UPDATE task_executions SET progress=$2 WHERE task_id=$1`, taskID, []byte(progress))
	if err != nil {
		return fmt.Errorf("op=tracker.update_progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=tracker.update_progress: %w", domain.ErrNotFound)
	}
	return nil
}

// GetTaskDetails loads one record by id.
func (t *Tracker) GetTaskDetails(ctx context.Context, taskID string) (domain.ExecutionRecord, error) {
	tracer := otel.Tracer("repo.tracker")
	ctx, span := tracer.Start(ctx, "tracker.GetTaskDetails")
	defer span.End()
	row := t.Pool.QueryRow(ctx, `SELECT `+executionColumns+` FROM task_executions WHERE task_id=$1`, taskID)
	rec, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ExecutionRecord{}, fmt.Errorf("op=tracker.get_task_details: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.ExecutionRecord{}, fmt.Errorf("op=tracker.get_task_details: %w", err)
	}
	return rec, nil
}

// GetRunningTasks lists running records, newest-started first.
func (t *Tracker) GetRunningTasks(ctx context.Context) ([]domain.RunningTask, error) {
	tracer := otel.Tracer("repo.tracker")
	ctx, span := tracer.Start(ctx, "tracker.GetRunningTasks")
	defer span.End()
	q := `SELECT ` + executionColumns + ` FROM task_executions
		WHERE status='running' ORDER BY started_at DESC NULLS LAST, task_id ASC`
	rows, err := t.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=tracker.get_running_tasks: %w", err)
	}
	defer rows.Close()
	now := t.now().UTC()
	out := []domain.RunningTask{}
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("op=tracker.get_running_tasks: %w", err)
		}
		var elapsed int64
		if rec.StartedAt != nil {
			elapsed = now.Sub(*rec.StartedAt).Milliseconds()
		}
		out = append(out, domain.RunningTask{ExecutionRecord: rec, RunningForMS: elapsed})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=tracker.get_running_tasks: %w", err)
	}
	return out, nil
}

// GetTaskHistory pages records matching the filter, newest first.
func (t *Tracker) GetTaskHistory(ctx context.Context, f domain.HistoryFilter, limit, offset int) ([]domain.ExecutionRecord, error) {
	tracer := otel.Tracer("repo.tracker")
	ctx, span := tracer.Start(ctx, "tracker.GetTaskHistory")
	defer span.End()
	if limit <= 0 {
		return nil, fmt.Errorf("op=tracker.get_task_history: %w: limit %d", domain.ErrInvalidArgument, limit)
	}
	if offset < 0 {
		return nil, fmt.Errorf("op=tracker.get_task_history: %w: offset %d", domain.ErrInvalidArgument, offset)
	}
	where, args := historyWhere(f, 1)
	q := `SELECT ` + executionColumns + ` FROM task_executions` + where +
		fmt.Sprintf(` ORDER BY created_at DESC, task_id ASC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)
	rows, err := t.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=tracker.get_task_history: %w", err)
	}
	defer rows.Close()
	out := []domain.ExecutionRecord{}
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("op=tracker.get_task_history: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=tracker.get_task_history: %w", err)
	}
	return out, nil
}

// CountTaskHistory counts records matching the filter.
func (t *Tracker) CountTaskHistory(ctx context.Context, f domain.HistoryFilter) (int64, error) {
	where, args := historyWhere(f, 1)
	var n int64
	row := t.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM task_executions`+where, args...)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("op=tracker.count_task_history: %w", err)
	}
	return n, nil
}

// GetStats aggregates the trailing window in two queries: one pass of
// filtered counts plus the per-name breakdown.
func (t *Tracker) GetStats(ctx context.Context, windowHours int) (domain.Stats, error) {
	tracer := otel.Tracer("repo.tracker")
	ctx, span := tracer.Start(ctx, "tracker.GetStats")
	defer span.End()
	if windowHours <= 0 {
		return domain.Stats{}, fmt.Errorf("op=tracker.get_stats: %w: window %dh", domain.ErrInvalidArgument, windowHours)
	}
	since := t.now().UTC().Add(-time.Duration(windowHours) * time.Hour)
	stats := domain.Stats{WindowHours: windowHours, ByTaskName: map[string]int64{}}
	q := `SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status='pending'),
			COUNT(*) FILTER (WHERE status='running'),
			COUNT(*) FILTER (WHERE status='success'),
			COUNT(*) FILTER (WHERE status='failure'),
			COUNT(*) FILTER (WHERE status='cancelled'),
			COALESCE(AVG(duration_ms) FILTER (WHERE status='success' AND duration_ms IS NOT NULL), 0)
		FROM task_executions WHERE created_at >= $1`
	row := t.Pool.QueryRow(ctx, q, since)
	if err := row.Scan(&stats.TotalCount, &stats.PendingCount, &stats.RunningCount,
		&stats.SuccessCount, &stats.FailureCount, &stats.CancelledCount, &stats.AvgDurationMS); err != nil {
		return domain.Stats{}, fmt.Errorf("op=tracker.get_stats: %w", err)
	}
	rows, err := t.Pool.Query(ctx,
		`SELECT task_name, COUNT(*) FROM task_executions WHERE created_at >= $1 GROUP BY task_name`, since)
	if err != nil {
		return domain.Stats{}, fmt.Errorf("op=tracker.get_stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var count int64
		if err := rows.Scan(&name, &count); err != nil {
			return domain.Stats{}, fmt.Errorf("op=tracker.get_stats: %w", err)
		}
		stats.ByTaskName[name] = count
	}
	if err := rows.Err(); err != nil {
		return domain.Stats{}, fmt.Errorf("op=tracker.get_stats: %w", err)
	}
	return stats, nil
}

// scanExecution reads one row in executionColumns order.
func scanExecution(row pgx.Row) (domain.ExecutionRecord, error) {
	var rec domain.ExecutionRecord
	var status string
	var ret, args, kwargs, labels, progress []byte
	err := row.Scan(&rec.TaskID, &rec.TaskName, &status, &rec.CreatedAt, &rec.StartedAt,
		&rec.FinishedAt, &rec.DurationMS, &rec.WorkerID, &rec.QueueName, &rec.RetryCount,
		&rec.MaxRetries, &ret, &rec.ErrorType, &rec.ErrorMessage, &rec.ErrorTraceback,
		&args, &kwargs, &labels, &progress)
	if err != nil {
		return rec, err
	}
	rec.Status = domain.TaskStatus(status)
	if len(ret) > 0 {
		rec.ReturnValue = json.RawMessage(ret)
	}
	if len(progress) > 0 {
		rec.Progress = json.RawMessage(progress)
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &rec.TaskArgs); err != nil {
			return rec, fmt.Errorf("decode task_args: %w", err)
		}
	}
	if len(kwargs) > 0 {
		if err := json.Unmarshal(kwargs, &rec.TaskKwargs); err != nil {
			return rec, fmt.Errorf("decode task_kwargs: %w", err)
		}
	}
	if len(labels) > 0 {
		if err := json.Unmarshal(labels, &rec.Labels); err != nil {
			return rec, fmt.Errorf("decode labels: %w", err)
		}
	}
	return rec, nil
}

// jsonArg encodes a composite value for a JSONB column, keeping nil (and
// typed nil slices/maps) as SQL NULL rather than jsonb null.
func jsonArg(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case []any:
		if x == nil {
			return nil, nil
		}
	case map[string]any:
		if x == nil {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}
