package rediskv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/taskhub/internal/domain"
)

// txRetries bounds optimistic retries when a watched key changes mid-transition.
const txRetries = 5

// Tracker stores execution records in Redis hashes under
// {prefix}:exec:{task_id}, with sorted-set indices scored by created_at
// (unix milliseconds) under {prefix}:index:all, {prefix}:index:name:{name}
// and {prefix}:index:status:{status}. A volatile {prefix}:running:{task_id}
// marker with a TTL lets the sweeper spot executions whose worker died.
type Tracker struct {
	rdb        *redis.Client
	prefix     string
	retention  time.Duration
	runningTTL time.Duration
	now        func() time.Time
}

// NewTracker wires a tracker over an existing client. retention bounds how
// long finished rows stay queryable; runningTTL is the liveness marker TTL.
func NewTracker(rdb *redis.Client, prefix string, retention, runningTTL time.Duration) *Tracker {
	return &Tracker{
		rdb:        rdb,
		prefix:     prefix,
		retention:  retention,
		runningTTL: runningTTL,
		now:        time.Now,
	}
}

func (t *Tracker) execKey(id string) string    { return t.prefix + ":exec:" + id }
func (t *Tracker) runningKey(id string) string { return t.prefix + ":running:" + id }
func (t *Tracker) idxAll() string              { return t.prefix + ":index:all" }
func (t *Tracker) idxName(name string) string  { return t.prefix + ":index:name:" + name }
func (t *Tracker) idxStatus(s domain.TaskStatus) string {
	return t.prefix + ":index:status:" + string(s)
}

// Connect verifies the backend is reachable.
func (t *Tracker) Connect(ctx context.Context) error {
	if err := t.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("op=tracker.connect: %w: %w", domain.ErrTrackerUnavailable, err)
	}
	return nil
}

// Disconnect releases the underlying client.
func (t *Tracker) Disconnect(ctx context.Context) error {
	return t.rdb.Close()
}

// OnTaskSubmit writes the pending row so the task is visible and cancellable
// before a worker claims it. An existing row is left untouched.
func (t *Tracker) OnTaskSubmit(ctx context.Context, env domain.TaskEnvelope) error {
	created := env.EnqueuedAt
	if created.IsZero() {
		created = t.now().UTC()
	}
	rec := domain.ExecutionRecord{
		TaskID:     env.TaskID,
		TaskName:   env.TaskName,
		Status:     domain.TaskPending,
		CreatedAt:  created,
		QueueName:  env.QueueName,
		RetryCount: env.RetryCount,
		MaxRetries: env.MaxRetries,
		TaskArgs:   env.Args,
		TaskKwargs: env.Kwargs,
		Labels:     env.Labels,
	}
	err := t.transition(ctx, env.TaskID, func(cur domain.ExecutionRecord, exists bool) (writeOp, error) {
		if exists {
			return writeOp{}, nil
		}
		return writeOp{record: &rec, newStatus: domain.TaskPending}, nil
	})
	if err != nil {
		return fmt.Errorf("op=tracker.on_task_submit: %w", err)
	}
	return nil
}

// OnTaskStart transitions the row to running and returns the post-call
// status. If the row was cancelled before the worker picked the envelope up,
// the returned status is cancelled and the caller must not run the handler.
// A redelivery after a retryable failure overwrites the attempt in place.
func (t *Tracker) OnTaskStart(ctx context.Context, ev domain.StartEvent) (domain.TaskStatus, error) {
	var post domain.TaskStatus
	now := t.now().UTC()
	err := t.transition(ctx, ev.TaskID, func(cur domain.ExecutionRecord, exists bool) (writeOp, error) {
		if exists && cur.Status.Terminal() {
			retryable := cur.Status == domain.TaskFailure && cur.RetryCount < cur.MaxRetries
			if !retryable {
				post = cur.Status
				return writeOp{}, nil
			}
			// New attempt replaces the failed one; creation time is kept so
			// history ordering stays stable across attempts.
			next := startRecord(ev, cur.CreatedAt, now)
			post = domain.TaskRunning
			return writeOp{record: &next, oldStatus: cur.Status, newStatus: domain.TaskRunning, replace: true, running: true}, nil
		}
		created := now
		old := domain.TaskStatus("")
		if exists {
			created = cur.CreatedAt
			old = cur.Status
		}
		next := startRecord(ev, created, now)
		if exists {
			// Preserve enqueue-time payload when the start event omits it.
			if next.TaskArgs == nil {
				next.TaskArgs = cur.TaskArgs
			}
			if next.TaskKwargs == nil {
				next.TaskKwargs = cur.TaskKwargs
			}
			if next.Labels == nil {
				next.Labels = cur.Labels
			}
		}
		post = domain.TaskRunning
		return writeOp{record: &next, oldStatus: old, newStatus: domain.TaskRunning, replace: exists, running: true}, nil
	})
	if err != nil {
		return "", fmt.Errorf("op=tracker.on_task_start: %w", err)
	}
	return post, nil
}

// OnTaskFinish records the outcome of a run. Finishing an already terminal
// row is a no-op, which makes duplicate deliveries and late finishes safe.
func (t *Tracker) OnTaskFinish(ctx context.Context, ev domain.FinishEvent) error {
	if ev.Status != domain.TaskSuccess && ev.Status != domain.TaskFailure {
		return fmt.Errorf("op=tracker.on_task_finish: %w: status %q", domain.ErrInvalidArgument, ev.Status)
	}
	now := t.now().UTC()
	err := t.transition(ctx, ev.TaskID, func(cur domain.ExecutionRecord, exists bool) (writeOp, error) {
		if !exists {
			slog.Warn("finish for unknown task", slog.String("task_id", ev.TaskID))
			return writeOp{}, nil
		}
		if cur.Status.Terminal() {
			return writeOp{}, nil
		}
		next := cur
		next.Status = ev.Status
		next.FinishedAt = &now
		switch {
		case ev.DurationMS > 0:
			dur := ev.DurationMS
			next.DurationMS = &dur
		case cur.StartedAt != nil:
			dur := now.Sub(*cur.StartedAt).Milliseconds()
			next.DurationMS = &dur
		}
		next.ReturnValue = ev.ReturnValue
		next.ErrorType = ev.ErrorType
		next.ErrorMessage = ev.ErrorMessage
		next.ErrorTraceback = ev.ErrorTraceback
		return writeOp{record: &next, oldStatus: cur.Status, newStatus: ev.Status, replace: true}, nil
	})
	if err != nil {
		return fmt.Errorf("op=tracker.on_task_finish: %w", err)
	}
	return nil
}

// CancelTask marks a pending or running task cancelled. It returns false
// when the row is already terminal, and ErrNotFound when no row exists.
// The cancellation is advisory for running tasks: the handler keeps running,
// but its eventual finish will not overwrite the cancelled status.
func (t *Tracker) CancelTask(ctx context.Context, taskID string) (bool, error) {
	cancelled := false
	now := t.now().UTC()
	err := t.transition(ctx, taskID, func(cur domain.ExecutionRecord, exists bool) (writeOp, error) {
		if !exists {
			return writeOp{}, domain.ErrNotFound
		}
		if cur.Status.Terminal() {
			return writeOp{}, nil
		}
		next := cur
		next.Status = domain.TaskCancelled
		next.FinishedAt = &now
		if cur.StartedAt != nil {
			dur := now.Sub(*cur.StartedAt).Milliseconds()
			next.DurationMS = &dur
		}
		cancelled = true
		return writeOp{record: &next, oldStatus: cur.Status, newStatus: domain.TaskCancelled, replace: true}, nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, fmt.Errorf("op=tracker.cancel_task: %w", domain.ErrNotFound)
		}
		return false, fmt.Errorf("op=tracker.cancel_task: %w", err)
	}
	return cancelled, nil
}

// UpdateProgress stores an opaque progress payload on a running row.
func (t *Tracker) UpdateProgress(ctx context.Context, taskID string, progress json.RawMessage) error {
	key := t.execKey(taskID)
	exists, err := t.rdb.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("op=tracker.update_progress: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("op=tracker.update_progress: %w", domain.ErrNotFound)
	}
	if err := t.rdb.HSet(ctx, key, fieldProgress, string(progress)).Err(); err != nil {
		return fmt.Errorf("op=tracker.update_progress: %w", err)
	}
	return nil
}

// writeOp describes the mutation a transition callback decided on. A nil
// record means no write. replace deletes the hash first so stale optional
// fields from the previous attempt cannot leak into the new one.
type writeOp struct {
	record    *domain.ExecutionRecord
	oldStatus domain.TaskStatus
	newStatus domain.TaskStatus
	replace   bool
	running   bool
}

// transition runs an optimistic read-decide-write cycle on one record,
// retrying when a concurrent writer invalidates the watched key.
func (t *Tracker) transition(ctx context.Context, taskID string, decide func(cur domain.ExecutionRecord, exists bool) (writeOp, error)) error {
	key := t.execKey(taskID)
	txn := func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		var cur domain.ExecutionRecord
		exists := len(fields) > 0
		if exists {
			if cur, err = parseRecord(fields); err != nil {
				return err
			}
		}
		op, err := decide(cur, exists)
		if err != nil {
			return err
		}
		if op.record == nil {
			return nil
		}
		hash, err := recordFields(*op.record)
		if err != nil {
			return err
		}
		score := float64(op.record.CreatedAt.UnixMilli())
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if op.replace {
				pipe.Del(ctx, key)
			}
			pipe.HSet(ctx, key, hash)
			pipe.Expire(ctx, key, t.retention)
			member := op.record.TaskID
			pipe.ZAdd(ctx, t.idxAll(), redis.Z{Score: score, Member: member})
			pipe.Expire(ctx, t.idxAll(), t.retention)
			pipe.ZAdd(ctx, t.idxName(op.record.TaskName), redis.Z{Score: score, Member: member})
			pipe.Expire(ctx, t.idxName(op.record.TaskName), t.retention)
			if op.oldStatus != "" && op.oldStatus != op.newStatus {
				pipe.ZRem(ctx, t.idxStatus(op.oldStatus), member)
			}
			pipe.ZAdd(ctx, t.idxStatus(op.newStatus), redis.Z{Score: score, Member: member})
			pipe.Expire(ctx, t.idxStatus(op.newStatus), t.retention)
			if op.running {
				pipe.Set(ctx, t.runningKey(member), op.record.WorkerID, t.runningTTL)
			} else if op.newStatus.Terminal() {
				pipe.Del(ctx, t.runningKey(member))
			}
			return nil
		})
		return err
	}
	var err error
	for i := 0; i < txRetries; i++ {
		err = t.rdb.Watch(ctx, txn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

// startRecord builds the running-state row for a start event.
func startRecord(ev domain.StartEvent, createdAt, startedAt time.Time) domain.ExecutionRecord {
	started := startedAt
	return domain.ExecutionRecord{
		TaskID:     ev.TaskID,
		TaskName:   ev.TaskName,
		Status:     domain.TaskRunning,
		CreatedAt:  createdAt,
		StartedAt:  &started,
		WorkerID:   ev.WorkerID,
		QueueName:  ev.QueueName,
		RetryCount: ev.RetryCount,
		MaxRetries: ev.MaxRetries,
		TaskArgs:   ev.Args,
		TaskKwargs: ev.Kwargs,
		Labels:     ev.Labels,
	}
}
