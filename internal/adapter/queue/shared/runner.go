package shared

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/taskhub/internal/codec"
	"github.com/fairyhunter13/taskhub/internal/domain"
	"github.com/fairyhunter13/taskhub/internal/observability"
)

// Error type labels recorded on failed executions.
const (
	errTypeTimeout       = "timeout"
	errTypePanic         = "PanicError"
	errTypeHandler       = "HandlerError"
	errTypeNotRegistered = "HandlerNotRegistered"
)

// Runner drives one envelope through the full execution lifecycle. It is
// shared by every consumer goroutine, so it holds no per-task state.
//
// Tracker and result-store failures never fail the task: execution proceeds
// and the error is logged, so a degraded tracker degrades visibility, not
// processing.
type Runner struct {
	Registry *Registry
	Tracker  domain.Tracker
	Results  domain.ResultStore
	DLQ      domain.DeadLetterStore
	Broker   domain.Broker
	Codec    codec.Codec

	WorkerID       string
	Policy         domain.RetryPolicy
	ResultTTL      time.Duration
	DefaultTimeout time.Duration

	// sleep is swapped in tests to avoid real retry delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRunner wires a runner with the given collaborators.
func NewRunner(reg *Registry, tracker domain.Tracker, results domain.ResultStore, dlq domain.DeadLetterStore, broker domain.Broker, workerID string, policy domain.RetryPolicy, resultTTL, defaultTimeout time.Duration) *Runner {
	return &Runner{
		Registry:       reg,
		Tracker:        tracker,
		Results:        results,
		DLQ:            dlq,
		Broker:         broker,
		Codec:          codec.Default(),
		WorkerID:       workerID,
		Policy:         policy,
		ResultTTL:      resultTTL,
		DefaultTimeout: defaultTimeout,
		sleep:          sleepCtx,
	}
}

// Process executes one envelope to completion: success, a scheduled retry,
// or a dead-letter entry. A nil return means the delivery can be acked;
// the envelope must never be redelivered by the transport after that.
func (r *Runner) Process(ctx context.Context, env domain.TaskEnvelope) error {
	tracer := otel.Tracer("worker.runner")
	ctx, span := tracer.Start(ctx, "runner.Process")
	defer span.End()

	lg := observability.LoggerFromContext(ctx).With(
		slog.String("task_id", env.TaskID),
		slog.String("task_name", env.TaskName),
		slog.String("queue", env.QueueName),
		slog.Int("retry_count", env.RetryCount))
	ctx = observability.ContextWithLogger(ctx, lg)

	h, err := r.Registry.Get(env.TaskName)
	if err != nil {
		lg.Error("no handler for task", slog.Any("error", err))
		r.finish(ctx, domain.FinishEvent{
			TaskID:       env.TaskID,
			Status:       domain.TaskFailure,
			ErrorType:    errTypeNotRegistered,
			ErrorMessage: err.Error(),
		})
		r.deadLetter(ctx, env, errTypeNotRegistered, err.Error())
		return nil
	}

	post, err := r.Tracker.OnTaskStart(ctx, domain.StartEvent{
		TaskID:     env.TaskID,
		TaskName:   env.TaskName,
		WorkerID:   r.WorkerID,
		QueueName:  env.QueueName,
		Args:       env.Args,
		Kwargs:     env.Kwargs,
		Labels:     env.Labels,
		RetryCount: env.RetryCount,
		MaxRetries: env.MaxRetries,
	})
	if err != nil {
		lg.Error("tracker start failed, executing untracked", slog.Any("error", err))
		post = domain.TaskRunning
	}
	if post != domain.TaskRunning {
		// Cancelled before pickup, or a terminal leftover from a duplicate
		// delivery. Either way the handler must not run again.
		lg.Info("skipping envelope", slog.String("status", string(post)))
		return nil
	}

	observability.TasksProcessing.Inc()
	defer observability.TasksProcessing.Dec()

	started := time.Now()
	value, herr := r.invoke(ctx, h, env)
	duration := time.Since(started)

	if herr == nil {
		r.succeed(ctx, env, value, duration)
		return nil
	}
	return r.fail(ctx, h, env, herr, duration)
}

// invoke runs the handler under its timeout, converting panics to errors.
func (r *Runner) invoke(ctx context.Context, h Handler, env domain.TaskEnvelope) (value any, err error) {
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = r.DefaultTimeout
	}
	hctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	hctx, stopRun := context.WithCancel(hctx)
	defer stopRun()
	defer func() {
		if rec := recover(); rec != nil {
			observability.LoggerFromContext(ctx).Error("handler panicked",
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())))
			err = &panicError{value: rec, stack: debug.Stack()}
		}
	}()
	value, err = h.Fn(hctx, Request{
		TaskID:    env.TaskID,
		TaskName:  env.TaskName,
		Args:      env.Args,
		Kwargs:    env.Kwargs,
		Labels:    env.Labels,
		Attempt:   env.RetryCount,
		Report:    r.progressFunc(env.TaskID),
		Cancelled: r.cancelledFunc(env.TaskID, stopRun),
	})
	if err == nil && hctx.Err() != nil {
		err = hctx.Err()
	}
	return value, err
}

// cancelledFunc is the cancellation poll handed to handlers. A cancel
// observed through the tracker also stops the handler context so nested
// work unwinds without further polling.
func (r *Runner) cancelledFunc(taskID string, stop context.CancelFunc) func(context.Context) bool {
	return func(ctx context.Context) bool {
		if !r.taskCancelled(ctx, taskID) {
			return false
		}
		stop()
		return true
	}
}

// taskCancelled reports whether an operator cancelled the task mid-run.
// Tracker trouble reads as not cancelled; execution must not stall on it.
func (r *Runner) taskCancelled(ctx context.Context, taskID string) bool {
	rec, err := r.Tracker.GetTaskDetails(ctx, taskID)
	if err != nil {
		return false
	}
	return rec.Status == domain.TaskCancelled
}

// progressFunc gives handlers a fire-and-forget progress channel. Failures
// are logged and dropped so progress never interferes with execution.
func (r *Runner) progressFunc(taskID string) ProgressFunc {
	return func(ctx context.Context, payload any) {
		b, err := r.Codec.Encode(payload)
		if err != nil {
			slog.Warn("progress encode failed", slog.String("task_id", taskID), slog.Any("error", err))
			return
		}
		if err := r.Tracker.UpdateProgress(ctx, taskID, b); err != nil {
			slog.Warn("tracker progress update failed", slog.String("task_id", taskID), slog.Any("error", err))
		}
		if err := r.Results.SetProgress(ctx, taskID, b, r.ResultTTL); err != nil {
			slog.Warn("result progress update failed", slog.String("task_id", taskID), slog.Any("error", err))
		}
	}
}

func (r *Runner) succeed(ctx context.Context, env domain.TaskEnvelope, value any, duration time.Duration) {
	lg := observability.LoggerFromContext(ctx)
	encoded, err := r.Codec.Encode(value)
	if err != nil {
		lg.Error("result encode failed", slog.Any("error", err))
		encoded = nil
	}
	if err := r.Results.SetResult(ctx, domain.ResultEntry{
		TaskID: env.TaskID,
		Value:  encoded,
	}, r.ResultTTL); err != nil {
		lg.Error("result store failed", slog.Any("error", err))
	}
	r.finish(ctx, domain.FinishEvent{
		TaskID:      env.TaskID,
		Status:      domain.TaskSuccess,
		ReturnValue: encoded,
		DurationMS:  duration.Milliseconds(),
	})
	observability.TasksCompletedTotal.WithLabelValues(env.TaskName).Inc()
	observability.TaskDuration.WithLabelValues(env.TaskName, string(domain.TaskSuccess)).Observe(duration.Seconds())
	lg.Info("task succeeded", slog.Duration("duration", duration))
}

// fail records the failed attempt and either schedules a retry or dead
// letters the envelope. Only a failed republish bubbles up, so the transport
// redelivers and no attempt is lost.
func (r *Runner) fail(ctx context.Context, h Handler, env domain.TaskEnvelope, herr error, duration time.Duration) error {
	lg := observability.LoggerFromContext(ctx)
	etype, traceback := classifyError(herr)
	maxRetries := env.MaxRetries
	if h.MaxRetries > 0 {
		maxRetries = h.MaxRetries
	}
	retryable := domain.RetryAllTransient
	if h.Retryable != nil {
		retryable = h.Retryable
	}

	r.finish(ctx, domain.FinishEvent{
		TaskID:         env.TaskID,
		Status:         domain.TaskFailure,
		ErrorType:      etype,
		ErrorMessage:   herr.Error(),
		ErrorTraceback: traceback,
		DurationMS:     duration.Milliseconds(),
	})

	if r.taskCancelled(ctx, env.TaskID) {
		// The finish above was a no-op against the cancelled row. The
		// attempt just stops: no retry, no dead letter.
		lg.Info("cancellation observed mid-run, dropping envelope", slog.Duration("duration", duration))
		return nil
	}
	observability.TasksFailedTotal.WithLabelValues(env.TaskName, etype).Inc()
	observability.TaskDuration.WithLabelValues(env.TaskName, string(domain.TaskFailure)).Observe(duration.Seconds())

	if retryable(herr) && env.RetryCount < maxRetries {
		next := env
		next.RetryCount++
		delay := r.Policy.Delay(next.RetryCount)
		lg.Warn("task failed, scheduling retry",
			slog.Any("error", herr),
			slog.Int("next_attempt", next.RetryCount),
			slog.Duration("delay", delay))
		if err := r.sleep(ctx, delay); err != nil {
			return fmt.Errorf("op=runner.retry: %w", err)
		}
		if err := r.Broker.Submit(ctx, next); err != nil {
			lg.Error("retry republish failed", slog.Any("error", err))
			return fmt.Errorf("op=runner.retry: %w", err)
		}
		observability.TasksRetriedTotal.WithLabelValues(env.TaskName).Inc()
		return nil
	}

	lg.Error("task failed terminally",
		slog.Any("error", herr),
		slog.String("error_type", etype),
		slog.Bool("retryable", retryable(herr)))
	if err := r.Results.SetResult(ctx, domain.ResultEntry{
		TaskID:       env.TaskID,
		ErrorType:    etype,
		ErrorMessage: herr.Error(),
	}, r.ResultTTL); err != nil {
		lg.Error("result store failed", slog.Any("error", err))
	}
	r.deadLetter(ctx, env, etype, herr.Error())
	return nil
}

// finish reports the outcome to the tracker, absorbing tracker errors.
func (r *Runner) finish(ctx context.Context, ev domain.FinishEvent) {
	if err := r.Tracker.OnTaskFinish(ctx, ev); err != nil {
		observability.LoggerFromContext(ctx).Error("tracker finish failed", slog.Any("error", err))
	}
}

func (r *Runner) deadLetter(ctx context.Context, env domain.TaskEnvelope, etype, message string) {
	err := r.DLQ.Record(ctx, domain.DLQEntry{
		TaskID:       env.TaskID,
		TaskName:     env.TaskName,
		Args:         env.Args,
		Kwargs:       env.Kwargs,
		Labels:       env.Labels,
		QueueName:    env.QueueName,
		ErrorType:    etype,
		ErrorMessage: message,
		RetryCount:   env.RetryCount,
	})
	if err != nil {
		observability.LoggerFromContext(ctx).Error("dead letter record failed", slog.Any("error", err))
		return
	}
	observability.DLQEntriesTotal.WithLabelValues(env.TaskName).Inc()
}

// panicError wraps a recovered panic so it flows through the error path.
type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.value) }

// classifyError maps a handler error to an error type label and, for panics,
// a traceback.
func classifyError(err error) (string, string) {
	var pe *panicError
	switch {
	case errors.As(err, &pe):
		return errTypePanic, string(pe.stack)
	case errors.Is(err, context.DeadlineExceeded):
		return errTypeTimeout, ""
	default:
		return errTypeHandler, ""
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// DecodeEnvelope parses a wire payload into an envelope, validating the
// fields consumers rely on.
func DecodeEnvelope(data []byte) (domain.TaskEnvelope, error) {
	var env domain.TaskEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return domain.TaskEnvelope{}, fmt.Errorf("op=envelope.decode: %w", err)
	}
	if env.TaskID == "" || env.TaskName == "" {
		return domain.TaskEnvelope{}, fmt.Errorf("op=envelope.decode: %w: task_id and task_name are required", domain.ErrInvalidArgument)
	}
	return env, nil
}
