package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/taskhub/internal/domain"
)

// errTypeWorkerLost marks executions abandoned by a crashed or partitioned
// worker.
const errTypeWorkerLost = "WorkerLostError"

// StaleSweeper fails running executions whose worker stopped reporting. A
// worker crash leaves the row in running forever otherwise; the envelope
// itself is redelivered by the broker, so failing the stale row keeps the
// tracker consistent with what actually runs.
type StaleSweeper struct {
	tracker  domain.Tracker
	maxAge   time.Duration
	interval time.Duration
}

// NewStaleSweeper builds a sweeper. Zero durations fall back to defaults.
func NewStaleSweeper(tracker domain.Tracker, maxAge, interval time.Duration) *StaleSweeper {
	if tracker == nil {
		return nil
	}
	if maxAge <= 0 {
		maxAge = 30 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &StaleSweeper{tracker: tracker, maxAge: maxAge, interval: interval}
}

// Run sweeps once immediately, then on every tick until the context ends.
func (s *StaleSweeper) Run(ctx context.Context) {
	if s == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("stale sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *StaleSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("app.sweeper")
	ctx, span := tracer.Start(ctx, "StaleSweeper.sweepOnce")
	defer span.End()
	span.SetAttributes(attribute.Float64("sweeper.max_age_seconds", s.maxAge.Seconds()))

	running, err := s.tracker.GetRunningTasks(ctx)
	if err != nil {
		span.RecordError(err)
		slog.Error("stale sweep failed to list running tasks", slog.Any("error", err))
		return
	}

	swept := 0
	for _, rt := range running {
		if time.Duration(rt.RunningForMS)*time.Millisecond < s.maxAge {
			continue
		}
		msg := fmt.Sprintf("no worker report for more than %v, marked failed by sweeper", s.maxAge)
		err := s.tracker.OnTaskFinish(ctx, domain.FinishEvent{
			TaskID:       rt.TaskID,
			Status:       domain.TaskFailure,
			ErrorType:    errTypeWorkerLost,
			ErrorMessage: msg,
			DurationMS:   rt.RunningForMS,
		})
		if err != nil {
			slog.Error("stale sweep failed to mark task",
				slog.String("task_id", rt.TaskID),
				slog.Any("error", err))
			continue
		}
		swept++
		slog.Warn("stale running task failed by sweeper",
			slog.String("task_id", rt.TaskID),
			slog.String("task_name", rt.TaskName),
			slog.String("worker_id", rt.WorkerID),
			slog.Int64("running_for_ms", rt.RunningForMS))
	}
	span.SetAttributes(
		attribute.Int("sweeper.checked", len(running)),
		attribute.Int("sweeper.swept", swept),
	)
}
