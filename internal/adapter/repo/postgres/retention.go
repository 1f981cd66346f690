package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
)

// RetentionService reaps expired results and progress rows and deletes
// execution and dead-letter rows older than the retention horizon. The KV
// backend gets the same behavior from key TTLs.
type RetentionService struct {
	Pool      PgxPool
	Retention time.Duration
	now       func() time.Time
}

// NewRetentionService creates a retention service. retention <= 0 falls back
// to seven days.
func NewRetentionService(pool PgxPool, retention time.Duration) *RetentionService {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &RetentionService{Pool: pool, Retention: retention, now: time.Now}
}

// Sweep removes everything past its horizon in one transaction.
func (s *RetentionService) Sweep(ctx context.Context) error {
	now := s.now().UTC()
	cutoff := now.Add(-s.Retention)

	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=retention.sweep: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	deleted := map[string]int64{}
	for table, stmt := range map[string]struct {
		q   string
		arg time.Time
	}{
		"task_results":    {`DELETE FROM task_results WHERE expires_at <= $1`, now},
		"task_progress":   {`DELETE FROM task_progress WHERE expires_at <= $1`, now},
		"task_executions": {`DELETE FROM task_executions WHERE created_at < $1 AND status IN ('success','failure','cancelled')`, cutoff},
		"dead_letters":    {`DELETE FROM dead_letters WHERE failed_at < $1`, cutoff},
	} {
		tag, err := tx.Exec(ctx, stmt.q, stmt.arg)
		if err != nil {
			return fmt.Errorf("op=retention.sweep: %s: %w", table, err)
		}
		deleted[table] = tag.RowsAffected()
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=retention.sweep: %w", err)
	}
	slog.Info("retention sweep complete",
		slog.Int64("results", deleted["task_results"]),
		slog.Int64("progress", deleted["task_progress"]),
		slog.Int64("executions", deleted["task_executions"]),
		slog.Int64("dead_letters", deleted["dead_letters"]))
	return nil
}

// Run sweeps on the given interval until the context ends.
func (s *RetentionService) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				slog.Error("retention sweep failed", slog.Any("error", err))
			}
		}
	}
}
