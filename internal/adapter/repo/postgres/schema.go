package postgres

import (
	"context"
	"fmt"
)

// Schema statements are idempotent so both binaries can apply them at boot
// without coordination.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS task_executions (
		task_id         TEXT PRIMARY KEY,
		task_name       TEXT NOT NULL,
		status          TEXT NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL,
		started_at      TIMESTAMPTZ,
		finished_at     TIMESTAMPTZ,
		duration_ms     BIGINT,
		worker_id       TEXT NOT NULL DEFAULT '',
		queue_name      TEXT NOT NULL DEFAULT '',
		retry_count     INT NOT NULL DEFAULT 0,
		max_retries     INT NOT NULL DEFAULT 0,
		return_value    JSONB,
		error_type      TEXT NOT NULL DEFAULT '',
		error_message   TEXT NOT NULL DEFAULT '',
		error_traceback TEXT NOT NULL DEFAULT '',
		task_args       JSONB,
		task_kwargs     JSONB,
		labels          JSONB,
		progress        JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS idx_task_executions_created ON task_executions (created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_task_executions_name ON task_executions (task_name, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_task_executions_status ON task_executions (status, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_task_executions_worker ON task_executions (worker_id, status)`,
	`CREATE TABLE IF NOT EXISTS task_results (
		task_id       TEXT PRIMARY KEY,
		value         JSONB,
		error_type    TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		created_at    TIMESTAMPTZ NOT NULL,
		expires_at    TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_task_results_expires ON task_results (expires_at)`,
	`CREATE TABLE IF NOT EXISTS task_progress (
		task_id    TEXT PRIMARY KEY,
		payload    JSONB NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS dead_letters (
		task_id        TEXT PRIMARY KEY,
		task_name      TEXT NOT NULL,
		args           JSONB,
		kwargs         JSONB,
		labels         JSONB,
		queue_name     TEXT NOT NULL DEFAULT '',
		error_type     TEXT NOT NULL DEFAULT '',
		error_message  TEXT NOT NULL DEFAULT '',
		retry_count    INT NOT NULL DEFAULT 0,
		failed_at      TIMESTAMPTZ NOT NULL,
		status         TEXT NOT NULL DEFAULT 'pending',
		retried_as     TEXT NOT NULL DEFAULT '',
		discard_reason TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_dead_letters_failed ON dead_letters (failed_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_dead_letters_status ON dead_letters (status, failed_at DESC)`,
}

// Migrate applies the schema.
func Migrate(ctx context.Context, pool PgxPool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("op=postgres.migrate: %w", err)
		}
	}
	return nil
}
