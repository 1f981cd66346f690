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

// ResultStore persists task outcomes in task_results and progress payloads
// in task_progress. Expired rows are filtered on read and reaped by the
// retention service.
type ResultStore struct {
	Pool PgxPool
	now  func() time.Time
}

// NewResultStore constructs a ResultStore with the given pool.
func NewResultStore(p PgxPool) *ResultStore { return &ResultStore{Pool: p, now: time.Now} }

// SetResult stores the entry, overwriting any previous one.
func (s *ResultStore) SetResult(ctx context.Context, entry domain.ResultEntry, ttl time.Duration) error {
	tracer := otel.Tracer("repo.results")
	ctx, span := tracer.Start(ctx, "results.SetResult")
	defer span.End()
	if entry.TaskID == "" {
		return fmt.Errorf("op=results.set: %w: empty task id", domain.ErrInvalidArgument)
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now().UTC()
	}
	var value any
	if len(entry.Value) > 0 {
		value = []byte(entry.Value)
	}
	q := `INSERT INTO task_results (task_id, value, error_type, error_message, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (task_id) DO UPDATE SET
			value = EXCLUDED.value,
			error_type = EXCLUDED.error_type,
			error_message = EXCLUDED.error_message,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at`
	_, err := s.Pool.Exec(ctx, q, entry.TaskID, value, entry.ErrorType, entry.ErrorMessage,
		entry.CreatedAt, entry.CreatedAt.Add(ttl))
	if err != nil {
		return fmt.Errorf("op=results.set: %w", err)
	}
	return nil
}

// GetResult returns the stored entry. With keep=false the read deletes the
// row (and its progress) in one statement, so only one consumer wins.
func (s *ResultStore) GetResult(ctx context.Context, taskID string, keep bool) (domain.ResultEntry, error) {
	tracer := otel.Tracer("repo.results")
	ctx, span := tracer.Start(ctx, "results.GetResult")
	defer span.End()
	var q string
	if keep {
		q = `SELECT task_id, value, error_type, error_message, created_at
			FROM task_results WHERE task_id=$1 AND expires_at > $2`
	} else {
		q = `DELETE FROM task_results WHERE task_id=$1 AND expires_at > $2
			RETURNING task_id, value, error_type, error_message, created_at`
	}
	row := s.Pool.QueryRow(ctx, q, taskID, s.now().UTC())
	var entry domain.ResultEntry
	var value []byte
	err := row.Scan(&entry.TaskID, &value, &entry.ErrorType, &entry.ErrorMessage, &entry.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ResultEntry{}, fmt.Errorf("op=results.get: %w", domain.ErrResultMissing)
	}
	if err != nil {
		return domain.ResultEntry{}, fmt.Errorf("op=results.get: %w", err)
	}
	if len(value) > 0 {
		entry.Value = json.RawMessage(value)
	}
	if !keep {
		if _, err := s.Pool.Exec(ctx, `DELETE FROM task_progress WHERE task_id=$1`, taskID); err != nil {
			return domain.ResultEntry{}, fmt.Errorf("op=results.get: %w", err)
		}
	}
	return entry, nil
}

// IsReady reports whether an unexpired result exists without consuming it.
func (s *ResultStore) IsReady(ctx context.Context, taskID string) (bool, error) {
	var ready bool
	row := s.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM task_results WHERE task_id=$1 AND expires_at > $2)`,
		taskID, s.now().UTC())
	if err := row.Scan(&ready); err != nil {
		return false, fmt.Errorf("op=results.is_ready: %w", err)
	}
	return ready, nil
}

// SetProgress stores the latest progress payload; each write replaces the last.
func (s *ResultStore) SetProgress(ctx context.Context, taskID string, payload json.RawMessage, ttl time.Duration) error {
	q := `INSERT INTO task_progress (task_id, payload, expires_at) VALUES ($1,$2,$3)
		ON CONFLICT (task_id) DO UPDATE SET payload = EXCLUDED.payload, expires_at = EXCLUDED.expires_at`
	_, err := s.Pool.Exec(ctx, q, taskID, []byte(payload), s.now().UTC().Add(ttl))
	if err != nil {
		return fmt.Errorf("op=results.set_progress: %w", err)
	}
	return nil
}

// GetProgress returns the latest unexpired progress payload, or ErrNotFound.
func (s *ResultStore) GetProgress(ctx context.Context, taskID string) (json.RawMessage, error) {
	var payload []byte
	row := s.Pool.QueryRow(ctx,
		`SELECT payload FROM task_progress WHERE task_id=$1 AND expires_at > $2`, taskID, s.now().UTC())
	err := row.Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("op=results.get_progress: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("op=results.get_progress: %w", err)
	}
	return json.RawMessage(payload), nil
}
