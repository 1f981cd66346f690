package rediskv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/taskhub/internal/domain"
)

// takeResultScript reads a result and deletes it together with its progress
// key in one atomic step, so two concurrent consumers cannot both observe it.
const takeResultScript = `
local v = redis.call("GET", KEYS[1])
if v then
  redis.call("DEL", KEYS[1], KEYS[2])
end
return v
`

// ResultStore keeps serialized task outcomes under {prefix}:{task_id} and
// out-of-band progress under {prefix}:{task_id}:progress, both with TTLs.
type ResultStore struct {
	rdb    *redis.Client
	prefix string
	take   *redis.Script
}

// NewResultStore wires a result store over an existing client.
func NewResultStore(rdb *redis.Client, prefix string) *ResultStore {
	return &ResultStore{
		rdb:    rdb,
		prefix: prefix,
		take:   redis.NewScript(takeResultScript),
	}
}

func (s *ResultStore) resultKey(id string) string   { return s.prefix + ":" + id }
func (s *ResultStore) progressKey(id string) string { return s.prefix + ":" + id + ":progress" }

// SetResult stores the entry with the given TTL, overwriting any previous one.
func (s *ResultStore) SetResult(ctx context.Context, entry domain.ResultEntry, ttl time.Duration) error {
	if entry.TaskID == "" {
		return fmt.Errorf("op=results.set: %w: empty task id", domain.ErrInvalidArgument)
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("op=results.set: %w", err)
	}
	if err := s.rdb.Set(ctx, s.resultKey(entry.TaskID), b, ttl).Err(); err != nil {
		return fmt.Errorf("op=results.set: %w", err)
	}
	return nil
}

// GetResult returns the stored entry. With keep=false the entry and its
// progress payload are consumed atomically with the read; a second call
// returns ErrResultMissing.
func (s *ResultStore) GetResult(ctx context.Context, taskID string, keep bool) (domain.ResultEntry, error) {
	var raw string
	var err error
	if keep {
		raw, err = s.rdb.Get(ctx, s.resultKey(taskID)).Result()
	} else {
		raw, err = s.take.Run(ctx, s.rdb, []string{s.resultKey(taskID), s.progressKey(taskID)}).Text()
	}
	if errors.Is(err, redis.Nil) {
		return domain.ResultEntry{}, fmt.Errorf("op=results.get: %w", domain.ErrResultMissing)
	}
	if err != nil {
		return domain.ResultEntry{}, fmt.Errorf("op=results.get: %w", err)
	}
	var entry domain.ResultEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return domain.ResultEntry{}, fmt.Errorf("op=results.get: %w", err)
	}
	return entry, nil
}

// IsReady reports whether a result is stored without consuming it.
func (s *ResultStore) IsReady(ctx context.Context, taskID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.resultKey(taskID)).Result()
	if err != nil {
		return false, fmt.Errorf("op=results.is_ready: %w", err)
	}
	return n > 0, nil
}

// SetProgress stores the latest progress payload; each write replaces the last.
func (s *ResultStore) SetProgress(ctx context.Context, taskID string, payload json.RawMessage, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, s.progressKey(taskID), string(payload), ttl).Err(); err != nil {
		return fmt.Errorf("op=results.set_progress: %w", err)
	}
	return nil
}

// GetProgress returns the latest progress payload, or ErrNotFound.
func (s *ResultStore) GetProgress(ctx context.Context, taskID string) (json.RawMessage, error) {
	raw, err := s.rdb.Get(ctx, s.progressKey(taskID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("op=results.get_progress: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("op=results.get_progress: %w", err)
	}
	return json.RawMessage(raw), nil
}
