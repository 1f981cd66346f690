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

// DeadLetterStore keeps DLQ entries as JSON blobs under {prefix}:dlq:{task_id}
// with sorted-set indices scored by failed_at: {prefix}:dlq:index:all and
// {prefix}:dlq:index:status:{status}.
type DeadLetterStore struct {
	rdb       *redis.Client
	prefix    string
	retention time.Duration
	now       func() time.Time
}

// NewDeadLetterStore wires a DLQ store over an existing client.
func NewDeadLetterStore(rdb *redis.Client, prefix string, retention time.Duration) *DeadLetterStore {
	return &DeadLetterStore{rdb: rdb, prefix: prefix, retention: retention, now: time.Now}
}

func (s *DeadLetterStore) entryKey(id string) string { return s.prefix + ":dlq:" + id }
func (s *DeadLetterStore) idxAll() string            { return s.prefix + ":dlq:index:all" }
func (s *DeadLetterStore) idxStatus(st domain.DLQStatus) string {
	return s.prefix + ":dlq:index:status:" + string(st)
}

// Record stores a new entry. The entry status is forced to pending.
func (s *DeadLetterStore) Record(ctx context.Context, entry domain.DLQEntry) error {
	if entry.TaskID == "" {
		return fmt.Errorf("op=dlq.record: %w: empty task id", domain.ErrInvalidArgument)
	}
	entry.Status = domain.DLQPending
	if entry.FailedAt.IsZero() {
		entry.FailedAt = s.now().UTC()
	}
	return s.write(ctx, entry, "op=dlq.record", "")
}

// Get returns one entry by the failed task's id.
func (s *DeadLetterStore) Get(ctx context.Context, taskID string) (domain.DLQEntry, error) {
	raw, err := s.rdb.Get(ctx, s.entryKey(taskID)).Result()
	if errors.Is(err, redis.Nil) {
		return domain.DLQEntry{}, fmt.Errorf("op=dlq.get: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.DLQEntry{}, fmt.Errorf("op=dlq.get: %w", err)
	}
	var entry domain.DLQEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return domain.DLQEntry{}, fmt.Errorf("op=dlq.get: %w", err)
	}
	return entry, nil
}

// List pages entries newest-failure-first, optionally narrowed to one status.
func (s *DeadLetterStore) List(ctx context.Context, limit, offset int, status domain.DLQStatus) ([]domain.DLQEntry, error) {
	if limit <= 0 || offset < 0 {
		return nil, fmt.Errorf("op=dlq.list: %w: limit %d offset %d", domain.ErrInvalidArgument, limit, offset)
	}
	idx := s.idxAll()
	if status != "" {
		idx = s.idxStatus(status)
	}
	ids, err := s.rdb.ZRevRange(ctx, idx, int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("op=dlq.list: %w", err)
	}
	out := make([]domain.DLQEntry, 0, len(ids))
	for _, id := range ids {
		entry, err := s.Get(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("op=dlq.list: %w", err)
		}
		out = append(out, entry)
	}
	return out, nil
}

// Count returns the number of entries, optionally for one status.
func (s *DeadLetterStore) Count(ctx context.Context, status domain.DLQStatus) (int64, error) {
	idx := s.idxAll()
	if status != "" {
		idx = s.idxStatus(status)
	}
	n, err := s.rdb.ZCard(ctx, idx).Result()
	if err != nil {
		return 0, fmt.Errorf("op=dlq.count: %w", err)
	}
	return n, nil
}

// MarkRetried flags a pending entry as retried under a fresh task id.
func (s *DeadLetterStore) MarkRetried(ctx context.Context, taskID, newTaskID string) error {
	entry, err := s.Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("op=dlq.mark_retried: %w", err)
	}
	if entry.Status != domain.DLQPending {
		return fmt.Errorf("op=dlq.mark_retried: %w: status %q", domain.ErrInvalidArgument, entry.Status)
	}
	prev := entry.Status
	entry.Status = domain.DLQRetried
	entry.RetriedAs = newTaskID
	return s.write(ctx, entry, "op=dlq.mark_retried", prev)
}

// MarkDiscarded flags a pending entry as discarded with an operator reason.
func (s *DeadLetterStore) MarkDiscarded(ctx context.Context, taskID, reason string) error {
	entry, err := s.Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("op=dlq.mark_discarded: %w", err)
	}
	if entry.Status != domain.DLQPending {
		return fmt.Errorf("op=dlq.mark_discarded: %w: status %q", domain.ErrInvalidArgument, entry.Status)
	}
	prev := entry.Status
	entry.Status = domain.DLQDiscarded
	entry.DiscardReason = reason
	return s.write(ctx, entry, "op=dlq.mark_discarded", prev)
}

func (s *DeadLetterStore) write(ctx context.Context, entry domain.DLQEntry, op string, prev domain.DLQStatus) error {
	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	score := float64(entry.FailedAt.UnixMilli())
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.entryKey(entry.TaskID), b, s.retention)
		pipe.ZAdd(ctx, s.idxAll(), redis.Z{Score: score, Member: entry.TaskID})
		pipe.Expire(ctx, s.idxAll(), s.retention)
		if prev != "" && prev != entry.Status {
			pipe.ZRem(ctx, s.idxStatus(prev), entry.TaskID)
		}
		pipe.ZAdd(ctx, s.idxStatus(entry.Status), redis.Z{Score: score, Member: entry.TaskID})
		pipe.Expire(ctx, s.idxStatus(entry.Status), s.retention)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
