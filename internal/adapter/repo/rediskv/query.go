package rediskv

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/taskhub/internal/domain"
)

// countBatch bounds how many index members a single filtered count fetch pulls.
const countBatch = 500

// GetTaskDetails returns the record for one task id.
func (t *Tracker) GetTaskDetails(ctx context.Context, taskID string) (domain.ExecutionRecord, error) {
	fields, err := t.rdb.HGetAll(ctx, t.execKey(taskID)).Result()
	if err != nil {
		return domain.ExecutionRecord{}, fmt.Errorf("op=tracker.get_task_details: %w", err)
	}
	if len(fields) == 0 {
		return domain.ExecutionRecord{}, fmt.Errorf("op=tracker.get_task_details: %w", domain.ErrNotFound)
	}
	rec, err := parseRecord(fields)
	if err != nil {
		return domain.ExecutionRecord{}, fmt.Errorf("op=tracker.get_task_details: %w", err)
	}
	return rec, nil
}

// GetRunningTasks lists records currently in the running state, annotated
// with elapsed time, newest-started first.
func (t *Tracker) GetRunningTasks(ctx context.Context) ([]domain.RunningTask, error) {
	ids, err := t.rdb.ZRevRange(ctx, t.idxStatus(domain.TaskRunning), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("op=tracker.get_running_tasks: %w", err)
	}
	recs, err := t.fetchRecords(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("op=tracker.get_running_tasks: %w", err)
	}
	now := t.now().UTC()
	out := make([]domain.RunningTask, 0, len(recs))
	for _, rec := range recs {
		if rec.Status != domain.TaskRunning {
			continue
		}
		var elapsed int64
		if rec.StartedAt != nil {
			elapsed = now.Sub(*rec.StartedAt).Milliseconds()
		}
		out = append(out, domain.RunningTask{ExecutionRecord: rec, RunningForMS: elapsed})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.StartedAt != nil && b.StartedAt != nil && !a.StartedAt.Equal(*b.StartedAt) {
			return a.StartedAt.After(*b.StartedAt)
		}
		return a.TaskID < b.TaskID
	})
	return out, nil
}

// GetTaskHistory pages records matching the filter, newest first with
// task_id as the tiebreak. The most selective index serves the scan
// (task name, then status, then the full index); residual filter fields are
// applied in memory over a bounded over-fetch, so heavily filtered pages deep
// into history may come back short.
func (t *Tracker) GetTaskHistory(ctx context.Context, f domain.HistoryFilter, limit, offset int) ([]domain.ExecutionRecord, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("op=tracker.get_task_history: %w: limit %d", domain.ErrInvalidArgument, limit)
	}
	if offset < 0 {
		return nil, fmt.Errorf("op=tracker.get_task_history: %w: offset %d", domain.ErrInvalidArgument, offset)
	}
	idx, residual := t.pickIndex(f)
	t.pruneIndex(ctx, idx)

	want := int64(offset + limit)
	if residual {
		want *= 3
	}
	ids, err := t.rdb.ZRevRangeByScore(ctx, idx, &redis.ZRangeBy{
		Min:   scoreMin(f),
		Max:   scoreMax(f),
		Count: want,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("op=tracker.get_task_history: %w", err)
	}
	recs, err := t.fetchRecords(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("op=tracker.get_task_history: %w", err)
	}
	matched := recs[:0]
	for _, rec := range recs {
		if f.Matches(rec) {
			matched = append(matched, rec)
		}
	}
	sortNewestFirst(matched)
	if offset >= len(matched) {
		return []domain.ExecutionRecord{}, nil
	}
	matched = matched[offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// CountTaskHistory counts records matching the filter. Filters fully served
// by one index count in the backend; anything else walks the index in batches.
func (t *Tracker) CountTaskHistory(ctx context.Context, f domain.HistoryFilter) (int64, error) {
	idx, residual := t.pickIndex(f)
	t.pruneIndex(ctx, idx)
	if !residual {
		n, err := t.rdb.ZCount(ctx, idx, scoreMin(f), scoreMax(f)).Result()
		if err != nil {
			return 0, fmt.Errorf("op=tracker.count_task_history: %w", err)
		}
		return n, nil
	}
	var total int64
	for start := int64(0); ; start += countBatch {
		ids, err := t.rdb.ZRevRangeByScore(ctx, idx, &redis.ZRangeBy{
			Min:    scoreMin(f),
			Max:    scoreMax(f),
			Offset: start,
			Count:  countBatch,
		}).Result()
		if err != nil {
			return 0, fmt.Errorf("op=tracker.count_task_history: %w", err)
		}
		if len(ids) == 0 {
			return total, nil
		}
		recs, err := t.fetchRecords(ctx, ids)
		if err != nil {
			return 0, fmt.Errorf("op=tracker.count_task_history: %w", err)
		}
		for _, rec := range recs {
			if f.Matches(rec) {
				total++
			}
		}
		if int64(len(ids)) < countBatch {
			return total, nil
		}
	}
}

// GetStats aggregates the trailing window from the full index.
func (t *Tracker) GetStats(ctx context.Context, windowHours int) (domain.Stats, error) {
	if windowHours <= 0 {
		return domain.Stats{}, fmt.Errorf("op=tracker.get_stats: %w: window %dh", domain.ErrInvalidArgument, windowHours)
	}
	t.pruneIndex(ctx, t.idxAll())
	since := t.now().UTC().Add(-time.Duration(windowHours) * time.Hour)
	ids, err := t.rdb.ZRangeByScore(ctx, t.idxAll(), &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return domain.Stats{}, fmt.Errorf("op=tracker.get_stats: %w", err)
	}
	recs, err := t.fetchRecords(ctx, ids)
	if err != nil {
		return domain.Stats{}, fmt.Errorf("op=tracker.get_stats: %w", err)
	}
	stats := domain.Stats{WindowHours: windowHours, ByTaskName: map[string]int64{}}
	var durSum int64
	var durN int64
	for _, rec := range recs {
		stats.TotalCount++
		stats.ByTaskName[rec.TaskName]++
		switch rec.Status {
		case domain.TaskPending:
			stats.PendingCount++
		case domain.TaskRunning:
			stats.RunningCount++
		case domain.TaskSuccess:
			stats.SuccessCount++
		case domain.TaskFailure:
			stats.FailureCount++
		case domain.TaskCancelled:
			stats.CancelledCount++
		}
		if rec.Status == domain.TaskSuccess && rec.DurationMS != nil {
			durSum += *rec.DurationMS
			durN++
		}
	}
	if durN > 0 {
		stats.AvgDurationMS = float64(durSum) / float64(durN)
	}
	return stats, nil
}

// pickIndex chooses the sorted set that prunes the most rows and reports
// whether in-memory filtering is still needed afterwards.
func (t *Tracker) pickIndex(f domain.HistoryFilter) (string, bool) {
	residualBase := f.WorkerID != "" || f.ErrorType != "" || f.MinDurationMS != nil || f.MaxDurationMS != nil
	switch {
	case f.TaskName != "":
		return t.idxName(f.TaskName), residualBase || f.Status != ""
	case f.Status != "":
		return t.idxStatus(f.Status), residualBase
	default:
		return t.idxAll(), residualBase
	}
}

// pruneIndex drops members older than the retention horizon. The record
// hashes expire on their own; this keeps the indices from referencing them.
func (t *Tracker) pruneIndex(ctx context.Context, idx string) {
	horizon := t.now().UTC().Add(-t.retention).UnixMilli()
	if err := t.rdb.ZRemRangeByScore(ctx, idx, "-inf", strconv.FormatInt(horizon, 10)).Err(); err != nil {
		slog.Warn("index prune failed", slog.String("index", idx), slog.Any("error", err))
	}
}

// fetchRecords loads hashes for the given ids, skipping ids whose hash has
// expired between the index read and the fetch.
func (t *Tracker) fetchRecords(ctx context.Context, ids []string) ([]domain.ExecutionRecord, error) {
	if len(ids) == 0 {
		return []domain.ExecutionRecord{}, nil
	}
	pipe := t.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, t.execKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	out := make([]domain.ExecutionRecord, 0, len(ids))
	for _, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil {
			return nil, err
		}
		if len(fields) == 0 {
			continue
		}
		rec, err := parseRecord(fields)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func sortNewestFirst(recs []domain.ExecutionRecord) {
	sort.Slice(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.TaskID < b.TaskID
	})
}

func scoreMin(f domain.HistoryFilter) string {
	if f.CreatedAfter != nil {
		return strconv.FormatInt(f.CreatedAfter.UnixMilli(), 10)
	}
	return "-inf"
}

func scoreMax(f domain.HistoryFilter) string {
	if f.CreatedBefore != nil {
		return strconv.FormatInt(f.CreatedBefore.UnixMilli(), 10)
	}
	return "+inf"
}
