package domain_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/taskhub/internal/domain"
)

func TestTaskStatus_Terminal(t *testing.T) {
	assert.False(t, domain.TaskPending.Terminal())
	assert.False(t, domain.TaskRunning.Terminal())
	assert.True(t, domain.TaskSuccess.Terminal())
	assert.True(t, domain.TaskFailure.Terminal())
	assert.True(t, domain.TaskCancelled.Terminal())
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to domain.TaskStatus
		ok       bool
	}{
		{domain.TaskPending, domain.TaskRunning, true},
		{domain.TaskPending, domain.TaskCancelled, true},
		{domain.TaskPending, domain.TaskSuccess, false},
		{domain.TaskRunning, domain.TaskSuccess, true},
		{domain.TaskRunning, domain.TaskFailure, true},
		{domain.TaskRunning, domain.TaskCancelled, true},
		{domain.TaskRunning, domain.TaskPending, false},
		{domain.TaskSuccess, domain.TaskRunning, false},
		{domain.TaskFailure, domain.TaskRunning, false},
		{domain.TaskCancelled, domain.TaskRunning, false},
		{domain.TaskCancelled, domain.TaskFailure, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.ok, domain.CanTransition(c.from, c.to), "%s -> %s", c.from, c.to)
	}
}

func TestNewEnvelope(t *testing.T) {
	env := domain.NewEnvelope("reports.export_csv", "tasks.default", []any{"a"}, map[string]any{"k": 1}, map[string]any{"tenant": "t1"}, 3)
	require.NotEmpty(t, env.TaskID)
	assert.Equal(t, "reports.export_csv", env.TaskName)
	assert.Equal(t, "tasks.default", env.QueueName)
	assert.Equal(t, 0, env.RetryCount)
	assert.Equal(t, 3, env.MaxRetries)
	assert.WithinDuration(t, time.Now().UTC(), env.EnqueuedAt, 5*time.Second)

	other := domain.NewEnvelope("reports.export_csv", "tasks.default", nil, nil, nil, 0)
	assert.NotEqual(t, env.TaskID, other.TaskID)
}

func TestTaskEnvelope_JSONShape(t *testing.T) {
	env := domain.TaskEnvelope{
		TaskID:     "t-1",
		TaskName:   "cleanup_temp_files",
		Kwargs:     map[string]any{"max_age_hours": float64(24)},
		MaxRetries: 2,
		QueueName:  "tasks.default",
		EnqueuedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	b, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded domain.TaskEnvelope
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, env, decoded)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(b, &raw))
	assert.Contains(t, raw, "task_id")
	assert.Contains(t, raw, "task_name")
	assert.Contains(t, raw, "queue_name")
	assert.Contains(t, raw, "enqueued_at")
	assert.NotContains(t, raw, "args")
}

func TestHistoryFilter_Matches(t *testing.T) {
	started := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	dur := int64(250)
	rec := domain.ExecutionRecord{
		TaskID:     "t-1",
		TaskName:   "backup.nightly",
		Status:     domain.TaskSuccess,
		CreatedAt:  started,
		WorkerID:   "w-1",
		DurationMS: &dur,
	}

	assert.True(t, domain.HistoryFilter{}.Matches(rec))
	assert.True(t, domain.HistoryFilter{TaskName: "backup.nightly"}.Matches(rec))
	assert.False(t, domain.HistoryFilter{TaskName: "other"}.Matches(rec))
	assert.True(t, domain.HistoryFilter{Status: domain.TaskSuccess}.Matches(rec))
	assert.False(t, domain.HistoryFilter{Status: domain.TaskFailure}.Matches(rec))
	assert.False(t, domain.HistoryFilter{WorkerID: "w-2"}.Matches(rec))
	assert.False(t, domain.HistoryFilter{ErrorType: "timeout"}.Matches(rec))

	before := started.Add(-time.Hour)
	after := started.Add(time.Hour)
	assert.True(t, domain.HistoryFilter{CreatedAfter: &before}.Matches(rec))
	assert.False(t, domain.HistoryFilter{CreatedAfter: &after}.Matches(rec))
	assert.True(t, domain.HistoryFilter{CreatedBefore: &after}.Matches(rec))
	assert.False(t, domain.HistoryFilter{CreatedBefore: &before}.Matches(rec))

	lo, hi := int64(100), int64(200)
	assert.True(t, domain.HistoryFilter{MinDurationMS: &lo}.Matches(rec))
	assert.False(t, domain.HistoryFilter{MaxDurationMS: &hi}.Matches(rec))

	// Duration bounds exclude records that never finished.
	rec.DurationMS = nil
	assert.False(t, domain.HistoryFilter{MinDurationMS: &lo}.Matches(rec))
}

func TestHistoryFilter_Empty(t *testing.T) {
	assert.True(t, domain.HistoryFilter{}.Empty())
	assert.False(t, domain.HistoryFilter{TaskName: "x"}.Empty())
	now := time.Now()
	assert.False(t, domain.HistoryFilter{CreatedBefore: &now}.Empty())
}
