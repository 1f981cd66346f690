package rediskv

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/taskhub/internal/domain"
)

func newTestResultStore(t *testing.T) (*ResultStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewResultStore(rdb, "test:result"), mr
}

func TestResultStore_SetGetKeep(t *testing.T) {
	rs, _ := newTestResultStore(t)
	ctx := context.Background()

	require.NoError(t, rs.SetResult(ctx, domain.ResultEntry{
		TaskID: "t1",
		Value:  json.RawMessage(`{"n":3}`),
	}, time.Hour))

	ready, err := rs.IsReady(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, ready)

	// keep=true leaves the entry in place for repeated polls.
	for i := 0; i < 2; i++ {
		entry, err := rs.GetResult(ctx, "t1", true)
		require.NoError(t, err)
		assert.JSONEq(t, `{"n":3}`, string(entry.Value))
		assert.False(t, entry.IsError())
	}
}

func TestResultStore_GetConsumes(t *testing.T) {
	rs, _ := newTestResultStore(t)
	ctx := context.Background()

	require.NoError(t, rs.SetResult(ctx, domain.ResultEntry{TaskID: "t1", Value: json.RawMessage(`1`)}, time.Hour))
	require.NoError(t, rs.SetProgress(ctx, "t1", json.RawMessage(`{"pct":90}`), time.Hour))

	entry, err := rs.GetResult(ctx, "t1", false)
	require.NoError(t, err)
	assert.Equal(t, "t1", entry.TaskID)

	_, err = rs.GetResult(ctx, "t1", false)
	require.ErrorIs(t, err, domain.ErrResultMissing)

	// The consuming read also removes the progress payload.
	_, err = rs.GetProgress(ctx, "t1")
	require.ErrorIs(t, err, domain.ErrNotFound)

	ready, err := rs.IsReady(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, ready)
}

func TestResultStore_ErrorEntry(t *testing.T) {
	rs, _ := newTestResultStore(t)
	ctx := context.Background()

	require.NoError(t, rs.SetResult(ctx, domain.ResultEntry{
		TaskID:       "t1",
		ErrorType:    "ValueError",
		ErrorMessage: "bad input",
	}, time.Hour))

	entry, err := rs.GetResult(ctx, "t1", true)
	require.NoError(t, err)
	assert.True(t, entry.IsError())
	assert.Equal(t, "ValueError", entry.ErrorType)
	assert.Equal(t, "bad input", entry.ErrorMessage)
}

func TestResultStore_MissingResult(t *testing.T) {
	rs, _ := newTestResultStore(t)
	_, err := rs.GetResult(context.Background(), "nope", true)
	require.ErrorIs(t, err, domain.ErrResultMissing)
}

func TestResultStore_TTLExpiry(t *testing.T) {
	rs, mr := newTestResultStore(t)
	ctx := context.Background()

	require.NoError(t, rs.SetResult(ctx, domain.ResultEntry{TaskID: "t1", Value: json.RawMessage(`1`)}, time.Minute))
	mr.FastForward(2 * time.Minute)

	_, err := rs.GetResult(ctx, "t1", true)
	require.ErrorIs(t, err, domain.ErrResultMissing)
}

func TestResultStore_RejectsEmptyTaskID(t *testing.T) {
	rs, _ := newTestResultStore(t)
	err := rs.SetResult(context.Background(), domain.ResultEntry{}, time.Hour)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestResultStore_ProgressRoundTrip(t *testing.T) {
	rs, _ := newTestResultStore(t)
	ctx := context.Background()

	require.NoError(t, rs.SetProgress(ctx, "t1", json.RawMessage(`{"pct":25}`), time.Hour))
	require.NoError(t, rs.SetProgress(ctx, "t1", json.RawMessage(`{"pct":75}`), time.Hour))

	p, err := rs.GetProgress(ctx, "t1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"pct":75}`, string(p))
}
