package postgres

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/taskhub/internal/domain"
)

// fakePool records statements and serves canned responses for the Exec and
// QueryRow paths. Query and BeginTx are not exercised through it.
type fakePool struct {
	execTag  pgconn.CommandTag
	execErr  error
	rowScan  func(dest ...any) error
	sqls     []string
	argsSeen [][]any
}

type fakeRow struct{ scan func(dest ...any) error }

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

func (p *fakePool) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	p.sqls = append(p.sqls, sql)
	p.argsSeen = append(p.argsSeen, args)
	return p.execTag, p.execErr
}

func (p *fakePool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	p.sqls = append(p.sqls, sql)
	p.argsSeen = append(p.argsSeen, args)
	return fakeRow{scan: p.rowScan}
}

func (p *fakePool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	panic("not used")
}

func (p *fakePool) BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error) {
	panic("not used")
}

func (p *fakePool) Ping(ctx context.Context) error { return nil }

func TestTracker_OnTaskSubmit(t *testing.T) {
	pool := &fakePool{execTag: pgconn.NewCommandTag("INSERT 0 1")}
	tr := NewTracker(pool)

	env := domain.NewEnvelope("emails.send", "tasks.default", []any{"a"}, nil, map[string]any{"k": "v"}, 3)
	require.NoError(t, tr.OnTaskSubmit(context.Background(), env))

	require.Len(t, pool.sqls, 1)
	assert.Contains(t, pool.sqls[0], "ON CONFLICT (task_id) DO NOTHING")
	assert.Equal(t, env.TaskID, pool.argsSeen[0][0])
	assert.Equal(t, "emails.send", pool.argsSeen[0][1])
	assert.Equal(t, domain.TaskPending, pool.argsSeen[0][2])
	// nil kwargs stays SQL NULL, not jsonb null
	assert.Nil(t, pool.argsSeen[0][8])
	assert.JSONEq(t, `{"k":"v"}`, string(pool.argsSeen[0][9].([]byte)))
}

func TestTracker_OnTaskSubmitError(t *testing.T) {
	pool := &fakePool{execErr: assert.AnError}
	tr := NewTracker(pool)
	err := tr.OnTaskSubmit(context.Background(), domain.NewEnvelope("n", "q", nil, nil, nil, 0))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=tracker.on_task_submit")
}

func TestTracker_OnTaskStartReturnsPostStatus(t *testing.T) {
	pool := &fakePool{rowScan: func(dest ...any) error {
		*(dest[0].(*string)) = "running"
		return nil
	}}
	tr := NewTracker(pool)

	st, err := tr.OnTaskStart(context.Background(), domain.StartEvent{TaskID: "t1", TaskName: "emails.send"})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskRunning, st)
	assert.Contains(t, pool.sqls[0], "ON CONFLICT (task_id) DO UPDATE")
	assert.Contains(t, pool.sqls[0], "RETURNING status")
}

func TestTracker_OnTaskStartTerminalFallsBackToSelect(t *testing.T) {
	calls := 0
	pool := &fakePool{rowScan: func(dest ...any) error {
		calls++
		if calls == 1 {
			return pgx.ErrNoRows
		}
		*(dest[0].(*string)) = "cancelled"
		return nil
	}}
	tr := NewTracker(pool)

	st, err := tr.OnTaskStart(context.Background(), domain.StartEvent{TaskID: "t1", TaskName: "emails.send"})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCancelled, st)
	require.Len(t, pool.sqls, 2)
	assert.True(t, strings.HasPrefix(pool.sqls[1], "SELECT status"))
}

func TestTracker_OnTaskFinishRejectsNonTerminal(t *testing.T) {
	tr := NewTracker(&fakePool{})
	err := tr.OnTaskFinish(context.Background(), domain.FinishEvent{TaskID: "t1", Status: domain.TaskRunning})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestTracker_OnTaskFinishOnlyTouchesNonTerminalRows(t *testing.T) {
	pool := &fakePool{execTag: pgconn.NewCommandTag("UPDATE 0")}
	tr := NewTracker(pool)
	require.NoError(t, tr.OnTaskFinish(context.Background(), domain.FinishEvent{
		TaskID: "t1", Status: domain.TaskSuccess, DurationMS: 12,
	}))
	assert.Contains(t, pool.sqls[0], "status IN ('pending','running')")
}

func TestTracker_CancelTaskDistinguishesTerminalAndMissing(t *testing.T) {
	// Cancelled a live row.
	pool := &fakePool{execTag: pgconn.NewCommandTag("UPDATE 1")}
	tr := NewTracker(pool)
	ok, err := tr.CancelTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.True(t, ok)

	// Row exists but is terminal.
	pool = &fakePool{
		execTag: pgconn.NewCommandTag("UPDATE 0"),
		rowScan: func(dest ...any) error { *(dest[0].(*bool)) = true; return nil },
	}
	tr = NewTracker(pool)
	ok, err = tr.CancelTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.False(t, ok)

	// No row at all.
	pool = &fakePool{
		execTag: pgconn.NewCommandTag("UPDATE 0"),
		rowScan: func(dest ...any) error { *(dest[0].(*bool)) = false; return nil },
	}
	tr = NewTracker(pool)
	_, err = tr.CancelTask(context.Background(), "t1")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTracker_UpdateProgressNotFound(t *testing.T) {
	pool := &fakePool{execTag: pgconn.NewCommandTag("UPDATE 0")}
	tr := NewTracker(pool)
	err := tr.UpdateProgress(context.Background(), "missing", json.RawMessage(`{"pct":50}`))
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTracker_GetTaskDetailsNotFound(t *testing.T) {
	pool := &fakePool{rowScan: func(dest ...any) error { return pgx.ErrNoRows }}
	tr := NewTracker(pool)
	_, err := tr.GetTaskDetails(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTracker_GetStatsRejectsBadWindow(t *testing.T) {
	tr := NewTracker(&fakePool{})
	_, err := tr.GetStats(context.Background(), 0)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestDeadLetterStore_MarkTransitions(t *testing.T) {
	// Pending entry transitions.
	pool := &fakePool{execTag: pgconn.NewCommandTag("UPDATE 1")}
	s := NewDeadLetterStore(pool)
	require.NoError(t, s.MarkRetried(context.Background(), "t1", "fresh"))
	assert.Contains(t, pool.sqls[0], "status='pending'")

	// Entry exists but is no longer pending.
	pool = &fakePool{
		execTag: pgconn.NewCommandTag("UPDATE 0"),
		rowScan: func(dest ...any) error { *(dest[0].(*bool)) = true; return nil },
	}
	s = NewDeadLetterStore(pool)
	err := s.MarkDiscarded(context.Background(), "t1", "junk")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	// Unknown entry.
	pool = &fakePool{
		execTag: pgconn.NewCommandTag("UPDATE 0"),
		rowScan: func(dest ...any) error { *(dest[0].(*bool)) = false; return nil },
	}
	s = NewDeadLetterStore(pool)
	err = s.MarkRetried(context.Background(), "nope", "fresh")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestResultStore_RejectsEmptyTaskID(t *testing.T) {
	s := NewResultStore(&fakePool{})
	err := s.SetResult(context.Background(), domain.ResultEntry{}, 0)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestResultStore_GetResultMissing(t *testing.T) {
	pool := &fakePool{rowScan: func(dest ...any) error { return pgx.ErrNoRows }}
	s := NewResultStore(pool)
	_, err := s.GetResult(context.Background(), "t1", true)
	require.ErrorIs(t, err, domain.ErrResultMissing)
}
