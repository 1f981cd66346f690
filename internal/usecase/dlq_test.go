package usecase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/taskhub/internal/domain"
)

func seedDeadLetter(t *testing.T, f *svcFixture, taskID string) domain.DLQEntry {
	t.Helper()
	entry := domain.DLQEntry{
		TaskID:       taskID,
		TaskName:     "emails.send",
		Kwargs:       map[string]any{"to": "a@example.com"},
		QueueName:    "emails",
		ErrorType:    "HandlerError",
		ErrorMessage: "smtp refused",
		RetryCount:   3,
	}
	require.NoError(t, f.dlq.Record(context.Background(), entry))
	return entry
}

func TestRetryDeadLetter(t *testing.T) {
	f := newSvcFixture(t)
	seedDeadLetter(t, f, "dead-1")

	env, err := f.svc.RetryDeadLetter(context.Background(), "dead-1")
	require.NoError(t, err)
	assert.NotEqual(t, "dead-1", env.TaskID)
	assert.Equal(t, "emails.send", env.TaskName)
	assert.Equal(t, "emails", env.QueueName)
	assert.Equal(t, 0, env.RetryCount)
	assert.Equal(t, 3, env.MaxRetries)
	assert.Equal(t, map[string]any{"to": "a@example.com"}, env.Kwargs)

	require.Len(t, f.broker.submitted, 1)
	assert.Equal(t, env.TaskID, f.retriedAs(t, "dead-1"))

	// A retried entry cannot be retried again.
	_, err = f.svc.RetryDeadLetter(context.Background(), "dead-1")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = f.svc.RetryDeadLetter(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func (f *svcFixture) retriedAs(t *testing.T, taskID string) string {
	t.Helper()
	id, ok := f.dlq.retried[taskID]
	require.True(t, ok, "entry %s not marked retried", taskID)
	return id
}

func TestRetryDeadLetter_BrokerFailureLeavesEntryPending(t *testing.T) {
	f := newSvcFixture(t)
	seedDeadLetter(t, f, "dead-1")
	f.broker.submitErr = domain.ErrBrokerUnavailable

	_, err := f.svc.RetryDeadLetter(context.Background(), "dead-1")
	require.ErrorIs(t, err, domain.ErrBrokerUnavailable)

	entry, err := f.dlq.Get(context.Background(), "dead-1")
	require.NoError(t, err)
	assert.Equal(t, domain.DLQPending, entry.Status)
}

func TestDiscardDeadLetter(t *testing.T) {
	f := newSvcFixture(t)
	seedDeadLetter(t, f, "dead-1")

	require.NoError(t, f.svc.DiscardDeadLetter(context.Background(), "dead-1", "poison payload"))
	entry, err := f.dlq.Get(context.Background(), "dead-1")
	require.NoError(t, err)
	assert.Equal(t, domain.DLQDiscarded, entry.Status)
	assert.Equal(t, "poison payload", entry.DiscardReason)

	err = f.svc.DiscardDeadLetter(context.Background(), "dead-1", "again")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestListDeadLetters(t *testing.T) {
	f := newSvcFixture(t)
	seedDeadLetter(t, f, "dead-1")
	seedDeadLetter(t, f, "dead-2")
	require.NoError(t, f.svc.DiscardDeadLetter(context.Background(), "dead-2", "x"))

	page, err := f.svc.ListDeadLetters(context.Background(), 10, 0, domain.DLQPending)
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, "dead-1", page.Entries[0].TaskID)
	assert.Equal(t, int64(1), page.Total)

	page, err = f.svc.ListDeadLetters(context.Background(), 10, 0, "")
	require.NoError(t, err)
	assert.Len(t, page.Entries, 2)
	assert.Equal(t, int64(2), page.Total)
}

func TestBulkRetryDeadLetters(t *testing.T) {
	f := newSvcFixture(t)
	seedDeadLetter(t, f, "dead-1")
	seedDeadLetter(t, f, "dead-2")
	require.NoError(t, f.svc.DiscardDeadLetter(context.Background(), "dead-2", "x"))

	report, err := f.svc.BulkRetryDeadLetters(context.Background(), []string{"dead-1", "dead-2", "ghost"})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 2, report.Failed)
	require.Len(t, report.Results, 3)

	assert.True(t, report.Results[0].OK)
	assert.NotEmpty(t, report.Results[0].NewTaskID)
	assert.False(t, report.Results[1].OK)
	assert.Equal(t, "not pending", report.Results[1].Error)
	assert.Equal(t, "not found", report.Results[2].Error)

	_, err = f.svc.BulkRetryDeadLetters(context.Background(), nil)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestBulkDiscardDeadLetters(t *testing.T) {
	f := newSvcFixture(t)
	seedDeadLetter(t, f, "dead-1")
	seedDeadLetter(t, f, "dead-2")

	report, err := f.svc.BulkDiscardDeadLetters(context.Background(), []string{"dead-1", "ghost"}, "cleanup")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 1, report.Failed)

	entry, err := f.dlq.Get(context.Background(), "dead-1")
	require.NoError(t, err)
	assert.Equal(t, domain.DLQDiscarded, entry.Status)
	assert.Equal(t, "cleanup", entry.DiscardReason)

	_, err = f.svc.BulkDiscardDeadLetters(context.Background(), []string{}, "")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestRetryAllDeadLetters(t *testing.T) {
	f := newSvcFixture(t)
	seedDeadLetter(t, f, "dead-1")
	seedDeadLetter(t, f, "dead-2")
	seedDeadLetter(t, f, "dead-3")
	require.NoError(t, f.svc.DiscardDeadLetter(context.Background(), "dead-3", "x"))

	out, err := f.svc.RetryAllDeadLetters(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, BulkOutcome{Attempted: 2, Succeeded: 2}, out)
	assert.Len(t, f.broker.submitted, 2)

	// Nothing pending remains.
	out, err = f.svc.RetryAllDeadLetters(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, BulkOutcome{}, out)
}

func TestRetryAllDeadLetters_StopsOnBrokerOutage(t *testing.T) {
	f := newSvcFixture(t)
	seedDeadLetter(t, f, "dead-1")
	seedDeadLetter(t, f, "dead-2")
	f.broker.submitErr = domain.ErrBrokerUnavailable

	out, err := f.svc.RetryAllDeadLetters(context.Background(), 0)
	require.ErrorIs(t, err, domain.ErrBrokerUnavailable)
	assert.Equal(t, 2, out.Attempted)
	assert.Equal(t, 0, out.Succeeded)
	assert.Equal(t, 1, out.Failed)
}

func TestDiscardAllDeadLetters(t *testing.T) {
	f := newSvcFixture(t)
	seedDeadLetter(t, f, "dead-1")
	seedDeadLetter(t, f, "dead-2")

	out, err := f.svc.DiscardAllDeadLetters(context.Background(), 1, "cleanup")
	require.NoError(t, err)
	assert.Equal(t, BulkOutcome{Attempted: 1, Succeeded: 1}, out)

	remaining, err := f.dlq.Count(context.Background(), domain.DLQPending)
	require.NoError(t, err)
	assert.Equal(t, int64(1), remaining)
}
