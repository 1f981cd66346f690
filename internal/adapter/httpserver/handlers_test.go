package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/taskhub/internal/adapter/repo/rediskv"
	"github.com/fairyhunter13/taskhub/internal/domain"
	"github.com/fairyhunter13/taskhub/internal/service/scheduler"
	"github.com/fairyhunter13/taskhub/internal/usecase"
)

type memBroker struct {
	submitted []domain.TaskEnvelope
	submitErr error
}

func (b *memBroker) Submit(_ context.Context, env domain.TaskEnvelope) error {
	if b.submitErr != nil {
		return b.submitErr
	}
	b.submitted = append(b.submitted, env)
	return nil
}

func (b *memBroker) Close() error { return nil }

type apiFixture struct {
	router  chi.Router
	tracker *rediskv.Tracker
	results *rediskv.ResultStore
	dlq     *rediskv.DeadLetterStore
	broker  *memBroker
	sched   *scheduler.Scheduler
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	f := &apiFixture{
		tracker: rediskv.NewTracker(rdb, "test", time.Hour, time.Minute),
		results: rediskv.NewResultStore(rdb, "test:result"),
		dlq:     rediskv.NewDeadLetterStore(rdb, "test", time.Hour),
		broker:  &memBroker{},
	}
	f.sched = scheduler.New(f.broker, f.tracker, 3)
	svc := usecase.NewTaskService(f.tracker, f.results, f.dlq, f.broker, "tasks.default", 3)
	srv := NewServer(svc, f.sched)

	f.router = chi.NewRouter()
	f.router.Use(Recoverer(), RequestID(), AccessLog())
	srv.Mount(f.router)
	return f
}

func (f *apiFixture) do(t *testing.T, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	return m
}

func (f *apiFixture) seedFinished(t *testing.T, taskID, name string, status domain.TaskStatus) {
	t.Helper()
	ctx := context.Background()
	_, err := f.tracker.OnTaskStart(ctx, domain.StartEvent{
		TaskID:   taskID,
		TaskName: name,
		WorkerID: "w1",
	})
	require.NoError(t, err)
	if status == domain.TaskRunning {
		return
	}
	require.NoError(t, f.tracker.OnTaskFinish(ctx, domain.FinishEvent{
		TaskID:     taskID,
		Status:     status,
		DurationMS: 100,
	}))
}

func TestTriggerEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/tasks/trigger", `{"task":"emails.send","params":{"to":"a@example.com"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "queued", body["status"])
	assert.Equal(t, "emails.send", body["task_name"])
	assert.NotEmpty(t, body["task_id"])
	require.Len(t, f.broker.submitted, 1)

	// The pending row is queryable immediately.
	taskID := body["task_id"].(string)
	rec = f.do(t, http.MethodGet, "/tasks/"+taskID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pending", decode(t, rec)["status"])
}

func TestTriggerEndpoint_Validation(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/tasks/trigger", `{"params":{}}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	body := decode(t, rec)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "VALIDATION_ERROR", errObj["code"])

	rec = f.do(t, http.MethodPost, "/tasks/trigger", `{not json`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestTriggerEndpoint_BrokerDown(t *testing.T) {
	f := newAPIFixture(t)
	f.broker.submitErr = domain.ErrBrokerUnavailable

	rec := f.do(t, http.MethodPost, "/tasks/trigger", `{"task":"emails.send"}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	errObj := decode(t, rec)["error"].(map[string]any)
	assert.Equal(t, "BROKER_UNAVAILABLE", errObj["code"])
}

func TestCancelEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/tasks/trigger", `{"task":"emails.send"}`)
	taskID := decode(t, rec)["task_id"].(string)

	rec = f.do(t, http.MethodPost, "/tasks/cancel", `{"task_id":"`+taskID+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["cancelled"])
	assert.Equal(t, "pending", body["previous_status"])
	assert.Equal(t, "cancelled", body["status"])

	// Cancelling a terminal task is a 200 with cancelled=false.
	rec = f.do(t, http.MethodPost, "/tasks/cancel", `{"task_id":"`+taskID+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, false, body["cancelled"])

	rec = f.do(t, http.MethodPost, "/tasks/cancel", `{"task_id":"missing"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListTasksEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.seedFinished(t, "t1", "emails.send", domain.TaskSuccess)
	f.seedFinished(t, "t2", "reports.generate", domain.TaskFailure)
	f.seedFinished(t, "t3", "emails.send", domain.TaskRunning)

	rec := f.do(t, http.MethodGet, "/tasks?limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Len(t, body["items"], 3)
	assert.EqualValues(t, 3, body["total"])

	rec = f.do(t, http.MethodGet, "/tasks?task_name=emails.send", "")
	body = decode(t, rec)
	assert.Len(t, body["items"], 2)

	rec = f.do(t, http.MethodGet, "/tasks?status=failure", "")
	body = decode(t, rec)
	require.Len(t, body["items"], 1)
	item := body["items"].([]any)[0].(map[string]any)
	assert.Equal(t, "t2", item["task_id"])
}

func TestListTasksEndpoint_Validation(t *testing.T) {
	f := newAPIFixture(t)

	for _, path := range []string{
		"/tasks?limit=0",
		"/tasks?limit=201",
		"/tasks?offset=-1",
		"/tasks?status=bogus",
		"/tasks?created_after=yesterday",
		"/tasks?min_duration_ms=-5",
		"/tasks?order_by=worker_id",
		"/tasks?order_dir=sideways",
	} {
		rec := f.do(t, http.MethodGet, path, "")
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, path)
		errObj := decode(t, rec)["error"].(map[string]any)
		assert.Equal(t, "VALIDATION_ERROR", errObj["code"], path)
		assert.NotEmpty(t, errObj["details"], path)
	}
}

func TestRunningEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.seedFinished(t, "t1", "emails.send", domain.TaskRunning)

	rec := f.do(t, http.MethodGet, "/tasks/running", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var items []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &items))
	require.Len(t, items, 1)
	assert.Equal(t, "t1", items[0]["task_id"])
}

func TestStatsEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.seedFinished(t, "t1", "emails.send", domain.TaskSuccess)
	f.seedFinished(t, "t2", "emails.send", domain.TaskFailure)

	rec := f.do(t, http.MethodGet, "/tasks/stats?hours=24", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.EqualValues(t, 2, body["total_count"])
	assert.EqualValues(t, 1, body["success_count"])

	rec = f.do(t, http.MethodGet, "/tasks/stats?hours=721", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestGetTaskEndpoint_NotFound(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/tasks/nope", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	errObj := decode(t, rec)["error"].(map[string]any)
	assert.Equal(t, "NOT_FOUND", errObj["code"])
}

func TestResultEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	require.NoError(t, f.results.SetResult(ctx, domain.ResultEntry{
		TaskID: "t1",
		Value:  json.RawMessage(`{"removed":3}`),
	}, time.Minute))

	rec := f.do(t, http.MethodGet, "/tasks/t1/result", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, map[string]any{"removed": float64(3)}, body["value"])

	// keep defaults to true, so the entry survives.
	rec = f.do(t, http.MethodGet, "/tasks/t1/result?keep=false", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/tasks/t1/result", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	errObj := decode(t, rec)["error"].(map[string]any)
	assert.Equal(t, "RESULT_MISSING", errObj["code"])
}

func TestProgressEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.seedFinished(t, "t1", "emails.send", domain.TaskRunning)
	ctx := context.Background()
	require.NoError(t, f.results.SetProgress(ctx, "t1", json.RawMessage(`{"step":2,"of":5}`), time.Minute))

	rec := f.do(t, http.MethodGet, "/tasks/t1/progress", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "running", body["status"])
	assert.Equal(t, map[string]any{"step": float64(2), "of": float64(5)}, body["progress"])
}

func TestScheduledEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	require.NoError(t, f.sched.AddJob(domain.ScheduledJob{
		JobID:    "cleanup",
		TaskName: "maintenance.cleanup",
		Trigger:  domain.TriggerSpec{Every: time.Hour},
	}))

	rec := f.do(t, http.MethodGet, "/tasks/scheduled", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.EqualValues(t, 1, body["count"])

	rec = f.do(t, http.MethodGet, "/tasks/scheduled/cleanup", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cleanup", decode(t, rec)["job_id"])

	rec = f.do(t, http.MethodPost, "/tasks/scheduled/cleanup/pause", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["paused"])

	rec = f.do(t, http.MethodPost, "/tasks/scheduled/cleanup/resume", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["resumed"])

	rec = f.do(t, http.MethodPost, "/tasks/scheduled/cleanup/run", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, decode(t, rec)["task_id"])
	assert.Len(t, f.broker.submitted, 1)

	rec = f.do(t, http.MethodGet, "/tasks/scheduled/ghost", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = f.do(t, http.MethodPost, "/tasks/scheduled/ghost/pause", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDLQEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	require.NoError(t, f.dlq.Record(ctx, domain.DLQEntry{
		TaskID:       "dead-1",
		TaskName:     "emails.send",
		QueueName:    "emails",
		ErrorType:    "HandlerError",
		ErrorMessage: "smtp refused",
		RetryCount:   3,
	}))

	rec := f.do(t, http.MethodGet, "/tasks/dlq", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Len(t, body["items"], 1)
	assert.EqualValues(t, 1, body["total"])

	rec = f.do(t, http.MethodPost, "/tasks/dlq/retry", `{"task_id":"dead-1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, "dead-1", body["original_task_id"])
	newID := body["new_task_id"].(string)
	assert.NotEqual(t, "dead-1", newID)
	require.Len(t, f.broker.submitted, 1)
	assert.Equal(t, newID, f.broker.submitted[0].TaskID)

	// Entry is now retried; a second retry is rejected.
	rec = f.do(t, http.MethodPost, "/tasks/dlq/retry", `{"task_id":"dead-1"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = f.do(t, http.MethodPost, "/tasks/dlq/retry", `{"task_id":"ghost"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/tasks/dlq?status=retried", "")
	body = decode(t, rec)
	assert.Len(t, body["items"], 1)
	rec = f.do(t, http.MethodGet, "/tasks/dlq?status=bogus", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestDLQDiscardAndBulk(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	for _, id := range []string{"dead-1", "dead-2", "dead-3"} {
		require.NoError(t, f.dlq.Record(ctx, domain.DLQEntry{
			TaskID:    id,
			TaskName:  "emails.send",
			QueueName: "emails",
		}))
	}

	rec := f.do(t, http.MethodPost, "/tasks/dlq/discard", `{"task_id":"dead-1","reason":"poison"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["discarded"])

	rec = f.do(t, http.MethodPost, "/tasks/dlq/retry_all", `{}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.EqualValues(t, 2, body["attempted"])
	assert.EqualValues(t, 2, body["succeeded"])
	assert.Len(t, f.broker.submitted, 2)

	rec = f.do(t, http.MethodPost, "/tasks/dlq/discard_all", `{"reason":"cleanup"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0, decode(t, rec)["attempted"])
}

func TestDLQBulkByID(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	for _, id := range []string{"dead-1", "dead-2"} {
		require.NoError(t, f.dlq.Record(ctx, domain.DLQEntry{
			TaskID:    id,
			TaskName:  "emails.send",
			QueueName: "emails",
		}))
	}

	rec := f.do(t, http.MethodPost, "/tasks/dlq/bulk_retry", `{"task_ids":["dead-1","ghost"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.EqualValues(t, 1, body["succeeded"])
	assert.EqualValues(t, 1, body["failed"])
	results := body["results"].([]any)
	require.Len(t, results, 2)
	assert.Equal(t, true, results[0].(map[string]any)["ok"])
	assert.Equal(t, "not found", results[1].(map[string]any)["error"])
	require.Len(t, f.broker.submitted, 1)

	rec = f.do(t, http.MethodPost, "/tasks/dlq/bulk_discard", `{"task_ids":["dead-2"],"reason":"poison"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["succeeded"])

	// Empty id lists are rejected outright.
	rec = f.do(t, http.MethodPost, "/tasks/dlq/bulk_retry", `{"task_ids":[]}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	rec = f.do(t, http.MethodPost, "/tasks/dlq/bulk_discard", `{}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}
