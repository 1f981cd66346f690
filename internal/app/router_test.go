package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/taskhub/internal/adapter/httpserver"
	"github.com/fairyhunter13/taskhub/internal/adapter/repo/rediskv"
	"github.com/fairyhunter13/taskhub/internal/config"
	"github.com/fairyhunter13/taskhub/internal/domain"
	"github.com/fairyhunter13/taskhub/internal/usecase"
)

func TestParseOrigins(t *testing.T) {
	assert.Equal(t, []string{"*"}, ParseOrigins(""))
	assert.Equal(t, []string{"*"}, ParseOrigins("*"))
	assert.Equal(t, []string{"*"}, ParseOrigins(" , "))
	assert.Equal(t,
		[]string{"https://a.example.com", "https://b.example.com"},
		ParseOrigins(" https://a.example.com, https://b.example.com "))
}

type nopBroker struct{}

func (nopBroker) Submit(context.Context, domain.TaskEnvelope) error { return nil }
func (nopBroker) Close() error                                      { return nil }

func newTestRouter(t *testing.T, ready *ReadinessChecker) http.Handler {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	svc := usecase.NewTaskService(
		rediskv.NewTracker(rdb, "test", time.Hour, time.Minute),
		rediskv.NewResultStore(rdb, "test:result"),
		rediskv.NewDeadLetterStore(rdb, "test", time.Hour),
		nopBroker{}, "tasks.default", 3)
	srv := httpserver.NewServer(svc, nil)

	cfg := config.Config{
		APIPrefix:       "/v1",
		RateLimitPerMin: 1000,
	}
	return BuildRouter(cfg, srv, ready)
}

func TestBuildRouter_OperationalEndpoints(t *testing.T) {
	h := newTestRouter(t, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestBuildRouter_MountsTaskAPIUnderPrefix(t *testing.T) {
	h := newTestRouter(t, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/tasks", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"items"`)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	// Outside the prefix there is no task API.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tasks", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReadinessChecker(t *testing.T) {
	ready := NewReadinessChecker(map[string]Check{
		"tracker": func(context.Context) error { return nil },
		"broker":  func(context.Context) error { return errors.New("no seed brokers") },
	})
	h := newTestRouter(t, ready)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ready":false`)
	assert.Contains(t, rec.Body.String(), "no seed brokers")

	ready = NewReadinessChecker(map[string]Check{
		"tracker": func(context.Context) error { return nil },
	})
	h = newTestRouter(t, ready)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
