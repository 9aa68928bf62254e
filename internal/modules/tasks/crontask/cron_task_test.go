package crontask

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	pkgcron "github.com/mx-space/newsletter/internal/pkg/cron"
	"github.com/mx-space/newsletter/internal/pkg/taskqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTasks map[string]*taskqueue.Task

func (f fakeTasks) GetByID(_ context.Context, id string) (*taskqueue.Task, error) {
	if t, ok := f[id]; ok {
		return t, nil
	}
	return nil, taskqueue.ErrNotFound
}

func newRouter(t *testing.T, calls *atomic.Int32) (*gin.Engine, *pkgcron.Scheduler) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	sched := pkgcron.New(nil)
	require.NoError(t, sched.Register(pkgcron.Job{
		Name:     "prune_nonces",
		Interval: time.Hour,
		Fn: func(context.Context) error {
			calls.Add(1)
			return nil
		},
	}))
	auth := func(c *gin.Context) {
		if c.GetHeader("Authorization") != "Bearer ok" {
			c.AbortWithStatus(http.StatusUnauthorized)
		}
	}
	r := gin.New()
	NewHandler(sched, fakeTasks{"t1": {ID: "t1", Type: "digest_run"}}).RegisterRoutes(r.Group("/api/v2"), auth)
	return r, sched
}

func do(r *gin.Engine, method, path string, authed bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if authed {
		req.Header.Set("Authorization", "Bearer ok")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCronTask_ListAndRun(t *testing.T) {
	var calls atomic.Int32
	r, sched := newRouter(t, &calls)

	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/api/v2/cron-task", false).Code)

	w := do(r, http.MethodGet, "/api/v2/cron-task", true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "prune_nonces")

	w = do(r, http.MethodPost, "/api/v2/cron-task/prune_nonces/run", true)
	require.Equal(t, http.StatusOK, w.Code)
	sched.Wait()
	assert.Equal(t, int32(1), calls.Load())

	w = do(r, http.MethodGet, "/api/v2/cron-task/prune_nonces", true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), string(pkgcron.StatusFulfill))
}

func TestCronTask_UnknownJob(t *testing.T) {
	var calls atomic.Int32
	r, _ := newRouter(t, &calls)

	assert.Equal(t, http.StatusNotFound, do(r, http.MethodPost, "/api/v2/cron-task/nope/run", true).Code)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/api/v2/cron-task/nope", true).Code)
}

func TestCronTask_GetTask(t *testing.T) {
	var calls atomic.Int32
	r, _ := newRouter(t, &calls)

	w := do(r, http.MethodGet, "/api/v2/cron-task/tasks/t1", true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "digest_run")
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/api/v2/cron-task/tasks/t2", true).Code)
}
