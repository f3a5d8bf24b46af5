//go:build !windows

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/procwarden/internal/cleanup"
	"github.com/loykin/procwarden/internal/history"
	"github.com/loykin/procwarden/internal/history/sqlite"
	"github.com/loykin/procwarden/internal/lease"
	mng "github.com/loykin/procwarden/internal/manager"
	"github.com/loykin/procwarden/internal/process"
)

const deadPID = 2147483646

type fixture struct {
	base string
	mgr  *mng.Manager
	h    http.Handler
}

func setup(t *testing.T, withManager bool) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	f := &fixture{base: t.TempDir()}
	var opts []Option
	codec := lease.NewCodec(nil)
	if withManager {
		m, err := mng.New(mng.Options{BasePath: f.base, PollInterval: 10 * time.Millisecond, DrainInterval: 5 * time.Millisecond})
		require.NoError(t, err)
		t.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = m.Shutdown(ctx)
		})
		f.mgr = m
		codec = m.Codec()
		opts = append(opts, WithManager(m))
	}
	j, err := cleanup.NewJanitor(cleanup.JanitorConfig{
		BasePath:   f.base,
		Thresholds: cleanup.Thresholds{LockFolder: time.Hour},
	}, cleanup.NewSelector(codec, nil))
	require.NoError(t, err)
	f.h = NewRouter(j, "/api", append(opts, WithMetrics())...).Handler()
	return f
}

// external creates a task directory owned by a process that no longer exists.
func (f *fixture) external(t *testing.T, id string) string {
	t.Helper()
	dir := filepath.Join(f.base, id)
	_, err := lease.NewCodec(nil).WritePIDMarker(dir, id, deadPID, 0)
	require.NoError(t, err)
	return dir
}

func doReq(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func mngSpec(name, command string) process.Spec {
	return process.Spec{Name: name, Command: command}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

type viewJSON struct {
	ID     string         `json:"id"`
	PID    int            `json:"pid"`
	Alive  bool           `json:"alive"`
	Reason cleanup.Reason `json:"reason"`
	Task   *mng.Info      `json:"task"`
}

func TestListAndGet(t *testing.T) {
	f := setup(t, true)
	f.external(t, "ext")
	_, err := f.mgr.Launch(context.Background(), mng.LaunchSpec{ID: "live", Process: mngSpec("sleeper", "sleep 30")})
	require.NoError(t, err)

	rec := doReq(t, f.h, http.MethodGet, "/api/tasks", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	views := decode[[]viewJSON](t, rec)
	require.Len(t, views, 2)
	assert.Equal(t, "ext", views[0].ID)
	assert.Equal(t, cleanup.ReasonAbandoned, views[0].Reason)
	assert.Nil(t, views[0].Task)
	assert.Equal(t, "live", views[1].ID)
	assert.Equal(t, cleanup.ReasonAlive, views[1].Reason)
	require.NotNil(t, views[1].Task)
	assert.True(t, views[1].Task.Alive)

	rec = doReq(t, f.h, http.MethodGet, "/api/tasks/live", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	v := decode[viewJSON](t, rec)
	assert.True(t, v.Alive)

	assert.Equal(t, http.StatusNotFound, doReq(t, f.h, http.MethodGet, "/api/tasks/nope", nil).Code)
	assert.Equal(t, http.StatusBadRequest, doReq(t, f.h, http.MethodGet, "/api/tasks/.hidden", nil).Code)
}

func TestLaunchAndStop(t *testing.T) {
	f := setup(t, true)
	req := launchRequest{ID: "web", Name: "web", Command: "sleep 30", HoldFor: "1m"}
	rec := doReq(t, f.h, http.MethodPost, "/api/tasks", req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	info := decode[mng.Info](t, rec)
	assert.Equal(t, "web", info.ID)
	assert.True(t, info.Alive)

	assert.Equal(t, http.StatusConflict, doReq(t, f.h, http.MethodPost, "/api/tasks", req).Code)
	assert.Equal(t, http.StatusBadRequest, doReq(t, f.h, http.MethodPost, "/api/tasks", launchRequest{Name: "a/b", Command: "true"}).Code)
	assert.Equal(t, http.StatusBadRequest, doReq(t, f.h, http.MethodPost, "/api/tasks", launchRequest{Name: "ok", Command: "true", WorkDir: "relative"}).Code)
	assert.Equal(t, http.StatusBadRequest, doReq(t, f.h, http.MethodPost, "/api/tasks", launchRequest{Name: "ok", Command: "true", HoldFor: "later"}).Code)
	assert.Equal(t, http.StatusBadRequest, doReq(t, f.h, http.MethodPost, "/api/tasks", launchRequest{Name: "ok"}).Code)

	rec = doReq(t, f.h, http.MethodPost, "/api/tasks/web/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, http.StatusNotFound, doReq(t, f.h, http.MethodPost, "/api/tasks/nope/stop", nil).Code)

	// the post-exit hold shows up once the monitor has seen the exit
	require.Eventually(t, func() bool {
		got, err := f.mgr.Get("web")
		return err == nil && got.Locked
	}, 5*time.Second, 10*time.Millisecond)
}

func TestLockLifecycleOnExternalDirectory(t *testing.T) {
	f := setup(t, false)
	dir := f.external(t, "ext")

	rec := doReq(t, f.h, http.MethodPost, "/api/tasks/ext/lock?hold=1h", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	lr := decode[lockResp](t, rec)
	assert.True(t, lr.Locked)
	require.NotNil(t, lr.LockTimeout)
	_, err := os.Stat(filepath.Join(dir, "ext"+lease.LockSuffix))
	require.NoError(t, err)

	v := decode[viewJSON](t, doReq(t, f.h, http.MethodGet, "/api/tasks/ext", nil))
	assert.Equal(t, cleanup.ReasonLocked, v.Reason)

	rec = doReq(t, f.h, http.MethodPost, "/api/tasks/ext/lock/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// a locked directory survives a sweep
	res := decode[cleanup.SweepResult](t, doReq(t, f.h, http.MethodPost, "/api/sweep", nil))
	assert.Empty(t, res.Removed)

	rec = doReq(t, f.h, http.MethodDelete, "/api/tasks/ext/lock", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.False(t, decode[lockResp](t, rec).Locked)

	res = decode[cleanup.SweepResult](t, doReq(t, f.h, http.MethodPost, "/api/sweep", nil))
	assert.Equal(t, []string{dir}, res.Removed)
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}

func TestLockErrors(t *testing.T) {
	f := setup(t, false)
	f.external(t, "ext")
	assert.Equal(t, http.StatusBadRequest, doReq(t, f.h, http.MethodPost, "/api/tasks/ext/lock?hold=soon", nil).Code)
	assert.Equal(t, http.StatusBadRequest, doReq(t, f.h, http.MethodPost, "/api/tasks/ext/lock?hold=-1s", nil).Code)
	assert.Equal(t, http.StatusNotFound, doReq(t, f.h, http.MethodPost, "/api/tasks/missing/lock", nil).Code)
	assert.Equal(t, http.StatusConflict, doReq(t, f.h, http.MethodPost, "/api/tasks/ext/lock/reset", nil).Code, "nothing to reset")
	assert.Equal(t, http.StatusBadRequest, doReq(t, f.h, http.MethodPost, "/api/tasks/ext/lock?name=..", nil).Code)
}

func TestWithoutManager(t *testing.T) {
	f := setup(t, false)
	assert.Equal(t, http.StatusNotImplemented, doReq(t, f.h, http.MethodPost, "/api/tasks", launchRequest{Name: "a", Command: "true"}).Code)
	assert.Equal(t, http.StatusNotImplemented, doReq(t, f.h, http.MethodPost, "/api/tasks/a/stop", nil).Code)
}

func TestHistoryRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	base := t.TempDir()
	sink, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })

	m, err := mng.New(mng.Options{BasePath: base, PollInterval: 10 * time.Millisecond, DrainInterval: 5 * time.Millisecond},
		mng.WithHistory(sink))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	j, err := cleanup.NewJanitor(cleanup.JanitorConfig{BasePath: base}, cleanup.NewSelector(m.Codec(), nil))
	require.NoError(t, err)
	h := NewRouter(j, "/api", WithManager(m), WithHistoryReader(sink)).Handler()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = m.Launch(ctx, mng.LaunchSpec{ID: "h1", Process: mngSpec("quick", "true")})
	require.NoError(t, err)
	_, err = m.Wait(ctx, "h1")
	require.NoError(t, err)

	rec := doReq(t, h, http.MethodGet, "/api/tasks/h1/history", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	events := decode[[]history.Event](t, rec)
	require.Len(t, events, 2)
	assert.Equal(t, history.EventExit, events[0].Type)
	assert.Equal(t, history.EventLaunch, events[1].Type)
	assert.Equal(t, "quick", events[1].Name)

	rec = doReq(t, h, http.MethodGet, "/api/tasks/h1/history?limit=1", nil)
	assert.Len(t, decode[[]history.Event](t, rec), 1)

	rec = doReq(t, h, http.MethodGet, "/api/tasks/unknown/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())

	assert.Equal(t, http.StatusBadRequest, doReq(t, h, http.MethodGet, "/api/tasks/h1/history?limit=x", nil).Code)
	assert.Equal(t, http.StatusBadRequest, doReq(t, h, http.MethodGet, "/api/tasks/.h1/history", nil).Code)

	f := setup(t, false)
	assert.Equal(t, http.StatusNotImplemented, doReq(t, f.h, http.MethodGet, "/api/tasks/h1/history", nil).Code)
}

func TestMetricsRoute(t *testing.T) {
	f := setup(t, false)
	rec := doReq(t, f.h, http.MethodGet, "/api/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNewServer(t *testing.T) {
	j, err := cleanup.NewJanitor(cleanup.JanitorConfig{BasePath: t.TempDir()}, nil)
	require.NoError(t, err)
	srv := NewServer("127.0.0.1:0", NewRouter(j, ""))
	assert.Equal(t, "127.0.0.1:0", srv.Addr)
	assert.NotNil(t, srv.Handler)
	assert.NotZero(t, srv.ReadHeaderTimeout)
}
