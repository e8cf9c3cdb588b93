package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/wabridge/internal/auth"
	"github.com/memohai/wabridge/internal/delivery"
	"github.com/memohai/wabridge/internal/healthcheck"
	"github.com/memohai/wabridge/internal/monitor"
	"github.com/memohai/wabridge/internal/retryqueue"
)

const testSecret = "test-secret"

type fakeQueueAdmin struct {
	entries map[string][]retryqueue.Entry
}

func (f *fakeQueueAdmin) Stats(ctx context.Context) ([]retryqueue.InstanceStats, error) {
	out := []retryqueue.InstanceStats{}
	for instance, entries := range f.entries {
		out = append(out, retryqueue.InstanceStats{Instance: instance, Total: len(entries)})
	}
	return out, nil
}

func (f *fakeQueueAdmin) List(ctx context.Context, instance string) ([]retryqueue.Entry, error) {
	return f.entries[instance], nil
}

type fakeReplayer struct {
	queue   *fakeQueueAdmin
	skipped bool
	busy    bool
	calls   []string
}

func (f *fakeReplayer) Drain(ctx context.Context, instance string) ([]retryqueue.Entry, error) {
	if f.busy {
		return nil, delivery.ErrReplayInProgress
	}
	out := f.queue.entries[instance]
	delete(f.queue.entries, instance)
	return out, nil
}

func (f *fakeReplayer) Replay(ctx context.Context, instance string) delivery.ReplayReport {
	f.calls = append(f.calls, instance)
	return delivery.ReplayReport{Instance: instance, Attempted: 1, Delivered: 1, Skipped: f.skipped}
}

type fakeInstanceMonitor struct {
	statuses   map[string]monitor.Status
	restartErr error
	restarts   []string
}

func (f *fakeInstanceMonitor) Statuses() []monitor.Status {
	out := make([]monitor.Status, 0, len(f.statuses))
	for _, st := range f.statuses {
		out = append(out, st)
	}
	return out
}

func (f *fakeInstanceMonitor) Status(instance string) (monitor.Status, bool) {
	st, ok := f.statuses[instance]
	return st, ok
}

func (f *fakeInstanceMonitor) Restart(ctx context.Context, instance string) (monitor.Status, error) {
	f.restarts = append(f.restarts, instance)
	return f.statuses[instance], f.restartErr
}

type staticChecker struct {
	items []healthcheck.CheckResult
}

func (s staticChecker) ListChecks(ctx context.Context, instance string) []healthcheck.CheckResult {
	return s.items
}

type adminFixture struct {
	e        *echo.Echo
	queue    *fakeQueueAdmin
	replayer *fakeReplayer
	monitor  *fakeInstanceMonitor
	token    string
}

func newAdminFixture(t *testing.T) *adminFixture {
	t.Helper()
	f := &adminFixture{
		queue: &fakeQueueAdmin{entries: map[string][]retryqueue.Entry{
			"acme": {{ID: "e-1", InstanceName: "acme", Recipient: "15550001111", Message: "hi"}},
		}},
		monitor: &fakeInstanceMonitor{statuses: map[string]monitor.Status{
			"acme": {Instance: "acme", State: monitor.StateConnected, Connected: true},
		}},
	}
	f.replayer = &fakeReplayer{queue: f.queue}
	checks := staticChecker{items: []healthcheck.CheckResult{
		{ID: "instance.connection.acme", Status: healthcheck.StatusOK},
		{ID: "retry.queue.acme", Status: healthcheck.StatusWarn},
	}}
	f.e = echo.New()
	f.e.Use(auth.JWTMiddleware(testSecret, nil))
	NewAdminHandler(newTestLogger(), f.queue, f.replayer, f.monitor, checks, testSecret, time.Hour).Register(f.e)

	token, _, err := auth.GenerateToken("ops", testSecret, time.Hour)
	require.NoError(t, err)
	f.token = token
	return f
}

func (f *adminFixture) do(method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+f.token)
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func TestAdminRequiresToken(t *testing.T) {
	t.Parallel()

	f := newAdminFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/admin/queue", nil)
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminQueueRoutes(t *testing.T) {
	t.Parallel()

	f := newAdminFixture(t)

	rec := f.do(http.MethodGet, "/admin/queue")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats []retryqueue.InstanceStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Len(t, stats, 1)
	assert.Equal(t, 1, stats[0].Total)

	rec = f.do(http.MethodGet, "/admin/queue/acme")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"e-1"`)

	rec = f.do(http.MethodPost, "/admin/queue/acme/replay")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"acme"}, f.replayer.calls)

	rec = f.do(http.MethodDelete, "/admin/queue/acme")
	require.Equal(t, http.StatusOK, rec.Code)
	var drained drainResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &drained))
	assert.Equal(t, 1, drained.Drained)
	assert.Empty(t, f.queue.entries["acme"])
}

func TestAdminReplayConflict(t *testing.T) {
	t.Parallel()

	f := newAdminFixture(t)
	f.replayer.skipped = true
	rec := f.do(http.MethodPost, "/admin/queue/acme/replay")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAdminDrainConflictsWithReplay(t *testing.T) {
	t.Parallel()

	f := newAdminFixture(t)
	f.replayer.busy = true
	rec := f.do(http.MethodDelete, "/admin/queue/acme")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Len(t, f.queue.entries["acme"], 1)
}

func TestAdminInstanceRoutes(t *testing.T) {
	t.Parallel()

	f := newAdminFixture(t)

	rec := f.do(http.MethodGet, "/admin/instances")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"instance":"acme"`)

	rec = f.do(http.MethodGet, "/admin/instances/globex")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(http.MethodPost, "/admin/instances/acme/restart")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"acme"}, f.monitor.restarts)

	f.monitor.restartErr = monitor.ErrRestartInProgress
	rec = f.do(http.MethodPost, "/admin/instances/acme/restart")
	assert.Equal(t, http.StatusConflict, rec.Code)

	f.monitor.restartErr = errors.New("gateway unreachable")
	rec = f.do(http.MethodPost, "/admin/instances/acme/restart")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestAdminInstanceChecks(t *testing.T) {
	t.Parallel()

	f := newAdminFixture(t)
	rec := f.do(http.MethodGet, "/admin/instances/acme/checks")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp checksResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, healthcheck.StatusWarn, resp.Overall)
	assert.Len(t, resp.Items, 2)
}

func TestAdminRefreshToken(t *testing.T) {
	t.Parallel()

	f := newAdminFixture(t)
	rec := f.do(http.MethodPost, "/admin/token/refresh")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp tokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEmpty(t, resp.ExpiresAt)
}
