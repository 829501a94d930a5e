package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/loykin/gridwarden/internal/auth"
	"github.com/loykin/gridwarden/internal/fleet"
	"github.com/loykin/gridwarden/internal/manager"
	"github.com/loykin/gridwarden/internal/metrics"
	"github.com/loykin/gridwarden/internal/scheduler"
	"github.com/loykin/gridwarden/internal/statuslog"
	"github.com/loykin/gridwarden/internal/supervisor"
)

type stubManager struct {
	// ctxErrs records ctx.Err() as seen by each operation.
	ctxErrs []error
	calls   []string
	err     error
	version string
	idle    map[string]bool
}

func (s *stubManager) Hosts() []fleet.Info {
	return []fleet.Info{{ID: "hub", Kind: fleet.KindLocal, Reachable: true, Idle: true, Posix: true}}
}

func (s *stubManager) SetIdle(host string, idle bool) error {
	if host != "hub" {
		return fmt.Errorf("%w: %q", fleet.ErrUnknownHost, host)
	}
	s.idle[host] = idle
	return nil
}

func (s *stubManager) Status(context.Context) []supervisor.Status {
	return []supervisor.Status{{Host: "hub", Role: supervisor.RoleHub, Desired: true, Running: true, PID: 42}}
}

func (s *stubManager) Process(_ context.Context, host string, role supervisor.Role) (manager.Detail, error) {
	if host != "hub" {
		return manager.Detail{}, fmt.Errorf("%w: %s/%s", manager.ErrUnknownProcess, host, role)
	}
	return manager.Detail{
		Status: supervisor.Status{Host: host, Role: role, Desired: true},
		Log:    []statuslog.Entry{{ID: 1, Time: time.Now(), Message: "Started hub (pid=42)"}},
	}, nil
}

func (s *stubManager) Resources(host string, role supervisor.Role) (metrics.Sample, bool) {
	if host != "hub" {
		return metrics.Sample{}, false
	}
	return metrics.Sample{Target: metrics.Target{Host: host, Role: string(role), PID: 42}, CPUPercent: 1.5}, true
}

func (s *stubManager) op(name string) func(context.Context, string, supervisor.Role) error {
	return func(ctx context.Context, host string, role supervisor.Role) error {
		s.ctxErrs = append(s.ctxErrs, ctx.Err())
		s.calls = append(s.calls, name+" "+host+"/"+string(role))
		return s.err
	}
}

func (s *stubManager) RequestStart(ctx context.Context, host string, role supervisor.Role) error {
	return s.op("start")(ctx, host, role)
}

func (s *stubManager) RequestStop(ctx context.Context, host string, role supervisor.Role) error {
	return s.op("stop")(ctx, host, role)
}

func (s *stubManager) RequestRestart(ctx context.Context, host string, role supervisor.Role) error {
	return s.op("restart")(ctx, host, role)
}

func (s *stubManager) Reconcile(context.Context) []scheduler.Result {
	return []scheduler.Result{{Host: "hub", Role: supervisor.RoleHub, Outcome: supervisor.OutcomeRunning}}
}

func (s *stubManager) Version() string { return s.version }

func (s *stubManager) SetVersion(ctx context.Context, v string) ([]scheduler.Result, error) {
	s.ctxErrs = append(s.ctxErrs, ctx.Err())
	if v == "" {
		return nil, manager.ErrInvalidVersion
	}
	s.version = v
	return []scheduler.Result{{Host: "hub", Role: supervisor.RoleHub, Outcome: supervisor.OutcomeStarted}}, nil
}

func setupRouter(t *testing.T, base string) (http.Handler, *stubManager) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	m := &stubManager{version: "4.21.0", idle: map[string]bool{}}
	r := NewRouter(m, base).WithMetrics(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "gridwarden_supervisor_starts_total 1\n")
	}))
	return r.Handler(), m
}

func doReq(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
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

func TestHostsAndProcesses(t *testing.T) {
	h, _ := setupRouter(t, "/api")

	rec := doReq(t, h, http.MethodGet, "/api/hosts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var hosts []fleet.Info
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hosts))
	require.Len(t, hosts, 1)
	assert.Equal(t, "hub", hosts[0].ID)

	rec = doReq(t, h, http.MethodGet, "/api/processes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var sts []supervisor.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sts))
	require.Len(t, sts, 1)
	assert.Equal(t, 42, sts[0].PID)
}

func TestProcessDetail(t *testing.T) {
	h, _ := setupRouter(t, "/api")

	rec := doReq(t, h, http.MethodGet, "/api/processes/hub/hub", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var d manager.Detail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.True(t, d.Desired)
	require.Len(t, d.Log, 1)
	assert.Contains(t, d.Log[0].Message, "Started hub")

	rec = doReq(t, h, http.MethodGet, "/api/processes/other/node", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doReq(t, h, http.MethodGet, "/api/processes/hub/worker", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doReq(t, h, http.MethodGet, "/api/processes/hub/hub/resources", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "1.5")
	rec = doReq(t, h, http.MethodGet, "/api/processes/nope/node/resources", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartStopRestart(t *testing.T) {
	h, m := setupRouter(t, "")
	for _, op := range []string{"start", "stop", "restart"} {
		rec := doReq(t, h, http.MethodPost, "/processes/n1/NODE/"+op, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
	assert.Equal(t, []string{"start n1/node", "stop n1/node", "restart n1/node"}, m.calls)
}

func TestStart_ErrorKindsMapToStatus(t *testing.T) {
	h, m := setupRouter(t, "/api")
	m.err = &supervisor.Error{Kind: supervisor.KindDependencyNotReady, Op: "start", Host: "n1", Role: supervisor.RoleNode}
	rec := doReq(t, h, http.MethodPost, "/api/processes/n1/node/start", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	var e errorResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	assert.Contains(t, e.Error, "DependencyNotReady")

	m.err = &supervisor.Error{Kind: supervisor.KindHostUnreachable, Op: "start", Host: "n1", Role: supervisor.RoleNode}
	rec = doReq(t, h, http.MethodPost, "/api/processes/n1/node/start", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestInvalidHostName(t *testing.T) {
	h, m := setupRouter(t, "/api")
	rec := doReq(t, h, http.MethodPost, "/api/processes/a..b/node/start", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, m.calls)
}

func TestReconcile(t *testing.T) {
	h, _ := setupRouter(t, "/api")
	rec := doReq(t, h, http.MethodPost, "/api/reconcile", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var res []scheduler.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Len(t, res, 1)
	assert.Equal(t, supervisor.OutcomeRunning, res[0].Outcome)
}

func TestVersion(t *testing.T) {
	h, _ := setupRouter(t, "/api")
	rec := doReq(t, h, http.MethodGet, "/api/version", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"version":"4.21.0"`)

	rec = doReq(t, h, http.MethodPut, "/api/version", versionReq{Version: "4.22.0"})
	require.Equal(t, http.StatusOK, rec.Code)
	var v versionResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	assert.Equal(t, "4.22.0", v.Version)
	assert.Len(t, v.Results, 1)

	rec = doReq(t, h, http.MethodPut, "/api/version", versionReq{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIdle(t *testing.T) {
	h, m := setupRouter(t, "/api")
	rec := doReq(t, h, http.MethodPut, "/api/hosts/hub/idle", map[string]bool{"idle": false})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, m.idle["hub"])

	rec = doReq(t, h, http.MethodPut, "/api/hosts/hub/idle", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = doReq(t, h, http.MethodPut, "/api/hosts/ghost/idle", map[string]bool{"idle": true})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsMounted(t *testing.T) {
	h, _ := setupRouter(t, "/api")
	rec := doReq(t, h, http.MethodGet, "/api/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "gridwarden_supervisor_starts_total")

	gin.SetMode(gin.TestMode)
	bare := NewRouter(&stubManager{idle: map[string]bool{}}, "/api").Handler()
	rec = doReq(t, bare, http.MethodGet, "/api/metrics", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuthRequired(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h, err := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	require.NoError(t, err)
	a, err := auth.New(auth.Config{Enabled: true, Users: []auth.User{
		{Username: "ops", PasswordHash: string(h), Role: auth.RoleAdmin},
		{Username: "view", PasswordHash: string(h), Role: auth.RoleViewer},
	}})
	require.NoError(t, err)
	m := &stubManager{version: "4.21.0", idle: map[string]bool{}}
	handler := NewRouter(m, "/api").WithAuth(a).Handler()

	rec := doReq(t, handler, http.MethodGet, "/api/version", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/processes/hub/hub/start", nil)
	req.SetBasicAuth("view", "pw")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, m.calls)

	req = httptest.NewRequest(http.MethodPost, "/api/processes/hub/hub/start", nil)
	req.SetBasicAuth("ops", "pw")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"start hub/hub"}, m.calls)
}

func TestOperations_SurviveClientCancellation(t *testing.T) {
	h, m := setupRouter(t, "/api")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for _, path := range []string{"/api/processes/hub/hub/start", "/api/processes/hub/hub/stop", "/api/processes/hub/hub/restart"} {
		req := httptest.NewRequest(http.MethodPost, path, nil).WithContext(ctx)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
	req := httptest.NewRequest(http.MethodPut, "/api/version", bytes.NewReader([]byte(`{"version":"4.22.0"}`))).WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, m.ctxErrs, 4)
	for _, err := range m.ctxErrs {
		assert.NoError(t, err)
	}
}
