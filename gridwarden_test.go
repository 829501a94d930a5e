package gridwarden

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/gridwarden/internal/remote"
	"github.com/loykin/gridwarden/internal/remote/remotetest"
	"github.com/loykin/gridwarden/internal/store"
)

func fakeFactory(HostConfig) (remote.Executor, error) { return remotetest.New(true), nil }

func testManager(t *testing.T) *Manager {
	t.Helper()
	c := DefaultConfig()
	c.Hosts = []HostConfig{
		{ID: "hub", Kind: "ssh", Address: "hub", Password: "x", Workdir: "/srv/hub"},
		{ID: "n1", Kind: "ssh", Address: "n1", Password: "x", Workdir: "/srv/n1"},
	}
	c.Grid.HubHost = "hub"
	c.Grid.HubAddress = "hub"
	c.Grid.ReadinessProbe = false
	c.Metrics.Enabled = false
	c.Reconcile.Interval = time.Hour
	c.Reconcile.SettleDelay = 10 * time.Millisecond
	c.Reconcile.StartSettle = time.Millisecond
	c.Reconcile.CleanupPause = time.Millisecond
	m, err := New(c, Options{
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Store:       store.NewMemory(),
		NewExecutor: fakeFactory,
	})
	require.NoError(t, err)
	return m
}

func TestManagerFacade(t *testing.T) {
	ctx := context.Background()
	m := testManager(t)
	require.NoError(t, m.Start(ctx))
	defer func() { _ = m.Shutdown(ctx) }()

	err := m.RequestStart(ctx, "n1", RoleNode)
	assert.True(t, errors.Is(err, ErrDependencyNotReady))

	require.NoError(t, m.RequestStart(ctx, "hub", RoleHub))
	require.NoError(t, m.RequestStart(ctx, "n1", RoleNode))
	up, err := m.IsActuallyRunning(ctx, "n1", RoleNode)
	require.NoError(t, err)
	assert.True(t, up)

	require.NoError(t, m.RequestStop(ctx, "n1", RoleNode))
	desired, err := m.IsDesiredActive("n1", RoleNode)
	require.NoError(t, err)
	assert.False(t, desired)

	_, err = m.IsDesiredActive("n9", RoleNode)
	assert.ErrorIs(t, err, ErrUnknownProcess)
	assert.Len(t, m.Hosts(), 2)
}

func TestHandlerFacade(t *testing.T) {
	ctx := context.Background()
	m := testManager(t)
	require.NoError(t, m.Start(ctx))
	defer func() { _ = m.Shutdown(ctx) }()

	srv := httptest.NewServer(Handler(m, "/api", nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/processes")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sts []Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sts))
	require.Len(t, sts, 2)
	assert.Equal(t, RoleHub, sts[0].Role)

	metricsResp, err := http.Get(srv.URL + "/api/metrics")
	require.NoError(t, err)
	_ = metricsResp.Body.Close()
	assert.Equal(t, http.StatusNotFound, metricsResp.StatusCode)
}

func TestConfigHelpers(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "gridwarden.toml")
	content := `
[grid]
version = "4.22.0"

[[hosts]]
id = "local"
kind = "local"
workdir = "."
`
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	c, err := LoadConfig(p)
	require.NoError(t, err)
	assert.Equal(t, "4.22.0", c.Grid.Version)
	assert.Equal(t, "local", c.Grid.HubHost)

	_, err = LoadConfig(filepath.Join(dir, "missing.toml"))
	assert.Error(t, err)
}

func TestMetricsHelpers(t *testing.T) {
	require.NoError(t, RegisterMetricsDefault())
	require.NoError(t, RegisterMetricsDefault())
	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
