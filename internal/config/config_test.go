package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/gridwarden/internal/fleet"
)

func writeTOML(t *testing.T, data string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "gridwarden.toml")
	require.NoError(t, os.WriteFile(p, []byte(data), 0o644))
	return p
}

const minimal = `
[[hosts]]
id = "hub1"
workdir = "/srv/grid"
`

func TestLoad_Defaults(t *testing.T) {
	c, err := Load(writeTOML(t, minimal))
	require.NoError(t, err)

	assert.Equal(t, "/api", c.Server.BasePath)
	assert.Equal(t, "gridwarden.db", c.Store.DSN)
	assert.Equal(t, 4444, c.Grid.HubPort)
	assert.Equal(t, 5555, c.Grid.NodePort)
	assert.Equal(t, "hub1", c.Grid.HubHost, "first host runs the hub when unset")
	assert.Equal(t, "http://localhost:4444", c.Grid.HubURL())
	assert.Equal(t, time.Second, c.Reconcile.CleanupPause)
	assert.Equal(t, 5*time.Minute, c.Reconcile.Interval)
	assert.Equal(t, 5*time.Second, c.Reconcile.SettleDelay)
	assert.Equal(t, 5*time.Second, c.Reconcile.StartSettle)
	assert.Zero(t, c.Reconcile.Quiescence)
	assert.Equal(t, 4, c.Reconcile.Workers)
	assert.True(t, c.Reconcile.StopOnShutdown)
	assert.True(t, c.Metrics.Enabled)
	require.Len(t, c.Hosts, 1)
	assert.Equal(t, "hub1", c.Hosts[0].ID)
}

func TestLoad_Full(t *testing.T) {
	c, err := Load(writeTOML(t, `
[server]
listen = ":9090"
base_path = "/grid"

[log]
level = "debug"
format = "json"
  [log.file]
  path = "/var/log/gridwarden.log"
  max_size_mb = 20

[store]
dsn = "bolt:///var/lib/gridwarden/state.db"

[history]
dsns = ["sqlite:///var/lib/gridwarden/history.db", "opensearch://os:9200/grid"]

[grid]
version = "4.22.1"
hub_host = "hub1"
hub_address = "hub.internal"
cache_dir = "/var/cache/gridwarden"
env = ["JAVA_OPTS=-Xmx1g", "GRID_HOME=/opt/grid"]

[reconcile]
interval = "2m"
settle_delay = "3s"
quiescence = "30s"
workers = 2
stop_on_shutdown = false

[[hosts]]
id = "hub1"
workdir = "/srv/grid"

[[hosts]]
id = "node1"
kind = "ssh"
address = "10.0.0.5"
user = "grid"
key_file = "/etc/gridwarden/id_ed25519"
posix = false
idle = false
workdir = "C:\\grid"
env = ["JAVA_OPTS=-Xmx4g"]
`))
	require.NoError(t, err)

	assert.Equal(t, ":9090", c.Server.Listen)
	assert.Equal(t, "debug", c.Log.Level)
	assert.Equal(t, 20, c.Log.File.MaxSizeMB)
	assert.Equal(t, "bolt:///var/lib/gridwarden/state.db", c.Store.DSN)
	assert.Len(t, c.History.DSNs, 2)
	assert.Equal(t, "http://hub.internal:4444", c.Grid.HubURL())
	assert.Equal(t, 2*time.Minute, c.Reconcile.Interval)
	assert.Equal(t, 30*time.Second, c.Reconcile.Quiescence)
	assert.False(t, c.Reconcile.StopOnShutdown)
	require.Len(t, c.Hosts, 2)
	n := c.Hosts[1]
	assert.Equal(t, fleet.KindSSH, n.Kind)
	require.NotNil(t, n.Posix)
	assert.False(t, *n.Posix)
	require.NotNil(t, n.Idle)
	assert.False(t, *n.Idle)
	assert.Equal(t, `C:\grid`, n.Workdir)
	assert.Equal(t, []string{"JAVA_OPTS=-Xmx1g", "GRID_HOME=/opt/grid"}, c.Grid.Env)
	assert.Equal(t, []string{"JAVA_OPTS=-Xmx4g"}, n.Env)
}

func TestLoad_Errors(t *testing.T) {
	cases := map[string]string{
		"no hosts":       `[grid]` + "\n" + `version = "4.21.0"`,
		"bad base path":  "[server]\nbase_path = \"api\"\n" + minimal,
		"bad level":      "[log]\nlevel = \"loud\"\n" + minimal,
		"bad version":    "[grid]\nversion = \"latest\"\n" + minimal,
		"url template":   "[grid]\nartifact_url = \"http://x/server.jar\"\n" + minimal,
		"port":           "[grid]\nhub_port = 70000\n" + minimal,
		"short interval": "[reconcile]\ninterval = \"10ms\"\n" + minimal,
		"workers":        "[reconcile]\nworkers = 0\n" + minimal,
		"unknown hub":    "[grid]\nhub_host = \"nope\"\n" + minimal,
		"ssh no auth":    "[[hosts]]\nid = \"n\"\nkind = \"ssh\"\naddress = \"n\"\nworkdir = \"/w\"\n",
		"duplicate":      minimal + minimal,
		"bad env":        "[grid]\nenv = [\"NOVALUE\"]\n" + minimal,
		"tls no cert":    "[server.tls]\nenabled = true\n" + minimal,
		"auth no users":  "[server.auth]\nenabled = true\n" + minimal,
		"auth plain pw":  "[server.auth]\nenabled = true\n[[server.auth.users]]\nusername = \"a\"\npassword_hash = \"pw\"\nrole = \"admin\"\n" + minimal,
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeTOML(t, data))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestLoad_HubAddressFromSSHHost(t *testing.T) {
	c, err := Load(writeTOML(t, `
[grid]
hub_host = "h"

[[hosts]]
id = "h"
kind = "ssh"
address = "10.1.2.3:2222"
password = "pw"
workdir = "/w"
`))
	require.NoError(t, err)
	assert.Equal(t, "10.1.2.3", c.Grid.HubAddress)
	assert.Equal(t, "http://10.1.2.3:4444", c.Grid.HubURL())
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("GRIDWARDEN_STORE_DSN", "memory://")
	c, err := Load(writeTOML(t, minimal))
	require.NoError(t, err)
	assert.Equal(t, "memory://", c.Store.DSN)
}

func TestLoad_ServerSecurity(t *testing.T) {
	c, err := Load(writeTOML(t, `
[server]
listen = ":8443"

[server.tls]
enabled = true
dir = "/etc/gridwarden/tls"
auto_generate = true
hosts = ["grid.example", "10.0.0.5"]

[server.auth]
enabled = true

[[server.auth.users]]
username = "ops"
password_hash = "$2a$10$CwTycUXWue0Thq9StjUM0uJ8DPVYl5h6J7nGq9VGCmFJzHSRRzxN."
role = "admin"
`+minimal))
	require.NoError(t, err)
	assert.True(t, c.Server.TLS.Enabled)
	assert.Equal(t, []string{"grid.example", "10.0.0.5"}, c.Server.TLS.Hosts)
	assert.Equal(t, "https://127.0.0.1:8443", c.Server.URL())
	assert.Equal(t, "/etc/gridwarden/tls/tls_ca.crt", c.Server.TLS.CAPath())
	require.Len(t, c.Server.Auth.Users, 1)
	assert.Equal(t, "ops", c.Server.Auth.Users[0].Username)
}

func TestDefault(t *testing.T) {
	c := Default()
	require.Len(t, c.Hosts, 1)
	assert.Equal(t, "local", c.Grid.HubHost)
	assert.Equal(t, fleet.KindLocal, c.Hosts[0].Kind)
}

func TestWatch_ReportsChanges(t *testing.T) {
	if testing.Short() {
		t.Skip("relies on filesystem notifications")
	}
	p := writeTOML(t, minimal)
	var mu sync.Mutex
	var hosts int
	var lastErr error
	require.NoError(t, Watch(p,
		func(c *Config) { mu.Lock(); hosts = len(c.Hosts); mu.Unlock() },
		func(err error) { mu.Lock(); lastErr = err; mu.Unlock() },
	))

	require.NoError(t, os.WriteFile(p, []byte(minimal+"\n[[hosts]]\nid = \"node2\"\nworkdir = \"/w\"\n"), 0o644))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return hosts == 2
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, os.WriteFile(p, []byte("[reconcile]\nworkers = -1\n"+minimal), 0o644))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return lastErr != nil && strings.Contains(lastErr.Error(), "workers")
	}, 5*time.Second, 20*time.Millisecond)
	mu.Lock()
	assert.Equal(t, 2, hosts, "an invalid edit keeps the last good configuration")
	mu.Unlock()
}
