package gridwarden

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/gridwarden/internal/auth"
	cfg "github.com/loykin/gridwarden/internal/config"
	"github.com/loykin/gridwarden/internal/fleet"
	"github.com/loykin/gridwarden/internal/manager"
	"github.com/loykin/gridwarden/internal/metrics"
	"github.com/loykin/gridwarden/internal/scheduler"
	iapi "github.com/loykin/gridwarden/internal/server"
	"github.com/loykin/gridwarden/internal/store"
	"github.com/loykin/gridwarden/internal/supervisor"
	gwtls "github.com/loykin/gridwarden/internal/tls"
)

// Re-export core types for external consumers.

type Config = cfg.Config

type HostConfig = fleet.HostConfig

type HostInfo = fleet.Info

type Role = supervisor.Role

type Status = supervisor.Status

type Result = scheduler.Result

type Detail = manager.Detail

type Store = store.Store

type ExecutorFactory = fleet.ExecutorFactory

const (
	RoleHub  = supervisor.RoleHub
	RoleNode = supervisor.RoleNode
)

// Error kinds returned by process operations, matched with errors.Is.
var (
	ErrHostUnreachable     = supervisor.ErrHostUnreachable
	ErrDependencyNotReady  = supervisor.ErrDependencyNotReady
	ErrArtifactUnavailable = supervisor.ErrArtifactUnavailable
	ErrLaunchFailed        = supervisor.ErrLaunchFailed
	ErrKillFailed          = supervisor.ErrKillFailed
	ErrChannelUnavailable  = supervisor.ErrChannelUnavailable
	ErrUnknownProcess      = manager.ErrUnknownProcess
	ErrUnknownHost         = fleet.ErrUnknownHost
	ErrInvalidVersion      = manager.ErrInvalidVersion
)

// Options configures New. Zero fields fall back to the configuration.
type Options struct {
	Logger      *slog.Logger
	Store       Store
	NewExecutor ExecutorFactory
}

// Manager is a thin facade over internal/manager.Manager for embedding.
type Manager struct{ inner *manager.Manager }

func New(c *Config, opts Options) (*Manager, error) {
	m, err := manager.New(manager.Options{Config: c, Logger: opts.Logger, Store: opts.Store, NewExecutor: opts.NewExecutor})
	if err != nil {
		return nil, err
	}
	return &Manager{inner: m}, nil
}

func (m *Manager) Start(ctx context.Context) error    { return m.inner.Start(ctx) }
func (m *Manager) Shutdown(ctx context.Context) error { return m.inner.Shutdown(ctx) }

func (m *Manager) RequestStart(ctx context.Context, host string, role Role) error {
	return m.inner.RequestStart(ctx, host, role)
}
func (m *Manager) RequestStop(ctx context.Context, host string, role Role) error {
	return m.inner.RequestStop(ctx, host, role)
}
func (m *Manager) RequestRestart(ctx context.Context, host string, role Role) error {
	return m.inner.RequestRestart(ctx, host, role)
}
func (m *Manager) IsDesiredActive(host string, role Role) (bool, error) {
	return m.inner.IsDesiredActive(host, role)
}
func (m *Manager) IsActuallyRunning(ctx context.Context, host string, role Role) (bool, error) {
	return m.inner.IsActuallyRunning(ctx, host, role)
}
func (m *Manager) Status(ctx context.Context) []Status { return m.inner.Status(ctx) }
func (m *Manager) Process(ctx context.Context, host string, role Role) (Detail, error) {
	return m.inner.Process(ctx, host, role)
}
func (m *Manager) Hosts() []HostInfo                      { return m.inner.Hosts() }
func (m *Manager) ApplyHosts(hosts []HostConfig) error    { return m.inner.ApplyHosts(hosts) }
func (m *Manager) SetIdle(host string, idle bool) error   { return m.inner.SetIdle(host, idle) }
func (m *Manager) Reconcile(ctx context.Context) []Result { return m.inner.Reconcile(ctx) }
func (m *Manager) Version() string                        { return m.inner.Version() }
func (m *Manager) SetVersion(ctx context.Context, v string) ([]Result, error) {
	return m.inner.SetVersion(ctx, v)
}

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

func DefaultConfig() *Config { return cfg.Default() }

// WatchConfig applies host list edits of the file at path to m.
func WatchConfig(path string, m *Manager, onError func(error)) error {
	return cfg.Watch(path, func(c *Config) {
		if err := m.ApplyHosts(c.Hosts); err != nil && onError != nil {
			onError(err)
		}
	}, onError)
}

// Handler returns the HTTP API of m mounted at basePath. A nil metrics
// handler leaves /metrics unmounted.
func Handler(m *Manager, basePath string, metricsHandler http.Handler) http.Handler {
	r := iapi.NewRouter(m.inner, basePath)
	if metricsHandler != nil {
		r.WithMetrics(metricsHandler)
	}
	return r.Handler()
}

// NewHTTPServer returns a server exposing the API of m as configured in
// c.Server. TLSConfig is set when TLS is enabled; the caller runs the server.
func NewHTTPServer(c *Config, m *Manager, metricsHandler http.Handler, logger *slog.Logger) (*http.Server, error) {
	r := iapi.NewRouter(m.inner, c.Server.BasePath).WithLogger(logger)
	if metricsHandler != nil {
		r.WithMetrics(metricsHandler)
	}
	if c.Server.Auth.Enabled {
		a, err := auth.New(c.Server.Auth)
		if err != nil {
			return nil, err
		}
		r.WithAuth(a)
	}
	srv := iapi.NewServer(c.Server.Listen, r)
	tc, err := gwtls.Server(c.Server.TLS)
	if err != nil {
		return nil, err
	}
	srv.TLSConfig = tc
	return srv, nil
}

// HashPassword returns a bcrypt hash for [[server.auth.users]] password_hash.
func HashPassword(password string) (string, error) { return auth.HashPassword(password) }

// Metrics helpers

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
func MetricsHandler() http.Handler                  { return metrics.Handler() }
