// Package manager wires the fleet, the per-process supervisors and the
// reconciliation scheduler together and exposes the operator operations.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sourcegraph/conc"

	"github.com/loykin/gridwarden/internal/artifact"
	"github.com/loykin/gridwarden/internal/config"
	"github.com/loykin/gridwarden/internal/fleet"
	"github.com/loykin/gridwarden/internal/history"
	hfactory "github.com/loykin/gridwarden/internal/history/factory"
	"github.com/loykin/gridwarden/internal/metrics"
	"github.com/loykin/gridwarden/internal/scheduler"
	"github.com/loykin/gridwarden/internal/store"
	sfactory "github.com/loykin/gridwarden/internal/store/factory"
	"github.com/loykin/gridwarden/internal/supervisor"
)

// Options configures a Manager. Store and NewExecutor override what the
// configuration selects.
type Options struct {
	Config      *config.Config
	Logger      *slog.Logger
	Store       store.Store
	NewExecutor fleet.ExecutorFactory
}

// Manager owns every supervisor of the grid.
type Manager struct {
	cfg    *config.Config
	logger *slog.Logger
	st     store.Store
	hist   *history.Recorder
	fleet  *fleet.Fleet
	reg    *supervisor.Registry
	sched  *scheduler.Scheduler
	res    *metrics.ResourceCollector
	cache  *artifact.HTTP

	mu      sync.RWMutex
	version string
	started bool
	cancel  context.CancelFunc
	wg      conc.WaitGroup

	// memberMu serializes hosts joining and leaving.
	memberMu sync.Mutex
	// versionMu serializes version changes.
	versionMu sync.Mutex
}

func New(opts Options) (*Manager, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	st := opts.Store
	if st == nil {
		var err error
		if st, err = sfactory.NewFromDSN(cfg.Store.DSN); err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
	}
	if err := st.EnsureSchema(context.Background()); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("store schema: %w", err)
	}
	hist := history.NewRecorder(logger)
	if err := hfactory.Build(cfg.History.DSNs, hist); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("history sinks: %w", err)
	}

	m := &Manager{
		cfg:     cfg,
		logger:  logger,
		st:      st,
		hist:    hist,
		reg:     supervisor.NewRegistry(),
		version: cfg.Grid.Version,
	}
	m.fleet = fleet.New(fleet.Options{
		ProbeInterval: cfg.Reconcile.ProbeInterval,
		Logger:        logger,
		NewExecutor:   opts.NewExecutor,
	})
	m.sched = scheduler.New(m.reg, m.fleet.State, scheduler.Options{
		Interval:    cfg.Reconcile.Interval,
		SettleDelay: cfg.Reconcile.SettleDelay,
		Workers:     cfg.Reconcile.Workers,
		Logger:      logger,
	})
	m.cache = artifact.NewHTTP(cfg.Grid.CacheDir, cfg.Grid.ArtifactURL)
	m.cache.Logger = logger
	if cfg.Metrics.Enabled {
		m.res = metrics.NewResourceCollector(cfg.Metrics.ResourceInterval, m.resourceTargets, logger)
	}
	return m, nil
}

// Config returns the configuration the manager was built with.
func (m *Manager) Config() *config.Config { return m.cfg }

// Registry returns the supervisor registry.
func (m *Manager) Registry() *supervisor.Registry { return m.reg }

// Fleet returns the fleet of hosts.
func (m *Manager) Fleet() *fleet.Fleet { return m.fleet }

// Start restores persisted state, runs one reconciliation pass over every
// supervisor and then hands over to the periodic and event driven cadence.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("manager already started")
	}
	m.started = true
	m.mu.Unlock()

	v, err := m.st.LoadSetting(ctx, store.SettingVersion)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return fmt.Errorf("load version: %w", err)
	default:
		m.setVersion(v)
	}

	if err := m.fleet.Apply(m.cfg.Hosts); err != nil {
		return err
	}
	m.fleet.Probe(ctx)
	// The startup pass below covers what these events would trigger.
	m.drainEvents()
	for _, h := range m.fleet.Hosts() {
		m.join(ctx, h.ID())
	}
	for _, r := range m.sched.ReconcileAll(ctx) {
		m.logger.Info("startup reconcile", "host", r.Host, "role", r.Role, "outcome", r.Outcome, "err", r.Error)
	}
	for _, s := range m.reg.List() {
		if err := m.sched.Watch(s.Key()); err != nil {
			return fmt.Errorf("watch %s: %w", s.Key(), err)
		}
	}
	m.sched.Start()

	bg, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()
	m.wg.Go(func() { m.sched.Consume(bg, m.fleet.Events(), m.membership) })
	m.wg.Go(func() { m.fleet.Run(bg) })
	if m.res != nil {
		m.res.Start()
	}
	m.logger.Info("manager started", "hosts", len(m.fleet.Hosts()), "processes", m.reg.Len(), "version", m.Version())
	return nil
}

func (m *Manager) drainEvents() {
	for {
		select {
		case <-m.fleet.Events():
		default:
			return
		}
	}
}

// Shutdown stops background work. With reconcile.stop_on_shutdown set every
// process is halted, keeping its desired state for the next start.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
		m.wg.Wait()
	}
	if m.res != nil {
		m.res.Stop()
	}
	m.sched.Stop()
	if m.cfg.Reconcile.StopOnShutdown {
		all := m.reg.List()
		// nodes before the hub
		for i := len(all) - 1; i >= 0; i-- {
			if err := all[i].Halt(ctx); err != nil {
				m.logger.Warn("halt on shutdown failed", "key", all[i].Key().String(), "err", err)
			}
		}
	}
	return errors.Join(m.fleet.Close(), m.hist.Close(), m.st.Close())
}

func (m *Manager) resourceTargets() []metrics.Target {
	var out []metrics.Target
	for _, s := range m.reg.List() {
		h, ok := m.fleet.Host(s.Key().Host)
		if !ok || !h.Config().IsLocal() {
			continue
		}
		if pid := s.PID(); pid > 0 {
			out = append(out, metrics.Target{Host: s.Key().Host, Role: string(s.Key().Role), PID: pid})
		}
	}
	return out
}
