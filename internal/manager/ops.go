package manager

import (
	"context"
	"errors"
	"fmt"

	"github.com/loykin/gridwarden/internal/artifact"
	"github.com/loykin/gridwarden/internal/fleet"
	"github.com/loykin/gridwarden/internal/metrics"
	"github.com/loykin/gridwarden/internal/scheduler"
	"github.com/loykin/gridwarden/internal/statuslog"
	"github.com/loykin/gridwarden/internal/store"
	"github.com/loykin/gridwarden/internal/supervisor"
)

var (
	// ErrUnknownProcess is returned for a host/role pair nobody supervises.
	ErrUnknownProcess = errors.New("unknown process")
	// ErrInvalidVersion is returned by SetVersion for strings without a version.
	ErrInvalidVersion = errors.New("invalid version")
)

// Detail is a status plus the status log of one process.
type Detail struct {
	supervisor.Status
	Log []statuslog.Entry `json:"log"`
}

func (m *Manager) lookup(host string, role supervisor.Role) (*supervisor.Supervisor, error) {
	s, ok := m.reg.Get(supervisor.Key{Host: host, Role: role})
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownProcess, host, role)
	}
	return s, nil
}

// RequestStart starts the process and marks it desired active.
func (m *Manager) RequestStart(ctx context.Context, host string, role supervisor.Role) error {
	s, err := m.lookup(host, role)
	if err != nil {
		return err
	}
	return s.Start(ctx)
}

// RequestStop stops the process and clears its desired flag.
func (m *Manager) RequestStop(ctx context.Context, host string, role supervisor.Role) error {
	s, err := m.lookup(host, role)
	if err != nil {
		return err
	}
	return s.Stop(ctx)
}

// RequestRestart replaces the running process with a fresh one.
func (m *Manager) RequestRestart(ctx context.Context, host string, role supervisor.Role) error {
	s, err := m.lookup(host, role)
	if err != nil {
		return err
	}
	return s.Restart(ctx)
}

func (m *Manager) IsDesiredActive(host string, role supervisor.Role) (bool, error) {
	s, err := m.lookup(host, role)
	if err != nil {
		return false, err
	}
	return s.IsDesiredActive(), nil
}

func (m *Manager) IsActuallyRunning(ctx context.Context, host string, role supervisor.Role) (bool, error) {
	s, err := m.lookup(host, role)
	if err != nil {
		return false, err
	}
	return s.IsActuallyRunning(ctx), nil
}

// StatusLog returns the status log of a process, newest first.
func (m *Manager) StatusLog(host string, role supervisor.Role) ([]statuslog.Entry, error) {
	s, err := m.lookup(host, role)
	if err != nil {
		return nil, err
	}
	return s.StatusLog().Entries(), nil
}

// Status lists every supervised process, hub first.
func (m *Manager) Status(ctx context.Context) []supervisor.Status {
	all := m.reg.List()
	out := make([]supervisor.Status, 0, len(all))
	for _, s := range all {
		out = append(out, s.Status(ctx))
	}
	return out
}

// Process returns the status and status log of one process.
func (m *Manager) Process(ctx context.Context, host string, role supervisor.Role) (Detail, error) {
	s, err := m.lookup(host, role)
	if err != nil {
		return Detail{}, err
	}
	return Detail{Status: s.Status(ctx), Log: s.StatusLog().Entries()}, nil
}

// Hosts describes every fleet host.
func (m *Manager) Hosts() []fleet.Info {
	hosts := m.fleet.Hosts()
	out := make([]fleet.Info, 0, len(hosts))
	for _, h := range hosts {
		out = append(out, h.Info())
	}
	return out
}

// ApplyHosts replaces the host list. Membership changes are handled
// asynchronously through fleet events.
func (m *Manager) ApplyHosts(cfgs []fleet.HostConfig) error {
	return m.fleet.Apply(cfgs)
}

// SetIdle marks a host idle or busy. Busy hosts are not reconciled on events.
func (m *Manager) SetIdle(host string, idle bool) error {
	return m.fleet.SetIdle(host, idle)
}

// Resources returns the last CPU and memory sample of a process running on
// the controller machine.
func (m *Manager) Resources(host string, role supervisor.Role) (metrics.Sample, bool) {
	if m.res == nil {
		return metrics.Sample{}, false
	}
	return m.res.Last(host, string(role))
}

// Reconcile runs one pass over every supervisor now.
func (m *Manager) Reconcile(ctx context.Context) []scheduler.Result {
	return m.sched.ReconcileAll(ctx)
}

func (m *Manager) Version() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

func (m *Manager) setVersion(v string) {
	m.mu.Lock()
	m.version = v
	m.mu.Unlock()
}

// SetVersion persists the new artifact version and restarts the hub, then
// every active node, one at a time. A failed restart does not stop the
// others; the per-process outcome is returned.
func (m *Manager) SetVersion(ctx context.Context, version string) ([]scheduler.Result, error) {
	v := artifact.NormalizeVersion(version)
	if v == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidVersion, version)
	}
	m.versionMu.Lock()
	defer m.versionMu.Unlock()
	if err := m.st.SaveSetting(ctx, store.SettingVersion, v); err != nil {
		return nil, fmt.Errorf("save version: %w", err)
	}
	old := m.Version()
	m.setVersion(v)
	m.logger.Info("version changed", "from", old, "to", v)

	var results []scheduler.Result
	for _, s := range m.reg.List() {
		if !s.IsDesiredActive() {
			continue
		}
		r := scheduler.Result{Key: s.Key(), Host: s.Key().Host, Role: s.Key().Role, Outcome: supervisor.OutcomeStarted}
		if err := s.Restart(ctx); err != nil {
			r.Outcome = supervisor.OutcomeFailed
			r.Error = err.Error()
			m.logger.Warn("restart after version change failed", "key", s.Key().String(), "err", err)
		}
		results = append(results, r)
	}
	return results, nil
}
