package manager

import (
	"context"
	"io"

	"github.com/loykin/gridwarden/internal/artifact"
	"github.com/loykin/gridwarden/internal/env"
	"github.com/loykin/gridwarden/internal/fleet"
	"github.com/loykin/gridwarden/internal/metrics"
	"github.com/loykin/gridwarden/internal/pidtracker"
	"github.com/loykin/gridwarden/internal/supervisor"
)

func (m *Manager) membership(ctx context.Context, e fleet.Event) {
	switch e.Type {
	case fleet.HostJoined:
		// new ssh hosts stay unreachable until probed
		m.fleet.ProbeHost(ctx, e.Host)
		m.join(ctx, e.Host)
	case fleet.HostLeft:
		m.leave(ctx, e.Host)
	}
}

// roleSpec returns what runs on host id: the hub on the hub host, a node
// everywhere else.
func (m *Manager) roleSpec(id string) supervisor.RoleSpec {
	if id == m.cfg.Grid.HubHost {
		return supervisor.HubSpec(m.cfg.Grid.HubPort)
	}
	return supervisor.NodeSpec(m.cfg.Grid.NodePort, m.cfg.Grid.HubURL())
}

func (m *Manager) newSupervisor(h *fleet.Host, spec supervisor.RoleSpec) *supervisor.Supervisor {
	opts := supervisor.Options{
		Host:         h,
		Spec:         spec,
		Store:        m.st,
		Version:      m.Version,
		History:      m.hist,
		Logger:       m.logger,
		StartSettle:  m.cfg.Reconcile.StartSettle,
		CleanupPause: m.cfg.Reconcile.CleanupPause,
		Quiescence:   m.cfg.Reconcile.Quiescence,
		Env: func() ([]string, error) {
			return env.Compose(m.cfg.Grid.Env, h.Config().Env)
		},
	}
	if h.Config().IsLocal() {
		opts.Resolver = m.cache
		opts.Finder = pidtracker.LocalFinder{}
	} else {
		opts.Resolver = artifact.NewOnHost(h.Executor(), supervisor.GridDir(h), m.cfg.Grid.ArtifactURL)
	}
	if spec.Role == supervisor.RoleNode {
		dep := supervisor.HubDependency{Hub: m.reg.Hub}
		if m.cfg.Grid.ReadinessProbe {
			dep.Probe = supervisor.NewReadinessProbe(m.cfg.Grid.HubAddress, m.cfg.Grid.HubPort)
		}
		opts.Dependency = dep
	}
	return supervisor.New(opts)
}

// join creates the supervisor of host id and restores its persisted state.
// A supervisor left over from a replaced host is halted first.
func (m *Manager) join(ctx context.Context, id string) {
	m.memberMu.Lock()
	defer m.memberMu.Unlock()
	h, ok := m.fleet.Host(id)
	if !ok {
		return
	}
	for _, s := range m.reg.ForHost(id) {
		if s.Host() == supervisor.Host(h) {
			continue
		}
		m.retire(ctx, s)
	}
	spec := m.roleSpec(id)
	key := supervisor.Key{Host: id, Role: spec.Role}
	sup, created := m.reg.GetOrCreate(key, func() *supervisor.Supervisor { return m.newSupervisor(h, spec) })
	if !created {
		return
	}
	if err := sup.Load(ctx); err != nil {
		m.logger.Warn("load state failed", "key", key.String(), "err", err)
	}
	m.logger.Info("supervising", "key", key.String(), "desired", sup.IsDesiredActive())
}

// leave halts and drops the supervisors of a host that left the fleet.
func (m *Manager) leave(ctx context.Context, id string) {
	m.memberMu.Lock()
	defer m.memberMu.Unlock()
	cur, present := m.fleet.Host(id)
	for _, s := range m.reg.ForHost(id) {
		if present && s.Host() == supervisor.Host(cur) {
			continue
		}
		m.retire(ctx, s)
	}
}

func (m *Manager) retire(ctx context.Context, s *supervisor.Supervisor) {
	key := s.Key()
	if err := s.Halt(ctx); err != nil {
		m.logger.Warn("halt on leave failed", "key", key.String(), "err", err)
	}
	m.sched.Unwatch(key)
	m.reg.Remove(key)
	metrics.Forget(key.Host, string(key.Role))
	if c, ok := s.Host().Executor().(io.Closer); ok {
		_ = c.Close()
	}
	m.logger.Info("dropped", "key", key.String())
}
