// Package fleet tracks the hosts that run grid processes, their
// reachability and idleness, and publishes membership events.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/gridwarden/internal/env"
	"github.com/loykin/gridwarden/internal/remote"
)

const (
	KindLocal = "local"
	KindSSH   = "ssh"

	DefaultProbeInterval = 30 * time.Second
	DefaultEventBuffer   = 64
)

// ErrUnknownHost is returned for host ids that are not in the fleet.
var ErrUnknownHost = errors.New("unknown host")

// HostConfig describes one fleet host.
type HostConfig struct {
	ID         string `mapstructure:"id" json:"id"`
	Kind       string `mapstructure:"kind" json:"kind"`
	Address    string `mapstructure:"address" json:"address,omitempty"`
	User       string `mapstructure:"user" json:"user,omitempty"`
	KeyFile    string `mapstructure:"key_file" json:"-"`
	Password   string `mapstructure:"password" json:"-"`
	KnownHosts string `mapstructure:"known_hosts" json:"-"`
	Posix      *bool  `mapstructure:"posix" json:"posix,omitempty"`
	Idle       *bool  `mapstructure:"idle" json:"idle,omitempty"`
	Workdir    string `mapstructure:"workdir" json:"workdir,omitempty"`

	// Env is added to the environment of grid processes on this host.
	Env []string `mapstructure:"env" json:"-"`
}

// Validate checks required fields.
func (c HostConfig) Validate() error {
	if c.ID == "" {
		return errors.New("host id is required")
	}
	switch c.kind() {
	case KindLocal:
	case KindSSH:
		if c.Address == "" {
			return fmt.Errorf("host %q: ssh requires address", c.ID)
		}
		if c.KeyFile == "" && c.Password == "" {
			return fmt.Errorf("host %q: ssh requires key_file or password", c.ID)
		}
	default:
		return fmt.Errorf("host %q: unknown kind %q", c.ID, c.Kind)
	}
	if c.Workdir == "" {
		return fmt.Errorf("host %q: workdir is required", c.ID)
	}
	if err := env.Validate(c.Env); err != nil {
		return fmt.Errorf("host %q: %w", c.ID, err)
	}
	return nil
}

func (c HostConfig) kind() string {
	if c.Kind == "" {
		return KindLocal
	}
	return c.Kind
}

// IsLocal reports whether the host is the controller machine itself.
func (c HostConfig) IsLocal() bool { return c.kind() == KindLocal }

func (c HostConfig) posix(def bool) bool {
	if c.Posix == nil {
		return def
	}
	return *c.Posix
}

func (c HostConfig) idle() bool { return c.Idle == nil || *c.Idle }

// transport reports whether two configs reach the host the same way.
func (c HostConfig) sameTransport(o HostConfig) bool {
	a, b := c, o
	a.Idle, b.Idle = nil, nil
	a.Workdir, b.Workdir = "", ""
	a.Env, b.Env = nil, nil
	return reflect.DeepEqual(a, b)
}

// Pinger is implemented by executors that can verify their transport.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Host is a fleet member.
type Host struct {
	cfg       HostConfig
	exec      remote.Executor
	reachable atomic.Bool
	idle      atomic.Bool
	mu        sync.RWMutex
}

func (h *Host) ID() string { return h.cfg.ID }

// Reachable reports the last probe result.
func (h *Host) Reachable() bool { return h.reachable.Load() }

// Idle reports whether the host is free to run grid processes.
func (h *Host) Idle() bool { return h.idle.Load() }

func (h *Host) Executor() remote.Executor { return h.exec }

func (h *Host) Workdir() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg.Workdir
}

func (h *Host) Config() HostConfig {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

// Info is the API view of a host.
type Info struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Address   string `json:"address,omitempty"`
	Reachable bool   `json:"reachable"`
	Idle      bool   `json:"idle"`
	Posix     bool   `json:"posix"`
	Workdir   string `json:"workdir"`
}

func (h *Host) Info() Info {
	c := h.Config()
	return Info{
		ID:        c.ID,
		Kind:      c.kind(),
		Address:   c.Address,
		Reachable: h.Reachable(),
		Idle:      h.Idle(),
		Posix:     h.exec.Posix(),
		Workdir:   c.Workdir,
	}
}

// ExecutorFactory builds the executor of a host.
type ExecutorFactory func(cfg HostConfig) (remote.Executor, error)

type Options struct {
	ProbeInterval time.Duration
	EventBuffer   int
	Logger        *slog.Logger
	NewExecutor   ExecutorFactory
}

// Fleet is the set of configured hosts. It is safe for concurrent use.
type Fleet struct {
	opts   Options
	logger *slog.Logger
	events chan Event

	mu    sync.RWMutex
	hosts map[string]*Host
}

func New(opts Options) *Fleet {
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = DefaultProbeInterval
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = DefaultEventBuffer
	}
	if opts.NewExecutor == nil {
		opts.NewExecutor = DefaultExecutor
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Fleet{
		opts:   opts,
		logger: logger.With("component", "fleet"),
		events: make(chan Event, opts.EventBuffer),
		hosts:  make(map[string]*Host),
	}
}

// Events is the channel of membership events.
func (f *Fleet) Events() <-chan Event { return f.events }

func (f *Fleet) emit(t EventType, host string) {
	e := NewEvent(t, host)
	select {
	case f.events <- e:
	default:
		f.logger.Warn("event channel full, dropping event", "type", t, "host", host)
	}
}

// Host returns the host with id.
func (f *Fleet) Host(id string) (*Host, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	h, ok := f.hosts[id]
	return h, ok
}

// Hosts returns all hosts ordered by id.
func (f *Fleet) Hosts() []*Host {
	f.mu.RLock()
	out := make([]*Host, 0, len(f.hosts))
	for _, h := range f.hosts {
		out = append(out, h)
	}
	f.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].cfg.ID < out[j].cfg.ID })
	return out
}

// State reports reachability and idleness; unknown hosts are neither.
func (f *Fleet) State(id string) (reachable, idle bool) {
	h, ok := f.Host(id)
	if !ok {
		return false, false
	}
	return h.Reachable(), h.Idle()
}

// Apply makes the fleet match cfgs. New hosts emit HostJoined, removed hosts
// emit HostLeft, and hosts whose settings changed emit HostConfigChanged. A
// host whose transport changed is replaced (left, then joined).
func (f *Fleet) Apply(cfgs []HostConfig) error {
	seen := make(map[string]bool, len(cfgs))
	for _, c := range cfgs {
		if err := c.Validate(); err != nil {
			return err
		}
		if seen[c.ID] {
			return fmt.Errorf("duplicate host id %q", c.ID)
		}
		seen[c.ID] = true
	}

	type change struct {
		t  EventType
		id string
	}
	var changes []change
	var closers []io.Closer

	f.mu.Lock()
	for id, h := range f.hosts {
		if !seen[id] {
			delete(f.hosts, id)
			changes = append(changes, change{HostLeft, id})
			if c, ok := h.exec.(io.Closer); ok {
				closers = append(closers, c)
			}
		}
	}
	for _, c := range cfgs {
		old, ok := f.hosts[c.ID]
		switch {
		case !ok:
		case old.cfg.sameTransport(c):
			old.mu.Lock()
			changed := !reflect.DeepEqual(old.cfg, c)
			old.cfg = c
			old.mu.Unlock()
			old.idle.Store(c.idle())
			if changed {
				changes = append(changes, change{HostConfigChanged, c.ID})
			}
			continue
		default:
			changes = append(changes, change{HostLeft, c.ID})
			if cl, ok := old.exec.(io.Closer); ok {
				closers = append(closers, cl)
			}
		}
		exec, err := f.opts.NewExecutor(c)
		if err != nil {
			f.mu.Unlock()
			return fmt.Errorf("host %q: %w", c.ID, err)
		}
		h := &Host{cfg: c, exec: exec}
		h.idle.Store(c.idle())
		h.reachable.Store(c.kind() == KindLocal)
		f.hosts[c.ID] = h
		changes = append(changes, change{HostJoined, c.ID})
	}
	f.mu.Unlock()

	for _, c := range closers {
		_ = c.Close()
	}
	for _, ch := range changes {
		f.logger.Info("fleet change", "type", ch.t, "host", ch.id)
		f.emit(ch.t, ch.id)
	}
	return nil
}

// SetIdle marks a host busy or idle. A reachable host becoming idle emits
// HostOnline.
func (f *Fleet) SetIdle(id string, idle bool) error {
	h, ok := f.Host(id)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownHost, id)
	}
	if h.idle.Swap(idle) != idle && idle && h.Reachable() {
		f.emit(HostOnline, id)
	}
	return nil
}

// Probe checks every host once and emits HostOnline/HostOffline on
// transitions.
func (f *Fleet) Probe(ctx context.Context) {
	for _, h := range f.Hosts() {
		f.probe(ctx, h)
	}
}

// ProbeHost checks one host now and reports whether it is reachable.
func (f *Fleet) ProbeHost(ctx context.Context, id string) bool {
	h, ok := f.Host(id)
	if !ok {
		return false
	}
	return f.probe(ctx, h)
}

func (f *Fleet) probe(ctx context.Context, h *Host) bool {
	ok := true
	if p, isPinger := h.exec.(Pinger); isPinger {
		pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := p.Ping(pctx)
		cancel()
		if err != nil {
			ok = false
			f.logger.Debug("probe failed", "host", h.ID(), "err", err)
		}
	}
	if h.reachable.Swap(ok) == ok {
		return ok
	}
	if ok {
		f.logger.Info("host online", "host", h.ID())
		f.emit(HostOnline, h.ID())
	} else {
		f.logger.Warn("host offline", "host", h.ID())
		f.emit(HostOffline, h.ID())
	}
	return ok
}

// Run probes hosts until ctx is done.
func (f *Fleet) Run(ctx context.Context) {
	f.Probe(ctx)
	t := time.NewTicker(f.opts.ProbeInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			f.Probe(ctx)
		}
	}
}

// Close releases host connections.
func (f *Fleet) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var errs []error
	for _, h := range f.hosts {
		if c, ok := h.exec.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
