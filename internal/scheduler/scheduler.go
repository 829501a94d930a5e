// Package scheduler drives reconciliation of every supervised process, on a
// fixed interval and in response to fleet events.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"

	"github.com/loykin/gridwarden/internal/fleet"
	"github.com/loykin/gridwarden/internal/metrics"
	"github.com/loykin/gridwarden/internal/supervisor"
)

const (
	DefaultInterval    = 5 * time.Minute
	DefaultSettleDelay = 5 * time.Second
	DefaultWorkers     = 4
	DefaultQueueSize   = 256
)

// HostState reports reachability and idleness of a host. Unknown hosts
// report false for both.
type HostState func(id string) (reachable, idle bool)

type Options struct {
	Interval    time.Duration
	SettleDelay time.Duration
	Workers     int
	QueueSize   int
	Logger      *slog.Logger
}

// Result is the outcome of reconciling one process.
type Result struct {
	Key     supervisor.Key     `json:"-"`
	Host    string             `json:"host"`
	Role    supervisor.Role    `json:"role"`
	Outcome supervisor.Outcome `json:"outcome"`
	Error   string             `json:"error,omitempty"`
}

type task struct {
	key  *supervisor.Key
	name string
	fn   func(ctx context.Context)
}

// Scheduler is safe for concurrent use. Triggers never block: work is queued
// and executed by a bounded worker pool.
type Scheduler struct {
	reg    *supervisor.Registry
	hosts  HostState
	opts   Options
	logger *slog.Logger

	cron  *cron.Cron
	queue chan task

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	entries map[supervisor.Key]cron.EntryID
	pending map[supervisor.Key]bool
	timers  map[string]*time.Timer
	started bool
	stopped bool
}

func New(reg *supervisor.Registry, hosts HostState, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = DefaultSettleDelay
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "scheduler")
	cl := cronLogger{logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		reg:     reg,
		hosts:   hosts,
		opts:    opts,
		logger:  logger,
		cron:    cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl))),
		queue:   make(chan task, opts.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		entries: make(map[supervisor.Key]cron.EntryID),
		pending: make(map[supervisor.Key]bool),
		timers:  make(map[string]*time.Timer),
	}
}

// Start begins the periodic cadence and the worker pool. A stopped
// scheduler cannot be started again.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()
	s.cron.Start()
	go s.dispatch()
}

// Stop cancels pending delayed reconciles, stops the cadence and waits for
// in-flight work to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	started := s.started
	s.started = false
	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	if !started {
		return
	}
	<-s.cron.Stop().Done()
	s.cancel()
	<-s.done
}

func (s *Scheduler) dispatch() {
	defer close(s.done)
	p := pool.New().WithMaxGoroutines(s.opts.Workers)
	defer p.Wait()
	for {
		select {
		case <-s.ctx.Done():
			return
		case t := <-s.queue:
			p.Go(func() { s.execute(t) })
		}
	}
}

func (s *Scheduler) execute(t task) {
	if t.key != nil {
		s.mu.Lock()
		delete(s.pending, *t.key)
		s.mu.Unlock()
	}
	var pc panics.Catcher
	// In-flight operations are not preempted by Stop.
	pc.Try(func() { t.fn(context.WithoutCancel(s.ctx)) })
	if r := pc.Recovered(); r != nil {
		s.logger.Error("task panicked", "task", t.name, "panic", r.Value, "stack", string(r.Stack))
	}
}

// Submit queues fn on the worker pool. It returns false when the queue is
// full.
func (s *Scheduler) Submit(name string, fn func(ctx context.Context)) bool {
	select {
	case s.queue <- task{name: name, fn: fn}:
		return true
	default:
		s.logger.Warn("queue full, dropping task", "task", name)
		return false
	}
}

// Trigger queues a reconcile of key. A reconcile already queued for the
// same key absorbs the trigger.
func (s *Scheduler) Trigger(key supervisor.Key) bool {
	s.mu.Lock()
	if s.pending[key] {
		s.mu.Unlock()
		metrics.IncDropped(key.Host, string(key.Role))
		return false
	}
	s.pending[key] = true
	s.mu.Unlock()

	k := key
	select {
	case s.queue <- task{key: &k, name: "reconcile " + key.String(), fn: func(ctx context.Context) { s.reconcileKey(ctx, k) }}:
		return true
	default:
		s.mu.Lock()
		delete(s.pending, key)
		s.mu.Unlock()
		metrics.IncDropped(key.Host, string(key.Role))
		s.logger.Warn("queue full, dropping reconcile", "key", key.String())
		return false
	}
}

func (s *Scheduler) reconcileKey(ctx context.Context, key supervisor.Key) {
	sup, ok := s.reg.Get(key)
	if !ok {
		return
	}
	s.reconcileOne(ctx, sup)
}

func (s *Scheduler) reconcileOne(ctx context.Context, sup *supervisor.Supervisor) (res Result) {
	key := sup.Key()
	res = Result{Key: key, Host: key.Host, Role: key.Role, Outcome: supervisor.OutcomeFailed}
	var pc panics.Catcher
	pc.Try(func() {
		out, err := sup.Reconcile(ctx)
		res.Outcome = out
		if err != nil {
			res.Error = err.Error()
		}
	})
	if r := pc.Recovered(); r != nil {
		res.Error = fmt.Sprintf("panic: %v", r.Value)
		s.logger.Error("reconcile panicked", "key", key.String(), "panic", r.Value, "stack", string(r.Stack))
		return res
	}
	switch {
	case res.Error != "":
		s.logger.Warn("reconcile failed", "host", key.Host, "role", key.Role, "outcome", res.Outcome, "err", res.Error)
	case res.Outcome == supervisor.OutcomeStarted:
		s.logger.Info("process restarted", "host", key.Host, "role", key.Role)
	default:
		s.logger.Debug("reconciled", "host", key.Host, "role", key.Role, "outcome", res.Outcome)
	}
	return res
}

// ReconcileAll reconciles every supervisor sequentially, hub first. A
// failure of one never stops the pass.
func (s *Scheduler) ReconcileAll(ctx context.Context) []Result {
	sups := s.reg.List()
	out := make([]Result, 0, len(sups))
	for _, sup := range sups {
		out = append(out, s.reconcileOne(ctx, sup))
	}
	return out
}

// Watch adds the periodic reconcile entry of key.
func (s *Scheduler) Watch(key supervisor.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key]; ok {
		return nil
	}
	id, err := s.cron.AddFunc("@every "+s.opts.Interval.String(), func() { s.Trigger(key) })
	if err != nil {
		return fmt.Errorf("schedule %s: %w", key, err)
	}
	s.entries[key] = id
	return nil
}

// Unwatch removes the periodic entry of key.
func (s *Scheduler) Unwatch(key supervisor.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[key]; ok {
		s.cron.Remove(id)
		delete(s.entries, key)
	}
}

// Watched reports the keys with a periodic entry.
func (s *Scheduler) Watched() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// ScheduleHost reconciles the processes of host after the settle delay,
// unless the host is no longer reachable and idle by then. A newer call
// for the same host replaces a pending one.
func (s *Scheduler) ScheduleHost(host string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[host]; ok {
		t.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(s.opts.SettleDelay, func() {
		s.mu.Lock()
		if s.timers[host] != t {
			s.mu.Unlock()
			return
		}
		delete(s.timers, host)
		s.mu.Unlock()
		s.fireHost(host)
	})
	s.timers[host] = t
}

func (s *Scheduler) fireHost(host string) {
	reachable, idle := s.hosts(host)
	if !reachable || !idle {
		s.logger.Info("host changed during settle delay, skipping reconcile", "host", host, "reachable", reachable, "idle", idle)
		return
	}
	for _, sup := range s.reg.ForHost(host) {
		s.Trigger(sup.Key())
	}
}

// CancelHost drops a pending delayed reconcile of host.
func (s *Scheduler) CancelHost(host string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[host]
	if ok {
		t.Stop()
		delete(s.timers, host)
	}
	return ok
}

// PendingHost reports whether a delayed reconcile of host is waiting.
func (s *Scheduler) PendingHost(host string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[host]
	return ok
}

// Membership handles hosts joining and leaving. It runs on the worker pool.
type Membership func(ctx context.Context, e fleet.Event)

// Consume reads fleet events until ctx is done or events is closed. Event
// handling only schedules work, so delivery is never held up.
func (s *Scheduler) Consume(ctx context.Context, events <-chan fleet.Event, membership Membership) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			s.Handle(e, membership)
		}
	}
}

// Handle routes one fleet event.
func (s *Scheduler) Handle(e fleet.Event, membership Membership) {
	s.logger.Debug("fleet event", "type", e.Type, "host", e.Host, "id", e.ID)
	switch e.Type {
	case fleet.HostOnline:
		if _, idle := s.hosts(e.Host); !idle {
			s.logger.Info("host online but busy, waiting for the next tick", "host", e.Host)
			return
		}
		s.ScheduleHost(e.Host)
	case fleet.HostConfigChanged:
		if e.Host != "" {
			s.ScheduleHost(e.Host)
			return
		}
		seen := map[string]bool{}
		for _, sup := range s.reg.List() {
			if h := sup.Key().Host; !seen[h] {
				seen[h] = true
				s.ScheduleHost(h)
			}
		}
	case fleet.HostOffline:
		s.CancelHost(e.Host)
		s.logger.Info("host offline", "host", e.Host)
	case fleet.HostLeft:
		s.CancelHost(e.Host)
		for _, sup := range s.reg.ForHost(e.Host) {
			s.Unwatch(sup.Key())
		}
		if membership != nil {
			s.Submit("leave "+e.Host, func(ctx context.Context) { membership(ctx, e) })
		}
	case fleet.HostJoined:
		if membership != nil {
			s.Submit("join "+e.Host, func(ctx context.Context) {
				membership(ctx, e)
				for _, sup := range s.reg.ForHost(e.Host) {
					if err := s.Watch(sup.Key()); err != nil {
						s.logger.Warn("watch failed", "key", sup.Key().String(), "err", err)
					}
				}
				s.ScheduleHost(e.Host)
			})
		}
	}
}

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append(keysAndValues, "err", err)...)
}
