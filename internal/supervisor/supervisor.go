// Package supervisor owns the desired and actual state of one grid process
// on one fleet host and is the only place that starts or stops it.
package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/loykin/gridwarden/internal/artifact"
	"github.com/loykin/gridwarden/internal/history"
	"github.com/loykin/gridwarden/internal/metrics"
	"github.com/loykin/gridwarden/internal/pidtracker"
	"github.com/loykin/gridwarden/internal/remote"
	"github.com/loykin/gridwarden/internal/statuslog"
	"github.com/loykin/gridwarden/internal/store"
)

const (
	DefaultStartSettle  = 5 * time.Second
	DefaultCleanupPause = time.Second
	DefaultLogTail      = 15
)

// Host is the part of a fleet host a supervisor uses.
type Host interface {
	ID() string
	Reachable() bool
	Executor() remote.Executor
	// Workdir is the base directory for grid files on the host.
	Workdir() string
}

// Options configures a Supervisor. Host, Spec, Store and Resolver are
// required.
type Options struct {
	Host       Host
	Spec       RoleSpec
	Store      store.Store
	Resolver   artifact.Resolver
	Version    func() string
	Dependency Dependency
	History    *history.Recorder
	Logger     *slog.Logger
	Finder     pidtracker.Finder

	// Env returns the extra KEY=VALUE entries for the launched process.
	Env func() ([]string, error)

	StartSettle   time.Duration
	CleanupPause  time.Duration
	Quiescence    time.Duration
	LogTail       int
	StatusLogSize int
}

// Outcome is the result of one reconciliation.
type Outcome string

const (
	OutcomeInactive  Outcome = "inactive"
	OutcomeRunning   Outcome = "running"
	OutcomeStarted   Outcome = "started"
	OutcomeThrottled Outcome = "throttled"
	OutcomeUnknown   Outcome = "unknown"
	OutcomeFailed    Outcome = "failed"
)

// Status is a point in time view of a supervised process.
type Status struct {
	Host       string    `json:"host"`
	Role       Role      `json:"role"`
	Desired    bool      `json:"desired"`
	Running    bool      `json:"running"`
	PID        int       `json:"pid,omitempty"`
	Artifact   string    `json:"artifact,omitempty"`
	LastAction time.Time `json:"last_action,omitempty"`
}

// Supervisor manages one process.
//
// Lock order: mu, then stateMu. mu serializes Start, Stop, Restart,
// Reconcile and Halt; stateMu only guards the fields below it and is never
// held across remote calls.
type Supervisor struct {
	key     Key
	opts    Options
	log     *statuslog.Log
	tracker *pidtracker.Tracker
	logger  *slog.Logger
	sleep   func(time.Duration)
	now     func() time.Time

	mu sync.Mutex

	stateMu    sync.RWMutex
	desired    bool
	handle     remote.Handle
	pid        int
	artifact   string
	lastAction time.Time
}

// New returns a supervisor for opts.Spec.Role on opts.Host. Call Load to
// restore persisted intent.
func New(opts Options) *Supervisor {
	if opts.StartSettle <= 0 {
		opts.StartSettle = DefaultStartSettle
	}
	if opts.CleanupPause <= 0 {
		opts.CleanupPause = DefaultCleanupPause
	}
	if opts.LogTail <= 0 {
		opts.LogTail = DefaultLogTail
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	key := Key{Host: opts.Host.ID(), Role: opts.Spec.Role}
	s := &Supervisor{
		key:    key,
		opts:   opts,
		log:    statuslog.New(opts.StatusLogSize),
		logger: logger.With("host", key.Host, "role", string(key.Role)),
		sleep:  time.Sleep,
		now:    time.Now,
	}
	s.tracker = pidtracker.New(opts.Host.Executor(), s.hostPath("grid-"+string(key.Role)+".pid"), string(key.Role), s.log)
	s.tracker.Finder = opts.Finder
	return s
}

func (s *Supervisor) Key() Key { return s.key }
func (s *Supervisor) Host() Host { return s.opts.Host }
func (s *Supervisor) StatusLog() *statuslog.Log { return s.log }
func (s *Supervisor) Tracker() *pidtracker.Tracker { return s.tracker }

// Workdir is the dedicated working directory of grid processes on the host.
func (s *Supervisor) Workdir() string { return GridDir(s.opts.Host) }

// GridDir is the grid-tmp directory under the workdir of h.
func GridDir(h Host) string {
	return joinHost(h.Executor().Posix(), h.Workdir(), "grid-tmp")
}

// LogPath is the file receiving the process output on the host.
func (s *Supervisor) LogPath() string {
	return s.hostPath("grid-" + string(s.key.Role) + ".log")
}

func (s *Supervisor) hostPath(name string) string {
	return joinHost(s.posix(), s.Workdir(), name)
}

func (s *Supervisor) posix() bool { return s.opts.Host.Executor().Posix() }

func joinHost(posix bool, dir, name string) string {
	if posix {
		return path.Join(dir, name)
	}
	return strings.TrimRight(dir, `\/`) + `\` + name
}

func (s *Supervisor) notef(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	s.log.Add(msg)
	s.logger.Info(msg)
}

func (s *Supervisor) warnf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	s.log.Add(msg)
	s.logger.Warn(msg)
}

// Load restores the persisted desired flag and, when the host can be asked,
// the pid recorded in the on-host marker.
func (s *Supervisor) Load(ctx context.Context) error {
	st, err := s.opts.Store.LoadDesiredState(ctx, s.key.String())
	if err != nil {
		return fmt.Errorf("load desired state %s: %w", s.key, err)
	}
	s.stateMu.Lock()
	s.desired = st.Active
	s.stateMu.Unlock()
	metrics.SetDesired(s.key.Host, string(s.key.Role), st.Active)

	if s.opts.Host.Reachable() {
		raw, err := s.tracker.ReadMarker(ctx)
		if err != nil {
			s.logger.Debug("pid marker not readable", "err", err)
		} else if pid, ok := pidtracker.ValidPID(raw); ok {
			s.setPID(pid)
		}
	}
	return nil
}

// IsDesiredActive reports the operator intent.
func (s *Supervisor) IsDesiredActive() bool {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.desired
}

// PID is the best known external pid, 0 if unknown.
func (s *Supervisor) PID() int {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.pid
}

// LastActionTime is when the last start, stop or restart attempt finished.
func (s *Supervisor) LastActionTime() time.Time {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.lastAction
}

// IsActuallyRunning asks the handle whether the process is alive. Without a
// handle the process counts as not running. When the host cannot be asked,
// the desired flag is returned instead.
func (s *Supervisor) IsActuallyRunning(ctx context.Context) bool {
	h := s.currentHandle()
	if h == nil {
		return false
	}
	alive, err := h.Alive(ctx)
	if err != nil {
		s.logger.Debug("liveness unknown", "err", err)
		return s.IsDesiredActive()
	}
	return alive
}

// Status returns a snapshot of the supervised process.
func (s *Supervisor) Status(ctx context.Context) Status {
	running := s.IsActuallyRunning(ctx)
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return Status{
		Host:       s.key.Host,
		Role:       s.key.Role,
		Desired:    s.desired,
		Running:    running,
		PID:        s.pid,
		Artifact:   s.artifact,
		LastAction: s.lastAction,
	}
}

func (s *Supervisor) currentHandle() remote.Handle {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.handle
}

func (s *Supervisor) setHandle(h remote.Handle) {
	s.stateMu.Lock()
	s.handle = h
	s.pid = 0
	if h != nil {
		s.pid = h.PID()
	}
	s.stateMu.Unlock()
	metrics.SetRunning(s.key.Host, string(s.key.Role), h != nil)
}

func (s *Supervisor) setPID(pid int) {
	s.stateMu.Lock()
	s.pid = pid
	s.stateMu.Unlock()
}

func (s *Supervisor) touch() {
	s.stateMu.Lock()
	s.lastAction = s.now()
	s.stateMu.Unlock()
}

func (s *Supervisor) persistDesired(ctx context.Context, active bool) error {
	s.stateMu.Lock()
	s.desired = active
	s.stateMu.Unlock()
	metrics.SetDesired(s.key.Host, string(s.key.Role), active)
	if err := s.opts.Store.SaveDesiredState(ctx, s.key.String(), active); err != nil {
		s.warnf("Failed to persist desired state: %v", err)
		return err
	}
	return nil
}

func (s *Supervisor) version() string {
	if s.opts.Version == nil {
		return ""
	}
	return s.opts.Version()
}

func (s *Supervisor) event(t history.EventType, msg string) history.Event {
	e := history.NewEvent(t, s.key.Host, string(s.key.Role))
	e.PID = s.PID()
	e.Version = s.version()
	e.Message = msg
	return e
}

// Start launches the process unless it is already running and marks it
// desired active. Cancelling ctx does not abort a start under way; the same
// holds for every other operation.
func (s *Supervisor) Start(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	if h := s.currentHandle(); h != nil {
		if alive, err := h.Alive(ctx); err == nil && alive {
			s.notef("Start requested but %s is already running (pid=%d)", s.key.Role, h.PID())
			if !s.IsDesiredActive() {
				s.persistDesired(ctx, true)
			}
			return nil
		}
	}
	return s.start(ctx, "start")
}

// Stop kills the process if a handle exists and clears the desired flag,
// even when the kill fails.
func (s *Supervisor) Stop(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.touch()

	h := s.currentHandle()
	if h == nil {
		s.notef("Stop requested, %s has no running process", s.key.Role)
		s.persistDesired(ctx, false)
		return nil
	}
	s.notef("Stopping %s (pid=%d)", s.key.Role, h.PID())
	err := h.Kill(ctx)
	s.persistDesired(ctx, false)
	if err != nil {
		s.warnf("Failed to stop %s: %v", s.key.Role, err)
		s.opts.History.Record(ctx, s.event(history.EventStop, err.Error()))
		return s.fail("stop", KindKillFailed, err)
	}
	s.setHandle(nil)
	if err := s.tracker.ClearMarker(ctx); err != nil {
		s.warnf("Failed to remove pid marker: %v", err)
	}
	s.notef("Stopped %s", s.key.Role)
	metrics.IncStop(s.key.Host, string(s.key.Role))
	s.opts.History.Record(ctx, s.event(history.EventStop, ""))
	return nil
}

// Halt kills the process but keeps the desired flag, so the next controller
// lifetime brings it back. Used on shutdown and when a host leaves.
func (s *Supervisor) Halt(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.currentHandle()
	if h == nil {
		return nil
	}
	s.notef("Halting %s (pid=%d)", s.key.Role, h.PID())
	if err := h.Kill(ctx); err != nil {
		s.warnf("Failed to halt %s: %v", s.key.Role, err)
		return s.fail("halt", KindKillFailed, err)
	}
	s.setHandle(nil)
	if err := s.tracker.ClearMarker(ctx); err != nil {
		s.logger.Debug("pid marker not removed", "err", err)
	}
	metrics.IncStop(s.key.Host, string(s.key.Role))
	s.opts.History.Record(ctx, s.event(history.EventHalt, ""))
	return nil
}

// Restart kills the current process, if any, and starts a fresh one with
// the current version.
func (s *Supervisor) Restart(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	if h := s.currentHandle(); h != nil {
		s.notef("Restarting %s (pid=%d)", s.key.Role, h.PID())
		if err := h.Kill(ctx); err != nil {
			s.warnf("Failed to stop %s for restart: %v", s.key.Role, err)
			s.touch()
			return s.fail("restart", KindKillFailed, err)
		}
		s.setHandle(nil)
	}
	if err := s.start(ctx, "restart"); err != nil {
		return err
	}
	metrics.IncRestart(s.key.Host, string(s.key.Role))
	s.opts.History.Record(ctx, s.event(history.EventRestart, "restart"))
	return nil
}

// Reconcile starts the process when it is desired active and not running.
// Concurrent calls are serialized; a later call observes the earlier start.
func (s *Supervisor) Reconcile(ctx context.Context) (out Outcome, err error) {
	ctx = context.WithoutCancel(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() { metrics.IncReconcile(s.key.Host, string(s.key.Role), string(out)) }()

	if !s.IsDesiredActive() {
		return OutcomeInactive, nil
	}
	if h := s.currentHandle(); h != nil {
		alive, err := h.Alive(ctx)
		if err != nil {
			s.logger.Warn("liveness unknown, skipping reconcile", "err", err)
			return OutcomeUnknown, s.fail("reconcile", KindChannelUnavailable, err)
		}
		if alive {
			s.logger.Debug("no action needed", "pid", h.PID())
			return OutcomeRunning, nil
		}
		s.notef("%s (pid=%d) is no longer running", s.key.Role, h.PID())
	}
	if q := s.opts.Quiescence; q > 0 {
		if last := s.LastActionTime(); !last.IsZero() && s.now().Sub(last) < q {
			s.notef("Automatic restart postponed, last action %s ago", s.now().Sub(last).Round(time.Second))
			return OutcomeThrottled, nil
		}
	}
	s.notef("Triggering automatic restart of %s", s.key.Role)
	if err := s.start(ctx, "reconcile"); err != nil {
		return OutcomeFailed, err
	}
	metrics.IncRestart(s.key.Host, string(s.key.Role))
	s.opts.History.Record(ctx, s.event(history.EventRestart, "automatic restart"))
	return OutcomeStarted, nil
}

// start runs the full start sequence. The caller holds mu.
func (s *Supervisor) start(ctx context.Context, op string) error {
	began := s.now()
	err := s.launch(ctx, op)
	s.touch()
	if err == nil {
		metrics.IncStart(s.key.Host, string(s.key.Role))
		metrics.ObserveStartDuration(string(s.key.Role), s.now().Sub(began).Seconds())
		s.opts.History.Record(ctx, s.event(history.EventStart, ""))
		return nil
	}
	kind := KindOf(err)
	s.warnf("Failed to start %s: %v", s.key.Role, err)
	if !kind.precondition() {
		s.setHandle(nil)
		s.persistDesired(ctx, false)
	}
	metrics.IncStartFailure(s.key.Host, string(s.key.Role), string(kind))
	s.opts.History.Record(ctx, s.event(history.EventStartFailed, err.Error()))
	return err
}

// channelKind maps transport failures to HostUnreachable.
func channelKind(err error, fallback Kind) Kind {
	if errors.Is(err, remote.ErrChannelUnavailable) {
		return KindHostUnreachable
	}
	return fallback
}

func (s *Supervisor) launch(ctx context.Context, op string) error {
	host := s.opts.Host
	exec := host.Executor()
	role := s.key.Role

	if !host.Reachable() {
		return s.fail(op, KindHostUnreachable, errors.New("host is offline"))
	}
	if d := s.opts.Dependency; d != nil {
		if err := d.Ready(ctx); err != nil {
			return s.fail(op, KindDependencyNotReady, err)
		}
	}
	s.notef("Starting %s on %s", role, s.key.Host)

	if h := s.currentHandle(); h != nil {
		if err := h.Kill(ctx); err != nil {
			return s.fail(op, channelKind(err, KindKillFailed), fmt.Errorf("stale handle: %w", err))
		}
		s.setHandle(nil)
	}
	if _, err := s.tracker.KillOrphan(ctx); err != nil {
		return s.fail(op, channelKind(err, KindKillFailed), err)
	}

	workdir := s.Workdir()
	if err := s.run(ctx, mkdirCommand(exec.Posix(), workdir)); err != nil {
		return s.fail(op, channelKind(err, KindLaunchFailed), fmt.Errorf("create %s: %w", workdir, err))
	}

	if err := s.run(ctx, freePortCommand(exec.Posix(), s.opts.Spec.Port)); err != nil {
		if errors.Is(err, remote.ErrChannelUnavailable) {
			return s.fail(op, KindHostUnreachable, err)
		}
		s.logger.Debug("port cleanup failed", "port", s.opts.Spec.Port, "err", err)
	}
	s.sleep(s.opts.CleanupPause)

	var javaOut bytes.Buffer
	code, err := exec.Run(ctx, remote.Command{
		Argv:   []string{s.opts.Spec.javaBin(), "-version"},
		Stdout: &javaOut,
		Stderr: &javaOut,
	})
	if err != nil {
		return s.fail(op, channelKind(err, KindLaunchFailed), fmt.Errorf("java check: %w", err))
	}
	_, _ = s.log.Write(javaOut.Bytes())
	if code != 0 {
		return s.fail(op, KindLaunchFailed, fmt.Errorf("java not available (exit %d)", code))
	}

	version := s.version()
	artifactPath, err := s.opts.Resolver.Resolve(ctx, version)
	if err != nil {
		return s.fail(op, KindArtifactUnavailable, err)
	}
	s.notef("Using artifact %s (version %s)", artifactPath, version)

	var launchEnv []string
	if s.opts.Env != nil {
		if launchEnv, err = s.opts.Env(); err != nil {
			return s.fail(op, KindLaunchFailed, fmt.Errorf("compose environment: %w", err))
		}
	}
	cmd := remote.Command{
		Argv:    s.opts.Spec.Argv(artifactPath, exec.Posix()),
		Dir:     workdir,
		Env:     launchEnv,
		LogFile: s.LogPath(),
	}
	s.notef("Launching: %s", cmd)
	h, err := exec.Start(ctx, cmd)
	if err != nil {
		return s.fail(op, channelKind(err, KindLaunchFailed), err)
	}
	s.setHandle(h)
	s.stateMu.Lock()
	s.artifact = artifactPath
	s.stateMu.Unlock()

	s.notef("Launched %s (pid=%d), waiting %s before verifying", role, h.PID(), s.opts.StartSettle)
	s.sleep(s.opts.StartSettle)
	if exec.Posix() {
		s.tailLog(ctx)
	}
	alive, err := h.Alive(ctx)
	switch {
	case err != nil:
		s.warnf("Could not verify %s after launch: %v", role, err)
	case !alive:
		return s.fail(op, KindLaunchFailed, fmt.Errorf("process exited within %s, see %s", s.opts.StartSettle, s.LogPath()))
	}

	pid, err := s.tracker.Record(ctx, artifactPath)
	if err != nil {
		s.warnf("Pid discovery failed: %v", err)
	} else if pid > 0 {
		s.setPID(pid)
	}
	if err := s.persistDesired(ctx, true); err != nil {
		// an unrecorded process would be neither restored nor cleaned up
		// after a controller restart
		if kerr := h.Kill(ctx); kerr != nil {
			s.warnf("Failed to stop unrecorded %s: %v", role, kerr)
		} else if cerr := s.tracker.ClearMarker(ctx); cerr != nil {
			s.logger.Debug("pid marker not removed", "err", cerr)
		}
		return s.fail(op, KindLaunchFailed, fmt.Errorf("persist desired state: %w", err))
	}
	s.notef("Started %s (pid=%d)", role, s.PID())
	return nil
}

// run executes cmd and converts a non-zero exit into an error.
func (s *Supervisor) run(ctx context.Context, cmd remote.Command) error {
	code, err := s.opts.Host.Executor().Run(ctx, cmd)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("%s: exit %d", cmd, code)
	}
	return nil
}

func (s *Supervisor) tailLog(ctx context.Context) {
	var out bytes.Buffer
	cmd := remote.Command{
		Argv:   []string{"tail", "-n", strconv.Itoa(s.opts.LogTail), s.LogPath()},
		Stdout: &out,
	}
	if _, err := s.opts.Host.Executor().Run(ctx, cmd); err != nil {
		s.logger.Debug("log tail failed", "err", err)
		return
	}
	if out.Len() > 0 {
		s.log.Add("Last log lines:")
		_, _ = s.log.Write(out.Bytes())
	}
}

func mkdirCommand(posix bool, dir string) remote.Command {
	if posix {
		return remote.Command{Argv: []string{"mkdir", "-p", dir}}
	}
	return remote.Command{Argv: []string{"cmd", "/c", "if", "not", "exist", dir, "mkdir", dir}}
}

// freePortCommand kills whatever listens on port.
func freePortCommand(posix bool, port int) remote.Command {
	p := strconv.Itoa(port)
	if posix {
		return remote.Command{Argv: []string{"sh", "-c", `lsof -ti:"$1" | xargs -r kill -9 || true`, "sh", p}}
	}
	return remote.Command{Argv: []string{"cmd", "/c",
		`for /f "tokens=5" %a in ('netstat -aon ^| findstr :` + p + `') do taskkill /F /PID %a`}}
}
