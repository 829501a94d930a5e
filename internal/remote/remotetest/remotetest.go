// Package remotetest provides an in-memory remote.Executor that models a
// host with files and processes, for tests.
package remotetest

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/loykin/gridwarden/internal/remote"
)

// Proc is a simulated process.
type Proc struct {
	PID   int
	Argv  []string
	Alive bool
}

// Executor is a fake host. The zero value is not usable; use New.
type Executor struct {
	mu      sync.Mutex
	posix   bool
	files   map[string]string
	procs   map[int]*Proc
	nextPID int
	runs    []remote.Command
	starts  []remote.Command

	// Unavailable makes every call fail with remote.ErrChannelUnavailable.
	Unavailable atomic.Bool
	// DieOnStart makes launched processes exit immediately.
	DieOnStart atomic.Bool
	// StartErr, when set, is returned by Start.
	StartErr error
	// Hook may handle a Run before the built-in behavior. It returns handled=false
	// to fall through.
	Hook func(cmd remote.Command) (code int, out string, handled bool)
	// StartDelay blocks Start, to widen race windows in tests.
	StartDelay func()
}

func New(posix bool) *Executor {
	return &Executor{posix: posix, files: map[string]string{}, procs: map[int]*Proc{}, nextPID: 1000}
}

func (e *Executor) Posix() bool { return e.posix }

// WriteFile sets a file on the fake host.
func (e *Executor) WriteFile(path, content string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.files[path] = content
}

// File returns a file from the fake host.
func (e *Executor) File(path string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.files[path]
	return s, ok
}

// Spawn adds a running process, as if launched by a previous controller.
func (e *Executor) Spawn(argv ...string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.spawnLocked(argv, true)
}

func (e *Executor) spawnLocked(argv []string, alive bool) int {
	e.nextPID++
	e.procs[e.nextPID] = &Proc{PID: e.nextPID, Argv: append([]string(nil), argv...), Alive: alive}
	return e.nextPID
}

// Kill terminates a simulated process from outside the controller.
func (e *Executor) Kill(pid int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.procs[pid]; ok {
		p.Alive = false
	}
}

// IsAlive reports whether a simulated process is running.
func (e *Executor) IsAlive(pid int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.procs[pid]
	return ok && p.Alive
}

// AlivePIDs lists running processes in ascending pid order.
func (e *Executor) AlivePIDs() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []int
	for pid, p := range e.procs {
		if p.Alive {
			out = append(out, pid)
		}
	}
	sort.Ints(out)
	return out
}

// Runs returns the commands passed to Run so far.
func (e *Executor) Runs() []remote.Command {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]remote.Command(nil), e.runs...)
}

// Starts returns the commands passed to Start so far.
func (e *Executor) Starts() []remote.Command {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]remote.Command(nil), e.starts...)
}

// RanMatching counts Run calls whose joined argv contains substr.
func (e *Executor) RanMatching(substr string) int {
	n := 0
	for _, c := range e.Runs() {
		if strings.Contains(strings.Join(c.Argv, " "), substr) {
			n++
		}
	}
	return n
}

func (e *Executor) Start(ctx context.Context, c remote.Command) (remote.Handle, error) {
	if e.StartDelay != nil {
		e.StartDelay()
	}
	if e.Unavailable.Load() {
		return nil, fmt.Errorf("%w: fake", remote.ErrChannelUnavailable)
	}
	if e.StartErr != nil {
		return nil, e.StartErr
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.starts = append(e.starts, c)
	pid := e.spawnLocked(c.Argv, !e.DieOnStart.Load())
	if c.LogFile != "" {
		e.files[c.LogFile] = "started " + strings.Join(c.Argv, " ") + "\n"
	}
	return &handle{e: e, pid: pid}, nil
}

var (
	killRe = regexp.MustCompile(`^kill -9 "\$1"`)
)

func (e *Executor) Run(ctx context.Context, c remote.Command) (int, error) {
	if e.Unavailable.Load() {
		return -1, fmt.Errorf("%w: fake", remote.ErrChannelUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return -1, err
	}
	e.mu.Lock()
	e.runs = append(e.runs, c)
	hook := e.Hook
	e.mu.Unlock()
	if hook != nil {
		if code, out, ok := hook(c); ok {
			write(c.Stdout, out)
			return code, nil
		}
	}
	code, out := e.builtin(c)
	write(c.Stdout, out)
	return code, nil
}

func write(w io.Writer, s string) {
	if w != nil && s != "" {
		_, _ = io.WriteString(w, s)
	}
}

func (e *Executor) builtin(c remote.Command) (int, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	argv := c.Argv
	if len(argv) == 0 {
		return 127, ""
	}
	switch argv[0] {
	case "cat":
		s, ok := e.files[argv[len(argv)-1]]
		if !ok {
			return 1, ""
		}
		return 0, s
	case "rm":
		delete(e.files, argv[len(argv)-1])
		return 0, ""
	case "test":
		if _, ok := e.files[argv[len(argv)-1]]; ok {
			return 0, ""
		}
		return 1, ""
	case "mkdir":
		return 0, ""
	case "curl":
		for i, a := range argv {
			if a == "-o" && i+1 < len(argv) {
				e.files[argv[i+1]] = "artifact"
			}
		}
		return 0, ""
	case "java":
		return 0, "openjdk version \"17.0.2\"\n"
	case "tail":
		return 0, e.files[argv[len(argv)-1]]
	case "kill":
		if len(argv) == 3 && argv[1] == "-0" {
			pid, _ := strconv.Atoi(argv[2])
			if p, ok := e.procs[pid]; ok && p.Alive {
				return 0, ""
			}
			return 1, ""
		}
	case "pgrep":
		re, err := regexp.Compile(argv[len(argv)-1])
		if err != nil {
			return 2, ""
		}
		best := 0
		for pid, p := range e.procs {
			if p.Alive && re.MatchString(strings.Join(p.Argv, " ")) && pid > best {
				best = pid
			}
		}
		if best == 0 {
			return 1, ""
		}
		return 0, strconv.Itoa(best) + "\n"
	case "sh":
		if len(argv) >= 3 {
			return e.shell(argv[2], argv[3:])
		}
	}
	return 0, ""
}

// shell understands the scripts the controller issues with positional args.
func (e *Executor) shell(script string, args []string) (int, string) {
	arg := func(i int) string {
		if i < len(args) {
			return args[i]
		}
		return ""
	}
	switch {
	case killRe.MatchString(script):
		pid, _ := strconv.Atoi(arg(1))
		if p, ok := e.procs[pid]; ok {
			p.Alive = false
		}
		return 0, ""
	case strings.HasPrefix(script, "printf"):
		e.files[arg(2)] = arg(1) + "\n"
		return 0, ""
	case strings.HasPrefix(script, "curl"):
		e.files[arg(1)] = "artifact from " + arg(2)
		return 0, ""
	}
	return 0, ""
}

type handle struct {
	e   *Executor
	pid int
}

func (h *handle) PID() int { return h.pid }

func (h *handle) Alive(ctx context.Context) (bool, error) {
	if h.e.Unavailable.Load() {
		return false, fmt.Errorf("%w: fake", remote.ErrChannelUnavailable)
	}
	return h.e.IsAlive(h.pid), nil
}

func (h *handle) Kill(ctx context.Context) error {
	if h.e.Unavailable.Load() {
		return fmt.Errorf("%w: fake", remote.ErrChannelUnavailable)
	}
	h.e.Kill(h.pid)
	return nil
}
