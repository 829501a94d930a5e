package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/loykin/gridwarden/internal/logger"
)

// DefaultKillGrace is how long Kill waits after the polite signal before
// escalating to a hard kill.
const DefaultKillGrace = 3 * time.Second

// Local executes commands on the controller machine.
type Local struct {
	// LogRotation controls how a previous LogFile is rotated before a launch.
	LogRotation logger.FileConfig
	// KillGrace overrides DefaultKillGrace when positive.
	KillGrace time.Duration
}

func NewLocal() *Local { return &Local{} }

func (l *Local) Posix() bool { return runtime.GOOS != "windows" }

func (l *Local) Run(ctx context.Context, c Command) (int, error) {
	if len(c.Argv) == 0 {
		return -1, errors.New("empty command")
	}
	// #nosec G204
	cmd := exec.CommandContext(ctx, c.Argv[0], c.Argv[1:]...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	cmd.Stdout = c.Stdout
	cmd.Stderr = c.Stderr
	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if ctx.Err() != nil {
			return ee.ExitCode(), fmt.Errorf("run %s: %w", c, ctx.Err())
		}
		return ee.ExitCode(), nil
	}
	return -1, fmt.Errorf("run %s: %w", c, err)
}

func (l *Local) Start(ctx context.Context, c Command) (Handle, error) {
	if len(c.Argv) == 0 {
		return nil, errors.New("empty command")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// The process must outlive ctx, so it is not bound to it.
	// #nosec G204
	cmd := exec.Command(c.Argv[0], c.Argv[1:]...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	detach(cmd)

	var logFile *os.File
	var mem *bytes.Buffer
	switch {
	case c.LogFile != "":
		if err := l.LogRotation.RotateExisting(c.LogFile); err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(c.LogFile), 0o755); err != nil {
			return nil, fmt.Errorf("log dir: %w", err)
		}
		f, err := os.OpenFile(c.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		logFile = f
		cmd.Stdout, cmd.Stderr = f, f
	case c.Stdout != nil || c.Stderr != nil:
		cmd.Stdout, cmd.Stderr = c.Stdout, c.Stderr
	default:
		mem = &bytes.Buffer{}
		w := &lockedWriter{w: mem}
		cmd.Stdout, cmd.Stderr = w, w
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			_ = logFile.Close()
		}
		return nil, fmt.Errorf("start %s: %w", c, err)
	}
	if logFile != nil {
		// the child holds its own descriptor
		_ = logFile.Close()
	}
	h := &localHandle{cmd: cmd, done: make(chan struct{}), grace: l.KillGrace}
	if h.grace <= 0 {
		h.grace = DefaultKillGrace
	}
	go func() {
		_ = cmd.Wait()
		close(h.done)
	}()
	return h, nil
}

type localHandle struct {
	cmd   *exec.Cmd
	done  chan struct{}
	grace time.Duration
}

func (h *localHandle) PID() int { return h.cmd.Process.Pid }

func (h *localHandle) Alive(ctx context.Context) (bool, error) {
	select {
	case <-h.done:
		return false, nil
	default:
		return true, nil
	}
}

func (h *localHandle) Kill(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	default:
	}
	pid := h.cmd.Process.Pid
	_ = terminate(h.cmd.Process)
	select {
	case <-h.done:
		return nil
	case <-time.After(h.grace):
	case <-ctx.Done():
	}
	if err := hardKill(h.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		select {
		case <-h.done:
			return nil
		default:
		}
		return fmt.Errorf("kill pid %d: %w", pid, err)
	}
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("kill pid %d: not confirmed: %w", pid, ctx.Err())
	case <-time.After(5 * time.Second):
		return fmt.Errorf("kill pid %d: not confirmed", pid)
	}
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
