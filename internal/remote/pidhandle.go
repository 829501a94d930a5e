package remote

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// PIDHandle is a Handle for a process known only by its pid on the host.
// Liveness and kill are implemented with ordinary commands through an
// Executor, so it works over any transport.
type PIDHandle struct {
	exec Executor
	pid  int
	// Poll is the interval between termination checks after a kill.
	Poll time.Duration
}

func NewPIDHandle(e Executor, pid int) *PIDHandle {
	return &PIDHandle{exec: e, pid: pid, Poll: 200 * time.Millisecond}
}

func (h *PIDHandle) PID() int { return h.pid }

func (h *PIDHandle) Alive(ctx context.Context) (bool, error) {
	if h.pid <= 0 {
		return false, nil
	}
	var out bytes.Buffer
	var argv []string
	if h.exec.Posix() {
		argv = []string{"kill", "-0", strconv.Itoa(h.pid)}
	} else {
		argv = []string{"tasklist", "/FI", fmt.Sprintf("PID eq %d", h.pid), "/NH"}
	}
	code, err := h.exec.Run(ctx, Command{Argv: argv, Stdout: &out, Stderr: &out})
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrChannelUnavailable, err)
	}
	if h.exec.Posix() {
		return code == 0, nil
	}
	return code == 0 && strings.Contains(out.String(), strconv.Itoa(h.pid)), nil
}

func (h *PIDHandle) Kill(ctx context.Context) error {
	alive, err := h.Alive(ctx)
	if err != nil {
		return err
	}
	if !alive {
		return nil
	}
	if _, err := h.exec.Run(ctx, KillCommand(h.exec.Posix(), h.pid)); err != nil {
		return fmt.Errorf("kill pid %d: %w", h.pid, err)
	}
	poll := h.Poll
	if poll <= 0 {
		poll = 200 * time.Millisecond
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		alive, err := h.Alive(ctx)
		if err != nil {
			return err
		}
		if !alive {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("kill pid %d: still running", h.pid)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("kill pid %d: %w", h.pid, ctx.Err())
		case <-time.After(poll):
		}
	}
}

// KillCommand returns a forced kill of pid that succeeds even when the
// process is already gone.
func KillCommand(posix bool, pid int) Command {
	if posix {
		return Command{Argv: []string{"sh", "-c", `kill -9 "$1" 2>/dev/null || true`, "sh", strconv.Itoa(pid)}}
	}
	return Command{Argv: []string{"cmd", "/c", fmt.Sprintf("taskkill /PID %d /F 2>nul || ver > nul", pid)}}
}
