// Package pidtracker discovers and persists the external pid of a launched
// process on its host, so an orphan left by a previous controller lifetime
// can be killed before a fresh launch.
package pidtracker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/gridwarden/internal/remote"
)

// DefaultSearchTimeout bounds a process search on the host.
const DefaultSearchTimeout = 5 * time.Second

var (
	digitsRe   = regexp.MustCompile(`^\d+$`)
	artifactRe = regexp.MustCompile(`^[\w\-./]+$`)
)

// ErrInvalidArtifactPath is returned when an artifact path cannot be used
// safely inside a process search pattern.
var ErrInvalidArtifactPath = errors.New("invalid artifact path")

// Notifier receives human readable notes about tracker decisions.
type Notifier interface {
	Add(msg string)
}

// Finder searches processes without going through the executor. It returns
// 0 when nothing matches.
type Finder interface {
	Find(ctx context.Context, pattern *regexp.Regexp) (int, error)
}

// ValidPID parses s as a pid that is safe to kill. Empty, non-numeric, 0 and
// 1 are rejected.
func ValidPID(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if !digitsRe.MatchString(s) {
		return 0, false
	}
	pid, err := strconv.Atoi(s)
	if err != nil || pid <= 1 {
		return 0, false
	}
	return pid, true
}

// Tracker manages the pid marker of one role on one host.
type Tracker struct {
	exec   remote.Executor
	marker string
	role   string
	notes  Notifier

	// Finder, when set, replaces the pgrep/PowerShell search.
	Finder Finder
	// Timeout bounds process searches; DefaultSearchTimeout when zero.
	Timeout time.Duration
}

// New returns a Tracker for the marker file at marker on the host behind e.
// role is the marker word that follows the artifact in the launch command.
func New(e remote.Executor, marker, role string, notes Notifier) *Tracker {
	return &Tracker{exec: e, marker: marker, role: role, notes: notes}
}

func (t *Tracker) Marker() string { return t.marker }

func (t *Tracker) note(format string, args ...any) {
	if t.notes != nil {
		t.notes.Add(fmt.Sprintf(format, args...))
	}
}

// ReadMarker returns the raw marker content, or "" when there is none.
func (t *Tracker) ReadMarker(ctx context.Context) (string, error) {
	var out bytes.Buffer
	var argv []string
	if t.exec.Posix() {
		argv = []string{"cat", t.marker}
	} else {
		argv = []string{"cmd", "/c", "type", t.marker}
	}
	code, err := t.exec.Run(ctx, remote.Command{Argv: argv, Stdout: &out})
	if err != nil {
		return "", fmt.Errorf("read pid marker: %w", err)
	}
	if code != 0 {
		return "", nil
	}
	line, _, _ := strings.Cut(out.String(), "\n")
	return strings.TrimSpace(line), nil
}

// WriteMarker stores pid in the marker file.
func (t *Tracker) WriteMarker(ctx context.Context, pid int) error {
	if pid <= 1 {
		return fmt.Errorf("refusing to record pid %d", pid)
	}
	var argv []string
	if t.exec.Posix() {
		argv = []string{"sh", "-c", `printf '%s\n' "$1" > "$2"`, "sh", strconv.Itoa(pid), t.marker}
	} else {
		argv = []string{"powershell.exe", "-NoProfile", "-NonInteractive", "-Command",
			fmt.Sprintf("Set-Content -Path '%s' -Value %d", psEscape(t.marker), pid)}
	}
	code, err := t.exec.Run(ctx, remote.Command{Argv: argv})
	if err != nil {
		return fmt.Errorf("write pid marker: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("write pid marker: exit %d", code)
	}
	return nil
}

// ClearMarker removes the marker file. A missing marker is not an error.
func (t *Tracker) ClearMarker(ctx context.Context) error {
	var argv []string
	if t.exec.Posix() {
		argv = []string{"rm", "-f", t.marker}
	} else {
		argv = []string{"cmd", "/c", "del", "/f", "/q", t.marker}
	}
	if _, err := t.exec.Run(ctx, remote.Command{Argv: argv}); err != nil {
		return fmt.Errorf("clear pid marker: %w", err)
	}
	return nil
}

// KillOrphan kills the process recorded in the marker, if the recorded pid is
// trustworthy, and removes the marker. It returns the killed pid or 0.
func (t *Tracker) KillOrphan(ctx context.Context) (int, error) {
	raw, err := t.ReadMarker(ctx)
	if err != nil {
		return 0, err
	}
	pid, ok := ValidPID(raw)
	switch {
	case raw == "":
		// nothing recorded
	case ok:
		if _, err := t.exec.Run(ctx, remote.KillCommand(t.exec.Posix(), pid)); err != nil {
			return 0, fmt.Errorf("kill orphan %d: %w", pid, err)
		}
		t.note("Killed %s by pid marker (pid=%d)", t.role, pid)
	default:
		t.note("Ignoring untrusted pid marker value %q", raw)
	}
	if err := t.ClearMarker(ctx); err != nil {
		return pid, err
	}
	return pid, nil
}

// SearchPattern is the process command line pattern for artifact and role.
func (t *Tracker) SearchPattern(artifact string) string {
	return artifact + ".* " + t.role
}

// Discover looks up the newest process launched from artifact in this role.
// Zero matches yield 0 and a nil error.
func (t *Tracker) Discover(ctx context.Context, artifact string) (int, error) {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = DefaultSearchTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if t.Finder != nil {
		re, err := regexp.Compile(regexp.QuoteMeta(artifact) + ".* " + regexp.QuoteMeta(t.role))
		if err != nil {
			return 0, err
		}
		pid, err := t.Finder.Find(ctx, re)
		if err != nil {
			return 0, fmt.Errorf("process search: %w", err)
		}
		if pid == 0 {
			t.note("No process found for %s", artifact)
		}
		return pid, nil
	}

	var out bytes.Buffer
	if t.exec.Posix() {
		if !artifactRe.MatchString(artifact) {
			return 0, fmt.Errorf("%w: %q", ErrInvalidArtifactPath, artifact)
		}
		code, err := t.exec.Run(ctx, remote.Command{
			Argv:   []string{"pgrep", "-f", "-n", t.SearchPattern(artifact)},
			Stdout: &out,
		})
		if err != nil {
			return 0, fmt.Errorf("process search: %w", err)
		}
		if code != 0 {
			t.note("No process found for %s (pgrep exit code: %d)", artifact, code)
			return 0, nil
		}
	} else {
		ps := fmt.Sprintf("Get-CimInstance Win32_Process | Where-Object { $_.CommandLine -match [regex]::Escape('%s') -and $_.CommandLine -match ' %s' } | Select-Object -First 1 -ExpandProperty ProcessId",
			psEscape(artifact), t.role)
		if _, err := t.exec.Run(ctx, remote.Command{
			Argv:   []string{"powershell.exe", "-NoProfile", "-NonInteractive", "-Command", ps},
			Stdout: &out,
		}); err != nil {
			return 0, fmt.Errorf("process search: %w", err)
		}
	}
	text := strings.TrimSpace(out.String())
	if text == "" {
		t.note("Process search succeeded but output was empty for %s", artifact)
		return 0, nil
	}
	first, _, _ := strings.Cut(text, "\n")
	pid, ok := ValidPID(first)
	if !ok {
		t.note("Process search returned unusable pid %q", first)
		return 0, nil
	}
	return pid, nil
}

// Record discovers the pid of the process launched from artifact and writes
// it to the marker. The discovered pid is returned, 0 when nothing matched.
func (t *Tracker) Record(ctx context.Context, artifact string) (int, error) {
	pid, err := t.Discover(ctx, artifact)
	if err != nil || pid == 0 {
		if pid == 0 && err == nil {
			t.note("Pid marker not written (process search found nothing)")
		}
		return 0, err
	}
	if err := t.WriteMarker(ctx, pid); err != nil {
		return pid, err
	}
	t.note("Wrote %s pid marker %s (pid=%d)", t.role, t.marker, pid)
	return pid, nil
}

func psEscape(s string) string { return strings.ReplaceAll(s, "'", "''") }
