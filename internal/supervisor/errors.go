package supervisor

import (
	"errors"
	"fmt"

	"github.com/loykin/gridwarden/internal/remote"
)

// Kind classifies supervisor failures.
type Kind string

const (
	KindHostUnreachable     Kind = "HostUnreachable"
	KindDependencyNotReady  Kind = "DependencyNotReady"
	KindArtifactUnavailable Kind = "ArtifactUnavailable"
	KindLaunchFailed        Kind = "LaunchFailed"
	KindKillFailed          Kind = "KillFailed"
	KindChannelUnavailable  Kind = "ChannelUnavailable"
)

// Sentinels matched by errors.Is against an *Error of the same kind.
var (
	ErrHostUnreachable     = errors.New("host unreachable")
	ErrDependencyNotReady  = errors.New("dependency not ready")
	ErrArtifactUnavailable = errors.New("artifact unavailable")
	ErrLaunchFailed        = errors.New("launch failed")
	ErrKillFailed          = errors.New("kill failed")
	// ErrChannelUnavailable is the transport sentinel of package remote.
	ErrChannelUnavailable = remote.ErrChannelUnavailable
)

func (k Kind) sentinel() error {
	switch k {
	case KindHostUnreachable:
		return ErrHostUnreachable
	case KindDependencyNotReady:
		return ErrDependencyNotReady
	case KindArtifactUnavailable:
		return ErrArtifactUnavailable
	case KindLaunchFailed:
		return ErrLaunchFailed
	case KindKillFailed:
		return ErrKillFailed
	case KindChannelUnavailable:
		return ErrChannelUnavailable
	}
	return nil
}

// precondition reports whether a failure of this kind happened before the
// supervisor touched the process, so desired intent stays as it was.
func (k Kind) precondition() bool {
	return k == KindHostUnreachable || k == KindDependencyNotReady
}

// Error is returned by every supervisor operation.
type Error struct {
	Kind Kind
	Op   string
	Host string
	Role Role
	Err  error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s on %s: %s", e.Op, e.Role, e.Host, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

func (s *Supervisor) fail(op string, kind Kind, err error) *Error {
	return &Error{Kind: kind, Op: op, Host: s.key.Host, Role: s.key.Role, Err: err}
}
