// Package history exports supervised process lifecycle events to external
// analytics systems. It complements the in-memory status log, which only
// keeps the most recent lines.
package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart       EventType = "start"
	EventStartFailed EventType = "start_failed"
	EventStop        EventType = "stop"
	EventRestart     EventType = "restart"
	EventHalt        EventType = "halt"
)

// Event is one lifecycle event of a supervised process.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Host       string    `json:"host"`
	Role       string    `json:"role"`
	PID        int       `json:"pid"`
	Version    string    `json:"version,omitempty"`
	Message    string    `json:"message,omitempty"`
}

// NewEvent returns an event with a fresh id and the current UTC time.
func NewEvent(t EventType, host, role string) Event {
	return Event{ID: uuid.NewString(), Type: t, OccurredAt: time.Now().UTC(), Host: host, Role: role}
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Recorder fans events out to every configured sink. Sink failures are
// logged and never returned, so history export cannot break supervision.
type Recorder struct {
	mu     sync.RWMutex
	sinks  []Sink
	logger *slog.Logger
	// Timeout bounds one Send per sink.
	Timeout time.Duration
}

func NewRecorder(logger *slog.Logger, sinks ...Sink) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{sinks: sinks, logger: logger, Timeout: 5 * time.Second}
}

// Add registers another sink.
func (r *Recorder) Add(s Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks = append(r.sinks, s)
}

// Record sends e to all sinks. A nil Recorder discards events.
func (r *Recorder) Record(ctx context.Context, e Event) {
	if r == nil {
		return
	}
	r.mu.RLock()
	sinks := append([]Sink(nil), r.sinks...)
	r.mu.RUnlock()
	for _, s := range sinks {
		sctx, cancel := context.WithTimeout(ctx, r.Timeout)
		if err := s.Send(sctx, e); err != nil {
			r.logger.Warn("history sink failed", "type", e.Type, "host", e.Host, "role", e.Role, "err", err)
		}
		cancel()
	}
}

// Close closes every sink that implements io.Closer.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, s := range r.sinks {
		if c, ok := s.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	r.sinks = nil
	return errors.Join(errs...)
}
