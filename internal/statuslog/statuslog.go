// Package statuslog keeps a bounded, timestamped history of human readable
// status lines for one supervised process. Entries are returned newest first.
package statuslog

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// DefaultCapacity is the number of entries kept when none is configured.
const DefaultCapacity = 50

// TimeLayout is used when rendering entries as text.
const TimeLayout = "2006-01-02 15:04:05 MST"

type Entry struct {
	ID      int64     `json:"id"`
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

func (e Entry) String() string {
	return e.Time.Format(TimeLayout) + ": " + e.Message
}

// Log is a ring buffer of entries. The zero value is not usable; use New.
type Log struct {
	mu      sync.Mutex
	records []Entry
	next    int // total entries ever added; next%cap is the write slot
	id      int64
	now     func() time.Time
}

// New returns a Log that keeps at most capacity entries. A capacity of zero
// or less selects DefaultCapacity.
func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{records: make([]Entry, capacity), now: time.Now}
}

// Add appends a message, evicting the oldest entry when full.
func (l *Log) Add(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.id++
	l.records[l.next%len(l.records)] = Entry{ID: l.id, Time: l.now(), Message: msg}
	l.next++
}

func (l *Log) Addf(format string, args ...any) {
	l.Add(fmt.Sprintf(format, args...))
}

// Write implements io.Writer so command output can be captured line by line.
// Blank lines are skipped.
func (l *Log) Write(b []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(b), "\r\n"), "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		l.Add(line)
	}
	return len(b), nil
}

// Entries returns a copy of the stored entries, newest first.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := l.next
	if n > len(l.records) {
		n = len(l.records)
	}
	out := make([]Entry, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, l.records[(l.next-i)%len(l.records)])
	}
	return out
}

// Lines renders Entries as "<time>: <message>" strings, newest first.
func (l *Log) Lines() []string {
	es := l.Entries()
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.String()
	}
	return out
}

// Len reports the number of stored entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.next > len(l.records) {
		return len(l.records)
	}
	return l.next
}

// LastID returns the id of the newest entry, or 0 if nothing was added.
// Callers can compare ids to detect changes cheaply.
func (l *Log) LastID() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.id
}
