package client

import (
	"fmt"
	"net/http"
	"time"
)

// Host describes a fleet host.
type Host struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Address   string `json:"address,omitempty"`
	Reachable bool   `json:"reachable"`
	Idle      bool   `json:"idle"`
	Posix     bool   `json:"posix"`
	Workdir   string `json:"workdir"`
}

// ProcessStatus is the observed state of one supervised process.
type ProcessStatus struct {
	Host       string    `json:"host"`
	Role       string    `json:"role"`
	Desired    bool      `json:"desired"`
	Running    bool      `json:"running"`
	PID        int       `json:"pid,omitempty"`
	Artifact   string    `json:"artifact,omitempty"`
	LastAction time.Time `json:"last_action,omitempty"`
}

// LogEntry is one status log line.
type LogEntry struct {
	ID      int64     `json:"id"`
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

// ProcessDetail is a status plus its status log, newest first.
type ProcessDetail struct {
	ProcessStatus
	Log []LogEntry `json:"log"`
}

// ResourceSample is the last CPU and memory observation of a process.
type ResourceSample struct {
	Host       string    `json:"Host"`
	Role       string    `json:"Role"`
	PID        int       `json:"PID"`
	CPUPercent float64   `json:"CPUPercent"`
	RSSBytes   uint64    `json:"RSSBytes"`
	At         time.Time `json:"At"`
}

// Result is the outcome of one reconcile or restart.
type Result struct {
	Host    string `json:"host"`
	Role    string `json:"role"`
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
}

type VersionRequest struct {
	Version string `json:"version"`
}

type VersionResponse struct {
	Version string   `json:"version"`
	Results []Result `json:"results,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// APIError is returned for non-2xx responses.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.Status)
	}
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
}

// NotFound reports whether the daemon does not know the host or process.
func (e *APIError) NotFound() bool { return e.Status == http.StatusNotFound }
