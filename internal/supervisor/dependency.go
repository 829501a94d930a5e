package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Dependency is checked before a start. A non-nil error fails the start
// with KindDependencyNotReady.
type Dependency interface {
	Ready(ctx context.Context) error
}

// DependencyFunc adapts a function to Dependency.
type DependencyFunc func(ctx context.Context) error

func (f DependencyFunc) Ready(ctx context.Context) error { return f(ctx) }

// HubDependency requires the hub supervisor to be desired active and
// running, and optionally the hub to report ready over HTTP.
type HubDependency struct {
	Hub   func() *Supervisor
	Probe *ReadinessProbe
}

func (d HubDependency) Ready(ctx context.Context) error {
	var hub *Supervisor
	if d.Hub != nil {
		hub = d.Hub()
	}
	if hub == nil {
		return errors.New("no hub is supervised")
	}
	if !hub.IsDesiredActive() {
		return errors.New("hub is not active")
	}
	if !hub.IsActuallyRunning(ctx) {
		return errors.New("hub is not running")
	}
	if d.Probe != nil {
		return d.Probe.Check(ctx)
	}
	return nil
}

// ReadinessProbe queries the grid status endpoint of the hub.
type ReadinessProbe struct {
	URL     string
	Client  *http.Client
	Timeout time.Duration
}

// NewReadinessProbe probes http://host:port/status.
func NewReadinessProbe(host string, port int) *ReadinessProbe {
	return &ReadinessProbe{URL: fmt.Sprintf("http://%s:%d/status", host, port)}
}

type gridStatus struct {
	Value struct {
		Ready   bool   `json:"ready"`
		Message string `json:"message"`
	} `json:"value"`
}

// Check returns nil when the hub reports value.ready=true.
func (p *ReadinessProbe) Check(ctx context.Context) error {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("hub status: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("hub status: http %d", resp.StatusCode)
	}
	var st gridStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return fmt.Errorf("hub status: decode: %w", err)
	}
	if !st.Value.Ready {
		return fmt.Errorf("hub not ready: %s", st.Value.Message)
	}
	return nil
}
