package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Target names a supervised process on the controller machine whose
// resource usage should be exported.
type Target struct {
	Host string
	Role string
	PID  int
}

// Sample is one resource observation.
type Sample struct {
	Target
	CPUPercent float64
	RSSBytes   uint64
	At         time.Time
}

// ResourceCollector periodically samples CPU and memory of local supervised
// processes. Targets are supplied by a callback on every tick.
type ResourceCollector struct {
	interval time.Duration
	targets  func() []Target
	logger   *slog.Logger

	mu   sync.RWMutex
	last map[string]Sample

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewResourceCollector(interval time.Duration, targets func() []Target, logger *slog.Logger) *ResourceCollector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ResourceCollector{
		interval: interval,
		targets:  targets,
		logger:   logger,
		last:     map[string]Sample{},
		stopCh:   make(chan struct{}),
	}
}

// Start runs the sampling loop until Stop is called.
func (c *ResourceCollector) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		t := time.NewTicker(c.interval)
		defer t.Stop()
		for {
			select {
			case <-c.stopCh:
				return
			case <-t.C:
				ctx, cancel := context.WithTimeout(context.Background(), c.interval)
				c.Collect(ctx)
				cancel()
			}
		}
	}()
}

func (c *ResourceCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Collect samples every current target once.
func (c *ResourceCollector) Collect(ctx context.Context) {
	seen := map[string]bool{}
	for _, t := range c.targets() {
		if t.PID <= 1 {
			continue
		}
		s, err := sample(ctx, t)
		if err != nil {
			c.logger.Debug("resource sample failed", "host", t.Host, "role", t.Role, "pid", t.PID, "err", err)
			continue
		}
		key := t.Host + "/" + t.Role
		seen[key] = true
		c.mu.Lock()
		c.last[key] = s
		c.mu.Unlock()
		if regOK.Load() {
			cpuPercent.WithLabelValues(t.Host, t.Role).Set(s.CPUPercent)
			memoryBytes.WithLabelValues(t.Host, t.Role).Set(float64(s.RSSBytes))
		}
	}
	c.mu.Lock()
	for k := range c.last {
		if !seen[k] {
			delete(c.last, k)
		}
	}
	c.mu.Unlock()
}

// Last returns the most recent sample for host and role.
func (c *ResourceCollector) Last(host, role string) (Sample, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.last[host+"/"+role]
	return s, ok
}

func sample(ctx context.Context, t Target) (Sample, error) {
	p, err := process.NewProcessWithContext(ctx, int32(t.PID))
	if err != nil {
		return Sample{}, err
	}
	cpu, err := p.CPUPercentWithContext(ctx)
	if err != nil {
		return Sample{}, err
	}
	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return Sample{}, err
	}
	return Sample{Target: t, CPUPercent: cpu, RSSBytes: mem.RSS, At: time.Now()}, nil
}
