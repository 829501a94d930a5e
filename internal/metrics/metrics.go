package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gridwarden"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	starts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "starts_total",
			Help:      "Number of successful process starts.",
		}, []string{"host", "role"},
	)
	startFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "start_failures_total",
			Help:      "Number of failed process starts by error kind.",
		}, []string{"host", "role", "kind"},
	)
	stops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "stops_total",
			Help:      "Number of stops, including halts on shutdown.",
		}, []string{"host", "role"},
	)
	restarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "restarts_total",
			Help:      "Number of automatic restarts triggered by reconciliation.",
		}, []string{"host", "role"},
	)
	startDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "start_duration_seconds",
			Help:      "Duration of the full start sequence.",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120},
		}, []string{"role"},
	)
	reconciles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "runs_total",
			Help:      "Reconciliation attempts by outcome.",
		}, []string{"host", "role", "outcome"},
	)
	dropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "dropped_total",
			Help:      "Reconciliation requests dropped because one was already queued.",
		}, []string{"host", "role"},
	)
	desired = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "desired_active",
			Help:      "Operator intent (1 = should run).",
		}, []string{"host", "role"},
	)
	running = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "running",
			Help:      "Last observed liveness (1 = alive).",
		}, []string{"host", "role"},
	)
	cpuPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "cpu_percent",
			Help:      "CPU usage of supervised processes running on the controller machine.",
		}, []string{"host", "role"},
	)
	memoryBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "memory_rss_bytes",
			Help:      "Resident memory of supervised processes running on the controller machine.",
		}, []string{"host", "role"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{starts, startFailures, stops, restarts, startDuration, reconciles, dropped, desired, running, cpuPercent, memoryBytes}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(host, role string) {
	if regOK.Load() {
		starts.WithLabelValues(host, role).Inc()
	}
}

func IncStartFailure(host, role, kind string) {
	if regOK.Load() {
		startFailures.WithLabelValues(host, role, kind).Inc()
	}
}

func IncStop(host, role string) {
	if regOK.Load() {
		stops.WithLabelValues(host, role).Inc()
	}
}

func IncRestart(host, role string) {
	if regOK.Load() {
		restarts.WithLabelValues(host, role).Inc()
	}
}

func ObserveStartDuration(role string, seconds float64) {
	if regOK.Load() {
		startDuration.WithLabelValues(role).Observe(seconds)
	}
}

func IncReconcile(host, role, outcome string) {
	if regOK.Load() {
		reconciles.WithLabelValues(host, role, outcome).Inc()
	}
}

func IncDropped(host, role string) {
	if regOK.Load() {
		dropped.WithLabelValues(host, role).Inc()
	}
}

func SetDesired(host, role string, active bool) {
	if regOK.Load() {
		desired.WithLabelValues(host, role).Set(b2f(active))
	}
}

func SetRunning(host, role string, alive bool) {
	if regOK.Load() {
		running.WithLabelValues(host, role).Set(b2f(alive))
	}
}

// Forget removes every per-process series of host and role, used when a
// host leaves the fleet.
func Forget(host, role string) {
	if !regOK.Load() {
		return
	}
	l := prometheus.Labels{"host": host, "role": role}
	desired.Delete(l)
	running.Delete(l)
	cpuPercent.Delete(l)
	memoryBytes.Delete(l)
}

func b2f(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
