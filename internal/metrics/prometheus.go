// Package metrics provides Prometheus-based metrics collection for portsweep.
// It tracks probe outcomes, scan durations, batch progress, target
// resolution, and history storage with the prometheus client library so the
// tool integrates with standard observability tooling.
package metrics

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	// Namespace for all portsweep metrics
	namespace = "portsweep"

	// Subsystems
	subsystemScan    = "scan"
	subsystemResolve = "resolve"
	subsystemHistory = "history"
	subsystemSystem  = "system"
)

// PrometheusMetrics holds all Prometheus metric collectors
type PrometheusMetrics struct {
	// Scan metrics
	scansTotal   *prometheus.CounterVec
	scanDuration *prometheus.HistogramVec
	probesTotal  *prometheus.CounterVec
	openPorts    *prometheus.CounterVec
	batchesTotal prometheus.Counter
	activeProbes prometheus.Gauge

	// Resolution metrics
	resolutionsTotal *prometheus.CounterVec
	targetsResolved  prometheus.Counter

	// History metrics
	runsStored *prometheus.CounterVec

	// System metrics
	memoryUsage prometheus.Gauge
	goroutines  prometheus.Gauge
	uptime      prometheus.Gauge

	startTime time.Time
	mu        sync.RWMutex
	registry  *prometheus.Registry
}

// NewPrometheusMetrics creates a new Prometheus metrics instance with all collectors
func NewPrometheusMetrics() *PrometheusMetrics {
	registry := prometheus.NewRegistry()

	pm := &PrometheusMetrics{
		startTime: time.Now(),
		registry:  registry,
	}

	pm.initScanMetrics()
	pm.initResolveMetrics()
	pm.initHistoryMetrics()
	pm.initSystemMetrics()
	pm.registerMetrics()

	// Register standard Go and process collectors for runtime visibility
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return pm
}

// initScanMetrics initializes scan-related metrics
func (pm *PrometheusMetrics) initScanMetrics() {
	pm.scansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "runs_total",
			Help:      "Total number of scan runs by transport and status",
		},
		[]string{"transport", "status"},
	)

	pm.scanDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "duration_seconds",
			Help:      "Duration of scan runs in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"transport"},
	)

	pm.probesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "probes_total",
			Help:      "Total number of settled probes by transport and outcome",
		},
		[]string{"transport", "outcome"},
	)

	pm.openPorts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "open_ports_total",
			Help:      "Total number of open endpoints discovered",
		},
		[]string{"transport"},
	)

	pm.batchesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "batches_total",
			Help:      "Total number of settled probe batches",
		},
	)

	pm.activeProbes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "active_probes",
			Help:      "Number of probes currently holding a socket slot",
		},
	)
}

// initResolveMetrics initializes target resolution metrics
func (pm *PrometheusMetrics) initResolveMetrics() {
	pm.resolutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemResolve,
			Name:      "lookups_total",
			Help:      "Total number of target resolutions by kind and status",
		},
		[]string{"kind", "status"},
	)

	pm.targetsResolved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemResolve,
			Name:      "targets_total",
			Help:      "Total number of concrete targets produced by resolution",
		},
	)
}

// initHistoryMetrics initializes history storage metrics
func (pm *PrometheusMetrics) initHistoryMetrics() {
	pm.runsStored = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemHistory,
			Name:      "runs_stored_total",
			Help:      "Total number of scan runs written to history storage",
		},
		[]string{"status"},
	)
}

// initSystemMetrics initializes system-level metrics
func (pm *PrometheusMetrics) initSystemMetrics() {
	pm.memoryUsage = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "memory_usage_bytes",
			Help:      "Current memory usage in bytes",
		},
	)

	pm.goroutines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "goroutines_active",
			Help:      "Number of active goroutines",
		},
	)

	pm.uptime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds",
		},
	)
}

// registerMetrics registers all collectors with the registry
func (pm *PrometheusMetrics) registerMetrics() {
	pm.registry.MustRegister(
		pm.scansTotal,
		pm.scanDuration,
		pm.probesTotal,
		pm.openPorts,
		pm.batchesTotal,
		pm.activeProbes,
		pm.resolutionsTotal,
		pm.targetsResolved,
		pm.runsStored,
		pm.memoryUsage,
		pm.goroutines,
		pm.uptime,
	)
}

// GetRegistry returns the underlying Prometheus registry for exposition.
func (pm *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return pm.registry
}

// IncrementScansTotal records a completed scan run.
func (pm *PrometheusMetrics) IncrementScansTotal(transport, status string) {
	pm.scansTotal.WithLabelValues(transport, status).Inc()
}

// RecordScanDuration records the duration of a scan run.
func (pm *PrometheusMetrics) RecordScanDuration(transport string, duration time.Duration) {
	pm.scanDuration.WithLabelValues(transport).Observe(duration.Seconds())
}

// IncrementProbes records a settled probe attempt.
func (pm *PrometheusMetrics) IncrementProbes(transport, outcome string) {
	pm.probesTotal.WithLabelValues(transport, outcome).Inc()
}

// IncrementOpenPorts records discovered open endpoints.
func (pm *PrometheusMetrics) IncrementOpenPorts(transport string, count int) {
	pm.openPorts.WithLabelValues(transport).Add(float64(count))
}

// IncrementBatches records a settled batch.
func (pm *PrometheusMetrics) IncrementBatches() {
	pm.batchesTotal.Inc()
}

// SetActiveProbes sets the number of probes currently in flight.
func (pm *PrometheusMetrics) SetActiveProbes(count int) {
	pm.activeProbes.Set(float64(count))
}

// IncrementResolutions records a target resolution attempt.
func (pm *PrometheusMetrics) IncrementResolutions(kind, status string) {
	pm.resolutionsTotal.WithLabelValues(kind, status).Inc()
}

// IncrementTargetsResolved records produced concrete targets.
func (pm *PrometheusMetrics) IncrementTargetsResolved(count int) {
	pm.targetsResolved.Add(float64(count))
}

// IncrementRunsStored records a history storage attempt.
func (pm *PrometheusMetrics) IncrementRunsStored(status string) {
	pm.runsStored.WithLabelValues(status).Inc()
}

// UpdateSystemMetrics refreshes memory, goroutine, and uptime gauges.
func (pm *PrometheusMetrics) UpdateSystemMetrics() {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	pm.memoryUsage.Set(float64(memStats.Alloc))
	pm.goroutines.Set(float64(runtime.NumGoroutine()))
	pm.uptime.Set(time.Since(pm.startTime).Seconds())
}

// GetUptime returns the process uptime.
func (pm *PrometheusMetrics) GetUptime() time.Duration {
	return time.Since(pm.startTime)
}

// StartPeriodicUpdates starts a goroutine that periodically updates system metrics
func (pm *PrometheusMetrics) StartPeriodicUpdates(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Update immediately
	pm.UpdateSystemMetrics()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pm.UpdateSystemMetrics()
		}
	}
}

// Global instance for easy access
var (
	globalMetrics *PrometheusMetrics
	metricsOnce   sync.Once
)

// GetGlobalMetrics returns the global Prometheus metrics instance
func GetGlobalMetrics() *PrometheusMetrics {
	metricsOnce.Do(func() {
		globalMetrics = NewPrometheusMetrics()
	})
	return globalMetrics
}
