// Package metrics provides Prometheus-based metrics collection for neondeck.
// Every pipeline stage reports into one registry which the API exposes on
// /metrics.
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
	namespace = "neondeck"

	subsystemRun       = "run"
	subsystemDiscovery = "discovery"
	subsystemProbe     = "probe"
	subsystemReconcile = "reconcile"
	subsystemDatabase  = "database"
	subsystemAPI       = "api"
	subsystemWorker    = "worker"
	subsystemSystem    = "system"
)

// PrometheusMetrics holds all Prometheus metric collectors.
type PrometheusMetrics struct {
	// Scan runs
	runsTotal   *prometheus.CounterVec
	runDuration prometheus.Histogram
	activeRuns  prometheus.Gauge

	// Port sweep
	hostsDiscovered   *prometheus.CounterVec
	discoveryErrors   *prometheus.CounterVec
	discoveryDuration *prometheus.HistogramVec

	// HTTP probing
	probesTotal   *prometheus.CounterVec
	probeDuration *prometheus.HistogramVec

	// Reconciliation
	reconciledServices *prometheus.CounterVec

	// Database
	dbQueries       *prometheus.CounterVec
	dbQueryDuration *prometheus.HistogramVec
	dbConnections   prometheus.Gauge

	// API
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	// Worker pool
	workerJobs        *prometheus.CounterVec
	workerJobDuration *prometheus.HistogramVec
	workerPoolSize    prometheus.Gauge

	// System
	memoryUsage prometheus.Gauge
	goroutines  prometheus.Gauge
	uptime      prometheus.Gauge

	startTime time.Time
	mu        sync.Mutex
	registry   *prometheus.Registry
}

// NewPrometheusMetrics creates a metrics instance with its own registry.
func NewPrometheusMetrics() *PrometheusMetrics {
	pm := &PrometheusMetrics{
		startTime: time.Now(),
		registry:  prometheus.NewRegistry(),
	}

	pm.initRunMetrics()
	pm.initPipelineMetrics()
	pm.initDatabaseMetrics()
	pm.initAPIMetrics()
	pm.initWorkerMetrics()
	pm.initSystemMetrics()

	pm.registry.MustRegister(
		pm.runsTotal, pm.runDuration, pm.activeRuns,
		pm.hostsDiscovered, pm.discoveryErrors, pm.discoveryDuration,
		pm.probesTotal, pm.probeDuration,
		pm.reconciledServices,
		pm.dbQueries, pm.dbQueryDuration, pm.dbConnections,
		pm.httpRequests, pm.httpDuration,
		pm.workerJobs, pm.workerJobDuration, pm.workerPoolSize,
		pm.memoryUsage, pm.goroutines, pm.uptime,
	)
	pm.registry.MustRegister(collectors.NewGoCollector())
	pm.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return pm
}

func (pm *PrometheusMetrics) initRunMetrics() {
	pm.runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemRun,
			Name:      "total",
			Help:      "Total number of scan runs by terminal status",
		},
		[]string{"status"},
	)

	pm.runDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemRun,
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of scan runs",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
	)

	pm.activeRuns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemRun,
			Name:      "active",
			Help:      "1 while a scan run is executing",
		},
	)
}

func (pm *PrometheusMetrics) initPipelineMetrics() {
	pm.hostsDiscovered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemDiscovery,
			Name:      "hosts_total",
			Help:      "Hosts with at least one open port, by swept network",
		},
		[]string{"network"},
	)

	pm.discoveryErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemDiscovery,
			Name:      "errors_total",
			Help:      "Network sweeps that failed",
		},
		[]string{"network"},
	)

	pm.discoveryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemDiscovery,
			Name:      "duration_seconds",
			Help:      "Duration of a single network sweep",
			Buckets:   []float64{1, 5, 10, 30, 60, 300, 600, 1800},
		},
		[]string{"network"},
	)

	pm.probesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemProbe,
			Name:      "total",
			Help:      "Endpoint probes by outcome (found, absent, error)",
		},
		[]string{"outcome"},
	)

	pm.probeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemProbe,
			Name:      "duration_seconds",
			Help:      "Duration of successful probes by protocol",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"protocol"},
	)

	pm.reconciledServices = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemReconcile,
			Name:      "services_total",
			Help:      "Services handled during reconciliation by action",
		},
		[]string{"action"},
	)
}

func (pm *PrometheusMetrics) initDatabaseMetrics() {
	pm.dbQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemDatabase,
			Name:      "queries_total",
			Help:      "Database queries by operation and status",
		},
		[]string{"operation", "status"},
	)

	pm.dbQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemDatabase,
			Name:      "query_duration_seconds",
			Help:      "Database query duration by operation",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"operation"},
	)

	pm.dbConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemDatabase,
			Name:      "connections_active",
			Help:      "Open database connections",
		},
	)
}

func (pm *PrometheusMetrics) initAPIMetrics() {
	pm.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemAPI,
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status",
		},
		[]string{"method", "path", "status"},
	)

	pm.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemAPI,
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration by method and route",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
}

func (pm *PrometheusMetrics) initWorkerMetrics() {
	pm.workerJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemWorker,
			Name:      "jobs_total",
			Help:      "Worker pool jobs by type and status",
		},
		[]string{"job_type", "status"},
	)

	pm.workerJobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemWorker,
			Name:      "job_duration_seconds",
			Help:      "Worker pool job duration by type",
			Buckets:   []float64{0.1, 1, 10, 60, 300, 1800},
		},
		[]string{"job_type"},
	)

	pm.workerPoolSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemWorker,
			Name:      "pool_size",
			Help:      "Number of worker goroutines",
		},
	)
}

func (pm *PrometheusMetrics) initSystemMetrics() {
	pm.memoryUsage = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "memory_bytes",
			Help:      "Allocated heap memory in bytes",
		},
	)

	pm.goroutines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "goroutines",
			Help:      "Number of goroutines",
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

// GetRegistry returns the Prometheus registry for the HTTP handler.
func (pm *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return pm.registry
}

// Run metrics

// RecordRun records a finished run with its terminal status.
func (pm *PrometheusMetrics) RecordRun(status string, duration time.Duration) {
	pm.runsTotal.WithLabelValues(status).Inc()
	pm.runDuration.Observe(duration.Seconds())
}

// SetActiveRuns sets the number of executing runs.
func (pm *PrometheusMetrics) SetActiveRuns(count int) {
	pm.activeRuns.Set(float64(count))
}

// Pipeline metrics

// RecordDiscovery records one network sweep.
func (pm *PrometheusMetrics) RecordDiscovery(network string, hosts int, duration time.Duration, err error) {
	pm.discoveryDuration.WithLabelValues(network).Observe(duration.Seconds())
	if err != nil {
		pm.discoveryErrors.WithLabelValues(network).Inc()
		return
	}
	pm.hostsDiscovered.WithLabelValues(network).Add(float64(hosts))
}

// RecordProbe records one endpoint probe outcome. protocol is empty unless
// the endpoint answered.
func (pm *PrometheusMetrics) RecordProbe(outcome, protocol string, duration time.Duration) {
	pm.probesTotal.WithLabelValues(outcome).Inc()
	if protocol != "" {
		pm.probeDuration.WithLabelValues(protocol).Observe(duration.Seconds())
	}
}

// AddReconciled adds count services for a reconciliation action.
func (pm *PrometheusMetrics) AddReconciled(action string, count int) {
	if count > 0 {
		pm.reconciledServices.WithLabelValues(action).Add(float64(count))
	}
}

// Database metrics

// IncrementDatabaseQueries increments the query counter.
func (pm *PrometheusMetrics) IncrementDatabaseQueries(operation, status string) {
	pm.dbQueries.WithLabelValues(operation, status).Inc()
}

// RecordDatabaseQueryDuration records query duration.
func (pm *PrometheusMetrics) RecordDatabaseQueryDuration(operation string, duration time.Duration) {
	pm.dbQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetActiveConnections sets the open connection gauge.
func (pm *PrometheusMetrics) SetActiveConnections(count int) {
	pm.dbConnections.Set(float64(count))
}

// API metrics

// RecordHTTPRequest records one served request.
func (pm *PrometheusMetrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	pm.httpRequests.WithLabelValues(method, path, status).Inc()
	pm.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// Worker metrics

// RecordJob records a finished worker job.
func (pm *PrometheusMetrics) RecordJob(jobType, status string, duration time.Duration) {
	pm.workerJobs.WithLabelValues(jobType, status).Inc()
	pm.workerJobDuration.WithLabelValues(jobType).Observe(duration.Seconds())
}

// RecordJobDiscarded counts a queued job dropped unstarted at shutdown.
func (pm *PrometheusMetrics) RecordJobDiscarded(jobType string) {
	pm.workerJobs.WithLabelValues(jobType, "discarded").Inc()
}

// SetWorkerPoolSize sets the worker count gauge.
func (pm *PrometheusMetrics) SetWorkerPoolSize(size int) {
	pm.workerPoolSize.Set(float64(size))
}

// System metrics

// UpdateSystemMetrics updates all system metrics with current values.
func (pm *PrometheusMetrics) UpdateSystemMetrics() {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	pm.memoryUsage.Set(float64(memStats.Alloc))
	pm.goroutines.Set(float64(runtime.NumGoroutine()))
	pm.uptime.Set(time.Since(pm.startTime).Seconds())
}

// StartPeriodicUpdates refreshes system metrics until ctx is done.
func (pm *PrometheusMetrics) StartPeriodicUpdates(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

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

var (
	globalMetrics *PrometheusMetrics
	metricsOnce   sync.Once
)

// GetGlobalMetrics returns the process-wide metrics instance.
func GetGlobalMetrics() *PrometheusMetrics {
	metricsOnce.Do(func() {
		globalMetrics = NewPrometheusMetrics()
	})
	return globalMetrics
}

// RecordDatabaseQuery records database query metrics on the global instance.
func RecordDatabaseQuery(operation string, duration time.Duration, success bool) {
	m := GetGlobalMetrics()
	status := "success"
	if !success {
		status = "error"
	}
	m.IncrementDatabaseQueries(operation, status)
	m.RecordDatabaseQueryDuration(operation, duration)
}
