// Package metrics provides Prometheus-based metrics collection for reconpipe.
// A run is a one-shot process, so metrics are exported by writing the registry
// to a node_exporter textfile rather than serving an HTTP endpoint.
package metrics

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// Namespace for all reconpipe metrics
	namespace = "reconpipe"

	// Subsystems
	subsystemRun        = "run"
	subsystemDiscovery  = "discovery"
	subsystemInspection = "inspection"
	subsystemWorker     = "worker"
	subsystemSink       = "sink"

	textfileDirPerm = 0750
)

// PrometheusMetrics holds all Prometheus metric collectors
type PrometheusMetrics struct {
	// Run metrics
	runsTotal        *prometheus.CounterVec
	runDuration      prometheus.Histogram
	lastRunTimestamp prometheus.Gauge
	targets          prometheus.Gauge

	// Discovery metrics
	discoveryTotal    *prometheus.CounterVec
	discoveryDuration *prometheus.HistogramVec
	hostsDiscovered   prometheus.Counter

	// Inspection metrics
	inspectionsTotal   *prometheus.CounterVec
	inspectionDuration prometheus.Histogram

	// Worker pool metrics
	jobsSubmitted *prometheus.CounterVec
	jobsCompleted *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	jobRetries    *prometheus.CounterVec
	activeJobs    prometheus.Gauge
	poolSize      prometheus.Gauge

	// Sink metrics
	recordsWritten prometheus.Counter
	recordsLost    prometheus.Counter
	writeRetries   prometheus.Counter

	mu       sync.Mutex
	registry *prometheus.Registry
}

// NewPrometheusMetrics creates a new Prometheus metrics instance with all collectors
// registered on a private registry.
func NewPrometheusMetrics() *PrometheusMetrics {
	pm := &PrometheusMetrics{
		registry: prometheus.NewRegistry(),
	}

	pm.initRunMetrics()
	pm.initDiscoveryMetrics()
	pm.initInspectionMetrics()
	pm.initWorkerMetrics()
	pm.initSinkMetrics()

	pm.registerMetrics()

	return pm
}

func (pm *PrometheusMetrics) initRunMetrics() {
	pm.runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemRun,
			Name:      "total",
			Help:      "Total number of pipeline runs by outcome",
		},
		[]string{"status"},
	)

	pm.runDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemRun,
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of pipeline runs in seconds",
			Buckets:   []float64{1, 10, 60, 300, 900, 1800, 3600, 7200, 14400},
		},
	)

	pm.lastRunTimestamp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemRun,
			Name:      "last_completion_timestamp_seconds",
			Help:      "Unix time at which the last run finished",
		},
	)

	pm.targets = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemRun,
			Name:      "targets",
			Help:      "Number of host:port targets derived for the current run",
		},
	)
}

func (pm *PrometheusMetrics) initDiscoveryMetrics() {
	pm.discoveryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemDiscovery,
			Name:      "total",
			Help:      "Total number of discovery sweeps by tool and status",
		},
		[]string{"tool", "status"},
	)

	pm.discoveryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemDiscovery,
			Name:      "duration_seconds",
			Help:      "Duration of discovery sweeps in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
		},
		[]string{"tool"},
	)

	pm.hostsDiscovered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemDiscovery,
			Name:      "hosts_total",
			Help:      "Total number of distinct hosts with open ports found by discovery",
		},
	)
}

func (pm *PrometheusMetrics) initInspectionMetrics() {
	pm.inspectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemInspection,
			Name:      "total",
			Help:      "Total number of inspections by finding status",
		},
		[]string{"status"},
	)

	pm.inspectionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemInspection,
			Name:      "duration_seconds",
			Help:      "Duration of single-target inspections in seconds",
			Buckets:   []float64{0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		},
	)
}

func (pm *PrometheusMetrics) initWorkerMetrics() {
	pm.jobsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemWorker,
			Name:      "jobs_submitted_total",
			Help:      "Total number of jobs handed to the worker pool",
		},
		[]string{"job_type"},
	)

	pm.jobsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemWorker,
			Name:      "jobs_completed_total",
			Help:      "Total number of jobs finished by the worker pool by status",
		},
		[]string{"job_type", "status"},
	)

	pm.jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemWorker,
			Name:      "job_duration_seconds",
			Help:      "Duration of worker pool jobs in seconds, retries included",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 600},
		},
		[]string{"job_type"},
	)

	pm.jobRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemWorker,
			Name:      "job_retries_total",
			Help:      "Total number of job retry attempts",
		},
		[]string{"job_type"},
	)

	pm.activeJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemWorker,
			Name:      "active_jobs",
			Help:      "Number of jobs currently executing",
		},
	)

	pm.poolSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemWorker,
			Name:      "pool_size",
			Help:      "Configured number of workers",
		},
	)
}

func (pm *PrometheusMetrics) initSinkMetrics() {
	pm.recordsWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemSink,
			Name:      "records_written_total",
			Help:      "Total number of findings appended to the result log",
		},
	)

	pm.recordsLost = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemSink,
			Name:      "records_lost_total",
			Help:      "Total number of findings that could not be written after retrying",
		},
	)

	pm.writeRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemSink,
			Name:      "write_retries_total",
			Help:      "Total number of retried result log writes",
		},
	)
}

func (pm *PrometheusMetrics) registerMetrics() {
	pm.registry.MustRegister(
		pm.runsTotal,
		pm.runDuration,
		pm.lastRunTimestamp,
		pm.targets,

		pm.discoveryTotal,
		pm.discoveryDuration,
		pm.hostsDiscovered,

		pm.inspectionsTotal,
		pm.inspectionDuration,

		pm.jobsSubmitted,
		pm.jobsCompleted,
		pm.jobDuration,
		pm.jobRetries,
		pm.activeJobs,
		pm.poolSize,

		pm.recordsWritten,
		pm.recordsLost,
		pm.writeRetries,
	)
}

// GetRegistry returns the private registry holding every reconpipe collector.
func (pm *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return pm.registry
}

// Run metrics methods

// IncrementRunsTotal counts a finished run by status.
func (pm *PrometheusMetrics) IncrementRunsTotal(status string) {
	pm.runsTotal.WithLabelValues(status).Inc()
}

// RecordRunDuration records the duration of a run and stamps its completion time.
func (pm *PrometheusMetrics) RecordRunDuration(duration time.Duration) {
	pm.runDuration.Observe(duration.Seconds())
	pm.lastRunTimestamp.SetToCurrentTime()
}

// SetTargets records the size of the current target set.
func (pm *PrometheusMetrics) SetTargets(count int) {
	pm.targets.Set(float64(count))
}

// Discovery metrics methods

// IncrementDiscoveryTotal counts a discovery sweep by tool and status.
func (pm *PrometheusMetrics) IncrementDiscoveryTotal(tool, status string) {
	pm.discoveryTotal.WithLabelValues(tool, status).Inc()
}

// RecordDiscoveryDuration records how long a discovery sweep took.
func (pm *PrometheusMetrics) RecordDiscoveryDuration(tool string, duration time.Duration) {
	pm.discoveryDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// IncrementHostsDiscovered adds count distinct hosts.
func (pm *PrometheusMetrics) IncrementHostsDiscovered(count int) {
	pm.hostsDiscovered.Add(float64(count))
}

// Inspection metrics methods

// RecordInspection counts an inspection by finding status and records its duration.
func (pm *PrometheusMetrics) RecordInspection(status string, duration time.Duration) {
	pm.inspectionsTotal.WithLabelValues(status).Inc()
	pm.inspectionDuration.Observe(duration.Seconds())
}

// Worker pool metrics methods

// SetPoolSize records the configured worker count.
func (pm *PrometheusMetrics) SetPoolSize(size int) {
	pm.poolSize.Set(float64(size))
}

// IncrementJobsSubmitted counts a job handed to the pool.
func (pm *PrometheusMetrics) IncrementJobsSubmitted(jobType string) {
	pm.jobsSubmitted.WithLabelValues(jobType).Inc()
}

// RecordJobCompleted counts a finished job and records its duration.
func (pm *PrometheusMetrics) RecordJobCompleted(jobType, status string, duration time.Duration) {
	pm.jobsCompleted.WithLabelValues(jobType, status).Inc()
	pm.jobDuration.WithLabelValues(jobType).Observe(duration.Seconds())
}

// IncrementJobRetries counts one retry attempt.
func (pm *PrometheusMetrics) IncrementJobRetries(jobType string) {
	pm.jobRetries.WithLabelValues(jobType).Inc()
}

// IncActiveJobs marks a job as started.
func (pm *PrometheusMetrics) IncActiveJobs() {
	pm.activeJobs.Inc()
}

// DecActiveJobs marks a job as finished.
func (pm *PrometheusMetrics) DecActiveJobs() {
	pm.activeJobs.Dec()
}

// Sink metrics methods

// IncrementRecordsWritten counts a finding appended to the result log.
func (pm *PrometheusMetrics) IncrementRecordsWritten() {
	pm.recordsWritten.Inc()
}

// IncrementRecordsLost counts a finding that was dropped after retrying.
func (pm *PrometheusMetrics) IncrementRecordsLost() {
	pm.recordsLost.Inc()
}

// IncrementWriteRetries counts a retried write.
func (pm *PrometheusMetrics) IncrementWriteRetries() {
	pm.writeRetries.Inc()
}

// WriteTextfile atomically writes all metrics to path in the text exposition
// format understood by the node_exporter textfile collector.
func (pm *PrometheusMetrics) WriteTextfile(path string) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), textfileDirPerm); err != nil {
		return err
	}
	return prometheus.WriteToTextfile(path, pm.GetRegistry())
}

// Global instance for easy access
var globalMetrics *PrometheusMetrics
var metricsOnce sync.Once

// GetGlobalMetrics returns the global Prometheus metrics instance
func GetGlobalMetrics() *PrometheusMetrics {
	metricsOnce.Do(func() {
		globalMetrics = NewPrometheusMetrics()
	})
	return globalMetrics
}

// OrGlobal returns pm, or the global instance when pm is nil.
func OrGlobal(pm *PrometheusMetrics) *PrometheusMetrics {
	if pm != nil {
		return pm
	}
	return GetGlobalMetrics()
}
