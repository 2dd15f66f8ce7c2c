package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Process table metrics
	ProcessesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pmdaemon_processes_total",
			Help: "Total number of managed descriptors by status",
		},
		[]string{"status"},
	)

	RestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pmdaemon_restarts_total",
			Help: "Total number of restarts by descriptor and reason",
		},
		[]string{"name", "reason"},
	)

	ProcessCPUPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pmdaemon_process_cpu_percent",
			Help: "Last sampled CPU percent for a descriptor",
		},
		[]string{"name"},
	)

	ProcessRSSBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pmdaemon_process_rss_bytes",
			Help: "Last sampled resident set size in bytes for a descriptor",
		},
		[]string{"name"},
	)

	ProcessUptimeSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pmdaemon_process_uptime_seconds",
			Help: "Seconds since the current instance of a descriptor was started",
		},
		[]string{"name"},
	)

	// Port allocator metrics
	PortsAssignedTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pmdaemon_ports_assigned_total",
			Help: "Total number of ports currently held by the allocator",
		},
	)

	// Registry operation metrics
	RegistryOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pmdaemon_registry_operation_duration_seconds",
			Help:    "Time taken to complete a registry operation in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	RegistryOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pmdaemon_registry_operations_total",
			Help: "Total number of registry operations by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	// Health prober metrics
	HealthCheckDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pmdaemon_health_check_duration_seconds",
			Help:    "Time taken for a single health probe in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"name", "check_type"},
	)

	HealthChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pmdaemon_health_checks_total",
			Help: "Total number of health probes by descriptor and result",
		},
		[]string{"name", "result"},
	)

	// Resource monitor metrics
	MonitorTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pmdaemon_monitor_tick_duration_seconds",
			Help:    "Time taken for one resource monitor tick across all live descriptors",
			Buckets: prometheus.DefBuckets,
		},
	)

	MonitorTicksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pmdaemon_monitor_ticks_total",
			Help: "Total number of resource monitor ticks completed",
		},
	)

	// Spawner metrics
	SpawnDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pmdaemon_spawn_duration_seconds",
			Help:    "Time taken to spawn a child process, from descriptor to recorded pid",
			Buckets: prometheus.DefBuckets,
		},
	)

	SpawnFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pmdaemon_spawn_failures_total",
			Help: "Total number of failed spawn attempts",
		},
	)

	// Persistence metrics
	PersistenceWriteDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pmdaemon_persistence_write_duration_seconds",
			Help:    "Time taken for one atomic descriptor write in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(ProcessesTotal)
	prometheus.MustRegister(RestartsTotal)
	prometheus.MustRegister(ProcessCPUPercent)
	prometheus.MustRegister(ProcessRSSBytes)
	prometheus.MustRegister(ProcessUptimeSeconds)
	prometheus.MustRegister(PortsAssignedTotal)
	prometheus.MustRegister(RegistryOperationDuration)
	prometheus.MustRegister(RegistryOperationsTotal)
	prometheus.MustRegister(HealthCheckDuration)
	prometheus.MustRegister(HealthChecksTotal)
	prometheus.MustRegister(MonitorTickDuration)
	prometheus.MustRegister(MonitorTicksTotal)
	prometheus.MustRegister(SpawnDuration)
	prometheus.MustRegister(SpawnFailuresTotal)
	prometheus.MustRegister(PersistenceWriteDuration)
}

// Handler returns the Prometheus HTTP handler, for the (out-of-core) HTTP
// collaborator to mount.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
