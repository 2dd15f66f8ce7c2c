// Package metrics defines and registers the Prometheus metrics exposed by
// the supervisor daemon: process-table gauges, restart/spawn counters,
// per-descriptor CPU/RSS/uptime samples, and operation-latency histograms
// for the registry, health prober, and persistence layer. Metrics are
// served over HTTP by the (out-of-core) daemon entrypoint via Handler.
//
// Component health (registry, persistence) is tracked separately through
// RegisterComponent/GetHealth/GetReadiness for the /health, /ready, and
// /live endpoints the daemon mounts alongside /metrics.
package metrics
