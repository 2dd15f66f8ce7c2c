// Package monitor runs the single shared resource-sampling tick: once per
// interval it samples CPU percent, RSS, and uptime for every live
// descriptor and feeds memory-threshold breaches back into the lifecycle
// engine. It follows the same ticker+select+stopCh loop shape used
// elsewhere in this codebase for periodic reconciliation, generalized
// from reconciling desired cluster state to sampling host process
// resource usage.
package monitor

import (
	"time"

	"github.com/pmdaemon/pmdaemon/pkg/log"
	"github.com/pmdaemon/pmdaemon/pkg/metrics"
	"github.com/rs/zerolog"
)

// Sample is one descriptor's resource reading for a tick.
type Sample struct {
	Name       string
	PID        int
	CPUPercent float64
	RSSBytes   int64
}

// Target is one live descriptor the monitor samples each tick, abstracted
// so this package never imports pkg/lifecycle or pkg/registry directly:
// components are wired through narrow interfaces, not direct references.
type Target struct {
	Name             string
	PID              int
	MaxMemoryRestart int64 // 0 means unset
}

// Source supplies the current set of live targets for a tick.
type Source interface {
	LiveTargets() []Target
}

// Sink receives each tick's samples and any breach notifications.
type Sink interface {
	ObserveSample(sample Sample)
	OnMemoryThresholdExceeded(name string)
}

// Monitor runs the shared tick loop.
type Monitor struct {
	source Source
	sink   Sink
	logger zerolog.Logger

	prev map[string]cpuSnapshot

	stopCh chan struct{}
	doneCh chan struct{}
}

type cpuSnapshot struct {
	cpuTicks  uint64
	sampledAt time.Time
}

// New builds a Monitor. Start must be called to begin ticking.
func New(source Source, sink Sink) *Monitor {
	return &Monitor{
		source: source,
		sink:   sink,
		logger: log.WithComponent("monitor"),
		prev:   map[string]cpuSnapshot{},
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins the tick loop at the given interval (default ~1s,
// caller-configurable).
func (m *Monitor) Start(interval time.Duration) {
	go m.run(interval)
}

// Stop halts the tick loop and waits for it to exit.
func (m *Monitor) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

func (m *Monitor) run(interval time.Duration) {
	defer close(m.doneCh)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.tick()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Monitor) tick() {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.MonitorTickDuration)
		metrics.MonitorTicksTotal.Inc()
	}()

	targets := m.source.LiveTargets()
	seen := make(map[string]struct{}, len(targets))

	for _, target := range targets {
		seen[target.Name] = struct{}{}

		cpuTicks, rss, err := readProcStat(target.PID)
		if err != nil {
			// Transient sampling errors (process exiting mid-sample) are
			// ignored; a disappeared pid is the exit observer's concern,
			// not the monitor's.
			continue
		}

		cpuPercent := m.cpuPercent(target.Name, cpuTicks)

		metrics.ProcessCPUPercent.WithLabelValues(target.Name).Set(cpuPercent)
		metrics.ProcessRSSBytes.WithLabelValues(target.Name).Set(float64(rss))

		m.sink.ObserveSample(Sample{
			Name:       target.Name,
			PID:        target.PID,
			CPUPercent: cpuPercent,
			RSSBytes:   rss,
		})

		if target.MaxMemoryRestart > 0 && rss > target.MaxMemoryRestart {
			m.logger.Warn().Str("process", target.Name).Int64("rss_bytes", rss).Int64("threshold", target.MaxMemoryRestart).Msg("memory threshold exceeded")
			m.sink.OnMemoryThresholdExceeded(target.Name)
		}
	}

	for name := range m.prev {
		if _, ok := seen[name]; !ok {
			delete(m.prev, name)
		}
	}
}

// cpuPercent normalizes a cumulative cpu-ticks reading against the prior
// tick for the same descriptor name, producing a single-core-normalized
// percent (per-process CPU time delta divided by wall-clock
// delta, normalized to a single core). The first sample for a name has
// no prior reading and reports 0.
func (m *Monitor) cpuPercent(name string, cpuTicks uint64) float64 {
	now := time.Now()
	prev, ok := m.prev[name]
	m.prev[name] = cpuSnapshot{cpuTicks: cpuTicks, sampledAt: now}
	if !ok || cpuTicks < prev.cpuTicks {
		return 0
	}

	elapsed := now.Sub(prev.sampledAt).Seconds()
	if elapsed <= 0 {
		return 0
	}

	deltaSeconds := float64(cpuTicks-prev.cpuTicks) / clockTicksPerSecond
	return (deltaSeconds / elapsed) * 100
}
