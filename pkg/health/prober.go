package health

import (
	"context"
	"time"

	"github.com/pmdaemon/pmdaemon/pkg/log"
	"github.com/pmdaemon/pmdaemon/pkg/metrics"
	"github.com/pmdaemon/pmdaemon/pkg/types"
	"github.com/rs/zerolog"
)

// OnResult is invoked by a Prober after every completed probe, with the
// descriptor name, the folded Status, and whether this result should
// trigger a restart (the failure that just crossed the retry threshold).
type OnResult func(name string, status *Status, triggerRestart bool)

// Prober runs one ticker loop for a single descriptor's configured health
// check, following the same ticker+select+stopCh shape used for the
// other periodic tick loops in this codebase.
type Prober struct {
	name    string
	checker Checker
	retries int

	status *Status
	logger zerolog.Logger
	onResu OnResult

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewProber builds a Prober for one descriptor. Probing does not start
// until Start is called, and only begins once the descriptor reaches
// Starting (Probes begin only after status reaches Starting).
func NewProber(name string, checker Checker, retries int, onResult OnResult) *Prober {
	return &Prober{
		name:    name,
		checker: checker,
		retries: retries,
		status:  NewStatus(),
		logger:  log.WithComponent("health-prober"),
		onResu:  onResult,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Status returns the prober's current health status record.
func (p *Prober) Status() *Status { return p.status }

// Start begins the probe loop at the given interval.
func (p *Prober) Start(interval time.Duration) {
	go p.run(interval)
}

// Stop halts the probe loop and blocks until the goroutine has exited, so
// that it is paused before a Stopping/Stopped/Errored transition.
func (p *Prober) Stop() {
	close(p.stopCh)
	<-p.doneCh
}

func (p *Prober) run(interval time.Duration) {
	defer close(p.doneCh)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.logger.Debug().Str("process", p.name).Msg("health prober started")

	for {
		select {
		case <-ticker.C:
			p.probeOnce()
		case <-p.stopCh:
			p.logger.Debug().Str("process", p.name).Msg("health prober stopped")
			return
		}
	}
}

func (p *Prober) probeOnce() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	timer := metrics.NewTimer()
	result := p.checker.Check(ctx)
	timer.ObserveDurationVec(metrics.HealthCheckDuration, p.name, string(p.checker.Type()))

	trigger := false
	if result.Healthy {
		metrics.HealthChecksTotal.WithLabelValues(p.name, "success").Inc()
	} else {
		metrics.HealthChecksTotal.WithLabelValues(p.name, "failure").Inc()
		trigger = p.status.ConsecutiveFailures+1 >= p.retries && p.status.Current != types.HealthUnhealthy
	}

	p.status.Update(result, p.retries)

	if p.onResu != nil {
		p.onResu(p.name, p.status, trigger)
	}
}
