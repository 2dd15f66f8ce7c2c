// Package shutdown installs the supervisor-level termination handler and
// drives graceful shutdown of every managed descriptor, using the usual
// signal.Notify-then-drain shape for a long-lived daemon's own graceful
// stop.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/pmdaemon/pmdaemon/pkg/log"
)

// Registry is the subset of pkg/registry.Registry the shutdown
// coordinator needs, kept narrow so this package never imports registry
// directly.
type Registry interface {
	BeginShutdown()
	Stop(identifier string) error
}

// Coordinator traps termination signals and drives a bounded graceful
// stop of every descriptor.
type Coordinator struct {
	registry Registry
	deadline time.Duration
}

// New builds a Coordinator. deadline bounds how long Run waits for every
// descriptor to reach Stopped/Errored before returning regardless.
func New(registry Registry, deadline time.Duration) *Coordinator {
	return &Coordinator{registry: registry, deadline: deadline}
}

// Run blocks until a termination signal arrives (or ctx is cancelled),
// then drives graceful shutdown and returns.
func (c *Coordinator) Run(ctx context.Context) {
	logger := log.WithComponent("shutdown")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, terminationSignals()...)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("termination signal received, beginning graceful shutdown")
	case <-ctx.Done():
		logger.Info().Msg("context cancelled, beginning graceful shutdown")
	}

	c.registry.BeginShutdown()

	done := make(chan error, 1)
	go func() { done <- c.registry.Stop("all") }()

	select {
	case err := <-done:
		if err != nil {
			logger.Warn().Err(err).Msg("graceful shutdown completed with errors")
		} else {
			logger.Info().Msg("all descriptors stopped")
		}
	case <-time.After(c.deadline):
		logger.Warn().Dur("deadline", c.deadline).Msg("shutdown deadline elapsed, exiting regardless")
	}
}
