// Package health implements the per-descriptor health prober:
// a Checker interface with HTTP and Script implementations, a Status that
// tracks consecutive failure/success bookkeeping, and a Prober that runs
// one ticker loop per descriptor with a configured health check.
package health

import (
	"context"
	"time"

	"github.com/pmdaemon/pmdaemon/pkg/types"
)

// Result represents the outcome of one probe.
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is the interface both health check kinds implement.
type Checker interface {
	// Check performs one probe and returns its result. Check must
	// respect ctx's deadline (within timeout).
	Check(ctx context.Context) Result

	// Type returns the check's kind.
	Type() types.CheckType
}

// Status tracks a descriptor's consecutive failure/success counters and
// derives types.HealthStatus from them per the exact rule: a
// single success resets failures and marks Healthy; failures accumulate
// as Warning until they reach Retries, at which point the descriptor
// becomes Unhealthy.
type Status struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastCheck            time.Time
	LastResult           Result
	Current              types.HealthStatus
	StartedAt            time.Time
}

// NewStatus returns a Status with no probes yet observed.
func NewStatus() *Status {
	return &Status{
		Current:   types.HealthUnknown,
		StartedAt: time.Now(),
	}
}

// Update folds one new Result into the status, given the descriptor's
// configured retry threshold.
func (s *Status) Update(result Result, retries int) {
	s.LastCheck = result.CheckedAt
	s.LastResult = result

	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		s.Current = types.HealthHealthy
		return
	}

	s.ConsecutiveFailures++
	s.ConsecutiveSuccesses = 0
	if s.ConsecutiveFailures >= retries {
		s.Current = types.HealthUnhealthy
	} else {
		s.Current = types.HealthWarning
	}
}

// JustBecameUnhealthy reports whether the most recent Update call is the
// one that crossed the retry threshold (used by the prober to fire the
// lifecycle engine's restart trigger exactly once per failure streak,
// rather than on every subsequent failed probe).
func (s *Status) JustBecameUnhealthy(retries int) bool {
	return s.Current == types.HealthUnhealthy && s.ConsecutiveFailures == retries
}
