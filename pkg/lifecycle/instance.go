// Package lifecycle owns the per-descriptor state machine:
// one Instance per live-or-previously-live descriptor, exactly one exit
// watcher goroutine per instance (do not duplicate watchers),
// the restart policy, and the graceful stop/reload protocols. It
// generalizes a container-orchestrator-style task state machine
// (ActualState / DesiredState, signal-then-grace-then-kill stop
// sequencing) from container lifecycle to host-process lifecycle.
package lifecycle

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/pmdaemon/pmdaemon/pkg/health"
	"github.com/pmdaemon/pmdaemon/pkg/log"
	"github.com/pmdaemon/pmdaemon/pkg/metrics"
	"github.com/pmdaemon/pmdaemon/pkg/perrors"
	"github.com/pmdaemon/pmdaemon/pkg/persistence"
	"github.com/pmdaemon/pmdaemon/pkg/portalloc"
	"github.com/pmdaemon/pmdaemon/pkg/spawner"
	"github.com/pmdaemon/pmdaemon/pkg/types"
	"github.com/rs/zerolog"
)

// terminator isolates the Unix-signal vs Windows-console-event divergence
// behind one narrow interface; the engine talks only to this.
type terminator interface {
	Signal(pid int) error // graceful termination request
	Reload(pid int) error // graceful reload request; Windows returns an error, see terminate_windows.go
	Kill(pid int) error   // forced termination
}

// Listener receives lifecycle notifications so the registry can persist
// state and publish events without the lifecycle engine importing the
// registry package (no component holds a direct owning
// reference to another — descriptors and their lifecycle are addressed
// by stable id, not by cyclic pointers).
type Listener interface {
	OnStateChanged(descriptorID string, state types.RuntimeState)
}

// Instance is the state machine and exit watcher for one descriptor.
type Instance struct {
	mu sync.Mutex

	descriptor    types.ProcessDescriptor
	instanceIndex int
	port          int // 0 if this instance has no assigned port

	state types.RuntimeState

	allocator *portalloc.Allocator
	listener  Listener
	term      terminator
	prober    *health.Prober

	handle        *spawner.Handle
	stopRequested bool
	exitSeen      chan struct{}

	logger zerolog.Logger
}

// NewInstance constructs an Instance for one concrete descriptor (already
// expanded to instances=1 if it came from a cluster).
func NewInstance(descriptor types.ProcessDescriptor, instanceIndex int, port int, allocator *portalloc.Allocator, listener Listener) *Instance {
	return &Instance{
		descriptor:    descriptor,
		instanceIndex: instanceIndex,
		port:          port,
		state:         types.NewRuntimeState(),
		allocator:     allocator,
		listener:      listener,
		term:          newTerminator(),
		logger:        log.WithProcess(descriptor.Name, descriptor.ID),
	}
}

// State returns a snapshot of the current runtime state.
func (i *Instance) State() types.RuntimeState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Descriptor returns a snapshot of the descriptor this instance runs.
func (i *Instance) Descriptor() types.ProcessDescriptor {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.descriptor
}

// SetResourceSample records the resource monitor's latest CPU/RSS reading
// for this instance (published values are attached to the
// descriptor).
func (i *Instance) SetResourceSample(cpuPercent float64, rssBytes int64) {
	i.mu.Lock()
	i.state.CPUPercent = cpuPercent
	i.state.RSSBytes = rssBytes
	i.mu.Unlock()
}

// Start spawns the child and transitions Stopped/Errored/Restarting ->
// Starting. Starting -> Online happens on first healthy probe, or (no
// health check configured) once min_uptime elapses with no exit.
func (i *Instance) Start(ctx context.Context) error {
	i.mu.Lock()
	if i.state.IsLive() {
		i.mu.Unlock()
		return nil // already running; start is idempotent for a live descriptor
	}
	i.stopRequested = false
	i.mu.Unlock()

	return i.spawnAndWatch(ctx)
}

func (i *Instance) spawnAndWatch(ctx context.Context) error {
	i.mu.Lock()
	portSpec := types.NoPorts()
	if i.port > 0 {
		portSpec = types.PortSpec{Kind: types.PortKindSingle, Port: i.port}
	} else if i.descriptor.PortSpec.Kind == types.PortKindAuto {
		// Auto ranges are resolved here, one port per instance.
		portSpec = i.descriptor.PortSpec
	}
	i.mu.Unlock()

	ports, err := i.allocator.Reserve(i.descriptor.ID, portSpec, 1)
	if err != nil {
		i.mu.Lock()
		i.state.Status = types.StatusErrored
		i.state.LastError = err.Error()
		i.mu.Unlock()
		i.notify()
		return err
	}

	select {
	case <-ctx.Done():
		// Cancelled before the child was created: release and unwind
		// without ever touching process state.
		i.allocator.Release(ports)
		return ctx.Err()
	default:
	}

	i.mu.Lock()
	i.state.Status = types.StatusStarting
	i.state.AssignedPorts = ports
	i.mu.Unlock()
	i.notify()

	port := 0
	if len(ports) == 1 {
		port = ports[0]
	}

	handle, err := spawner.Spawn(i.descriptor, i.instanceIndex, port)
	if err != nil {
		i.allocator.Release(ports)
		i.mu.Lock()
		i.state.Status = types.StatusErrored
		i.state.LastError = err.Error()
		i.state.AssignedPorts = nil
		i.mu.Unlock()
		i.notify()
		return err
	}

	i.mu.Lock()
	i.handle = handle
	i.state.PID = handle.PID
	i.state.StartedAt = handle.StartedAt
	i.state.HasExited = false
	i.exitSeen = make(chan struct{})
	i.mu.Unlock()

	// Exactly one owner goroutine observes this child's exit.
	go i.watch(handle)

	if i.descriptor.HealthCheck != nil && i.descriptor.HealthCheck.Enabled {
		i.startProber()
	} else {
		go i.markOnlineAfterMinUptime()
	}

	return nil
}

// watch is the sole goroutine responsible for this instance's exit
// (do not duplicate watchers; do not let the monitor also reap
// exits).
func (i *Instance) watch(handle *spawner.Handle) {
	err := handle.Cmd.Wait()
	handle.OutFile.Close()
	handle.ErrFile.Close()

	exitCode := 0
	if err != nil {
		exitCode = exitCodeFromError(err)
	}

	i.onExit(exitCode)
}

// Adopt marks this instance Online against an already-running pid left
// over from a prior supervisor run, instead of spawning a new child:
// exactly one live process must exist per Online descriptor, and that
// process already exists. Health probing resumes as normal; exit
// detection falls to watchAdopted, since the pid is not this process's
// child and Cmd.Wait is unavailable.
func (i *Instance) Adopt(pid int) error {
	i.mu.Lock()
	if i.state.IsLive() {
		i.mu.Unlock()
		return nil
	}
	port := i.port
	i.mu.Unlock()

	portSpec := types.NoPorts()
	if port > 0 {
		portSpec = types.PortSpec{Kind: types.PortKindSingle, Port: port}
	}
	ports, err := i.allocator.Reserve(i.descriptor.ID, portSpec, 1)
	if err != nil {
		// The configured port could not be re-reserved in this run's
		// allocator (e.g. taken by another descriptor started before
		// recovery ran); adopt the live process anyway rather than refuse
		// to reclaim it, and log the gap in port bookkeeping.
		i.logger.Warn().Err(err).Msg("failed to re-reserve adopted descriptor's port")
		ports = nil
	}

	i.mu.Lock()
	i.state.Status = types.StatusOnline
	i.state.PID = pid
	i.state.StartedAt = time.Now()
	i.state.HasExited = false
	i.state.ConsecutiveRestartCount = 0
	i.state.AssignedPorts = ports
	i.exitSeen = make(chan struct{})
	i.mu.Unlock()
	i.notify()

	go i.watchAdopted(pid)

	if i.descriptor.HealthCheck != nil && i.descriptor.HealthCheck.Enabled {
		i.startProber()
	}
	return nil
}

// watchAdopted is watch's counterpart for an adopted instance: it polls
// liveness instead of blocking on Cmd.Wait, since the pid predates this
// supervisor run and is not its child.
func (i *Instance) watchAdopted(pid int) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for range ticker.C {
		i.mu.Lock()
		stillTracking := i.state.PID == pid && i.state.IsLive()
		i.mu.Unlock()
		if !stillTracking {
			return
		}
		if !persistence.ProcessAlive(pid) {
			i.onExit(-1)
			return
		}
	}
}

func (i *Instance) onExit(exitCode int) {
	i.mu.Lock()
	ports := i.state.AssignedPorts
	i.allocator.Release(ports)

	i.state.PID = 0
	i.state.AssignedPorts = nil
	i.state.ExitCode = exitCode
	i.state.HasExited = true
	stopRequested := i.stopRequested
	descriptor := i.descriptor
	exitSeen := i.exitSeen
	i.mu.Unlock()

	if exitSeen != nil {
		close(exitSeen)
	}
	i.stopProber()

	if stopRequested {
		if descriptor.PIDFile != "" {
			_ = os.Remove(descriptor.PIDFile)
		}
		i.mu.Lock()
		i.state.Status = types.StatusStopped
		i.mu.Unlock()
		i.notify()
		return
	}

	if !descriptor.AutoRestart {
		i.mu.Lock()
		i.state.Status = types.StatusErrored
		i.mu.Unlock()
		i.logger.Warn().Int("exit_code", exitCode).Msg("process exited, autorestart disabled")
		i.notify()
		return
	}

	i.crashRestart("crash")
}

// crashRestart applies the restart policy: increment counters, transition
// to Errored if the cap is exceeded, otherwise wait restart_delay and
// respawn.
func (i *Instance) crashRestart(reason string) {
	i.mu.Lock()
	i.state.RestartCount++
	i.state.ConsecutiveRestartCount++
	exceeded := i.state.ConsecutiveRestartCount > i.descriptor.MaxRestarts
	delay := i.descriptor.RestartDelay
	name := i.descriptor.Name
	if exceeded {
		i.state.Status = types.StatusErrored
	} else {
		i.state.Status = types.StatusRestarting
	}
	i.mu.Unlock()

	metrics.RestartsTotal.WithLabelValues(name, reason).Inc()
	i.notify()

	if exceeded {
		i.logger.Warn().Msg("consecutive_restart_count exceeded max_restarts, descriptor is now errored")
		return
	}

	go func() {
		if delay > 0 {
			time.Sleep(delay)
		}
		if err := i.spawnAndWatch(context.Background()); err != nil {
			i.logger.Error().Err(err).Msg("restart respawn failed")
		}
	}()
}

// TriggerRestart is called by the resource monitor (memory threshold) or
// the health prober (unhealthy) to force a restart of an Online instance,
// counted toward restart_count/consecutive_restart_count exactly like a
// crash.
func (i *Instance) TriggerRestart(ctx context.Context, reason string) {
	i.mu.Lock()
	if i.state.Status != types.StatusOnline {
		i.mu.Unlock()
		return
	}
	i.state.Status = types.StatusStopping
	pid := i.state.PID
	killTimeout := i.descriptor.KillTimeout
	i.mu.Unlock()
	i.notify()

	if pid == 0 {
		return
	}
	i.signalAndWaitExit(pid, killTimeout)
	// onExit (invoked by watch() or watchAdopted()) sees stopRequested=false,
	// so it routes through crashRestart and counts this toward the restart
	// policy.
}

func exitCodeFromError(err error) int {
	type exitCoder interface{ ExitCode() int }
	if ec, ok := err.(exitCoder); ok {
		return ec.ExitCode()
	}
	return -1
}

func (i *Instance) markOnlineAfterMinUptime() {
	i.mu.Lock()
	minUptime := i.descriptor.MinUptime
	exitSeen := i.exitSeen
	i.mu.Unlock()

	select {
	case <-time.After(minUptime):
	case <-exitSeen:
		return // exited before reaching min_uptime, no health-free promotion
	}

	i.mu.Lock()
	if i.state.Status == types.StatusStarting {
		i.state.Status = types.StatusOnline
		i.state.ConsecutiveRestartCount = 0
	}
	i.mu.Unlock()
	i.notify()
}

func (i *Instance) startProber() {
	hc := i.descriptor.HealthCheck
	var checker health.Checker
	switch hc.Type {
	case types.CheckHTTP:
		checker = health.NewHTTPChecker(hc.URL, hc.Timeout)
	case types.CheckScript:
		checker = health.NewScriptChecker(hc.Path, i.descriptor.Cwd, hc.Timeout)
	default:
		i.logger.Warn().Str("check_type", string(hc.Type)).Msg("unknown health check type, skipping probes")
		return
	}

	prober := health.NewProber(i.descriptor.Name, checker, hc.Retries, i.onProbeResult)
	i.mu.Lock()
	i.prober = prober
	i.mu.Unlock()
	prober.Start(hc.Interval)
}

func (i *Instance) stopProber() {
	i.mu.Lock()
	prober := i.prober
	i.prober = nil
	i.mu.Unlock()
	if prober != nil {
		prober.Stop()
	}
}

func (i *Instance) onProbeResult(name string, status *health.Status, triggerRestart bool) {
	i.mu.Lock()
	i.state.LastHealth = status.Current
	wasStarting := i.state.Status == types.StatusStarting
	if wasStarting && status.Current == types.HealthHealthy {
		i.state.Status = types.StatusOnline
		i.state.ConsecutiveRestartCount = 0
	}
	i.mu.Unlock()
	i.notify()

	if triggerRestart {
		i.logger.Warn().Str("process", name).Msg("health check failed past retry threshold, restarting")
		i.TriggerRestart(context.Background(), "health")
	}
}

// Stop runs the shutdown protocol: signal, wait up to killTimeout, forced
// kill, release ports, persist Stopped. A Stop on an already-Stopped
// instance is a no-op. Signaling goes by pid rather than the spawner
// handle, since an adopted instance (see Adopt) has a live pid but no
// handle of its own.
func (i *Instance) Stop(killTimeout time.Duration) error {
	i.mu.Lock()
	if i.state.Status == types.StatusStopped {
		i.mu.Unlock()
		return nil
	}
	i.stopRequested = true
	i.state.Status = types.StatusStopping
	pid := i.state.PID
	i.mu.Unlock()
	i.notify()

	if pid == 0 {
		// Never got a pid (still materializing or already gone); nothing
		// to signal, finalize directly.
		i.mu.Lock()
		i.state.Status = types.StatusStopped
		i.mu.Unlock()
		i.notify()
		return nil
	}

	return i.signalAndWaitExit(pid, killTimeout)
}

func (i *Instance) signalAndWaitExit(pid int, killTimeout time.Duration) error {
	i.mu.Lock()
	exitSeen := i.exitSeen
	i.mu.Unlock()
	if exitSeen == nil {
		return nil
	}

	if err := i.term.Signal(pid); err != nil {
		i.logger.Warn().Err(err).Msg("failed to send termination signal, issuing forced kill")
		return i.forceKill(pid, exitSeen)
	}

	if killTimeout <= 0 {
		// kill_timeout = 0 transitions directly to forced kill.
		return i.forceKill(pid, exitSeen)
	}

	select {
	case <-exitSeen:
		return nil
	case <-time.After(killTimeout):
		return i.forceKill(pid, exitSeen)
	}
}

func (i *Instance) forceKill(pid int, exitSeen chan struct{}) error {
	if err := i.term.Kill(pid); err != nil {
		select {
		case <-exitSeen:
			return nil // process had already exited between our check and the kill
		default:
			return perrors.Wrap(perrors.KindLifecycle, i.descriptor.Name, err, "forced kill")
		}
	}
	<-exitSeen
	return nil
}

// Reload runs the graceful-reload protocol: on Unix, SIGUSR2
// then fall back to stop+start if the child has not exited within
// kill_timeout; on Windows, reload is always stop+start. portOverride, if
// non-nil, is applied via OverridePort immediately before whichever
// branch actually respawns the child — a live process reloaded in place
// keeps its original port, since there is no respawn to carry the new
// one.
func (i *Instance) Reload(ctx context.Context, killTimeout time.Duration, portOverride *types.PortSpec) error {
	i.mu.Lock()
	pid := i.state.PID
	i.mu.Unlock()

	if pid == 0 {
		return i.startWithOverride(ctx, portOverride)
	}

	// An exit caused by the reload request is operator-initiated: mark it
	// so onExit finalizes to Stopped instead of also respawning through the
	// restart policy, leaving the respawn below as the only one.
	i.mu.Lock()
	i.stopRequested = true
	i.mu.Unlock()

	if err := i.term.Reload(pid); err != nil {
		// Reload unsupported (Windows) or failed: stop+start.
		if stopErr := i.Stop(killTimeout); stopErr != nil {
			return stopErr
		}
		return i.startWithOverride(ctx, portOverride)
	}

	i.mu.Lock()
	exitSeen := i.exitSeen
	i.mu.Unlock()

	select {
	case <-exitSeen:
		return i.startWithOverride(ctx, portOverride)
	case <-time.After(killTimeout):
		if err := i.Stop(killTimeout); err != nil {
			return err
		}
		return i.startWithOverride(ctx, portOverride)
	}
}

func (i *Instance) startWithOverride(ctx context.Context, portOverride *types.PortSpec) error {
	if portOverride != nil {
		if err := i.OverridePort(*portOverride); err != nil {
			return err
		}
	}
	return i.Start(ctx)
}

// OverridePort swaps this instance's active port reservation to newSpec
// via the allocator's atomic Override, updating the descriptor's
// port_spec and pinned port in place. Unlike rebuilding the Instance,
// this preserves restart_count, consecutive_restart_count, and the
// exit-watcher goroutine, and never detaches a live process from its
// table entry.
func (i *Instance) OverridePort(newSpec types.PortSpec) error {
	i.mu.Lock()
	currentPorts := i.state.AssignedPorts
	descriptorID := i.descriptor.ID
	i.mu.Unlock()

	newPorts, err := i.allocator.Override(descriptorID, currentPorts, newSpec, 1)
	if err != nil {
		return err
	}

	i.mu.Lock()
	i.descriptor.PortSpec = newSpec
	i.port = portFromSpec(newSpec)
	i.state.AssignedPorts = newPorts
	i.mu.Unlock()
	return nil
}

func portFromSpec(spec types.PortSpec) int {
	if spec.Kind == types.PortKindSingle {
		return spec.Port
	}
	return 0
}

func (i *Instance) notify() {
	if i.listener == nil {
		return
	}
	i.listener.OnStateChanged(i.descriptor.ID, i.State())
}

// WaitReady blocks until the instance reaches Online with Healthy (or
// Unknown if no health check is configured), or returns ErrTimeout once
// budget elapses.
func (i *Instance) WaitReady(ctx context.Context, budget time.Duration) error {
	deadline := time.After(budget)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		state := i.State()
		if state.Status == types.StatusOnline && (state.LastHealth == types.HealthHealthy || state.LastHealth == types.HealthUnknown) {
			return nil
		}
		if state.Status == types.StatusErrored {
			return fmt.Errorf("%w: descriptor entered errored state while waiting for readiness", perrors.ErrTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return perrors.New(perrors.KindHealth, i.descriptor.Name, perrors.ErrTimeout)
		case <-ticker.C:
		}
	}
}
