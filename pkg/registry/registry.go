// Package registry is the central coordinator: the single
// process table, the only writer of any one descriptor's state, and the
// component every external collaborator (CLI, HTTP API, cmd/pmdaemond)
// talks to. It wires pkg/lifecycle, pkg/portalloc, pkg/persistence,
// pkg/monitor and pkg/events together behind one facade, the way a
// cluster manager wires its scheduler, reconciler, and storage layers
// behind a single entry point.
package registry

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pmdaemon/pmdaemon/pkg/config"
	"github.com/pmdaemon/pmdaemon/pkg/events"
	"github.com/pmdaemon/pmdaemon/pkg/lifecycle"
	"github.com/pmdaemon/pmdaemon/pkg/log"
	"github.com/pmdaemon/pmdaemon/pkg/metrics"
	"github.com/pmdaemon/pmdaemon/pkg/monitor"
	"github.com/pmdaemon/pmdaemon/pkg/perrors"
	"github.com/pmdaemon/pmdaemon/pkg/persistence"
	"github.com/pmdaemon/pmdaemon/pkg/portalloc"
	"github.com/pmdaemon/pmdaemon/pkg/portspec"
	"github.com/pmdaemon/pmdaemon/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// entry is one row of the process table: a descriptor plus the instance
// engine running it, guarded by its own mutex so operations on different
// descriptors never block each other.
type entry struct {
	mu         sync.Mutex
	descriptor types.ProcessDescriptor
	instance   *lifecycle.Instance
}

// Info is the read-only snapshot returned by list/info.
type Info struct {
	Descriptor types.ProcessDescriptor
	State      types.RuntimeState
	Uptime     time.Duration
}

// MemorySummary renders the current RSS against the configured restart
// ceiling ("128 MB / 512 MB") for list/info display.
func (i Info) MemorySummary() string {
	return i.State.FormatRSS() + " / " + i.Descriptor.FormatMaxMemory()
}

// StartOptions configures one start() call.
type StartOptions struct {
	WaitReady    bool
	ReadyTimeout time.Duration
}

// Registry is the single process table.
type Registry struct {
	tableMu sync.RWMutex
	byID    map[string]*entry
	nameID  map[string]string

	allocator *portalloc.Allocator
	store     *persistence.Store
	broker    *events.Broker
	cfg       config.Config
	logger    zerolog.Logger

	shuttingDown bool
	shutdownMu   sync.RWMutex
}

// New builds an empty Registry. It does not load descriptors persisted by
// a prior run; those are re-registered one by one through Adopt or Start.
func New(cfg config.Config, broker *events.Broker) *Registry {
	return &Registry{
		byID:      map[string]*entry{},
		nameID:    map[string]string{},
		allocator: portalloc.New(),
		store:     persistence.New(cfg.ProcessesDir()),
		broker:    broker,
		cfg:       cfg,
		logger:    log.WithComponent("registry"),
	}
}

// Start validates, materializes cluster instances, persists, and spawns a
// new descriptor.
func (r *Registry) Start(ctx context.Context, descriptor types.ProcessDescriptor, opts StartOptions) ([]string, error) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDurationVec(metrics.RegistryOperationDuration, "start")
	}()

	if r.isShuttingDown() {
		err := perrors.New(perrors.KindLifecycle, descriptor.Name, fmt.Errorf("registry is shutting down, refusing new start"))
		metrics.RegistryOperationsTotal.WithLabelValues("start", "rejected").Inc()
		return nil, err
	}

	descriptor = descriptor.WithDefaults()
	if err := r.validate(descriptor); err != nil {
		metrics.RegistryOperationsTotal.WithLabelValues("start", "invalid").Inc()
		return nil, err
	}

	instances := descriptor.Instances
	if instances < 1 {
		instances = 1
	}

	ids := make([]string, 0, instances)
	for k := 0; k < instances; k++ {
		d := descriptor
		d.ID = types.NewDescriptorID()
		if instances > 1 {
			d.Name = types.InstanceName(descriptor.Name, k)
		}
		d.Instances = 1
		d = r.applyFileDefaults(d)

		if err := r.registerAndSpawn(ctx, d, k, opts); err != nil {
			metrics.RegistryOperationsTotal.WithLabelValues("start", "error").Inc()
			return ids, err
		}
		ids = append(ids, d.ID)
	}

	metrics.RegistryOperationsTotal.WithLabelValues("start", "ok").Inc()
	return ids, nil
}

func (r *Registry) registerAndSpawn(ctx context.Context, d types.ProcessDescriptor, instanceIndex int, opts StartOptions) error {
	r.tableMu.Lock()
	if _, exists := r.nameID[d.Name]; exists {
		r.tableMu.Unlock()
		return perrors.New(perrors.KindConfig, d.Name, perrors.ErrDuplicateName)
	}

	port := 0
	if d.PortSpec.Kind == types.PortKindSingle {
		port = d.PortSpec.Port
	} else if d.PortSpec.Kind == types.PortKindRange {
		port = d.PortSpec.Start + instanceIndex
	}
	// Auto-kind ports are resolved by the instance's own Reserve call at
	// spawn time; Single/Range are pinned here so each
	// materialized instance gets a distinct port deterministically.

	e := &entry{descriptor: d}
	e.instance = lifecycle.NewInstance(d, instanceIndex, port, r.allocator, r)
	r.byID[d.ID] = e
	r.nameID[d.Name] = d.ID
	r.tableMu.Unlock()

	r.persist(e)

	if err := e.instance.Start(ctx); err != nil {
		return perrors.Wrap(perrors.KindSpawn, d.Name, err, "start")
	}

	if opts.WaitReady {
		budget := opts.ReadyTimeout
		if budget <= 0 {
			budget = 10 * time.Second
		}
		if err := e.instance.WaitReady(ctx, budget); err != nil {
			return err
		}
	}
	return nil
}

// Adopt reattaches a descriptor to an already-running pid left over from a
// prior supervisor run, instead of registering and spawning a fresh one:
// the table gains an entry and an Instance exactly as registerAndSpawn
// builds one, but the Instance is told to adopt pid rather than to Start.
func (r *Registry) Adopt(ctx context.Context, d types.ProcessDescriptor, pid int) error {
	d = d.WithDefaults()
	if err := r.validate(d); err != nil {
		return err
	}
	d = r.applyFileDefaults(d)

	r.tableMu.Lock()
	if _, exists := r.nameID[d.Name]; exists {
		r.tableMu.Unlock()
		return perrors.New(perrors.KindConfig, d.Name, perrors.ErrDuplicateName)
	}

	port := 0
	if d.PortSpec.Kind == types.PortKindSingle {
		port = d.PortSpec.Port
	} else if d.PortSpec.Kind == types.PortKindRange {
		port = d.PortSpec.Start
	}

	e := &entry{descriptor: d}
	e.instance = lifecycle.NewInstance(d, 0, port, r.allocator, r)
	r.byID[d.ID] = e
	r.nameID[d.Name] = d.ID
	r.tableMu.Unlock()

	if err := e.instance.Adopt(pid); err != nil {
		return perrors.Wrap(perrors.KindSpawn, d.Name, err, "adopt")
	}

	r.persist(e)
	r.publish(events.EventProcessStarted, d.Name, "adopted running process from a prior supervisor run")
	return nil
}

// applyFileDefaults fills out_file/error_file/pid_file under the
// supervisor home directory when the descriptor leaves them unset, so a
// descriptor started without explicit paths still gets durable logs and a
// pid_file. A pid_file is what makes this descriptor adoptable by
// Reconcile on the next supervisor restart.
func (r *Registry) applyFileDefaults(d types.ProcessDescriptor) types.ProcessDescriptor {
	base := sanitizeName(d.Name)
	if d.OutFile == "" {
		d.OutFile = filepath.Join(r.cfg.LogsDir(), base+"-out.log")
	}
	if d.ErrFile == "" {
		d.ErrFile = filepath.Join(r.cfg.LogsDir(), base+"-error.log")
	}
	if d.PIDFile == "" {
		d.PIDFile = filepath.Join(r.cfg.PIDsDir(), base+".pid")
	}
	return d
}

// sanitizeName defends a generated filename against a descriptor name
// containing a path separator, mirroring pkg/persistence's record-file
// naming so the two stay consistent.
func sanitizeName(name string) string {
	return strings.NewReplacer("/", "_", string(filepath.Separator), "_").Replace(name)
}

func (r *Registry) validate(d types.ProcessDescriptor) error {
	if d.Name == "" {
		return perrors.New(perrors.KindConfig, d.Name, fmt.Errorf("%w: name is required", perrors.ErrInvalidConfig))
	}
	if d.Script == "" {
		return perrors.New(perrors.KindConfig, d.Name, fmt.Errorf("%w: script is required", perrors.ErrInvalidConfig))
	}
	if d.MaxMemoryRestart < 0 {
		return perrors.New(perrors.KindConfig, d.Name, fmt.Errorf("%w: max_memory_restart must not be negative", perrors.ErrInvalidConfig))
	}
	if err := portspec.ValidateForInstances(d.PortSpec, d.Instances); err != nil {
		return perrors.New(perrors.KindConfig, d.Name, fmt.Errorf("%w: %v", perrors.ErrInvalidConfig, err))
	}
	return nil
}

// Stop stops one or more descriptors: identifier may be a descriptor name,
// id, a status value, or "all".
func (r *Registry) Stop(identifier string) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.RegistryOperationDuration, "stop")

	targets := r.resolve(identifier)
	if len(targets) == 0 {
		metrics.RegistryOperationsTotal.WithLabelValues("stop", "not_found").Inc()
		return perrors.New(perrors.KindNotFound, identifier, perrors.ErrNotFound)
	}

	g := new(errgroup.Group)
	for _, e := range targets {
		e := e
		g.Go(func() error {
			e.mu.Lock()
			defer e.mu.Unlock()
			return e.instance.Stop(e.descriptor.KillTimeout)
		})
	}
	err := g.Wait()
	if err != nil {
		metrics.RegistryOperationsTotal.WithLabelValues("stop", "error").Inc()
	} else {
		metrics.RegistryOperationsTotal.WithLabelValues("stop", "ok").Inc()
	}
	return err
}

// Restart stops then starts a descriptor, reusing the
// persisted descriptor with an optional non-persisted port override.
func (r *Registry) Restart(ctx context.Context, identifier string, portOverride *types.PortSpec) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.RegistryOperationDuration, "restart")

	e, ok := r.find(identifier)
	if !ok {
		metrics.RegistryOperationsTotal.WithLabelValues("restart", "not_found").Inc()
		return perrors.New(perrors.KindNotFound, identifier, perrors.ErrNotFound)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.instance.Stop(e.descriptor.KillTimeout); err != nil {
		metrics.RegistryOperationsTotal.WithLabelValues("restart", "error").Inc()
		return err
	}

	if portOverride != nil {
		if err := e.instance.OverridePort(*portOverride); err != nil {
			metrics.RegistryOperationsTotal.WithLabelValues("restart", "error").Inc()
			return err
		}
	}

	if err := e.instance.Start(ctx); err != nil {
		metrics.RegistryOperationsTotal.WithLabelValues("restart", "error").Inc()
		return err
	}
	metrics.RegistryOperationsTotal.WithLabelValues("restart", "ok").Inc()
	return nil
}

// Reload is like Restart but goes through the graceful
// reload protocol.
func (r *Registry) Reload(ctx context.Context, identifier string, portOverride *types.PortSpec) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.RegistryOperationDuration, "reload")

	e, ok := r.find(identifier)
	if !ok {
		metrics.RegistryOperationsTotal.WithLabelValues("reload", "not_found").Inc()
		return perrors.New(perrors.KindNotFound, identifier, perrors.ErrNotFound)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// portOverride, if set, is not persisted here: it is not written to
	// e.descriptor, so a subsequent plain restart/reload without an
	// override reverts to the stored port_spec. It is applied by
	// Instance.Reload itself, immediately before whichever branch of the
	// reload protocol actually respawns the child.
	if err := e.instance.Reload(ctx, e.descriptor.KillTimeout, portOverride); err != nil {
		metrics.RegistryOperationsTotal.WithLabelValues("reload", "error").Inc()
		return err
	}
	metrics.RegistryOperationsTotal.WithLabelValues("reload", "ok").Inc()
	return nil
}

// Delete stops a descriptor if running (continuing on
// stop failure, with a warning), remove from the table, unlink the
// persisted file. Bulk forms require force=true.
func (r *Registry) Delete(identifier string, force bool) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.RegistryOperationDuration, "delete")

	isBulk := identifier == "all" || isStatusValue(identifier)
	if isBulk && !force {
		metrics.RegistryOperationsTotal.WithLabelValues("delete", "confirmation_required").Inc()
		return perrors.New(perrors.KindConfirmationRequired, identifier, perrors.ErrConfirmationRequired)
	}

	targets := r.resolve(identifier)
	if len(targets) == 0 {
		metrics.RegistryOperationsTotal.WithLabelValues("delete", "not_found").Inc()
		return perrors.New(perrors.KindNotFound, identifier, perrors.ErrNotFound)
	}

	for _, e := range targets {
		e.mu.Lock()
		if err := e.instance.Stop(e.descriptor.KillTimeout); err != nil {
			r.logger.Warn().Str("process", e.descriptor.Name).Err(err).Msg("stop failed during delete, removing anyway")
		}
		name := e.descriptor.Name
		id := e.descriptor.ID
		e.mu.Unlock()

		r.tableMu.Lock()
		delete(r.byID, id)
		delete(r.nameID, name)
		r.tableMu.Unlock()

		if err := r.store.Delete(name); err != nil {
			r.logger.Warn().Str("process", name).Err(err).Msg("failed to unlink descriptor record")
		}
		r.publish(events.EventProcessDeleted, name, "descriptor deleted")
	}

	metrics.RegistryOperationsTotal.WithLabelValues("delete", "ok").Inc()
	return nil
}

// List returns a snapshot of every descriptor.
func (r *Registry) List() []Info {
	r.tableMu.RLock()
	defer r.tableMu.RUnlock()

	infos := make([]Info, 0, len(r.byID))
	now := time.Now()
	for _, e := range r.byID {
		e.mu.Lock()
		state := e.instance.State()
		infos = append(infos, Info{Descriptor: e.descriptor, State: state, Uptime: state.Uptime(now)})
		e.mu.Unlock()
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Descriptor.Name < infos[j].Descriptor.Name })
	return infos
}

// Info returns a snapshot of a single descriptor.
func (r *Registry) Info(identifier string) (Info, bool) {
	e, ok := r.find(identifier)
	if !ok {
		return Info{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	state := e.instance.State()
	return Info{Descriptor: e.descriptor, State: state, Uptime: state.Uptime(time.Now())}, true
}

// find resolves identifier against name then id.
func (r *Registry) find(identifier string) (*entry, bool) {
	r.tableMu.RLock()
	defer r.tableMu.RUnlock()
	if id, ok := r.nameID[identifier]; ok {
		return r.byID[id], true
	}
	if e, ok := r.byID[identifier]; ok {
		return e, true
	}
	return nil, false
}

// resolve expands identifier into the set of entries it addresses: a
// single name/id, a status value, or "all".
func (r *Registry) resolve(identifier string) []*entry {
	if identifier == "all" {
		r.tableMu.RLock()
		defer r.tableMu.RUnlock()
		out := make([]*entry, 0, len(r.byID))
		for _, e := range r.byID {
			out = append(out, e)
		}
		return out
	}
	if isStatusValue(identifier) {
		r.tableMu.RLock()
		defer r.tableMu.RUnlock()
		var out []*entry
		for _, e := range r.byID {
			e.mu.Lock()
			match := string(e.instance.State().Status) == identifier
			e.mu.Unlock()
			if match {
				out = append(out, e)
			}
		}
		return out
	}
	if e, ok := r.find(identifier); ok {
		return []*entry{e}
	}
	return nil
}

func isStatusValue(s string) bool {
	switch types.Status(s) {
	case types.StatusStarting, types.StatusOnline, types.StatusStopping, types.StatusStopped, types.StatusErrored, types.StatusRestarting:
		return true
	default:
		return false
	}
}

// OnStateChanged implements lifecycle.Listener: every transition is
// persisted (write-through) and published as an event.
func (r *Registry) OnStateChanged(descriptorID string, state types.RuntimeState) {
	r.tableMu.RLock()
	e, ok := r.byID[descriptorID]
	r.tableMu.RUnlock()
	if !ok {
		return
	}

	// e.mu is not taken here: Stop/Restart/Reload/Delete hold it while the
	// instance reports its transitions, and e.descriptor is never
	// reassigned after the entry is created.
	name := e.descriptor.Name
	r.persist(e)
	statusGauge(name, state.Status)

	r.publish(eventTypeFor(state.Status), name, fmt.Sprintf("status changed to %s", state.Status))
}

func eventTypeFor(status types.Status) events.EventType {
	switch status {
	case types.StatusOnline:
		return events.EventProcessOnline
	case types.StatusStopped:
		return events.EventProcessStopped
	case types.StatusErrored:
		return events.EventProcessErrored
	case types.StatusRestarting:
		return events.EventProcessRestarted
	case types.StatusStarting:
		return events.EventProcessStarted
	default:
		return events.EventProcessStarted
	}
}

func statusGauge(name string, status types.Status) {
	_ = name // per-status totals are aggregated across all descriptors, not per name
	for _, s := range []types.Status{types.StatusStarting, types.StatusOnline, types.StatusStopping, types.StatusStopped, types.StatusErrored, types.StatusRestarting} {
		if s == status {
			metrics.ProcessesTotal.WithLabelValues(string(s)).Inc()
		}
	}
}

func (r *Registry) persist(e *entry) {
	rec := persistence.Record{
		Descriptor:              e.descriptor,
		RestartCount:            e.instance.State().RestartCount,
		ConsecutiveRestartCount: e.instance.State().ConsecutiveRestartCount,
		AssignedPorts:           e.instance.State().AssignedPorts,
	}
	if err := r.store.Save(rec); err != nil {
		r.logger.Warn().Str("process", e.descriptor.Name).Err(err).Msg("failed to persist descriptor record")
	}
}

func (r *Registry) publish(eventType events.EventType, name, message string) {
	if r.broker == nil {
		return
	}
	r.broker.Publish(&events.Event{Type: eventType, Message: message, Metadata: map[string]string{"process": name}})
}

func (r *Registry) isShuttingDown() bool {
	r.shutdownMu.RLock()
	defer r.shutdownMu.RUnlock()
	return r.shuttingDown
}

// BeginShutdown marks the registry as shutting down: it refuses new
// start/restart/reload operations from this point.
func (r *Registry) BeginShutdown() {
	r.shutdownMu.Lock()
	r.shuttingDown = true
	r.shutdownMu.Unlock()
}

// LiveTargets implements monitor.Source.
func (r *Registry) LiveTargets() []monitor.Target {
	r.tableMu.RLock()
	defer r.tableMu.RUnlock()

	targets := make([]monitor.Target, 0, len(r.byID))
	for _, e := range r.byID {
		e.mu.Lock()
		state := e.instance.State()
		if state.IsLive() && state.PID > 0 {
			targets = append(targets, monitor.Target{Name: e.descriptor.Name, PID: state.PID, MaxMemoryRestart: e.descriptor.MaxMemoryRestart})
		}
		e.mu.Unlock()
	}
	return targets
}

// ObserveSample implements monitor.Sink.
func (r *Registry) ObserveSample(sample monitor.Sample) {
	e, ok := r.find(sample.Name)
	if !ok {
		return
	}
	e.instance.SetResourceSample(sample.CPUPercent, sample.RSSBytes)
	metrics.ProcessUptimeSeconds.WithLabelValues(sample.Name).Set(e.instance.State().Uptime(time.Now()).Seconds())
}

// OnMemoryThresholdExceeded implements monitor.Sink.
func (r *Registry) OnMemoryThresholdExceeded(name string) {
	e, ok := r.find(name)
	if !ok {
		return
	}
	e.instance.TriggerRestart(context.Background(), "memory")
}

