// Package types defines the process descriptor and runtime state records
// shared by every core component: the allocator, spawner, lifecycle engine,
// health prober, resource monitor, registry, and persistence layer all
// operate on these same structs rather than passing ad hoc parameters.
package types

import (
	"time"

	"github.com/google/uuid"

	"github.com/pmdaemon/pmdaemon/pkg/memsize"
)

// Status is the lifecycle state of a descriptor's current (or most recent)
// instance.
type Status string

const (
	StatusStarting   Status = "starting"
	StatusOnline     Status = "online"
	StatusStopping   Status = "stopping"
	StatusStopped    Status = "stopped"
	StatusErrored    Status = "errored"
	StatusRestarting Status = "restarting"
)

// HealthStatus is the last-known health of a descriptor as seen by the
// health prober.
type HealthStatus string

const (
	HealthUnknown   HealthStatus = "unknown"
	HealthHealthy   HealthStatus = "healthy"
	HealthWarning   HealthStatus = "warning"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// PortKind distinguishes the four port_spec variants a descriptor may
// request. A closed tagged-union is expressed as a Kind discriminant plus
// the fields relevant to that kind, following the same "typed string
// const" idiom the rest of this package uses for other enums, rather than
// an open interface hierarchy with tagged variants preferred over open
// polymorphism.
type PortKind string

const (
	PortKindNone   PortKind = "none"
	PortKindSingle PortKind = "single"
	PortKindRange  PortKind = "range"
	PortKindAuto   PortKind = "auto"
)

// PortSpec is the requested port configuration for a descriptor, before
// allocation. Only the fields relevant to Kind are meaningful.
type PortSpec struct {
	Kind  PortKind
	Port  int // Single
	Start int // Range, Auto
	End   int // Range, Auto
}

// NoPorts is the zero-value PortSpec (Kind: None).
func NoPorts() PortSpec { return PortSpec{Kind: PortKindNone} }

// CheckType is the kind of health check a descriptor may configure.
type CheckType string

const (
	CheckHTTP   CheckType = "http"
	CheckScript CheckType = "script"
)

// HealthCheckConfig configures the per-descriptor health prober.
type HealthCheckConfig struct {
	Enabled  bool
	Type     CheckType
	URL      string // HTTP
	Path     string // Script
	Timeout  time.Duration
	Interval time.Duration
	Retries  int
}

// ProcessDescriptor is the launch configuration for one supervised logical
// process, or (after cluster expansion) one concrete instance of it.
// Persisted fields are exactly those serialized by pkg/persistence.
type ProcessDescriptor struct {
	ID        string
	Name      string
	Namespace string

	Script string
	Args   []string
	Cwd    string
	Env    map[string]string

	Instances int
	PortSpec  PortSpec

	MaxMemoryRestart int64 // bytes; 0 means unset

	AutoRestart  bool
	MaxRestarts  int
	MinUptime    time.Duration
	RestartDelay time.Duration
	KillTimeout  time.Duration

	HealthCheck *HealthCheckConfig

	OutFile string
	ErrFile string
	PIDFile string

	// Watch is accepted during config parsing and carried on the
	// descriptor for display, but is never consulted by the core
	// (not yet implemented... treat as a no-op).
	Watch bool
}

// FormatMaxMemory renders MaxMemoryRestart for info/list display ("512 MB"),
// or "unlimited" when unset.
func (d ProcessDescriptor) FormatMaxMemory() string {
	if d.MaxMemoryRestart == 0 {
		return "unlimited"
	}
	return memsize.Format(d.MaxMemoryRestart)
}

// Defaults for optional descriptor fields.
const (
	DefaultMaxRestarts  = 16
	DefaultMinUptime    = time.Second
	DefaultRestartDelay = 0
	DefaultKillTimeout  = 1600 * time.Millisecond
)

// NewDescriptorID generates a stable opaque identifier for a new
// descriptor.
func NewDescriptorID() string {
	return uuid.New().String()
}

// WithDefaults returns a copy of d with zero-valued optional fields filled
// in per the stated defaults. Name and Script are left as given (they
// are required and validated elsewhere).
func (d ProcessDescriptor) WithDefaults() ProcessDescriptor {
	if d.Namespace == "" {
		d.Namespace = "default"
	}
	if d.Instances == 0 {
		d.Instances = 1
	}
	if d.MaxRestarts == 0 {
		d.MaxRestarts = DefaultMaxRestarts
	}
	if d.MinUptime == 0 {
		d.MinUptime = DefaultMinUptime
	}
	if d.KillTimeout == 0 {
		d.KillTimeout = DefaultKillTimeout
	}
	if d.Env == nil {
		d.Env = map[string]string{}
	}
	return d
}

// InstanceName derives instance k's unique table key from a cluster base
// name ("{base}-{k}").
func InstanceName(base string, k int) string {
	return base + "-" + itoa(k)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// RuntimeState is the mutable, per-descriptor runtime record. Initial
// status is Stopped.
type RuntimeState struct {
	Status Status
	PID    int // valid only while Status in {Starting, Online, Stopping}

	StartedAt time.Time

	RestartCount            int
	ConsecutiveRestartCount int

	LastHealth HealthStatus

	CPUPercent float64
	RSSBytes   int64

	AssignedPorts []int

	// ExitCode is recorded on the most recent exit for display, but is
	// never interpreted for restart policy: any non-operator exit is a
	// crash from the supervisor's point of view.
	ExitCode  int
	HasExited bool

	// LastError records the most recent operational error against this
	// descriptor for display via info/list.
	LastError string
}

// NewRuntimeState returns the zero/initial runtime state: Stopped, unknown
// health, no pid.
func NewRuntimeState() RuntimeState {
	return RuntimeState{
		Status:     StatusStopped,
		LastHealth: HealthUnknown,
	}
}

// Uptime computes uptime on read rather than storing it separately, since
// it is defined as now - StartedAt.
func (r RuntimeState) Uptime(now time.Time) time.Duration {
	switch r.Status {
	case StatusOnline, StatusStarting, StatusStopping:
	default:
		return 0
	}
	if r.StartedAt.IsZero() {
		return 0
	}
	return now.Sub(r.StartedAt)
}

// FormatRSS renders RSSBytes for info/list display ("128 MB").
func (r RuntimeState) FormatRSS() string {
	return memsize.Format(r.RSSBytes)
}

// IsLive reports whether the descriptor currently owns an OS process:
// pid is set iff status is in {Starting, Online, Stopping}.
func (r RuntimeState) IsLive() bool {
	switch r.Status {
	case StatusStarting, StatusOnline, StatusStopping:
		return true
	default:
		return false
	}
}
