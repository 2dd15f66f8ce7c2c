// Package portalloc implements the port allocator component:
// a single process-wide authority tracking which TCP ports are currently
// assigned to which descriptor, generalized from a host-port tracker
// shape (a map of owner ID to claimed ports, guarded by a mutex) from
// iptables port-forward rules to plain in-memory reservations.
package portalloc

import (
	"fmt"
	"net"
	"sync"

	"github.com/pmdaemon/pmdaemon/pkg/log"
	"github.com/pmdaemon/pmdaemon/pkg/metrics"
	"github.com/pmdaemon/pmdaemon/pkg/perrors"
	"github.com/pmdaemon/pmdaemon/pkg/types"
	"github.com/rs/zerolog"
)

// Allocator is the single authoritative port assignment map.
type Allocator struct {
	mu       sync.Mutex
	assigned map[int]string // port -> descriptor id
	logger   zerolog.Logger
}

// New creates an empty Allocator.
func New() *Allocator {
	return &Allocator{
		assigned: make(map[int]string),
		logger:   log.WithComponent("portalloc"),
	}
}

// Reserve assigns instanceCount ports for descriptorID per spec, returning
// them in ascending instance order.
func (a *Allocator) Reserve(descriptorID string, spec types.PortSpec, instanceCount int) ([]int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch spec.Kind {
	case types.PortKindNone:
		return nil, nil

	case types.PortKindSingle:
		if instanceCount != 1 {
			return nil, perrors.New(perrors.KindConfig, descriptorID, fmt.Errorf("single port spec requires exactly 1 instance, got %d", instanceCount))
		}
		if owner, taken := a.assigned[spec.Port]; taken && owner != descriptorID {
			return nil, perrors.New(perrors.KindResource, descriptorID, fmt.Errorf("%w: port %d held by %s", perrors.ErrPortConflict, spec.Port, owner))
		}
		a.assign(spec.Port, descriptorID)
		return []int{spec.Port}, nil

	case types.PortKindRange:
		width := spec.End - spec.Start + 1
		if width < instanceCount {
			return nil, perrors.New(perrors.KindConfig, descriptorID, fmt.Errorf("range %d-%d too small for %d instances", spec.Start, spec.End, instanceCount))
		}
		ports := make([]int, 0, instanceCount)
		for p := spec.Start; p < spec.Start+instanceCount; p++ {
			if owner, taken := a.assigned[p]; taken && owner != descriptorID {
				a.releaseLocked(ports)
				return nil, perrors.New(perrors.KindResource, descriptorID, fmt.Errorf("%w: port %d held by %s", perrors.ErrPortConflict, p, owner))
			}
			ports = append(ports, p)
		}
		for _, p := range ports {
			a.assign(p, descriptorID)
		}
		return ports, nil

	case types.PortKindAuto:
		ports := make([]int, 0, instanceCount)
		for p := spec.Start; p <= spec.End && len(ports) < instanceCount; p++ {
			if _, taken := a.assigned[p]; taken {
				continue
			}
			if !bindable(p) {
				continue
			}
			ports = append(ports, p)
		}
		if len(ports) < instanceCount {
			return nil, perrors.New(perrors.KindResource, descriptorID, fmt.Errorf("%w: only %d of %d ports available in %d-%d", perrors.ErrInsufficientPorts, len(ports), instanceCount, spec.Start, spec.End))
		}
		for _, p := range ports {
			a.assign(p, descriptorID)
		}
		return ports, nil

	default:
		return nil, perrors.New(perrors.KindConfig, descriptorID, fmt.Errorf("unknown port spec kind %q", spec.Kind))
	}
}

// Release frees ports. Idempotent: releasing an already-free or unknown
// port is a no-op.
func (a *Allocator) Release(ports []int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.releaseLocked(ports)
}

func (a *Allocator) releaseLocked(ports []int) {
	for _, p := range ports {
		delete(a.assigned, p)
	}
	metrics.PortsAssignedTotal.Set(float64(len(a.assigned)))
}

func (a *Allocator) assign(port int, descriptorID string) {
	a.assigned[port] = descriptorID
	metrics.PortsAssignedTotal.Set(float64(len(a.assigned)))
}

// Override releases descriptorID's current ports and reserves from
// newSpec, without touching the persisted descriptor's port_spec (spec
// §4.1: "used by restart/reload with a temporary port override").
func (a *Allocator) Override(descriptorID string, currentPorts []int, newSpec types.PortSpec, instanceCount int) ([]int, error) {
	a.Release(currentPorts)
	ports, err := a.Reserve(descriptorID, newSpec, instanceCount)
	if err != nil {
		a.logger.Warn().Str("descriptor_id", descriptorID).Err(err).Msg("port override failed")
	}
	return ports, err
}

// bindable performs a best-effort TOCTOU bindability check: bind a TCP
// socket on 127.0.0.1 and immediately close it.
func bindable(port int) bool {
	l, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: port})
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
