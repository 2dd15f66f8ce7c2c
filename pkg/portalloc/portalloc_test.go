package portalloc

import (
	"errors"
	"testing"

	"github.com/pmdaemon/pmdaemon/pkg/perrors"
	"github.com/pmdaemon/pmdaemon/pkg/types"
)

func TestReserve_Range_AssignsAscending(t *testing.T) {
	a := New()
	ports, err := a.Reserve("api", types.PortSpec{Kind: types.PortKindRange, Start: 3000, End: 3003}, 4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []int{3000, 3001, 3002, 3003}
	for i, p := range want {
		if ports[i] != p {
			t.Errorf("port %d: got %d, want %d", i, ports[i], p)
		}
	}
}

func TestReserve_Range_OneInstanceLeavesRestFree(t *testing.T) {
	a := New()
	ports, err := a.Reserve("w", types.PortSpec{Kind: types.PortKindRange, Start: 3000, End: 3003}, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ports) != 1 || ports[0] != 3000 {
		t.Fatalf("expected [3000], got %v", ports)
	}
	if _, err := a.Reserve("other", types.PortSpec{Kind: types.PortKindSingle, Port: 3001}, 1); err != nil {
		t.Errorf("port 3001 should still be free: %v", err)
	}
}

func TestReserve_PortConflict(t *testing.T) {
	a := New()
	if _, err := a.Reserve("a", types.PortSpec{Kind: types.PortKindSingle, Port: 4000}, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := a.Reserve("b", types.PortSpec{Kind: types.PortKindSingle, Port: 4000}, 1)
	if !errors.Is(err, perrors.ErrPortConflict) {
		t.Errorf("expected ErrPortConflict, got %v", err)
	}
}

func TestRelease_Idempotent(t *testing.T) {
	a := New()
	ports, _ := a.Reserve("a", types.PortSpec{Kind: types.PortKindSingle, Port: 4100}, 1)
	a.Release(ports)
	a.Release(ports) // must not panic or error
}

func TestReserve_NonePortsReturnsNil(t *testing.T) {
	a := New()
	ports, err := a.Reserve("a", types.NoPorts(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ports != nil {
		t.Errorf("expected nil ports, got %v", ports)
	}
}
