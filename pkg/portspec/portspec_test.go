package portspec

import (
	"testing"

	"github.com/pmdaemon/pmdaemon/pkg/types"
)

func TestParse_Range(t *testing.T) {
	spec, err := Parse("3000-3003")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if spec.Kind != types.PortKindRange || spec.Start != 3000 || spec.End != 3003 {
		t.Errorf("got %+v", spec)
	}
}

func TestParse_Auto(t *testing.T) {
	spec, err := Parse("auto:5000-5100")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if spec.Kind != types.PortKindAuto || spec.Start != 5000 || spec.End != 5100 {
		t.Errorf("got %+v", spec)
	}
}

func TestParse_Single(t *testing.T) {
	spec, err := Parse("3000")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if spec.Kind != types.PortKindSingle || spec.Port != 3000 {
		t.Errorf("got %+v", spec)
	}
}

func TestParse_InvertedRangeRejected(t *testing.T) {
	if _, err := Parse("3003-3000"); err == nil {
		t.Error("expected inverted range to be rejected")
	}
}

func TestParse_Empty(t *testing.T) {
	if _, err := Parse(""); err == nil {
		t.Error("expected empty string to be rejected")
	}
}

func TestValidateForInstances(t *testing.T) {
	spec := types.PortSpec{Kind: types.PortKindRange, Start: 3000, End: 3002}
	if err := ValidateForInstances(spec, 3); err != nil {
		t.Errorf("expected 3 ports to satisfy 3 instances: %v", err)
	}
	if err := ValidateForInstances(spec, 4); err == nil {
		t.Error("expected 3 ports to be insufficient for 4 instances")
	}
}

func TestValidateForInstances_AutoAlsoChecksWidth(t *testing.T) {
	spec := types.PortSpec{Kind: types.PortKindAuto, Start: 5000, End: 5001}
	if err := ValidateForInstances(spec, 2); err != nil {
		t.Errorf("expected 2 ports to satisfy 2 instances: %v", err)
	}
	if err := ValidateForInstances(spec, 50); err == nil {
		t.Error("expected a 2-port auto pool to be insufficient for 50 instances")
	}
}

func TestValidateForInstances_NoneKindIgnored(t *testing.T) {
	spec := types.PortSpec{Kind: types.PortKindNone}
	if err := ValidateForInstances(spec, 50); err != nil {
		t.Errorf("expected a kind with no port pool to skip the width check: %v", err)
	}
}
