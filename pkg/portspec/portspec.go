// Package portspec parses the port-spec string forms accepted by
// ecosystem config files: "3000", "3000-3003", "auto:5000-5100".
// Bare integers are the only form descriptors themselves carry natively
// (types.PortSpec); this package is the string-to-types.PortSpec bridge
// the (external) config-file collaborator uses before calling into the
// core, and is kept here because the core owns the canonical grammar both
// that collaborator and the descriptor validator must agree on.
package portspec

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pmdaemon/pmdaemon/pkg/types"
)

// Parse parses one of the three ecosystem port-spec string forms into a
// types.PortSpec: "3000" gives a Single spec, "3000-3003" a Range, and
// "auto:5000-5100" an Auto range.
func Parse(s string) (types.PortSpec, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.PortSpec{}, fmt.Errorf("portspec: empty string")
	}

	if strings.HasPrefix(s, "auto:") {
		start, end, err := parseRange(strings.TrimPrefix(s, "auto:"))
		if err != nil {
			return types.PortSpec{}, fmt.Errorf("portspec: %q: %w", s, err)
		}
		return types.PortSpec{Kind: types.PortKindAuto, Start: start, End: end}, nil
	}

	if strings.Contains(s, "-") {
		start, end, err := parseRange(s)
		if err != nil {
			return types.PortSpec{}, fmt.Errorf("portspec: %q: %w", s, err)
		}
		return types.PortSpec{Kind: types.PortKindRange, Start: start, End: end}, nil
	}

	port, err := strconv.Atoi(s)
	if err != nil {
		return types.PortSpec{}, fmt.Errorf("portspec: %q: invalid port: %w", s, err)
	}
	return types.PortSpec{Kind: types.PortKindSingle, Port: port}, nil
}

func parseRange(s string) (start, end int, err error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected \"start-end\"")
	}
	start, err = strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid range start: %w", err)
	}
	end, err = strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid range end: %w", err)
	}
	if end < start {
		return 0, 0, fmt.Errorf("range end %d is before start %d", end, start)
	}
	return start, end, nil
}

// ValidateForInstances checks that a Range or Auto pool covers at least
// instances ports: "end - start + 1 >= instances".
func ValidateForInstances(spec types.PortSpec, instances int) error {
	if spec.Kind != types.PortKindRange && spec.Kind != types.PortKindAuto {
		return nil
	}
	if instances < 1 {
		instances = 1
	}
	width := spec.End - spec.Start + 1
	if width < instances {
		return fmt.Errorf("portspec: range %d-%d has %d ports, need >= %d for %d instances", spec.Start, spec.End, width, instances, instances)
	}
	return nil
}
