// Package portseq turns a port specification into the concrete ordered
// sequence of ports a scan will attempt. It expands ranges, subtracts
// exclusions, deduplicates, and applies the requested ordering. The package
// performs no I/O.
package portseq

import (
	"math/rand"
	"sort"
	"strconv"
	"strings"

	"github.com/okvist/portsweep/internal/errors"
)

const (
	// MinPort and MaxPort bound every valid port value.
	MinPort = 1
	MaxPort = 65535

	expectedRangeParts = 2
)

// Order selects how the final sequence is arranged.
type Order string

const (
	// OrderSerial yields strictly ascending port numbers.
	OrderSerial Order = "serial"
	// OrderRandom yields a uniformly shuffled permutation. The shuffle uses
	// a process-local source and is intentionally not reproducible across
	// runs, so repeated scans do not share a probe signature.
	OrderRandom Order = "random"
)

type specKind int

const (
	kindAll specKind = iota
	kindRange
	kindList
)

// Spec describes which ports to scan and in what order.
type Spec struct {
	kind    specKind
	start   uint16
	end     uint16
	list    []uint16
	Exclude []uint16
	Order   Order
}

// AllPorts returns a specification covering every port, 1 through 65535.
func AllPorts() Spec {
	return Spec{kind: kindAll, start: MinPort, end: MaxPort}
}

// Range returns a specification covering every port in [start, end].
func Range(start, end uint16) Spec {
	return Spec{kind: kindRange, start: start, end: end}
}

// List returns a specification covering exactly the given ports.
// Repeats are tolerated and removed during sequencing.
func List(ports ...uint16) Spec {
	return Spec{kind: kindList, list: ports}
}

// WithExclude returns a copy of the spec with the given exclusion set.
func (s Spec) WithExclude(ports []uint16) Spec {
	s.Exclude = ports
	return s
}

// WithOrder returns a copy of the spec with the given ordering.
func (s Spec) WithOrder(order Order) Spec {
	s.Order = order
	return s
}

// validate checks range bounds and port values before any expansion.
func (s Spec) validate() error {
	switch s.kind {
	case kindRange, kindAll:
		if s.start < MinPort {
			return errors.ErrInvalidSpec("port 0 is not scannable")
		}
		if s.start > s.end {
			return errors.ErrInvalidSpec("range start exceeds range end")
		}
	case kindList:
		for _, p := range s.list {
			if p < MinPort {
				return errors.ErrInvalidSpec("port 0 is not scannable")
			}
		}
	}
	for _, p := range s.Exclude {
		if p < MinPort {
			return errors.ErrInvalidSpec("excluded port 0 is not scannable")
		}
	}
	return nil
}

// Sequence produces the ordered, deduplicated, exclusion-filtered port
// sequence for the spec. The result is produced once per invocation and is
// safe for the caller to iterate repeatedly.
func Sequence(spec Spec) ([]uint16, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}

	excluded := make(map[uint16]struct{}, len(spec.Exclude))
	for _, p := range spec.Exclude {
		excluded[p] = struct{}{}
	}

	var ports []uint16
	switch spec.kind {
	case kindAll, kindRange:
		ports = make([]uint16, 0, int(spec.end)-int(spec.start)+1)
		for p := int(spec.start); p <= int(spec.end); p++ {
			if _, skip := excluded[uint16(p)]; skip {
				continue
			}
			ports = append(ports, uint16(p))
		}
	case kindList:
		seen := make(map[uint16]struct{}, len(spec.list))
		ports = make([]uint16, 0, len(spec.list))
		for _, p := range spec.list {
			if _, skip := excluded[p]; skip {
				continue
			}
			if _, dup := seen[p]; dup {
				continue
			}
			seen[p] = struct{}{}
			ports = append(ports, p)
		}
	}

	switch spec.Order {
	case OrderRandom:
		rand.Shuffle(len(ports), func(i, j int) {
			ports[i], ports[j] = ports[j], ports[i]
		})
	default:
		sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })
	}

	return ports, nil
}

// Parse interprets a user-supplied port expression as a Spec. Supported
// forms are a comma-separated list ("22,80,443"), a single hyphenated range
// ("1-1024"), and the empty string, which means all ports.
func Parse(expr string) (Spec, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return AllPorts(), nil
	}

	if !strings.Contains(expr, ",") && strings.Contains(expr, "-") {
		parts := strings.Split(expr, "-")
		if len(parts) != expectedRangeParts {
			return Spec{}, errors.ErrInvalidSpec("malformed range: " + expr)
		}
		start, err := parsePort(parts[0])
		if err != nil {
			return Spec{}, err
		}
		end, err := parsePort(parts[1])
		if err != nil {
			return Spec{}, err
		}
		return Range(start, end), nil
	}

	ports, err := ParseList(expr)
	if err != nil {
		return Spec{}, err
	}
	return List(ports...), nil
}

// ParseList interprets a comma-separated list of port numbers. Elements may
// be hyphenated ranges, so "9100,135-139" expands to all six ports.
func ParseList(expr string) ([]uint16, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}
	parts := strings.Split(expr, ",")
	ports := make([]uint16, 0, len(parts))
	for _, part := range parts {
		if strings.Contains(part, "-") {
			bounds := strings.Split(part, "-")
			if len(bounds) != expectedRangeParts {
				return nil, errors.ErrInvalidSpec("malformed range: " + part)
			}
			start, err := parsePort(bounds[0])
			if err != nil {
				return nil, err
			}
			end, err := parsePort(bounds[1])
			if err != nil {
				return nil, err
			}
			if start > end {
				return nil, errors.ErrInvalidSpec("range start exceeds range end")
			}
			for p := int(start); p <= int(end); p++ {
				ports = append(ports, uint16(p))
			}
			continue
		}
		p, err := parsePort(part)
		if err != nil {
			return nil, err
		}
		ports = append(ports, p)
	}
	return ports, nil
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, errors.ErrInvalidSpec("not a port number: " + s)
	}
	if n < MinPort || n > MaxPort {
		return 0, errors.ErrInvalidSpec("port out of range [1,65535]: " + s)
	}
	return uint16(n), nil
}
