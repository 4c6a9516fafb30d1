package scanning

import (
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Transport selects the probe transport.
type Transport string

const (
	TransportTCP Transport = "tcp"
	TransportUDP Transport = "udp"
)

// ScanError represents error types for scan operations.
type ScanError struct {
	Op   string // Operation that failed
	Err  error  // Original error
	Host string // Host where the error occurred, if applicable
	Port uint16 // Port where the error occurred, if applicable
}

func (e *ScanError) Error() string {
	if e.Host != "" && e.Port > 0 {
		return fmt.Sprintf("%s failed for %s:%d: %v", e.Op, e.Host, e.Port, e.Err)
	}
	if e.Host != "" {
		return fmt.Sprintf("%s failed for %s: %v", e.Op, e.Host, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *ScanError) Unwrap() error {
	return e.Err
}

// Config represents the configuration for a scan run. It is supplied by the
// caller and never mutated by the engine.
type Config struct {
	// BatchSize is the maximum number of probes in flight at any moment.
	BatchSize int
	// Timeout bounds every individual connection attempt.
	Timeout time.Duration
	// Retries is the number of additional attempts after a timeout.
	Retries int
	// Transport selects TCP connect probing or UDP datagram probing.
	Transport Transport
}

// Validate checks that the scan configuration is usable.
func (c *Config) Validate() error {
	if c.BatchSize < 1 {
		return &ScanError{Op: "validate config", Err: fmt.Errorf("batch size must be at least 1, got %d", c.BatchSize)}
	}
	if c.Timeout <= 0 {
		return &ScanError{Op: "validate config", Err: fmt.Errorf("timeout must be positive, got %v", c.Timeout)}
	}
	if c.Retries < 0 {
		return &ScanError{Op: "validate config", Err: fmt.Errorf("retries must not be negative, got %d", c.Retries)}
	}
	switch c.Transport {
	case TransportTCP, TransportUDP:
	case "":
		return &ScanError{Op: "validate config", Err: fmt.Errorf("transport not set")}
	default:
		return &ScanError{Op: "validate config", Err: fmt.Errorf("invalid transport: %s", c.Transport)}
	}
	return nil
}

// Outcome classifies a single settled attempt.
type Outcome int

const (
	// OutcomeOpen means the endpoint responded.
	OutcomeOpen Outcome = iota
	// OutcomeClosedOrFiltered means the endpoint refused, reset, or stayed
	// silent through the whole retry budget.
	OutcomeClosedOrFiltered
	// OutcomeResourceExhausted means a local socket or descriptor could not
	// be allocated. Never retried.
	OutcomeResourceExhausted
	// outcomeTimeout is the internal pre-retry classification.
	outcomeTimeout
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOpen:
		return "open"
	case OutcomeClosedOrFiltered:
		return "closed_or_filtered"
	case OutcomeResourceExhausted:
		return "resource_exhausted"
	case outcomeTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// RunState tracks the lifecycle of a single run.
type RunState int32

const (
	StateNotStarted RunState = iota
	StateRunning
	StateCompleted
)

// Diagnostics holds aggregate attempt counters for operator guidance.
// They are not part of the open-port result itself.
type Diagnostics struct {
	// Attempts is the total number of probes dispatched, retries included.
	Attempts uint64
	// Open counts attempts classified open.
	Open uint64
	// ClosedOrFiltered counts endpoints that refused or stayed silent.
	ClosedOrFiltered uint64
	// ResourceExhausted counts local socket allocation failures. A non-zero
	// value usually means the batch size exceeds the host's descriptor limit.
	ResourceExhausted uint64
	// Retries counts re-attempts after timeouts.
	Retries uint64
}

// HostResult holds the open ports found on one target, ascending.
type HostResult struct {
	Address   net.IP
	OpenPorts []uint16
}

// Result is the aggregate outcome of a run. Open ports accumulate during the
// run and the result is immutable once Complete has been called.
type Result struct {
	// RunID identifies this run in logs and stored history.
	RunID uuid.UUID
	// StartTime is when the run started.
	StartTime time.Time
	// EndTime is when the run completed.
	EndTime time.Time
	// Duration is how long the run took.
	Duration time.Duration
	// Diagnostics holds aggregate attempt counters.
	Diagnostics Diagnostics

	mu      sync.Mutex
	targets []net.IP
	open    map[string][]uint16
}

// NewResult creates an empty result for the given targets with the current
// time as start time.
func NewResult(targets []net.IP) *Result {
	return &Result{
		RunID:     uuid.New(),
		StartTime: time.Now(),
		targets:   targets,
		open:      make(map[string][]uint16, len(targets)),
	}
}

// recordOpen appends an open endpoint. Safe for concurrent use; insertion
// order is irrelevant because Complete canonicalizes.
func (r *Result) recordOpen(target net.IP, port uint16) {
	r.mu.Lock()
	key := target.String()
	r.open[key] = append(r.open[key], port)
	r.mu.Unlock()
}

// Complete marks the run as finished and canonicalizes the accumulated open
// ports into ascending order per target.
func (r *Result) Complete() {
	r.EndTime = time.Now()
	r.Duration = r.EndTime.Sub(r.StartTime)

	r.mu.Lock()
	for _, ports := range r.open {
		sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })
	}
	r.mu.Unlock()
}

// Hosts returns per-target results in the original target order, targets
// with no open ports omitted. Each port list is ascending.
func (r *Result) Hosts() []HostResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	hosts := make([]HostResult, 0, len(r.open))
	for _, t := range r.targets {
		ports, ok := r.open[t.String()]
		if !ok || len(ports) == 0 {
			continue
		}
		out := make([]uint16, len(ports))
		copy(out, ports)
		hosts = append(hosts, HostResult{Address: t, OpenPorts: out})
	}
	return hosts
}

// OpenPorts returns the ascending open-port list for one target, or nil.
func (r *Result) OpenPorts(target net.IP) []uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()

	ports, ok := r.open[target.String()]
	if !ok {
		return nil
	}
	out := make([]uint16, len(ports))
	copy(out, ports)
	return out
}

// TargetCount returns how many targets the run covered.
func (r *Result) TargetCount() int {
	return len(r.targets)
}

// TotalOpen returns the number of open endpoints found across all targets.
func (r *Result) TotalOpen() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	total := 0
	for _, ports := range r.open {
		total += len(ports)
	}
	return total
}
