package scanning

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okvist/portsweep/internal/errors"
	"github.com/okvist/portsweep/internal/logging"
	"github.com/okvist/portsweep/internal/metrics"
)

// descriptorHeadroom is the number of descriptors left free for everything
// that is not a probe socket (stdio, log files, DNS, storage connections).
const descriptorHeadroom = 128

// Engine drives concurrent probes against (target, port) pairs under a
// strict concurrency ceiling. Construct it with NewEngine; the zero value is
// not usable.
type Engine struct {
	config   Config
	limiter  ProbeLimiter
	logger   *logging.Logger
	progress ProgressSink
	state    atomic.Int32

	attempts  atomic.Uint64
	open      atomic.Uint64
	closed    atomic.Uint64
	exhausted atomic.Uint64
	retries   atomic.Uint64
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithProgress injects a progress sink. The engine holds no package-level
// sink; callers that want live updates pass one here.
func WithProgress(sink ProgressSink) Option {
	return func(e *Engine) {
		if sink != nil {
			e.progress = sink
		}
	}
}

// WithLogger replaces the default logger.
func WithLogger(logger *logging.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEngine validates the configuration and builds an engine. On unix the
// batch size is clamped so that probe sockets stay below the process
// descriptor limit.
func NewEngine(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.WrapScanError(errors.CodeValidation, "invalid scan configuration", err)
	}

	e := &Engine{
		config:   cfg,
		logger:   logging.Default().WithComponent("scanner"),
		progress: NopSink{},
	}
	for _, opt := range opts {
		opt(e)
	}

	e.config.BatchSize = e.clampBatchSize(e.config.BatchSize)
	e.limiter = NewFixedProbeLimiter(e.config.BatchSize)

	return e, nil
}

// BatchSize returns the effective batch size after descriptor clamping.
func (e *Engine) BatchSize() int {
	return e.config.BatchSize
}

// State returns the lifecycle state of the most recent run.
func (e *Engine) State() RunState {
	return RunState(e.state.Load())
}

// clampBatchSize lowers the requested batch size when it would exceed the
// soft file-descriptor limit.
func (e *Engine) clampBatchSize(requested int) int {
	limit, ok := descriptorLimit()
	if !ok {
		return requested
	}
	ceiling := int(limit) - descriptorHeadroom
	if ceiling < 1 {
		ceiling = 1
	}
	if requested > ceiling {
		e.logger.Warn("batch size exceeds file descriptor limit, clamping",
			"requested", requested,
			"descriptor_limit", limit,
			"effective", ceiling)
		return ceiling
	}
	return requested
}

// Run probes every (target, port) pair exactly once, modulo retries, and
// returns the open endpoints grouped per target in ascending port order.
// Targets form the outer dimension of the work set so results group per
// host as they complete.
//
// Cancelling ctx stops the run at the next batch boundary; the partial
// result accumulated so far is returned without error.
func (e *Engine) Run(ctx context.Context, targets []net.IP, ports []uint16) (*Result, error) {
	if len(targets) == 0 {
		return nil, errors.ErrNoTargets()
	}

	// An engine carries per-run counters and is single-use.
	if !e.state.CompareAndSwap(int32(StateNotStarted), int32(StateRunning)) {
		return nil, errors.NewScanError(errors.CodeValidation, "engine has already run")
	}
	defer e.state.Store(int32(StateCompleted))

	result := NewResult(targets)
	runLog := e.logger.WithRunID(result.RunID.String())

	m := metrics.GetGlobalMetrics()
	scanStart := time.Now()
	status := "success"
	defer func() {
		m.RecordScanDuration(string(e.config.Transport), time.Since(scanStart))
		m.IncrementScansTotal(string(e.config.Transport), status)
	}()

	total := len(targets) * len(ports)
	runLog.Info("starting scan run",
		"transport", e.config.Transport,
		"targets", len(targets),
		"ports", len(ports),
		"work_units", total,
		"batch_size", e.config.BatchSize,
		"timeout", e.config.Timeout,
		"retries", e.config.Retries)

	if total == 0 {
		// Every port excluded upstream: the run completes immediately with
		// an empty result, not an error.
		result.Complete()
		return result, nil
	}

	batchSize := e.config.BatchSize
	totalBatches := (total + batchSize - 1) / batchSize
	attempted := 0

	for offset, batchNum := 0, 0; offset < total; offset += batchSize {
		if err := ctx.Err(); err != nil {
			status = "canceled"
			runLog.Info("scan run canceled, returning partial result",
				"batches_settled", batchNum,
				"batches_total", totalBatches)
			break
		}

		end := min(offset+batchSize, total)
		batchNum++

		var wg sync.WaitGroup
		for i := offset; i < end; i++ {
			target := targets[i/len(ports)]
			port := ports[i%len(ports)]
			wg.Add(1)
			go func() {
				defer wg.Done()
				e.runAttempt(ctx, result, target, port)
			}()
		}
		wg.Wait()

		attempted += end - offset
		m.IncrementBatches()
		e.progress.BatchSettled(batchNum, totalBatches, attempted)
	}

	e.collectDiagnostics(result)
	result.Complete()
	m.IncrementOpenPorts(string(e.config.Transport), result.TotalOpen())

	runLog.Info("scan run completed",
		"duration", result.Duration,
		"open_ports", result.TotalOpen(),
		"attempts", result.Diagnostics.Attempts,
		"resource_exhausted", result.Diagnostics.ResourceExhausted,
		"status", status)

	return result, nil
}

// runAttempt drives one (target, port) work unit through its full retry
// budget and records the settled outcome. Failures never propagate; a stuck
// probe can only occupy its own slot until its timeout elapses.
func (e *Engine) runAttempt(ctx context.Context, result *Result, target net.IP, port uint16) {
	addr := net.JoinHostPort(target.String(), strconv.Itoa(int(port)))

	m := metrics.GetGlobalMetrics()

	if err := e.limiter.Acquire(ctx, addr); err != nil {
		// Run canceled while this batch was being dispatched; the unit is
		// abandoned without opening a socket.
		return
	}
	m.SetActiveProbes(e.limiter.ActiveProbes())
	defer func() {
		e.limiter.Release(addr)
		m.SetActiveProbes(e.limiter.ActiveProbes())
	}()

	outcome := OutcomeClosedOrFiltered
	for attempt := 0; attempt <= e.config.Retries; attempt++ {
		e.attempts.Add(1)

		// Probes run on a detached context so run-level cancellation acts
		// at batch boundaries only; the attempt is bounded by its own
		// timeout either way.
		probeCtx, cancel := context.WithTimeout(context.Background(), e.config.Timeout)
		settled := probe(probeCtx, e.config.Transport, addr, e.config.Timeout)
		cancel()

		if settled != outcomeTimeout {
			outcome = settled
			break
		}
		if attempt < e.config.Retries {
			e.retries.Add(1)
		}
		// Timeouts that exhaust the retry budget fold into closed-or-filtered.
	}

	m.IncrementProbes(string(e.config.Transport), outcome.String())

	switch outcome {
	case OutcomeOpen:
		e.open.Add(1)
		result.recordOpen(target, port)
		e.progress.PortOpen(target, port)
		e.logger.Debug("open endpoint", "target", target.String(), "port", port)
	case OutcomeResourceExhausted:
		e.exhausted.Add(1)
		e.logger.Warn("probe hit local resource limits, not retrying",
			"target", target.String(),
			"port", port)
	default:
		e.closed.Add(1)
	}
}

// collectDiagnostics copies the engine's attempt counters into the result.
func (e *Engine) collectDiagnostics(result *Result) {
	result.Diagnostics = Diagnostics{
		Attempts:          e.attempts.Load(),
		Open:              e.open.Load(),
		ClosedOrFiltered:  e.closed.Load(),
		ResourceExhausted: e.exhausted.Load(),
		Retries:           e.retries.Load(),
	}
}
