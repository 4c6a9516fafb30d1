package scanning

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pserrors "github.com/okvist/portsweep/internal/errors"
	"github.com/okvist/portsweep/internal/metrics"
)

// startTCPListener opens an ephemeral loopback listener and returns its port.
func startTCPListener(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()

	return uint16(ln.Addr().(*net.TCPAddr).Port)
}

// closedTCPPort returns a loopback port with nothing listening on it.
func closedTCPPort(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	require.NoError(t, ln.Close())
	return port
}

func testConfig() Config {
	return Config{
		BatchSize: 16,
		Timeout:   500 * time.Millisecond,
		Retries:   0,
		Transport: TransportTCP,
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name      string
		config    Config
		wantError bool
	}{
		{
			name:   "valid config",
			config: Config{BatchSize: 100, Timeout: time.Second, Retries: 1, Transport: TransportTCP},
		},
		{
			name:   "valid udp config",
			config: Config{BatchSize: 1, Timeout: time.Millisecond, Transport: TransportUDP},
		},
		{
			name:      "zero batch size",
			config:    Config{BatchSize: 0, Timeout: time.Second, Transport: TransportTCP},
			wantError: true,
		},
		{
			name:      "negative retries",
			config:    Config{BatchSize: 1, Timeout: time.Second, Retries: -1, Transport: TransportTCP},
			wantError: true,
		},
		{
			name:      "zero timeout",
			config:    Config{BatchSize: 1, Transport: TransportTCP},
			wantError: true,
		},
		{
			name:      "missing transport",
			config:    Config{BatchSize: 1, Timeout: time.Second},
			wantError: true,
		},
		{
			name:      "bogus transport",
			config:    Config{BatchSize: 1, Timeout: time.Second, Transport: "icmp"},
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewEngineRejectsInvalidConfig(t *testing.T) {
	_, err := NewEngine(Config{})
	require.Error(t, err)
	assert.True(t, pserrors.IsCode(err, pserrors.CodeValidation))
}

func TestEngineClampsBatchSizeToDescriptorLimit(t *testing.T) {
	limit, ok := descriptorLimit()
	if !ok {
		t.Skip("descriptor limit not available on this platform")
	}

	cfg := testConfig()
	cfg.BatchSize = int(limit) * 2
	engine, err := NewEngine(cfg)
	require.NoError(t, err)

	assert.LessOrEqual(t, engine.BatchSize(), int(limit))
	assert.GreaterOrEqual(t, engine.BatchSize(), 1)
}

func TestRunIsSingleUse(t *testing.T) {
	target := net.ParseIP("127.0.0.1")
	closed := closedTCPPort(t)

	engine, err := NewEngine(testConfig())
	require.NoError(t, err)

	_, err = engine.Run(context.Background(), []net.IP{target}, []uint16{closed})
	require.NoError(t, err)

	_, err = engine.Run(context.Background(), []net.IP{target}, []uint16{closed})
	require.Error(t, err)
	assert.True(t, pserrors.IsCode(err, pserrors.CodeValidation))
}

func TestRunNoTargets(t *testing.T) {
	engine, err := NewEngine(testConfig())
	require.NoError(t, err)

	result, err := engine.Run(context.Background(), nil, []uint16{80})
	require.Error(t, err)
	assert.Nil(t, result)
	assert.True(t, pserrors.IsCode(err, pserrors.CodeNoTargets))
}

func TestRunEmptyPortSequence(t *testing.T) {
	engine, err := NewEngine(testConfig())
	require.NoError(t, err)

	result, err := engine.Run(context.Background(), []net.IP{net.ParseIP("127.0.0.1")}, nil)
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Empty(t, result.Hosts())
	assert.Zero(t, result.Diagnostics.Attempts)
	assert.Equal(t, StateCompleted, engine.State())
}

func TestRunFindsOpenPorts(t *testing.T) {
	openA := startTCPListener(t)
	openB := startTCPListener(t)
	closed := closedTCPPort(t)

	target := net.ParseIP("127.0.0.1")
	engine, err := NewEngine(testConfig())
	require.NoError(t, err)

	result, err := engine.Run(context.Background(), []net.IP{target}, []uint16{openB, closed, openA})
	require.NoError(t, err)

	want := []uint16{openA, openB}
	if openB < openA {
		want = []uint16{openB, openA}
	}
	assert.Equal(t, want, result.OpenPorts(target))

	hosts := result.Hosts()
	require.Len(t, hosts, 1)
	assert.True(t, hosts[0].Address.Equal(target))
	assert.Equal(t, want, hosts[0].OpenPorts)

	assert.Equal(t, uint64(3), result.Diagnostics.Attempts)
	assert.Equal(t, uint64(2), result.Diagnostics.Open)
	assert.Equal(t, uint64(1), result.Diagnostics.ClosedOrFiltered)
}

func TestRunCanonicalOrderIndependentOfScanOrder(t *testing.T) {
	open1 := startTCPListener(t)
	open2 := startTCPListener(t)
	open3 := startTCPListener(t)
	closed := closedTCPPort(t)

	target := net.ParseIP("127.0.0.1")

	serial := []uint16{open1, open2, open3, closed}
	shuffled := []uint16{closed, open3, open1, open2}

	var results [][]uint16
	for _, ports := range [][]uint16{serial, shuffled} {
		engine, err := NewEngine(testConfig())
		require.NoError(t, err)
		result, err := engine.Run(context.Background(), []net.IP{target}, ports)
		require.NoError(t, err)
		results = append(results, result.OpenPorts(target))
	}

	assert.Equal(t, results[0], results[1], "presentation order must not depend on scan order")
	require.Len(t, results[0], 3)
	for i := 1; i < len(results[0]); i++ {
		assert.Less(t, results[0][i-1], results[0][i], "open ports must be ascending")
	}
}

func TestRunMultipleTargets(t *testing.T) {
	open := startTCPListener(t)
	closed := closedTCPPort(t)

	// The listener binds 127.0.0.1 only, so the second target sees both
	// ports closed and is omitted from the host list.
	t1 := net.ParseIP("127.0.0.1")
	t2 := net.ParseIP("127.0.0.2")

	engine, err := NewEngine(testConfig())
	require.NoError(t, err)

	result, err := engine.Run(context.Background(), []net.IP{t1, t2}, []uint16{open, closed})
	require.NoError(t, err)

	assert.Equal(t, []uint16{open}, result.OpenPorts(t1))
	assert.Equal(t, uint64(4), result.Diagnostics.Attempts)

	hosts := result.Hosts()
	require.NotEmpty(t, hosts)
	assert.True(t, hosts[0].Address.Equal(t1), "hosts must keep target order")
}

// cancelAfterBatches cancels the run once the given number of batches settled.
type cancelAfterBatches struct {
	cancel  context.CancelFunc
	after   int
	settled int
	mu      sync.Mutex
}

func (c *cancelAfterBatches) PortOpen(net.IP, uint16) {}

func (c *cancelAfterBatches) BatchSettled(batch, total, attempted int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settled++
	if c.settled == c.after {
		c.cancel()
	}
}

func TestRunCancellationAtBatchBoundary(t *testing.T) {
	open := startTCPListener(t)
	closed := closedTCPPort(t)
	target := net.ParseIP("127.0.0.1")

	ports := []uint16{open, closed, open, closed, open, closed}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := &cancelAfterBatches{cancel: cancel, after: 1}

	cfg := testConfig()
	cfg.BatchSize = 2
	engine, err := NewEngine(cfg, WithProgress(sink))
	require.NoError(t, err)

	result, err := engine.Run(ctx, []net.IP{target}, ports)
	require.NoError(t, err, "cancellation must not surface as an error")
	require.NotNil(t, result)

	// Only the first batch ran; later batches were never dispatched.
	assert.Equal(t, uint64(2), result.Diagnostics.Attempts)
	assert.Equal(t, StateCompleted, engine.State())

	// Whatever was recorded is a subset of the uncancelled result.
	for _, p := range result.OpenPorts(target) {
		assert.Equal(t, open, p)
	}
}

// recordingSink collects progress events for assertions.
type recordingSink struct {
	mu      sync.Mutex
	opened  []uint16
	batches []int
}

func (r *recordingSink) PortOpen(_ net.IP, port uint16) {
	r.mu.Lock()
	r.opened = append(r.opened, port)
	r.mu.Unlock()
}

func (r *recordingSink) BatchSettled(batch, total, attempted int) {
	r.mu.Lock()
	r.batches = append(r.batches, batch)
	r.mu.Unlock()
}

func TestRunEmitsProgressEvents(t *testing.T) {
	open := startTCPListener(t)
	closed := closedTCPPort(t)
	target := net.ParseIP("127.0.0.1")

	sink := &recordingSink{}
	cfg := testConfig()
	cfg.BatchSize = 2
	engine, err := NewEngine(cfg, WithProgress(sink))
	require.NoError(t, err)

	_, err = engine.Run(context.Background(), []net.IP{target}, []uint16{open, closed, closed})
	require.NoError(t, err)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, []uint16{open}, sink.opened)
	assert.Equal(t, []int{1, 2}, sink.batches, "3 units at batch size 2 settle in 2 batches")
}

func TestRunConcurrencyCeiling(t *testing.T) {
	open := startTCPListener(t)
	closed := closedTCPPort(t)
	target := net.ParseIP("127.0.0.1")

	ports := make([]uint16, 0, 40)
	for i := 0; i < 20; i++ {
		ports = append(ports, open, closed)
	}

	cfg := testConfig()
	cfg.BatchSize = 4
	engine, err := NewEngine(cfg)
	require.NoError(t, err)

	done := make(chan struct{})
	var maxActive int
	go func() {
		defer close(done)
		for engine.State() != StateCompleted {
			if active := engine.limiter.ActiveProbes(); active > maxActive {
				maxActive = active
			}
			time.Sleep(100 * time.Microsecond)
		}
	}()

	_, err = engine.Run(context.Background(), []net.IP{target}, ports)
	require.NoError(t, err)
	<-done

	assert.LessOrEqual(t, maxActive, cfg.BatchSize,
		"no more than BatchSize probes may hold a slot at once")
}

func TestRunRetryTimingLowerBound(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping timing test in short mode")
	}

	// RFC 5737 TEST-NET-1 space; probes should time out rather than settle.
	target := net.ParseIP("192.0.2.1")
	const timeout = 50 * time.Millisecond

	pre := probeTCP(context.Background(), net.JoinHostPort(target.String(), "80"), timeout)
	if pre != outcomeTimeout {
		t.Skipf("environment answers TEST-NET probes (%v), cannot exercise timeout path", pre)
	}

	cfg := Config{BatchSize: 1, Timeout: timeout, Retries: 2, Transport: TransportTCP}
	engine, err := NewEngine(cfg)
	require.NoError(t, err)

	start := time.Now()
	result, err := engine.Run(context.Background(), []net.IP{target}, []uint16{81, 82, 83})
	elapsed := time.Since(start)
	require.NoError(t, err)

	// 3 ports, 3 attempts each, fully serialized.
	assert.GreaterOrEqual(t, elapsed, 9*timeout)
	assert.Equal(t, uint64(9), result.Diagnostics.Attempts)
	assert.Equal(t, uint64(6), result.Diagnostics.Retries)
	assert.Equal(t, uint64(3), result.Diagnostics.ClosedOrFiltered,
		"exhausted timeouts fold into closed-or-filtered")
	assert.Empty(t, result.Hosts())
}

func TestResultCanonicalization(t *testing.T) {
	target := net.ParseIP("10.1.2.3")
	result := NewResult([]net.IP{target})

	for _, p := range []uint16{443, 22, 8080, 80} {
		result.recordOpen(target, p)
	}
	result.Complete()

	assert.Equal(t, []uint16{22, 80, 443, 8080}, result.OpenPorts(target))
	assert.Equal(t, 4, result.TotalOpen())
	assert.False(t, result.EndTime.IsZero())
	assert.GreaterOrEqual(t, result.Duration, time.Duration(0))
}

func TestResultOpenPortsReturnsCopy(t *testing.T) {
	target := net.ParseIP("10.1.2.3")
	result := NewResult([]net.IP{target})
	result.recordOpen(target, 80)
	result.Complete()

	ports := result.OpenPorts(target)
	ports[0] = 9999
	assert.Equal(t, []uint16{80}, result.OpenPorts(target))
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "open", OutcomeOpen.String())
	assert.Equal(t, "closed_or_filtered", OutcomeClosedOrFiltered.String())
	assert.Equal(t, "resource_exhausted", OutcomeResourceExhausted.String())
	assert.Equal(t, "timeout", outcomeTimeout.String())
	assert.Equal(t, "unknown", Outcome(99).String())
}

func TestScanErrorFormatting(t *testing.T) {
	err := &ScanError{Op: "probe", Host: "10.0.0.1", Port: 80, Err: assert.AnError}
	assert.Contains(t, err.Error(), "10.0.0.1:80")
	assert.ErrorIs(t, err, assert.AnError)

	err = &ScanError{Op: "validate config", Err: assert.AnError}
	assert.Contains(t, err.Error(), "validate config")
}

func TestJoinHostPortIPv6(t *testing.T) {
	// IPv6 targets must be bracketed when forming the dial address.
	addr := net.JoinHostPort(net.ParseIP("::1").String(), strconv.Itoa(443))
	assert.Equal(t, "[::1]:443", addr)
}

// gateSink blocks inside PortOpen until released, holding the reporting
// probe's limiter slot open for the duration.
type gateSink struct {
	entered chan struct{}
	release chan struct{}
}

func (s *gateSink) PortOpen(net.IP, uint16) {
	s.entered <- struct{}{}
	<-s.release
}

func (s *gateSink) BatchSettled(int, int, int) {}

func TestRunUpdatesActiveProbesGauge(t *testing.T) {
	open := startTCPListener(t)
	target := net.ParseIP("127.0.0.1")

	sink := &gateSink{entered: make(chan struct{}), release: make(chan struct{})}
	engine, err := NewEngine(testConfig(), WithProgress(sink))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = engine.Run(context.Background(), []net.IP{target}, []uint16{open})
	}()

	select {
	case <-sink.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("open endpoint was never reported")
	}

	// The probe reporting the open port still holds its slot, so the
	// gauge must show it in flight.
	assert.GreaterOrEqual(t, activeProbesGauge(t), 1.0)

	close(sink.release)
	<-done

	assert.Equal(t, 0.0, activeProbesGauge(t))
}

// activeProbesGauge reads the in-flight probe gauge from the shared
// registry.
func activeProbesGauge(t *testing.T) float64 {
	t.Helper()
	families, err := metrics.GetGlobalMetrics().GetRegistry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == "portsweep_scan_active_probes" {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatal("active probes gauge not registered")
	return 0
}
