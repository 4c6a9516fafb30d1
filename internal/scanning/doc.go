// Package scanning provides the core port-scanning engine for portsweep.
//
// This package drives many concurrent connection attempts against
// (target, port) pairs under a strict concurrency ceiling, with a
// per-attempt timeout and retry budget, and aggregates the responsive
// endpoints into a canonical result.
//
// # Overview
//
// The package is built around the Config structure which defines scan
// parameters, and the Result structure which accumulates outcomes. The
// main entry point is Engine.Run, which consumes resolved targets and a
// prepared port sequence (see the portseq package) and returns the open
// endpoints grouped per target in ascending port order.
//
// # Concurrency model
//
// The ordered work set (targets outer, ports inner) is partitioned into
// consecutive batches of at most Config.BatchSize attempts. A batch is
// dispatched as one goroutine per attempt and the engine waits for the
// whole batch to settle before dispatching the next. A slot limiter
// additionally guarantees that no more than BatchSize probes ever hold a
// socket at once, because operating systems impose a hard ceiling on open
// file descriptors and exceeding it produces failures indistinguishable
// from network errors. On unix the batch size is clamped to the soft
// descriptor limit at engine construction.
//
// Run-level cancellation is honored at batch boundaries: the in-flight
// batch finishes naturally (every probe is individually timeout-bounded)
// and the partial result accumulated so far is returned.
//
// # Usage
//
//	cfg := scanning.Config{
//		BatchSize: 4500,
//		Timeout:   1500 * time.Millisecond,
//		Retries:   1,
//		Transport: scanning.TransportTCP,
//	}
//
//	engine, err := scanning.NewEngine(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	result, err := engine.Run(ctx, targets, ports)
//	if err != nil {
//		log.Fatal(err)
//	}
//	for _, host := range result.Hosts() {
//		fmt.Println(host.Address, host.OpenPorts)
//	}
package scanning
