package scanning

import "net"

// ProgressSink receives live progress notifications during a run. It is
// injected explicitly at engine construction rather than published through
// package-level state, so the engine is testable without any UI attached.
// Implementations must be safe for concurrent PortOpen calls.
type ProgressSink interface {
	// PortOpen is called once for every newly discovered open endpoint,
	// as soon as the attempt settles.
	PortOpen(target net.IP, port uint16)

	// BatchSettled is called after every batch has fully settled, with the
	// 1-based batch number, the total number of batches, and the number of
	// work units attempted so far.
	BatchSettled(batch, totalBatches, attempted int)
}

// NopSink discards all progress notifications.
type NopSink struct{}

func (NopSink) PortOpen(net.IP, uint16)    {}
func (NopSink) BatchSettled(int, int, int) {}

var _ ProgressSink = NopSink{}
