package scanning

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const (
	// maxProbeAge defines how long a probe may hold a slot before it is
	// considered potentially stuck. Probes are individually timeout-bounded,
	// so this is generous.
	maxProbeAge = 5 * time.Minute
)

// ProbeLimiter caps the number of concurrently open probe sockets.
type ProbeLimiter interface {
	// Acquire claims a probe slot for the given attempt key. It blocks
	// until a slot is available or the context is cancelled.
	Acquire(ctx context.Context, key string) error

	// Release returns the slot held by the given attempt key.
	Release(key string)

	// ActiveProbes returns the number of probes currently holding a slot.
	ActiveProbes() int

	// AvailableSlots returns the number of free slots.
	AvailableSlots() int

	// IsHealthy reports whether the limiter is operating normally.
	IsHealthy() bool

	// Close shuts the limiter down and frees all slots.
	Close() error
}

// FixedProbeLimiter implements ProbeLimiter with a fixed slot count backed
// by a channel semaphore.
type FixedProbeLimiter struct {
	capacity int
	slots    chan struct{}
	active   map[string]time.Time
	mutex    sync.RWMutex
	closed   bool
}

// NewFixedProbeLimiter creates a limiter with the specified capacity.
func NewFixedProbeLimiter(capacity int) *FixedProbeLimiter {
	if capacity <= 0 {
		capacity = 1
	}

	return &FixedProbeLimiter{
		capacity: capacity,
		slots:    make(chan struct{}, capacity),
		active:   make(map[string]time.Time),
	}
}

// Acquire claims a probe slot for the given attempt key.
func (pl *FixedProbeLimiter) Acquire(ctx context.Context, key string) error {
	pl.mutex.Lock()
	if pl.closed {
		pl.mutex.Unlock()
		return fmt.Errorf("probe limiter is closed")
	}
	pl.mutex.Unlock()

	select {
	case pl.slots <- struct{}{}:
		pl.mutex.Lock()
		pl.active[key] = time.Now()
		pl.mutex.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns the slot held by the given attempt key.
func (pl *FixedProbeLimiter) Release(key string) {
	pl.mutex.Lock()
	defer pl.mutex.Unlock()

	if _, exists := pl.active[key]; exists {
		delete(pl.active, key)

		select {
		case <-pl.slots:
		default:
			// Semaphore already empty; tolerated rather than panicking.
		}
	}
}

// ActiveProbes returns the number of probes currently holding a slot.
func (pl *FixedProbeLimiter) ActiveProbes() int {
	pl.mutex.RLock()
	defer pl.mutex.RUnlock()

	return len(pl.active)
}

// AvailableSlots returns the number of free slots.
func (pl *FixedProbeLimiter) AvailableSlots() int {
	pl.mutex.RLock()
	defer pl.mutex.RUnlock()

	return pl.capacity - len(pl.active)
}

// IsHealthy reports whether the limiter is operating normally.
func (pl *FixedProbeLimiter) IsHealthy() bool {
	pl.mutex.RLock()
	defer pl.mutex.RUnlock()

	if pl.closed {
		return false
	}

	now := time.Now()
	for _, started := range pl.active {
		if now.Sub(started) > maxProbeAge {
			return false
		}
	}

	return true
}

// Close shuts the limiter down and frees all slots.
func (pl *FixedProbeLimiter) Close() error {
	pl.mutex.Lock()
	defer pl.mutex.Unlock()

	if pl.closed {
		return nil
	}

	pl.closed = true
	pl.active = make(map[string]time.Time)

	for {
		select {
		case <-pl.slots:
		default:
			return nil
		}
	}
}

// Stats returns a snapshot of limiter state for diagnostics.
func (pl *FixedProbeLimiter) Stats() map[string]interface{} {
	pl.mutex.RLock()
	defer pl.mutex.RUnlock()

	return map[string]interface{}{
		"capacity":        pl.capacity,
		"active_probes":   len(pl.active),
		"available_slots": pl.capacity - len(pl.active),
		"closed":          pl.closed,
	}
}
