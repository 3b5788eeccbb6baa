package flowruntime

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// capacityGate bounds how many messages a single trace may have in flight
// across every Floe in a Runtime at once, and optionally paces the rate at
// which new messages are admitted across all traces. Each trace gets its own
// buffered channel sized to max, used as a counting semaphore: Acquire blocks
// (or respects ctx) until a slot is free, Release frees one. A non-positive
// max disables the in-flight bound entirely. A nil limiter disables pacing.
type capacityGate struct {
	mu      sync.Mutex
	sems    map[string]chan struct{}
	max     int
	limiter *rate.Limiter
}

func newCapacityGate(max int, limiter *rate.Limiter) *capacityGate {
	return &capacityGate{sems: make(map[string]chan struct{}), max: max, limiter: limiter}
}

func (g *capacityGate) sem(traceID string) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sems[traceID]
	if !ok {
		s = make(chan struct{}, g.max)
		g.sems[traceID] = s
	}
	return s
}

// Acquire blocks until the runtime-wide admission rate allows another message
// and the trace's pending count is below max, or ctx is done.
func (g *capacityGate) Acquire(ctx context.Context, traceID string) error {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	if g.max <= 0 {
		return nil
	}
	select {
	case g.sem(traceID) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees one pending slot for the trace.
func (g *capacityGate) Release(traceID string) {
	if g.max <= 0 {
		return
	}
	s := g.sem(traceID)
	select {
	case <-s:
	default:
	}
}
