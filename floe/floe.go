// Package floe implements the bounded FIFO edge queue between two flow-graph
// nodes. A producer blocks on Put when the queue is at capacity; a consumer
// blocks on Get when it is empty. Both suspension points honor context
// cancellation, unblocking with ctx.Err() so the flow runtime's trace-level
// cancellation can reach a waiter on any edge without a separate signalling
// channel.
package floe

import (
	"context"
	"errors"
)

// ErrClosed is returned by Get when the Floe has been closed and drained.
var ErrClosed = errors.New("floe: closed")

// Floe is a bounded FIFO channel wrapper carrying values of type T between
// exactly one producer and one consumer, preserving strict FIFO order. Its
// buffer is always finite: New raises a capacity below 1 to 1, and
// NewUnbounded stands in for an undeclared capacity with a large fixed
// buffer.
type Floe[T any] struct {
	ch     chan T
	closed chan struct{}
	source string
	target string
}

// New constructs a Floe with the given capacity (must be >= 1) connecting
// source to target. Use NewUnbounded for an edge with no declared capacity.
func New[T any](capacity int, source, target string) *Floe[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Floe[T]{
		ch:     make(chan T, capacity),
		closed: make(chan struct{}),
		source: source,
		target: target,
	}
}

// NewUnbounded constructs a Floe with a very large buffer standing in for an
// unbounded capacity declaration. Put blocks only once 1<<16 values are
// queued on this edge.
func NewUnbounded[T any](source, target string) *Floe[T] {
	const unboundedBuffer = 1 << 16
	return New[T](unboundedBuffer, source, target)
}

// Source returns the upstream node name this Floe is attached to.
func (f *Floe[T]) Source() string { return f.source }

// Target returns the downstream node name this Floe is attached to.
func (f *Floe[T]) Target() string { return f.target }

// Len reports the number of values currently buffered.
func (f *Floe[T]) Len() int { return len(f.ch) }

// Cap reports the configured capacity.
func (f *Floe[T]) Cap() int { return cap(f.ch) }

// Put enqueues v, blocking if the Floe is at capacity. Returns ctx.Err() if
// ctx is done before room becomes available, or ErrClosed if the Floe has
// been closed concurrently.
func (f *Floe[T]) Put(ctx context.Context, v T) error {
	select {
	case <-f.closed:
		return ErrClosed
	default:
	}
	select {
	case f.ch <- v:
		return nil
	case <-f.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get dequeues the next value, blocking if the Floe is empty. Returns
// ctx.Err() if ctx is done before a value becomes available. Once Close has
// been called, Get continues to drain any buffered values and only then
// returns ErrClosed.
func (f *Floe[T]) Get(ctx context.Context) (T, error) {
	var zero T
	select {
	case v := <-f.ch:
		return v, nil
	default:
	}
	select {
	case v := <-f.ch:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-f.closed:
		// Drain whatever is left before reporting closed, preserving FIFO
		// order for values that were enqueued before Close.
		select {
		case v := <-f.ch:
			return v, nil
		default:
			return zero, ErrClosed
		}
	}
}

// Close marks the Floe closed, unblocking any waiting Put or Get.
// Close is idempotent.
func (f *Floe[T]) Close() {
	select {
	case <-f.closed:
		// already closed
	default:
		close(f.closed)
	}
}
