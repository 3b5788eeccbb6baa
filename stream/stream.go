// Package stream defines the sequenced event wire format delivered across
// the external boundary: every record carries trace_id, session_id, and a
// monotonically increasing seq, tagged with a kind drawn from a fixed set.
package stream

import "sync/atomic"

// Kind enumerates the event kinds a subscriber can receive.
type Kind string

const (
	KindChunk            Kind = "chunk"
	KindLLMStreamChunk   Kind = "llm_stream_chunk"
	KindArtifactChunk    Kind = "artifact_chunk"
	KindArtifactStored   Kind = "artifact_stored"
	KindResourceUpdated  Kind = "resource_updated"
	KindStepStart        Kind = "step_start"
	KindStepFinished     Kind = "step_finished"
	KindToolCallStart    Kind = "tool_call_start"
	KindToolCallArgs     Kind = "tool_call_args"
	KindToolCallEnd      Kind = "tool_call_end"
	KindToolCallResult   Kind = "tool_call_result"
	KindPause            Kind = "pause"
	KindDone             Kind = "done"
	KindError            Kind = "error"
)

// Event is one sequenced record on the external event stream.
type Event struct {
	Kind      Kind
	TraceID   string
	SessionID string
	Seq       uint64
	Payload   any
}

// Sink receives events as they're produced. Implementations must be
// non-blocking and safe for concurrent use; the flow runtime calls Publish
// from many goroutines (node workers and InvokeNode callers) without
// synchronizing among them.
type Sink interface {
	Publish(event Event)
}

// SinkFunc adapts a plain function to the Sink interface.
type SinkFunc func(event Event)

// Publish implements Sink.
func (f SinkFunc) Publish(event Event) { f(event) }

// Discard is a Sink that drops every event. Useful as a default when no
// subscriber is attached to a run.
var Discard Sink = discard{}

type discard struct{}

func (discard) Publish(Event) {}

// Sequencer assigns monotonically increasing seq numbers to events for one
// trace/session pair, then forwards to an underlying Sink.
type Sequencer struct {
	next  uint64
	inner Sink
}

// NewSequencer wraps inner, numbering every event it forwards starting at 1.
func NewSequencer(inner Sink) *Sequencer {
	if inner == nil {
		inner = Discard
	}
	return &Sequencer{inner: inner}
}

// Publish assigns the next seq number to event and forwards it.
func (s *Sequencer) Publish(event Event) {
	event.Seq = atomic.AddUint64(&s.next, 1)
	s.inner.Publish(event)
}
