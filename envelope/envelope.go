// Package envelope defines the typed message envelope carried across the
// flow runtime: payload plus headers, trace id, deadline, hop counter, and
// trace-scoped meta. Envelopes are immutable once constructed; derive new
// envelopes with Next so hop monotonicity, deadline immutability, and
// trace-id preservation hold by construction rather than by caller
// discipline.
package envelope

import (
	"time"

	"github.com/penguiflow/penguiflow-go/flowerr"
)

// Kind discriminates the payload variants an Envelope can carry.
type Kind string

const (
	// KindPlain carries an opaque domain value.
	KindPlain Kind = "plain"
	// KindStreamChunk carries a StreamChunk.
	KindStreamChunk Kind = "stream_chunk"
	// KindFlowError carries a *flowerr.Error.
	KindFlowError Kind = "flow_error"
)

// ChunkPhase enumerates the phases a streaming chunk can belong to.
type ChunkPhase string

const (
	PhaseAction      ChunkPhase = "action"
	PhaseAnswer      ChunkPhase = "answer"
	PhaseRevision    ChunkPhase = "revision"
	PhaseObservation ChunkPhase = "observation"
)

// StreamChunk is a specialization of Payload carrying incremental text.
// Within a StreamID, Seq values strictly increase and exactly one chunk has
// Done set.
type StreamChunk struct {
	StreamID string
	Seq      int
	Text     string
	Done     bool
	Phase    ChunkPhase
}

// Payload is a tagged union: exactly one of Value, Chunk, or Err is set,
// selected by Kind.
type Payload struct {
	Kind  Kind
	Value any
	Chunk *StreamChunk
	Err   *flowerr.Error
}

// Plain wraps an opaque domain value as a plain payload.
func Plain(v any) Payload { return Payload{Kind: KindPlain, Value: v} }

// Chunk wraps a StreamChunk as a payload.
func Chunk(c StreamChunk) Payload { return Payload{Kind: KindStreamChunk, Chunk: &c} }

// FlowError wraps a *flowerr.Error as a payload.
func FlowError(e *flowerr.Error) Payload { return Payload{Kind: KindFlowError, Err: e} }

// Headers carries routing metadata preserved across copies and sub-flows.
type Headers struct {
	Tenant        string
	Topic         string
	SchemaVersion string
}

// Envelope is the unit of work flowing through the runtime. Hops strictly
// increases along any path; Deadline is immutable once set; TraceID is
// preserved across copies and sub-flows.
type Envelope struct {
	Payload  Payload
	Headers  Headers
	TraceID  string
	Deadline time.Time // zero value means "no deadline"
	Hops     int
	Meta     map[string]string
}

// New constructs the first envelope of a trace. Deadline may be the zero
// time to mean "no deadline".
func New(traceID string, headers Headers, payload Payload, deadline time.Time) *Envelope {
	return &Envelope{
		Payload:  payload,
		Headers:  headers,
		TraceID:  traceID,
		Deadline: deadline,
		Hops:     0,
		Meta:     map[string]string{},
	}
}

// Next derives a child envelope carrying a new payload. TraceID, Headers,
// and Deadline are copied unchanged; Hops is incremented; Meta is shallow
// copied so callers can't mutate a parent's map through the child.
func (e *Envelope) Next(payload Payload) *Envelope {
	meta := make(map[string]string, len(e.Meta))
	for k, v := range e.Meta {
		meta[k] = v
	}
	return &Envelope{
		Payload:  payload,
		Headers:  e.Headers,
		TraceID:  e.TraceID,
		Deadline: e.Deadline,
		Hops:     e.Hops + 1,
		Meta:     meta,
	}
}

// HasDeadline reports whether Deadline is set.
func (e *Envelope) HasDeadline() bool { return !e.Deadline.IsZero() }

// Expired reports whether now is strictly after the envelope's deadline.
// An envelope with no deadline never expires.
func (e *Envelope) Expired(now time.Time) bool {
	return e.HasDeadline() && now.After(e.Deadline)
}

// Remaining returns the time left until the deadline, or the zero duration
// plus ok=false if there is no deadline.
func (e *Envelope) Remaining(now time.Time) (time.Duration, bool) {
	if !e.HasDeadline() {
		return 0, false
	}
	return e.Deadline.Sub(now), true
}

// WithMeta returns a copy of e with key=value merged into Meta. Meta is
// trace-scoped and must never carry mutable infrastructure (connections,
// pointers to shared resources) — callers are responsible for keeping values
// plain strings.
func (e *Envelope) WithMeta(key, value string) *Envelope {
	meta := make(map[string]string, len(e.Meta)+1)
	for k, v := range e.Meta {
		meta[k] = v
	}
	meta[key] = value
	return &Envelope{
		Payload:  e.Payload,
		Headers:  e.Headers,
		TraceID:  e.TraceID,
		Deadline: e.Deadline,
		Hops:     e.Hops,
		Meta:     meta,
	}
}
