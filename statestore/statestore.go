// Package statestore documents the persistence seam the rest of the module
// consumes as duck-typed interfaces: memory.Store, session.TaskStore,
// session.SteeringStore, and planner.PauseStore. A concrete backend need not
// implement all of them — callers type-assert for the subset they need, and
// fall back to in-process-only behavior when a method set is missing.
//
// redisstore and mongostore provide concrete adapters implementing the full
// set against Redis and MongoDB respectively.
package statestore

import "context"

// EventRecord is one entry in a trace's append-only event log, used to
// reconstruct external-boundary event streams (stream.Event) after a
// process restart.
type EventRecord struct {
	TraceID string
	Seq     uint64
	Kind    string
	Payload []byte
}

// EventStore is the optional persistence seam for the append/replay event
// log described for durable streaming.
type EventStore interface {
	AppendEvent(ctx context.Context, rec EventRecord) error
	ReplayEvents(ctx context.Context, traceID string, sinceSeq uint64) ([]EventRecord, error)
}
