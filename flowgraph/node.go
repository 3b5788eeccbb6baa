// Package flowgraph assembles the directed graph of nodes and Floe edges
// that the flow runtime executes. Node and NodePolicy are declared here; the
// per-message execution algorithm lives in package flowruntime, which
// consumes a *Graph built by this package.
package flowgraph

import (
	"context"
	"time"

	"github.com/penguiflow/penguiflow-go/envelope"
)

// Validation enumerates which boundaries of a node's payload are checked
// against its declared schema.
type Validation string

const (
	ValidateNone Validation = "none"
	ValidateIn   Validation = "in"
	ValidateOut  Validation = "out"
	ValidateBoth Validation = "both"
)

// NodePolicy configures retry, timeout, and validation behavior for a node.
type NodePolicy struct {
	Validate     Validation
	TimeoutS     time.Duration // 0 means no per-node timeout beyond the deadline
	MaxRetries   int
	BackoffBase  time.Duration
	BackoffMult  float64
	MaxBackoff   time.Duration
}

// Result is what a node function returns: zero or more output payloads plus
// optional routing hints naming specific successors. An empty Targets slice
// for an output means "fan out to all successors".
type Result struct {
	Outputs []Emission
}

// Emission is one payload a node wants to send downstream, optionally scoped
// to named successors.
type Emission struct {
	Payload envelope.Payload
	Targets []string // empty means fan-out to all declared successors
}

// Func is the user-supplied async node function. It receives the full
// envelope (so it can inspect headers,
// trace id, deadline, meta) and returns a Result describing what to emit.
type Func func(ctx context.Context, in *envelope.Envelope) (Result, error)

// SchemaValidator validates a payload value against a node's declared input
// or output schema. A nil validator for a given Validate side is treated as
// "always passes".
type SchemaValidator interface {
	Validate(value any) error
}

// Node is a named, stateless wrapper around a user function plus its policy
// and optional schemas. Nodes are constructed at graph assembly and never own
// shared mutable state; dependencies are expected to be captured in Fn's
// closure or resolved via an external registry.
type Node struct {
	Name         string
	Fn           Func
	Policy       NodePolicy
	InputSchema  SchemaValidator
	OutputSchema SchemaValidator
	// Cyclic opts this node into participating in a cycle during graph
	// assembly; cycles through nodes that don't set this are rejected.
	// Consulted only during Assemble's cycle check.
	Cyclic bool
}
