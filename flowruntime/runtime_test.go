package flowruntime

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penguiflow/penguiflow-go/envelope"
	"github.com/penguiflow/penguiflow-go/flowerr"
	"github.com/penguiflow/penguiflow-go/flowgraph"
)

func passthrough(name string) *flowgraph.Node {
	return &flowgraph.Node{
		Name: name,
		Fn: func(ctx context.Context, in *envelope.Envelope) (flowgraph.Result, error) {
			return flowgraph.Result{Outputs: []flowgraph.Emission{{Payload: in.Payload}}}, nil
		},
	}
}

func linearGraph(t *testing.T) *flowgraph.Graph {
	t.Helper()
	g, err := flowgraph.Assemble(flowgraph.Spec{
		Nodes: []*flowgraph.Node{passthrough("A"), passthrough("B")},
		Edges: []flowgraph.Edge{
			{Upstream: flowgraph.OpenSea, Downstream: "A"},
			{Upstream: "A", Downstream: "B"},
			{Upstream: "B", Downstream: flowgraph.Rookery},
		},
		DefaultCapacity: 8,
	})
	require.NoError(t, err)
	return g
}

func TestRunLinearPipelineEndToEnd(t *testing.T) {
	g := linearGraph(t)
	rt := New(g)
	rt.Start(context.Background())
	defer rt.Close()

	in := envelope.New("trace-1", envelope.Headers{}, envelope.Plain("hello"), time.Time{})
	out, err := rt.Run(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "hello", out.Payload.Value)
	assert.Equal(t, "trace-1", out.TraceID)
}

func TestRunRoutingHintToUnknownTargetYieldsRoutingInvalid(t *testing.T) {
	g, err := flowgraph.Assemble(flowgraph.Spec{
		Nodes: []*flowgraph.Node{
			{
				Name: "A",
				Fn: func(ctx context.Context, in *envelope.Envelope) (flowgraph.Result, error) {
					return flowgraph.Result{Outputs: []flowgraph.Emission{{
						Payload: in.Payload,
						Targets: []string{"nowhere"},
					}}}, nil
				},
			},
		},
		Edges: []flowgraph.Edge{
			{Upstream: flowgraph.OpenSea, Downstream: "A"},
			{Upstream: "A", Downstream: flowgraph.Rookery},
		},
		DefaultCapacity: 8,
	})
	require.NoError(t, err)

	rt := New(g)
	rt.Start(context.Background())
	defer rt.Close()

	in := envelope.New("trace-2", envelope.Headers{}, envelope.Plain("x"), time.Time{})
	out, err := rt.Run(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, envelope.KindFlowError, out.Payload.Kind)
	assert.Equal(t, flowerr.RoutingInvalid, out.Payload.Err.Code)
}

func TestRunDeadlineExceededBeforeDelivery(t *testing.T) {
	g := linearGraph(t)
	rt := New(g)
	rt.Start(context.Background())
	defer rt.Close()

	past := time.Now().Add(-time.Second)
	in := envelope.New("trace-3", envelope.Headers{}, envelope.Plain("late"), past)
	out, err := rt.Run(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, envelope.KindFlowError, out.Payload.Kind)
	assert.Equal(t, flowerr.DeadlineExceeded, out.Payload.Err.Code)
}

// S6 — Cancellation during fan-out: a node blocked mid-invocation observes
// cancellation and the trace resolves with exactly one CANCELLED envelope.
func TestCancelDuringInFlightNodeEmitsOneCancelledEnvelope(t *testing.T) {
	started := make(chan struct{})
	var emitted int32
	g, err := flowgraph.Assemble(flowgraph.Spec{
		Nodes: []*flowgraph.Node{
			{
				Name: "slow",
				Fn: func(ctx context.Context, in *envelope.Envelope) (flowgraph.Result, error) {
					close(started)
					<-ctx.Done()
					return flowgraph.Result{}, ctx.Err()
				},
			},
		},
		Edges: []flowgraph.Edge{
			{Upstream: flowgraph.OpenSea, Downstream: "slow"},
			{Upstream: "slow", Downstream: flowgraph.Rookery},
		},
		DefaultCapacity: 8,
	})
	require.NoError(t, err)

	rt := New(g)
	rt.Start(context.Background())
	defer rt.Close()

	traceID := "trace-6"
	in := envelope.New(traceID, envelope.Headers{}, envelope.Plain("in"), time.Time{})

	resultCh := make(chan *envelope.Envelope, 1)
	go func() {
		out, runErr := rt.Run(context.Background(), in)
		if runErr == nil {
			atomic.AddInt32(&emitted, 1)
			resultCh <- out
		}
	}()

	<-started
	rt.Cancel(traceID)
	rt.Cancel(traceID) // idempotent

	select {
	case out := <-resultCh:
		require.Equal(t, envelope.KindFlowError, out.Payload.Kind)
		assert.Equal(t, flowerr.Cancelled, out.Payload.Err.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cancellation result")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&emitted))
}

func TestCallPlaybookForwardsTraceAndDeadline(t *testing.T) {
	parentGraph, err := flowgraph.Assemble(flowgraph.Spec{
		Nodes:           []*flowgraph.Node{passthrough("A")},
		Edges:           []flowgraph.Edge{{Upstream: flowgraph.OpenSea, Downstream: "A"}, {Upstream: "A", Downstream: flowgraph.Rookery}},
		DefaultCapacity: 8,
	})
	require.NoError(t, err)
	rt := New(parentGraph)
	rt.Start(context.Background())
	defer rt.Close()

	deadline := time.Now().Add(time.Minute)
	parent := envelope.New("trace-7", envelope.Headers{Tenant: "acme"}, envelope.Plain("payload"), deadline)

	factory := func() (flowgraph.Spec, error) {
		return flowgraph.Spec{
			Nodes:           []*flowgraph.Node{passthrough("child")},
			Edges:           []flowgraph.Edge{{Upstream: flowgraph.OpenSea, Downstream: "child"}, {Upstream: "child", Downstream: flowgraph.Rookery}},
			DefaultCapacity: 8,
		}, nil
	}

	out, err := rt.CallPlaybook(context.Background(), factory, parent)
	require.NoError(t, err)
	assert.Equal(t, "trace-7", out.TraceID)
	assert.Equal(t, "acme", out.Headers.Tenant)
	assert.Equal(t, "payload", out.Payload.Value)
	assert.WithinDuration(t, deadline, out.Deadline, time.Second)
}
