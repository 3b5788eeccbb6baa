// Command demo wires the planner loop, a session manager, and short-term
// memory together against a scripted LLM and a single echo tool, so the
// pieces can be exercised end to end without live model or store
// credentials.
package main

import (
	"context"
	"fmt"
	"time"

	"github.com/penguiflow/penguiflow-go/catalog"
	"github.com/penguiflow/penguiflow-go/envelope"
	"github.com/penguiflow/penguiflow-go/flowgraph"
	"github.com/penguiflow/penguiflow-go/flowruntime"
	"github.com/penguiflow/penguiflow-go/internal/telemetry"
	"github.com/penguiflow/penguiflow-go/memory"
	"github.com/penguiflow/penguiflow-go/planner"
	"github.com/penguiflow/penguiflow-go/session"
	"github.com/penguiflow/penguiflow-go/stream"
)

// scriptedLLM answers the very first turn with a "call" action against the
// echo tool, then finishes once the tool result comes back.
type scriptedLLM struct{ calledOnce bool }

func (s *scriptedLLM) Complete(ctx context.Context, prompt planner.Prompt, emit func(envelope.StreamChunk)) (planner.Completion, error) {
	if !s.calledOnce {
		s.calledOnce = true
		return planner.Completion{StructuredOutput: planner.Action{
			Kind:     planner.ActionCall,
			ToolName: "echo",
			Args:     map[string]any{"text": "hello from the planner"},
		}}, nil
	}
	return planner.Completion{StructuredOutput: planner.Action{
		Kind:   planner.ActionFinish,
		Answer: "done",
	}}, nil
}

// echoNode is the single flow-graph node the demo registers: it echoes its
// input payload back as its only emission.
func echoNode(ctx context.Context, in *envelope.Envelope) (flowgraph.Result, error) {
	var text any
	if args, ok := in.Payload.Value.(map[string]any); ok {
		text = args["text"]
	}
	return flowgraph.Result{Outputs: []flowgraph.Emission{{Payload: envelope.Plain(text)}}}, nil
}

func main() {
	ctx := context.Background()

	cat := catalog.New()
	if err := cat.Register(catalog.Entry{
		Name:        "echo",
		Description: "Echoes the given text back to the caller.",
		SideEffect:  catalog.SideEffectPure,
	}); err != nil {
		panic(err)
	}

	logger := telemetry.NewNoopLogger()

	graph, err := flowgraph.Assemble(flowgraph.Spec{
		Nodes: []*flowgraph.Node{{Name: "echo", Fn: echoNode}},
		Edges: []flowgraph.Edge{
			{Upstream: flowgraph.OpenSea, Downstream: "echo"},
			{Upstream: "echo", Downstream: flowgraph.Rookery},
		},
		DefaultCapacity: 4,
	})
	if err != nil {
		panic(err)
	}

	sessionID := "session-1"
	events := stream.NewSequencer(stream.SinkFunc(func(ev stream.Event) {
		fmt.Printf("[stream] seq=%d kind=%s trace=%s\n", ev.Seq, ev.Kind, ev.TraceID)
	}))

	rt := flowruntime.New(graph,
		flowruntime.WithLogger(logger),
		flowruntime.WithStream(events, sessionID),
	)
	rt.Start(ctx)
	defer rt.Close()

	mgr := session.NewManager(nil, session.NewBroker(16), session.BackgroundTasksConfig{}, logger)

	mem := memory.New(
		memory.Key{Tenant: "demo", User: "u1", Session: sessionID},
		memory.Config{Strategy: memory.StrategyTruncation, FullZoneTurns: 8},
		nil, nil, logger,
	)
	mem.AddTurn(ctx, planner.ConversationTurn{Role: "user", Content: "say hi to the echo tool", Timestamp: time.Now()})

	loop := &planner.Loop{
		Catalog:      cat,
		LLM:          &scriptedLLM{},
		Invoker:      planner.RuntimeInvoker{Runtime: rt},
		Steering:     planner.NoSteering{},
		Logger:       logger,
		SystemPrompt: "You are a demo planner that calls the echo tool once, then finishes.",
		MaxParallel:  1,
		MemoryBlock: func() string {
			snap := mem.GetContext(ctx)
			return snap.Summary
		},
	}

	trace := envelope.New("demo-trace-1", envelope.Headers{}, envelope.Plain(nil), time.Time{})
	task := mgr.RegisterTask(ctx, sessionID, session.TaskForeground, "", "", 0)
	if err := mgr.Transition(ctx, task.TaskID, session.StatusQueued); err != nil {
		panic(err)
	}
	if err := mgr.Transition(ctx, task.TaskID, session.StatusRunning); err != nil {
		panic(err)
	}

	outcome, err := loop.Run(ctx, trace, "say hi to the echo tool",
		planner.Budgets{MaxIters: 5, HopBudget: 5},
		planner.ToolVisibilityPolicy{})
	if err != nil {
		panic(err)
	}

	switch {
	case outcome.Finish != nil:
		fmt.Println("Answer:", outcome.Finish.Answer)
		_ = mgr.Transition(ctx, task.TaskID, session.StatusComplete)
	case outcome.Failure != nil:
		fmt.Println("Failure:", outcome.Failure.Error())
		_ = mgr.Transition(ctx, task.TaskID, session.StatusFailed)
	case outcome.Clarify != nil:
		fmt.Println("Clarify:", outcome.Clarify.Question)
	case outcome.Pause != nil:
		fmt.Println("Paused")
	}
}
