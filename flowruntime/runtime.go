package flowruntime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/penguiflow/penguiflow-go/envelope"
	"github.com/penguiflow/penguiflow-go/flowerr"
	"github.com/penguiflow/penguiflow-go/floe"
	"github.com/penguiflow/penguiflow-go/flowgraph"
)

type edgeKey struct{ Upstream, Downstream string }

// Runtime executes one assembled flowgraph.Graph: it instantiates one Floe
// per declared edge, spawns one worker goroutine per node plus one drainer
// per edge terminating at ROOKERY, and enforces per-trace capacity,
// deadlines, and cancellation across the whole run.
type Runtime struct {
	graph *flowgraph.Graph
	opts  Options
	floes map[edgeKey]*floe.Floe[*envelope.Envelope]
	gate  *capacityGate

	eg        *errgroup.Group
	rootCtx   context.Context
	rootCancel context.CancelFunc

	traceMu    sync.Mutex
	traceCtx   map[string]context.Context
	traceDone  map[string]context.CancelFunc
	cancelled  map[string]bool
	cancelSent map[string]bool
	seeds      map[string]*envelope.Envelope
	results    map[string]chan *envelope.Envelope
}

// New constructs a Runtime for graph. The Runtime does not start executing
// until Start is called.
func New(graph *flowgraph.Graph, opts ...Option) *Runtime {
	o := defaultOptions(opts...)
	if o.Stream != nil {
		_, _ = o.Hooks.Register(NewStreamBridge(o.Stream, o.SessionID))
	}
	floes := make(map[edgeKey]*floe.Floe[*envelope.Envelope], len(graph.Edges()))
	for _, e := range graph.Edges() {
		floes[edgeKey{e.Upstream, e.Downstream}] = floe.New[*envelope.Envelope](graph.CapacityFor(e), e.Upstream, e.Downstream)
	}
	return &Runtime{
		graph:      graph,
		opts:       o,
		floes:      floes,
		gate:       newCapacityGate(o.MaxPendingPerTrace, o.rateLimiter()),
		traceCtx:   make(map[string]context.Context),
		traceDone:  make(map[string]context.CancelFunc),
		cancelled:  make(map[string]bool),
		cancelSent: make(map[string]bool),
		seeds:      make(map[string]*envelope.Envelope),
		results:    make(map[string]chan *envelope.Envelope),
	}
}

// Start spawns one worker per node and one drainer per ROOKERY-bound edge,
// all under a context derived from parent. It returns immediately; call
// Wait or Close to synchronize with shutdown.
func (r *Runtime) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	r.rootCancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	r.eg = g
	r.rootCtx = gctx

	for _, name := range r.graph.Nodes() {
		node, _ := r.graph.Node(name)
		g.Go(func() error { return r.runNodeWorker(gctx, node) })
	}
	for key, f := range r.floes {
		if key.Downstream == flowgraph.Rookery {
			f := f
			g.Go(func() error { return r.runEgress(gctx, f) })
		}
	}
}

// Wait blocks until every worker goroutine has exited, returning the first
// non-nil error any of them returned.
func (r *Runtime) Wait() error {
	if r.eg == nil {
		return nil
	}
	return r.eg.Wait()
}

// Close cancels every in-flight worker and waits for shutdown.
func (r *Runtime) Close() error {
	if r.rootCancel != nil {
		r.rootCancel()
	}
	return r.Wait()
}

// InvokeNode runs the named node directly against env, bypassing the
// graph's Floe routing. This is how the planner's tool dispatch calls a
// catalog entry: not as a step in this graph's own topology, but as a
// synchronous, validated-and-retried call made outside the queueing path.
func (r *Runtime) InvokeNode(ctx context.Context, name string, env *envelope.Envelope) (flowgraph.Result, *flowerr.Error) {
	node, ok := r.graph.Node(name)
	if !ok {
		return flowgraph.Result{}, flowerr.New(flowerr.RoutingInvalid, env.TraceID, fmt.Sprintf("unknown tool %q", name))
	}
	ex := &executor{node: node, logger: r.opts.Logger, metrics: r.opts.Metrics, tracer: r.opts.Tracer, bus: r.opts.Hooks}
	out := ex.Run(ctx, env, nil)
	return out.result, out.flowErr
}

// Submit enqueues env onto every OPEN_SEA-origin edge declared in the graph.
// It does not wait for a terminal result; use Run for that.
func (r *Runtime) Submit(ctx context.Context, env *envelope.Envelope) error {
	r.traceMu.Lock()
	r.seeds[env.TraceID] = env
	r.traceMu.Unlock()

	var entries []flowgraph.Edge
	for _, e := range r.graph.Edges() {
		if e.Upstream == flowgraph.OpenSea {
			entries = append(entries, e)
		}
	}
	if len(entries) == 0 {
		return flowerr.New(flowerr.RoutingInvalid, env.TraceID, "graph declares no ingress edge from OPEN_SEA")
	}
	for _, e := range entries {
		if err := r.enqueue(ctx, flowgraph.OpenSea, e.Downstream, env); err != nil {
			return err
		}
	}
	return nil
}

// Run submits env and blocks until exactly one terminal envelope reaches
// ROOKERY for its trace, or ctx is done first.
func (r *Runtime) Run(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	ch := r.resultChan(env.TraceID)
	if err := r.Submit(ctx, env); err != nil {
		return nil, err
	}
	select {
	case out := <-ch:
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PlaybookFactory builds the graph for a sub-flow invocation.
type PlaybookFactory func() (flowgraph.Spec, error)

// CallPlaybook assembles a fresh graph from factory, forwards the parent
// message's trace id, headers, and deadline into it, submits the message,
// and awaits exactly one terminal payload. Cancellation of the parent trace
// cascades to the child; the child inherits but never escapes the parent's
// deadline, since every envelope it carries shares the same Deadline value.
func (r *Runtime) CallPlaybook(ctx context.Context, factory PlaybookFactory, parent *envelope.Envelope) (*envelope.Envelope, error) {
	spec, err := factory()
	if err != nil {
		return nil, flowerr.Wrap(flowerr.RoutingInvalid, parent.TraceID, err)
	}
	childGraph, err := flowgraph.Assemble(spec)
	if err != nil {
		return nil, err
	}
	child := New(childGraph, func(o *Options) { *o = r.opts })
	child.Start(ctx)
	defer child.Close()

	parentCtx := r.traceContext(ctx, parent.TraceID)
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-parentCtx.Done():
			child.Cancel(parent.TraceID)
		case <-watchDone:
		}
	}()
	defer close(watchDone)

	childEnv := envelope.New(parent.TraceID, parent.Headers, parent.Payload, parent.Deadline)
	return child.Run(ctx, childEnv)
}

// Cancel marks traceID cancelled. All workers observe the mark at their next
// suspension point and discard in-flight work for that trace, and exactly
// one terminal CANCELLED envelope is dispatched. Cancel is idempotent.
func (r *Runtime) Cancel(traceID string) {
	r.traceMu.Lock()
	r.cancelled[traceID] = true
	done := r.traceDone[traceID]
	r.traceMu.Unlock()
	if done != nil {
		done()
	}
	r.emitCancelledOnce(traceID)
}

func (r *Runtime) isCancelled(traceID string) bool {
	r.traceMu.Lock()
	defer r.traceMu.Unlock()
	return r.cancelled[traceID]
}

// traceContext returns a context derived from parent that Cancel(traceID)
// will cancel. The same context is returned for repeated calls with the same
// traceID so every worker touching a trace observes one shared cancel signal.
func (r *Runtime) traceContext(parent context.Context, traceID string) context.Context {
	r.traceMu.Lock()
	defer r.traceMu.Unlock()
	if ctx, ok := r.traceCtx[traceID]; ok {
		return ctx
	}
	ctx, cancel := context.WithCancel(parent)
	r.traceCtx[traceID] = ctx
	r.traceDone[traceID] = cancel
	if r.cancelled[traceID] {
		cancel()
	}
	return ctx
}

func (r *Runtime) emitCancelledOnce(traceID string) {
	r.traceMu.Lock()
	if r.cancelSent[traceID] {
		r.traceMu.Unlock()
		return
	}
	r.cancelSent[traceID] = true
	seed := r.seeds[traceID]
	r.traceMu.Unlock()
	if seed == nil {
		seed = envelope.New(traceID, envelope.Headers{}, envelope.Plain(nil), time.Time{})
	}
	r.dispatch(seed.Next(envelope.FlowError(flowerr.New(flowerr.Cancelled, traceID, "trace cancelled"))))
}

// runNodeWorker fans in every inbound Floe for node into a single channel and
// processes deliveries one at a time.
func (r *Runtime) runNodeWorker(ctx context.Context, node *flowgraph.Node) error {
	ex := &executor{node: node, logger: r.opts.Logger, metrics: r.opts.Metrics, tracer: r.opts.Tracer, bus: r.opts.Hooks}

	var inbound []*floe.Floe[*envelope.Envelope]
	for key, f := range r.floes {
		if key.Downstream == node.Name {
			inbound = append(inbound, f)
		}
	}

	in := make(chan *envelope.Envelope)
	var wg sync.WaitGroup
	for _, f := range inbound {
		f := f
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				env, err := f.Get(ctx)
				if err != nil {
					return
				}
				r.gate.Release(env.TraceID)
				select {
				case in <- env:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	go func() { wg.Wait(); close(in) }()

	for {
		select {
		case env, ok := <-in:
			if !ok {
				return nil
			}
			r.deliver(ctx, node, ex, env)
		case <-ctx.Done():
			return nil
		}
	}
}

// deliver applies cancellation and deadline checks before handing env to the
// node's executor, then routes every emitted output.
func (r *Runtime) deliver(ctx context.Context, node *flowgraph.Node, ex *executor, env *envelope.Envelope) {
	if r.isCancelled(env.TraceID) {
		r.emitCancelledOnce(env.TraceID)
		return
	}
	if env.Expired(time.Now()) {
		r.dispatch(env.Next(envelope.FlowError(flowerr.New(flowerr.DeadlineExceeded, env.TraceID, "deadline exceeded before delivery").WithNode(node.Name))))
		return
	}

	traceCtx := r.traceContext(ctx, env.TraceID)
	out := ex.Run(traceCtx, env, nil)
	if out.flowErr != nil {
		if out.flowErr.Code == flowerr.Cancelled {
			r.emitCancelledOnce(env.TraceID)
			return
		}
		r.dispatch(env.Next(envelope.FlowError(out.flowErr)))
		return
	}
	for _, em := range out.result.Outputs {
		r.route(ctx, node.Name, env, em)
	}
}

// route sends one emission to its targets (explicit routing hints, or a
// fan-out to every declared successor when none are given), failing unknown
// targets with ROUTING_INVALID.
func (r *Runtime) route(ctx context.Context, nodeName string, parent *envelope.Envelope, em flowgraph.Emission) {
	targets := em.Targets
	if len(targets) == 0 {
		targets = r.graph.Successors(nodeName)
	}
	for _, target := range targets {
		if !isSuccessor(r.graph.Successors(nodeName), target) {
			r.dispatch(parent.Next(envelope.FlowError(
				flowerr.New(flowerr.RoutingInvalid, parent.TraceID, fmt.Sprintf("node %q has no successor %q", nodeName, target)).WithNode(nodeName),
			)))
			continue
		}
		next := parent.Next(em.Payload)
		if err := r.enqueue(ctx, nodeName, target, next); err != nil {
			r.opts.Logger.Error(ctx, "failed to enqueue routed message", "trace_id", parent.TraceID, "from", nodeName, "to", target, "error", err)
		}
	}
}

func isSuccessor(successors []string, target string) bool {
	for _, s := range successors {
		if s == target {
			return true
		}
	}
	return false
}

// enqueue acquires a per-trace capacity slot, then places env on the Floe
// declared between upstream and downstream.
func (r *Runtime) enqueue(ctx context.Context, upstream, downstream string, env *envelope.Envelope) error {
	f, ok := r.floes[edgeKey{upstream, downstream}]
	if !ok {
		return flowerr.New(flowerr.RoutingInvalid, env.TraceID, fmt.Sprintf("no edge declared from %q to %q", upstream, downstream))
	}
	if err := r.gate.Acquire(ctx, env.TraceID); err != nil {
		return flowerr.Wrap(flowerr.Cancelled, env.TraceID, err)
	}
	if err := f.Put(ctx, env); err != nil {
		r.gate.Release(env.TraceID)
		return flowerr.Wrap(flowerr.Cancelled, env.TraceID, err)
	}
	return nil
}

// runEgress drains a single ROOKERY-bound Floe, dispatching each envelope to
// its trace's terminal result channel.
func (r *Runtime) runEgress(ctx context.Context, f *floe.Floe[*envelope.Envelope]) error {
	for {
		env, err := f.Get(ctx)
		if err != nil {
			return nil
		}
		r.gate.Release(env.TraceID)
		r.dispatch(env)
	}
}

func (r *Runtime) resultChan(traceID string) chan *envelope.Envelope {
	r.traceMu.Lock()
	defer r.traceMu.Unlock()
	ch, ok := r.results[traceID]
	if !ok {
		ch = make(chan *envelope.Envelope, 4)
		r.results[traceID] = ch
	}
	return ch
}

func (r *Runtime) dispatch(env *envelope.Envelope) {
	r.opts.Hooks.Publish(context.Background(), Event{Type: MessageEmitted, TraceID: env.TraceID, Payload: env.Payload})
	ch := r.resultChan(env.TraceID)
	select {
	case ch <- env:
	default:
		r.opts.Logger.Warn(context.Background(), "terminal result channel full, dropping envelope", "trace_id", env.TraceID)
	}
}
