package flowruntime

import (
	"context"
	"time"

	"github.com/penguiflow/penguiflow-go/envelope"
	"github.com/penguiflow/penguiflow-go/flowerr"
	"github.com/penguiflow/penguiflow-go/flowgraph"
	"github.com/penguiflow/penguiflow-go/internal/backoff"
	"github.com/penguiflow/penguiflow-go/internal/telemetry"
)

// executor wraps a single node invocation with validation, timeout, retry,
// and backoff, implementing the runtime's per-message, per-node execution
// algorithm.
type executor struct {
	node    *flowgraph.Node
	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer
	bus     Bus
}

// outcome captures the result of running a node to completion (possibly
// after retries): either a successful Result, or a terminal *flowerr.Error.
type outcome struct {
	result  flowgraph.Result
	flowErr *flowerr.Error
	attempts int
}

// Run validates the input, retries the node invocation under a computed
// budget, and validates the output, returning the outcome. now is injected
// for deterministic testing of deadline math.
func (ex *executor) Run(ctx context.Context, in *envelope.Envelope, now func() time.Time) outcome {
	if now == nil {
		now = time.Now
	}

	// Step 1: input validation.
	if ex.node.Policy.Validate == flowgraph.ValidateIn || ex.node.Policy.Validate == flowgraph.ValidateBoth {
		if ex.node.InputSchema != nil {
			if err := ex.node.InputSchema.Validate(payloadValue(in.Payload)); err != nil {
				return outcome{flowErr: flowerr.Wrap(flowerr.ValidationInput, in.TraceID, err).WithNode(ex.node.Name)}
			}
		}
	}

	maxRetries := ex.node.Policy.MaxRetries
	var lastErr *flowerr.Error
	attempts := 0
	for attempt := 0; attempt <= maxRetries; attempt++ {
		attempts = attempt + 1
		ex.bus.Publish(ctx, Event{Type: NodeStarted, TraceID: in.TraceID, NodeName: ex.node.Name, Attempt: attempt})

		budget, hasBudget := ex.computeBudget(in, now())
		callCtx := ctx
		var cancel context.CancelFunc
		if hasBudget {
			callCtx, cancel = context.WithTimeout(ctx, budget)
		}

		start := time.Now()
		result, err := ex.invoke(callCtx, in)
		latency := time.Since(start)
		ctxErr := callCtx.Err()
		if cancel != nil {
			cancel()
		}

		if err == nil {
			// Step 3: output validation.
			if ex.node.Policy.Validate == flowgraph.ValidateOut || ex.node.Policy.Validate == flowgraph.ValidateBoth {
				if ex.node.OutputSchema != nil {
					for _, em := range result.Outputs {
						if verr := ex.node.OutputSchema.Validate(payloadValue(em.Payload)); verr != nil {
							fe := flowerr.Wrap(flowerr.ValidationOutput, in.TraceID, verr).WithNode(ex.node.Name)
							ex.bus.Publish(ctx, Event{Type: NodeError, TraceID: in.TraceID, NodeName: ex.node.Name, Attempt: attempt, Err: fe, LatencyMS: latency.Milliseconds()})
							return outcome{flowErr: fe, attempts: attempt + 1}
						}
					}
				}
			}
			ex.bus.Publish(ctx, Event{Type: NodeFinished, TraceID: in.TraceID, NodeName: ex.node.Name, Attempt: attempt, LatencyMS: latency.Milliseconds()})
			return outcome{result: result, attempts: attempt + 1}
		}

		fe := classify(err, in.TraceID, ex.node.Name, ctxErr)
		lastErr = fe
		ex.bus.Publish(ctx, Event{Type: NodeError, TraceID: in.TraceID, NodeName: ex.node.Name, Attempt: attempt, Err: fe, LatencyMS: latency.Milliseconds()})

		if !flowerr.Retryable(fe.Code) || attempt >= maxRetries {
			break
		}
		if !ex.deadlineAllowsRetry(in, now()) {
			break
		}
		cfg := backoff.Config{Base: ex.node.Policy.BackoffBase, Mult: ex.node.Policy.BackoffMult, Max: ex.node.Policy.MaxBackoff}
		if err := backoff.Sleep(ctx, cfg, attempt); err != nil {
			lastErr = flowerr.Wrap(flowerr.Cancelled, in.TraceID, err).WithNode(ex.node.Name)
			break
		}
	}
	return outcome{flowErr: lastErr.WithMetadata("attempts", attempts), attempts: attempts}
}

// computeBudget returns min(policy.TimeoutS, deadline-now). The boolean is
// false when neither a policy timeout nor a deadline is set, meaning the
// invocation runs with no additional timeout.
func (ex *executor) computeBudget(in *envelope.Envelope, now time.Time) (time.Duration, bool) {
	var candidates []time.Duration
	if ex.node.Policy.TimeoutS > 0 {
		candidates = append(candidates, ex.node.Policy.TimeoutS)
	}
	if remaining, ok := in.Remaining(now); ok {
		candidates = append(candidates, remaining)
	}
	if len(candidates) == 0 {
		return 0, false
	}
	min := candidates[0]
	for _, c := range candidates[1:] {
		if c < min {
			min = c
		}
	}
	if min < 0 {
		min = 0
	}
	return min, true
}

// deadlineAllowsRetry reports whether the envelope's overall deadline still
// leaves room for another attempt.
func (ex *executor) deadlineAllowsRetry(in *envelope.Envelope, now time.Time) bool {
	if !in.HasDeadline() {
		return true
	}
	return now.Before(in.Deadline)
}

func (ex *executor) invoke(ctx context.Context, in *envelope.Envelope) (flowgraph.Result, error) {
	done := make(chan struct{})
	var result flowgraph.Result
	var err error
	go func() {
		defer close(done)
		result, err = ex.node.Fn(ctx, in)
	}()
	select {
	case <-done:
		return result, err
	case <-ctx.Done():
		return flowgraph.Result{}, ctx.Err()
	}
}

// classify maps a raw node error into the shared error taxonomy: context
// deadline/cancellation becomes TIMEOUT or CANCELLED, a *flowerr.Error is
// passed through unchanged (the node already classified itself, e.g. a
// declared transient error), and anything else is PERMANENT_TOOL.
func classify(err error, traceID, nodeName string, ctxErr error) *flowerr.Error {
	if fe, ok := asFlowErr(err); ok {
		return fe.WithNode(nodeName)
	}
	if ctxErr == context.DeadlineExceeded {
		return flowerr.Wrap(flowerr.Timeout, traceID, err).WithNode(nodeName)
	}
	if ctxErr == context.Canceled {
		return flowerr.Wrap(flowerr.Cancelled, traceID, err).WithNode(nodeName)
	}
	return flowerr.Wrap(flowerr.PermanentTool, traceID, err).WithNode(nodeName)
}

func asFlowErr(err error) (*flowerr.Error, bool) {
	if fe, ok := err.(*flowerr.Error); ok {
		return fe, true
	}
	return nil, false
}

func payloadValue(p envelope.Payload) any {
	switch p.Kind {
	case envelope.KindPlain:
		return p.Value
	case envelope.KindStreamChunk:
		return p.Chunk
	case envelope.KindFlowError:
		return p.Err
	default:
		return nil
	}
}
