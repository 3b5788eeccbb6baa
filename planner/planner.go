package planner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/penguiflow/penguiflow-go/catalog"
	"github.com/penguiflow/penguiflow-go/envelope"
	"github.com/penguiflow/penguiflow-go/flowerr"
	"github.com/penguiflow/penguiflow-go/internal/telemetry"
)

// SteeringEventType enumerates the steering commands the loop drains at the
// top of every iteration.
type SteeringEventType string

const (
	SteerCancel        SteeringEventType = "CANCEL"
	SteerPause         SteeringEventType = "PAUSE"
	SteerInjectContext SteeringEventType = "INJECT_CONTEXT"
	SteerUserMessage   SteeringEventType = "USER_MESSAGE"
	SteerRedirect      SteeringEventType = "REDIRECT"
	SteerApprove       SteeringEventType = "APPROVE"
	SteerReject        SteeringEventType = "REJECT"
)

// SteeringEvent is one command pushed into a run's steering inbox.
type SteeringEvent struct {
	Type SteeringEventType
	Text string // INJECT_CONTEXT / USER_MESSAGE payload
	Goal string // REDIRECT payload
}

// SteeringInbox is drained non-blockingly at the top of every loop iteration.
// Concrete implementations live in package session; defined here so planner
// depends only on the shape it needs.
type SteeringInbox interface {
	Drain() []SteeringEvent
}

// NoSteering is a SteeringInbox that never has anything queued.
type NoSteering struct{}

// Drain implements SteeringInbox.
func (NoSteering) Drain() []SteeringEvent { return nil }

// Loop is the ReAct controller: it queries Loop.LLM for the next Action every
// iteration, dispatches it, and repeats until a terminal Outcome is reached
// or a budget is exhausted.
type Loop struct {
	Catalog    *catalog.Catalog
	LLM        LLM
	Invoker    ToolInvoker
	Summarizer Summarizer
	Critic     Critic
	Steering   SteeringInbox

	Logger  telemetry.Logger
	Metrics telemetry.Metrics

	SystemPrompt string
	// MemoryBlock, if set, is called once per iteration to fetch the current
	// short-term-memory context text (the rolling summary plus full zone).
	MemoryBlock func() string

	RepairAttempts    int
	ReflectionEnabled bool
	QualityThreshold  float64
	MaxRevisions      int
	MaxParallel       int
	TokenEstimator    func(string) int
}

func (l *Loop) estimateTokens(s string) int {
	if l.TokenEstimator != nil {
		return l.TokenEstimator(s)
	}
	return len(s)/4 + 1
}

func (l *Loop) logger() telemetry.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return telemetry.NewNoopLogger()
}

func (l *Loop) steering() SteeringInbox {
	if l.Steering != nil {
		return l.Steering
	}
	return NoSteering{}
}

// runState carries the mutable bookkeeping of one Run call across iterations.
type runState struct {
	query           string
	trajectory      []TrajectoryStep
	remaining       Remaining
	visibility      ToolVisibilityPolicy
	redirectGoal    string
	revisionsUsed   int
	pendingApproval *Action // a finish/call awaiting APPROVE/REJECT, if any
}

// Run executes the loop for one trace until a terminal Outcome is produced.
func (l *Loop) Run(ctx context.Context, trace *envelope.Envelope, query string, budgets Budgets, visibility ToolVisibilityPolicy) (Outcome, error) {
	st := &runState{
		query:      query,
		visibility: visibility,
		remaining:  newRemaining(budgets),
	}

	for {
		if code, exhausted := st.remaining.Exhausted(time.Now()); exhausted {
			return Outcome{Failure: flowerr.New(code, trace.TraceID, "planner budget exhausted")}, nil
		}

		if outcome, halt := l.drainSteering(trace, st); halt {
			return outcome, nil
		}

		prompt := l.buildPrompt(st)
		action, usage, err := l.callLLMWithRepair(ctx, prompt)
		st.remaining.IterCount++
		st.remaining.TokensUsed += usage.TotalTokens
		if err != nil {
			return Outcome{Failure: err}, nil
		}

		start := time.Now()
		steps, outcome, done := l.dispatch(ctx, trace, action, st)
		latencyMS := time.Since(start).Milliseconds()
		for i := range steps {
			steps[i].LatencyMS = latencyMS
		}
		st.trajectory = append(st.trajectory, steps...)

		if done {
			return outcome, nil
		}
	}
}

func newRemaining(b Budgets) Remaining {
	r := Remaining{Budgets: b}
	if b.DeadlineS > 0 {
		r.Deadline = time.Now().Add(b.DeadlineS)
	}
	return r
}

// drainSteering implements step 2 of the iteration algorithm.
func (l *Loop) drainSteering(trace *envelope.Envelope, st *runState) (Outcome, bool) {
	for _, ev := range l.steering().Drain() {
		switch ev.Type {
		case SteerCancel:
			return Outcome{Failure: flowerr.New(flowerr.Cancelled, trace.TraceID, "run cancelled via steering")}, true
		case SteerPause:
			return Outcome{Pause: &PauseState{
				Query:            st.query,
				Trajectory:       st.trajectory,
				BudgetsRemaining: st.remaining,
			}}, true
		case SteerInjectContext, SteerUserMessage:
			st.trajectory = append(st.trajectory, TrajectoryStep{Observation: ev.Text})
		case SteerRedirect:
			st.redirectGoal = ev.Goal
		case SteerApprove:
			st.pendingApproval = nil
		case SteerReject:
			st.pendingApproval = nil
			st.trajectory = append(st.trajectory, TrajectoryStep{Observation: "prior action rejected by steering"})
		}
	}
	return Outcome{}, false
}

// buildPrompt implements step 3: base system prompt, optional memory block,
// catalog, and the (possibly summarized) trajectory.
func (l *Loop) buildPrompt(st *runState) Prompt {
	var b strings.Builder
	b.WriteString(l.SystemPrompt)
	if st.redirectGoal != "" {
		fmt.Fprintf(&b, "\n\nRevised goal: %s", st.redirectGoal)
	}
	if l.MemoryBlock != nil {
		if mem := l.MemoryBlock(); mem != "" {
			b.WriteString("\n\n# Memory\n")
			b.WriteString(mem)
		}
	}
	if l.Catalog != nil {
		b.WriteString("\n\n# Tools\n")
		b.WriteString(l.Catalog.Prompt(catalog.VisibilityPolicy{
			Whitelist:    st.visibility.Whitelist,
			Blacklist:    st.visibility.Blacklist,
			RequiredTags: st.visibility.RequiredTags,
		}))
	}

	trajectoryText := renderTrajectory(st.trajectory)
	if st.remaining.TokenBudget > 0 && l.estimateTokens(trajectoryText) > st.remaining.TokenBudget && l.Summarizer != nil {
		st.trajectory = l.summarizeOldest(st.trajectory)
		trajectoryText = renderTrajectory(st.trajectory)
	}
	b.WriteString("\n\n# Trajectory\n")
	b.WriteString(trajectoryText)
	b.WriteString("\n\n# Query\n")
	b.WriteString(st.query)

	return Prompt{
		Messages:   []Message{{Role: "system", Content: b.String()}},
		OutputMode: OutputModeJSONSchema,
	}
}

func renderTrajectory(steps []TrajectoryStep) string {
	var b strings.Builder
	for i, s := range steps {
		fmt.Fprintf(&b, "%d. action=%s", i, s.Action.Kind)
		if s.Err != nil {
			fmt.Fprintf(&b, " error=%s(%s)", s.Err.Code, s.Err.Message)
		} else if s.Observation != nil {
			fmt.Fprintf(&b, " observation=%v", s.Observation)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// summarizeOldest compresses the oldest half of the trajectory into a
// single Digest step, never discarding it outright.
func (l *Loop) summarizeOldest(steps []TrajectoryStep) []TrajectoryStep {
	if len(steps) < 2 {
		return steps
	}
	cut := len(steps) / 2
	oldest, rest := steps[:cut], steps[cut:]
	text := renderTrajectory(oldest)
	summary, err := l.Summarizer.Summarize(context.Background(), text)
	if err != nil {
		l.logger().Warn(context.Background(), "trajectory summarization failed, keeping raw steps", "error", err)
		return steps
	}
	digestStep := TrajectoryStep{
		Thought: "compressed trajectory digest",
		Action:  Action{Kind: ActionFinish},
		Observation: Digest{
			Summary:        summary,
			CoveredSteps:   len(oldest),
			OriginalTokens: l.estimateTokens(text),
		},
	}
	return append([]TrajectoryStep{digestStep}, rest...)
}

// callLLMWithRepair implements step 4: call the LLM, retrying up to
// RepairAttempts times on malformed structured output, downgrading the
// output mode on repeated provider-side structured failures.
func (l *Loop) callLLMWithRepair(ctx context.Context, prompt Prompt) (Action, Usage, *flowerr.Error) {
	attempts := l.RepairAttempts
	if attempts < 0 {
		attempts = 0
	}
	mode := prompt.OutputMode
	var lastErr error
	for attempt := 0; attempt <= attempts; attempt++ {
		p := prompt
		p.OutputMode = mode
		completion, err := l.LLM.Complete(ctx, p, nil)
		if err == nil {
			return completion.StructuredOutput, completion.Usage, nil
		}
		lastErr = err
		var llmErr *LLMError
		if asLLMError(err, &llmErr) {
			switch llmErr.Code {
			case LLMErrContextLength:
				return Action{}, Usage{}, flowerr.Wrap(flowerr.LLMContextLength, "", err)
			case LLMErrServiceUnavailable, LLMErrRateLimit, LLMErrTimeout:
				if next, ok := mode.Downgrade(); ok {
					mode = next
				}
				continue
			case LLMErrAuth:
				return Action{}, Usage{}, flowerr.Wrap(flowerr.LLMUnavailable, "", err)
			case LLMErrParse:
				if next, ok := mode.Downgrade(); ok {
					mode = next
				}
				continue
			}
		}
	}
	return Action{}, Usage{}, flowerr.Wrap(flowerr.LLMParse, "", lastErr)
}

func asLLMError(err error, target **LLMError) bool {
	if le, ok := err.(*LLMError); ok {
		*target = le
		return true
	}
	return false
}

// dispatch implements step 5: route the chosen Action and produce the
// trajectory step(s) plus, if the run is now terminal, an Outcome. Most
// actions produce exactly one step; ActionParallel produces one per
// dispatched call plus one for the join, in order.
func (l *Loop) dispatch(ctx context.Context, trace *envelope.Envelope, action Action, st *runState) ([]TrajectoryStep, Outcome, bool) {
	switch action.Kind {
	case ActionFinish:
		return l.dispatchFinish(ctx, action, st)
	case ActionCall:
		return l.dispatchCall(ctx, trace, action, st)
	case ActionParallel:
		return l.dispatchParallel(ctx, trace, action, st)
	case ActionClarify:
		step := TrajectoryStep{Action: action}
		return []TrajectoryStep{step}, Outcome{Clarify: &ClarifyResult{Question: action.Question, Trajectory: append(st.trajectory, step)}}, true
	default:
		fe := flowerr.New(flowerr.LLMParse, trace.TraceID, fmt.Sprintf("unknown action kind %q", action.Kind))
		step := TrajectoryStep{Action: action, Err: fe}
		return []TrajectoryStep{step}, Outcome{Failure: fe}, true
	}
}

func (l *Loop) dispatchFinish(ctx context.Context, action Action, st *runState) ([]TrajectoryStep, Outcome, bool) {
	step := TrajectoryStep{Action: action, Observation: action.Answer}
	if !l.ReflectionEnabled || l.Critic == nil {
		return []TrajectoryStep{step}, Outcome{Finish: &FinishResult{Answer: action.Answer, Artifacts: action.Artifacts, Trajectory: append(st.trajectory, step)}}, true
	}

	result, err := l.Critic.Critique(ctx, action.Answer, []string{"completeness", "accuracy", "clarity"})
	if err != nil {
		// Critic failure never blocks the run: return the answer as-is.
		return []TrajectoryStep{step}, Outcome{Finish: &FinishResult{Answer: action.Answer, Artifacts: action.Artifacts, Trajectory: append(st.trajectory, step)}}, true
	}
	step.Observation = result
	if result.Score < l.QualityThreshold && st.revisionsUsed < l.MaxRevisions {
		st.revisionsUsed++
		step.Thought = "reflection requested a revision"
		return []TrajectoryStep{step}, Outcome{}, false
	}
	return []TrajectoryStep{step}, Outcome{Finish: &FinishResult{
		Answer:          action.Answer,
		Artifacts:       action.Artifacts,
		Trajectory:      append(st.trajectory, step),
		ReflectionScore: result.Score,
	}}, true
}

func (l *Loop) dispatchCall(ctx context.Context, trace *envelope.Envelope, action Action, st *runState) ([]TrajectoryStep, Outcome, bool) {
	if _, ok := l.Catalog.Lookup(action.ToolName); !ok {
		fe := flowerr.New(flowerr.RoutingInvalid, trace.TraceID, fmt.Sprintf("tool %q is not in the catalog", action.ToolName))
		return []TrajectoryStep{{Action: action, Err: fe}}, Outcome{}, false
	}
	if !visible(l.Catalog, st.visibility, action.ToolName) {
		fe := flowerr.New(flowerr.RoutingInvalid, trace.TraceID, fmt.Sprintf("tool %q is not visible under the current policy", action.ToolName))
		return []TrajectoryStep{{Action: action, Err: fe}}, Outcome{}, false
	}

	st.remaining.HopCount++
	result, fe := l.Invoker.InvokeTool(ctx, action.ToolName, action.Args, *trace)
	if fe != nil {
		return []TrajectoryStep{{Action: action, Err: fe}}, Outcome{}, false
	}
	return []TrajectoryStep{{Action: action, Observation: resultValue(result)}}, Outcome{}, false
}

// dispatchParallel fans action.Calls out (bounded by l.MaxParallel), then
// joins the results through action.JoinTool if set. It records one
// TrajectoryStep per dispatched call, in call order, followed by one more
// for the join — so a 2-call parallel dispatch with a join produces 3 steps,
// never a single collapsed one.
func (l *Loop) dispatchParallel(ctx context.Context, trace *envelope.Envelope, action Action, st *runState) ([]TrajectoryStep, Outcome, bool) {
	maxParallel := l.MaxParallel
	if maxParallel <= 0 {
		maxParallel = len(action.Calls)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallel)

	outcomes := make([]ToolOutcome, len(action.Calls))
	for i, call := range action.Calls {
		i, call := i, call
		g.Go(func() error {
			st2 := *st
			visOK := visible(l.Catalog, st2.visibility, call.ToolName)
			if !visOK {
				outcomes[i] = ToolOutcome{ToolName: call.ToolName, Err: flowerr.New(flowerr.RoutingInvalid, trace.TraceID, "tool not visible")}
				return nil
			}
			result, fe := l.Invoker.InvokeTool(gctx, call.ToolName, call.Args, *trace)
			if fe != nil {
				outcomes[i] = ToolOutcome{ToolName: call.ToolName, Err: fe}
				return nil
			}
			outcomes[i] = ToolOutcome{ToolName: call.ToolName, Result: resultValue(result)}
			return nil
		})
	}
	_ = g.Wait()
	st.remaining.HopCount += len(action.Calls)

	steps := make([]TrajectoryStep, 0, len(action.Calls)+1)
	var results []any
	var failures []map[string]any
	for i, o := range outcomes {
		callAction := Action{Kind: ActionCall, ToolName: action.Calls[i].ToolName, Args: action.Calls[i].Args}
		if o.Err != nil {
			steps = append(steps, TrajectoryStep{Action: callAction, Err: o.Err})
			failures = append(failures, map[string]any{"tool": o.ToolName, "code": string(o.Err.Code), "message": o.Err.Message})
			continue
		}
		steps = append(steps, TrajectoryStep{Action: callAction, Observation: o.Result})
		results = append(results, o.Result)
	}
	joined := map[string]any{"results": results, "failures": failures, "count": len(results)}

	joinAction := Action{Kind: ActionParallel, Calls: action.Calls, JoinTool: action.JoinTool}
	if action.JoinTool != "" && visible(l.Catalog, st.visibility, action.JoinTool) {
		st.remaining.HopCount++
		joinResult, fe := l.Invoker.InvokeTool(ctx, action.JoinTool, joined, *trace)
		if fe != nil {
			steps = append(steps, TrajectoryStep{Action: joinAction, Err: fe})
			return steps, Outcome{}, false
		}
		steps = append(steps, TrajectoryStep{Action: joinAction, Observation: resultValue(joinResult)})
		return steps, Outcome{}, false
	}
	steps = append(steps, TrajectoryStep{Action: joinAction, Observation: joined})
	return steps, Outcome{}, false
}

func visible(cat *catalog.Catalog, policy ToolVisibilityPolicy, name string) bool {
	if cat == nil {
		return true
	}
	filtered := cat.Filtered(catalog.VisibilityPolicy{
		Whitelist:    policy.Whitelist,
		Blacklist:    policy.Blacklist,
		RequiredTags: policy.RequiredTags,
	})
	for _, e := range filtered {
		if e.Name == name {
			return true
		}
	}
	return false
}

func resultValue(r any) any {
	return r
}
