// Package planner implements the ReAct-style loop that drives one run: query
// an LLM for the next action, dispatch it against the flow runtime's
// catalog, and repeat until the LLM finishes, asks for clarification, or a
// budget is exhausted.
package planner

import (
	"time"

	"github.com/penguiflow/penguiflow-go/flowerr"
)

// ActionKind discriminates the four shapes an LLM turn can request.
type ActionKind string

const (
	ActionFinish   ActionKind = "finish"
	ActionCall     ActionKind = "call"
	ActionParallel ActionKind = "parallel"
	ActionClarify  ActionKind = "clarify"
)

// Action is the structured output the LLM must produce each turn. Exactly
// one field group is populated, selected by Kind.
type Action struct {
	Kind ActionKind

	// Finish fields.
	Answer    string
	Artifacts map[string]any

	// Call fields.
	ToolName string
	Args     map[string]any

	// Parallel fields.
	Calls   []ToolCall
	JoinTool string

	// Clarify fields.
	Question string
}

// ToolCall names one entry of a parallel dispatch.
type ToolCall struct {
	ToolName string
	Args     map[string]any
}

// ToolOutcome is what one dispatched tool call produced, success or failure.
type ToolOutcome struct {
	ToolName string
	Result   any
	Err      *flowerr.Error
}

// TrajectoryStep records one dispatched action: the LLM's stated reasoning,
// the action, and what happened when it was dispatched. A parallel iteration
// records one step per call plus one for the join.
type TrajectoryStep struct {
	Thought     string
	Action      Action
	Observation any
	Err         *flowerr.Error
	LatencyMS   int64
}

// Digest replaces a run of older TrajectorySteps once they're summarized to
// stay under the token budget. It is never discarded outright — the compressed
// form is retained as a step in its own right.
type Digest struct {
	Summary        string
	CoveredSteps   int
	OriginalTokens int
}

// ConversationTurn is one exchange unit fed into short-term memory and, via
// the memory package's context snapshot, back into the planner's prompt.
type ConversationTurn struct {
	Role      string
	Content   string
	Timestamp time.Time
	Meta      map[string]any
}

// Budgets bounds a single run. Any field at zero means "unlimited" for that
// dimension.
type Budgets struct {
	MaxIters     int
	HopBudget    int
	DeadlineS    time.Duration
	TokenBudget  int
}

// Remaining is the live view of Budgets as the loop consumes them.
type Remaining struct {
	Budgets
	IterCount  int
	HopCount   int
	Deadline   time.Time
	TokensUsed int
}

// Exhausted reports whether any bound in r has been reached.
func (r Remaining) Exhausted(now time.Time) (flowerr.Code, bool) {
	if r.MaxIters > 0 && r.IterCount >= r.MaxIters {
		return flowerr.BudgetExhausted, true
	}
	if r.HopBudget > 0 && r.HopCount >= r.HopBudget {
		return flowerr.BudgetExhausted, true
	}
	if !r.Deadline.IsZero() && now.After(r.Deadline) {
		return flowerr.DeadlineExceeded, true
	}
	if r.TokenBudget > 0 && r.TokensUsed >= r.TokenBudget {
		return flowerr.BudgetExhausted, true
	}
	return "", false
}

// ToolVisibilityPolicy narrows the catalog presented to the LLM for one run.
// See catalog.VisibilityPolicy, which this is translated into at prompt-build
// time.
type ToolVisibilityPolicy struct {
	Whitelist    []string
	Blacklist    []string
	RequiredTags []string
}

// Outcome is what a run resolves to: exactly one of Finish, Pause, Clarify,
// or Failure is set.
type Outcome struct {
	Finish   *FinishResult
	Pause    *PauseState
	Clarify  *ClarifyResult
	Failure  *flowerr.Error
}

// FinishResult is the terminal successful payload of a run.
type FinishResult struct {
	Answer      string
	Artifacts   map[string]any
	Trajectory  []TrajectoryStep
	ReflectionScore float64
}

// ClarifyResult is returned when the LLM asks the caller a question instead
// of finishing; the run ends without error, awaiting a new submission.
type ClarifyResult struct {
	Question   string
	Trajectory []TrajectoryStep
}

// PauseState is the serializable snapshot persisted to the state store when
// a run is paused, and rehydrated on resume.
type PauseState struct {
	Query                string
	Trajectory           []TrajectoryStep
	MemoryState          any
	BudgetsRemaining     Remaining
	LastPromptFingerprint string
}
