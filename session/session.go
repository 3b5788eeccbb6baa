// Package session implements the per-session serialization layer: a
// versioned, hash-addressed context shared by foreground and background
// runs, a task registry tracking their lifecycle, an update broker
// fanning out progress events, and a steering inbox carrying real-time
// commands into an in-flight run.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Context is the versioned state one session carries across runs. ToolContext
// is runtime-only and must never be serialized into an LLM prompt; Hash is
// computed from LLMContext alone and used to detect patch divergence.
type Context struct {
	LLMContext  map[string]any
	ToolContext map[string]any
	Version     int
	Hash        string
	MemoryState []byte
}

// NewContext builds an empty, hashed Context at version 0.
func NewContext() Context {
	c := Context{LLMContext: map[string]any{}, ToolContext: map[string]any{}}
	c.Hash = hashLLMContext(c.LLMContext)
	return c
}

func hashLLMContext(llmContext map[string]any) string {
	b, _ := json.Marshal(llmContext)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// TaskType classifies what kind of work a TaskState represents.
type TaskType string

const (
	TaskForeground          TaskType = "foreground"
	TaskBackgroundSubagent  TaskType = "background_subagent"
	TaskBackgroundJob       TaskType = "background_job"
)

// TaskStatus is one point in a task's lifecycle.
type TaskStatus string

const (
	StatusPending   TaskStatus = "PENDING"
	StatusQueued    TaskStatus = "QUEUED"
	StatusRunning   TaskStatus = "RUNNING"
	StatusPaused    TaskStatus = "PAUSED"
	StatusComplete  TaskStatus = "COMPLETE"
	StatusFailed    TaskStatus = "FAILED"
	StatusCancelled TaskStatus = "CANCELLED"
)

// legalTransitions enumerates the allowed status edges. Terminal states have
// no outgoing edges.
var legalTransitions = map[TaskStatus][]TaskStatus{
	StatusPending: {StatusQueued, StatusCancelled},
	StatusQueued:  {StatusRunning, StatusCancelled},
	StatusRunning: {StatusPaused, StatusComplete, StatusFailed, StatusCancelled},
	StatusPaused:  {StatusRunning, StatusCancelled},
}

// CanTransition reports whether to is a legal next status from from.
func CanTransition(from, to TaskStatus) bool {
	for _, candidate := range legalTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether status has no legal outgoing transitions.
func IsTerminal(status TaskStatus) bool {
	return status == StatusComplete || status == StatusFailed || status == StatusCancelled
}

// TaskState is one registered unit of work under a session.
type TaskState struct {
	TaskID     string
	SessionID  string
	Type       TaskType
	Status     TaskStatus
	ParentID   string
	GroupID    string
	Priority   int
	StartedAt  time.Time
	FinishedAt time.Time
	Result     any
}

// MergeStrategy selects how a ContextPatch is folded into a session Context.
type MergeStrategy string

const (
	MergeAppend      MergeStrategy = "APPEND"
	MergeReplace     MergeStrategy = "REPLACE"
	MergeHumanGated  MergeStrategy = "HUMAN_GATED"
)

// ContextPatch is the result of a completed background task, staged for
// application back into the owning session's Context.
type ContextPatch struct {
	TaskID        string
	SourceVersion int
	SourceHash    string
	MergeStrategy MergeStrategy
	Facts         map[string]any
	Artifacts     map[string]any
	Payload       any
	Divergent     bool
}

// ApplyPatch folds patch into ctx per the completion & patch application
// algorithm, returning the updated Context. HUMAN_GATED patches are not
// applied here — callers hold them in pending approvals and call ApplyPatch
// only after an APPROVE steering event resolves the gate.
func ApplyPatch(ctx Context, patch ContextPatch) Context {
	patch.Divergent = patch.SourceHash != ctx.Hash

	next := ctx
	next.LLMContext = cloneMap(ctx.LLMContext)

	switch patch.MergeStrategy {
	case MergeAppend:
		for k, v := range patch.Facts {
			next.LLMContext[k] = v
		}
	case MergeReplace:
		for k, v := range patch.Facts {
			next.LLMContext[k] = v
		}
	}
	next.ToolContext = cloneMap(ctx.ToolContext)
	for k, v := range patch.Artifacts {
		next.ToolContext[k] = v
	}
	next.Version = ctx.Version + 1
	next.Hash = hashLLMContext(next.LLMContext)
	return next
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ContextDepth controls how much of a session's Context a background task
// snapshot captures.
type ContextDepth string

const (
	DepthFull    ContextDepth = "full"
	DepthSummary ContextDepth = "summary"
	DepthMinimal ContextDepth = "minimal"
)

// Snapshot captures ctx at the given depth for forking a background run.
func Snapshot(ctx Context, depth ContextDepth) Context {
	switch depth {
	case DepthMinimal:
		return Context{Version: ctx.Version, Hash: ctx.Hash, LLMContext: map[string]any{}, ToolContext: map[string]any{}}
	case DepthSummary:
		summary := map[string]any{}
		for k, v := range ctx.LLMContext {
			summary[k] = v
		}
		return Context{Version: ctx.Version, Hash: ctx.Hash, LLMContext: summary, ToolContext: map[string]any{}}
	default:
		return Context{
			Version:     ctx.Version,
			Hash:        ctx.Hash,
			LLMContext:  cloneMap(ctx.LLMContext),
			ToolContext: cloneMap(ctx.ToolContext),
			MemoryState: ctx.MemoryState,
		}
	}
}

// UpdateType enumerates the broker's publish-subscribe event kinds.
type UpdateType string

const (
	UpdateProgress        UpdateType = "progress"
	UpdateStatusChange    UpdateType = "status_change"
	UpdateResult          UpdateType = "result"
	UpdateError           UpdateType = "error"
	UpdateArtifactStored  UpdateType = "artifact_stored"
	UpdateResourceUpdated UpdateType = "resource_updated"
)

// Update is one event published through the broker.
type Update struct {
	TaskID  string
	Type    UpdateType
	Payload any
	At      time.Time
}

// GroupCompletionPolicy decides when a task group's aggregate report fires.
type GroupCompletionPolicy string

const (
	PolicyAll  GroupCompletionPolicy = "all"
	PolicyAny  GroupCompletionPolicy = "any"
	PolicyNone GroupCompletionPolicy = "none"
)

// CancelPropagation decides whether cancelling a group cascades to members.
type CancelPropagation string

const (
	PropagateCascade CancelPropagation = "cascade"
	PropagateIsolate CancelPropagation = "isolate"
)

// GroupStatus is a task group's own lifecycle, separate from its members'.
type GroupStatus string

const (
	GroupOpen     GroupStatus = "open"
	GroupSealed   GroupStatus = "sealed"
	GroupComplete GroupStatus = "complete"
	GroupFailed   GroupStatus = "failed"
)

// TaskGroup tracks a set of related background tasks spawned together.
type TaskGroup struct {
	GroupID           string
	SessionID         string
	Status            GroupStatus
	CompletionPolicy  GroupCompletionPolicy
	PropagateOnCancel CancelPropagation
	MemberTaskIDs     []string
}
