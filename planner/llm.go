package planner

import (
	"context"

	"github.com/penguiflow/penguiflow-go/envelope"
)

// OutputMode negotiates how the LLM is asked to produce a structured Action.
// Providers are tried in descending preference; on a non-retryable
// structured-output failure the loop downgrades one level per attempt.
type OutputMode string

const (
	OutputModeJSONSchema OutputMode = "json_schema"
	OutputModeJSONObject OutputMode = "json_object"
	OutputModePrompted   OutputMode = "prompted"
)

// Downgrade returns the next less-strict OutputMode, or ok=false if m is
// already the least strict.
func (m OutputMode) Downgrade() (OutputMode, bool) {
	switch m {
	case OutputModeJSONSchema:
		return OutputModeJSONObject, true
	case OutputModeJSONObject:
		return OutputModePrompted, true
	default:
		return "", false
	}
}

// Message is one entry of the prompt sent to the LLM.
type Message struct {
	Role    string
	Content string
}

// Prompt is the full request sent to an LLM handle for one turn.
type Prompt struct {
	Messages   []Message
	OutputMode OutputMode
	// Schema describes the expected structured Action shape when OutputMode
	// is json_schema; nil for the other modes.
	Schema any
	Stream bool
}

// Usage reports token accounting for a single LLM call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Completion is what a successful LLM call returns.
type Completion struct {
	StructuredOutput Action
	Usage            Usage
}

// LLMErrorCode enumerates the provider-facing failure taxonomy surfaced to
// the planner, distinct from flowerr.Code: these are negotiated at the LLM
// boundary before a flowerr.Error is constructed from them.
type LLMErrorCode string

const (
	LLMErrContextLength      LLMErrorCode = "context_length"
	LLMErrRateLimit          LLMErrorCode = "rate_limit"
	LLMErrServiceUnavailable LLMErrorCode = "service_unavailable"
	LLMErrAuth               LLMErrorCode = "auth"
	LLMErrTimeout            LLMErrorCode = "timeout"
	LLMErrParse              LLMErrorCode = "parse"
)

// LLMError wraps a provider failure with its negotiated code.
type LLMError struct {
	Code  LLMErrorCode
	Cause error
}

func (e *LLMError) Error() string { return string(e.Code) + ": " + e.Cause.Error() }
func (e *LLMError) Unwrap() error { return e.Cause }

// LLM is the single operation the planner depends on to obtain the next
// Action. Streaming implementations publish StreamChunk payloads through
// emit as they arrive; emit may be nil when the caller doesn't want chunks.
type LLM interface {
	Complete(ctx context.Context, prompt Prompt, emit func(envelope.StreamChunk)) (Completion, error)
}

// Summarizer is the reduced LLM contract used to compress trajectory steps
// into a Digest and to produce rolling-summary memory text. It is often the
// same underlying client as LLM, narrowed to a single text-in/text-out call.
type Summarizer interface {
	Summarize(ctx context.Context, prompt string) (string, error)
}

// Critic is the reduced LLM contract used by the reflection sub-loop to
// score a proposed finish answer against quality criteria.
type Critic interface {
	Critique(ctx context.Context, answer string, criteria []string) (CritiqueResult, error)
}

// CritiqueResult is what a Critic returns for one proposed answer.
type CritiqueResult struct {
	Score    float64
	Feedback string
}
