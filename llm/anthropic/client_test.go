package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/require"

	"github.com/penguiflow/penguiflow-go/planner"
)

// stubMessagesClient is a minimal in-memory stand-in for MessagesClient.
type stubMessagesClient struct {
	lastParams sdk.MessageNewParams
	resp       *sdk.Message
	err        error
}

func (s *stubMessagesClient) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.lastParams = body
	return s.resp, s.err
}

func testPrompt(mode planner.OutputMode) planner.Prompt {
	return planner.Prompt{
		Messages: []planner.Message{
			{Role: "system", Content: "you are a demo planner"},
			{Role: "user", Content: "say hi"},
		},
		OutputMode: mode,
	}
}

func TestComplete_EmitActionToolUse(t *testing.T) {
	stub := &stubMessagesClient{}
	cl, err := New(stub, Options{Model: "claude-3-5-sonnet", MaxTokens: 128})
	require.NoError(t, err)

	input, _ := json.Marshal(planner.Action{Kind: planner.ActionFinish, Answer: "done"})
	stub.resp = &sdk.Message{
		Content: []sdk.ContentBlockUnion{
			{Type: "tool_use", Name: emitActionTool, Input: input},
		},
		Usage: sdk.Usage{InputTokens: 10, OutputTokens: 5},
	}

	completion, err := cl.Complete(context.Background(), testPrompt(planner.OutputModeJSONSchema), nil)
	require.NoError(t, err)
	require.Equal(t, planner.ActionFinish, completion.StructuredOutput.Kind)
	require.Equal(t, "done", completion.StructuredOutput.Answer)
	require.Equal(t, 15, completion.Usage.TotalTokens)

	require.NotNil(t, stub.lastParams.Tools)
	require.Equal(t, sdk.Model("claude-3-5-sonnet"), stub.lastParams.Model)
}

func TestComplete_PromptedMode(t *testing.T) {
	stub := &stubMessagesClient{}
	cl, err := New(stub, Options{Model: "claude-3-5-sonnet"})
	require.NoError(t, err)

	stub.resp = &sdk.Message{
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: `{"kind":"clarify","question":"which one?"}`},
		},
	}

	completion, err := cl.Complete(context.Background(), testPrompt(planner.OutputModePrompted), nil)
	require.NoError(t, err)
	require.Equal(t, planner.ActionClarify, completion.StructuredOutput.Kind)
	require.Equal(t, "which one?", completion.StructuredOutput.Question)
	require.Nil(t, stub.lastParams.Tools)
}

func TestComplete_MissingToolCallIsParseError(t *testing.T) {
	stub := &stubMessagesClient{resp: &sdk.Message{}}
	cl, err := New(stub, Options{Model: "claude-3-5-sonnet"})
	require.NoError(t, err)

	_, err = cl.Complete(context.Background(), testPrompt(planner.OutputModeJSONSchema), nil)
	require.Error(t, err)
	var llmErr *planner.LLMError
	require.ErrorAs(t, err, &llmErr)
	require.Equal(t, planner.LLMErrParse, llmErr.Code)
}

func TestComplete_ClassifiesRateLimitError(t *testing.T) {
	stub := &stubMessagesClient{err: errors.New("429 rate_limit_error: too many requests")}
	cl, err := New(stub, Options{Model: "claude-3-5-sonnet"})
	require.NoError(t, err)

	_, err = cl.Complete(context.Background(), testPrompt(planner.OutputModeJSONSchema), nil)
	var llmErr *planner.LLMError
	require.ErrorAs(t, err, &llmErr)
	require.Equal(t, planner.LLMErrRateLimit, llmErr.Code)
}

func TestNewRejectsMissingModel(t *testing.T) {
	_, err := New(&stubMessagesClient{}, Options{})
	require.Error(t, err)
}

func TestNewRejectsNilClient(t *testing.T) {
	_, err := New(nil, Options{Model: "claude-3-5-sonnet"})
	require.Error(t, err)
}
