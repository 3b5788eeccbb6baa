package openai

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/require"

	"github.com/penguiflow/penguiflow-go/planner"
)

// stubChatClient is a minimal in-memory stand-in for ChatClient.
type stubChatClient struct {
	lastParams openai.ChatCompletionNewParams
	resp       *openai.ChatCompletion
	err        error
}

func (s *stubChatClient) New(_ context.Context, params openai.ChatCompletionNewParams, _ ...option.RequestOption) (*openai.ChatCompletion, error) {
	s.lastParams = params
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

func TestComplete_JSONSchemaMode(t *testing.T) {
	stub := &stubChatClient{}
	cl, err := New(stub, Options{Model: "gpt-4o-mini", MaxTokens: 128})
	require.NoError(t, err)

	body, _ := json.Marshal(planner.Action{Kind: planner.ActionFinish, Answer: "done"})
	stub.resp = &openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: string(body)}},
		},
		Usage: openai.CompletionUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}

	completion, err := cl.Complete(context.Background(), testPrompt(planner.OutputModeJSONSchema), nil)
	require.NoError(t, err)
	require.Equal(t, planner.ActionFinish, completion.StructuredOutput.Kind)
	require.Equal(t, "done", completion.StructuredOutput.Answer)
	require.Equal(t, 15, completion.Usage.TotalTokens)
	require.NotNil(t, stub.lastParams.ResponseFormat.OfJSONSchema)
}

func TestComplete_JSONObjectMode(t *testing.T) {
	stub := &stubChatClient{}
	cl, err := New(stub, Options{Model: "gpt-4o-mini"})
	require.NoError(t, err)

	body, _ := json.Marshal(planner.Action{Kind: planner.ActionClarify, Question: "which one?"})
	stub.resp = &openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: string(body)}},
		},
	}

	completion, err := cl.Complete(context.Background(), testPrompt(planner.OutputModeJSONObject), nil)
	require.NoError(t, err)
	require.Equal(t, planner.ActionClarify, completion.StructuredOutput.Kind)
	require.NotNil(t, stub.lastParams.ResponseFormat.OfJSONObject)
	require.Nil(t, stub.lastParams.ResponseFormat.OfJSONSchema)
}

func TestComplete_NoChoicesIsParseError(t *testing.T) {
	stub := &stubChatClient{resp: &openai.ChatCompletion{}}
	cl, err := New(stub, Options{Model: "gpt-4o-mini"})
	require.NoError(t, err)

	_, err = cl.Complete(context.Background(), testPrompt(planner.OutputModeJSONSchema), nil)
	require.Error(t, err)
	var llmErr *planner.LLMError
	require.ErrorAs(t, err, &llmErr)
	require.Equal(t, planner.LLMErrParse, llmErr.Code)
}

func TestComplete_ClassifiesAuthError(t *testing.T) {
	stub := &stubChatClient{err: errors.New("401 invalid_api_key: incorrect key")}
	cl, err := New(stub, Options{Model: "gpt-4o-mini"})
	require.NoError(t, err)

	_, err = cl.Complete(context.Background(), testPrompt(planner.OutputModeJSONSchema), nil)
	var llmErr *planner.LLMError
	require.ErrorAs(t, err, &llmErr)
	require.Equal(t, planner.LLMErrAuth, llmErr.Code)
}

func TestNewRejectsMissingModel(t *testing.T) {
	_, err := New(&stubChatClient{}, Options{})
	require.Error(t, err)
}

func TestNewRejectsNilClient(t *testing.T) {
	_, err := New(nil, Options{Model: "gpt-4o-mini"})
	require.Error(t, err)
}
