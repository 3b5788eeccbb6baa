// Package openai adapts github.com/openai/openai-go to the planner.LLM
// contract. Structured output uses the Chat Completions API's native
// json_schema response format for OutputModeJSONSchema, falls back to
// json_object for OutputModeJSONObject, and to a prompted free-text parse
// for OutputModePrompted — mirroring the OutputMode downgrade ladder the
// planner negotiates.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/penguiflow/penguiflow-go/envelope"
	"github.com/penguiflow/penguiflow-go/planner"
)

// ChatClient captures the subset of the openai-go client used by Client.
type ChatClient interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Options configures Client.
type Options struct {
	Model       string
	MaxTokens   int
	Temperature float64
}

// Client implements planner.LLM via the OpenAI Chat Completions API.
type Client struct {
	chat  ChatClient
	model string
	maxTok int
	temp  float64
}

// New builds a Client from a ChatClient (typically &openai.Client{}.Chat.Completions).
func New(chat ChatClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai: chat client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("openai: model identifier is required")
	}
	return &Client{chat: chat, model: opts.Model, maxTok: opts.MaxTokens, temp: opts.Temperature}, nil
}

// NewFromAPIKey constructs a Client using the default openai-go HTTP client
// authenticated with apiKey, which must be non-empty.
func NewFromAPIKey(apiKey, model string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	c := openai.NewClient(option.WithAPIKey(apiKey))
	return New(&c.Chat.Completions, Options{Model: model})
}

const actionSchemaName = "planner_action"

// Complete implements planner.LLM. emit is ignored: streaming is left to a
// future Stream method mirroring the SDK's streaming iterator, not required
// by any current caller.
func (c *Client) Complete(ctx context.Context, prompt planner.Prompt, emit func(envelope.StreamChunk)) (planner.Completion, error) {
	params, err := c.prepareRequest(prompt)
	if err != nil {
		return planner.Completion{}, &planner.LLMError{Code: planner.LLMErrParse, Cause: err}
	}

	resp, err := c.chat.New(ctx, *params)
	if err != nil {
		return planner.Completion{}, classifyError(err)
	}
	if len(resp.Choices) == 0 {
		return planner.Completion{}, &planner.LLMError{Code: planner.LLMErrParse, Cause: errors.New("openai: response had no choices")}
	}

	var action planner.Action
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &action); err != nil {
		return planner.Completion{}, &planner.LLMError{Code: planner.LLMErrParse, Cause: fmt.Errorf("openai: decoding action JSON: %w", err)}
	}

	return planner.Completion{
		StructuredOutput: action,
		Usage: planner.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

func (c *Client) prepareRequest(prompt planner.Prompt) (*openai.ChatCompletionNewParams, error) {
	if len(prompt.Messages) == 0 {
		return nil, errors.New("openai: at least one message is required")
	}
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(prompt.Messages))
	for _, m := range prompt.Messages {
		switch m.Role {
		case "system":
			messages = append(messages, openai.SystemMessage(m.Content))
		case "assistant":
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}

	params := &openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: messages,
	}
	if c.maxTok > 0 {
		params.MaxTokens = openai.Int(int64(c.maxTok))
	}
	if c.temp > 0 {
		params.Temperature = openai.Float(c.temp)
	}

	switch prompt.OutputMode {
	case planner.OutputModeJSONSchema:
		schema := prompt.Schema
		if schema == nil {
			schema = defaultActionSchema()
		}
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   actionSchemaName,
					Schema: schema,
					Strict: openai.Bool(true),
				},
			},
		}
	case planner.OutputModeJSONObject:
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}
	return params, nil
}

func defaultActionSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"kind":      map[string]any{"type": "string", "enum": []string{"finish", "call", "parallel", "clarify"}},
			"answer":    map[string]any{"type": "string"},
			"tool_name": map[string]any{"type": "string"},
			"args":      map[string]any{"type": "object"},
			"question":  map[string]any{"type": "string"},
		},
		"required": []string{"kind"},
	}
}

func classifyError(err error) *planner.LLMError {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429"):
		return &planner.LLMError{Code: planner.LLMErrRateLimit, Cause: err}
	case strings.Contains(msg, "503") || strings.Contains(msg, "502") || strings.Contains(msg, "overloaded"):
		return &planner.LLMError{Code: planner.LLMErrServiceUnavailable, Cause: err}
	case strings.Contains(msg, "401") || strings.Contains(msg, "invalid_api_key") || strings.Contains(msg, "authentication"):
		return &planner.LLMError{Code: planner.LLMErrAuth, Cause: err}
	case strings.Contains(msg, "context_length_exceeded") || strings.Contains(msg, "maximum context length"):
		return &planner.LLMError{Code: planner.LLMErrContextLength, Cause: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &planner.LLMError{Code: planner.LLMErrTimeout, Cause: err}
	default:
		return &planner.LLMError{Code: planner.LLMErrServiceUnavailable, Cause: err}
	}
}
