// Package anthropic adapts github.com/anthropics/anthropic-sdk-go to the
// planner.LLM contract. Structured output is obtained by forcing a single
// tool call ("emit_action") whose input schema matches the requested
// planner.Action shape, since Claude's Messages API has no native JSON
// response-format switch; in the prompted fallback no tool is forced and the
// reply text is parsed as a JSON object.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/penguiflow/penguiflow-go/envelope"
	"github.com/penguiflow/penguiflow-go/planner"
)

const emitActionTool = "emit_action"

// MessagesClient captures the subset of the Anthropic SDK used by Client. It
// is satisfied by *sdk.MessageService so callers can pass either a real
// client or a stub in tests.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Options configures Client.
type Options struct {
	Model       string
	MaxTokens   int
	Temperature float64
}

// Client implements planner.LLM on top of Anthropic Claude Messages.
type Client struct {
	msg   MessagesClient
	model string
	maxTok int
	temp  float64
}

// New builds a Client. msg and opts.Model are required.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic: messages client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("anthropic: model identifier is required")
	}
	maxTok := opts.MaxTokens
	if maxTok <= 0 {
		maxTok = 4096
	}
	return &Client{msg: msg, model: opts.Model, maxTok: maxTok, temp: opts.Temperature}, nil
}

// NewFromAPIKey constructs a Client using the default Anthropic HTTP client
// authenticated with apiKey, which must be non-empty.
func NewFromAPIKey(apiKey, model string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{Model: model})
}

// Complete implements planner.LLM. emit is ignored: this adapter only
// supports non-streaming completion; streaming is left to a future Stream
// method mirroring the Anthropic SDK's NewStreaming, not required by any
// current caller.
func (c *Client) Complete(ctx context.Context, prompt planner.Prompt, emit func(envelope.StreamChunk)) (planner.Completion, error) {
	params, err := c.prepareRequest(prompt)
	if err != nil {
		return planner.Completion{}, &planner.LLMError{Code: planner.LLMErrParse, Cause: err}
	}

	msg, err := c.msg.New(ctx, *params)
	if err != nil {
		return planner.Completion{}, classifyError(err)
	}

	action, err := extractAction(msg, prompt.OutputMode)
	if err != nil {
		return planner.Completion{}, &planner.LLMError{Code: planner.LLMErrParse, Cause: err}
	}

	usage := planner.Usage{}
	if msg.Usage.InputTokens != 0 || msg.Usage.OutputTokens != 0 {
		usage = planner.Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		}
	}
	return planner.Completion{StructuredOutput: action, Usage: usage}, nil
}

func (c *Client) prepareRequest(prompt planner.Prompt) (*sdk.MessageNewParams, error) {
	if len(prompt.Messages) == 0 {
		return nil, errors.New("anthropic: at least one message is required")
	}
	var system []sdk.TextBlockParam
	conversation := make([]sdk.MessageParam, 0, len(prompt.Messages))
	for _, m := range prompt.Messages {
		if m.Role == "system" {
			system = append(system, sdk.TextBlockParam{Text: m.Content})
			continue
		}
		block := sdk.NewTextBlock(m.Content)
		if m.Role == "assistant" {
			conversation = append(conversation, sdk.NewAssistantMessage(block))
		} else {
			conversation = append(conversation, sdk.NewUserMessage(block))
		}
	}
	if len(conversation) == 0 {
		conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock("proceed")))
	}

	params := &sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: int64(c.maxTok),
		Messages:  conversation,
	}
	if len(system) > 0 {
		params.System = system
	}
	if c.temp > 0 {
		params.Temperature = sdk.Float(c.temp)
	}

	if prompt.OutputMode != planner.OutputModePrompted {
		schema, err := actionInputSchema(prompt.Schema)
		if err != nil {
			return nil, err
		}
		tool := sdk.ToolUnionParamOfTool(schema, emitActionTool)
		if tool.OfTool != nil {
			tool.OfTool.Description = sdk.String("Emit the next planner action as structured input.")
		}
		params.Tools = []sdk.ToolUnionParam{tool}
		params.ToolChoice = sdk.ToolChoiceParamOfTool(emitActionTool)
	}
	return params, nil
}

func actionInputSchema(schema any) (sdk.ToolInputSchemaParam, error) {
	if schema == nil {
		return sdk.ToolInputSchemaParam{ExtraFields: defaultActionSchema()}, nil
	}
	b, err := json.Marshal(schema)
	if err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}, nil
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

func extractAction(msg *sdk.Message, mode planner.OutputMode) (planner.Action, error) {
	if msg == nil {
		return planner.Action{}, errors.New("anthropic: nil response")
	}
	if mode == planner.OutputModePrompted {
		return parsePromptedAction(msg)
	}
	for _, block := range msg.Content {
		if block.Type != "tool_use" || block.Name != emitActionTool {
			continue
		}
		var a planner.Action
		if err := json.Unmarshal(block.Input, &a); err != nil {
			return planner.Action{}, fmt.Errorf("anthropic: decoding action tool input: %w", err)
		}
		return a, nil
	}
	return planner.Action{}, errors.New("anthropic: response did not include an emit_action tool call")
}

func parsePromptedAction(msg *sdk.Message) (planner.Action, error) {
	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	var a planner.Action
	if err := json.Unmarshal([]byte(text.String()), &a); err != nil {
		return planner.Action{}, fmt.Errorf("anthropic: parsing prompted action JSON: %w", err)
	}
	return a, nil
}

func classifyError(err error) *planner.LLMError {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate_limit") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "429"):
		return &planner.LLMError{Code: planner.LLMErrRateLimit, Cause: err}
	case strings.Contains(msg, "overloaded") || strings.Contains(msg, "503") || strings.Contains(msg, "502"):
		return &planner.LLMError{Code: planner.LLMErrServiceUnavailable, Cause: err}
	case strings.Contains(msg, "authentication") || strings.Contains(msg, "401") || strings.Contains(msg, "permission"):
		return &planner.LLMError{Code: planner.LLMErrAuth, Cause: err}
	case strings.Contains(msg, "context") && (strings.Contains(msg, "too long") || strings.Contains(msg, "maximum context")):
		return &planner.LLMError{Code: planner.LLMErrContextLength, Cause: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &planner.LLMError{Code: planner.LLMErrTimeout, Cause: err}
	default:
		return &planner.LLMError{Code: planner.LLMErrServiceUnavailable, Cause: err}
	}
}
