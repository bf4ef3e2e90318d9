package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/legatohq/legato/pkg/message"
)

// OpenAIHandler drives the OpenAI Chat Completions API. The canonical
// model is block-oriented while chat completions are message-oriented, so
// conversion flattens tool results into tool-role messages and reattaches
// screenshots as user-turn image parts.
type OpenAIHandler struct {
	client    openai.Client
	model     string
	maxTokens int
}

// NewOpenAIHandler constructs a fresh handler for one job run.
func NewOpenAIHandler(opts Options) (Handler, error) {
	if opts.APIKey == "" {
		return nil, &AuthError{Provider: ProviderOpenAI, Err: errors.New("api key is empty")}
	}
	clientOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &OpenAIHandler{
		client:    openai.NewClient(clientOpts...),
		model:     opts.Model,
		maxTokens: maxTokens,
	}, nil
}

// Provider returns the registry id.
func (h *OpenAIHandler) Provider() string { return ProviderOpenAI }

// PrepareSystem keeps the system prompt as a plain string; it becomes the
// leading system message at call time.
func (h *OpenAIHandler) PrepareSystem(systemPrompt string) interface{} {
	return systemPrompt
}

// ConvertMessages flattens canonical history into chat-completion turns.
func (h *OpenAIHandler) ConvertMessages(msgs []message.Message) (interface{}, error) {
	var out []openai.ChatCompletionMessageParamUnion
	for i, msg := range msgs {
		switch msg.Role {
		case message.RoleAssistant:
			converted, err := convertAssistantTurn(msg)
			if err != nil {
				return nil, fmt.Errorf("message %d: %w", i, err)
			}
			out = append(out, converted)
		case message.RoleUser:
			out = append(out, convertUserTurn(msg)...)
		default:
			return nil, fmt.Errorf("message %d: unknown role %q", i, msg.Role)
		}
	}
	return out, nil
}

// convertAssistantTurn maps text plus tool_use blocks to one assistant
// message with function calls.
func convertAssistantTurn(msg message.Message) (openai.ChatCompletionMessageParamUnion, error) {
	uses := msg.ToolUses()
	if len(uses) == 0 {
		return openai.AssistantMessage(msg.TextContent()), nil
	}
	toolCalls := make([]openai.ChatCompletionMessageToolCall, 0, len(uses))
	for _, use := range uses {
		args, err := json.Marshal(use.Input)
		if err != nil {
			return openai.ChatCompletionMessageParamUnion{}, fmt.Errorf("failed to marshal arguments for %s: %w", use.Name, err)
		}
		toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCall{
			ID:   use.ID,
			Type: "function",
			Function: openai.ChatCompletionMessageToolCallFunction{
				Name:      use.Name,
				Arguments: string(args),
			},
		})
	}
	assistant := openai.ChatCompletionMessage{
		Role:      "assistant",
		Content:   msg.TextContent(),
		ToolCalls: toolCalls,
	}
	return assistant.ToParam(), nil
}

// convertUserTurn maps a user message; tool_result blocks become
// tool-role messages and their screenshots follow as a user image turn,
// since chat completions accept images only on user messages.
func convertUserTurn(msg message.Message) []openai.ChatCompletionMessageParamUnion {
	var out []openai.ChatCompletionMessageParamUnion
	var imageParts []openai.ChatCompletionContentPartUnionParam

	for _, b := range msg.Content {
		switch b.Type {
		case message.BlockText:
			out = append(out, openai.UserMessage(b.Text))
		case message.BlockImage:
			imageParts = append(imageParts, openai.ImageContentPart(
				openai.ChatCompletionContentPartImageImageURLParam{
					URL: "data:image/png;base64," + b.ImageData,
				},
			))
		case message.BlockToolResult:
			text := b.Output
			if b.Error != "" {
				text = b.Error
			}
			if text == "" {
				text = "Tool executed successfully"
			}
			out = append(out, openai.ToolMessage(b.ToolUseID, text))
			if b.ImageData != "" {
				imageParts = append(imageParts, openai.ImageContentPart(
					openai.ChatCompletionContentPartImageImageURLParam{
						URL: "data:image/png;base64," + b.ImageData,
					},
				))
			}
		}
	}
	if len(imageParts) > 0 {
		parts := append([]openai.ChatCompletionContentPartUnionParam{
			openai.TextContentPart("Screenshot after the last action:"),
		}, imageParts...)
		out = append(out, openai.UserMessage(parts))
	}
	return out
}

// PrepareTools maps vendor-neutral specs to function tools.
func (h *OpenAIHandler) PrepareTools(specs []ToolSpec) interface{} {
	tools := make([]openai.ChatCompletionToolParam, 0, len(specs))
	for _, spec := range specs {
		tools = append(tools, openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        spec.Name,
				Description: openai.String(spec.Description),
				Parameters:  openai.FunctionParameters(spec.InputSchema),
			},
		})
	}
	return tools
}

// CallAPI invokes chat completions and converts the response.
func (h *OpenAIHandler) CallAPI(ctx context.Context, system, msgs, tools interface{}) (*CallOutcome, error) {
	converted, ok := msgs.([]openai.ChatCompletionMessageParamUnion)
	if !ok {
		return nil, fmt.Errorf("messages were not converted by this handler")
	}
	var all []openai.ChatCompletionMessageParamUnion
	if s, ok := system.(string); ok && s != "" {
		all = append(all, openai.SystemMessage(s))
	}
	all = append(all, converted...)

	params := openai.ChatCompletionNewParams{
		Model:     openai.ChatModel(h.model),
		Messages:  all,
		MaxTokens: openai.Int(int64(h.maxTokens)),
	}
	toolParams, _ := tools.([]openai.ChatCompletionToolParam)
	if len(toolParams) > 0 {
		params.Tools = toolParams
	}

	// Built before the call so a failed request still leaves a usable
	// audit trail in the exchange log.
	reqSummary := summarizeRequest(ProviderOpenAI, h.model, h.maxTokens, len(all), len(toolParams))

	resp, err := h.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return &CallOutcome{RequestSummary: reqSummary}, classifyOpenAIErr(err)
	}
	if len(resp.Choices) == 0 {
		return &CallOutcome{RequestSummary: reqSummary},
			&CallError{Provider: ProviderOpenAI, Retryable: true, Err: errors.New("no response choices returned")}
	}

	choice := resp.Choices[0]
	msg := message.Message{Role: message.RoleAssistant}
	if choice.Message.Content != "" {
		msg.Content = append(msg.Content, message.NewText(choice.Message.Content))
	}
	for _, tc := range choice.Message.ToolCalls {
		var input map[string]interface{}
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
			return &CallOutcome{RequestSummary: reqSummary}, fmt.Errorf("failed to parse arguments for %s: %w", tc.Function.Name, err)
		}
		msg.Content = append(msg.Content, message.NewToolUse(tc.ID, tc.Function.Name, input))
	}

	var stop StopReason
	switch choice.FinishReason {
	case "stop":
		stop = StopEndTurn
	case "tool_calls":
		stop = StopToolUse
	case "length":
		stop = StopMaxTokens
	default:
		stop = StopOther
	}
	usage := Usage{
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
	}
	return &CallOutcome{
		Message:         msg,
		StopReason:      stop,
		Usage:           usage,
		RequestSummary:  reqSummary,
		ResponseSummary: summarizeResponse(msg, stop, usage),
	}, nil
}

// ParseToolUse extracts name and input from a canonical tool_use block.
func (h *OpenAIHandler) ParseToolUse(block message.ContentBlock) (string, map[string]interface{}, error) {
	return parseToolUseBlock(block)
}

// MakeToolResult pins the result block to the tool call id it answers.
func (h *OpenAIHandler) MakeToolResult(result message.ContentBlock, toolUseID string) message.ContentBlock {
	result.Type = message.BlockToolResult
	result.ToolUseID = toolUseID
	return result
}

// classifyOpenAIErr maps SDK errors onto the engine's taxonomy.
func classifyOpenAIErr(err error) error {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		if apierr.StatusCode == 401 || apierr.StatusCode == 403 {
			return &AuthError{Provider: ProviderOpenAI, Err: err}
		}
		return &CallError{
			Provider:  ProviderOpenAI,
			Status:    apierr.StatusCode,
			Retryable: retryableStatus(apierr.StatusCode),
			Err:       err,
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &CallError{Provider: ProviderOpenAI, Retryable: true, Err: err}
}
