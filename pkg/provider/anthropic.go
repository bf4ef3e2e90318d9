package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/legatohq/legato/pkg/message"
)

// AnthropicHandler drives the Anthropic Messages API. The canonical model
// maps almost one-to-one onto Anthropic content blocks, so conversion is
// mostly structural.
type AnthropicHandler struct {
	client    anthropic.Client
	model     string
	maxTokens int
}

// NewAnthropicHandler constructs a fresh handler for one job run.
func NewAnthropicHandler(opts Options) (Handler, error) {
	if opts.APIKey == "" {
		return nil, &AuthError{Provider: ProviderAnthropic, Err: errors.New("api key is empty")}
	}
	clientOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &AnthropicHandler{
		client:    anthropic.NewClient(clientOpts...),
		model:     opts.Model,
		maxTokens: maxTokens,
	}, nil
}

// Provider returns the registry id.
func (h *AnthropicHandler) Provider() string { return ProviderAnthropic }

// PrepareSystem wraps the system prompt in Anthropic's block form.
func (h *AnthropicHandler) PrepareSystem(systemPrompt string) interface{} {
	if systemPrompt == "" {
		return []anthropic.TextBlockParam(nil)
	}
	return []anthropic.TextBlockParam{{Text: systemPrompt}}
}

// ConvertMessages converts canonical history to Anthropic message params.
func (h *AnthropicHandler) ConvertMessages(msgs []message.Message) (interface{}, error) {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for i, msg := range msgs {
		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(msg.Content))
		for _, b := range msg.Content {
			switch b.Type {
			case message.BlockText:
				blocks = append(blocks, anthropic.NewTextBlock(b.Text))
			case message.BlockToolUse:
				blocks = append(blocks, anthropic.NewToolUseBlock(b.ID, b.Input, b.Name))
			case message.BlockToolResult:
				blocks = append(blocks, toolResultParam(b))
			case message.BlockImage:
				blocks = append(blocks, anthropic.NewImageBlockBase64("image/png", b.ImageData))
			default:
				return nil, fmt.Errorf("message %d: unknown block type %q", i, b.Type)
			}
		}
		role := anthropic.MessageParamRoleUser
		if msg.Role == message.RoleAssistant {
			role = anthropic.MessageParamRoleAssistant
		}
		out = append(out, anthropic.MessageParam{Role: role, Content: blocks})
	}
	return out, nil
}

// toolResultParam builds the Anthropic tool_result block, including an
// optional screenshot payload.
func toolResultParam(b message.ContentBlock) anthropic.ContentBlockParamUnion {
	var content []anthropic.ToolResultBlockParamContentUnion
	text := b.Output
	isError := false
	if b.Error != "" {
		text = b.Error
		isError = true
	}
	if text != "" {
		content = append(content, anthropic.ToolResultBlockParamContentUnion{
			OfText: &anthropic.TextBlockParam{Text: text},
		})
	}
	if b.ImageData != "" {
		content = append(content, anthropic.ToolResultBlockParamContentUnion{
			OfImage: &anthropic.ImageBlockParam{
				Source: anthropic.ImageBlockParamSourceUnion{
					OfBase64: &anthropic.Base64ImageSourceParam{
						MediaType: anthropic.Base64ImageSourceMediaTypeImagePNG,
						Data:      b.ImageData,
					},
				},
			},
		})
	}
	return anthropic.ContentBlockParamUnion{
		OfToolResult: &anthropic.ToolResultBlockParam{
			ToolUseID: b.ToolUseID,
			IsError:   anthropic.Bool(isError),
			Content:   content,
		},
	}
}

// PrepareTools maps vendor-neutral specs to Anthropic custom tools.
func (h *AnthropicHandler) PrepareTools(specs []ToolSpec) interface{} {
	tools := make([]anthropic.ToolUnionParam, 0, len(specs))
	for _, spec := range specs {
		toolParam := anthropic.ToolParam{
			Name:        spec.Name,
			Description: anthropic.String(spec.Description),
		}
		if props, ok := spec.InputSchema["properties"]; ok {
			toolParam.InputSchema = anthropic.ToolInputSchemaParam{Properties: props}
		}
		toolParam.InputSchema.Required = requiredFields(spec.InputSchema)
		tools = append(tools, anthropic.ToolUnionParam{OfTool: &toolParam})
	}
	return tools
}

// requiredFields reads the "required" list out of a JSON schema. Schemas
// built in Go carry []string, schemas decoded from JSON or assembled as
// literals carry []interface{}; both shapes must survive.
func requiredFields(schema map[string]interface{}) []string {
	switch req := schema["required"].(type) {
	case []string:
		return req
	case []interface{}:
		names := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				names = append(names, s)
			}
		}
		return names
	}
	return nil
}

// CallAPI invokes the Messages API and converts the response.
func (h *AnthropicHandler) CallAPI(ctx context.Context, system, msgs, tools interface{}) (*CallOutcome, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(h.model),
		MaxTokens: int64(h.maxTokens),
	}
	if s, ok := system.([]anthropic.TextBlockParam); ok && len(s) > 0 {
		params.System = s
	}
	m, ok := msgs.([]anthropic.MessageParam)
	if !ok {
		return nil, fmt.Errorf("messages were not converted by this handler")
	}
	params.Messages = m
	if t, ok := tools.([]anthropic.ToolUnionParam); ok && len(t) > 0 {
		params.Tools = t
	}

	// Built before the call so a failed request still leaves a usable
	// audit trail in the exchange log.
	reqSummary := summarizeRequest(ProviderAnthropic, h.model, h.maxTokens, len(m), toolCount(tools))

	resp, err := h.client.Messages.New(ctx, params)
	if err != nil {
		return &CallOutcome{RequestSummary: reqSummary}, classifyAnthropicErr(err)
	}

	converted, stop, err := h.convertResponse(resp)
	if err != nil {
		return &CallOutcome{RequestSummary: reqSummary}, err
	}
	usage := Usage{
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
	}
	return &CallOutcome{
		Message:         converted,
		StopReason:      stop,
		Usage:           usage,
		RequestSummary:  reqSummary,
		ResponseSummary: summarizeResponse(converted, stop, usage),
	}, nil
}

func toolCount(tools interface{}) int {
	if t, ok := tools.([]anthropic.ToolUnionParam); ok {
		return len(t)
	}
	return 0
}

// convertResponse maps the vendor response back to the canonical model.
func (h *AnthropicHandler) convertResponse(resp *anthropic.Message) (message.Message, StopReason, error) {
	msg := message.Message{Role: message.RoleAssistant}
	for _, block := range resp.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			msg.Content = append(msg.Content, message.NewText(b.Text))
		case anthropic.ToolUseBlock:
			var input map[string]interface{}
			if err := json.Unmarshal([]byte(b.JSON.Input.Raw()), &input); err != nil {
				return message.Message{}, StopOther, fmt.Errorf("failed to parse tool input for %s: %w", b.Name, err)
			}
			msg.Content = append(msg.Content, message.NewToolUse(b.ID, b.Name, input))
		}
	}
	var stop StopReason
	switch string(resp.StopReason) {
	case "end_turn", "stop_sequence":
		stop = StopEndTurn
	case "tool_use":
		stop = StopToolUse
	case "max_tokens":
		stop = StopMaxTokens
	default:
		stop = StopOther
	}
	return msg, stop, nil
}

// ParseToolUse extracts name and input from a canonical tool_use block.
func (h *AnthropicHandler) ParseToolUse(block message.ContentBlock) (string, map[string]interface{}, error) {
	return parseToolUseBlock(block)
}

// MakeToolResult pins the result block to the tool use id it answers.
func (h *AnthropicHandler) MakeToolResult(result message.ContentBlock, toolUseID string) message.ContentBlock {
	result.Type = message.BlockToolResult
	result.ToolUseID = toolUseID
	return result
}

// classifyAnthropicErr maps SDK errors onto the engine's taxonomy.
func classifyAnthropicErr(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		if apierr.StatusCode == 401 || apierr.StatusCode == 403 {
			return &AuthError{Provider: ProviderAnthropic, Err: err}
		}
		return &CallError{
			Provider:  ProviderAnthropic,
			Status:    apierr.StatusCode,
			Retryable: retryableStatus(apierr.StatusCode),
			Err:       err,
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	// Transport-level failure without a status: treat as retryable.
	return &CallError{Provider: ProviderAnthropic, Retryable: true, Err: err}
}
