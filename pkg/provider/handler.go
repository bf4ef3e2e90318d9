package provider

import (
	"context"

	"github.com/legatohq/legato/pkg/message"
)

// StopReason normalizes why the model ended its turn.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
	StopOther     StopReason = "other"
)

// ToolSpec is the vendor-neutral description of one tool exposed to the
// model. InputSchema is a JSON-schema-shaped map; APIType carries the
// remote bridge's action family and never reaches the vendor API.
type ToolSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
	APIType     string                 `json:"api_type,omitempty"`
}

// Usage tracks token consumption of one provider call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Options configures one ephemeral handler instance. A handler is
// constructed fresh per job run and holds no state beyond the live SDK
// client.
type Options struct {
	Model     string
	APIKey    string
	MaxTokens int
	BaseURL   string // optional vendor endpoint override
}

// CallOutcome is the converted result of one vendor API call.
type CallOutcome struct {
	Message         message.Message
	StopReason      StopReason
	Usage           Usage
	RequestSummary  string
	ResponseSummary string
}

// Handler adapts the canonical conversation model to one LLM vendor's
// wire format. All vendor quirks (message nesting, tool-call id formats,
// image encoding) are absorbed here; nothing upstream sees vendor-native
// types.
type Handler interface {
	// Provider returns the registry id of the vendor.
	Provider() string

	// PrepareSystem converts the system prompt to the vendor's native
	// representation.
	PrepareSystem(systemPrompt string) interface{}

	// ConvertMessages converts canonical history to vendor-native turns.
	ConvertMessages(msgs []message.Message) (interface{}, error)

	// PrepareTools converts vendor-neutral tool specs to the vendor's
	// tool schema.
	PrepareTools(specs []ToolSpec) interface{}

	// CallAPI invokes the vendor API with previously converted inputs and
	// returns the converted canonical outcome. Failures surface as
	// *CallError (retryable or not) or *AuthError; the outcome returned
	// alongside a failure carries the RequestSummary of the attempt so
	// the exchange log can record what was sent.
	CallAPI(ctx context.Context, system, msgs, tools interface{}) (*CallOutcome, error)

	// ParseToolUse extracts name and input from a canonical tool_use
	// block, normalizing vendor id quirks.
	ParseToolUse(block message.ContentBlock) (name string, input map[string]interface{}, err error)

	// MakeToolResult builds the canonical tool_result block the vendor
	// expects to see echoed back for the given tool use id.
	MakeToolResult(result message.ContentBlock, toolUseID string) message.ContentBlock
}

// Factory constructs a handler for one job run. Construction validates
// credentials shape and initializes the vendor client; it fails with
// *AuthError when the key is unusable.
type Factory func(opts Options) (Handler, error)
