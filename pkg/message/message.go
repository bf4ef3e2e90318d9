package message

import (
	"encoding/json"
	"fmt"
)

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockType tags the variant of a ContentBlock.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
	BlockImage      BlockType = "image"
)

// ContentBlock is the tagged union of everything a conversation turn can
// carry: model text, a tool invocation, a tool result fed back to the
// model, or a raw screenshot image.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string                 `json:"id,omitempty"`
	Name  string                 `json:"name,omitempty"`
	Input map[string]interface{} `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Output    string `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`

	// tool_result and image both carry base64-encoded PNG data
	ImageData string `json:"image_data,omitempty"`
}

// Message is one vendor-neutral conversation turn. Ordering of both
// messages and blocks is meaningful; appended messages are never edited.
type Message struct {
	Role    Role           `json:"role"`
	Content []ContentBlock `json:"content"`
}

// NewText builds a plain text block.
func NewText(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// NewToolUse builds a tool invocation block as emitted by the model.
func NewToolUse(id, name string, input map[string]interface{}) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// NewToolResult builds a tool result block. Exactly one of output or
// err is normally set; imageData may accompany either.
func NewToolResult(toolUseID, output, err, imageData string) ContentBlock {
	return ContentBlock{
		Type:      BlockToolResult,
		ToolUseID: toolUseID,
		Output:    output,
		Error:     err,
		ImageData: imageData,
	}
}

// NewImage builds a standalone image block from base64-encoded PNG data.
func NewImage(data string) ContentBlock {
	return ContentBlock{Type: BlockImage, ImageData: data}
}

// UserText is a convenience constructor for the initial driving prompt.
func UserText(text string) Message {
	return Message{Role: RoleUser, Content: []ContentBlock{NewText(text)}}
}

// IsError reports whether a tool_result block carries a remote failure.
func (b ContentBlock) IsError() bool {
	return b.Type == BlockToolResult && b.Error != ""
}

// Validate checks structural invariants of a block.
func (b ContentBlock) Validate() error {
	switch b.Type {
	case BlockText:
		if b.Text == "" {
			return fmt.Errorf("text block must carry text")
		}
	case BlockToolUse:
		if b.ID == "" || b.Name == "" {
			return fmt.Errorf("tool_use block must carry id and name")
		}
	case BlockToolResult:
		if b.ToolUseID == "" {
			return fmt.Errorf("tool_result block must carry tool_use_id")
		}
	case BlockImage:
		if b.ImageData == "" {
			return fmt.Errorf("image block must carry image data")
		}
	default:
		return fmt.Errorf("unknown block type %q", b.Type)
	}
	return nil
}

// ToolUses returns the tool invocation blocks of the message in emission
// order.
func (m Message) ToolUses() []ContentBlock {
	var uses []ContentBlock
	for _, b := range m.Content {
		if b.Type == BlockToolUse {
			uses = append(uses, b)
		}
	}
	return uses
}

// HasToolUse reports whether the message requests at least one tool call.
func (m Message) HasToolUse() bool {
	return len(m.ToolUses()) > 0
}

// TextContent concatenates the text blocks of the message.
func (m Message) TextContent() string {
	out := ""
	for _, b := range m.Content {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// Validate checks the message's role and every block.
func (m Message) Validate() error {
	if m.Role != RoleUser && m.Role != RoleAssistant {
		return fmt.Errorf("invalid role %q", m.Role)
	}
	if len(m.Content) == 0 {
		return fmt.Errorf("message must carry at least one content block")
	}
	for i, b := range m.Content {
		if err := b.Validate(); err != nil {
			return fmt.Errorf("block %d: %w", i, err)
		}
	}
	return nil
}

// MarshalHistory serializes a message history for persistence.
func MarshalHistory(msgs []Message) ([]byte, error) {
	return json.Marshal(msgs)
}

// UnmarshalHistory restores a persisted message history.
func UnmarshalHistory(data []byte) ([]Message, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var msgs []Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("failed to decode message history: %w", err)
	}
	return msgs, nil
}
