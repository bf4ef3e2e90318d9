package provider

import (
	"encoding/json"
	"fmt"

	"github.com/legatohq/legato/pkg/message"
)

// trimmedImage replaces base64 payloads in audit summaries; full images
// stay in message history only.
const trimmedImage = "..."

// summarizeRequest produces the compact audit view of an outgoing call.
func summarizeRequest(providerID, model string, maxTokens, messageCount, toolCount int) string {
	data, _ := json.Marshal(map[string]interface{}{
		"provider":   providerID,
		"model":      model,
		"max_tokens": maxTokens,
		"messages":   messageCount,
		"tools":      toolCount,
	})
	return string(data)
}

// summarizeResponse produces the audit view of a converted response with
// image payloads trimmed.
func summarizeResponse(msg message.Message, stop StopReason, usage Usage) string {
	blocks := make([]message.ContentBlock, len(msg.Content))
	copy(blocks, msg.Content)
	for i := range blocks {
		if blocks[i].ImageData != "" {
			blocks[i].ImageData = trimmedImage
		}
	}
	data, _ := json.Marshal(map[string]interface{}{
		"stop_reason": stop,
		"usage":       usage,
		"content":     blocks,
	})
	return string(data)
}

// parseToolUseBlock is shared by handlers: canonical tool_use blocks are
// already vendor-neutral, so parsing is a shape check.
func parseToolUseBlock(block message.ContentBlock) (string, map[string]interface{}, error) {
	if block.Type != message.BlockToolUse {
		return "", nil, fmt.Errorf("content block is %q, not tool_use", block.Type)
	}
	if block.Name == "" {
		return "", nil, fmt.Errorf("tool_use block has no tool name")
	}
	input := block.Input
	if input == nil {
		input = map[string]interface{}{}
	}
	return block.Name, input, nil
}
