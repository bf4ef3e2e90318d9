package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockValidate(t *testing.T) {
	tests := []struct {
		name    string
		block   ContentBlock
		wantErr bool
	}{
		{"valid text", NewText("hello"), false},
		{"empty text", ContentBlock{Type: BlockText}, true},
		{"valid tool use", NewToolUse("tu_1", "computer", map[string]interface{}{"action": "screenshot"}), false},
		{"tool use missing id", ContentBlock{Type: BlockToolUse, Name: "computer"}, true},
		{"tool use missing name", ContentBlock{Type: BlockToolUse, ID: "tu_1"}, true},
		{"valid tool result", NewToolResult("tu_1", "ok", "", ""), false},
		{"tool result missing ref", ContentBlock{Type: BlockToolResult}, true},
		{"valid image", NewImage("aGVsbG8="), false},
		{"empty image", ContentBlock{Type: BlockImage}, true},
		{"unknown type", ContentBlock{Type: "thinking"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.block.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMessageValidate(t *testing.T) {
	t.Run("valid user message", func(t *testing.T) {
		assert.NoError(t, UserText("do the thing").Validate())
	})

	t.Run("invalid role", func(t *testing.T) {
		m := Message{Role: "system", Content: []ContentBlock{NewText("x")}}
		assert.Error(t, m.Validate())
	})

	t.Run("empty content", func(t *testing.T) {
		m := Message{Role: RoleAssistant}
		assert.Error(t, m.Validate())
	})

	t.Run("invalid block surfaces index", func(t *testing.T) {
		m := Message{Role: RoleAssistant, Content: []ContentBlock{
			NewText("ok"),
			{Type: BlockToolUse},
		}}
		err := m.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "block 1")
	})
}

func TestToolUses(t *testing.T) {
	m := Message{Role: RoleAssistant, Content: []ContentBlock{
		NewText("clicking the button"),
		NewToolUse("tu_1", "computer", map[string]interface{}{"action": "left_click"}),
		NewToolUse("tu_2", "computer", map[string]interface{}{"action": "screenshot"}),
	}}

	uses := m.ToolUses()
	require.Len(t, uses, 2)
	assert.Equal(t, "tu_1", uses[0].ID)
	assert.Equal(t, "tu_2", uses[1].ID)
	assert.True(t, m.HasToolUse())

	textOnly := Message{Role: RoleAssistant, Content: []ContentBlock{NewText("done")}}
	assert.False(t, textOnly.HasToolUse())
	assert.Empty(t, textOnly.ToolUses())
}

func TestTextContent(t *testing.T) {
	m := Message{Role: RoleAssistant, Content: []ContentBlock{
		NewText("part one "),
		NewToolUse("tu_1", "computer", nil),
		NewText("part two"),
	}}
	assert.Equal(t, "part one part two", m.TextContent())
}

func TestIsError(t *testing.T) {
	assert.True(t, NewToolResult("tu_1", "", "element not found", "").IsError())
	assert.False(t, NewToolResult("tu_1", "clicked", "", "").IsError())
	assert.False(t, NewText("error").IsError())
}

func TestHistoryRoundTrip(t *testing.T) {
	history := []Message{
		UserText("open the invoice screen"),
		{Role: RoleAssistant, Content: []ContentBlock{
			NewToolUse("tu_1", "computer", map[string]interface{}{"action": "screenshot"}),
		}},
		{Role: RoleUser, Content: []ContentBlock{
			NewToolResult("tu_1", "", "", "aW1hZ2VkYXRh"),
		}},
	}

	data, err := MarshalHistory(history)
	require.NoError(t, err)

	restored, err := UnmarshalHistory(data)
	require.NoError(t, err)
	require.Len(t, restored, 3)
	assert.Equal(t, RoleAssistant, restored[1].Role)
	assert.Equal(t, "tu_1", restored[2].Content[0].ToolUseID)
}

func TestUnmarshalHistoryEmpty(t *testing.T) {
	msgs, err := UnmarshalHistory(nil)
	require.NoError(t, err)
	assert.Nil(t, msgs)

	_, err = UnmarshalHistory([]byte("{not json"))
	assert.Error(t, err)
}
