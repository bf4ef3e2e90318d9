package bridge

import "github.com/legatohq/legato/pkg/provider"

// ComputerAPIType tags tool calls that the gateway relays as desktop
// input events. The revision suffix tracks the action vocabulary.
const ComputerAPIType = "computer_20250124"

// computerActions is the full action vocabulary the gateway accepts.
var computerActions = []string{
	"key",
	"hold_key",
	"type",
	"cursor_position",
	"mouse_move",
	"left_mouse_down",
	"left_mouse_up",
	"left_click",
	"left_click_drag",
	"right_click",
	"middle_click",
	"double_click",
	"triple_click",
	"scroll",
	"wait",
	"screenshot",
}

// ComputerToolSpecs returns the tool definitions exposed to the model
// for driving a desktop of the given resolution. The single computer
// tool carries the whole action vocabulary; extraction is handled by a
// separate result tool appended by the engine.
func ComputerToolSpecs(displayWidth, displayHeight int) []provider.ToolSpec {
	actions := make([]interface{}, len(computerActions))
	for i, a := range computerActions {
		actions[i] = a
	}

	return []provider.ToolSpec{
		{
			Name: "computer",
			Description: "Control the remote desktop session: move the mouse, click, " +
				"type, press keys, scroll, and take screenshots. Coordinates are " +
				"absolute pixels with (0, 0) at the top left.",
			APIType: ComputerAPIType,
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"action": map[string]interface{}{
						"type":        "string",
						"enum":        actions,
						"description": "The desktop action to perform.",
					},
					"coordinate": map[string]interface{}{
						"type":        "array",
						"items":       map[string]interface{}{"type": "integer"},
						"minItems":    2,
						"maxItems":    2,
						"description": "Pixel coordinate [x, y] for mouse actions.",
					},
					"start_coordinate": map[string]interface{}{
						"type":        "array",
						"items":       map[string]interface{}{"type": "integer"},
						"minItems":    2,
						"maxItems":    2,
						"description": "Drag origin [x, y] for left_click_drag.",
					},
					"text": map[string]interface{}{
						"type":        "string",
						"description": "Text to type, or key combination for key and hold_key.",
					},
					"duration": map[string]interface{}{
						"type":        "number",
						"description": "Seconds to hold a key or wait.",
					},
					"scroll_direction": map[string]interface{}{
						"type":        "string",
						"enum":        []interface{}{"up", "down", "left", "right"},
						"description": "Direction for the scroll action.",
					},
					"scroll_amount": map[string]interface{}{
						"type":        "integer",
						"description": "Number of scroll wheel clicks.",
					},
					"display_width": map[string]interface{}{
						"type":    "integer",
						"default": displayWidth,
					},
					"display_height": map[string]interface{}{
						"type":    "integer",
						"default": displayHeight,
					},
				},
				"required": []interface{}{"action"},
			},
		},
	}
}

// MismatchToolName is the escape hatch the model calls when the screen
// does not match what the automation expects. The run parks in the
// paused track so an operator can inspect the session and resolve or
// resume the job.
const MismatchToolName = "ui_not_as_expected"

// MismatchToolSpec returns the UI-mismatch reporting tool definition.
func MismatchToolSpec() provider.ToolSpec {
	return provider.ToolSpec{
		Name: MismatchToolName,
		Description: "Report that the UI does not look as expected or that you are " +
			"unsure about what the screenshot shows. Explain what is different " +
			"and what you expected to see; an operator will take over.",
		APIType: "custom",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"reasoning": map[string]interface{}{
					"type": "string",
					"description": "What does not match expectations, what you expected " +
						"to see, and what the UI actually shows.",
				},
			},
			"required": []interface{}{"reasoning"},
		},
	}
}

// ResultToolName is the extraction tool the model calls to report the
// structured outcome of an automation. Calling it ends the job.
const ResultToolName = "extraction"

// ResultToolSpec returns the extraction tool definition. responseSchema
// describes the expected shape of the extracted data; when nil, any
// object is accepted.
func ResultToolSpec(responseSchema map[string]interface{}) provider.ToolSpec {
	if responseSchema == nil {
		responseSchema = map[string]interface{}{"type": "object"}
	}
	return provider.ToolSpec{
		Name: ResultToolName,
		Description: "Report the final result of the task. Call this exactly once, " +
			"when the requested data has been extracted or the task is complete.",
		APIType: "custom",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"data": responseSchema,
			},
			"required": []interface{}{"data"},
		},
	}
}
