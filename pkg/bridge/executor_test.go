package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legatohq/legato/pkg/message"
)

func TestRunSuccess(t *testing.T) {
	var gotPath string
	var gotBody map[string]interface{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(Result{Output: "clicked"})
	}))
	defer srv.Close()

	e := NewExecutor(srv.URL)
	block, err := e.Run(context.Background(), "sess-1", "computer", ComputerAPIType,
		map[string]interface{}{"action": "left_click", "coordinate": []int{10, 20}}, "tu_1")
	require.NoError(t, err)

	assert.Equal(t, "/sessions/sess-1/tools/left_click", gotPath)
	assert.NotContains(t, gotBody, "action")
	assert.Equal(t, ComputerAPIType, gotBody["api_type"])

	assert.Equal(t, message.BlockToolResult, block.Type)
	assert.Equal(t, "tu_1", block.ToolUseID)
	assert.Equal(t, "clicked", block.Output)
	assert.False(t, block.IsError())
}

func TestRunScreenshot(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(Result{Base64Image: "aW1hZ2U="})
	}))
	defer srv.Close()

	e := NewExecutor(srv.URL)
	block, err := e.Run(context.Background(), "sess-1", "computer", ComputerAPIType,
		map[string]interface{}{"action": "screenshot"}, "tu_1")
	require.NoError(t, err)
	assert.Equal(t, "/sessions/sess-1/tools/screenshot", gotPath)
	assert.Equal(t, "aW1hZ2U=", block.ImageData)
}

func TestRunToolWithoutActionPostsUnderName(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(Result{Output: "ok"})
	}))
	defer srv.Close()

	e := NewExecutor(srv.URL)
	_, err := e.Run(context.Background(), "sess-1", "verify", "custom",
		map[string]interface{}{"target": "dialog"}, "tu_1")
	require.NoError(t, err)
	assert.Equal(t, "/sessions/sess-1/tools/verify", gotPath)
}

func TestRunRemoteToolErrorIsNotFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Result{Error: "element not found"})
	}))
	defer srv.Close()

	e := NewExecutor(srv.URL)
	block, err := e.Run(context.Background(), "sess-1", "computer", ComputerAPIType,
		map[string]interface{}{"action": "left_click"}, "tu_1")

	// The remote failure becomes data for the model, never an error
	require.NoError(t, err)
	assert.True(t, block.IsError())
	assert.Equal(t, "element not found", block.Error)
}

func TestRunClientErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(Result{})
	}))
	defer srv.Close()

	e := NewExecutor(srv.URL)
	block, err := e.Run(context.Background(), "sess-1", "computer", ComputerAPIType,
		map[string]interface{}{"action": "bogus"}, "tu_1")
	require.NoError(t, err)
	assert.True(t, block.IsError())
	assert.Contains(t, block.Error, "400")
}

func TestRunNonJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("not found"))
	}))
	defer srv.Close()

	e := NewExecutor(srv.URL)
	block, err := e.Run(context.Background(), "sess-1", "computer", ComputerAPIType, nil, "tu_1")
	require.NoError(t, err)
	assert.True(t, block.IsError())
	assert.Contains(t, block.Error, "unexpected gateway response")
}

func TestRunGatewayDownIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	e := NewExecutor(srv.URL)
	_, err := e.Run(context.Background(), "sess-1", "computer", ComputerAPIType, nil, "tu_1")

	var unavailable *SessionUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, "sess-1", unavailable.SessionID)
}

func TestRunServerErrorIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	e := NewExecutor(srv.URL)
	_, err := e.Run(context.Background(), "sess-1", "computer", ComputerAPIType, nil, "tu_1")

	var unavailable *SessionUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Contains(t, unavailable.Error(), "502")
}

func TestComputerToolSpecs(t *testing.T) {
	specs := ComputerToolSpecs(1280, 800)
	require.Len(t, specs, 1)

	spec := specs[0]
	assert.Equal(t, "computer", spec.Name)
	assert.Equal(t, ComputerAPIType, spec.APIType)

	props, ok := spec.InputSchema["properties"].(map[string]interface{})
	require.True(t, ok)
	action, ok := props["action"].(map[string]interface{})
	require.True(t, ok)
	enum, ok := action["enum"].([]interface{})
	require.True(t, ok)
	assert.Contains(t, enum, "screenshot")
	assert.Contains(t, enum, "left_click_drag")
	assert.Contains(t, enum, "triple_click")
	assert.Contains(t, enum, "hold_key")
	assert.Len(t, enum, 16)
}

func TestResultToolSpec(t *testing.T) {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"invoice_id": map[string]interface{}{"type": "string"},
		},
	}
	spec := ResultToolSpec(schema)
	assert.Equal(t, ResultToolName, spec.Name)

	props, ok := spec.InputSchema["properties"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, schema, props["data"])
}
