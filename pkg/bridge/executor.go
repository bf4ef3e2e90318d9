// Package bridge executes tool calls against the remote desktop gateway.
// Every tool invocation becomes an HTTP POST to the gateway, which relays
// the action to the target container over VNC or RDP and answers with
// output text, an error string, or a base64 screenshot.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/legatohq/legato/pkg/message"
)

const (
	// Total budget for one tool call, screenshot encoding included.
	defaultRequestTimeout = 60 * time.Second
	// A gateway that cannot be dialed quickly is treated as down.
	defaultConnectTimeout = 10 * time.Second
)

// SessionUnavailableError reports that the gateway or the session behind
// it is unreachable. Unlike a remote tool error, this is fatal for the
// running job: the sampling loop cannot make progress without it.
type SessionUnavailableError struct {
	SessionID string
	Err       error
}

func (e *SessionUnavailableError) Error() string {
	return fmt.Sprintf("session %s unavailable: %v", e.SessionID, e.Err)
}

func (e *SessionUnavailableError) Unwrap() error { return e.Err }

// Result is the gateway's answer to one tool call. Exactly one of the
// fields is usually set; a screenshot action sets Base64Image.
type Result struct {
	Output      string `json:"output,omitempty"`
	Error       string `json:"error,omitempty"`
	Base64Image string `json:"base64_image,omitempty"`
}

// Executor sends tool calls to the gateway's session-scoped tool
// endpoint. It is safe for concurrent use.
type Executor struct {
	baseURL string
	client  *http.Client
}

// Option configures an Executor.
type Option func(*Executor)

// WithHTTPClient overrides the HTTP client, used by tests.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Executor) { e.client = c }
}

// NewExecutor creates an executor for the gateway at baseURL, for
// example "http://localhost:8088/api".
func NewExecutor(baseURL string, opts ...Option) *Executor {
	e := &Executor{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: defaultRequestTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: defaultConnectTimeout,
				}).DialContext,
			},
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes one tool action on the session and translates the answer
// into a tool_result content block for toolUseID. Remote tool errors are
// folded into the block so the model can observe and react to them;
// only a transport-level failure returns an error, wrapped as
// *SessionUnavailableError.
//
// The gateway routes on the concrete action, so a computer call like
// {action: "screenshot"} is posted to .../tools/screenshot with the
// action dropped from the body. Tools without an action field post
// under their own name.
func (e *Executor) Run(ctx context.Context, sessionID, toolName, apiType string, input map[string]interface{}, toolUseID string) (message.ContentBlock, error) {
	action, _ := input["action"].(string)
	if action == "" {
		action = toolName
	}

	body := make(map[string]interface{}, len(input)+1)
	for k, v := range input {
		if k == "action" {
			continue
		}
		body[k] = v
	}
	body["api_type"] = apiType

	payload, err := json.Marshal(body)
	if err != nil {
		return message.ContentBlock{}, fmt.Errorf("failed to encode tool input: %w", err)
	}

	endpoint := fmt.Sprintf("%s/sessions/%s/tools/%s",
		e.baseURL, url.PathEscape(sessionID), url.PathEscape(action))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return message.ContentBlock{}, fmt.Errorf("failed to build tool request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	started := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		return message.ContentBlock{}, &SessionUnavailableError{SessionID: sessionID, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return message.ContentBlock{}, &SessionUnavailableError{SessionID: sessionID, Err: err}
	}

	log.Debug().
		Str("session_id", sessionID).
		Str("tool", toolName).
		Str("action", action).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(started)).
		Msg("Tool call completed")

	if resp.StatusCode >= 500 {
		return message.ContentBlock{}, &SessionUnavailableError{
			SessionID: sessionID,
			Err:       fmt.Errorf("gateway returned %d: %s", resp.StatusCode, truncate(string(data), 200)),
		}
	}

	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		// A non-JSON 4xx body is still a tool-level failure the model
		// should see, not a dead session.
		result = Result{Error: fmt.Sprintf("unexpected gateway response (%d): %s",
			resp.StatusCode, truncate(string(data), 200))}
	}
	if resp.StatusCode >= 400 && result.Error == "" {
		result.Error = fmt.Sprintf("tool %s failed with status %d", toolName, resp.StatusCode)
	}

	return message.NewToolResult(toolUseID, result.Output, result.Error, result.Base64Image), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
