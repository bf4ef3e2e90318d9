package job

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/legatohq/legato/pkg/message"
)

// ErrNotFound is returned by stores for unknown job ids.
var ErrNotFound = errors.New("job not found")

// Signal is a cooperative control request observed by the sampling loop
// at turn boundaries. Cancel always outranks interrupt.
type Signal string

const (
	SignalNone      Signal = ""
	SignalInterrupt Signal = "interrupt"
	SignalCancel    Signal = "cancel"
)

// Job is one end-to-end request to execute a named automation against a
// target. The lifecycle controller is the only writer of Status; the
// sampling loop appends to history and exchanges and requests
// transitions through the store.
type Job struct {
	ID             string                 `json:"id"`
	TargetID       string                 `json:"target_id"`
	SessionID      string                 `json:"session_id"`
	APIName        string                 `json:"api_name"`
	Parameters     map[string]interface{} `json:"parameters"`
	Status         Status                 `json:"status"`
	Provider       string                 `json:"provider"`
	Model          string                 `json:"model"`
	RecoveryPrompt string                 `json:"recovery_prompt,omitempty"`

	RecoveryAttempts int `json:"recovery_attempts"`

	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`

	TotalInputTokens  int `json:"total_input_tokens"`
	TotalOutputTokens int `json:"total_output_tokens"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// New builds a pending job for the given automation.
func New(targetID, sessionID, apiName string, params map[string]interface{}) *Job {
	return &Job{
		ID:         uuid.New().String(),
		TargetID:   targetID,
		SessionID:  sessionID,
		APIName:    apiName,
		Parameters: params,
		Status:     StatusPending,
		CreatedAt:  time.Now().UTC(),
	}
}

// ExchangeRecord is one audit entry for a provider call. Image payloads
// are trimmed from summaries before the record is written.
type ExchangeRecord struct {
	ID              string    `json:"id"`
	Timestamp       time.Time `json:"timestamp"`
	LatencyMS       int64     `json:"latency_ms"`
	RequestSummary  string    `json:"request_summary"`
	ResponseSummary string    `json:"response_summary"`
	StopReason      string    `json:"stop_reason,omitempty"`
	Error           string    `json:"error,omitempty"`
	InputTokens     int       `json:"input_tokens,omitempty"`
	OutputTokens    int       `json:"output_tokens,omitempty"`
}

// Store is the persistence contract the engine depends on. Message
// history and exchanges are append-only; UpdateStatus applies the state
// machine atomically so a cancel racing loop completion cannot produce a
// forbidden edge.
type Store interface {
	Create(ctx context.Context, j *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context, filter Filter) ([]*Job, error)

	// UpdateStatus performs a compare-and-set transition. It returns a
	// *TransitionError when the edge is forbidden, leaving the record
	// unchanged (a cancel arriving after success is a no-op at the
	// caller's discretion, never an overwrite).
	UpdateStatus(ctx context.Context, id string, to Status) (*Job, error)

	SetResult(ctx context.Context, id string, result interface{}) error
	SetError(ctx context.Context, id string, errMsg string) error
	SetRecoveryAttempts(ctx context.Context, id string, attempts int) error
	AddTokens(ctx context.Context, id string, input, output int) error

	AppendMessage(ctx context.Context, id string, msg message.Message) error
	Messages(ctx context.Context, id string) ([]message.Message, error)

	AppendExchange(ctx context.Context, id string, rec ExchangeRecord) error
	Exchanges(ctx context.Context, id string) ([]ExchangeRecord, error)

	// Control flags: requests are sticky until the job run consumes them
	// by reaching the corresponding state.
	RequestCancel(ctx context.Context, id string) error
	RequestInterrupt(ctx context.Context, id string) error
	ControlSignal(ctx context.Context, id string) (Signal, error)
	ClearControl(ctx context.Context, id string) error
}

// Filter narrows List results.
type Filter struct {
	TargetID string
	Status   Status
	APIName  string
	Limit    int
	Offset   int
}
