// Package engine runs the sampling loop: the turn-by-turn conversation
// between an LLM provider and the remote desktop tools until the job
// reaches a terminal or paused state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/legatohq/legato/internal/observability"
	"github.com/legatohq/legato/internal/tracing"
	"github.com/legatohq/legato/pkg/bridge"
	"github.com/legatohq/legato/pkg/job"
	"github.com/legatohq/legato/pkg/message"
	"github.com/legatohq/legato/pkg/provider"
)

// ToolRunner executes one tool action against the session's remote
// bridge. *bridge.Executor is the production implementation.
type ToolRunner interface {
	Run(ctx context.Context, sessionID, toolName, apiType string, input map[string]interface{}, toolUseID string) (message.ContentBlock, error)
}

// Callbacks stream intermediate loop state to observers. All fields are
// optional and must not block for long; they run on the loop goroutine.
type Callbacks struct {
	OnOutput     func(msg message.Message)
	OnToolResult func(block message.ContentBlock)
	OnExchange   func(rec job.ExchangeRecord)
}

// Config parameterizes one run of the loop. Zero values fall back to
// the documented defaults.
type Config struct {
	Provider  string
	Model     string
	APIKey    string
	BaseURL   string
	MaxTokens int

	SystemPrompt   string
	Prompt         string // initial task prompt, used when history is empty
	RecoveryPrompt string
	Tools          []provider.ToolSpec

	MaxRetries          int           // provider call retries, default 3
	CallTimeout         time.Duration // per provider call, default 3m
	MaxTurns            int           // default 40
	WallClock           time.Duration // default 30m
	TokenLimit          int           // cumulative input+output, default 200000
	RecoveryThreshold   int           // consecutive failed turns, default 3
	MaxRecoveryAttempts int           // default 3

	Callbacks Callbacks
}

func (c *Config) applyDefaults() {
	if c.MaxTokens <= 0 {
		c.MaxTokens = 4096
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 3 * time.Minute
	}
	if c.MaxTurns <= 0 {
		c.MaxTurns = 40
	}
	if c.WallClock <= 0 {
		c.WallClock = 30 * time.Minute
	}
	if c.TokenLimit <= 0 {
		c.TokenLimit = 200000
	}
}

// Outcome is the loop's verdict on the job. Status is the terminal or
// paused-track status the lifecycle controller should apply.
type Outcome struct {
	Status  job.Status
	Result  interface{}
	Message string // error or diagnostic detail for failed/error outcomes

	// SessionLost is set when the run died because the session's remote
	// bridge became unreachable.
	SessionLost bool
}

// Loop drives one job. Construct a fresh Loop per run.
type Loop struct {
	registry *provider.Registry
	runner   ToolRunner
	store    job.Store
	cfg      Config

	apiTypes map[string]string
}

// New builds a loop over the given registry, tool runner, and store.
func New(registry *provider.Registry, runner ToolRunner, store job.Store, cfg Config) *Loop {
	cfg.applyDefaults()
	observability.EnsureRegistered()

	apiTypes := make(map[string]string, len(cfg.Tools))
	for _, t := range cfg.Tools {
		apiTypes[t.Name] = t.APIType
	}
	return &Loop{
		registry: registry,
		runner:   runner,
		store:    store,
		cfg:      cfg,
		apiTypes: apiTypes,
	}
}

// Run executes the sampling loop for j until a terminal condition. The
// returned Outcome tells the caller which status to apply; err is only
// non-nil for infrastructure failures reading or writing the store.
func (l *Loop) Run(ctx context.Context, j *job.Job) (*Outcome, error) {
	ctx, span := tracing.StartSpan(ctx, "engine.run",
		attribute.String("provider", l.cfg.Provider),
		attribute.String("model", l.cfg.Model),
	)
	defer span.End()

	factory, err := l.registry.Get(l.cfg.Provider)
	if err != nil {
		return &Outcome{Status: job.StatusError, Message: err.Error()}, nil
	}
	handler, err := factory(provider.Options{
		Model:     l.cfg.Model,
		APIKey:    l.cfg.APIKey,
		MaxTokens: l.cfg.MaxTokens,
		BaseURL:   l.cfg.BaseURL,
	})
	if err != nil {
		return &Outcome{Status: job.StatusError, Message: err.Error()}, nil
	}

	history, err := l.store.Messages(ctx, j.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load message history: %w", err)
	}
	if len(history) == 0 {
		initial := message.UserText(l.cfg.Prompt)
		if err := l.store.AppendMessage(ctx, j.ID, initial); err != nil {
			return nil, fmt.Errorf("failed to seed history: %w", err)
		}
		history = append(history, initial)
	}

	recovery := NewRecoveryController(l.cfg.RecoveryThreshold, l.cfg.MaxRecoveryAttempts)
	recovery.Restore(j.RecoveryAttempts)

	tokensUsed := j.TotalInputTokens + j.TotalOutputTokens
	deadline := time.Now().Add(l.cfg.WallClock)

	for turn := 0; ; turn++ {
		// Turn boundary: control signals win over everything else and
		// cancel wins over interrupt.
		signal, err := l.store.ControlSignal(ctx, j.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to read control signal: %w", err)
		}
		switch signal {
		case job.SignalCancel:
			return &Outcome{Status: job.StatusCanceled}, nil
		case job.SignalInterrupt:
			return &Outcome{Status: job.StatusInterrupted}, nil
		}

		if turn >= l.cfg.MaxTurns {
			return &Outcome{
				Status:  job.StatusError,
				Message: fmt.Sprintf("turn limit reached (%d turns)", l.cfg.MaxTurns),
			}, nil
		}
		if time.Now().After(deadline) {
			return &Outcome{
				Status:  job.StatusError,
				Message: fmt.Sprintf("wall clock budget exceeded (%s)", l.cfg.WallClock),
			}, nil
		}
		if tokensUsed >= l.cfg.TokenLimit {
			return &Outcome{
				Status:  job.StatusError,
				Message: fmt.Sprintf("token budget exceeded (%d of %d)", tokensUsed, l.cfg.TokenLimit),
			}, nil
		}

		// Recovery injection happens before the provider call so the
		// recovery prompt drives this turn instead of the stalled tail.
		inRecovery := false
		if recovery.ShouldRecover() {
			if recovery.Exhausted() {
				return &Outcome{
					Status:  job.StatusFailed,
					Message: fmt.Sprintf("recovery attempts exhausted after %d tries", recovery.Attempts()),
				}, nil
			}
			attempts := recovery.BeginRecovery()
			if err := l.store.SetRecoveryAttempts(ctx, j.ID, attempts); err != nil {
				return nil, fmt.Errorf("failed to persist recovery attempts: %w", err)
			}
			if _, terr := l.store.UpdateStatus(ctx, j.ID, job.StatusRecovery); terr != nil {
				var tranErr *job.TransitionError
				if !errors.As(terr, &tranErr) {
					return nil, fmt.Errorf("failed to enter recovery: %w", terr)
				}
			}
			inRecovery = true
			prompt := l.cfg.RecoveryPrompt
			if prompt == "" {
				prompt = "The previous actions kept failing. Take a screenshot, reassess the state of the screen, and get the application back to a known state before continuing the task."
			}
			recoveryMsg := message.UserText(prompt)
			if err := l.store.AppendMessage(ctx, j.ID, recoveryMsg); err != nil {
				return nil, fmt.Errorf("failed to append recovery prompt: %w", err)
			}
			history = append(history, recoveryMsg)
			observability.RecordRecoveryAttempt()
		}

		callStarted := time.Now()
		outcome, callErr := l.callWithRetry(ctx, handler, history)
		l.recordExchange(ctx, j.ID, outcome, callErr, time.Since(callStarted))
		if callErr != nil {
			if errors.Is(callErr, context.Canceled) || errors.Is(callErr, context.DeadlineExceeded) {
				return &Outcome{Status: job.StatusError, Message: "provider call aborted: " + callErr.Error()}, nil
			}
			return &Outcome{Status: job.StatusError, Message: callErr.Error()}, nil
		}

		// The recovered turn completed a provider call, so the loop
		// returns to the running track.
		if inRecovery {
			if _, terr := l.store.UpdateStatus(ctx, j.ID, job.StatusRunning); terr != nil {
				var tranErr *job.TransitionError
				if !errors.As(terr, &tranErr) {
					return nil, fmt.Errorf("failed to resume running: %w", terr)
				}
			}
		}

		assistant := outcome.Message
		if err := l.store.AppendMessage(ctx, j.ID, assistant); err != nil {
			return nil, fmt.Errorf("failed to append assistant message: %w", err)
		}
		history = append(history, assistant)
		tokensUsed += outcome.Usage.InputTokens + outcome.Usage.OutputTokens
		if err := l.store.AddTokens(ctx, j.ID, outcome.Usage.InputTokens, outcome.Usage.OutputTokens); err != nil {
			return nil, fmt.Errorf("failed to record token usage: %w", err)
		}
		if l.cfg.Callbacks.OnOutput != nil {
			l.cfg.Callbacks.OnOutput(assistant)
		}

		toolUses := assistant.ToolUses()
		if len(toolUses) == 0 {
			if outcome.StopReason == provider.StopEndTurn {
				return &Outcome{Status: job.StatusSuccess, Result: assistant.TextContent()}, nil
			}
			// Truncated or odd stop with no tool calls counts as a failed
			// turn; nudge the model and let the budgets bound the loop.
			recovery.ObserveTurn(true)
			nudge := message.UserText("Continue with the task. Use the available tools to act on the screen, and call the extraction tool when the task is complete.")
			if err := l.store.AppendMessage(ctx, j.ID, nudge); err != nil {
				return nil, fmt.Errorf("failed to append nudge: %w", err)
			}
			history = append(history, nudge)
			continue
		}

		results, final, err := l.executeTools(ctx, j, handler, toolUses)
		if err != nil {
			var unavailable *bridge.SessionUnavailableError
			if errors.As(err, &unavailable) {
				return &Outcome{Status: job.StatusError, Message: unavailable.Error(), SessionLost: true}, nil
			}
			return nil, err
		}

		if len(results) > 0 {
			reply := message.Message{Role: message.RoleUser, Content: results}
			if err := l.store.AppendMessage(ctx, j.ID, reply); err != nil {
				return nil, fmt.Errorf("failed to append tool results: %w", err)
			}
			history = append(history, reply)
		}

		if final != nil {
			return final, nil
		}

		failed := len(results) > 0
		for _, r := range results {
			if !r.IsError() {
				failed = false
				break
			}
		}
		recovery.ObserveTurn(failed)
	}
}

// callWithRetry invokes the provider with exponential backoff on
// retryable failures. The last outcome is returned even on error so the
// exchange log captures the failing request.
func (l *Loop) callWithRetry(ctx context.Context, handler provider.Handler, history []message.Message) (*provider.CallOutcome, error) {
	ctx, span := tracing.StartSpan(ctx, "provider.call",
		attribute.String("provider", handler.Provider()),
		attribute.Int("history_len", len(history)),
	)
	defer span.End()

	system := handler.PrepareSystem(l.cfg.SystemPrompt)
	msgs, err := handler.ConvertMessages(history)
	if err != nil {
		return nil, fmt.Errorf("failed to convert history: %w", err)
	}
	tools := handler.PrepareTools(l.cfg.Tools)

	var lastOutcome *provider.CallOutcome
	var lastErr error
	for attempt := 0; attempt <= l.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Second << (attempt - 1)
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
			log.Warn().
				Err(lastErr).
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("Retrying provider call")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, l.cfg.CallTimeout)
		started := time.Now()
		outcome, err := handler.CallAPI(callCtx, system, msgs, tools)
		cancel()
		if err == nil {
			observability.RecordProviderCall(handler.Provider(), "success", time.Since(started))
			observability.RecordProviderTokens(handler.Provider(), outcome.Usage.InputTokens, outcome.Usage.OutputTokens)
			return outcome, nil
		}
		lastOutcome, lastErr = outcome, err
		if !provider.IsRetryable(err) || ctx.Err() != nil {
			observability.RecordProviderCall(handler.Provider(), "error", time.Since(started))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return outcome, err
		}
		observability.RecordProviderCall(handler.Provider(), "retry", time.Since(started))
	}
	err = fmt.Errorf("provider call failed after %d retries: %w", l.cfg.MaxRetries, lastErr)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return lastOutcome, err
}

// executeTools runs the turn's tool calls strictly in order. Each
// action's correctness depends on the screen state left by the previous
// one. A call to the extraction tool finalizes the job; a call to the
// UI-mismatch tool parks it for an operator.
func (l *Loop) executeTools(ctx context.Context, j *job.Job, handler provider.Handler, uses []message.ContentBlock) ([]message.ContentBlock, *Outcome, error) {
	var results []message.ContentBlock
	for _, use := range uses {
		name, input, err := handler.ParseToolUse(use)
		if err != nil {
			results = append(results, handler.MakeToolResult(
				message.NewToolResult(use.ID, "", fmt.Sprintf("malformed tool call: %v", err), ""), use.ID))
			continue
		}

		if name == bridge.MismatchToolName {
			reasoning, _ := input["reasoning"].(string)
			if reasoning == "" {
				reasoning = "no reasoning given"
			}
			noted := handler.MakeToolResult(
				message.NewToolResult(use.ID, "UI mismatch noted. An operator will review the session.", "", ""), use.ID)
			results = append(results, noted)
			if l.cfg.Callbacks.OnToolResult != nil {
				l.cfg.Callbacks.OnToolResult(noted)
			}
			return results, &Outcome{
				Status:  job.StatusInterrupted,
				Message: "ui mismatch reported: " + reasoning,
			}, nil
		}

		if name == bridge.ResultToolName {
			data, ok := input["data"]
			if !ok {
				data = input
			}
			done := handler.MakeToolResult(
				message.NewToolResult(use.ID, "Task completed.", "", ""), use.ID)
			results = append(results, done)
			if l.cfg.Callbacks.OnToolResult != nil {
				l.cfg.Callbacks.OnToolResult(done)
			}
			return results, &Outcome{Status: job.StatusSuccess, Result: data}, nil
		}

		started := time.Now()
		toolCtx, span := tracing.StartSpan(ctx, "tool.execute", attribute.String("tool", name))
		block, err := l.runner.Run(toolCtx, j.SessionID, name, l.apiTypes[name], input, use.ID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()
			return nil, nil, err
		}
		span.End()
		result := handler.MakeToolResult(block, use.ID)
		results = append(results, result)
		observability.RecordToolExecution(name, time.Since(started), !block.IsError())
		if l.cfg.Callbacks.OnToolResult != nil {
			l.cfg.Callbacks.OnToolResult(result)
		}
	}
	return results, nil, nil
}

func (l *Loop) recordExchange(ctx context.Context, jobID string, outcome *provider.CallOutcome, callErr error, latency time.Duration) {
	rec := job.ExchangeRecord{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		LatencyMS: latency.Milliseconds(),
	}
	if outcome != nil {
		rec.RequestSummary = outcome.RequestSummary
		rec.ResponseSummary = outcome.ResponseSummary
		rec.StopReason = string(outcome.StopReason)
		rec.InputTokens = outcome.Usage.InputTokens
		rec.OutputTokens = outcome.Usage.OutputTokens
	}
	if callErr != nil {
		rec.Error = callErr.Error()
	}
	if err := l.store.AppendExchange(ctx, jobID, rec); err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("Failed to append exchange record")
		return
	}
	if l.cfg.Callbacks.OnExchange != nil {
		l.cfg.Callbacks.OnExchange(rec)
	}
}

