package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/legatohq/legato/internal/config"
	"github.com/legatohq/legato/internal/observability"
	"github.com/legatohq/legato/internal/tracing"
	"github.com/legatohq/legato/pkg/apidef"
	"github.com/legatohq/legato/pkg/bridge"
	"github.com/legatohq/legato/pkg/dispatch"
	"github.com/legatohq/legato/pkg/engine"
	"github.com/legatohq/legato/pkg/job"
	"github.com/legatohq/legato/pkg/message"
	"github.com/legatohq/legato/pkg/provider"
	"github.com/legatohq/legato/pkg/session"
)

// baseSystemPrompt frames every job. The definition prompt supplies the
// concrete task; this part fixes how the model drives the desktop.
const baseSystemPrompt = `You are operating a remote desktop through tool calls. The screen resolution and available actions are described by the computer tool. Work step by step: take a screenshot to see the current state, act, then take another screenshot to verify the effect before moving on. Applications may be slow; use the wait action after opening windows or submitting forms. When the requested task is complete and you have gathered the required data, call the extraction tool exactly once with the result.`

// Controller owns job lifecycle: it creates jobs, schedules their runs
// on the per-session dispatcher, and applies the terminal transitions
// when the sampling loop returns.
type Controller struct {
	store      job.Store
	sessions   *session.Manager
	registry   *provider.Registry
	defs       *apidef.Registry
	dispatcher *dispatch.Dispatcher
	runner     engine.ToolRunner
	cfg        *config.Config
	hub        *StreamHub
}

// NewController wires the lifecycle controller.
func NewController(store job.Store, sessions *session.Manager, registry *provider.Registry,
	defs *apidef.Registry, dispatcher *dispatch.Dispatcher, runner engine.ToolRunner,
	cfg *config.Config, hub *StreamHub) *Controller {
	return &Controller{
		store:      store,
		sessions:   sessions,
		registry:   registry,
		defs:       defs,
		dispatcher: dispatcher,
		runner:     runner,
		cfg:        cfg,
		hub:        hub,
	}
}

// CreateJobRequest is the payload for launching an automation.
type CreateJobRequest struct {
	SessionID  string                 `json:"session_id"`
	APIName    string                 `json:"api_name"`
	Parameters map[string]interface{} `json:"parameters"`
	Provider   string                 `json:"provider,omitempty"`
	Model      string                 `json:"model,omitempty"`
}

// CreateJob validates the request, persists a pending job, and queues
// it on the session's lane.
func (c *Controller) CreateJob(ctx context.Context, targetID string, req CreateJobRequest) (*job.Job, error) {
	def, err := c.defs.Get(req.APIName)
	if err != nil {
		return nil, err
	}
	if _, err := def.ValidateParams(req.Parameters); err != nil {
		return nil, err
	}

	sess, err := c.sessions.Get(req.SessionID)
	if err != nil {
		return nil, err
	}
	if sess.TargetID != targetID {
		return nil, fmt.Errorf("session %s does not belong to target %s", req.SessionID, targetID)
	}

	profile, err := c.resolveProfile(req.Provider)
	if err != nil {
		return nil, err
	}

	j := job.New(targetID, req.SessionID, req.APIName, req.Parameters)
	j.Provider = profile.Provider
	j.Model = profile.Model
	if req.Model != "" {
		j.Model = req.Model
	}
	j.RecoveryPrompt = def.RecoveryPrompt

	if err := c.store.Create(ctx, j); err != nil {
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}
	if _, err := c.store.UpdateStatus(ctx, j.ID, job.StatusQueued); err != nil {
		return nil, err
	}

	if err := c.enqueue(ctx, j); err != nil {
		return nil, err
	}
	return c.store.Get(ctx, j.ID)
}

// resolveProfile picks the provider profile by id, falling back to the
// highest-priority one.
func (c *Controller) resolveProfile(id string) (*config.ProviderProfile, error) {
	if id == "" {
		return c.cfg.DefaultProfile()
	}
	if p, err := c.cfg.Profile(id); err == nil {
		return p, nil
	}
	// Allow addressing a profile by its provider name.
	for i := range c.cfg.Providers {
		if c.cfg.Providers[i].Provider == id {
			return &c.cfg.Providers[i], nil
		}
	}
	return nil, fmt.Errorf("no provider profile matches %q", id)
}

func (c *Controller) enqueue(ctx context.Context, j *job.Job) error {
	runCtx := tracing.CloneContext(ctx)
	err := c.dispatcher.Submit(j.SessionID, j.ID, func(dctx context.Context) {
		c.runJob(tracing.MergeContext(dctx, runCtx), j.ID)
	})
	if err != nil {
		if _, terr := c.store.UpdateStatus(ctx, j.ID, job.StatusError); terr == nil {
			_ = c.store.SetError(ctx, j.ID, err.Error())
		}
		return err
	}
	return nil
}

// runJob is the lane task: it claims the session, runs the loop, and
// applies the outcome.
func (c *Controller) runJob(ctx context.Context, jobID string) {
	j, err := c.store.Get(ctx, jobID)
	if err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("Failed to load job for run")
		return
	}
	ctx = tracing.NewJobRunContext(ctx, j.ID, j.SessionID)
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	// A cancel that arrived while the job sat in the queue wins before
	// any work starts.
	if sig, _ := c.store.ControlSignal(ctx, jobID); sig == job.SignalCancel {
		c.finish(ctx, j, &engine.Outcome{Status: job.StatusCanceled}, time.Now())
		return
	}

	if err := c.sessions.Acquire(j.SessionID, j.ID); err != nil {
		logger.Warn().Err(err).Msg("Session unavailable for job")
		c.finish(ctx, j, &engine.Outcome{Status: job.StatusError, Message: err.Error()}, time.Now())
		return
	}
	defer c.sessions.Release(j.SessionID, j.ID)

	prev := j.Status
	if _, err := c.store.UpdateStatus(ctx, jobID, job.StatusRunning); err != nil {
		// A racing cancel already moved the job; nothing to run.
		logger.Warn().Err(err).Msg("Job not runnable")
		return
	}
	observability.RecordTransitionAudit(ctx, jobID, string(prev), string(job.StatusRunning))
	observability.IncActiveJobs()
	defer observability.DecActiveJobs()
	c.hub.Publish(jobID, "status", job.StatusRunning)

	started := time.Now()
	outcome, err := c.run(ctx, j)
	if err != nil {
		logger.Error().Err(err).Msg("Sampling loop infrastructure failure")
		outcome = &engine.Outcome{Status: job.StatusError, Message: err.Error()}
	}
	c.finish(ctx, j, outcome, started)

	// A dead gateway poisons every later job on this session.
	if outcome.SessionLost {
		if err := c.sessions.MarkError(j.SessionID); err != nil {
			logger.Error().Err(err).Msg("Failed to flag session error")
		}
	}
}

func (c *Controller) run(ctx context.Context, j *job.Job) (*engine.Outcome, error) {
	def, err := c.defs.Get(j.APIName)
	if err != nil {
		return &engine.Outcome{Status: job.StatusError, Message: err.Error()}, nil
	}
	prompt, err := def.BuildPrompt(j.Parameters)
	if err != nil {
		return &engine.Outcome{Status: job.StatusError, Message: err.Error()}, nil
	}

	profile, err := c.profileFor(j)
	if err != nil {
		return &engine.Outcome{Status: job.StatusError, Message: err.Error()}, nil
	}

	tools := append(
		bridge.ComputerToolSpecs(c.cfg.Bridge.DisplayWidth, c.cfg.Bridge.DisplayHeight),
		bridge.MismatchToolSpec(),
		bridge.ResultToolSpec(def.ResponseSchema),
	)

	e := c.cfg.Engine
	loop := engine.New(c.registry, c.runner, c.store, engine.Config{
		Provider:  j.Provider,
		Model:     j.Model,
		APIKey:    profile.APIKey,
		BaseURL:   profile.BaseURL,
		MaxTokens: e.MaxTokens,

		SystemPrompt:   baseSystemPrompt,
		Prompt:         prompt,
		RecoveryPrompt: j.RecoveryPrompt,
		Tools:          tools,

		MaxRetries:          e.MaxRetries,
		CallTimeout:         time.Duration(e.CallTimeoutSeconds) * time.Second,
		MaxTurns:            e.MaxTurns,
		WallClock:           time.Duration(e.WallClockMinutes) * time.Minute,
		TokenLimit:          e.TokenLimit,
		RecoveryThreshold:   e.RecoveryThreshold,
		MaxRecoveryAttempts: e.MaxRecoveryAttempts,

		Callbacks: engine.Callbacks{
			OnOutput: func(msg message.Message) {
				c.hub.Publish(j.ID, "output", msg)
			},
			OnToolResult: func(block message.ContentBlock) {
				c.hub.Publish(j.ID, "tool_result", block)
			},
			OnExchange: func(rec job.ExchangeRecord) {
				c.hub.Publish(j.ID, "exchange", rec)
			},
		},
	})
	return loop.Run(ctx, j)
}

// profileFor finds the credentials to run j with: the profile whose
// provider matches the job.
func (c *Controller) profileFor(j *job.Job) (*config.ProviderProfile, error) {
	for i := range c.cfg.Providers {
		if c.cfg.Providers[i].Provider == j.Provider {
			return &c.cfg.Providers[i], nil
		}
	}
	return nil, fmt.Errorf("no credentials configured for provider %s", j.Provider)
}

// finish applies the loop's verdict to the job record.
func (c *Controller) finish(ctx context.Context, j *job.Job, outcome *engine.Outcome, started time.Time) {
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	if outcome.Result != nil {
		if err := c.store.SetResult(ctx, j.ID, outcome.Result); err != nil {
			logger.Error().Err(err).Msg("Failed to persist result")
		}
	}
	if outcome.Message != "" {
		if err := c.store.SetError(ctx, j.ID, outcome.Message); err != nil {
			logger.Error().Err(err).Msg("Failed to persist error")
		}
	}

	target := outcome.Status
	updated, err := c.store.UpdateStatus(ctx, j.ID, target)
	if err != nil {
		var tranErr *job.TransitionError
		if errors.As(err, &tranErr) {
			logger.Warn().Str("from", string(tranErr.From)).Str("to", string(tranErr.To)).
				Msg("Dropping forbidden status transition")
		} else {
			logger.Error().Err(err).Msg("Failed to apply final status")
		}
		return
	}
	observability.RecordTransitionAudit(ctx, j.ID, string(j.Status), string(target))

	// An interrupted run settles into paused once the loop has cleanly
	// stopped; cancel and interrupt flags are consumed here.
	if target == job.StatusInterrupted {
		if _, err := c.store.UpdateStatus(ctx, j.ID, job.StatusPaused); err != nil {
			logger.Error().Err(err).Msg("Failed to park interrupted job")
		} else {
			observability.RecordTransitionAudit(ctx, j.ID, string(job.StatusInterrupted), string(job.StatusPaused))
			target = job.StatusPaused
		}
	}
	if err := c.store.ClearControl(ctx, j.ID); err != nil {
		logger.Error().Err(err).Msg("Failed to clear control signal")
	}

	if updated.Status.IsTerminal() || target == job.StatusPaused {
		observability.RecordJobCompletion(string(target), time.Since(started))
	}
	c.hub.Publish(j.ID, "status", target)
	logger.Info().Str("status", string(target)).Dur("elapsed", time.Since(started)).Msg("Job finished")
}

// Interrupt requests a pause at the next turn boundary.
func (c *Controller) Interrupt(ctx context.Context, jobID string) error {
	j, err := c.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if !j.Status.IsActive() {
		return &job.TransitionError{JobID: jobID, From: j.Status, To: job.StatusInterrupted}
	}
	if err := c.store.RequestInterrupt(ctx, jobID); err != nil {
		return err
	}
	observability.RecordControlAudit(ctx, jobID, "interrupt_requested", "pending")
	return nil
}

// Cancel requests termination. For jobs with no loop in flight the
// transition is applied immediately; running jobs observe the flag at
// the next turn boundary.
func (c *Controller) Cancel(ctx context.Context, jobID string) error {
	j, err := c.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status.IsTerminal() {
		return &job.TransitionError{JobID: jobID, From: j.Status, To: job.StatusCanceled}
	}
	if err := c.store.RequestCancel(ctx, jobID); err != nil {
		return err
	}

	switch j.Status {
	case job.StatusPending, job.StatusPaused:
		if _, err := c.store.UpdateStatus(ctx, jobID, job.StatusCanceled); err != nil {
			return err
		}
		if err := c.store.ClearControl(ctx, jobID); err != nil {
			return err
		}
		c.hub.Publish(jobID, "status", job.StatusCanceled)
	}
	observability.RecordControlAudit(ctx, jobID, "cancel_requested", "pending")
	return nil
}

// Resolve finalizes a paused job with an operator-provided result.
func (c *Controller) Resolve(ctx context.Context, jobID string, result interface{}) (*job.Job, error) {
	j, err := c.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.Status != job.StatusPaused {
		return nil, &job.TransitionError{JobID: jobID, From: j.Status, To: job.StatusSuccess}
	}
	if err := c.store.SetResult(ctx, jobID, result); err != nil {
		return nil, err
	}
	if _, err := c.store.UpdateStatus(ctx, jobID, job.StatusSuccess); err != nil {
		return nil, err
	}
	observability.RecordControlAudit(ctx, jobID, "resolved", "success")
	c.hub.Publish(jobID, "status", job.StatusSuccess)
	return c.store.Get(ctx, jobID)
}

// Resume re-queues a paused job. The loop picks the conversation up
// from the persisted history, losing nothing.
func (c *Controller) Resume(ctx context.Context, jobID string) (*job.Job, error) {
	j, err := c.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.Status != job.StatusPaused {
		return nil, &job.TransitionError{JobID: jobID, From: j.Status, To: job.StatusRunning}
	}
	if err := c.enqueue(ctx, j); err != nil {
		return nil, err
	}
	observability.RecordControlAudit(ctx, jobID, "resumed", "pending")
	return j, nil
}

