package agent

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/haasonsaas/nexus-agentcore/internal/backoff"
	"github.com/haasonsaas/nexus-agentcore/internal/compaction"
	"github.com/haasonsaas/nexus-agentcore/internal/observability"
	"github.com/haasonsaas/nexus-agentcore/internal/permission"
	"github.com/haasonsaas/nexus-agentcore/internal/tasks"
	"github.com/haasonsaas/nexus-agentcore/internal/tools"
	"github.com/haasonsaas/nexus-agentcore/pkg/models"
)

// Options wires a Controller's collaborators. Only Provider is required.
type Options struct {
	Provider Provider

	// Tools defaults to an empty registry.
	Tools *tools.Registry

	// Permissions supplies the base rulesets; sessions add their own layers.
	Permissions permission.Source

	// Resolver holds custom tool groups. Defaults to the built-in groups.
	Resolver *permission.Resolver

	// Gate handles ask decisions. Nil denies every ask.
	Gate *permission.Gate

	// Tasks gates stop decisions on open task items. May be nil.
	Tasks *tasks.Writer

	// Compactor defaults to one that summarizes through Provider.
	Compactor *compaction.Compactor

	// Compaction configures the default compactor and the length check.
	Compaction compaction.Config

	// Truncator bounds tool output. Nil passes output through.
	Truncator *tools.Truncator

	Sink    EventSink
	Config  Config
	Retry   RetryConfig
	Logger  *observability.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Controller runs turns: it prepares each step, streams it through the
// processor, applies the enforcer's verdict, and recovers from failures.
type Controller struct {
	provider    Provider
	tools       *tools.Registry
	permissions permission.Source
	resolver    *permission.Resolver
	gate        *permission.Gate
	tasks       *tasks.Writer
	compactor   *compaction.Compactor
	truncator   *tools.Truncator
	enforcer    *Enforcer
	sink        EventSink
	cfg         Config
	retry       RetryConfig
	logger      *observability.Logger
	metrics     *observability.Metrics
	tracer      *observability.Tracer

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewController validates options and applies defaults.
func NewController(opts Options) (*Controller, error) {
	if opts.Provider == nil {
		return nil, ErrNoProvider
	}
	logger := opts.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = observability.NopTracer()
	}
	registry := opts.Tools
	if registry == nil {
		registry = tools.NewRegistry(logger)
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = permission.NewResolver()
	}
	cfg := opts.Config.withDefaults()
	compactor := opts.Compactor
	if compactor == nil {
		compactor = compaction.NewCompactor(opts.Compaction, NewProviderSummarizer(opts.Provider, cfg.Model), logger)
	}
	sink := opts.Sink
	if sink == nil {
		sink = NopSink{}
	}

	return &Controller{
		provider:    opts.Provider,
		tools:       registry,
		permissions: opts.Permissions,
		resolver:    resolver,
		gate:        opts.Gate,
		tasks:       opts.Tasks,
		compactor:   compactor,
		truncator:   opts.Truncator,
		enforcer:    NewEnforcer(opts.Tasks, compactor.Config(), cfg.ContinueAfterDenial),
		sink:        sink,
		cfg:         cfg,
		retry:       opts.Retry.withDefaults(),
		logger:      logger,
		metrics:     opts.Metrics,
		tracer:      tracer,
		now:         time.Now,
		sleep:       backoff.Sleep,
	}, nil
}

// Tools returns the tool registry.
func (c *Controller) Tools() *tools.Registry {
	return c.tools
}

// Config returns the effective loop configuration.
func (c *Controller) Config() Config {
	return c.cfg
}

// Snapshot compiles the base rulesets plus the session's own layers.
func (c *Controller) Snapshot(state *SessionState) (*permission.Snapshot, error) {
	var rulesets []permission.Ruleset
	if c.permissions != nil {
		rulesets = append(rulesets, c.permissions.Rulesets()...)
	}
	rulesets = append(rulesets, state.Rulesets...)
	return c.resolver.Compile(rulesets...)
}

// Run executes one turn for the session. A non-empty input is appended as a
// user message first. On failure the partial result is returned together
// with a *TurnError.
func (c *Controller) Run(ctx context.Context, state *SessionState, input Input) (*Result, error) {
	if state == nil || state.Session == nil {
		return nil, errSessionRequired
	}
	session := state.Session
	if state.Thinking == "" {
		state.Thinking = c.cfg.Thinking
	}
	if state.doomSize == 0 {
		state.doomSize = c.cfg.DoomLoopThreshold
	}

	turnID := uuid.NewString()
	ctx = observability.AddSessionID(ctx, session.ID)
	ctx = observability.AddTurnID(ctx, turnID)
	ctx, span := c.tracer.Start(ctx, "agent.turn",
		attribute.String("session.id", session.ID),
		attribute.String("turn.id", turnID),
	)
	defer span.End()
	defer c.metrics.TurnStarted()()

	started := c.now()
	emit := NewEmitter(c.sink, session.ID, turnID)
	result := &Result{SessionID: session.ID, TurnID: turnID}

	if strings.TrimSpace(input.Text) != "" || len(input.Attachments) > 0 {
		msg := models.NewTextMessage(uuid.NewString(), session.ID, models.RoleUser, uuid.NewString(), input.Text, started)
		msg.Attachments = append(msg.Attachments, input.Attachments...)
		session.Append(msg, started)
	}

	state.setStatus(models.SessionBusy)
	defer state.setStatus(models.SessionIdle)

	err := c.runSteps(ctx, state, emit, result)

	outcome := "stop"
	payload := models.TurnEventPayload{
		Finish: result.Finish,
		Steps:  result.Steps,
		Usage:  result.Usage,
	}
	if err != nil {
		var te *TurnError
		if !errors.As(err, &te) {
			te = &TurnError{Category: Classify(err), Cause: err, Attempts: 1}
			err = te
		}
		outcome = "error"
		if te.Category == CategoryCancelled {
			outcome = "cancelled"
		}
		payload.Error = te.Error()
		payload.Category = string(te.Category)
		c.tracer.RecordError(span, err)
		c.logger.Warn(ctx, "turn failed", "category", te.Category, "attempts", te.Attempts, "error", te.Cause)
	}
	payload.Outcome = outcome
	payload.Retries = len(result.Retries)

	var lastID string
	if result.Message != nil {
		lastID = result.Message.ID
	}
	emit.TurnFinished(context.WithoutCancel(ctx), lastID, payload)
	c.metrics.RecordTurn(outcome, c.now().Sub(started))
	c.logger.Info(ctx, "turn finished",
		"outcome", outcome,
		"finish", result.Finish,
		"steps", result.Steps,
		"retries", len(result.Retries),
	)
	return result, err
}

func (c *Controller) runSteps(ctx context.Context, state *SessionState, emit *Emitter, result *Result) error {
	session := state.Session
	snapshot, err := c.Snapshot(state)
	if err != nil {
		return &TurnError{Category: CategoryFatal, Cause: fmt.Errorf("compile permissions: %w", err), Attempts: 1}
	}

	failures := 0
	overflowCompacted := false
	for {
		if result.Steps >= c.cfg.MaxSteps {
			return &TurnError{Category: CategoryFatal, Cause: ErrMaxSteps, Attempts: 1}
		}
		if err := ctx.Err(); err != nil {
			return &TurnError{Category: CategoryCancelled, Cause: err, Attempts: failures + 1}
		}

		step := result.Steps + 1
		msg, sr, err := c.attempt(ctx, state, snapshot, emit, step)
		if ctxErr := ctx.Err(); ctxErr != nil {
			if msg != nil && len(msg.Parts) > 0 {
				c.commit(state, result, msg, models.FinishUnknown)
			}
			return &TurnError{Category: CategoryCancelled, Cause: ctxErr, Attempts: failures + 1}
		}

		if err == nil {
			err = sr.StreamErr
		}
		if err != nil {
			category := Classify(err)
			if category == CategoryCancelled {
				return &TurnError{Category: category, Cause: err, Attempts: failures + 1}
			}
			failures++
			retry, ok := c.recover(ctx, state, result, category, err, failures, &overflowCompacted)
			if !ok {
				return &TurnError{Category: category, Cause: err, Attempts: failures}
			}
			result.Retries = append(result.Retries, retry)
			c.metrics.RecordRetry(string(category), string(retry.Action))
			c.logger.Warn(ctx, "step failed; retrying",
				"step", step,
				"attempt", retry.Attempt,
				"category", category,
				"action", retry.Action,
				"delay", retry.Delay,
				"error", err,
			)
			emit.RetryScheduled(ctx, step, models.RetryEventPayload{
				Attempt:  retry.Attempt,
				Category: string(category),
				Action:   string(retry.Action),
				Delay:    retry.Delay,
				Error:    err.Error(),
			})
			if retry.Delay > 0 {
				state.setStatus(models.SessionRetrying)
				err := c.sleep(ctx, retry.Delay)
				state.setStatus(models.SessionBusy)
				if err != nil {
					return &TurnError{Category: CategoryCancelled, Cause: err, Attempts: failures}
				}
			}
			continue
		}

		failures = 0
		overflowCompacted = false
		result.Steps = step
		result.Usage.Add(sr.Usage)
		if sr.Denied {
			result.Denied = true
		}

		tokens := sr.Usage.Total()
		if tokens == 0 {
			tokens = compaction.EstimateHistoryTokens(append(slices.Clone(session.Messages), msg))
		}
		partsBefore := len(msg.Parts)
		decision := c.enforcer.Decide(ctx, session.ID, sr, msg, tokens)
		if decision.Reminder != "" {
			if part := msg.LastTextPart(); part != nil {
				if len(msg.Parts) > partsBefore {
					emit.PartCreated(ctx, msg.ID, step, part)
				} else {
					emit.PartUpdated(ctx, msg.ID, step, part)
				}
			}
		}
		c.commit(state, result, msg, sr.Finish)
		c.logger.Debug(ctx, "step finished",
			"step", step,
			"finish", sr.Finish,
			"verdict", decision.Verdict,
			"reason", decision.Reason,
		)

		switch decision.Verdict {
		case VerdictContinue:
			continue
		case VerdictCompact:
			if err := c.compact(ctx, state, result, "length"); err != nil {
				if errors.Is(err, compaction.ErrNothingToCompact) {
					return nil
				}
				return &TurnError{Category: Classify(err), Cause: fmt.Errorf("compact: %w", err), Attempts: 1}
			}
			continue
		default:
			if decision.Err != nil {
				category := CategoryFatal
				if errors.Is(decision.Err, ErrContentFiltered) {
					category = CategoryContentFilter
				}
				return &TurnError{Category: category, Cause: decision.Err, Attempts: 1}
			}
			return nil
		}
	}
}

// commit closes the step's message and appends it to the history.
func (c *Controller) commit(state *SessionState, result *Result, msg *models.Message, finish models.FinishReason) {
	now := c.now()
	if err := msg.Complete(finish, now); err != nil {
		c.logger.Warn(context.Background(), "message already completed", "message_id", msg.ID)
	}
	state.Session.Append(msg, now)
	result.Messages = append(result.Messages, msg)
	result.Message = msg
	result.Finish = finish
}

// attempt prepares and streams one step. The returned message is not yet
// part of the history; a failed attempt is discarded, which rolls the
// history back to its state before the attempt.
func (c *Controller) attempt(ctx context.Context, state *SessionState, snapshot *permission.Snapshot, emit *Emitter, step int) (*models.Message, StepResult, error) {
	ctx, span := c.tracer.Start(ctx, "agent.step", attribute.Int("step", step))
	defer span.End()

	session := state.Session
	now := c.now()
	sanitize(session, now)
	injectAttachments(session)

	offered := c.tools.Resolve(tools.AgentContext{
		AgentID:  session.AgentID,
		Snapshot: snapshot,
		Exclude:  state.ExcludeTools,
	})
	req := c.request(state, offered)

	stepCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, err := c.provider.Stream(stepCtx, req)
	if err != nil {
		c.tracer.RecordError(span, err)
		return nil, StepResult{}, err
	}

	msg := &models.Message{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		Role:      models.RoleAssistant,
		CreatedAt: now,
	}
	p := newProcessor(c, state, snapshot, offered, msg, emit, step)
	sr, err := p.process(stepCtx, events)
	if err == nil && sr.StreamErr != nil {
		c.tracer.RecordError(span, sr.StreamErr)
	}
	return msg, sr, err
}

func (c *Controller) request(state *SessionState, offered []tools.Tool) *StreamRequest {
	specs := make([]ToolSpec, 0, len(offered))
	for _, t := range offered {
		specs = append(specs, ToolSpec{Name: t.Name(), Description: t.Description(), Schema: t.Schema()})
	}
	cred, _ := state.Credentials.Current()
	return &StreamRequest{
		SessionID:      state.Session.ID,
		AgentID:        state.Session.AgentID,
		Model:          c.cfg.Model,
		System:         c.cfg.System,
		Messages:       slices.Clone(state.Session.Messages),
		Tools:          specs,
		Thinking:       state.Thinking,
		ThinkingBudget: state.Thinking.Budget(),
		MaxTokens:      c.cfg.MaxTokens,
		Credential:     cred,
	}
}

// recover applies the recovery for a failure category. It returns false
// when the failure is terminal.
func (c *Controller) recover(ctx context.Context, state *SessionState, result *Result, category ErrorCategory, cause error, failures int, overflowCompacted *bool) (RetryEvent, bool) {
	if failures >= c.retry.MaxAttempts {
		return RetryEvent{}, false
	}
	ev := RetryEvent{Attempt: failures, Category: category, Err: cause}

	switch category {
	case CategoryRateLimit:
		ev.Action = RetryBackoff
		if state.Credentials.Len() > 1 {
			if _, ok := state.Credentials.Rotate(); ok {
				ev.Action = RetryRotateCredential
			}
		}
		ev.Delay = c.delay(failures, cause)

	case CategoryNetwork, CategoryTimeout, CategoryServer:
		ev.Action = RetryBackoff
		ev.Delay = c.delay(failures, cause)

	case CategoryAuth:
		if _, ok := state.Credentials.Rotate(); !ok {
			return ev, false
		}
		ev.Action = RetryRotateCredential

	case CategoryContextOverflow:
		if *overflowCompacted {
			return ev, false
		}
		*overflowCompacted = true
		if err := c.compact(ctx, state, result, "overflow_error"); err != nil {
			c.logger.Warn(ctx, "compaction after overflow failed", "error", err)
			return ev, false
		}
		ev.Action = RetryCompact

	case CategoryCapability:
		next, ok := state.Thinking.Downgrade()
		if !ok {
			return ev, false
		}
		state.Thinking = next
		ev.Action = RetryDowngradeThinking

	default:
		return ev, false
	}
	return ev, true
}

func (c *Controller) delay(attempt int, cause error) time.Duration {
	d := c.retry.Backoff.Delay(attempt)
	var pe *ProviderError
	if errors.As(cause, &pe) && pe.RetryAfter > d {
		d = pe.RetryAfter
	}
	return d
}

func (c *Controller) compact(ctx context.Context, state *SessionState, result *Result, trigger string) error {
	res, err := c.compactor.Compact(ctx, state.Session.ID, state.Session.Messages)
	if err != nil {
		return err
	}
	state.Session.Messages = res.Messages
	state.Session.UpdatedAt = c.now()
	result.Compacted++
	c.metrics.RecordCompaction(trigger)
	c.logger.Info(ctx, "history compacted",
		"trigger", trigger,
		"messages", res.Compacted,
		"tokens_before", res.TokensBefore,
		"tokens_after", res.TokensAfter,
		"fallback", res.Fallback,
	)
	return nil
}

// sanitize repairs history before a step: empty messages are dropped, tool
// calls left unfinished by an earlier abort fail as interrupted, and
// assistant or tool messages before the first user message are removed.
// System messages are kept so a compaction summary survives.
func sanitize(session *models.Session, now time.Time) {
	kept := make([]*models.Message, 0, len(session.Messages))
	seenUser := false
	for _, m := range session.Messages {
		if m == nil || messageEmpty(m) {
			continue
		}
		if !seenUser {
			switch m.Role {
			case models.RoleUser:
				seenUser = true
			case models.RoleSystem:
			default:
				continue
			}
		}
		for _, call := range m.ToolCalls() {
			if !call.State.Terminal() {
				_ = call.Fail("interrupted", now)
			}
		}
		kept = append(kept, m)
	}
	session.Messages = kept
}

func messageEmpty(m *models.Message) bool {
	if len(m.Attachments) > 0 {
		return false
	}
	for _, p := range m.Parts {
		switch p.Type {
		case models.PartTool:
			if p.Tool != nil {
				return false
			}
		default:
			if strings.TrimSpace(p.Text) != "" {
				return false
			}
		}
	}
	return true
}

// injectAttachments moves pending attachments onto the latest user message.
func injectAttachments(session *models.Session) {
	if len(session.PendingAttachments) == 0 {
		return
	}
	for i := len(session.Messages) - 1; i >= 0; i-- {
		if m := session.Messages[i]; m.Role == models.RoleUser {
			m.Attachments = append(m.Attachments, session.PendingAttachments...)
			session.PendingAttachments = nil
			return
		}
	}
}
