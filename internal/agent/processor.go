package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/haasonsaas/nexus-agentcore/internal/observability"
	"github.com/haasonsaas/nexus-agentcore/internal/permission"
	"github.com/haasonsaas/nexus-agentcore/internal/tools"
	"github.com/haasonsaas/nexus-agentcore/pkg/models"
)

// StepResult summarizes one processed model step.
type StepResult struct {
	// Finish is the reason reported by the finish event.
	Finish models.FinishReason

	// StepFinishes lists finish-step reasons in arrival order.
	StepFinishes []models.FinishReason

	Usage models.Usage

	// Denied is set when an ask was refused by an approver, timed out into
	// a deny fallback, or had no approver. Ruleset denials only fail the call.
	Denied bool

	// StreamErr is set when the stream reported an error or ended early.
	StreamErr error

	// ToolCalls counts tool parts created during the step.
	ToolCalls int
}

type outcomeKind int

const (
	outcomeDone outcomeKind = iota
	outcomeProgress
)

// toolOutcome carries a finished (or progressing) execution back into the
// event loop. Tool goroutines never touch message state directly.
type toolOutcome struct {
	kind     outcomeKind
	callID   string
	title    string
	output   string
	metadata map[string]any
	trunc    bool
	err      error
	denied   bool
	rejected bool
}

// processor consumes one model stream and materializes it onto an
// assistant message. All message and call mutation happens on the goroutine
// running process.
type processor struct {
	ctrl     *Controller
	state    *SessionState
	snapshot *permission.Snapshot
	offered  map[string]tools.Tool
	msg      *models.Message
	emit     *Emitter
	step     int

	parts     map[string]*models.Part
	calls     map[string]*models.ToolCall
	callParts map[string]*models.Part
	ours      map[string]bool
	inflight  int
	outcomes  chan toolOutcome
	group     errgroup.Group
	sem       *semaphore.Weighted
	result    StepResult
	stepUsage bool
}

func newProcessor(c *Controller, state *SessionState, snapshot *permission.Snapshot, offered []tools.Tool, msg *models.Message, emit *Emitter, step int) *processor {
	byName := make(map[string]tools.Tool, len(offered))
	for _, t := range offered {
		byName[t.Name()] = t
	}
	return &processor{
		ctrl:      c,
		state:     state,
		snapshot:  snapshot,
		offered:   byName,
		msg:       msg,
		emit:      emit,
		step:      step,
		parts:     make(map[string]*models.Part),
		calls:     make(map[string]*models.ToolCall),
		callParts: make(map[string]*models.Part),
		ours:      make(map[string]bool),
		outcomes:  make(chan toolOutcome, 16),
		sem:       semaphore.NewWeighted(int64(c.cfg.MaxParallelTools)),
	}
}

// process runs the event loop until the stream finishes and every tool call
// has settled, the stream fails, or ctx is cancelled. Only cancellation is
// returned as an error; stream failures land in StepResult.StreamErr.
func (p *processor) process(ctx context.Context, events <-chan StreamEvent) (StepResult, error) {
	toolCtx, cancelTools := context.WithCancel(ctx)
	defer cancelTools()

	stream := events
	finished := false
	for {
		if finished && p.inflight == 0 {
			p.failUnstarted(ctx, "tool call input never completed")
			return p.result, nil
		}
		select {
		case <-ctx.Done():
			cancelTools()
			p.abort(ctx)
			return p.result, ctx.Err()

		case ev, ok := <-stream:
			if !ok {
				stream = nil
				if !finished {
					cancelTools()
					p.fail(ctx, ErrStreamIncomplete)
					return p.result, nil
				}
				continue
			}
			switch ev.Type {
			case EventFinish:
				p.finish(ctx, ev)
				finished = true
				stream = nil
			case EventError:
				cancelTools()
				err := ev.Err
				if err == nil {
					err = errors.New("provider stream error")
				}
				p.fail(ctx, err)
				return p.result, nil
			default:
				p.handle(ctx, toolCtx, ev)
			}

		case out := <-p.outcomes:
			p.apply(ctx, out)
		}
	}
}

func (p *processor) now() time.Time {
	return p.ctrl.now()
}

func (p *processor) handle(ctx, toolCtx context.Context, ev StreamEvent) {
	switch ev.Type {
	case EventTextDelta:
		p.delta(ctx, models.PartText, ev.ID, ev.Delta)
	case EventTextEnd:
		p.end(ctx, models.PartText, ev.ID)
	case EventReasoningDelta:
		p.delta(ctx, models.PartReasoning, ev.ID, ev.Delta)
	case EventReasoningEnd:
		p.end(ctx, models.PartReasoning, ev.ID)
	case EventToolCallStart:
		p.callFor(ctx, ev.CallID, ev.ToolName)
	case EventToolCallDelta:
		call := p.callFor(ctx, ev.CallID, ev.ToolName)
		if err := call.AppendInput(ev.Delta); err != nil {
			p.ctrl.logger.Warn(ctx, "tool input delta dropped", "call_id", ev.CallID, "error", err)
			return
		}
		p.emit.PartUpdated(ctx, p.msg.ID, p.step, p.callParts[ev.CallID])
	case EventToolCall:
		p.toolCall(ctx, toolCtx, ev)
	case EventToolResult, EventToolError:
		p.providerResult(ctx, ev)
	case EventFinishStep:
		p.result.StepFinishes = append(p.result.StepFinishes, ev.Finish)
		if ev.Usage.Total() > 0 {
			p.stepUsage = true
			p.addUsage(ev.Usage)
		}
	default:
		p.ctrl.logger.Debug(ctx, "unknown stream event ignored", "type", ev.Type)
	}
}

func (p *processor) addUsage(u models.Usage) {
	p.result.Usage.Add(u)
	p.msg.Usage.Add(u)
}

func partKey(t models.PartType, id string) string {
	return string(t) + ":" + id
}

func (p *processor) delta(ctx context.Context, t models.PartType, id, delta string) {
	key := partKey(t, id)
	part, ok := p.parts[key]
	if !ok {
		part = &models.Part{
			ID:        uuid.NewString(),
			Type:      t,
			Hidden:    t == models.PartReasoning,
			StartedAt: p.now(),
		}
		if err := p.msg.AddPart(part); err != nil {
			p.ctrl.logger.Warn(ctx, "part dropped", "error", err)
			return
		}
		p.parts[key] = part
		p.emit.PartCreated(ctx, p.msg.ID, p.step, part)
	}
	if err := part.AppendDelta(delta); err != nil {
		p.ctrl.logger.Warn(ctx, "delta after part end dropped", "part_type", t, "stream_id", id)
		return
	}
	p.emit.PartUpdated(ctx, p.msg.ID, p.step, part)
}

func (p *processor) end(ctx context.Context, t models.PartType, id string) {
	key := partKey(t, id)
	part, ok := p.parts[key]
	if !ok || part.Frozen {
		return
	}
	part.Freeze(p.now())
	// An unnamed stream reopens a fresh part on its next delta.
	if id == "" {
		delete(p.parts, key)
	}
	p.emit.PartUpdated(ctx, p.msg.ID, p.step, part)
}

func (p *processor) freezeOpenParts(ctx context.Context) {
	for _, part := range p.msg.Parts {
		if part.Type == models.PartTool || part.Frozen {
			continue
		}
		part.Freeze(p.now())
		p.emit.PartUpdated(ctx, p.msg.ID, p.step, part)
	}
}

// callFor returns the call for callID, creating a pending call and its part
// on first sight.
func (p *processor) callFor(ctx context.Context, callID, name string) *models.ToolCall {
	if call, ok := p.calls[callID]; ok {
		if call.ToolName == "" && name != "" {
			call.ToolName = name
		}
		return call
	}
	if callID == "" {
		callID = "call_" + uuid.NewString()
	}
	call := models.NewToolCall(callID, name)
	part := &models.Part{ID: uuid.NewString(), Type: models.PartTool, Tool: call, StartedAt: p.now()}
	if err := p.msg.AddPart(part); err != nil {
		p.ctrl.logger.Warn(ctx, "tool part dropped", "call_id", callID, "error", err)
	}
	p.calls[callID] = call
	p.callParts[callID] = part
	p.result.ToolCalls++
	p.emit.PartCreated(ctx, p.msg.ID, p.step, part)
	p.emit.ToolStateChanged(ctx, p.msg.ID, p.step, call)
	return call
}

func (p *processor) stateChanged(ctx context.Context, call *models.ToolCall) {
	p.emit.ToolStateChanged(ctx, p.msg.ID, p.step, call)
}

// toolCall resolves a complete tool call and dispatches it.
func (p *processor) toolCall(ctx, toolCtx context.Context, ev StreamEvent) {
	call := p.callFor(ctx, ev.CallID, ev.ToolName)
	if call.State != models.ToolStatePending {
		p.ctrl.logger.Warn(ctx, "duplicate tool call ignored", "call_id", call.CallID, "state", call.State)
		return
	}
	input := ev.Input
	if len(input) == 0 && call.PartialInput != "" {
		input = json.RawMessage(call.PartialInput)
	}
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	if !json.Valid(input) {
		p.failCall(ctx, call, "invalid tool input: not valid JSON")
		return
	}
	if err := call.Start(input, p.now()); err != nil {
		p.ctrl.logger.Warn(ctx, "tool call start rejected", "call_id", call.CallID, "error", err)
		return
	}
	p.stateChanged(ctx, call)

	tool, ok := p.offered[call.ToolName]
	if !ok {
		tool, ok = p.offered[permission.NormalizeTool(call.ToolName)]
	}
	if !ok {
		p.failCall(ctx, call, fmt.Sprintf("unknown tool %q", call.ToolName))
		return
	}

	doom := p.state.DoomLoop()
	sig := Signature(tool.Name(), input)
	forced := doom.Check(sig)
	doom.Record(call.CallID, sig)
	if forced {
		p.ctrl.logger.Warn(ctx, "repeated identical tool call requires approval",
			"tool", tool.Name(),
			"call_id", call.CallID,
		)
	}

	p.ours[call.CallID] = true
	p.inflight++
	exec := execRequest{
		tool:   tool,
		callID: call.CallID,
		name:   call.ToolName,
		input:  append(json.RawMessage(nil), input...),
		forced: forced,
	}
	p.group.Go(func() error {
		if err := p.sem.Acquire(toolCtx, 1); err != nil {
			p.send(toolCtx, toolOutcome{callID: exec.callID, err: err})
			return nil
		}
		defer p.sem.Release(1)
		p.send(toolCtx, p.execute(toolCtx, exec))
		return nil
	})
}

func (p *processor) failCall(ctx context.Context, call *models.ToolCall, message string) {
	if err := call.Fail(message, p.now()); err != nil {
		p.ctrl.logger.Warn(ctx, "tool call fail rejected", "call_id", call.CallID, "error", err)
		return
	}
	p.state.DoomLoop().MarkTerminal(call.CallID)
	p.stateChanged(ctx, call)
	p.ctrl.metrics.RecordTool(call.ToolName, string(models.ToolStateError), call.Duration())
}

// providerResult applies an outcome for a tool the provider executed itself.
func (p *processor) providerResult(ctx context.Context, ev StreamEvent) {
	call := p.callFor(ctx, ev.CallID, ev.ToolName)
	if p.ours[call.CallID] || call.State.Terminal() {
		p.ctrl.logger.Warn(ctx, "provider result for locally handled call ignored", "call_id", call.CallID)
		return
	}
	if call.State == models.ToolStatePending {
		input := ev.Input
		if len(input) == 0 && call.PartialInput != "" && json.Valid([]byte(call.PartialInput)) {
			input = json.RawMessage(call.PartialInput)
		}
		if err := call.Start(input, p.now()); err != nil {
			p.ctrl.logger.Warn(ctx, "tool call start rejected", "call_id", call.CallID, "error", err)
			return
		}
		p.stateChanged(ctx, call)
	}

	if ev.Type == EventToolError {
		msg := ev.Output
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		if msg == "" {
			msg = "tool failed"
		}
		p.failCall(ctx, call, msg)
		return
	}

	output, truncated, metadata := ev.Output, false, maps.Clone(ev.Metadata)
	if p.ctrl.truncator != nil {
		trunc, err := p.ctrl.truncator.Apply(ctx, ev.Output)
		if err != nil {
			p.failCall(ctx, call, err.Error())
			return
		}
		output, truncated = trunc.Output, trunc.Truncated
		metadata = withOutputRef(metadata, trunc)
	}
	if err := call.Complete(ev.Title, output, truncated, metadata, p.now()); err != nil {
		p.ctrl.logger.Warn(ctx, "tool call complete rejected", "call_id", call.CallID, "error", err)
		return
	}
	p.state.DoomLoop().MarkTerminal(call.CallID)
	p.stateChanged(ctx, call)
	p.ctrl.metrics.RecordTool(call.ToolName, string(models.ToolStateCompleted), call.Duration())
}

func withOutputRef(metadata map[string]any, trunc tools.Truncation) map[string]any {
	if trunc.Ref == "" {
		return metadata
	}
	if metadata == nil {
		metadata = make(map[string]any, 2)
	}
	metadata["output_ref"] = trunc.Ref
	metadata["output_offset"] = trunc.Offset
	return metadata
}

// send delivers an outcome unless the step has been torn down.
func (p *processor) send(ctx context.Context, out toolOutcome) {
	select {
	case p.outcomes <- out:
	case <-ctx.Done():
	}
}

// apply records an outcome on its call.
func (p *processor) apply(ctx context.Context, out toolOutcome) {
	call, ok := p.calls[out.callID]
	if !ok {
		return
	}
	if out.kind == outcomeProgress {
		if call.State != models.ToolStateRunning {
			return
		}
		if out.title != "" {
			call.Title = out.title
		}
		if len(out.metadata) > 0 {
			if call.Metadata == nil {
				call.Metadata = make(map[string]any, len(out.metadata))
			}
			maps.Copy(call.Metadata, out.metadata)
		}
		p.emit.PartUpdated(ctx, p.msg.ID, p.step, p.callParts[out.callID])
		return
	}

	p.inflight--
	if call.State.Terminal() {
		return
	}
	status := string(models.ToolStateCompleted)
	if out.err != nil {
		status = string(models.ToolStateError)
		if out.denied {
			status = "denied"
		}
		if out.rejected {
			p.result.Denied = true
		}
		if err := call.Fail(out.err.Error(), p.now()); err != nil {
			p.ctrl.logger.Warn(ctx, "tool call fail rejected", "call_id", call.CallID, "error", err)
			return
		}
	} else if err := call.Complete(out.title, out.output, out.trunc, out.metadata, p.now()); err != nil {
		p.ctrl.logger.Warn(ctx, "tool call complete rejected", "call_id", call.CallID, "error", err)
		return
	}
	p.state.DoomLoop().MarkTerminal(call.CallID)
	p.stateChanged(ctx, call)
	p.ctrl.metrics.RecordTool(call.ToolName, status, call.Duration())
}

func (p *processor) finish(ctx context.Context, ev StreamEvent) {
	p.result.Finish = ev.Finish
	if p.result.Finish == "" {
		p.result.Finish = models.FinishUnknown
		if n := len(p.result.StepFinishes); n > 0 {
			p.result.Finish = p.result.StepFinishes[n-1]
		}
	}
	if !p.stepUsage && ev.Usage.Total() > 0 {
		p.addUsage(ev.Usage)
	}
	p.freezeOpenParts(ctx)
}

// failUnstarted fails calls whose complete tool-call event never arrived.
func (p *processor) failUnstarted(ctx context.Context, message string) {
	for _, part := range p.msg.Parts {
		if part.Type != models.PartTool || part.Tool == nil || part.Tool.State != models.ToolStatePending {
			continue
		}
		p.failCall(ctx, part.Tool, message)
	}
}

// fail records a stream failure and cancels unfinished calls.
func (p *processor) fail(ctx context.Context, err error) {
	p.result.StreamErr = err
	p.result.Finish = models.FinishError
	p.cancelCalls(ctx)
	p.freezeOpenParts(ctx)
}

// abort handles caller cancellation: every unfinished call is marked
// cancelled and events are still delivered.
func (p *processor) abort(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	p.cancelCalls(ctx)
	p.freezeOpenParts(ctx)
}

func (p *processor) cancelCalls(ctx context.Context) {
	for _, part := range p.msg.Parts {
		call := part.Tool
		if part.Type != models.PartTool || call == nil || call.State.Terminal() {
			continue
		}
		if err := call.Cancel(p.now()); err != nil {
			continue
		}
		p.state.DoomLoop().MarkTerminal(call.CallID)
		p.stateChanged(ctx, call)
		p.ctrl.metrics.RecordTool(call.ToolName, string(models.ToolStateCancelled), call.Duration())
	}
	p.inflight = 0
}

type execRequest struct {
	tool   tools.Tool
	callID string
	name   string
	input  json.RawMessage
	forced bool
}

// execute runs on a tool goroutine: it resolves permission, waits for
// approval when needed, runs the tool and truncates its output.
func (p *processor) execute(ctx context.Context, req execRequest) toolOutcome {
	ctx, span := p.ctrl.tracer.Start(ctx, "agent.tool",
		attribute.String("tool.name", req.name),
		attribute.String("tool.call_id", req.callID),
	)
	defer span.End()
	ctx = observability.AddCallID(ctx, req.callID)

	out := toolOutcome{callID: req.callID}
	patterns := tools.Patterns(req.tool, req.input)
	if err := p.authorize(ctx, req.callID, req.tool.Name(), req.input, patterns, req.forced); err != nil {
		p.ctrl.tracer.RecordError(span, err)
		out.err = err
		out.denied = errors.Is(err, permission.ErrDenied)
		out.rejected = errors.Is(err, permission.ErrApprovalRejected) || errors.Is(err, permission.ErrApprovalTimeout)
		return out
	}

	call := &tools.CallContext{
		SessionID:   p.state.Session.ID,
		MessageID:   p.msg.ID,
		CallID:      req.callID,
		AgentID:     p.state.Session.AgentID,
		WorkDir:     p.state.Session.WorkDir,
		Permissions: &callPermissions{p: p, callID: req.callID},
		Update: func(title string, metadata map[string]any) {
			select {
			case p.outcomes <- toolOutcome{kind: outcomeProgress, callID: req.callID, title: title, metadata: maps.Clone(metadata)}:
			default:
			}
		},
	}
	res, err := p.ctrl.tools.Execute(ctx, req.tool.Name(), req.input, call)
	if err != nil {
		p.ctrl.tracer.RecordError(span, err)
		out.err = err
		return out
	}

	out.title = res.Title
	out.output = res.Output
	out.metadata = maps.Clone(res.Metadata)
	if p.ctrl.truncator != nil {
		trunc, err := p.ctrl.truncator.Apply(ctx, res.Output)
		if err != nil {
			out.err = err
			return out
		}
		out.output = trunc.Output
		out.trunc = trunc.Truncated
		out.metadata = withOutputRef(out.metadata, trunc)
	}
	return out
}

// authorize applies the turn's snapshot and, for ask decisions or repeated
// calls, the approval gate. It returns nil when the call may run.
func (p *processor) authorize(ctx context.Context, callID, tool string, args json.RawMessage, patterns []string, forced bool) error {
	decision := p.snapshot.Resolve(tool, patterns...)
	action := decision.Action
	source := "ruleset"
	reason := decision.Reason
	if forced && action == permission.ActionAllow {
		action = permission.ActionAsk
		source = "doom_loop"
		reason = "the same call has repeated several times"
	}
	p.ctrl.metrics.RecordPermission(string(action), source)

	switch action {
	case permission.ActionAllow:
		return nil
	case permission.ActionDeny:
		return fmt.Errorf("%w: %s", permission.ErrDenied, decision.Reason)
	}

	if p.ctrl.gate == nil {
		return fmt.Errorf("%w: %w: %s requires approval and no approver is configured", permission.ErrDenied, permission.ErrApprovalRejected, tool)
	}
	req := permission.ApprovalRequest{
		ID:          "apr_" + uuid.NewString(),
		SessionID:   p.state.Session.ID,
		CallID:      callID,
		ToolName:    tool,
		Args:        args,
		Patterns:    patterns,
		Reason:      reason,
		RequestedAt: p.now(),
		Repeated:    source == "doom_loop",
	}
	p.emit.ApprovalRequested(ctx, p.msg.ID, p.step, models.ApprovalEventPayload{
		RequestID: req.ID,
		ToolName:  tool,
		CallID:    callID,
		Patterns:  patterns,
		Reason:    reason,
	})
	granted, reply, err := p.ctrl.gate.Ask(ctx, req)
	if err != nil {
		return err
	}
	p.ctrl.metrics.RecordPermission(string(granted), "approval")
	if granted == permission.ActionAllow {
		return nil
	}
	if reply == permission.ReplyTimeout {
		return fmt.Errorf("%w: %w", permission.ErrDenied, permission.ErrApprovalTimeout)
	}
	return fmt.Errorf("%w: %w: %s rejected by approver", permission.ErrDenied, permission.ErrApprovalRejected, tool)
}

// callPermissions routes permission checks raised inside a running tool
// through the same snapshot and gate.
type callPermissions struct {
	p      *processor
	callID string
}

func (c *callPermissions) RequestPermission(ctx context.Context, tool string, patterns ...string) error {
	if len(patterns) == 0 {
		patterns = []string{"*"}
	}
	return c.p.authorize(ctx, c.callID, tool, nil, patterns, false)
}
