package agent

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/nexus-agentcore/internal/observability"
	"github.com/haasonsaas/nexus-agentcore/pkg/models"
)

// EventSink receives agent events during processing.
// Implementations must be safe to call from multiple goroutines and should
// not block the caller for long.
type EventSink interface {
	Emit(ctx context.Context, e models.AgentEvent)
}

// ChanSink sends events to a channel with non-blocking behavior when the channel is full.
type ChanSink struct {
	ch chan<- models.AgentEvent
}

// NewChanSink creates a sink that sends to a channel.
// The channel should be buffered to avoid dropping events.
func NewChanSink(ch chan<- models.AgentEvent) *ChanSink {
	return &ChanSink{ch: ch}
}

// Emit sends the event to the channel (non-blocking if full or context cancelled).
func (s *ChanSink) Emit(ctx context.Context, e models.AgentEvent) {
	select {
	case s.ch <- e:
	case <-ctx.Done():
	default:
		// Channel full - drop event rather than block
	}
}

// MultiSink fans out events to multiple sinks.
type MultiSink struct {
	sinks []EventSink
}

// NewMultiSink creates a sink that dispatches events to multiple sinks.
// Nil sinks are filtered out.
func NewMultiSink(sinks ...EventSink) *MultiSink {
	filtered := make([]EventSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			filtered = append(filtered, s)
		}
	}
	return &MultiSink{sinks: filtered}
}

// Emit dispatches the event to all sinks.
func (s *MultiSink) Emit(ctx context.Context, e models.AgentEvent) {
	for _, sink := range s.sinks {
		sink.Emit(ctx, e)
	}
}

// CallbackSink wraps a function as an EventSink.
type CallbackSink struct {
	fn func(ctx context.Context, e models.AgentEvent)
}

// NewCallbackSink creates a sink that calls fn for each event.
func NewCallbackSink(fn func(ctx context.Context, e models.AgentEvent)) *CallbackSink {
	return &CallbackSink{fn: fn}
}

// Emit calls the wrapped function.
func (s *CallbackSink) Emit(ctx context.Context, e models.AgentEvent) {
	if s.fn != nil {
		s.fn(ctx, e)
	}
}

// NopSink discards all events.
type NopSink struct{}

// Emit does nothing.
func (NopSink) Emit(context.Context, models.AgentEvent) {}

// RecordingSink keeps every event in memory. Used by tests and the CLI.
type RecordingSink struct {
	mu     sync.Mutex
	events []models.AgentEvent
}

// Emit appends the event.
func (s *RecordingSink) Emit(_ context.Context, e models.AgentEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

// Events returns a copy of the recorded events.
func (s *RecordingSink) Events() []models.AgentEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.AgentEvent(nil), s.events...)
}

// OfType returns recorded events with the given type.
func (s *RecordingSink) OfType(t models.AgentEventType) []models.AgentEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.AgentEvent
	for _, e := range s.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// LogSink writes lifecycle events to a logger at debug level. Part updates
// are skipped.
type LogSink struct {
	logger *observability.Logger
}

// NewLogSink creates a logging sink.
func NewLogSink(logger *observability.Logger) *LogSink {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &LogSink{logger: logger}
}

// Emit logs the event.
func (s *LogSink) Emit(ctx context.Context, e models.AgentEvent) {
	if e.Type == models.AgentEventPartUpdated {
		return
	}
	args := []any{"type", e.Type, "seq", e.Sequence, "session_id", e.SessionID}
	switch {
	case e.Tool != nil:
		args = append(args, "tool", e.Tool.ToolName, "call_id", e.Tool.CallID, "state", e.Tool.State)
	case e.Retry != nil:
		args = append(args, "attempt", e.Retry.Attempt, "category", e.Retry.Category, "action", e.Retry.Action)
	case e.Turn != nil:
		args = append(args, "outcome", e.Turn.Outcome, "finish", e.Turn.Finish, "steps", e.Turn.Steps)
	case e.Approval != nil:
		args = append(args, "tool", e.Approval.ToolName, "request_id", e.Approval.RequestID)
	}
	s.logger.Debug(ctx, "agent event", args...)
}

// Emitter stamps events with version, time and a monotonic sequence before
// dispatching them to a sink. Payloads are cloned so sinks never observe
// later mutation.
type Emitter struct {
	sink      EventSink
	sessionID string
	turnID    string
	sequence  uint64
	now       func() time.Time
}

// NewEmitter creates an emitter for one turn. A nil sink discards events.
func NewEmitter(sink EventSink, sessionID, turnID string) *Emitter {
	if sink == nil {
		sink = NopSink{}
	}
	return &Emitter{sink: sink, sessionID: sessionID, turnID: turnID, now: time.Now}
}

func (e *Emitter) base(t models.AgentEventType, messageID string, step int) models.AgentEvent {
	return models.AgentEvent{
		Version:   1,
		Type:      t,
		Time:      e.now(),
		Sequence:  atomic.AddUint64(&e.sequence, 1),
		SessionID: e.sessionID,
		TurnID:    e.turnID,
		MessageID: messageID,
		Step:      step,
	}
}

// PartCreated emits part.created.
func (e *Emitter) PartCreated(ctx context.Context, messageID string, step int, part *models.Part) {
	ev := e.base(models.AgentEventPartCreated, messageID, step)
	ev.Part = part.Clone()
	e.sink.Emit(ctx, ev)
}

// PartUpdated emits part.updated.
func (e *Emitter) PartUpdated(ctx context.Context, messageID string, step int, part *models.Part) {
	ev := e.base(models.AgentEventPartUpdated, messageID, step)
	ev.Part = part.Clone()
	e.sink.Emit(ctx, ev)
}

// ToolStateChanged emits tool.state_changed.
func (e *Emitter) ToolStateChanged(ctx context.Context, messageID string, step int, call *models.ToolCall) {
	ev := e.base(models.AgentEventToolStateChanged, messageID, step)
	ev.Tool = call.Clone()
	e.sink.Emit(ctx, ev)
}

// TurnFinished emits turn.finished.
func (e *Emitter) TurnFinished(ctx context.Context, messageID string, payload models.TurnEventPayload) {
	ev := e.base(models.AgentEventTurnFinished, messageID, payload.Steps)
	ev.Turn = &payload
	e.sink.Emit(ctx, ev)
}

// RetryScheduled emits retry.scheduled.
func (e *Emitter) RetryScheduled(ctx context.Context, step int, payload models.RetryEventPayload) {
	ev := e.base(models.AgentEventRetryScheduled, "", step)
	ev.Retry = &payload
	e.sink.Emit(ctx, ev)
}

// ApprovalRequested emits approval.requested.
func (e *Emitter) ApprovalRequested(ctx context.Context, messageID string, step int, payload models.ApprovalEventPayload) {
	ev := e.base(models.AgentEventApprovalRequested, messageID, step)
	payload.Patterns = append([]string(nil), payload.Patterns...)
	ev.Approval = &payload
	e.sink.Emit(ctx, ev)
}
