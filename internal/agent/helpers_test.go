package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/nexus-agentcore/internal/permission"
	"github.com/haasonsaas/nexus-agentcore/internal/tools"
	"github.com/haasonsaas/nexus-agentcore/pkg/models"
)

// scriptStep is one scripted provider response.
type scriptStep struct {
	events []StreamEvent
	err    error

	// hold keeps the stream open after the events until ctx is done.
	hold bool

	// gate, when set, is waited on before any event is sent.
	gate chan struct{}
}

type scriptProvider struct {
	mu       sync.Mutex
	steps    []scriptStep
	requests []*StreamRequest
}

func newScriptProvider(steps ...scriptStep) *scriptProvider {
	return &scriptProvider{steps: steps}
}

func (p *scriptProvider) Name() string { return "script" }

func (p *scriptProvider) Stream(ctx context.Context, req *StreamRequest) (<-chan StreamEvent, error) {
	p.mu.Lock()
	idx := len(p.requests)
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	if idx >= len(p.steps) {
		return nil, errors.New("script exhausted")
	}
	step := p.steps[idx]
	if step.err != nil {
		return nil, step.err
	}
	ch := make(chan StreamEvent)
	go func() {
		defer close(ch)
		if step.gate != nil {
			select {
			case <-step.gate:
			case <-ctx.Done():
				return
			}
		}
		for _, ev := range step.events {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
		if step.hold {
			<-ctx.Done()
		}
	}()
	return ch, nil
}

func (p *scriptProvider) Requests() []*StreamRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*StreamRequest(nil), p.requests...)
}

func textStep(text string) scriptStep {
	return scriptStep{events: []StreamEvent{
		{Type: EventTextDelta, ID: "t1", Delta: text},
		{Type: EventTextEnd, ID: "t1"},
		{Type: EventFinishStep, Finish: models.FinishStop, Usage: models.Usage{InputTokens: 10, OutputTokens: 5}},
		{Type: EventFinish, Finish: models.FinishStop},
	}}
}

func toolStep(callID, tool, args string) scriptStep {
	return scriptStep{events: []StreamEvent{
		{Type: EventToolCallStart, CallID: callID, ToolName: tool},
		{Type: EventToolCall, CallID: callID, ToolName: tool, Input: json.RawMessage(args)},
		{Type: EventFinishStep, Finish: models.FinishToolCalls},
		{Type: EventFinish, Finish: models.FinishToolCalls},
	}}
}

func errStep(err error) scriptStep {
	return scriptStep{err: err}
}

// echoTool returns its arguments. When block is set it waits for ctx.
type echoTool struct {
	name    string
	calls   atomic.Int32
	block   bool
	started chan string
}

func newEchoTool() *echoTool {
	return &echoTool{name: "echo", started: make(chan string, 16)}
}

func (t *echoTool) Name() string        { return t.name }
func (t *echoTool) Description() string { return "Echo the text argument." }
func (t *echoTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`)
}

// Patterns exposes the text so rules can match on it.
func (t *echoTool) Patterns(args json.RawMessage) []string {
	var in struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(args, &in); err != nil || in.Text == "" {
		return nil
	}
	return []string{in.Text}
}

func (t *echoTool) Execute(ctx context.Context, args json.RawMessage, call *tools.CallContext) (*tools.Result, error) {
	t.calls.Add(1)
	select {
	case t.started <- call.CallID:
	default:
	}
	if t.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	var in struct {
		Text string `json:"text"`
	}
	_ = json.Unmarshal(args, &in)
	return &tools.Result{Title: "echo", Output: "echo: " + in.Text}, nil
}

// funcTool runs fn and accepts any object arguments.
type funcTool struct {
	name string
	fn   func(ctx context.Context) (*tools.Result, error)
}

func (t *funcTool) Name() string            { return t.name }
func (t *funcTool) Description() string     { return "test tool" }
func (t *funcTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }

func (t *funcTool) Execute(ctx context.Context, _ json.RawMessage, _ *tools.CallContext) (*tools.Result, error) {
	return t.fn(ctx)
}

func allowAll() permission.StaticSource {
	return permission.StaticSource{{
		Layer: permission.LayerGlobal,
		Rules: []permission.Rule{{Subject: "*", Action: permission.ActionAllow}},
	}}
}

type harness struct {
	provider *scriptProvider
	registry *tools.Registry
	sink     *RecordingSink
	ctrl     *Controller
	delays   []time.Duration
	mu       sync.Mutex
}

func newHarness(t *testing.T, provider *scriptProvider, configure func(*Options), toolset ...tools.Tool) *harness {
	t.Helper()
	registry := tools.NewRegistry(nil)
	for _, tool := range toolset {
		if err := registry.RegisterBuiltin(tool); err != nil {
			t.Fatalf("register %s: %v", tool.Name(), err)
		}
	}
	h := &harness{provider: provider, registry: registry, sink: &RecordingSink{}}
	opts := Options{
		Provider:    provider,
		Tools:       registry,
		Permissions: allowAll(),
		Sink:        h.sink,
	}
	if configure != nil {
		configure(&opts)
	}
	ctrl, err := NewController(opts)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	ctrl.sleep = func(ctx context.Context, d time.Duration) error {
		h.mu.Lock()
		h.delays = append(h.delays, d)
		h.mu.Unlock()
		return ctx.Err()
	}
	h.ctrl = ctrl
	return h
}

func newState(id string) *SessionState {
	return NewSessionState(&models.Session{ID: id, AgentID: "main", Status: models.SessionIdle})
}

func lastToolCall(t *testing.T, msg *models.Message) *models.ToolCall {
	t.Helper()
	if msg == nil {
		t.Fatal("message is nil")
	}
	calls := msg.ToolCalls()
	if len(calls) == 0 {
		t.Fatal("message has no tool calls")
	}
	return calls[len(calls)-1]
}
