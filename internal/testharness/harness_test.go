package testharness

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/nexus-agentcore/internal/agent"
	"github.com/haasonsaas/nexus-agentcore/internal/backoff"
	"github.com/haasonsaas/nexus-agentcore/internal/permission"
	"github.com/haasonsaas/nexus-agentcore/internal/tools"
	"github.com/haasonsaas/nexus-agentcore/pkg/models"
)

type upperTool struct{}

func (upperTool) Name() string        { return "upper" }
func (upperTool) Description() string { return "Uppercase text." }
func (upperTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`)
}

func (upperTool) Execute(_ context.Context, args json.RawMessage, _ *tools.CallContext) (*tools.Result, error) {
	var in struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}
	return &tools.Result{Output: strings.ToUpper(in.Text)}, nil
}

func newController(t *testing.T, provider agent.Provider) *agent.Controller {
	t.Helper()
	registry := tools.NewRegistry(nil)
	if err := registry.RegisterBuiltin(upperTool{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	ctrl, err := agent.NewController(agent.Options{
		Provider: provider,
		Tools:    registry,
		Permissions: permission.StaticSource{{
			Layer: permission.LayerGlobal,
			Rules: []permission.Rule{{Subject: "*", Action: permission.ActionAllow}},
		}},
		Retry: agent.RetryConfig{
			MaxAttempts: 3,
			Backoff:     backoff.Policy{Initial: time.Millisecond, Max: time.Millisecond, Factor: 1},
		},
	})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	return ctrl
}

func TestScriptedTurn(t *testing.T) {
	script, err := LoadScript(filepath.Join("testdata", "scripts", "upper.yaml"))
	if err != nil {
		t.Fatalf("LoadScript: %v", err)
	}
	provider := NewProvider(script)
	state := agent.NewSessionState(&models.Session{ID: "s1", AgentID: "main"})

	res, err := newController(t, provider).Run(context.Background(), state, agent.Input{Text: "uppercase hello"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Retries) != 1 || res.Retries[0].Category != agent.CategoryServer {
		t.Fatalf("retries = %+v", res.Retries)
	}
	if provider.Remaining() != 0 {
		t.Fatalf("%d steps left unused", provider.Remaining())
	}
	NewGolden(t).Assert(Transcript(state.Session.Messages))
}

func TestParseScriptErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{name: "empty", yaml: "name: x\n", want: "no steps"},
		{name: "empty step", yaml: "steps:\n  - {}\n", want: "events or error required"},
		{name: "unknown type", yaml: "steps:\n  - events:\n      - {type: telepathy}\n", want: "unknown event type"},
		{name: "tool call without id", yaml: "steps:\n  - events:\n      - {type: tool-call, tool: upper}\n", want: "requires call_id"},
		{name: "bad input", yaml: "steps:\n  - events:\n      - {type: tool-call, call_id: c1, tool: upper, input: '{'}\n", want: "not valid JSON"},
		{name: "unknown field", yaml: "steps:\n  - events: []\n    colour: red\n", want: "colour"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScript([]byte(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestProviderReplay(t *testing.T) {
	script, err := ParseScript([]byte(`
name: replay
steps:
  - error: {category: rate_limit, message: slow down, retry_after: 2s}
  - events:
      - {type: text-delta, delta: partial}
    error: {status: 502, message: upstream reset}
    mid_stream: true
`))
	if err != nil {
		t.Fatalf("ParseScript: %v", err)
	}
	p := NewProvider(script)
	if p.Name() != "script:replay" {
		t.Fatalf("name = %q", p.Name())
	}
	ctx := context.Background()

	_, err = p.Stream(ctx, &agent.StreamRequest{})
	var perr *agent.ProviderError
	if !errors.As(err, &perr) || perr.RetryAfter != 2*time.Second || agent.Classify(err) != agent.CategoryRateLimit {
		t.Fatalf("first step err = %v", err)
	}

	ch, err := p.Stream(ctx, &agent.StreamRequest{})
	if err != nil {
		t.Fatalf("second step: %v", err)
	}
	var events []agent.StreamEvent
	for ev := range ch {
		events = append(events, ev)
	}
	if len(events) != 2 || events[0].Delta != "partial" || events[1].Type != agent.EventError {
		t.Fatalf("events = %+v", events)
	}
	if agent.Classify(events[1].Err) != agent.CategoryServer {
		t.Fatalf("mid-stream category = %s", agent.Classify(events[1].Err))
	}

	if _, err := p.Stream(ctx, &agent.StreamRequest{}); !errors.Is(err, ErrScriptExhausted) {
		t.Fatalf("err = %v", err)
	}
	if len(p.Requests()) != 3 || p.Remaining() != 0 {
		t.Fatalf("requests = %d remaining = %d", len(p.Requests()), p.Remaining())
	}
}

func TestTranscriptMarksSyntheticAndErrors(t *testing.T) {
	call := models.NewToolCall("c9", "exec")
	call.State = models.ToolStateError
	call.Error = "permission denied"
	msgs := []*models.Message{{
		Role:   models.RoleAssistant,
		Finish: models.FinishStop,
		Parts: []*models.Part{
			{Type: models.PartText, Text: "line one\nline two", Synthetic: true},
			{Type: models.PartTool, Tool: call},
		},
	}}
	want := "[assistant] finish=stop\n" +
		"  text (synthetic): line one\n    | line two\n" +
		"  tool exec c9 [error]\n" +
		"    error: permission denied\n"
	if got := Transcript(msgs); got != want {
		t.Fatalf("transcript:\n%s\nwant:\n%s", got, want)
	}
}
