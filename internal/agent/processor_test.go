package agent

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/nexus-agentcore/internal/artifacts"
	"github.com/haasonsaas/nexus-agentcore/internal/tools"
	"github.com/haasonsaas/nexus-agentcore/pkg/models"
)

func TestProcessorGroupsParts(t *testing.T) {
	step := scriptStep{events: []StreamEvent{
		{Type: EventReasoningDelta, ID: "r1", Delta: "let me think"},
		{Type: EventTextDelta, ID: "t1", Delta: "Hel"},
		{Type: EventReasoningEnd, ID: "r1"},
		{Type: EventTextDelta, ID: "t1", Delta: "lo  "},
		{Type: EventTextEnd, ID: "t1"},
		{Type: EventTextDelta, Delta: "second"},
		{Type: EventTextEnd},
		{Type: EventTextDelta, Delta: "third"},
		{Type: EventFinish, Finish: models.FinishStop, Usage: models.Usage{InputTokens: 7, OutputTokens: 3}},
	}}
	h := newHarness(t, newScriptProvider(step), nil)

	res, err := h.ctrl.Run(context.Background(), newState("s1"), Input{Text: "hi"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	parts := res.Message.Parts
	if len(parts) != 4 {
		t.Fatalf("parts = %d, want 4", len(parts))
	}
	if parts[0].Type != models.PartReasoning || !parts[0].Hidden || parts[0].Text != "let me think" {
		t.Fatalf("reasoning part = %+v", parts[0])
	}
	want := []string{"Hello", "second", "third"}
	for i, text := range want {
		p := parts[i+1]
		if p.Type != models.PartText || p.Text != text || !p.Frozen {
			t.Fatalf("part %d = %+v, want frozen %q", i+1, p, text)
		}
	}
	if res.Usage.Total() != 10 {
		t.Fatalf("finish usage should apply without finish-step usage, got %+v", res.Usage)
	}
}

func TestProcessorProviderExecutedTool(t *testing.T) {
	step := scriptStep{events: []StreamEvent{
		{Type: EventToolCallStart, CallID: "ws1", ToolName: "web_search"},
		{Type: EventToolCallDelta, CallID: "ws1", Delta: `{"query":`},
		{Type: EventToolCallDelta, CallID: "ws1", Delta: `"go"}`},
		{Type: EventToolResult, CallID: "ws1", Title: "search", Output: "3 results"},
		{Type: EventToolCallStart, CallID: "ws2", ToolName: "web_search"},
		{Type: EventToolError, CallID: "ws2", Output: "quota exceeded"},
		{Type: EventTextDelta, ID: "t1", Delta: "found it"},
		{Type: EventFinish, Finish: models.FinishStop},
	}}
	h := newHarness(t, newScriptProvider(step), nil)

	res, err := h.ctrl.Run(context.Background(), newState("s1"), Input{Text: "search"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	calls := res.Message.ToolCalls()
	if len(calls) != 2 {
		t.Fatalf("calls = %d", len(calls))
	}
	if calls[0].State != models.ToolStateCompleted || calls[0].Output != "3 results" || string(calls[0].Input) != `{"query":"go"}` {
		t.Fatalf("provider result = %+v", calls[0])
	}
	if calls[1].State != models.ToolStateError || calls[1].Error != "quota exceeded" {
		t.Fatalf("provider error = %+v", calls[1])
	}
	if res.Steps != 1 {
		t.Fatalf("provider-executed calls should not force another step, steps = %d", res.Steps)
	}
}

func TestProcessorTruncatesOutput(t *testing.T) {
	store, err := artifacts.NewMemoryStore(0, time.Hour)
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	big := strings.Repeat("line of output\n", 500)
	dump := &funcTool{name: "dump", fn: func(context.Context) (*tools.Result, error) {
		return &tools.Result{Output: big}, nil
	}}
	provider := newScriptProvider(toolStep("c1", "dump", `{}`), textStep("ok"))
	h := newHarness(t, provider, func(o *Options) {
		o.Truncator = tools.NewTruncator(tools.TruncateConfig{MaxBytes: 1024, MaxLines: 20}, store)
	}, dump)

	res, err := h.ctrl.Run(context.Background(), newState("s1"), Input{Text: "go"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	call := lastToolCall(t, res.Messages[0])
	if !call.Truncated || len(call.Output) > 1024 {
		t.Fatalf("truncated=%v len=%d", call.Truncated, len(call.Output))
	}
	ref, _ := call.Metadata["output_ref"].(string)
	if ref == "" {
		t.Fatalf("metadata = %+v", call.Metadata)
	}
	chunk, err := store.Read(context.Background(), ref, 0, int64(len(big)))
	if err != nil || string(chunk.Data) != big {
		t.Fatalf("stored output mismatch: %v", err)
	}
}

func TestProcessorRunsToolsConcurrently(t *testing.T) {
	release := make(chan struct{})
	started := make(chan string, 2)
	slow := &funcTool{name: "slow", fn: func(ctx context.Context) (*tools.Result, error) {
		started <- "x"
		select {
		case <-release:
			return &tools.Result{Output: "done"}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
	step := scriptStep{events: []StreamEvent{
		{Type: EventToolCall, CallID: "a", ToolName: "slow", Input: []byte(`{"n":1}`)},
		{Type: EventToolCall, CallID: "b", ToolName: "slow", Input: []byte(`{"n":2}`)},
		{Type: EventFinish, Finish: models.FinishToolCalls},
	}}
	h := newHarness(t, newScriptProvider(step, textStep("both done")), nil, slow)

	go func() {
		<-started
		<-started
		close(release)
	}()
	res, err := h.ctrl.Run(context.Background(), newState("s1"), Input{Text: "go"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, call := range res.Messages[0].ToolCalls() {
		if call.State != models.ToolStateCompleted {
			t.Fatalf("call %s = %s", call.CallID, call.State)
		}
	}
}
