package tasks

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/haasonsaas/nexus-agentcore/internal/tools"
)

func TestTodoTools(t *testing.T) {
	w := NewWriter(NewMemoryStore(), nil)
	r := tools.NewRegistry(nil)
	if err := r.RegisterBuiltin(NewWriteTool(w)); err != nil {
		t.Fatal(err)
	}
	if err := r.RegisterBuiltin(NewReadTool(w)); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	call := &tools.CallContext{SessionID: "s1"}

	tests := []struct {
		name        string
		args        string
		wantInvalid bool
		wantErr     bool
	}{
		{name: "valid", args: `{"todos":[{"content":"plan","status":"completed"},{"content":"build","status":"in_progress","priority":"high"}]}`},
		{name: "empty list", args: `{"todos":[]}`},
		{name: "unknown status", args: `{"todos":[{"content":"x","status":"done"}]}`, wantInvalid: true},
		{name: "missing todos", args: `{}`, wantInvalid: true},
		{name: "two in progress", args: `{"todos":[{"content":"a","status":"in_progress"},{"content":"b","status":"in_progress"}]}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Execute(ctx, "todowrite", json.RawMessage(tt.args), call)
			switch {
			case tt.wantInvalid:
				if !tools.IsInvalidArguments(err) {
					t.Fatalf("error = %v, want invalid arguments", err)
				}
			case tt.wantErr:
				if err == nil || !strings.Contains(err.Error(), "in_progress") {
					t.Fatalf("error = %v", err)
				}
			default:
				if err != nil {
					t.Fatalf("todowrite: %v", err)
				}
			}
		})
	}

	// The last accepted write was the empty list.
	res, err := r.Execute(ctx, "todoread", nil, call)
	if err != nil {
		t.Fatalf("todoread: %v", err)
	}
	if strings.TrimSpace(res.Output) != "[]" {
		t.Errorf("todoread output = %q", res.Output)
	}

	res, err = r.Execute(ctx, "todowrite", json.RawMessage(`{"todos":[{"content":"a","status":"pending"},{"content":"b","status":"completed"}]}`), call)
	if err != nil {
		t.Fatal(err)
	}
	if res.Title != "1 todos" || res.Metadata["incomplete"] != 1 {
		t.Errorf("result = %q %v", res.Title, res.Metadata)
	}
	res, err = r.Execute(ctx, "todoread", json.RawMessage(`{}`), call)
	if err != nil {
		t.Fatal(err)
	}
	var items []Item
	if err := json.Unmarshal([]byte(res.Output), &items); err != nil {
		t.Fatalf("todoread output is not JSON: %v", err)
	}
	if len(items) != 2 || items[0].Content != "a" {
		t.Errorf("todoread items = %+v", items)
	}

	if _, err := r.Execute(ctx, "todoread", nil, nil); err == nil {
		t.Error("todoread without session succeeded")
	}
}
