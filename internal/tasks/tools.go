package tasks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/nexus-agentcore/internal/tools"
)

// WriteArgs are the todowrite tool's arguments.
type WriteArgs struct {
	Todos []Item `json:"todos" jsonschema:"description=The complete task list. Replaces the previous list."`
}

// WriteTool replaces the session's task list.
type WriteTool struct {
	writer *Writer
	schema json.RawMessage
}

// NewWriteTool creates the todowrite tool.
func NewWriteTool(writer *Writer) *WriteTool {
	return &WriteTool{writer: writer, schema: tools.SchemaFor[WriteArgs]()}
}

// Name returns the tool name.
func (t *WriteTool) Name() string { return "todowrite" }

// Description returns the tool description.
func (t *WriteTool) Description() string {
	return "Replace the session task list. Send every item each time. Keep exactly one item in_progress while working and mark items completed as soon as they are done."
}

// Schema returns the JSON schema for the tool parameters.
func (t *WriteTool) Schema() json.RawMessage { return t.schema }

// Execute validates and stores the list.
func (t *WriteTool) Execute(ctx context.Context, args json.RawMessage, call *tools.CallContext) (*tools.Result, error) {
	if call == nil || call.SessionID == "" {
		return nil, fmt.Errorf("todowrite requires a session")
	}
	var input WriteArgs
	if err := json.Unmarshal(args, &input); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	items, err := t.writer.Write(ctx, call.SessionID, input.Todos)
	if err != nil {
		return nil, err
	}
	return listResult(items)
}

// ReadTool returns the session's task list.
type ReadTool struct {
	writer *Writer
	schema json.RawMessage
}

// NewReadTool creates the todoread tool.
func NewReadTool(writer *Writer) *ReadTool {
	return &ReadTool{writer: writer, schema: json.RawMessage(`{"type":"object","properties":{},"additionalProperties":false}`)}
}

// Name returns the tool name.
func (t *ReadTool) Name() string { return "todoread" }

// Description returns the tool description.
func (t *ReadTool) Description() string {
	return "Read the session task list."
}

// Schema returns the JSON schema for the tool parameters.
func (t *ReadTool) Schema() json.RawMessage { return t.schema }

// Execute returns the stored list.
func (t *ReadTool) Execute(ctx context.Context, _ json.RawMessage, call *tools.CallContext) (*tools.Result, error) {
	if call == nil || call.SessionID == "" {
		return nil, fmt.Errorf("todoread requires a session")
	}
	items, err := t.writer.Read(ctx, call.SessionID)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []Item{}
	}
	return listResult(items)
}

func listResult(items []Item) (*tools.Result, error) {
	encoded, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return nil, err
	}
	open := len(Incomplete(items))
	return &tools.Result{
		Title:  fmt.Sprintf("%d todos", open),
		Output: string(encoded),
		Metadata: map[string]any{
			"todos":      items,
			"incomplete": open,
		},
	}, nil
}
