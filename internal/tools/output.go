package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/haasonsaas/nexus-agentcore/internal/artifacts"
)

// ReadOutputArgs are the read_output tool's arguments.
type ReadOutputArgs struct {
	Ref    string `json:"ref" jsonschema:"description=Reference from a truncated tool output."`
	Offset int64  `json:"offset,omitempty" jsonschema:"minimum=0,description=Byte offset to resume at."`
	Limit  int64  `json:"limit,omitempty" jsonschema:"minimum=0,description=Maximum bytes to return (defaults to the output budget)."`
}

// pageReserve leaves room in each page for the continuation marker.
const pageReserve = 200

// ReadOutputTool pages through full outputs that were truncated. Pages are
// sized so that a page plus its marker fits the truncation budget.
type ReadOutputTool struct {
	store    artifacts.Store
	maxBytes int
	maxLines int
	schema   json.RawMessage
}

// NewReadOutputTool creates the read_output tool using the truncator's store
// and budget.
func NewReadOutputTool(truncator *Truncator) *ReadOutputTool {
	maxBytes := truncator.maxBytes - pageReserve
	if maxBytes < 1 {
		maxBytes = 1
	}
	return &ReadOutputTool{
		store:    truncator.store,
		maxBytes: maxBytes,
		maxLines: truncator.maxLines - 2,
		schema:   SchemaFor[ReadOutputArgs](),
	}
}

// Name returns the tool name.
func (t *ReadOutputTool) Name() string {
	return "read_output"
}

// Description returns the tool description.
func (t *ReadOutputTool) Description() string {
	return "Read more of a tool output that was truncated. Pass the ref and offset from the truncation marker."
}

// Schema returns the JSON schema for the tool parameters.
func (t *ReadOutputTool) Schema() json.RawMessage {
	return t.schema
}

// Patterns returns the output reference.
func (t *ReadOutputTool) Patterns(args json.RawMessage) []string {
	var input ReadOutputArgs
	if err := json.Unmarshal(args, &input); err != nil || input.Ref == "" {
		return nil
	}
	return []string{input.Ref}
}

// Execute returns one page of stored output.
func (t *ReadOutputTool) Execute(ctx context.Context, args json.RawMessage, _ *CallContext) (*Result, error) {
	if t.store == nil {
		return nil, fmt.Errorf("no output store configured")
	}
	var input ReadOutputArgs
	if err := json.Unmarshal(args, &input); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	limit := input.Limit
	if limit <= 0 || limit > int64(t.maxBytes) {
		limit = int64(t.maxBytes)
	}

	chunk, err := t.store.Read(ctx, input.Ref, input.Offset, limit)
	if err != nil {
		if errors.Is(err, artifacts.ErrNotFound) {
			return nil, fmt.Errorf("output %s is no longer available", input.Ref)
		}
		return nil, err
	}

	page := cutUTF8(firstLines(string(chunk.Data), t.maxLines), t.maxBytes)
	if page == "" && len(chunk.Data) > 0 {
		// Always make progress past a leading newline.
		page = string(chunk.Data[:1])
	}
	next := chunk.Offset + int64(len(page))
	eof := next >= chunk.Total

	output := page
	if !eof {
		output += fmt.Sprintf("\n\n[more output available: continue with read_output ref=%s offset=%d]", input.Ref, next)
	}
	return &Result{
		Title:  fmt.Sprintf("%s @%d", input.Ref, input.Offset),
		Output: output,
		Metadata: map[string]any{
			"ref":    input.Ref,
			"offset": chunk.Offset,
			"next":   next,
			"total":  chunk.Total,
			"eof":    eof,
		},
	}, nil
}
