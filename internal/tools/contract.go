// Package tools defines the tool contract, the registry that validates and
// dispatches tool calls, and the truncation applied to tool output before it
// is returned to the model.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/nexus-agentcore/internal/permission"
	"github.com/haasonsaas/nexus-agentcore/pkg/models"
)

// Tool is a capability the model can invoke.
type Tool interface {
	// Name returns the tool name for function calling (alphanumeric, '_' or '-').
	Name() string

	// Description tells the model when to use the tool.
	Description() string

	// Schema returns the JSON Schema for the tool's arguments.
	Schema() json.RawMessage

	// Execute runs the tool. Arguments have already been validated against
	// Schema. A returned error puts the call into its error state; the error
	// text is shown to the model.
	Execute(ctx context.Context, args json.RawMessage, call *CallContext) (*Result, error)
}

// PatternProvider is implemented by tools whose permission depends on their
// arguments. Patterns returns the salient values (a file path, a command
// line) that permission rules are matched against.
type PatternProvider interface {
	Patterns(args json.RawMessage) []string
}

// Result is a successful tool outcome.
type Result struct {
	Title       string              `json:"title,omitempty"`
	Output      string              `json:"output"`
	Metadata    map[string]any      `json:"metadata,omitempty"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
}

// PermissionRequester routes permission checks raised while a tool runs.
type PermissionRequester interface {
	RequestPermission(ctx context.Context, tool string, patterns ...string) error
}

// CallContext carries per-call identity and callbacks into Execute.
type CallContext struct {
	SessionID string
	MessageID string
	CallID    string
	AgentID   string
	WorkDir   string

	// Permissions resolves mid-execution permission requests. Nil denies.
	Permissions PermissionRequester

	// Update streams progress while the call runs. May be nil.
	Update func(title string, metadata map[string]any)
}

// RequestPermission asks whether tool may act on patterns. It returns nil when
// allowed and an error wrapping permission.ErrDenied otherwise.
func (c *CallContext) RequestPermission(ctx context.Context, tool string, patterns ...string) error {
	if c == nil || c.Permissions == nil {
		return fmt.Errorf("%w: %s", permission.ErrDenied, tool)
	}
	return c.Permissions.RequestPermission(ctx, tool, patterns...)
}

// Progress reports intermediate title and metadata for a running call.
func (c *CallContext) Progress(title string, metadata map[string]any) {
	if c == nil || c.Update == nil {
		return
	}
	c.Update(title, metadata)
}

// AgentContext selects the tool set for one turn.
type AgentContext struct {
	AgentID string

	// Snapshot hides tools that can never run. Nil keeps every tool.
	Snapshot *permission.Snapshot

	// Exclude removes tools by name, e.g. "task" inside sub-sessions.
	Exclude []string
}
