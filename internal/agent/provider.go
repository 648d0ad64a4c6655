// Package agent runs the agent task-execution loop: it streams a model
// response, dispatches tool calls under the permission policy, decides
// whether the turn continues, and recovers from provider failures.
package agent

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/nexus-agentcore/pkg/models"
)

// StreamEventType identifies a model stream event.
type StreamEventType string

const (
	EventTextDelta      StreamEventType = "text-delta"
	EventTextEnd        StreamEventType = "text-end"
	EventReasoningDelta StreamEventType = "reasoning-delta"
	EventReasoningEnd   StreamEventType = "reasoning-end"
	EventToolCallStart  StreamEventType = "tool-call-start"
	EventToolCallDelta  StreamEventType = "tool-call-delta"
	EventToolCall       StreamEventType = "tool-call"
	EventToolResult     StreamEventType = "tool-result"
	EventToolError      StreamEventType = "tool-error"
	EventFinishStep     StreamEventType = "finish-step"
	EventFinish         StreamEventType = "finish"
	EventError          StreamEventType = "error"
)

// StreamEvent is one typed event from a model stream. Which fields are set
// depends on Type.
type StreamEvent struct {
	Type StreamEventType `json:"type"`

	// ID groups text and reasoning deltas into parts. Empty means the
	// current open part.
	ID    string `json:"id,omitempty"`
	Delta string `json:"delta,omitempty"`

	// Tool call fields.
	CallID   string          `json:"call_id,omitempty"`
	ToolName string          `json:"tool_name,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`

	// Provider-executed tool outcome (tool-result, tool-error).
	Title    string         `json:"title,omitempty"`
	Output   string         `json:"output,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`

	Finish models.FinishReason `json:"finish,omitempty"`
	Usage  models.Usage        `json:"usage,omitempty"`

	// Err is set on error and tool-error events.
	Err error `json:"-"`
}

// ToolSpec is a tool contract offered to the model.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

// StreamRequest is a prepared prompt for one model step.
type StreamRequest struct {
	SessionID      string
	AgentID        string
	Model          string
	System         string
	Messages       []*models.Message
	Tools          []ToolSpec
	Thinking       ThinkingLevel
	ThinkingBudget int
	MaxTokens      int
	Temperature    *float64
	Credential     *Credential
}

// Provider streams model responses. Stream returns an error for failures
// before the first event; later failures arrive as error events. The
// channel is closed after finish or error.
type Provider interface {
	Name() string
	Stream(ctx context.Context, req *StreamRequest) (<-chan StreamEvent, error)
}
