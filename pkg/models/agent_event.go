package models

import (
	"time"
)

// AgentEvent is the unified outward event model consumed by presentation
// layers and event buses.
//
// Design principles:
//   - Versioned and forward-compatible (add fields, don't rename/remove)
//   - Single Type discriminator with optional payload pointers
//   - Monotonic Sequence for ordering guarantees across goroutines
type AgentEvent struct {
	// Version for forward compatibility. Current version: 1.
	Version int `json:"version"`

	Type     AgentEventType `json:"type"`
	Time     time.Time      `json:"time"`
	Sequence uint64         `json:"seq"`

	SessionID string `json:"session_id"`
	TurnID    string `json:"turn_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Step      int    `json:"step,omitempty"`

	// Exactly one payload should be non-nil for a given Type.
	Part     *Part                 `json:"part,omitempty"`
	Tool     *ToolCall             `json:"tool,omitempty"`
	Turn     *TurnEventPayload     `json:"turn,omitempty"`
	Retry    *RetryEventPayload    `json:"retry,omitempty"`
	Approval *ApprovalEventPayload `json:"approval,omitempty"`
}

// AgentEventType identifies the kind of agent event.
type AgentEventType string

const (
	AgentEventPartCreated       AgentEventType = "part.created"
	AgentEventPartUpdated       AgentEventType = "part.updated"
	AgentEventToolStateChanged  AgentEventType = "tool.state_changed"
	AgentEventTurnFinished      AgentEventType = "turn.finished"
	AgentEventRetryScheduled    AgentEventType = "retry.scheduled"
	AgentEventApprovalRequested AgentEventType = "approval.requested"
)

// TurnEventPayload summarizes a finished turn.
type TurnEventPayload struct {
	Finish   FinishReason `json:"finish"`
	Outcome  string       `json:"outcome"`
	Steps    int          `json:"steps"`
	Retries  int          `json:"retries"`
	Usage    Usage        `json:"usage"`
	Error    string       `json:"error,omitempty"`
	Category string       `json:"category,omitempty"`
}

// RetryEventPayload describes one recovery action taken by the retry controller.
type RetryEventPayload struct {
	Attempt  int           `json:"attempt"`
	Category string        `json:"category"`
	Action   string        `json:"action"`
	Delay    time.Duration `json:"delay"`
	Error    string        `json:"error"`
}

// ApprovalEventPayload announces a tool call waiting on a human decision.
type ApprovalEventPayload struct {
	RequestID string   `json:"request_id"`
	ToolName  string   `json:"tool_name"`
	CallID    string   `json:"call_id"`
	Patterns  []string `json:"patterns,omitempty"`
	Reason    string   `json:"reason,omitempty"`
}
