package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition is returned when a tool call transition would skip or
// regress a lifecycle state.
var ErrInvalidTransition = errors.New("invalid tool call transition")

// ToolState is the lifecycle state of a tool call.
type ToolState string

const (
	ToolStatePending   ToolState = "pending"
	ToolStateRunning   ToolState = "running"
	ToolStateCompleted ToolState = "completed"
	ToolStateError     ToolState = "error"
	ToolStateCancelled ToolState = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s ToolState) Terminal() bool {
	switch s {
	case ToolStateCompleted, ToolStateError, ToolStateCancelled:
		return true
	default:
		return false
	}
}

// ToolCall tracks one tool invocation through pending -> running -> completed|error.
// CallID is stable for the whole lifecycle.
type ToolCall struct {
	CallID       string          `json:"call_id"`
	ToolName     string          `json:"tool_name"`
	State        ToolState       `json:"state"`
	PartialInput string          `json:"partial_input,omitempty"`
	Input        json.RawMessage `json:"input,omitempty"`
	Output       string          `json:"output,omitempty"`
	Title        string          `json:"title,omitempty"`
	Truncated    bool            `json:"truncated,omitempty"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
	Error        string          `json:"error,omitempty"`
	StartTime    time.Time       `json:"start_time,omitempty"`
	EndTime      time.Time       `json:"end_time,omitempty"`
}

// NewToolCall creates a call in the pending state.
func NewToolCall(callID, toolName string) *ToolCall {
	return &ToolCall{CallID: callID, ToolName: toolName, State: ToolStatePending}
}

// AppendInput accumulates streamed argument text while pending.
func (c *ToolCall) AppendInput(delta string) error {
	if c.State != ToolStatePending {
		return c.transitionErr(ToolStatePending)
	}
	c.PartialInput += delta
	return nil
}

// Start moves a pending call to running with its resolved input.
func (c *ToolCall) Start(input json.RawMessage, now time.Time) error {
	if c.State != ToolStatePending {
		return c.transitionErr(ToolStateRunning)
	}
	c.State = ToolStateRunning
	c.Input = input
	c.PartialInput = ""
	c.StartTime = now
	return nil
}

// Complete records a successful result on a running call.
func (c *ToolCall) Complete(title, output string, truncated bool, metadata map[string]any, now time.Time) error {
	if c.State != ToolStateRunning {
		return c.transitionErr(ToolStateCompleted)
	}
	c.State = ToolStateCompleted
	c.Title = title
	c.Output = output
	c.Truncated = truncated
	c.Metadata = metadata
	c.EndTime = now
	return nil
}

// Fail records an error. Pending calls may fail directly when their input
// never resolved; otherwise the call must be running.
func (c *ToolCall) Fail(message string, now time.Time) error {
	if c.State != ToolStateRunning && c.State != ToolStatePending {
		return c.transitionErr(ToolStateError)
	}
	if c.StartTime.IsZero() {
		c.StartTime = now
	}
	c.State = ToolStateError
	c.Error = message
	c.EndTime = now
	return nil
}

// Cancel marks a non-terminal call as cancelled after an abort.
func (c *ToolCall) Cancel(now time.Time) error {
	if c.State.Terminal() {
		return c.transitionErr(ToolStateCancelled)
	}
	if c.StartTime.IsZero() {
		c.StartTime = now
	}
	c.State = ToolStateCancelled
	c.Error = "cancelled"
	c.EndTime = now
	return nil
}

// Duration returns the elapsed execution time once terminal.
func (c *ToolCall) Duration() time.Duration {
	if c.StartTime.IsZero() || c.EndTime.IsZero() {
		return 0
	}
	return c.EndTime.Sub(c.StartTime)
}

// Clone returns a copy that does not share the metadata map.
func (c *ToolCall) Clone() *ToolCall {
	if c == nil {
		return nil
	}
	cp := *c
	if c.Metadata != nil {
		cp.Metadata = make(map[string]any, len(c.Metadata))
		for k, v := range c.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

func (c *ToolCall) transitionErr(to ToolState) error {
	return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, c.CallID, c.State, to)
}
