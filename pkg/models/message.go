// Package models provides domain types for the agent task-execution core.
package models

import (
	"errors"
	"strings"
	"time"
)

var (
	// ErrMessageCompleted is returned when mutating a message whose turn has closed.
	ErrMessageCompleted = errors.New("message already completed")

	// ErrPartFrozen is returned when appending to a text or reasoning part after its end signal.
	ErrPartFrozen = errors.New("part is frozen")
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// FinishReason is the terminal signal reported by the model stream.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishToolCalls     FinishReason = "tool-calls"
	FinishLength        FinishReason = "length"
	FinishContentFilter FinishReason = "content-filter"
	FinishError         FinishReason = "error"
	FinishUnknown       FinishReason = "unknown"
)

// PartType discriminates the Part union.
type PartType string

const (
	PartText      PartType = "text"
	PartReasoning PartType = "reasoning"
	PartTool      PartType = "tool"
)

// Usage carries token and cost accounting for one message.
type Usage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Cost         float64 `json:"cost,omitempty"`
}

// Total returns input plus output tokens.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// Add accumulates another usage record.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.Cost += other.Cost
}

// Attachment represents a file or media attachment carried on a user message.
type Attachment struct {
	ID       string `json:"id"`
	Type     string `json:"type"` // image, document
	URL      string `json:"url,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Data     []byte `json:"data,omitempty"`
}

// Part is one element of a message. Exactly one of Text or Tool is meaningful
// depending on Type.
type Part struct {
	ID        string    `json:"id"`
	Type      PartType  `json:"type"`
	Text      string    `json:"text,omitempty"`
	Hidden    bool      `json:"hidden,omitempty"`
	Tool      *ToolCall `json:"tool,omitempty"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
	Frozen    bool      `json:"frozen,omitempty"`
	Synthetic bool      `json:"synthetic,omitempty"`
}

// AppendDelta accumulates streamed text into a text or reasoning part.
func (p *Part) AppendDelta(delta string) error {
	if p.Frozen {
		return ErrPartFrozen
	}
	p.Text += delta
	return nil
}

// Freeze trims trailing whitespace and closes the part for further deltas.
func (p *Part) Freeze(now time.Time) {
	if p.Frozen {
		return
	}
	p.Text = strings.TrimRight(p.Text, " \t\r\n")
	p.Frozen = true
	p.EndedAt = now
}

// AppendSynthetic appends core-generated text (such as a completion reminder)
// to a part, frozen or not. Callers must not use it once the owning message
// is completed.
func (p *Part) AppendSynthetic(text string) {
	if p.Text != "" {
		p.Text += "\n\n"
	}
	p.Text += text
	p.Synthetic = true
}

// Clone returns a deep copy suitable for publishing in events.
func (p *Part) Clone() *Part {
	if p == nil {
		return nil
	}
	cp := *p
	if p.Tool != nil {
		cp.Tool = p.Tool.Clone()
	}
	return &cp
}

// Message is one entry in a session's history.
type Message struct {
	ID          string       `json:"id"`
	SessionID   string       `json:"session_id"`
	Role        Role         `json:"role"`
	Parts       []*Part      `json:"parts"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Usage       Usage        `json:"usage"`
	Finish      FinishReason `json:"finish,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}

// NewTextMessage builds a completed message holding a single frozen text part.
func NewTextMessage(id, sessionID string, role Role, partID, text string, now time.Time) *Message {
	part := &Part{ID: partID, Type: PartText, Text: text, StartedAt: now}
	part.Freeze(now)
	msg := &Message{
		ID:        id,
		SessionID: sessionID,
		Role:      role,
		Parts:     []*Part{part},
		CreatedAt: now,
	}
	msg.CompletedAt = &now
	return msg
}

// Completed reports whether the message has been closed.
func (m *Message) Completed() bool {
	return m.CompletedAt != nil
}

// AddPart appends a part in arrival order.
func (m *Message) AddPart(p *Part) error {
	if m.Completed() {
		return ErrMessageCompleted
	}
	m.Parts = append(m.Parts, p)
	return nil
}

// Complete records the finish reason and makes the message immutable.
func (m *Message) Complete(reason FinishReason, now time.Time) error {
	if m.Completed() {
		return ErrMessageCompleted
	}
	m.Finish = reason
	m.CompletedAt = &now
	return nil
}

// Text concatenates visible text parts.
func (m *Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type != PartText || p.Hidden {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(p.Text)
	}
	return b.String()
}

// ToolCalls returns the tool parts' calls in arrival order.
func (m *Message) ToolCalls() []*ToolCall {
	var calls []*ToolCall
	for _, p := range m.Parts {
		if p.Type == PartTool && p.Tool != nil {
			calls = append(calls, p.Tool)
		}
	}
	return calls
}

// FindToolCall returns the call with the given ID.
func (m *Message) FindToolCall(callID string) (*ToolCall, bool) {
	for _, p := range m.Parts {
		if p.Type == PartTool && p.Tool != nil && p.Tool.CallID == callID {
			return p.Tool, true
		}
	}
	return nil, false
}

// LastTextPart returns the most recent text part, if any.
func (m *Message) LastTextPart() *Part {
	for i := len(m.Parts) - 1; i >= 0; i-- {
		if m.Parts[i].Type == PartText {
			return m.Parts[i]
		}
	}
	return nil
}
