package models

import (
	"time"
)

// SessionStatus describes what a session is doing right now.
type SessionStatus string

const (
	SessionIdle     SessionStatus = "idle"
	SessionBusy     SessionStatus = "busy"
	SessionRetrying SessionStatus = "retrying"
)

// Session represents a conversation thread. Child sessions spawned for
// delegated work hold their ParentID; parents never reference children.
type Session struct {
	ID                 string        `json:"id"`
	ParentID           string        `json:"parent_id,omitempty"`
	AgentID            string        `json:"agent_id"`
	Sender             string        `json:"sender,omitempty"`
	WorkDir            string        `json:"work_dir,omitempty"`
	Status             SessionStatus `json:"status"`
	Messages           []*Message    `json:"messages"`
	PendingAttachments []Attachment  `json:"pending_attachments,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// Append adds a message to the history.
func (s *Session) Append(msg *Message, now time.Time) {
	s.Messages = append(s.Messages, msg)
	s.UpdatedAt = now
}

// LastAssistant returns the most recent assistant message.
func (s *Session) LastAssistant() *Message {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleAssistant {
			return s.Messages[i]
		}
	}
	return nil
}

// IsChild reports whether the session was spawned by another session.
func (s *Session) IsChild() bool {
	return s.ParentID != ""
}
