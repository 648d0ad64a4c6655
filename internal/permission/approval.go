package permission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Reply is an approver's answer to an approval request.
type Reply string

const (
	ReplyAllowOnce   Reply = "allow-once"
	ReplyAllowAlways Reply = "allow-always"
	ReplyDeny        Reply = "deny"
	ReplyTimeout     Reply = "timeout"
)

// DefaultApprovalTimeout bounds how long a single call waits for a decision.
const DefaultApprovalTimeout = 120 * time.Second

// ApprovalRequest describes a tool call waiting on a human decision.
type ApprovalRequest struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"session_id"`
	CallID      string          `json:"call_id"`
	ToolName    string          `json:"tool_name"`
	Args        json.RawMessage `json:"args,omitempty"`
	Patterns    []string        `json:"patterns,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	RequestedAt time.Time       `json:"requested_at"`

	// Repeated marks a call forced to the gate by repetition; standing
	// grants do not cover it.
	Repeated bool `json:"repeated,omitempty"`
}

// ApprovalChannel is the human-in-the-loop collaborator. Implementations
// block until a decision arrives or ctx is done.
type ApprovalChannel interface {
	RequestApproval(ctx context.Context, req ApprovalRequest) (Reply, error)
}

// GateConfig configures approval waiting.
type GateConfig struct {
	// Timeout bounds each approval wait. Defaults to 120s.
	Timeout time.Duration

	// Fallback is applied when the wait times out or no channel is configured.
	// Only allow and deny are meaningful; anything else means deny.
	Fallback Action
}

// Gate suspends a single tool call until an approver decides. Other calls in
// the same turn keep running while one call waits.
type Gate struct {
	channel ApprovalChannel
	grants  *Grants
	config  GateConfig
}

// NewGate creates a gate. A nil grants store disables allow-always memory.
func NewGate(channel ApprovalChannel, grants *Grants, config GateConfig) *Gate {
	if config.Timeout <= 0 {
		config.Timeout = DefaultApprovalTimeout
	}
	if config.Fallback != ActionAllow {
		config.Fallback = ActionDeny
	}
	if grants == nil {
		grants = NewGrants()
	}
	return &Gate{channel: channel, grants: grants, config: config}
}

// Grants exposes the allow-always store.
func (g *Gate) Grants() *Grants {
	return g.grants
}

// Ask waits for a decision on req and returns allow or deny. An error is
// returned only when the caller's context ends; timeouts resolve to the
// configured fallback with ReplyTimeout.
func (g *Gate) Ask(ctx context.Context, req ApprovalRequest) (Action, Reply, error) {
	if !req.Repeated && g.grants.Covers(req.SessionID, req.ToolName, req.Patterns...) {
		return ActionAllow, ReplyAllowAlways, nil
	}
	if g.channel == nil {
		return g.config.Fallback, ReplyTimeout, nil
	}
	if req.ID == "" {
		req.ID = "apr_" + uuid.NewString()
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = time.Now()
	}

	waitCtx, cancel := context.WithTimeout(ctx, g.config.Timeout)
	defer cancel()

	reply, err := g.channel.RequestApproval(waitCtx, req)
	if err != nil {
		if ctx.Err() != nil {
			return ActionDeny, "", ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrApprovalTimeout) {
			return g.config.Fallback, ReplyTimeout, nil
		}
		return ActionDeny, ReplyDeny, fmt.Errorf("approval channel: %w", err)
	}

	switch reply {
	case ReplyAllowOnce:
		return ActionAllow, reply, nil
	case ReplyAllowAlways:
		g.grants.Add(req.SessionID, req.ToolName, req.Patterns...)
		return ActionAllow, reply, nil
	case ReplyTimeout:
		return g.config.Fallback, reply, nil
	default:
		return ActionDeny, ReplyDeny, nil
	}
}

// ApprovalStatus represents the current status of an approval request.
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusDenied   ApprovalStatus = "denied"
	ApprovalStatusExpired  ApprovalStatus = "expired"
)

// PendingApproval is an approval request tracked by ApprovalManager.
type PendingApproval struct {
	ApprovalRequest
	Status       ApprovalStatus `json:"status"`
	Always       bool           `json:"always,omitempty"`
	DecidedAt    *time.Time     `json:"decided_at,omitempty"`
	DecidedBy    string         `json:"decided_by,omitempty"`
	DenialReason string         `json:"denial_reason,omitempty"`

	done chan Reply
}

// ApprovalManager is an in-process ApprovalChannel: requests queue up until
// Approve or Deny is called (for example from the HTTP API).
type ApprovalManager struct {
	mu       sync.RWMutex
	requests map[string]*PendingApproval

	onRequested func(PendingApproval)
	onDecided   func(PendingApproval)
}

// NewApprovalManager creates an empty manager.
func NewApprovalManager() *ApprovalManager {
	return &ApprovalManager{requests: make(map[string]*PendingApproval)}
}

// OnRequested sets the callback fired when a request is queued.
func (m *ApprovalManager) OnRequested(fn func(PendingApproval)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRequested = fn
}

// OnDecided sets the callback fired when a request is decided or expires.
func (m *ApprovalManager) OnDecided(fn func(PendingApproval)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDecided = fn
}

// RequestApproval queues req and blocks until a decision or ctx is done.
func (m *ApprovalManager) RequestApproval(ctx context.Context, req ApprovalRequest) (Reply, error) {
	if req.ID == "" {
		req.ID = "apr_" + uuid.NewString()
	}
	pending := &PendingApproval{
		ApprovalRequest: req,
		Status:          ApprovalStatusPending,
		done:            make(chan Reply, 1),
	}

	m.mu.Lock()
	m.requests[req.ID] = pending
	callback := m.onRequested
	m.mu.Unlock()

	if callback != nil {
		callback(pending.snapshot())
	}

	select {
	case reply := <-pending.done:
		return reply, nil
	case <-ctx.Done():
		m.expire(req.ID)
		return ReplyTimeout, ctx.Err()
	}
}

// Approve decides a pending request. always records an allow-always reply.
func (m *ApprovalManager) Approve(id, approverID string, always bool) error {
	reply := ReplyAllowOnce
	if always {
		reply = ReplyAllowAlways
	}
	return m.decide(id, approverID, ApprovalStatusApproved, reply, "")
}

// Deny rejects a pending request.
func (m *ApprovalManager) Deny(id, denierID, reason string) error {
	return m.decide(id, denierID, ApprovalStatusDenied, ReplyDeny, reason)
}

func (m *ApprovalManager) decide(id, actor string, status ApprovalStatus, reply Reply, reason string) error {
	m.mu.Lock()
	req, ok := m.requests[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrApprovalNotFound, id)
	}
	if req.Status != ApprovalStatusPending {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyDecided, req.Status)
	}
	now := time.Now()
	req.Status = status
	req.Always = reply == ReplyAllowAlways
	req.DecidedAt = &now
	req.DecidedBy = actor
	req.DenialReason = reason
	callback := m.onDecided
	snap := req.snapshot()
	m.mu.Unlock()

	req.done <- reply
	if callback != nil {
		callback(snap)
	}
	return nil
}

func (m *ApprovalManager) expire(id string) {
	m.mu.Lock()
	req, ok := m.requests[id]
	if !ok || req.Status != ApprovalStatusPending {
		m.mu.Unlock()
		return
	}
	now := time.Now()
	req.Status = ApprovalStatusExpired
	req.DecidedAt = &now
	callback := m.onDecided
	snap := req.snapshot()
	m.mu.Unlock()

	if callback != nil {
		callback(snap)
	}
}

// Get returns a copy of a request by ID.
func (m *ApprovalManager) Get(id string) (PendingApproval, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.requests[id]
	if !ok {
		return PendingApproval{}, false
	}
	return req.snapshot(), true
}

// ListPending returns copies of all undecided requests, oldest first.
func (m *ApprovalManager) ListPending() []PendingApproval {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var pending []PendingApproval
	for _, req := range m.requests {
		if req.Status == ApprovalStatusPending {
			pending = append(pending, req.snapshot())
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].RequestedAt.Before(pending[j].RequestedAt)
	})
	return pending
}

// CleanupDecided removes decided or expired requests older than maxAge.
func (m *ApprovalManager) CleanupDecided(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for id, req := range m.requests {
		if req.Status != ApprovalStatusPending && req.DecidedAt != nil && time.Since(*req.DecidedAt) > maxAge {
			delete(m.requests, id)
			count++
		}
	}
	return count
}

func (p *PendingApproval) snapshot() PendingApproval {
	cp := *p
	cp.done = nil
	return cp
}
