package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus-agentcore/internal/observability"
	"github.com/haasonsaas/nexus-agentcore/internal/permission"
	"github.com/haasonsaas/nexus-agentcore/internal/tools"
	"github.com/haasonsaas/nexus-agentcore/pkg/models"
)

// TaskToolName is the tool that spawns sub-sessions. It is never offered
// inside a sub-session.
const TaskToolName = "task"

// DefaultMaxActiveSubagents bounds concurrently running sub-sessions.
const DefaultMaxActiveSubagents = 5

var (
	// ErrTooManySubagents is returned when the active limit is reached.
	ErrTooManySubagents = errors.New("max active sub-agents reached")

	// ErrSubagentNotFound is returned for unknown sub-agent IDs.
	ErrSubagentNotFound = errors.New("sub-agent not found")
)

// SubagentStatus is the lifecycle state of a sub-session.
type SubagentStatus string

const (
	SubagentRunning   SubagentStatus = "running"
	SubagentCompleted SubagentStatus = "completed"
	SubagentFailed    SubagentStatus = "failed"
	SubagentCancelled SubagentStatus = "cancelled"
)

// SpawnRequest describes delegated work.
type SpawnRequest struct {
	ParentSessionID string
	AgentID         string
	WorkDir         string
	Description     string
	Prompt          string

	// Allow and Deny add subagent-layer rules on top of the parent's rules.
	Allow []string
	Deny  []string

	Thinking ThinkingLevel
}

// SubagentResult is delivered when a sub-session finishes.
type SubagentResult struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	ParentID  string         `json:"parent_id"`
	Status    SubagentStatus `json:"status"`
	Output    string         `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
	Usage     models.Usage   `json:"usage"`
	Steps     int            `json:"steps"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   time.Time      `json:"ended_at"`
}

// SubagentInfo is a read-only view of a sub-session.
type SubagentInfo struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"session_id"`
	ParentID    string         `json:"parent_id"`
	Description string         `json:"description"`
	Status      SubagentStatus `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
}

type subagentRun struct {
	info   SubagentInfo
	cancel context.CancelFunc
	done   chan struct{}
	result SubagentResult
}

// Subagents spawns child sessions. A child holds its parent's ID; the
// parent only ever sees the result delivered over the channel.
type Subagents struct {
	ctrl      *Controller
	logger    *observability.Logger
	maxActive int

	mu     sync.RWMutex
	runs   map[string]*subagentRun
	active int
}

// NewSubagents creates a manager. A non-positive maxActive uses the default.
func NewSubagents(ctrl *Controller, maxActive int) *Subagents {
	if maxActive <= 0 {
		maxActive = DefaultMaxActiveSubagents
	}
	return &Subagents{
		ctrl:      ctrl,
		logger:    ctrl.logger,
		maxActive: maxActive,
		runs:      make(map[string]*subagentRun),
	}
}

// Spawn starts a sub-session in its own goroutine. The child outlives ctx
// so it can be awaited later; use Cancel to stop it.
func (m *Subagents) Spawn(ctx context.Context, req SpawnRequest) (SubagentInfo, <-chan SubagentResult, error) {
	if req.Prompt == "" {
		return SubagentInfo{}, nil, errors.New("prompt is required")
	}

	m.mu.Lock()
	if m.active >= m.maxActive {
		m.mu.Unlock()
		return SubagentInfo{}, nil, fmt.Errorf("%w (%d)", ErrTooManySubagents, m.maxActive)
	}
	m.active++

	now := m.ctrl.now()
	session := &models.Session{
		ID:        uuid.NewString(),
		ParentID:  req.ParentSessionID,
		AgentID:   req.AgentID,
		WorkDir:   req.WorkDir,
		Status:    models.SessionIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	run := &subagentRun{
		info: SubagentInfo{
			ID:          uuid.NewString(),
			SessionID:   session.ID,
			ParentID:    req.ParentSessionID,
			Description: req.Description,
			Status:      SubagentRunning,
			CreatedAt:   now,
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.runs[run.info.ID] = run
	m.mu.Unlock()

	state := NewSessionState(session)
	state.Thinking = req.Thinking
	state.ExcludeTools = []string{TaskToolName}
	state.Rulesets = []permission.Ruleset{subagentRuleset(req)}

	out := make(chan SubagentResult, 1)
	m.logger.Info(ctx, "sub-agent spawned",
		"subagent_id", run.info.ID,
		"parent_session_id", req.ParentSessionID,
		"child_session_id", session.ID,
	)
	go m.run(runCtx, run, state, req.Prompt, out)
	return run.info, out, nil
}

func subagentRuleset(req SpawnRequest) permission.Ruleset {
	rs := permission.Ruleset{Layer: permission.LayerSubagent, Name: "subagent"}
	for _, t := range req.Allow {
		rs.Rules = append(rs.Rules, permission.Rule{Subject: t, Action: permission.ActionAllow})
	}
	for _, t := range req.Deny {
		rs.Rules = append(rs.Rules, permission.Rule{Subject: t, Action: permission.ActionDeny})
	}
	rs.Rules = append(rs.Rules, permission.Rule{Subject: TaskToolName, Action: permission.ActionDeny})
	return rs
}

func (m *Subagents) run(ctx context.Context, run *subagentRun, state *SessionState, prompt string, out chan<- SubagentResult) {
	res, err := m.ctrl.Run(ctx, state, Input{Text: prompt})

	result := SubagentResult{
		ID:        run.info.ID,
		SessionID: run.info.SessionID,
		ParentID:  run.info.ParentID,
		Status:    SubagentCompleted,
		StartedAt: run.info.CreatedAt,
		EndedAt:   m.ctrl.now(),
	}
	if res != nil {
		result.Output = res.Text()
		result.Usage = res.Usage
		result.Steps = res.Steps
	}
	if err != nil {
		result.Status = SubagentFailed
		result.Error = err.Error()
		var te *TurnError
		if errors.As(err, &te) && te.Category == CategoryCancelled {
			result.Status = SubagentCancelled
		}
	}

	m.mu.Lock()
	run.info.Status = result.Status
	run.result = result
	m.active--
	m.mu.Unlock()
	run.cancel()
	close(run.done)

	out <- result
	close(out)
}

// Get returns a sub-session by ID.
func (m *Subagents) Get(id string) (SubagentInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return SubagentInfo{}, false
	}
	return run.info, true
}

// List returns sub-sessions spawned by parentSessionID, oldest first.
func (m *Subagents) List(parentSessionID string) []SubagentInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []SubagentInfo
	for _, run := range m.runs {
		if run.info.ParentID == parentSessionID {
			out = append(out, run.info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Wait blocks until the sub-session finishes or ctx is done.
func (m *Subagents) Wait(ctx context.Context, id string) (SubagentResult, error) {
	m.mu.RLock()
	run, ok := m.runs[id]
	m.mu.RUnlock()
	if !ok {
		return SubagentResult{}, fmt.Errorf("%w: %s", ErrSubagentNotFound, id)
	}
	select {
	case <-run.done:
		m.mu.RLock()
		defer m.mu.RUnlock()
		return run.result, nil
	case <-ctx.Done():
		return SubagentResult{}, ctx.Err()
	}
}

// Cancel stops a running sub-session and reports whether it was running.
func (m *Subagents) Cancel(id string) bool {
	m.mu.RLock()
	run, ok := m.runs[id]
	running := ok && run.info.Status == SubagentRunning
	m.mu.RUnlock()
	if !running {
		return false
	}
	run.cancel()
	return true
}

// CancelAll stops every running sub-session and returns how many it stopped.
func (m *Subagents) CancelAll() int {
	m.mu.RLock()
	var cancels []context.CancelFunc
	for _, run := range m.runs {
		if run.info.Status == SubagentRunning {
			cancels = append(cancels, run.cancel)
		}
	}
	m.mu.RUnlock()
	for _, cancel := range cancels {
		cancel()
	}
	return len(cancels)
}

// Active returns the number of running sub-sessions.
func (m *Subagents) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// TaskArgs are the task tool's arguments.
type TaskArgs struct {
	Description string   `json:"description" jsonschema:"minLength=1,description=Short label for the delegated work."`
	Prompt      string   `json:"prompt" jsonschema:"minLength=1,description=Complete instructions for the sub-agent."`
	Background  bool     `json:"background,omitempty" jsonschema:"description=Return immediately with the sub-agent ID instead of waiting for the result."`
	Tools       []string `json:"tools,omitempty" jsonschema:"description=Restrict the sub-agent to these tools."`
}

// TaskTool delegates work to a sub-session.
type TaskTool struct {
	subagents *Subagents
	schema    json.RawMessage
}

// NewTaskTool creates the task tool.
func NewTaskTool(subagents *Subagents) *TaskTool {
	return &TaskTool{subagents: subagents, schema: tools.SchemaFor[TaskArgs]()}
}

// Name returns the tool name.
func (t *TaskTool) Name() string { return TaskToolName }

// Description returns the tool description.
func (t *TaskTool) Description() string {
	return "Delegate a self-contained piece of work to a sub-agent with its own session. The sub-agent cannot spawn further sub-agents."
}

// Schema returns the JSON schema for the tool parameters.
func (t *TaskTool) Schema() json.RawMessage { return t.schema }

// Execute spawns the sub-session and, unless background is set, waits for it.
func (t *TaskTool) Execute(ctx context.Context, args json.RawMessage, call *tools.CallContext) (*tools.Result, error) {
	var input TaskArgs
	if err := json.Unmarshal(args, &input); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	req := SpawnRequest{
		Description: input.Description,
		Prompt:      input.Prompt,
	}
	if call != nil {
		req.ParentSessionID = call.SessionID
		req.AgentID = call.AgentID
		req.WorkDir = call.WorkDir
	}
	if len(input.Tools) > 0 {
		req.Allow = input.Tools
		req.Deny = []string{"*"}
	}

	info, results, err := t.subagents.Spawn(ctx, req)
	if err != nil {
		return nil, err
	}
	if input.Background {
		return &tools.Result{
			Title:  input.Description,
			Output: fmt.Sprintf("Sub-agent %s started in session %s.", info.ID, info.SessionID),
			Metadata: map[string]any{
				"subagent_id": info.ID,
				"session_id":  info.SessionID,
				"status":      string(info.Status),
			},
		}, nil
	}

	call.Progress(input.Description, map[string]any{"subagent_id": info.ID, "session_id": info.SessionID})
	select {
	case res := <-results:
		if res.Status != SubagentCompleted {
			return nil, fmt.Errorf("sub-agent %s %s: %s", res.ID, res.Status, res.Error)
		}
		return &tools.Result{
			Title:  input.Description,
			Output: res.Output,
			Metadata: map[string]any{
				"subagent_id": res.ID,
				"session_id":  res.SessionID,
				"steps":       res.Steps,
			},
		}, nil
	case <-ctx.Done():
		t.subagents.Cancel(info.ID)
		return nil, ctx.Err()
	}
}
