package agent

import (
	"sync"
	"time"

	"github.com/haasonsaas/nexus-agentcore/internal/backoff"
	"github.com/haasonsaas/nexus-agentcore/internal/permission"
	"github.com/haasonsaas/nexus-agentcore/pkg/models"
)

// Config controls the turn loop.
type Config struct {
	// Model is passed through to the provider.
	Model string `yaml:"model" json:"model,omitempty"`

	// System is the system prompt for every step.
	System string `yaml:"system" json:"system,omitempty"`

	// MaxSteps bounds model steps per turn.
	MaxSteps int `yaml:"max_steps" json:"max_steps,omitempty"`

	// MaxParallelTools caps concurrently executing tool calls.
	MaxParallelTools int `yaml:"max_parallel_tools" json:"max_parallel_tools,omitempty"`

	// MaxTokens is the per-step output budget passed to the provider.
	MaxTokens int `yaml:"max_tokens" json:"max_tokens,omitempty"`

	// Thinking is the starting reasoning level for new sessions.
	Thinking ThinkingLevel `yaml:"thinking" json:"thinking,omitempty"`

	// ContinueAfterDenial keeps the turn going after a permission denial.
	ContinueAfterDenial bool `yaml:"continue_after_denial" json:"continue_after_denial,omitempty"`

	// DoomLoopThreshold is the number of identical finished calls that
	// force approval of the next identical call.
	DoomLoopThreshold int `yaml:"doom_loop_threshold" json:"doom_loop_threshold,omitempty"`
}

// DefaultConfig returns the baseline loop configuration.
func DefaultConfig() Config {
	return Config{
		MaxSteps:          50,
		MaxParallelTools:  4,
		Thinking:          ThinkingOff,
		DoomLoopThreshold: DefaultDoomLoopThreshold,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxSteps <= 0 {
		c.MaxSteps = def.MaxSteps
	}
	if c.MaxParallelTools <= 0 {
		c.MaxParallelTools = def.MaxParallelTools
	}
	if c.Thinking == "" {
		c.Thinking = def.Thinking
	}
	if c.DoomLoopThreshold <= 0 {
		c.DoomLoopThreshold = def.DoomLoopThreshold
	}
	return c
}

// RetryConfig controls recovery from attempt-level failures.
type RetryConfig struct {
	// MaxAttempts bounds consecutive failed attempts of one step.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts,omitempty"`

	// Backoff shapes the delay between attempts.
	Backoff backoff.Policy `yaml:"backoff" json:"backoff"`

	// CredentialCooldown is how long a failed credential is skipped.
	CredentialCooldown time.Duration `yaml:"credential_cooldown" json:"credential_cooldown,omitempty"`
}

// DefaultRetryConfig returns 5 attempts with the default backoff policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:        5,
		Backoff:            backoff.DefaultPolicy(),
		CredentialCooldown: DefaultCredentialCooldown,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	def := DefaultRetryConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.Backoff.Initial <= 0 {
		c.Backoff = def.Backoff
	}
	if c.CredentialCooldown <= 0 {
		c.CredentialCooldown = def.CredentialCooldown
	}
	return c
}

// SessionState is the explicit per-session state a turn operates on. The
// controller mutates it only while the session's lane is held.
type SessionState struct {
	Session *models.Session

	// Thinking is the current reasoning level; capability failures lower it.
	Thinking ThinkingLevel

	// Credentials rotates on auth and rate-limit failures. May be nil.
	Credentials *CredentialPool

	// Rulesets are session-specific layers (sender, subagent) compiled on
	// top of the controller's base rules.
	Rulesets []permission.Ruleset

	// ExcludeTools hides tools from this session, e.g. "task" in children.
	ExcludeTools []string

	// OnStatus observes busy, retrying and idle transitions. May be nil.
	OnStatus func(models.SessionStatus)

	doomOnce sync.Once
	doomLoop *DoomLoopDetector
	doomSize int
}

// NewSessionState wraps a session.
func NewSessionState(session *models.Session) *SessionState {
	return &SessionState{Session: session}
}

// DoomLoop returns the session's duplicate-call detector.
func (s *SessionState) DoomLoop() *DoomLoopDetector {
	s.doomOnce.Do(func() {
		s.doomLoop = NewDoomLoopDetector(s.doomSize)
	})
	return s.doomLoop
}

func (s *SessionState) setStatus(status models.SessionStatus) {
	s.Session.Status = status
	if s.OnStatus != nil {
		s.OnStatus(status)
	}
}

// Input is what the caller submits to start a turn.
type Input struct {
	Text        string              `json:"text"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
}

// RetryAction names the recovery the controller applied.
type RetryAction string

const (
	RetryBackoff           RetryAction = "backoff"
	RetryRotateCredential  RetryAction = "rotate_credential"
	RetryCompact           RetryAction = "compact"
	RetryDowngradeThinking RetryAction = "downgrade_thinking"
)

// RetryEvent records one recovery.
type RetryEvent struct {
	Attempt  int           `json:"attempt"`
	Category ErrorCategory `json:"category"`
	Action   RetryAction   `json:"action"`
	Delay    time.Duration `json:"delay"`
	Err      error         `json:"-"`
}

// Result is the outcome of a successful turn.
type Result struct {
	SessionID string              `json:"session_id"`
	TurnID    string              `json:"turn_id"`
	Message   *models.Message     `json:"message,omitempty"`
	Messages  []*models.Message   `json:"messages"`
	Finish    models.FinishReason `json:"finish"`
	Steps     int                 `json:"steps"`
	Usage     models.Usage        `json:"usage"`
	Retries   []RetryEvent        `json:"retries,omitempty"`
	Compacted int                 `json:"compacted,omitempty"`
	Denied    bool                `json:"denied,omitempty"`
}

// Text returns the visible text of the final assistant message.
func (r *Result) Text() string {
	if r == nil || r.Message == nil {
		return ""
	}
	return r.Message.Text()
}
