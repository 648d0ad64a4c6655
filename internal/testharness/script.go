// Package testharness replays scripted model streams and renders turns as
// stable text for golden file comparison.
package testharness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/nexus-agentcore/internal/agent"
	"github.com/haasonsaas/nexus-agentcore/pkg/models"
)

// ErrScriptExhausted is returned when the controller asks for more steps
// than the script holds.
var ErrScriptExhausted = errors.New("script exhausted")

// Script is a sequence of model steps. Each Stream call consumes one step.
type Script struct {
	Name  string `yaml:"name"`
	Steps []Step `yaml:"steps"`
}

// Step is one model response.
type Step struct {
	Events []Event `yaml:"events"`

	// Error fails the step. Without MidStream it is returned from Stream
	// before any event; with MidStream it arrives as an error event after
	// Events.
	Error     *Failure `yaml:"error,omitempty"`
	MidStream bool     `yaml:"mid_stream,omitempty"`

	// Delay pauses before the first event.
	Delay time.Duration `yaml:"delay,omitempty"`
}

// Event is the YAML form of agent.StreamEvent. Input is raw JSON text.
type Event struct {
	Type     agent.StreamEventType `yaml:"type"`
	ID       string                `yaml:"id,omitempty"`
	Delta    string                `yaml:"delta,omitempty"`
	CallID   string                `yaml:"call_id,omitempty"`
	Tool     string                `yaml:"tool,omitempty"`
	Input    string                `yaml:"input,omitempty"`
	Title    string                `yaml:"title,omitempty"`
	Output   string                `yaml:"output,omitempty"`
	Finish   models.FinishReason   `yaml:"finish,omitempty"`
	Usage    *Usage                `yaml:"usage,omitempty"`
	Metadata map[string]any        `yaml:"metadata,omitempty"`
}

// Usage is token accounting for finish events.
type Usage struct {
	Input  int `yaml:"input"`
	Output int `yaml:"output"`
}

// Failure describes a provider error.
type Failure struct {
	Category   agent.ErrorCategory `yaml:"category,omitempty"`
	Status     int                 `yaml:"status,omitempty"`
	Message    string              `yaml:"message"`
	RetryAfter time.Duration       `yaml:"retry_after,omitempty"`
}

// Err converts the failure into a provider error.
func (f *Failure) Err(provider string) error {
	return &agent.ProviderError{
		Provider:   provider,
		StatusCode: f.Status,
		Category:   f.Category,
		Message:    f.Message,
		RetryAfter: f.RetryAfter,
	}
}

// LoadScript reads a YAML script file.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	return ParseScript(data)
}

// ParseScript decodes and validates a YAML script.
func ParseScript(data []byte) (*Script, error) {
	var s Script
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("parse script: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks event types and tool call inputs.
func (s *Script) Validate() error {
	if len(s.Steps) == 0 {
		return errors.New("script has no steps")
	}
	for i, step := range s.Steps {
		if len(step.Events) == 0 && step.Error == nil {
			return fmt.Errorf("step %d: events or error required", i)
		}
		for j, ev := range step.Events {
			if err := ev.validate(); err != nil {
				return fmt.Errorf("step %d event %d: %w", i, j, err)
			}
		}
	}
	return nil
}

func (e Event) validate() error {
	switch e.Type {
	case agent.EventTextDelta, agent.EventTextEnd, agent.EventReasoningDelta, agent.EventReasoningEnd,
		agent.EventFinishStep, agent.EventFinish:
	case agent.EventToolCallStart, agent.EventToolCallDelta, agent.EventToolResult, agent.EventToolError:
		if e.CallID == "" {
			return fmt.Errorf("%s requires call_id", e.Type)
		}
	case agent.EventToolCall:
		if e.CallID == "" || e.Tool == "" {
			return fmt.Errorf("%s requires call_id and tool", e.Type)
		}
		if e.Input != "" && !json.Valid([]byte(e.Input)) {
			return fmt.Errorf("tool-call %s: input is not valid JSON", e.CallID)
		}
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	return nil
}

// StreamEvent converts the scripted event.
func (e Event) StreamEvent() agent.StreamEvent {
	ev := agent.StreamEvent{
		Type:     e.Type,
		ID:       e.ID,
		Delta:    e.Delta,
		CallID:   e.CallID,
		ToolName: e.Tool,
		Title:    e.Title,
		Output:   e.Output,
		Finish:   e.Finish,
		Metadata: e.Metadata,
	}
	if e.Input != "" {
		ev.Input = json.RawMessage(e.Input)
	}
	if e.Usage != nil {
		ev.Usage = models.Usage{InputTokens: e.Usage.Input, OutputTokens: e.Usage.Output}
	}
	return ev
}

// Provider replays a script. It records every request it receives.
type Provider struct {
	name   string
	script *Script

	mu       sync.Mutex
	requests []*agent.StreamRequest
}

// NewProvider creates a provider over script.
func NewProvider(script *Script) *Provider {
	name := "script"
	if script != nil && script.Name != "" {
		name = "script:" + script.Name
	}
	return &Provider{name: name, script: script}
}

// Name implements agent.Provider.
func (p *Provider) Name() string { return p.name }

// Stream implements agent.Provider.
func (p *Provider) Stream(ctx context.Context, req *agent.StreamRequest) (<-chan agent.StreamEvent, error) {
	p.mu.Lock()
	idx := len(p.requests)
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	if p.script == nil || idx >= len(p.script.Steps) {
		return nil, ErrScriptExhausted
	}
	step := p.script.Steps[idx]
	if step.Error != nil && !step.MidStream {
		return nil, step.Error.Err(p.name)
	}

	ch := make(chan agent.StreamEvent)
	go func() {
		defer close(ch)
		if step.Delay > 0 {
			select {
			case <-time.After(step.Delay):
			case <-ctx.Done():
				return
			}
		}
		send := func(ev agent.StreamEvent) bool {
			select {
			case ch <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for _, ev := range step.Events {
			if !send(ev.StreamEvent()) {
				return
			}
		}
		if step.Error != nil {
			send(agent.StreamEvent{Type: agent.EventError, Err: step.Error.Err(p.name)})
		}
	}()
	return ch, nil
}

// Requests returns the requests received so far.
func (p *Provider) Requests() []*agent.StreamRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*agent.StreamRequest(nil), p.requests...)
}

// Remaining reports how many steps have not been consumed.
func (p *Provider) Remaining() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.script == nil {
		return 0
	}
	if n := len(p.script.Steps) - len(p.requests); n > 0 {
		return n
	}
	return 0
}
