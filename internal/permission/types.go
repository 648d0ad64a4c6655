// Package permission decides whether a tool call may run. Rulesets are
// layered from least specific (profile defaults) to most specific (subagent
// overrides); the most specific layer with a matching rule decides, and
// absence of any match denies.
package permission

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDenied is returned when a tool call is refused by the ruleset or an approver.
	ErrDenied = errors.New("permission denied")

	// ErrApprovalTimeout is returned when no approval decision arrived in time.
	ErrApprovalTimeout = errors.New("approval timed out")

	// ErrApprovalRejected is returned when an approver refuses an ask.
	ErrApprovalRejected = errors.New("approval rejected")

	// ErrUnknownLayer is returned when a ruleset names a layer that does not exist.
	ErrUnknownLayer = errors.New("unknown permission layer")

	// ErrApprovalNotFound is returned when deciding an unknown approval request.
	ErrApprovalNotFound = errors.New("approval request not found")

	// ErrAlreadyDecided is returned when deciding a request twice.
	ErrAlreadyDecided = errors.New("approval request already decided")
)

// Action is the outcome of resolving a tool call.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
	ActionAsk   Action = "ask"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionAllow, ActionDeny, ActionAsk:
		return true
	default:
		return false
	}
}

// strictness orders actions so that equal-specificity conflicts resolve to
// the most restrictive one.
func (a Action) strictness() int {
	switch a {
	case ActionDeny:
		return 2
	case ActionAsk:
		return 1
	default:
		return 0
	}
}

// Layer names a ruleset scope.
type Layer string

const (
	LayerProfile  Layer = "profile"
	LayerProvider Layer = "provider"
	LayerGlobal   Layer = "global"
	LayerAgent    Layer = "agent"
	LayerSender   Layer = "sender"
	LayerSubagent Layer = "subagent"
)

// Layers lists all layers from least to most specific.
var Layers = []Layer{LayerProfile, LayerProvider, LayerGlobal, LayerAgent, LayerSender, LayerSubagent}

var layerRank = map[Layer]int{
	LayerProfile:  0,
	LayerProvider: 1,
	LayerGlobal:   2,
	LayerAgent:    3,
	LayerSender:   4,
	LayerSubagent: 5,
}

// Rank returns the layer's specificity, or -1 for unknown layers.
func (l Layer) Rank() int {
	if r, ok := layerRank[l]; ok {
		return r
	}
	return -1
}

// Rule maps a subject (tool name, group, or "*") and a glob pattern to an action.
// An empty pattern matches everything.
type Rule struct {
	Subject string `yaml:"tool" json:"tool"`
	Pattern string `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Action  Action `yaml:"action" json:"action"`
}

// String renders the rule for logs and decision reasons.
func (r Rule) String() string {
	pattern := r.Pattern
	if pattern == "" {
		pattern = "*"
	}
	return fmt.Sprintf("%s(%s) -> %s", r.Subject, pattern, r.Action)
}

// Ruleset is an ordered list of rules at one layer.
type Ruleset struct {
	Layer Layer  `yaml:"layer" json:"layer"`
	Name  string `yaml:"name,omitempty" json:"name,omitempty"`
	Rules []Rule `yaml:"rules" json:"rules"`
}

// Validate checks the layer and every rule.
func (rs Ruleset) Validate() error {
	if rs.Layer.Rank() < 0 {
		return fmt.Errorf("%w: %q", ErrUnknownLayer, rs.Layer)
	}
	for i, r := range rs.Rules {
		if strings.TrimSpace(r.Subject) == "" {
			return fmt.Errorf("ruleset %s rule[%d]: tool is required", rs.Layer, i)
		}
		if !r.Action.Valid() {
			return fmt.Errorf("ruleset %s rule[%d]: invalid action %q", rs.Layer, i, r.Action)
		}
	}
	return nil
}

// Decision is the result of resolving one tool call.
type Decision struct {
	Action  Action `json:"action"`
	Layer   Layer  `json:"layer,omitempty"`
	Rule    *Rule  `json:"rule,omitempty"`
	Pattern string `json:"pattern,omitempty"`
	Reason  string `json:"reason"`
}
