package agent

import (
	"fmt"
	"strings"
)

// ThinkingLevel configures the reasoning depth requested from the model.
type ThinkingLevel string

const (
	ThinkingOff     ThinkingLevel = "off"
	ThinkingMinimal ThinkingLevel = "minimal"
	ThinkingLow     ThinkingLevel = "low"
	ThinkingMedium  ThinkingLevel = "medium"
	ThinkingHigh    ThinkingLevel = "high"
	ThinkingMax     ThinkingLevel = "max"
)

// thinkingOrder lists levels from least to most reasoning.
var thinkingOrder = []ThinkingLevel{ThinkingOff, ThinkingMinimal, ThinkingLow, ThinkingMedium, ThinkingHigh, ThinkingMax}

// ThinkingBudgets maps thinking levels to token budgets.
var ThinkingBudgets = map[ThinkingLevel]int{
	ThinkingOff:     0,
	ThinkingMinimal: 1024,
	ThinkingLow:     4096,
	ThinkingMedium:  16384,
	ThinkingHigh:    65536,
	ThinkingMax:     100000,
}

// ParseThinkingLevel parses a level name. Empty means off.
func ParseThinkingLevel(s string) (ThinkingLevel, error) {
	level := ThinkingLevel(strings.ToLower(strings.TrimSpace(s)))
	if level == "" {
		return ThinkingOff, nil
	}
	if _, ok := ThinkingBudgets[level]; !ok {
		return ThinkingOff, fmt.Errorf("unknown thinking level %q", s)
	}
	return level, nil
}

// Budget returns the token budget for the level.
func (l ThinkingLevel) Budget() int {
	return ThinkingBudgets[l]
}

// Downgrade returns the next lower level. The second result is false when
// the level is already off.
func (l ThinkingLevel) Downgrade() (ThinkingLevel, bool) {
	for i, level := range thinkingOrder {
		if level == l {
			if i == 0 {
				return ThinkingOff, false
			}
			return thinkingOrder[i-1], true
		}
	}
	return ThinkingOff, l != ThinkingOff && l != ""
}
