package permission

import (
	"sync"
)

// Grants records "allow always" approvals per session. Writes are serialized
// so concurrent tool calls cannot lose a grant.
type Grants struct {
	mu       sync.RWMutex
	sessions map[string][]Rule
}

// NewGrants creates an empty grant store.
func NewGrants() *Grants {
	return &Grants{sessions: make(map[string][]Rule)}
}

// Add records an allow grant for every pattern (or the whole tool when none).
func (g *Grants) Add(sessionID, toolName string, patterns ...string) {
	tool := NormalizeTool(toolName)
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(patterns) == 0 {
		g.sessions[sessionID] = append(g.sessions[sessionID], Rule{Subject: tool, Action: ActionAllow})
		return
	}
	for _, p := range patterns {
		g.sessions[sessionID] = append(g.sessions[sessionID], Rule{Subject: tool, Pattern: p, Action: ActionAllow})
	}
}

// Covers reports whether every pattern of the call is already granted.
func (g *Grants) Covers(sessionID, toolName string, patterns ...string) bool {
	tool := NormalizeTool(toolName)
	g.mu.RLock()
	defer g.mu.RUnlock()

	rules := g.sessions[sessionID]
	if len(rules) == 0 {
		return false
	}
	if len(patterns) == 0 {
		patterns = []string{""}
	}
	for _, p := range patterns {
		covered := false
		for _, r := range rules {
			if r.Subject == tool && Match(r.Pattern, p) {
				covered = true
				break
			}
		}
		if !covered {
			return false
		}
	}
	return true
}

// Rules returns a copy of a session's grants.
func (g *Grants) Rules(sessionID string) []Rule {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]Rule(nil), g.sessions[sessionID]...)
}

// Forget drops all grants for a session.
func (g *Grants) Forget(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.sessions, sessionID)
}
