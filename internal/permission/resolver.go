package permission

import (
	"fmt"
	"sort"
	"sync"
)

// Resolver compiles layered rulesets into immutable snapshots.
type Resolver struct {
	mu     sync.RWMutex
	groups map[string][]string
}

// NewResolver creates a resolver seeded with DefaultGroups.
func NewResolver() *Resolver {
	groups := make(map[string][]string, len(DefaultGroups))
	for name, tools := range DefaultGroups {
		groups[name] = append([]string(nil), tools...)
	}
	return &Resolver{groups: groups}
}

// AddGroup adds or replaces a tool group. Names without the "group:" prefix get one.
func (r *Resolver) AddGroup(name string, tools []string) {
	if !isGroup(name) {
		name = "group:" + name
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groups[name] = append([]string(nil), tools...)
}

// ExpandGroups expands group references in a subject list.
func (r *Resolver) ExpandGroups(items []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []string
	seen := make(map[string]bool)
	for _, item := range items {
		normalized := NormalizeTool(item)
		members, ok := r.groups[normalized]
		if !ok {
			members = []string{normalized}
		}
		for _, tool := range members {
			tool = NormalizeTool(tool)
			if !seen[tool] {
				seen[tool] = true
				result = append(result, tool)
			}
		}
	}
	return result
}

// Compile merges rulesets into a snapshot. Rulesets sharing a layer are
// merged into one layer of equal specificity. Invalid rulesets are rejected.
func (r *Resolver) Compile(rulesets ...Ruleset) (*Snapshot, error) {
	r.mu.RLock()
	groups := copyGroups(r.groups)
	r.mu.RUnlock()

	byLayer := make(map[Layer][]compiledRule)
	for _, rs := range rulesets {
		if err := rs.Validate(); err != nil {
			return nil, err
		}
		for _, rule := range rs.Rules {
			byLayer[rs.Layer] = append(byLayer[rs.Layer], compileRule(rule, groups))
		}
	}

	layers := make([]compiledLayer, 0, len(byLayer))
	for layer, rules := range byLayer {
		layers = append(layers, compiledLayer{layer: layer, rules: rules})
	}
	// Most specific first.
	sort.Slice(layers, func(i, j int) bool {
		return layers[i].layer.Rank() > layers[j].layer.Rank()
	})

	return &Snapshot{layers: layers, groups: groups}, nil
}

// Snapshot is an immutable compiled view of a layered ruleset. It is built
// once per turn and shared read-only by concurrent tool calls.
type Snapshot struct {
	layers []compiledLayer
	groups map[string]map[string]bool
}

type compiledLayer struct {
	layer Layer
	rules []compiledRule
}

// subject ranks: a named tool beats a group, which beats a glob subject,
// which beats the "*" catch-all.
const (
	subjectWildcard = iota
	subjectGlob
	subjectGroup
	subjectNamed
)

type compiledRule struct {
	rule        Rule
	subject     string
	subjectRank int
	members     map[string]bool
	spec        specificity
}

func compileRule(rule Rule, groups map[string]map[string]bool) compiledRule {
	cr := compiledRule{
		rule: rule,
		spec: patternSpecificity(rule.Pattern),
	}
	switch {
	case rule.Subject == "*":
		cr.subject = "*"
		cr.subjectRank = subjectWildcard
	case isGroup(rule.Subject):
		cr.subject = rule.Subject
		cr.subjectRank = subjectGroup
		cr.members = groups[rule.Subject]
	case hasWildcard(rule.Subject):
		cr.subject = rule.Subject
		cr.subjectRank = subjectGlob
	default:
		cr.subject = NormalizeTool(rule.Subject)
		cr.subjectRank = subjectNamed
	}
	return cr
}

func (cr compiledRule) matchesTool(tool string) bool {
	switch cr.subjectRank {
	case subjectWildcard:
		return true
	case subjectGroup:
		return cr.members[tool]
	case subjectGlob:
		return Match(cr.subject, tool)
	default:
		return cr.subject == tool
	}
}

// better reports whether cr should win over other within a single layer.
func (cr compiledRule) better(other compiledRule) bool {
	if cr.subjectRank != other.subjectRank {
		return cr.subjectRank > other.subjectRank
	}
	if c := cr.spec.compare(other.spec); c != 0 {
		return c > 0
	}
	return cr.rule.Action.strictness() > other.rule.Action.strictness()
}

// Resolve decides a tool call given its salient patterns (file path, command
// string). With several patterns, the strictest per-pattern decision wins.
// With none, the call is matched against the empty pattern.
func (s *Snapshot) Resolve(toolName string, patterns ...string) Decision {
	tool := NormalizeTool(toolName)
	if len(patterns) == 0 {
		return s.resolveOne(tool, "")
	}

	var worst Decision
	for i, p := range patterns {
		d := s.resolveOne(tool, p)
		if i == 0 || d.Action.strictness() > worst.Action.strictness() {
			worst = d
		}
	}
	return worst
}

func (s *Snapshot) resolveOne(tool, pattern string) Decision {
	for _, layer := range s.layers {
		var best *compiledRule
		for i := range layer.rules {
			cr := &layer.rules[i]
			if !cr.matchesTool(tool) || !Match(cr.rule.Pattern, pattern) {
				continue
			}
			if best == nil || cr.better(*best) {
				best = cr
			}
		}
		if best != nil {
			rule := best.rule
			return Decision{
				Action:  rule.Action,
				Layer:   layer.layer,
				Rule:    &rule,
				Pattern: pattern,
				Reason:  fmt.Sprintf("matched %s rule %s", layer.layer, rule),
			}
		}
	}
	return Decision{
		Action:  ActionDeny,
		Pattern: pattern,
		Reason:  "no matching rule; deny by default",
	}
}

// Disabled reports whether a tool can never run under this snapshot: its
// catch-all resolution is deny and no narrower-pattern rule in the deciding
// layer or a more specific one grants it a non-deny action. Rules in less
// specific layers are shadowed by the deciding layer.
func (s *Snapshot) Disabled(toolName string) bool {
	tool := NormalizeTool(toolName)
	d := s.resolveOne(tool, "*")
	if d.Action != ActionDeny {
		return false
	}
	for _, layer := range s.layers {
		if d.Rule != nil && layer.layer.Rank() < d.Layer.Rank() {
			break
		}
		for _, cr := range layer.rules {
			if cr.rule.Action != ActionDeny && cr.matchesTool(tool) && cr.spec != (specificity{}) {
				return false
			}
		}
	}
	return true
}

// Layers returns the compiled layer names, most specific first.
func (s *Snapshot) Layers() []Layer {
	out := make([]Layer, 0, len(s.layers))
	for _, l := range s.layers {
		out = append(out, l.layer)
	}
	return out
}
