package permission

import (
	"testing"
)

func mustCompile(t *testing.T, rulesets ...Ruleset) *Snapshot {
	t.Helper()
	snap, err := NewResolver().Compile(rulesets...)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	return snap
}

func TestResolveWildcardBelowNamedTool(t *testing.T) {
	snap := mustCompile(t, Ruleset{
		Layer: LayerGlobal,
		Rules: []Rule{
			{Subject: "*", Action: ActionDeny},
			{Subject: "read", Pattern: "*", Action: ActionAllow},
		},
	})

	if got := snap.Resolve("read", "/tmp/x.txt"); got.Action != ActionAllow {
		t.Errorf("Resolve(read) = %s (%s), want allow", got.Action, got.Reason)
	}
	if got := snap.Resolve("bash", "ls"); got.Action != ActionDeny {
		t.Errorf("Resolve(bash) = %s (%s), want deny", got.Action, got.Reason)
	}
}

func TestResolveMostSpecificLayerWins(t *testing.T) {
	tests := []struct {
		name     string
		rulesets []Ruleset
		tool     string
		pattern  string
		want     Action
		layer    Layer
	}{
		{
			name: "more specific layer allow overrides less specific deny",
			rulesets: []Ruleset{
				{Layer: LayerGlobal, Rules: []Rule{{Subject: "exec", Action: ActionDeny}}},
				{Layer: LayerAgent, Rules: []Rule{{Subject: "exec", Action: ActionAllow}}},
			},
			tool: "exec", pattern: "ls", want: ActionAllow, layer: LayerAgent,
		},
		{
			name: "more specific layer deny overrides less specific allow",
			rulesets: []Ruleset{
				{Layer: LayerProfile, Rules: []Rule{{Subject: "read", Action: ActionAllow}}},
				{Layer: LayerSubagent, Rules: []Rule{{Subject: "read", Pattern: "/etc/*", Action: ActionDeny}}},
			},
			tool: "read", pattern: "/etc/passwd", want: ActionDeny, layer: LayerSubagent,
		},
		{
			name: "silent specific layer falls through",
			rulesets: []Ruleset{
				{Layer: LayerGlobal, Rules: []Rule{{Subject: "read", Action: ActionAsk}}},
				{Layer: LayerSender, Rules: []Rule{{Subject: "write", Action: ActionAllow}}},
			},
			tool: "read", pattern: "a.txt", want: ActionAsk, layer: LayerGlobal,
		},
		{
			name: "specific layer pattern that does not match falls through",
			rulesets: []Ruleset{
				{Layer: LayerProfile, Rules: []Rule{{Subject: "read", Action: ActionAllow}}},
				{Layer: LayerSubagent, Rules: []Rule{{Subject: "read", Pattern: "/etc/*", Action: ActionDeny}}},
			},
			tool: "read", pattern: "/home/me/notes", want: ActionAllow, layer: LayerProfile,
		},
		{
			name: "input order of rulesets does not matter",
			rulesets: []Ruleset{
				{Layer: LayerSubagent, Rules: []Rule{{Subject: "exec", Action: ActionDeny}}},
				{Layer: LayerGlobal, Rules: []Rule{{Subject: "exec", Action: ActionAllow}}},
			},
			tool: "exec", pattern: "rm", want: ActionDeny, layer: LayerSubagent,
		},
		{
			name:     "no rule denies by default",
			rulesets: []Ruleset{{Layer: LayerGlobal, Rules: []Rule{{Subject: "read", Action: ActionAllow}}}},
			tool:     "exec", pattern: "ls", want: ActionDeny,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := mustCompile(t, tt.rulesets...)
			got := snap.Resolve(tt.tool, tt.pattern)
			if got.Action != tt.want {
				t.Errorf("Resolve() action = %s, want %s (%s)", got.Action, tt.want, got.Reason)
			}
			if got.Layer != tt.layer {
				t.Errorf("Resolve() layer = %q, want %q", got.Layer, tt.layer)
			}
		})
	}
}

func TestResolveEqualSpecificityDenyWins(t *testing.T) {
	tests := []struct {
		name     string
		rulesets []Ruleset
		want     Action
	}{
		{
			name: "same layer conflicting rules",
			rulesets: []Ruleset{{Layer: LayerAgent, Rules: []Rule{
				{Subject: "exec", Action: ActionAllow},
				{Subject: "exec", Action: ActionDeny},
			}}},
			want: ActionDeny,
		},
		{
			name: "two rulesets merged into one layer",
			rulesets: []Ruleset{
				{Layer: LayerAgent, Name: "a", Rules: []Rule{{Subject: "exec", Action: ActionDeny}}},
				{Layer: LayerAgent, Name: "b", Rules: []Rule{{Subject: "exec", Action: ActionAllow}}},
			},
			want: ActionDeny,
		},
		{
			name: "ask beats allow",
			rulesets: []Ruleset{{Layer: LayerGlobal, Rules: []Rule{
				{Subject: "exec", Action: ActionAllow},
				{Subject: "exec", Action: ActionAsk},
			}}},
			want: ActionAsk,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mustCompile(t, tt.rulesets...).Resolve("exec", "ls"); got.Action != tt.want {
				t.Errorf("Resolve() = %s, want %s", got.Action, tt.want)
			}
		})
	}
}

func TestResolvePatternSpecificity(t *testing.T) {
	snap := mustCompile(t, Ruleset{Layer: LayerGlobal, Rules: []Rule{
		{Subject: "exec", Pattern: "*", Action: ActionAsk},
		{Subject: "exec", Pattern: "git *", Action: ActionAllow},
		{Subject: "exec", Pattern: "git push *", Action: ActionDeny},
		{Subject: "exec", Pattern: "git status", Action: ActionAllow},
	}})

	tests := []struct {
		command string
		want    Action
	}{
		{"git status", ActionAllow},
		{"git log", ActionAllow},
		{"git push origin main", ActionDeny},
		{"rm -rf /", ActionAsk},
	}
	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			if got := snap.Resolve("exec", tt.command); got.Action != tt.want {
				t.Errorf("Resolve(%q) = %s, want %s", tt.command, got.Action, tt.want)
			}
		})
	}
}

func TestResolveGroupsAndAliases(t *testing.T) {
	snap := mustCompile(t,
		Ruleset{Layer: LayerGlobal, Rules: []Rule{
			{Subject: "group:fs", Action: ActionAllow},
			{Subject: "edit", Action: ActionAsk},
		}},
	)

	if got := snap.Resolve("cat", "x"); got.Action != ActionAllow {
		t.Errorf("alias cat -> read via group: got %s", got.Action)
	}
	if got := snap.Resolve("apply_patch", "x"); got.Action != ActionAsk {
		t.Errorf("named edit beats group: got %s", got.Action)
	}
	if got := snap.Resolve("BASH", "ls"); got.Action != ActionDeny {
		t.Errorf("exec not in group:fs: got %s", got.Action)
	}
}

func TestResolveMultiplePatternsStrictestWins(t *testing.T) {
	snap := mustCompile(t, Ruleset{Layer: LayerGlobal, Rules: []Rule{
		{Subject: "edit", Action: ActionAllow},
		{Subject: "edit", Pattern: "*.lock", Action: ActionAsk},
		{Subject: "edit", Pattern: "/etc/*", Action: ActionDeny},
	}})

	if got := snap.Resolve("edit", "a.go", "go.lock"); got.Action != ActionAsk {
		t.Errorf("got %s, want ask", got.Action)
	}
	if got := snap.Resolve("edit", "go.lock", "/etc/hosts"); got.Action != ActionDeny {
		t.Errorf("got %s, want deny", got.Action)
	}
	if got := snap.Resolve("edit"); got.Action != ActionAllow {
		t.Errorf("no patterns: got %s, want allow", got.Action)
	}
}

func TestProfileRules(t *testing.T) {
	snap := mustCompile(t, ProfileRules(ProfileCoding))
	if got := snap.Resolve("read", "main.go"); got.Action != ActionAllow {
		t.Errorf("coding read = %s", got.Action)
	}
	if got := snap.Resolve("exec", "make"); got.Action != ActionAsk {
		t.Errorf("coding exec = %s, want ask", got.Action)
	}
	if got := snap.Resolve("webfetch", "x"); got.Action != ActionDeny {
		t.Errorf("coding webfetch = %s, want deny", got.Action)
	}

	full := mustCompile(t, ProfileRules(ProfileFull), Ruleset{
		Layer: LayerGlobal, Rules: []Rule{{Subject: "exec", Action: ActionDeny}},
	})
	if got := full.Resolve("anything"); got.Action != ActionAllow {
		t.Errorf("full anything = %s", got.Action)
	}
	if got := full.Resolve("exec", "ls"); got.Action != ActionDeny {
		t.Errorf("full exec with global deny = %s", got.Action)
	}
}

func TestSnapshotDisabled(t *testing.T) {
	snap := mustCompile(t, Ruleset{Layer: LayerGlobal, Rules: []Rule{
		{Subject: "*", Action: ActionDeny},
		{Subject: "read", Action: ActionAllow},
		{Subject: "edit", Pattern: "/tmp/*", Action: ActionAsk},
	}})

	tests := []struct {
		tool string
		want bool
	}{
		{"read", false},
		{"edit", false},
		{"exec", true},
	}
	for _, tt := range tests {
		if got := snap.Disabled(tt.tool); got != tt.want {
			t.Errorf("Disabled(%s) = %v, want %v", tt.tool, got, tt.want)
		}
	}

	shadowed := mustCompile(t,
		Ruleset{Layer: LayerGlobal, Rules: []Rule{{Subject: "*", Action: ActionAllow}}},
		Ruleset{Layer: LayerSubagent, Rules: []Rule{
			{Subject: "*", Action: ActionDeny},
			{Subject: "read", Action: ActionAllow},
		}},
	)
	if !shadowed.Disabled("exec") {
		t.Error("a less specific allow should not revive a tool denied by a more specific layer")
	}
	if shadowed.Disabled("read") {
		t.Error("read is allowed in the subagent layer")
	}
}

func TestCompileRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		rs   Ruleset
	}{
		{name: "unknown layer", rs: Ruleset{Layer: "team", Rules: []Rule{{Subject: "read", Action: ActionAllow}}}},
		{name: "bad action", rs: Ruleset{Layer: LayerGlobal, Rules: []Rule{{Subject: "read", Action: "maybe"}}}},
		{name: "missing subject", rs: Ruleset{Layer: LayerGlobal, Rules: []Rule{{Action: ActionAllow}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewResolver().Compile(tt.rs); err == nil {
				t.Error("Compile() expected error")
			}
		})
	}
}

func TestResolverCustomGroup(t *testing.T) {
	r := NewResolver()
	r.AddGroup("mcp", []string{"mcp_github_search", "mcp_github_issue"})

	snap, err := r.Compile(Ruleset{Layer: LayerProvider, Rules: []Rule{{Subject: "group:mcp", Action: ActionAsk}}})
	if err != nil {
		t.Fatal(err)
	}
	if got := snap.Resolve("mcp_github_issue"); got.Action != ActionAsk {
		t.Errorf("custom group member = %s, want ask", got.Action)
	}
	expanded := r.ExpandGroups([]string{"group:mcp", "bash"})
	if len(expanded) != 3 || expanded[2] != "exec" {
		t.Errorf("ExpandGroups() = %v", expanded)
	}
}

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern, value string
		want           bool
	}{
		{"", "anything", true},
		{"*", "/tmp/x.txt", true},
		{"/tmp/*", "/tmp/a/b.txt", true},
		{"/tmp/*", "/var/tmp/x", false},
		{"*.go", "internal/agent/loop.go", true},
		{"git ?tatus", "git status", true},
		{"exact", "exact", true},
		{"exact", "exactly", false},
		{"a*b*c", "aXXbYYc", true},
		{"a*b*c", "aXXbYY", false},
	}
	for _, tt := range tests {
		if got := Match(tt.pattern, tt.value); got != tt.want {
			t.Errorf("Match(%q, %q) = %v, want %v", tt.pattern, tt.value, got, tt.want)
		}
	}
}
