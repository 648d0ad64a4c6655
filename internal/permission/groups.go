package permission

import (
	"strings"
)

// Profile is a pre-configured baseline that expands into profile-layer rules.
type Profile string

const (
	// ProfileMinimal allows only task tracking and output retrieval.
	ProfileMinimal Profile = "minimal"

	// ProfileCoding allows filesystem and task tools, and asks before running commands.
	ProfileCoding Profile = "coding"

	// ProfileFull allows all tools (except explicitly denied).
	ProfileFull Profile = "full"
)

// DefaultGroups are the built-in tool groups.
var DefaultGroups = map[string][]string{
	"group:fs":      {"read", "write", "edit", "list", "glob", "grep"},
	"group:runtime": {"exec"},
	"group:tasks":   {"todowrite", "todoread"},
	"group:agents":  {"task"},
	"group:output":  {"read_output"},
}

// ToolAliases maps alternative names to canonical tool names.
var ToolAliases = map[string]string{
	"bash":        "exec",
	"shell":       "exec",
	"cat":         "read",
	"apply-patch": "edit",
	"apply_patch": "edit",
	"todo_write":  "todowrite",
	"todo_read":   "todoread",
	"subagent":    "task",
}

// ProfileRules returns the profile-layer ruleset for a profile.
// Unknown or empty profiles yield an empty ruleset.
func ProfileRules(p Profile) Ruleset {
	rs := Ruleset{Layer: LayerProfile, Name: string(p)}
	switch p {
	case ProfileMinimal:
		rs.Rules = []Rule{
			{Subject: "group:tasks", Action: ActionAllow},
			{Subject: "group:output", Action: ActionAllow},
		}
	case ProfileCoding:
		rs.Rules = []Rule{
			{Subject: "group:fs", Action: ActionAllow},
			{Subject: "group:tasks", Action: ActionAllow},
			{Subject: "group:agents", Action: ActionAllow},
			{Subject: "group:output", Action: ActionAllow},
			{Subject: "group:runtime", Action: ActionAsk},
		}
	case ProfileFull:
		rs.Rules = []Rule{{Subject: "*", Action: ActionAllow}}
	}
	return rs
}

// NormalizeTool normalizes a tool name to its canonical form by converting
// to lowercase and resolving known aliases.
func NormalizeTool(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if alias, ok := ToolAliases[normalized]; ok {
		return alias
	}
	return normalized
}

func isGroup(subject string) bool {
	return strings.HasPrefix(subject, "group:")
}

func copyGroups(src map[string][]string) map[string]map[string]bool {
	out := make(map[string]map[string]bool, len(src))
	for name, tools := range src {
		set := make(map[string]bool, len(tools))
		for _, t := range tools {
			set[NormalizeTool(t)] = true
		}
		out[name] = set
	}
	return out
}
