package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"run", "serve", "resolve", "tasks", "migrate", "config"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

// execute runs the CLI with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("AGENTCORE_CONFIG", "")
	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func quietConfig(t *testing.T, extra string) string {
	t.Helper()
	return writeFile(t, t.TempDir(), "agentcore.yaml", "logging:\n  level: error\n"+extra)
}

func TestRunTranscript(t *testing.T) {
	out, err := execute(t, "run", "--config", quietConfig(t, ""),
		"--script", "testdata/plan.yaml", "--output", "transcript", "--session", "s1", "plan", "it")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, want := range []string{
		"[user]",
		"  text: plan it",
		"[assistant] finish=tool-calls tokens=18",
		"  tool todowrite c1 [completed]",
		"[assistant] finish=stop tokens=22",
		"  text: Done.",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("transcript missing %q:\n%s", want, out)
		}
	}
}

func TestRunEvents(t *testing.T) {
	out, err := execute(t, "run", "--config", quietConfig(t, ""),
		"--script", "testdata/plan.yaml", "plan it")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 2 {
		t.Fatalf("expected several event lines, got %q", out)
	}
	for i, line := range lines {
		var ev map[string]any
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			t.Fatalf("line %d is not JSON: %v (%s)", i, err, line)
		}
		if ev["type"] == "" || ev["type"] == nil {
			t.Fatalf("line %d has no type: %s", i, line)
		}
	}
}

func TestRunRejectsBadFlags(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "no prompt", args: []string{"run", "--script", "testdata/plan.yaml"}, want: "prompt"},
		{name: "bad output", args: []string{"run", "--script", "testdata/plan.yaml", "-o", "xml", "hi"}, want: "output format"},
		{name: "bad approve", args: []string{"run", "--script", "testdata/plan.yaml", "--approve", "maybe", "hi"}, want: "--approve"},
		{name: "missing script", args: []string{"run", "hi"}, want: "script"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args...)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestResolve(t *testing.T) {
	cfg := quietConfig(t, `permissions:
  profile: coding
  rulesets:
    - layer: agent
      rules:
        - tool: exec
          pattern: "git *"
          action: allow
        - tool: webfetch
          action: deny
`)
	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "pattern allow", args: []string{"bash", "git status"}, want: "allow"},
		{name: "runtime asks", args: []string{"exec", "rm -rf /tmp/x"}, want: "ask"},
		{name: "outright deny", args: []string{"webfetch"}, want: "deny"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, append([]string{"resolve", "--config", cfg}, tt.args...)...)
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if got := field(out, "Action:"); got != tt.want {
				t.Fatalf("action = %q, want %q\n%s", got, tt.want, out)
			}
		})
	}
}

func field(out, label string) string {
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, label) {
			return strings.TrimSpace(strings.TrimPrefix(line, label))
		}
	}
	return ""
}

func TestMigrateAndTasksShow(t *testing.T) {
	dir := t.TempDir()
	cfg := quietConfig(t, "tasks:\n  store: sql\n  sql:\n    driver: sqlite\n    dsn: "+filepath.Join(dir, "tasks.db")+"\n")

	out, err := execute(t, "migrate", "status", "--config", cfg)
	if err != nil {
		t.Fatalf("migrate status: %v", err)
	}
	if !strings.Contains(out, "Pending migrations") {
		t.Fatalf("fresh database should have pending migrations:\n%s", out)
	}

	if _, err := execute(t, "migrate", "up", "--config", cfg); err != nil {
		t.Fatalf("migrate up: %v", err)
	}
	out, err = execute(t, "migrate", "status", "--config", cfg)
	if err != nil || !strings.Contains(out, "Schema is up to date") {
		t.Fatalf("status after up = %v\n%s", err, out)
	}

	out, err = execute(t, "tasks", "show", "s1", "--config", cfg)
	if err != nil || !strings.Contains(out, "No tasks for session s1") {
		t.Fatalf("tasks show = %v\n%s", err, out)
	}
}

func TestConfigCommands(t *testing.T) {
	out, err := execute(t, "config", "validate", "--config", quietConfig(t, ""))
	if err != nil || !strings.Contains(out, "ok (version 1)") {
		t.Fatalf("validate = %v\n%s", err, out)
	}

	if _, err := execute(t, "config", "validate", "--config", quietConfig(t, "agent:\n  thinking: galaxy\n")); err == nil {
		t.Fatal("invalid config should fail validation")
	}

	out, err = execute(t, "config", "schema")
	if err != nil || !json.Valid([]byte(out)) {
		t.Fatalf("schema = %v\n%s", err, out)
	}
}
