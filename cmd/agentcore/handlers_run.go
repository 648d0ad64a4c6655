package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/nexus-agentcore/internal/agent"
	"github.com/haasonsaas/nexus-agentcore/internal/permission"
	"github.com/haasonsaas/nexus-agentcore/internal/testharness"
	"github.com/haasonsaas/nexus-agentcore/pkg/models"
)

// =============================================================================
// Run Command Handler
// =============================================================================

type runOptions struct {
	script  string
	output  string
	session string
	approve string
	prompt  string
}

// runRun executes one turn and prints it in the requested format.
func runRun(cmd *cobra.Command, configPath string, opts runOptions) error {
	if strings.TrimSpace(opts.prompt) == "" {
		return errors.New("a prompt is required")
	}
	switch opts.output {
	case "events", "transcript", "json":
	default:
		return fmt.Errorf("unknown output format %q (want events, transcript, or json)", opts.output)
	}
	reply, err := parseApproveFlag(opts.approve)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	script, err := testharness.LoadScript(opts.script)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	var sink agent.EventSink
	if opts.output == "events" {
		sink = jsonLinesSink(out)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, cfg, runtimeOptions{
		Provider:  testharness.NewProvider(script),
		Sink:      sink,
		Approvals: fixedApprover{reply: reply, out: cmd.ErrOrStderr()},
	})
	if err != nil {
		return err
	}
	defer rt.Close(context.Background())

	sessionID := opts.session
	if sessionID == "" {
		sessionID = "cli_" + uuid.NewString()
	}
	state := rt.sessions.Session(sessionID)
	res, err := rt.controller.Run(ctx, state, agent.Input{Text: opts.prompt})
	if err != nil {
		return err
	}

	switch opts.output {
	case "transcript":
		testharness.WriteTranscript(out, state.Session.Messages)
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	return nil
}

// jsonLinesSink writes each event as one JSON line.
func jsonLinesSink(w io.Writer) agent.EventSink {
	var mu sync.Mutex
	enc := json.NewEncoder(w)
	return agent.NewCallbackSink(func(_ context.Context, e models.AgentEvent) {
		mu.Lock()
		defer mu.Unlock()
		_ = enc.Encode(e)
	})
}

func parseApproveFlag(value string) (permission.Reply, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "deny":
		return permission.ReplyDeny, nil
	case "allow", "once":
		return permission.ReplyAllowOnce, nil
	case "always":
		return permission.ReplyAllowAlways, nil
	default:
		return "", fmt.Errorf("unknown --approve value %q (want deny, allow, or always)", value)
	}
}

// fixedApprover answers every approval request with the same reply.
type fixedApprover struct {
	reply permission.Reply
	out   io.Writer
}

func (a fixedApprover) RequestApproval(_ context.Context, req permission.ApprovalRequest) (permission.Reply, error) {
	fmt.Fprintf(a.out, "approval %s: %s %s -> %s\n",
		req.ToolName, req.CallID, strings.Join(req.Patterns, " "), a.reply)
	return a.reply, nil
}
