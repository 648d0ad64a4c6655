package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/nexus-agentcore/internal/agent"
	"github.com/haasonsaas/nexus-agentcore/internal/httpapi"
	"github.com/haasonsaas/nexus-agentcore/internal/permission"
	"github.com/haasonsaas/nexus-agentcore/internal/testharness"
	"github.com/haasonsaas/nexus-agentcore/pkg/models"
)

// =============================================================================
// Serve Command Handler
// =============================================================================

const approvalCleanupInterval = time.Minute

// runServe builds the runtime and serves the HTTP API until interrupted.
func runServe(cmd *cobra.Command, configPath, scriptPath, addr string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	if addr != "" {
		cfg.HTTP.Addr = addr
	}

	var provider agent.Provider = unconfiguredProvider{}
	if scriptPath != "" {
		script, err := testharness.LoadScript(scriptPath)
		if err != nil {
			return err
		}
		provider = testharness.NewProvider(script)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, cfg, runtimeOptions{Provider: provider})
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(context.Background()); err != nil {
			rt.logger.Warn(context.Background(), "runtime close failed", "error", err)
		}
	}()

	rt.logger.Info(ctx, "starting agentcore",
		"version", version,
		"commit", commit,
		"config", configPath,
		"provider", provider.Name(),
	)

	if rt.rulesFile != nil {
		rt.rulesFile.OnReload(func(rulesets []permission.Ruleset) {
			rt.logger.Info(context.Background(), "permission rules applied", "rulesets", len(rulesets))
		})
		if err := rt.rulesFile.Watch(ctx); err != nil {
			rt.logger.Warn(ctx, "permission rules watch failed; rules will not hot-reload", "error", err)
		}
	}
	rt.approvals.OnRequested(func(p permission.PendingApproval) {
		rt.logger.Info(context.Background(), "approval requested",
			"approval_id", p.ID,
			"session_id", p.SessionID,
			"tool", p.ToolName,
		)
	})
	rt.lanes.OnStatus(func(sessionID string, status models.SessionStatus) {
		rt.logger.Debug(context.Background(), "session status", "session_id", sessionID, "status", status)
	})
	go cleanupApprovals(ctx, rt)

	srv := httpapi.New(cfg.HTTP, httpapi.Deps{
		Approvals: rt.approvals,
		Tasks:     rt.tasks,
		Lanes:     rt.lanes,
		Sessions:  rt.sessions,
		Subagents: rt.subagents,
		Gatherer:  rt.gather,
		Logger:    rt.logger,
	})
	return srv.ListenAndServe(ctx)
}

func cleanupApprovals(ctx context.Context, rt *runtime) {
	ticker := time.NewTicker(approvalCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := rt.approvals.CleanupDecided(rt.cfg.Approval.Retention); n > 0 {
				rt.logger.Debug(ctx, "decided approvals removed", "count", n)
			}
		}
	}
}

// unconfiguredProvider fails every step so that serve can run without a
// model; approvals, task lists and metrics still work.
type unconfiguredProvider struct{}

func (unconfiguredProvider) Name() string { return "none" }

func (unconfiguredProvider) Stream(context.Context, *agent.StreamRequest) (<-chan agent.StreamEvent, error) {
	return nil, &agent.ProviderError{
		Provider: "none",
		Category: agent.CategoryFatal,
		Message:  "no model provider configured; start serve with --script",
	}
}
