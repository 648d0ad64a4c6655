package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/nexus-agentcore/internal/config"
	"github.com/haasonsaas/nexus-agentcore/internal/permission"
	"github.com/haasonsaas/nexus-agentcore/internal/tasks"
)

// =============================================================================
// Resolve Command Handler
// =============================================================================

// runResolve prints the decision for one tool call under the configured
// rules, the watched rules file, and an optional extra file.
func runResolve(cmd *cobra.Command, configPath, rulesFile, tool string, patterns []string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	rulesets := cfg.Rulesets()
	for _, path := range []string{cfg.Permissions.File, rulesFile} {
		if path == "" {
			continue
		}
		extra, err := permission.LoadRulesetsFile(path)
		if err != nil {
			return err
		}
		rulesets = append(rulesets, extra...)
	}

	snap, err := cfg.Resolver().Compile(rulesets...)
	if err != nil {
		return err
	}
	printDecision(cmd.OutOrStdout(), snap, tool, patterns)
	return nil
}

func printDecision(out io.Writer, snap *permission.Snapshot, tool string, patterns []string) {
	d := snap.Resolve(tool, patterns...)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintf(w, "Tool:\t%s\n", permission.NormalizeTool(tool))
	if len(patterns) > 0 {
		fmt.Fprintf(w, "Patterns:\t%s\n", strings.Join(patterns, ", "))
	}
	fmt.Fprintf(w, "Action:\t%s\n", d.Action)
	if d.Layer != "" {
		fmt.Fprintf(w, "Layer:\t%s\n", d.Layer)
	}
	if d.Rule != nil {
		rule := d.Rule.Subject
		if d.Rule.Pattern != "" {
			rule += " " + d.Rule.Pattern
		}
		fmt.Fprintf(w, "Rule:\t%s -> %s\n", rule, d.Rule.Action)
	}
	if d.Pattern != "" {
		fmt.Fprintf(w, "Matched:\t%s\n", d.Pattern)
	}
	fmt.Fprintf(w, "Reason:\t%s\n", d.Reason)
	if snap.Disabled(tool) {
		fmt.Fprintf(w, "Hidden:\tyes (denied outright, not offered to the model)\n")
	}
}

// =============================================================================
// Tasks Command Handler
// =============================================================================

func runTasksShow(cmd *cobra.Command, configPath, sessionID string, asJSON bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	sqlCfg, err := sqlConfig(cfg)
	if err != nil {
		return err
	}
	store, err := tasks.OpenSQLStore(cmd.Context(), sqlCfg)
	if err != nil {
		return err
	}
	defer store.Close()

	items, err := store.Get(cmd.Context(), sessionID)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if asJSON {
		if items == nil {
			items = []tasks.Item{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(items)
	}
	if len(items) == 0 {
		fmt.Fprintf(out, "No tasks for session %s\n", sessionID)
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPRIORITY\tCONTENT")
	for _, item := range items {
		priority := string(item.Priority)
		if priority == "" {
			priority = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", item.ID, item.Status, priority, item.Content)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\n%d of %d incomplete\n", len(tasks.Incomplete(items)), len(items))
	return nil
}

// =============================================================================
// Migration Command Handlers
// =============================================================================

func runMigrateUp(cmd *cobra.Command, configPath string) error {
	slog.Info("running task store migrations", "config", configPath)
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	sqlCfg, err := sqlConfig(cfg)
	if err != nil {
		return err
	}
	store, err := tasks.OpenSQLStore(cmd.Context(), sqlCfg)
	if err != nil {
		return err
	}
	defer store.Close()

	before, err := tasks.SchemaStatus(cmd.Context(), store.DB(), store.Dialect())
	if err != nil {
		return err
	}
	if !before.Pending() {
		slog.Info("no pending migrations", "version", before.Current)
		return nil
	}
	if err := tasks.Migrate(cmd.Context(), store.DB(), store.Dialect(), nil); err != nil {
		return err
	}
	slog.Info("migrations completed successfully", "from_version", before.Current, "to_version", before.Latest)
	return nil
}

func runMigrateStatus(cmd *cobra.Command, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	sqlCfg, err := sqlConfig(cfg)
	if err != nil {
		return err
	}
	store, err := tasks.OpenSQLStore(cmd.Context(), sqlCfg)
	if err != nil {
		return err
	}
	defer store.Close()

	status, err := tasks.SchemaStatus(cmd.Context(), store.DB(), store.Dialect())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Dialect: %s\n", store.Dialect())
	fmt.Fprintf(out, "Current: %d\n", status.Current)
	fmt.Fprintf(out, "Latest:  %d\n", status.Latest)
	if status.Pending() {
		fmt.Fprintln(out, "Pending migrations: run `agentcore migrate up`")
	} else {
		fmt.Fprintln(out, "Schema is up to date")
	}
	return nil
}

// =============================================================================
// Config Command Handlers
// =============================================================================

func runConfigValidate(cmd *cobra.Command, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if _, err := cfg.Resolver().Compile(cfg.Rulesets()...); err != nil {
		return fmt.Errorf("permission rules: %w", err)
	}
	if cfg.Permissions.File != "" {
		if _, err := permission.LoadRulesetsFile(cfg.Permissions.File); err != nil {
			return err
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (version %d)\n", configPath, cfg.Version)
	return nil
}

func runConfigSchema(cmd *cobra.Command) error {
	data, err := config.JSONSchema()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}
