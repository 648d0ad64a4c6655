package main

import (
	"strings"

	"github.com/spf13/cobra"
)

// =============================================================================
// Run Command
// =============================================================================

func buildRunCmd() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run [prompt]",
		Short: "Run one turn against a scripted model",
		Long: `Run one turn with the configured tools and permission rules. Model steps
are replayed from a YAML script, so the turn is reproducible.

Approvals are answered by --approve: deny (default), allow, or always.`,
		Example: `  # Print streamed events as JSON lines
  agentcore run --script testdata/upper.yaml "uppercase hello"

  # Print a transcript instead
  agentcore run --script session.yaml --output transcript "fix the tests"`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.prompt = strings.Join(args, " ")
			return runRun(cmd, resolveConfigPath(configPath), opts)
		},
	}
	cmd.Flags().StringVarP(&opts.script, "script", "s", "", "YAML model script to replay (required)")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "events", "Output format: events, transcript, or json")
	cmd.Flags().StringVar(&opts.session, "session", "", "Session ID (random when empty)")
	cmd.Flags().StringVar(&opts.approve, "approve", "deny", "Answer to approval requests: deny, allow, or always")
	_ = cmd.MarkFlagRequired("script")
	return cmd
}

// =============================================================================
// Serve Command
// =============================================================================

func buildServeCmd() *cobra.Command {
	var (
		script string
		addr   string
		debug  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve approvals, session status, and metrics over HTTP",
		Long: `Start the HTTP API with the configured runtime.

The server will:
1. Load configuration and build the runtime
2. Watch the permission rules file, if one is configured
3. Connect to NATS when events are enabled
4. Serve /v1/approvals, /v1/sessions, /healthz, and /metrics

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  agentcore serve --config agentcore.yaml --script session.yaml
  agentcore serve --addr :9090 --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, resolveConfigPath(configPath), script, addr, debug)
		},
	}
	cmd.Flags().StringVarP(&script, "script", "s", "", "YAML model script that backs submitted turns")
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides http.addr)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

// =============================================================================
// Resolve Command
// =============================================================================

func buildResolveCmd() *cobra.Command {
	var rulesFile string
	cmd := &cobra.Command{
		Use:   "resolve <tool> [pattern...]",
		Short: "Show how the permission rules decide a tool call",
		Example: `  agentcore resolve read
  agentcore resolve bash "git push origin main"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(cmd, resolveConfigPath(configPath), rulesFile, args[0], args[1:])
		},
	}
	cmd.Flags().StringVar(&rulesFile, "rules", "", "Extra rules file layered over the configuration")
	return cmd
}

// =============================================================================
// Tasks Commands
// =============================================================================

func buildTasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect session task lists",
	}
	cmd.AddCommand(buildTasksShowCmd())
	return cmd
}

func buildTasksShowCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print a session's task list from the SQL store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTasksShow(cmd, resolveConfigPath(configPath), args[0], asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

// =============================================================================
// Migrate Commands
// =============================================================================

func buildMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the task store schema",
		Long: `Apply or inspect task store migrations.

Migrations are embedded in the binary and tracked in a version table.
The target database comes from tasks.sql in the configuration.`,
	}
	cmd.AddCommand(buildMigrateUpCmd(), buildMigrateStatusCmd())
	return cmd
}

func buildMigrateUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateUp(cmd, resolveConfigPath(configPath))
		},
	}
}

func buildMigrateStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the applied and latest schema versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateStatus(cmd, resolveConfigPath(configPath))
		},
	}
}

// =============================================================================
// Config Commands
// =============================================================================

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate configuration or print its schema",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "validate",
			Short: "Load and validate the configuration file",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runConfigValidate(cmd, resolveConfigPath(configPath))
			},
		},
		&cobra.Command{
			Use:   "schema",
			Short: "Print the configuration JSON schema",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runConfigSchema(cmd)
			},
		},
	)
	return cmd
}
