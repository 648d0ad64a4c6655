// Package config loads the agent core configuration.
//
// Files are YAML, JSON, or JSON5. Environment variables are expanded before
// parsing, $include directives are merged depth-first, and unknown fields are
// rejected. Values not present in the file keep their defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/nexus-agentcore/internal/agent"
	"github.com/haasonsaas/nexus-agentcore/internal/artifacts"
	"github.com/haasonsaas/nexus-agentcore/internal/compaction"
	"github.com/haasonsaas/nexus-agentcore/internal/eventbus"
	"github.com/haasonsaas/nexus-agentcore/internal/httpapi"
	"github.com/haasonsaas/nexus-agentcore/internal/observability"
	"github.com/haasonsaas/nexus-agentcore/internal/permission"
	"github.com/haasonsaas/nexus-agentcore/internal/tasks"
	"github.com/haasonsaas/nexus-agentcore/internal/tools"
)

// Config is the root configuration.
type Config struct {
	Version     int               `yaml:"version"`
	Logging     LoggingConfig     `yaml:"logging"`
	Tracing     TracingConfig     `yaml:"tracing"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Agent       agent.Config      `yaml:"agent"`
	Retry       agent.RetryConfig `yaml:"retry"`
	Compaction  compaction.Config `yaml:"compaction"`
	Permissions PermissionsConfig `yaml:"permissions"`
	Approval    ApprovalConfig    `yaml:"approval"`
	Tools       ToolsConfig       `yaml:"tools"`
	Tasks       TasksConfig       `yaml:"tasks"`
	Events      EventsConfig      `yaml:"events"`
	HTTP        httpapi.Config    `yaml:"http"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level          string   `yaml:"level"`
	Format         string   `yaml:"format"`
	AddSource      bool     `yaml:"add_source"`
	RedactPatterns []string `yaml:"redact_patterns"`
}

// LogConfig converts to the observability logger settings.
func (c LoggingConfig) LogConfig() observability.LogConfig {
	return observability.LogConfig{
		Level:          c.Level,
		Format:         c.Format,
		AddSource:      c.AddSource,
		RedactPatterns: c.RedactPatterns,
	}
}

// TracingConfig configures OTLP trace export. An empty endpoint disables it.
type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	ServiceName  string  `yaml:"service_name"`
	Environment  string  `yaml:"environment"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// TraceConfig converts to the observability tracer settings.
func (c TracingConfig) TraceConfig(version string) observability.TraceConfig {
	return observability.TraceConfig{
		ServiceName:    c.ServiceName,
		ServiceVersion: version,
		Environment:    c.Environment,
		Endpoint:       c.Endpoint,
		SamplingRate:   c.SamplingRate,
		Insecure:       c.Insecure,
	}
}

// MetricsConfig toggles Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// PermissionsConfig holds the base rulesets.
type PermissionsConfig struct {
	// Profile expands into profile-layer rules: minimal, coding, or full.
	Profile permission.Profile `yaml:"profile"`

	// Groups adds or replaces tool groups referenced as group:<name>.
	Groups map[string][]string `yaml:"groups"`

	// Rulesets are inline rulesets at any layer.
	Rulesets []permission.Ruleset `yaml:"rulesets"`

	// File is a rules file that is watched and hot-reloaded.
	File string `yaml:"file"`
}

// ApprovalConfig configures waits on ask decisions.
type ApprovalConfig struct {
	Timeout time.Duration `yaml:"timeout"`

	// Fallback applies when no decision arrives in time: allow or deny.
	Fallback permission.Action `yaml:"fallback"`

	// Retention is how long decided requests stay visible over HTTP.
	Retention time.Duration `yaml:"retention"`
}

// ToolsConfig configures the tool registry.
type ToolsConfig struct {
	Truncate   tools.TruncateConfig    `yaml:"truncate"`
	Artifacts  artifacts.Config        `yaml:"artifacts"`
	MCPServers []tools.MCPServerConfig `yaml:"mcp_servers"`

	// Exclude hides tools from the model regardless of permissions.
	Exclude []string `yaml:"exclude"`
}

// TasksConfig selects the task list store.
type TasksConfig struct {
	// Store is memory or sql.
	Store string          `yaml:"store"`
	SQL   tasks.SQLConfig `yaml:"sql"`
}

// EventsConfig configures result event publishing.
type EventsConfig struct {
	Enabled bool            `yaml:"enabled"`
	NATS    eventbus.Config `yaml:"nats"`
}

// Default returns the configuration used when a file sets nothing.
func Default() *Config {
	return &Config{
		Version:    CurrentVersion,
		Logging:    LoggingConfig{Level: "info", Format: "json"},
		Tracing:    TracingConfig{ServiceName: "agentcore", SamplingRate: 1.0},
		Metrics:    MetricsConfig{Enabled: true},
		Agent:      agent.DefaultConfig(),
		Retry:      agent.DefaultRetryConfig(),
		Compaction: compaction.DefaultConfig(),
		Permissions: PermissionsConfig{
			Profile: permission.ProfileCoding,
		},
		Approval: ApprovalConfig{
			Timeout:   permission.DefaultApprovalTimeout,
			Fallback:  permission.ActionDeny,
			Retention: time.Hour,
		},
		Tools: ToolsConfig{
			Truncate:  tools.TruncateConfig{MaxBytes: tools.DefaultMaxOutputBytes, MaxLines: tools.DefaultMaxOutputLines},
			Artifacts: artifacts.Config{Backend: "memory"},
		},
		Tasks: TasksConfig{Store: "memory", SQL: tasks.DefaultSQLConfig()},
		HTTP:  httpapi.Config{Addr: ":8080"},
	}
}

// Load reads, merges, decodes, and validates a configuration file.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Rulesets returns the base rulesets: the profile layer followed by the
// inline rulesets.
func (c *Config) Rulesets() []permission.Ruleset {
	out := make([]permission.Ruleset, 0, len(c.Permissions.Rulesets)+1)
	if c.Permissions.Profile != "" {
		out = append(out, permission.ProfileRules(c.Permissions.Profile))
	}
	return append(out, c.Permissions.Rulesets...)
}

// Resolver returns a permission resolver with the configured groups.
func (c *Config) Resolver() *permission.Resolver {
	r := permission.NewResolver()
	for name, members := range c.Permissions.Groups {
		r.AddGroup(name, members)
	}
	return r
}

// GateConfig returns the approval gate settings.
func (c *Config) GateConfig() permission.GateConfig {
	return permission.GateConfig{Timeout: c.Approval.Timeout, Fallback: c.Approval.Fallback}
}

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	if err := ValidateVersion(c.Version); err != nil {
		return err
	}

	var issues []string
	add := func(format string, args ...any) {
		issues = append(issues, fmt.Sprintf(format, args...))
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level must be debug, info, warn, or error (got %q)", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		add("logging.format must be json or text (got %q)", c.Logging.Format)
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		add("tracing.sampling_rate must be between 0 and 1")
	}

	if _, err := agent.ParseThinkingLevel(string(c.Agent.Thinking)); err != nil {
		add("agent.thinking: %v", err)
	}
	if c.Agent.MaxSteps < 0 {
		add("agent.max_steps must not be negative")
	}
	if c.Agent.MaxParallelTools < 0 {
		add("agent.max_parallel_tools must not be negative")
	}
	if c.Retry.MaxAttempts < 0 {
		add("retry.max_attempts must not be negative")
	}
	if err := c.Retry.Backoff.Validate(); err != nil {
		add("retry.backoff: %v", err)
	}
	if c.Compaction.Threshold < 0 || c.Compaction.Threshold > 1 {
		add("compaction.threshold must be between 0 and 1")
	}
	if c.Compaction.KeepRecent < 0 {
		add("compaction.keep_recent must not be negative")
	}

	switch c.Permissions.Profile {
	case "", permission.ProfileMinimal, permission.ProfileCoding, permission.ProfileFull:
	default:
		add("permissions.profile must be minimal, coding, or full (got %q)", c.Permissions.Profile)
	}
	for i, rs := range c.Permissions.Rulesets {
		if err := rs.Validate(); err != nil {
			add("permissions.rulesets[%d]: %v", i, err)
		}
	}
	for name, members := range c.Permissions.Groups {
		if len(members) == 0 {
			add("permissions.groups.%s must list at least one tool", name)
		}
	}

	switch c.Approval.Fallback {
	case permission.ActionAllow, permission.ActionDeny:
	default:
		add("approval.fallback must be allow or deny (got %q)", c.Approval.Fallback)
	}
	if c.Approval.Timeout < 0 {
		add("approval.timeout must not be negative")
	}

	if c.Tools.Truncate.MaxBytes < 0 || c.Tools.Truncate.MaxLines < 0 {
		add("tools.truncate limits must not be negative")
	}
	switch strings.ToLower(c.Tools.Artifacts.Backend) {
	case "", "memory":
	case "local", "file":
		if strings.TrimSpace(c.Tools.Artifacts.Dir) == "" {
			add("tools.artifacts.dir is required for the local backend")
		}
	case "s3":
		if strings.TrimSpace(c.Tools.Artifacts.S3.Bucket) == "" {
			add("tools.artifacts.s3.bucket is required for the s3 backend")
		}
	default:
		add("tools.artifacts.backend must be memory, local, or s3 (got %q)", c.Tools.Artifacts.Backend)
	}
	seen := make(map[string]bool, len(c.Tools.MCPServers))
	for i, server := range c.Tools.MCPServers {
		if err := server.Validate(); err != nil {
			add("tools.mcp_servers[%d]: %v", i, err)
			continue
		}
		if seen[server.Name] {
			add("tools.mcp_servers[%d]: duplicate name %q", i, server.Name)
		}
		seen[server.Name] = true
	}

	switch strings.ToLower(c.Tasks.Store) {
	case "", "memory":
	case "sql":
		switch c.Tasks.SQL.Driver {
		case tasks.DialectSQLite, tasks.DialectPostgres:
		default:
			add("tasks.sql.driver must be sqlite or postgres (got %q)", c.Tasks.SQL.Driver)
		}
		if strings.TrimSpace(c.Tasks.SQL.DSN) == "" {
			add("tasks.sql.dsn is required for the sql store")
		}
	default:
		add("tasks.store must be memory or sql (got %q)", c.Tasks.Store)
	}

	if c.Events.Enabled && strings.TrimSpace(c.Events.NATS.URL) == "" {
		add("events.nats.url is required when events are enabled")
	}

	if len(issues) > 0 {
		return fmt.Errorf("invalid config:\n  - %s", strings.Join(issues, "\n  - "))
	}
	return nil
}
