package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/nexus-agentcore/internal/agent"
	"github.com/haasonsaas/nexus-agentcore/internal/artifacts"
	"github.com/haasonsaas/nexus-agentcore/internal/config"
	"github.com/haasonsaas/nexus-agentcore/internal/eventbus"
	"github.com/haasonsaas/nexus-agentcore/internal/observability"
	"github.com/haasonsaas/nexus-agentcore/internal/permission"
	"github.com/haasonsaas/nexus-agentcore/internal/tasks"
	"github.com/haasonsaas/nexus-agentcore/internal/tools"
	"github.com/haasonsaas/nexus-agentcore/pkg/models"
)

// runtime owns every component a turn needs. Close releases them in reverse
// order of construction.
type runtime struct {
	cfg     *config.Config
	logger  *observability.Logger
	gather  prometheus.Gatherer
	metrics *observability.Metrics
	tracer  *observability.Tracer

	artifacts artifacts.Store
	registry  *tools.Registry
	mcp       *tools.MCPConnections
	truncator *tools.Truncator

	rulesFile *permission.FileSource
	approvals *permission.ApprovalManager
	gate      *permission.Gate

	taskStore *tasks.SQLStore
	tasks     *tasks.Writer

	bus *eventbus.Bus

	controller *agent.Controller
	lanes      *agent.Lanes
	subagents  *agent.Subagents
	sessions   *sessionTable

	closers []func(context.Context) error
}

// runtimeOptions are the per-command parts of the runtime.
type runtimeOptions struct {
	Provider agent.Provider

	// Sink receives events in addition to the log and the event bus.
	Sink agent.EventSink

	// Approvals, when set, replaces the HTTP approval manager as the gate's
	// channel.
	Approvals permission.ApprovalChannel
}

func newRuntime(ctx context.Context, cfg *config.Config, opts runtimeOptions) (*runtime, error) {
	rt := &runtime{cfg: cfg, sessions: newSessionTable(cfg)}
	ready := false
	defer func() {
		if !ready {
			_ = rt.Close(context.Background())
		}
	}()

	rt.logger = observability.NewLogger(cfg.Logging.LogConfig())
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		rt.gather = reg
		rt.metrics = observability.NewMetrics(reg)
	}
	tracer, shutdown := observability.NewTracer(cfg.Tracing.TraceConfig(version))
	rt.tracer = tracer
	rt.closers = append(rt.closers, shutdown)

	// Tool output spill store and truncation.
	store, err := artifacts.New(ctx, cfg.Tools.Artifacts)
	if err != nil {
		return nil, fmt.Errorf("artifact store: %w", err)
	}
	rt.artifacts = store
	rt.closers = append(rt.closers, func(context.Context) error { return store.Close() })
	rt.truncator = tools.NewTruncator(cfg.Tools.Truncate, store)

	// Task lists.
	var taskStore tasks.Store
	if strings.EqualFold(cfg.Tasks.Store, "sql") {
		sqlStore, err := tasks.OpenSQLStore(ctx, cfg.Tasks.SQL)
		if err != nil {
			return nil, fmt.Errorf("task store: %w", err)
		}
		rt.taskStore = sqlStore
		rt.closers = append(rt.closers, func(context.Context) error { return sqlStore.Close() })
		taskStore = sqlStore
	}
	rt.tasks = tasks.NewWriter(taskStore, func(sessionID string, items []tasks.Item) {
		rt.logger.Debug(context.Background(), "task list updated",
			"session_id", sessionID,
			"items", len(items),
			"incomplete", len(tasks.Incomplete(items)),
		)
	})

	// Tools.
	rt.registry = tools.NewRegistry(rt.logger)
	for _, tool := range []tools.Tool{
		tools.NewReadOutputTool(rt.truncator),
		tasks.NewWriteTool(rt.tasks),
		tasks.NewReadTool(rt.tasks),
	} {
		if err := rt.registry.RegisterBuiltin(tool); err != nil {
			return nil, err
		}
	}
	if len(cfg.Tools.MCPServers) > 0 {
		rt.mcp = tools.LoadMCPTools(ctx, rt.registry, cfg.Tools.MCPServers, rt.logger)
		rt.closers = append(rt.closers, func(context.Context) error { return rt.mcp.Close() })
	}

	// Permissions and approvals.
	sources := permission.Sources{permission.StaticSource(cfg.Rulesets())}
	if cfg.Permissions.File != "" {
		rulesFile, err := permission.NewFileSource(cfg.Permissions.File, rt.logger)
		if err != nil {
			return nil, err
		}
		rt.rulesFile = rulesFile
		rt.closers = append(rt.closers, func(context.Context) error { return rt.rulesFile.Close() })
		sources = append(sources, rt.rulesFile)
	}
	rt.approvals = permission.NewApprovalManager()
	var channel permission.ApprovalChannel = rt.approvals
	if opts.Approvals != nil {
		channel = opts.Approvals
	}
	rt.gate = permission.NewGate(channel, permission.NewGrants(), cfg.GateConfig())

	// Events.
	sinks := []agent.EventSink{agent.NewLogSink(rt.logger)}
	if opts.Sink != nil {
		sinks = append(sinks, opts.Sink)
	}
	if cfg.Events.Enabled {
		bus, err := eventbus.Connect(ctx, cfg.Events.NATS, rt.logger)
		if err != nil {
			return nil, err
		}
		rt.bus = bus
		rt.closers = append(rt.closers, func(context.Context) error { return rt.bus.Close() })
		sinks = append(sinks, rt.bus.Sink(rt.metrics))
	}

	controller, err := agent.NewController(agent.Options{
		Provider:    opts.Provider,
		Tools:       rt.registry,
		Permissions: sources,
		Resolver:    cfg.Resolver(),
		Gate:        rt.gate,
		Tasks:       rt.tasks,
		Compaction:  cfg.Compaction,
		Truncator:   rt.truncator,
		Sink:        agent.NewMultiSink(sinks...),
		Config:      cfg.Agent,
		Retry:       cfg.Retry,
		Logger:      rt.logger,
		Metrics:     rt.metrics,
		Tracer:      rt.tracer,
	})
	if err != nil {
		return nil, err
	}
	rt.controller = controller
	rt.lanes = agent.NewLanes(controller)
	rt.subagents = agent.NewSubagents(controller, 0)
	if err := rt.registry.RegisterBuiltin(agent.NewTaskTool(rt.subagents)); err != nil {
		return nil, err
	}
	ready = true
	return rt, nil
}

// Close cancels sub-agents, waits for lanes, and releases resources.
func (rt *runtime) Close(ctx context.Context) error {
	if rt.subagents != nil {
		rt.subagents.CancelAll()
	}
	if rt.lanes != nil {
		rt.lanes.Wait()
	}
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

// sessionTable creates session state on first use.
type sessionTable struct {
	cfg *config.Config

	mu     sync.Mutex
	states map[string]*agent.SessionState
}

func newSessionTable(cfg *config.Config) *sessionTable {
	return &sessionTable{cfg: cfg, states: make(map[string]*agent.SessionState)}
}

// Session implements httpapi.Sessions.
func (t *sessionTable) Session(id string) *agent.SessionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.states[id]; ok {
		return st
	}
	now := time.Now()
	st := agent.NewSessionState(&models.Session{
		ID:        id,
		AgentID:   "main",
		Status:    models.SessionIdle,
		CreatedAt: now,
		UpdatedAt: now,
	})
	st.ExcludeTools = append([]string(nil), t.cfg.Tools.Exclude...)
	t.states[id] = st
	return st
}
