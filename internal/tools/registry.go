package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/haasonsaas/nexus-agentcore/internal/observability"
	"github.com/haasonsaas/nexus-agentcore/internal/permission"
)

// MaxToolArgsSize is the maximum size of tool arguments JSON (10MB).
const MaxToolArgsSize = 10 << 20

// Source says where a registered tool came from.
type Source string

const (
	SourceBuiltin   Source = "builtin"
	SourceExtension Source = "extension"
)

type entry struct {
	tool   Tool
	source Source
}

// Registry holds built-in and extension tools. Built-ins always win name
// collisions; an extension that collides is dropped with a warning.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]entry
	logger *observability.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *observability.Logger) *Registry {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Registry{
		tools:  make(map[string]entry),
		logger: logger,
	}
}

// RegisterBuiltin adds a built-in tool. Registering two built-ins with the same
// name is a programming error and returns ErrDuplicateTool. A built-in
// replaces an extension that was registered under its name first.
func (r *Registry) RegisterBuiltin(tool Tool) error {
	name := tool.Name()
	if err := ValidateName(name); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.tools[name]; ok {
		if existing.source == SourceBuiltin {
			return fmt.Errorf("%w: %s", ErrDuplicateTool, name)
		}
		r.logger.Warn(context.Background(), "built-in tool replaces extension with the same name", "tool", name)
	}
	r.tools[name] = entry{tool: tool, source: SourceBuiltin}
	return nil
}

// RegisterExtension adds an extension tool and reports whether it was kept.
func (r *Registry) RegisterExtension(tool Tool) bool {
	name := tool.Name()
	if err := ValidateName(name); err != nil {
		r.logger.Warn(context.Background(), "extension tool dropped: invalid name", "tool", name, "error", err)
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.tools[name]; ok {
		r.logger.Warn(context.Background(), "extension tool dropped: name already registered",
			"tool", name,
			"existing_source", existing.source,
		)
		return false
	}
	r.tools[name] = entry{tool: tool, source: SourceExtension}
	return true
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a tool by exact name, falling back to the permission alias
// table ("bash" finds "exec").
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.tools[name]; ok {
		return e.tool, true
	}
	if e, ok := r.tools[permission.NormalizeTool(name)]; ok {
		return e.tool, true
	}
	return nil, false
}

// SourceOf reports whether name is a built-in or extension tool.
func (r *Registry) SourceOf(name string) (Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	return e.source, ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve returns the tools offered to the model for one turn, sorted by
// name. Tools the snapshot disables outright are left out.
func (r *Registry) Resolve(ac AgentContext) []Tool {
	excluded := make(map[string]bool, len(ac.Exclude))
	for _, name := range ac.Exclude {
		excluded[name] = true
	}

	r.mu.RLock()
	tools := make([]Tool, 0, len(r.tools))
	for name, e := range r.tools {
		if excluded[name] {
			continue
		}
		if ac.Snapshot != nil && ac.Snapshot.Disabled(name) {
			continue
		}
		tools = append(tools, e.tool)
	}
	r.mu.RUnlock()

	sort.Slice(tools, func(i, j int) bool { return tools[i].Name() < tools[j].Name() })
	return tools
}

// Execute validates args against the tool's schema and runs it. Schema
// violations return *InvalidArgumentsError without running the tool.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage, call *CallContext) (*Result, error) {
	if len(name) > MaxToolNameLength {
		return nil, fmt.Errorf("%w: name exceeds %d characters", ErrToolNotFound, MaxToolNameLength)
	}
	tool, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	if len(args) > MaxToolArgsSize {
		return nil, &InvalidArgumentsError{Tool: name, Cause: fmt.Errorf("arguments exceed %d bytes", MaxToolArgsSize)}
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	if err := ValidateArgs(tool, args); err != nil {
		return nil, err
	}

	result, err := tool.Execute(ctx, args, call)
	if err != nil {
		return nil, err
	}
	if result == nil {
		result = &Result{}
	}
	return result, nil
}

// Patterns returns the permission patterns for a call. Tools that do not
// implement PatternProvider match as "*".
func Patterns(tool Tool, args json.RawMessage) []string {
	if pp, ok := tool.(PatternProvider); ok {
		if patterns := pp.Patterns(args); len(patterns) > 0 {
			return patterns
		}
	}
	return []string{"*"}
}
