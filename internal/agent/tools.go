package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/nidhogg/finresearch/internal/provider"
	"github.com/xeipuuv/gojsonschema"
)

// ToolResult is the outcome of one tool invocation. Exactly one of Output
// and Error is meaningful; failures are data, never panics or errors.
type ToolResult struct {
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Failed reports whether the tool returned an error.
func (r ToolResult) Failed() bool { return r.Error != "" }

// Content renders the result as the tool turn sent back to the model.
func (r ToolResult) Content() string {
	if r.Failed() {
		b, _ := json.Marshal(map[string]string{"error": r.Error})
		return string(b)
	}
	return r.Output
}

// ToolExecutor runs a named tool with parsed arguments for a job.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, args map[string]any, jobID string) ToolResult
}

// ToolCatalog is a ToolExecutor that can also declare its tools to a model.
type ToolCatalog interface {
	ToolExecutor
	Definitions(names []string) []provider.Tool
}

// ToolHandler executes a tool call and returns its output text.
type ToolHandler func(ctx context.Context, args map[string]any, jobID string) (string, error)

// ToolSpec declares one tool.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
	Handler     ToolHandler
}

type registeredTool struct {
	spec   ToolSpec
	schema *gojsonschema.Schema
}

// Registry maps tool names to declarations and handlers. Arguments are
// validated against each tool's JSON schema before the handler runs.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*registeredTool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*registeredTool)}
}

// Register adds or replaces a tool. A nil Parameters means any object.
func (r *Registry) Register(spec ToolSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if spec.Handler == nil {
		return fmt.Errorf("tool %s: handler is required", spec.Name)
	}
	if spec.Parameters == nil {
		spec.Parameters = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(spec.Parameters))
	if err != nil {
		return fmt.Errorf("tool %s: invalid schema: %w", spec.Name, err)
	}
	r.mu.Lock()
	r.tools[spec.Name] = &registeredTool{spec: spec, schema: schema}
	r.mu.Unlock()
	return nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Definitions returns declarations for the named tools in the given order.
// Names with no registered handler are skipped.
func (r *Registry) Definitions(names []string) []provider.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var defs []provider.Tool
	for _, name := range names {
		t, ok := r.tools[name]
		if !ok {
			continue
		}
		defs = append(defs, provider.Tool{
			Type: "function",
			Function: provider.ToolFunction{
				Name:        t.spec.Name,
				Description: t.spec.Description,
				Parameters:  t.spec.Parameters,
			},
		})
	}
	return defs
}

// Execute validates args and runs the tool. Every failure, including a
// panicking handler, comes back as ToolResult.Error.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any, jobID string) (res ToolResult) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return ToolResult{Error: "unknown tool: " + name}
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := validate(t.schema, args); err != nil {
		return ToolResult{Error: err.Error()}
	}

	defer func() {
		if p := recover(); p != nil {
			res = ToolResult{Error: fmt.Sprintf("tool %s panicked: %v", name, p)}
		}
	}()
	out, err := t.spec.Handler(ctx, args, jobID)
	if err != nil {
		return ToolResult{Error: err.Error()}
	}
	return ToolResult{Output: out}
}

func validate(schema *gojsonschema.Schema, args map[string]any) error {
	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return fmt.Errorf("validate arguments: %w", err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("invalid arguments: %s", strings.Join(msgs, "; "))
}

// MissingTool is an allowlisted tool with no registered handler.
type MissingTool struct {
	Agent string
	Tool  string
}

func (m MissingTool) String() string { return m.Agent + "/" + m.Tool }

// CheckAllowlists reports every allowlisted tool the registry cannot run,
// ordered by agent then allowlist position.
func (r *Registry) CheckAllowlists(allowlists map[string][]string) []MissingTool {
	agents := make([]string, 0, len(allowlists))
	for a := range allowlists {
		agents = append(agents, a)
	}
	sort.Strings(agents)

	var missing []MissingTool
	for _, a := range agents {
		for _, name := range allowlists[a] {
			if !r.Has(name) {
				missing = append(missing, MissingTool{Agent: a, Tool: name})
			}
		}
	}
	return missing
}
