// Package tools implements the tool registry and concurrent executor from
// spec.md §4.4, grounded on the teacher's internal/agent/tool_registry.go
// and internal/agent/executor.go. Schema validation uses
// github.com/santhosh-tekuri/jsonschema/v5, the same library the teacher
// pack uses elsewhere for schema validation (internal/gateway/ws_schema.go,
// pkg/pluginsdk/validation.go) — this is the concrete home that dependency
// gets in this runtime.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/obra/lace/pkg/lace"
)

// MaxToolNameLength and MaxArgsSize bound a call before it ever reaches a
// tool's Execute method, mirroring the teacher's defensive size checks.
const (
	MaxToolNameLength = 256
	MaxArgsSize       = 10 << 20
)

// Tool is the contract every registered tool implements.
type Tool interface {
	Descriptor() lace.ToolDescriptor
	Execute(ctx context.Context, args json.RawMessage) (lace.ToolResult, error)
}

// Registry holds the set of tools available to a session, each with a
// pre-compiled JSON Schema validator for its input.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]registered
}

type registered struct {
	tool   Tool
	schema *jsonschema.Schema
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]registered)}
}

// Register compiles t's input schema and adds it to the registry. An error
// here is a configuration bug (bad schema), not a runtime condition.
func (r *Registry) Register(t Tool) error {
	desc := t.Descriptor()
	if len(desc.Name) == 0 || len(desc.Name) > MaxToolNameLength {
		return fmt.Errorf("tools: invalid tool name %q", desc.Name)
	}

	compiler := jsonschema.NewCompiler()
	schemaURL := "mem://" + desc.Name + ".json"
	if len(desc.InputSchema) > 0 {
		var doc any
		if err := json.Unmarshal(desc.InputSchema, &doc); err != nil {
			return fmt.Errorf("tools: tool %q: invalid schema json: %w", desc.Name, err)
		}
		if err := compiler.AddResource(schemaURL, doc); err != nil {
			return fmt.Errorf("tools: tool %q: add schema resource: %w", desc.Name, err)
		}
	} else {
		if err := compiler.AddResource(schemaURL, map[string]any{"type": "object"}); err != nil {
			return err
		}
	}
	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return fmt.Errorf("tools: tool %q: compile schema: %w", desc.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[desc.Name] = registered{tool: t, schema: schema}
	return nil
}

// Unregister removes a tool.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns the tool and whether it's registered.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return e.tool, true
}

// Descriptors returns all registered tools' descriptors, e.g. to advertise
// to a provider.
func (r *Registry) Descriptors() []lace.ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]lace.ToolDescriptor, 0, len(r.tools))
	for _, e := range r.tools {
		out = append(out, e.tool.Descriptor())
	}
	return out
}

// Validate validates args against name's compiled input schema (step 5 of
// the dispatch algorithm in spec.md §4.4). Returns an error describing the
// first validation failure.
func (r *Registry) Validate(name string, args json.RawMessage) error {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("tools: unknown tool %q", name)
	}
	if len(args) > MaxArgsSize {
		return fmt.Errorf("tools: tool %q: arguments exceed %d bytes", name, MaxArgsSize)
	}
	var doc any
	if len(args) == 0 {
		doc = map[string]any{}
	} else if err := json.Unmarshal(args, &doc); err != nil {
		return fmt.Errorf("tools: tool %q: arguments are not valid json: %w", name, err)
	}
	if err := e.schema.Validate(doc); err != nil {
		return fmt.Errorf("tools: tool %q: arguments failed schema validation: %w", name, err)
	}
	return nil
}
