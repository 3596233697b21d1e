// Package tools holds the tool registry (component E): the schema list
// exposed to the primary provider's function-calling API and the dispatch
// table of executors. The interface/dispatch shape follows
// manifold/internal/tools/{registry,types}.go; the executor roster and the
// captured-error result format follow original_source/remy/ai/tools.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/local/remy/internal/llm"
)

// Executor runs one tool call. Executors return user-readable strings; any
// error (or panic) is captured by the registry and serialised into the
// result rather than propagated, so the model can recover on its next
// iteration (spec.md §4.E, §7).
type Executor func(ctx context.Context, input map[string]any, userID, chatID int64) (string, error)

// Definition describes one tool: its function-calling schema plus executor.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]any
	Exec        Executor
}

// Registry is the tool registry (component E).
type Registry struct {
	defs  map[string]Definition
	order []string
	log   zerolog.Logger
}

// NewRegistry builds an empty registry.
func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{defs: map[string]Definition{}, log: log}
}

// Register adds a tool. Re-registering a name replaces the executor but
// keeps its original schema position.
func (r *Registry) Register(d Definition) {
	if _, exists := r.defs[d.Name]; !exists {
		r.order = append(r.order, d.Name)
	}
	r.defs[d.Name] = d
}

// Schemas returns the tool schema list in registration order.
func (r *Registry) Schemas() []llm.ToolSchema {
	out := make([]llm.ToolSchema, 0, len(r.order))
	for _, name := range r.order {
		d := r.defs[name]
		params := d.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, llm.ToolSchema{Name: d.Name, Description: d.Description, Parameters: params})
	}
	return out
}

// Dispatch executes a tool by name. It never returns an error to the caller:
// executor failures, panics, and unknown names all come back as the tool's
// result string in the fixed "Tool <name> encountered an error: <msg>"
// format so the model can see and work around them.
func (r *Registry) Dispatch(ctx context.Context, name string, rawInput json.RawMessage, userID, chatID int64) (result string) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().Str("tool", name).Interface("panic", rec).Msg("tool executor panicked")
			result = fmt.Sprintf("Tool %s encountered an error: %v", name, rec)
		}
	}()

	d, ok := r.defs[name]
	if !ok {
		return fmt.Sprintf("Tool %s encountered an error: unknown tool", name)
	}

	input := map[string]any{}
	if len(rawInput) > 0 {
		if err := json.Unmarshal(rawInput, &input); err != nil {
			return fmt.Sprintf("Tool %s encountered an error: invalid input: %v", name, err)
		}
	}

	out, err := d.Exec(ctx, input, userID, chatID)
	if err != nil {
		r.log.Warn().Err(err).Str("tool", name).Int64("user_id", userID).Msg("tool executor failed")
		return fmt.Sprintf("Tool %s encountered an error: %v", name, err)
	}
	return out
}

// Names returns the registered tool names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// objSchema builds a JSON-schema object for a tool's parameters.
func objSchema(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func prop(typ, desc string) map[string]any {
	return map[string]any{"type": typ, "description": desc}
}

func enumProp(desc string, values ...string) map[string]any {
	vals := make([]any, len(values))
	for i, v := range values {
		vals[i] = v
	}
	return map[string]any{"type": "string", "description": desc, "enum": vals}
}

// Input accessors tolerate the loose typing of model-produced JSON.

func strInput(input map[string]any, key string) string {
	if s, ok := input[key].(string); ok {
		return s
	}
	return ""
}

func intInput(input map[string]any, key string) int64 {
	switch v := input[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case string:
		var n int64
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return 0
}
