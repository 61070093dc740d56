// Package tools holds the function-calling surface exposed to the AI
// provider during a call: the tool registry, argument validation against
// each tool's JSON schema, and at-most-once dispatch per provider call id.
//
// Built-in tools are constructed by [Builtin] from a [Deps] of session
// callbacks, so the package stays free of session internals and tests can
// drive tools with plain closures.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/vocero-ai/vocero/pkg/provider"
)

// Category groups tools by their role in a call.
type Category string

const (
	CategoryCall     Category = "call"     // call control: end, hold, message
	CategoryTransfer Category = "transfer" // handoff and the aux-session decision tools
	CategoryInfo     Category = "info"     // lookups with no side effects
)

// SideEffect names an action the session must take after a tool result.
type SideEffect string

const (
	EffectEndCall      SideEffect = "end_call"
	EffectHandoff      SideEffect = "handoff"
	EffectHold         SideEffect = "hold"
	EffectUnhold       SideEffect = "unhold"
	EffectMessageTaken SideEffect = "message_taken"
	EffectCallback     SideEffect = "callback"
	EffectAccept       SideEffect = "accept_transfer"
	EffectReject       SideEffect = "reject_transfer"
)

// Result is the outcome of one tool execution, sent back to the provider
// and interpreted by the session.
type Result struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`

	// Instruction, when non-empty, replaces the agent's next utterance
	// wholesale instead of letting the model improvise.
	Instruction string `json:"-"`

	// ShouldRespond overrides the tool's RequiresResponse when non-nil.
	ShouldRespond *bool `json:"-"`

	// SideEffects are actions the session performs after delivering the
	// result.
	SideEffects []SideEffect `json:"-"`
}

// Ok returns a successful result with optional data.
func Ok(data map[string]any) Result {
	return Result{Success: true, Data: data}
}

// Fail returns a failed result whose error text is surfaced to the model so
// it can re-ask the caller.
func Fail(format string, args ...any) Result {
	return Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

// Tool is one callable function exposed to the provider.
type Tool struct {
	// Name is the provider-facing function name. Unique per registry.
	Name string

	// Description tells the model when to call the tool.
	Description string

	// Parameters is the JSON-schema object for the arguments.
	Parameters map[string]any

	Category Category

	// RequiresResponse requests a fresh model response after the result is
	// delivered, unless the result overrides it.
	RequiresResponse bool

	// Fillers are short phrases the agent may speak while the tool runs.
	Fillers []string

	// Handler executes the tool. Args are already validated against
	// Parameters.
	Handler func(ctx context.Context, args map[string]any) Result
}

// Definition converts the tool to the provider wire shape.
func (t *Tool) Definition() provider.ToolDefinition {
	return provider.ToolDefinition{
		Name:        t.Name,
		Description: t.Description,
		Parameters:  t.Parameters,
	}
}

// ObjectSchema builds a JSON-schema object from property definitions and a
// required-name list.
func ObjectSchema(props map[string]any, required ...string) map[string]any {
	if props == nil {
		props = map[string]any{}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// StringProp builds a string property schema.
func StringProp(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

// EnumProp builds a string property schema limited to the given values.
func EnumProp(description string, values ...string) map[string]any {
	enum := make([]any, len(values))
	for i, v := range values {
		enum[i] = v
	}
	return map[string]any{"type": "string", "description": description, "enum": enum}
}

// Registry holds the tools of one session. Registration happens during
// session construction; dispatch is concurrent afterwards.
type Registry struct {
	mu         sync.RWMutex
	tools      map[string]*Tool
	dispatched map[string]struct{} // call ids already executed
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:      make(map[string]*Tool),
		dispatched: make(map[string]struct{}),
	}
}

// Register adds a tool. Duplicate names are an error.
func (r *Registry) Register(t *Tool) error {
	if t == nil || t.Name == "" {
		return fmt.Errorf("tools: register: tool has no name")
	}
	if t.Handler == nil {
		return fmt.Errorf("tools: register %s: nil handler", t.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[t.Name]; dup {
		return fmt.Errorf("tools: register %s: duplicate name", t.Name)
	}
	r.tools[t.Name] = t
	return nil
}

// Get returns the named tool.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names, sorted.
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

// Definitions returns the provider wire definitions for every tool, sorted
// by name so session.update payloads are stable.
func (r *Registry) Definitions() []provider.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]provider.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.Definition())
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Dispatch validates and executes one provider function call. A call id is
// executed at most once; repeats return an error result without running the
// handler. Unknown tools and invalid arguments come back as failed results
// so the model can recover, never as Go errors.
func (r *Registry) Dispatch(ctx context.Context, name, callID, argsJSON string) Result {
	r.mu.Lock()
	if callID != "" {
		if _, done := r.dispatched[callID]; done {
			r.mu.Unlock()
			return Fail("call %s already executed", callID)
		}
		r.dispatched[callID] = struct{}{}
	}
	t := r.tools[name]
	r.mu.Unlock()

	if t == nil {
		return Fail("unknown tool %q", name)
	}

	args := map[string]any{}
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return Fail("invalid arguments for %s: %v", name, err)
		}
	}
	if err := validateArgs(t.Parameters, args); err != nil {
		return Fail("invalid arguments for %s: %v", name, err)
	}
	return t.Handler(ctx, args)
}

// validateArgs checks args against a JSON-schema object: required fields
// must be present and non-empty, and simple declared types must match.
func validateArgs(schema map[string]any, args map[string]any) error {
	if schema == nil {
		return nil
	}
	props, _ := schema["properties"].(map[string]any)

	if required, ok := schema["required"].([]string); ok {
		for _, name := range required {
			if err := requireField(args, name); err != nil {
				return err
			}
		}
	} else if required, ok := schema["required"].([]any); ok {
		for _, raw := range required {
			name, _ := raw.(string)
			if err := requireField(args, name); err != nil {
				return err
			}
		}
	}

	for name, raw := range args {
		propSchema, ok := props[name].(map[string]any)
		if !ok {
			continue
		}
		declared, _ := propSchema["type"].(string)
		if err := checkType(name, declared, raw); err != nil {
			return err
		}
	}
	return nil
}

func requireField(args map[string]any, name string) error {
	v, ok := args[name]
	if !ok || v == nil {
		return fmt.Errorf("missing required field %q", name)
	}
	if s, isStr := v.(string); isStr && s == "" {
		return fmt.Errorf("required field %q is empty", name)
	}
	return nil
}

func checkType(name, declared string, v any) error {
	if v == nil {
		return nil
	}
	switch declared {
	case "string":
		if _, ok := v.(string); !ok {
			return fmt.Errorf("field %q must be a string", name)
		}
	case "number", "integer":
		if _, ok := v.(float64); !ok {
			return fmt.Errorf("field %q must be a number", name)
		}
	case "boolean":
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("field %q must be a boolean", name)
		}
	}
	return nil
}
