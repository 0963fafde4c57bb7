package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// EndSessionTool is always offered to the model.
const EndSessionTool = "end_session"

var (
	ErrEmptyName   = errors.New("tool name is empty")
	ErrUnknownTool = errors.New("unknown tool")
)

// Handler implements a tool. Returned values are normalized to a JSON object
// for the model; errors never escape the engine.
type Handler func(ctx context.Context, args map[string]any) (any, error)

type entry struct {
	desc    ToolDescriptor
	handler Handler
}

// Registry binds tool names to implementations, keeping registration order.
type Registry struct {
	mu      sync.RWMutex
	order   []string
	entries map[string]entry
}

func NewRegistry() *Registry {
	r := &Registry{entries: make(map[string]entry)}
	_ = r.Register(EndSessionDescriptor(), func(context.Context, map[string]any) (any, error) {
		return map[string]any{"status": "ending"}, nil
	})
	return r
}

func EndSessionDescriptor() ToolDescriptor {
	return ToolDescriptor{
		Name:        EndSessionTool,
		Description: "End the conversation when the user says goodbye or asks to hang up.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	}
}

// Register adds a tool or replaces an existing one in place.
func (r *Registry) Register(desc ToolDescriptor, h Handler) error {
	if desc.Name == "" {
		return ErrEmptyName
	}
	if h == nil {
		return fmt.Errorf("tool %s: handler is nil", desc.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[desc.Name]; !ok {
		r.order = append(r.order, desc.Name)
	}
	r.entries[desc.Name] = entry{desc: desc, handler: h}
	return nil
}

// Descriptors lists every registered tool in registration order.
func (r *Registry) Descriptors() []ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolDescriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name].desc)
	}
	return out
}

// Resolve returns descriptors for the named tools, skipping names it does not
// know. An empty list resolves to every registered tool.
func (r *Registry) Resolve(names []string) []ToolDescriptor {
	if len(names) == 0 {
		return r.Descriptors()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolDescriptor, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		e, ok := r.entries[name]
		if !ok || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, e.desc)
	}
	return out
}

// WithEndSession returns tools with the built-in end session tool present
// exactly once, preserving order.
func WithEndSession(tools []ToolDescriptor) []ToolDescriptor {
	out := make([]ToolDescriptor, 0, len(tools)+1)
	for _, t := range tools {
		if t.Name == EndSessionTool {
			continue
		}
		out = append(out, t)
	}
	return append(out, EndSessionDescriptor())
}

// Dispatch runs every call concurrently and returns results in call order.
// Calls to tools missing from offered or from the registry, handler errors
// and handler panics all become {"error": ...} results.
func (r *Registry) Dispatch(ctx context.Context, offered []ToolDescriptor, calls []ToolCall) []ToolResult {
	byName := make(map[string]ToolDescriptor, len(offered))
	for _, d := range offered {
		byName[d.Name] = d
	}

	results := make([]ToolResult, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call ToolCall) {
			defer wg.Done()
			results[i] = ToolResult{
				CallID: call.ID,
				Name:   call.Name,
				Output: r.execute(ctx, byName, call),
			}
		}(i, call)
	}
	wg.Wait()
	return results
}

func (r *Registry) execute(ctx context.Context, offered map[string]ToolDescriptor, call ToolCall) (out map[string]any) {
	desc, ok := offered[call.Name]
	r.mu.RLock()
	e, registered := r.entries[call.Name]
	r.mu.RUnlock()
	if !ok || !registered {
		return errorOutput(fmt.Errorf("%w: %s", ErrUnknownTool, call.Name))
	}

	defer func() {
		if p := recover(); p != nil {
			out = errorOutput(fmt.Errorf("tool %s panicked: %v", call.Name, p))
		}
	}()

	v, err := e.handler(ctx, applyDefaults(call.Args, desc.Defaults))
	if err != nil {
		return errorOutput(fmt.Errorf("tool %s execution failed: %w", call.Name, err))
	}
	return normalizeOutput(v)
}

func applyDefaults(args, defaults map[string]any) map[string]any {
	out := make(map[string]any, len(args)+len(defaults))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range args {
		out[k] = v
	}
	return out
}

func errorOutput(err error) map[string]any {
	return map[string]any{"error": err.Error()}
}

func normalizeOutput(v any) map[string]any {
	switch t := v.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		return t
	case string:
		return map[string]any{"result": t}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return errorOutput(fmt.Errorf("encode tool result: %w", err))
	}
	var obj map[string]any
	if json.Unmarshal(b, &obj) == nil {
		return obj
	}
	var anyVal any
	_ = json.Unmarshal(b, &anyVal)
	return map[string]any{"result": anyVal}
}
