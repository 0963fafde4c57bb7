package conversation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

const (
	DefaultTemperature float32 = 0.1
	DefaultHistoryCap          = 8
)

// Reply is what one user input produced.
type Reply struct {
	Text          string
	OutputChannel string
	// EndSession is set when the model invoked the end session tool.
	EndSession bool
	// ModelCalls counts Generate invocations made for this input.
	ModelCalls int
}

type EngineConfig struct {
	Temperature float32
	HistoryCap  int
}

// Engine drives the model for one input at a time. It holds no per-session
// state; callers must not run two inputs for the same State concurrently.
type Engine struct {
	model    Model
	registry *Registry
	cfg      EngineConfig
	observer Observer
}

func NewEngine(model Model, registry *Registry, cfg EngineConfig, observer Observer) *Engine {
	if cfg.Temperature <= 0 {
		cfg.Temperature = DefaultTemperature
	}
	if cfg.HistoryCap <= 0 {
		cfg.HistoryCap = DefaultHistoryCap
	}
	if registry == nil {
		registry = NewRegistry()
	}
	return &Engine{model: model, registry: registry, cfg: cfg, observer: observer}
}

func (e *Engine) Registry() *Registry { return e.registry }

// ProcessInput appends the user message, runs at most one tool round, and
// parses the final reply into text and an output channel. History is trimmed
// only after the whole exchange is appended.
func (e *Engine) ProcessInput(ctx context.Context, st State, message, inputChannel string) (Reply, error) {
	if e.model == nil {
		return Reply{}, errors.New("conversation model is not configured")
	}
	st.AppendHistory(Message{Role: RoleUser, Content: TagInput(message, inputChannel)})
	defer st.TrimHistory(e.cfg.HistoryCap)

	tools := WithEndSession(st.Tools())
	reply := Reply{}

	resp, err := e.generate(ctx, st, tools)
	reply.ModelCalls++
	if err != nil {
		return reply, err
	}

	if len(resp.ToolCalls) > 0 {
		results := e.registry.Dispatch(ctx, tools, resp.ToolCalls)
		for _, r := range results {
			_, failed := r.Output["error"]
			e.observeTool(r.Name, !failed)
			if r.Name == EndSessionTool && !failed {
				reply.EndSession = true
			}
		}
		st.AppendHistory(
			Message{Role: RoleAssistant, Content: resp.Text, ToolCalls: resp.ToolCalls},
			Message{Role: RoleTool, ToolResults: results},
		)

		resp, err = e.generate(ctx, st, tools)
		reply.ModelCalls++
		if err != nil {
			return reply, err
		}
		if len(resp.ToolCalls) > 0 {
			// One round per input; anything requested now is ignored.
			log.Printf("[conversation] ignoring %d tool call(s) requested after the tool round", len(resp.ToolCalls))
		}
	}

	st.AppendHistory(Message{Role: RoleAssistant, Content: resp.Text})
	reply.Text, reply.OutputChannel = ParseOutput(resp.Text, inputChannel)
	return reply, nil
}

func (e *Engine) generate(ctx context.Context, st State, tools []ToolDescriptor) (Response, error) {
	started := time.Now()
	resp, err := e.model.Generate(ctx, Request{
		History:      st.History(),
		Tools:        tools,
		SystemPrompt: st.SystemPrompt(),
		Temperature:  e.cfg.Temperature,
	})
	if e.observer != nil {
		e.observer.ObserveLLMLatency(time.Since(started))
	}
	if err != nil {
		return Response{}, fmt.Errorf("generate: %w", err)
	}
	return resp, nil
}

func (e *Engine) observeTool(name string, ok bool) {
	if e.observer != nil {
		e.observer.ObserveToolCall(name, ok)
	}
}

// TrimHistory drops the oldest messages beyond max. The kept window never
// starts with a tool result, so a call and its results stay together.
func TrimHistory(history []Message, max int) []Message {
	if max <= 0 || len(history) <= max {
		return history
	}
	start := len(history) - max
	for start < len(history) && history[start].Role == RoleTool {
		start++
	}
	return append([]Message(nil), history[start:]...)
}
