package conversation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matryer/is"
)

type memState struct {
	prompt  string
	tools   []ToolDescriptor
	history []Message
}

func (s *memState) SystemPrompt() string         { return s.prompt }
func (s *memState) Tools() []ToolDescriptor      { return s.tools }
func (s *memState) History() []Message           { return append([]Message(nil), s.history...) }
func (s *memState) AppendHistory(msgs ...Message) { s.history = append(s.history, msgs...) }
func (s *memState) TrimHistory(max int)          { s.history = TrimHistory(s.history, max) }

type scriptedModel struct {
	mu        sync.Mutex
	responses []Response
	requests  []Request
	err       error
}

func (m *scriptedModel) Generate(_ context.Context, req Request) (Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.err != nil {
		return Response{}, m.err
	}
	if len(m.responses) == 0 {
		return Response{Text: `{"response":"ok","output_channel":"audio"}`}, nil
	}
	r := m.responses[0]
	m.responses = m.responses[1:]
	return r, nil
}

func cancelOrderDescriptor() ToolDescriptor {
	return ToolDescriptor{
		Name:        "cancelOrder",
		Description: "Cancel an order.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"orderId": map[string]any{"type": "string"},
			},
			"required": []string{"orderId"},
		},
		Defaults: map[string]any{"reason": "OTHER", "email": true, "refund": true, "restock": true},
	}
}

func TestProcessInputDispatchesToolWithDefaults(t *testing.T) {
	is := is.New(t)

	var got map[string]any
	reg := NewRegistry()
	is.NoErr(reg.Register(cancelOrderDescriptor(), func(_ context.Context, args map[string]any) (any, error) {
		got = args
		return map[string]any{"cancelled": true}, nil
	}))

	model := &scriptedModel{responses: []Response{
		{ToolCalls: []ToolCall{{ID: "c1", Name: "cancelOrder", Args: map[string]any{"orderId": "1001"}}}},
		{Text: `{"response":"Your order 1001 is cancelled.","output_channel":"audio"}`},
	}}
	st := &memState{prompt: "p", tools: []ToolDescriptor{cancelOrderDescriptor()}}
	eng := NewEngine(model, reg, EngineConfig{}, nil)

	reply, err := eng.ProcessInput(context.Background(), st, "Cancel order 1001", "audio")
	is.NoErr(err)
	is.Equal(reply.Text, "Your order 1001 is cancelled.")
	is.Equal(reply.OutputChannel, "audio")
	is.Equal(reply.ModelCalls, 2)

	is.Equal(got["orderId"], "1001")
	is.Equal(got["reason"], "OTHER")
	is.Equal(got["email"], true)
	is.Equal(got["refund"], true)
	is.Equal(got["restock"], true)

	// user, assistant(calls), tool(results), assistant(final)
	is.Equal(len(st.history), 4)
	is.Equal(st.history[1].Role, RoleAssistant)
	is.Equal(len(st.history[1].ToolCalls), 1)
	is.Equal(st.history[2].Role, RoleTool)
	is.Equal(st.history[2].ToolResults[0].Output["cancelled"], true)
	is.Equal(model.requests[0].Temperature, DefaultTemperature)
	is.Equal(model.requests[0].SystemPrompt, "p")
}

func TestProcessInputSingleToolRound(t *testing.T) {
	is := is.New(t)

	var calls int32
	reg := NewRegistry()
	is.NoErr(reg.Register(ToolDescriptor{Name: "getAllOrders"}, func(context.Context, map[string]any) (any, error) {
		atomic.AddInt32(&calls, 1)
		return []map[string]any{{"id": "1"}}, nil
	}))
	model := &scriptedModel{responses: []Response{
		{ToolCalls: []ToolCall{{Name: "getAllOrders"}, {Name: "getAllOrders"}, {Name: "getAllOrders"}}},
		{Text: "still thinking", ToolCalls: []ToolCall{{Name: "getAllOrders"}}},
	}}
	st := &memState{tools: []ToolDescriptor{{Name: "getAllOrders"}}}

	reply, err := NewEngine(model, reg, EngineConfig{}, nil).ProcessInput(context.Background(), st, "orders?", "chat")
	is.NoErr(err)
	is.Equal(len(model.requests), 2)
	is.Equal(reply.ModelCalls, 2)
	is.Equal(atomic.LoadInt32(&calls), int32(3))
	is.Equal(reply.Text, "still thinking")
	is.Equal(reply.OutputChannel, "chat")
}

func TestProcessInputUnknownToolBecomesErrorResult(t *testing.T) {
	is := is.New(t)

	model := &scriptedModel{responses: []Response{
		{ToolCalls: []ToolCall{{ID: "x", Name: "launchRocket"}}},
		{Text: `{"response":"I can't do that.","output_channel":"chat"}`},
	}}
	st := &memState{}
	reply, err := NewEngine(model, NewRegistry(), EngineConfig{}, nil).ProcessInput(context.Background(), st, "launch", "audio")
	is.NoErr(err)
	is.Equal(reply.OutputChannel, "chat")

	results := st.history[2].ToolResults
	is.Equal(len(results), 1)
	_, hasErr := results[0].Output["error"]
	is.True(hasErr)
}

func TestProcessInputMalformedReplyFallsBack(t *testing.T) {
	is := is.New(t)

	model := &scriptedModel{responses: []Response{{Text: "Sure, I can help with that"}}}
	reply, err := NewEngine(model, nil, EngineConfig{}, nil).ProcessInput(context.Background(), &memState{}, "help", "chat")
	is.NoErr(err)
	is.Equal(reply.Text, "Sure, I can help with that")
	is.Equal(reply.OutputChannel, "chat")
}

func TestProcessInputEmptyReplyApologizes(t *testing.T) {
	is := is.New(t)

	model := &scriptedModel{responses: []Response{{Text: "  "}}}
	reply, err := NewEngine(model, nil, EngineConfig{}, nil).ProcessInput(context.Background(), &memState{}, "hm", "audio")
	is.NoErr(err)
	is.Equal(reply.Text, Apology)
	is.Equal(reply.OutputChannel, "audio")
}

func TestProcessInputEndSessionTool(t *testing.T) {
	is := is.New(t)

	model := &scriptedModel{responses: []Response{
		{ToolCalls: []ToolCall{{Name: EndSessionTool}}},
		{Text: `{"response":"Goodbye!","output_channel":"audio"}`},
	}}
	st := &memState{}
	reply, err := NewEngine(model, nil, EngineConfig{}, nil).ProcessInput(context.Background(), st, "bye", "audio")
	is.NoErr(err)
	is.True(reply.EndSession)
	is.Equal(reply.Text, "Goodbye!")

	names := []string{}
	for _, d := range model.requests[0].Tools {
		names = append(names, d.Name)
	}
	is.Equal(names, []string{EndSessionTool})
}

func TestProcessInputModelErrorKeepsUserMessage(t *testing.T) {
	is := is.New(t)

	boom := errors.New("quota")
	st := &memState{}
	_, err := NewEngine(&scriptedModel{err: boom}, nil, EngineConfig{}, nil).ProcessInput(context.Background(), st, "hello", "audio")
	is.True(errors.Is(err, boom))
	is.Equal(len(st.history), 1)
}

func TestProcessInputTrimsAfterTurn(t *testing.T) {
	is := is.New(t)

	st := &memState{}
	eng := NewEngine(&scriptedModel{}, nil, EngineConfig{HistoryCap: 4}, nil)
	for i := 0; i < 5; i++ {
		_, err := eng.ProcessInput(context.Background(), st, "hi", "audio")
		is.NoErr(err)
	}
	is.Equal(len(st.history), 4)
	is.Equal(st.history[0].Role, RoleUser)
}

func TestTrimHistoryNeverStartsOnToolResult(t *testing.T) {
	is := is.New(t)

	h := []Message{
		{Role: RoleUser, Content: "1"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{Name: "a"}}},
		{Role: RoleTool, ToolResults: []ToolResult{{Name: "a"}}},
		{Role: RoleAssistant, Content: "2"},
		{Role: RoleUser, Content: "3"},
	}
	got := TrimHistory(h, 3)
	is.Equal(len(got), 2)
	is.Equal(got[0].Content, "2")

	got = TrimHistory(h, 4)
	is.Equal(len(got), 4)
	is.Equal(got[0].Role, RoleAssistant)
	is.Equal(len(got[0].ToolCalls), 1)
}

type recordingObserver struct {
	llm   int
	tools map[string]bool
}

func (o *recordingObserver) ObserveLLMLatency(time.Duration) { o.llm++ }
func (o *recordingObserver) ObserveToolCall(name string, ok bool) {
	if o.tools == nil {
		o.tools = map[string]bool{}
	}
	o.tools[name] = ok
}

func TestProcessInputReportsToObserver(t *testing.T) {
	is := is.New(t)

	obs := &recordingObserver{}
	model := &scriptedModel{responses: []Response{
		{ToolCalls: []ToolCall{{Name: "nope"}}},
		{Text: "done"},
	}}
	_, err := NewEngine(model, nil, EngineConfig{}, obs).ProcessInput(context.Background(), &memState{}, "x", "chat")
	is.NoErr(err)
	is.Equal(obs.llm, 2)
	is.Equal(obs.tools["nope"], false)
}
