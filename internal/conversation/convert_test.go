package conversation

import (
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"google.golang.org/genai"
)

func toolRoundHistory() []Message {
	return []Message{
		{Role: RoleUser, Content: TagInput("cancel 1001", "audio")},
		{Role: RoleAssistant, ToolCalls: []ToolCall{
			{ID: "c1", Name: "cancelOrder", Args: map[string]any{"orderId": "1001"}},
			{ID: "c2", Name: "getOrderById", Args: map[string]any{"orderId": "1001"}},
		}},
		{Role: RoleTool, ToolResults: []ToolResult{
			{CallID: "c1", Name: "cancelOrder", Output: map[string]any{"ok": true}},
			{CallID: "c2", Name: "getOrderById", Output: map[string]any{"status": "cancelled"}},
		}},
		{Role: RoleAssistant, Content: `{"response":"Done.","output_channel":"audio"}`},
	}
}

func TestOpenAIMessagesSplitsToolResults(t *testing.T) {
	msgs := openAIMessages("system", toolRoundHistory())
	if len(msgs) != 6 {
		t.Fatalf("openAIMessages() len = %d, want 6", len(msgs))
	}
	if msgs[0].Role != openai.ChatMessageRoleSystem {
		t.Fatalf("first role = %s, want system", msgs[0].Role)
	}
	if len(msgs[2].ToolCalls) != 2 || msgs[2].ToolCalls[0].Function.Arguments != `{"orderId":"1001"}` {
		t.Fatalf("assistant tool calls = %+v", msgs[2].ToolCalls)
	}
	if msgs[3].Role != openai.ChatMessageRoleTool || msgs[3].ToolCallID != "c1" || msgs[4].ToolCallID != "c2" {
		t.Fatalf("tool messages = %+v / %+v", msgs[3], msgs[4])
	}
	if msgs[4].Content != `{"status":"cancelled"}` {
		t.Fatalf("tool content = %q", msgs[4].Content)
	}
}

func TestOpenAIToolsAlwaysHaveSchema(t *testing.T) {
	tools := openAITools([]ToolDescriptor{EndSessionDescriptor(), {Name: "bare"}})
	if len(tools) != 2 || tools[1].Function.Parameters == nil {
		t.Fatalf("openAITools() = %+v", tools)
	}
}

func TestGeminiContentsRoles(t *testing.T) {
	contents := geminiContents(toolRoundHistory())
	if len(contents) != 4 {
		t.Fatalf("geminiContents() len = %d, want 4", len(contents))
	}
	if contents[1].Role != string(genai.RoleModel) || len(contents[1].Parts) != 2 || contents[1].Parts[0].FunctionCall.Name != "cancelOrder" {
		t.Fatalf("model content = %+v", contents[1])
	}
	if contents[2].Role != string(genai.RoleUser) || contents[2].Parts[1].FunctionResponse.Response["status"] != "cancelled" {
		t.Fatalf("function response content = %+v", contents[2])
	}
	if contents[3].Parts[0].Text == "" {
		t.Fatalf("final assistant text missing")
	}
}

func TestGeminiToolsSkipEmptyList(t *testing.T) {
	if geminiTools(nil) != nil {
		t.Fatalf("geminiTools(nil) should be nil")
	}
	tools := geminiTools([]ToolDescriptor{cancelOrderDescriptor()})
	if len(tools) != 1 || len(tools[0].FunctionDeclarations) != 1 || tools[0].FunctionDeclarations[0].ParametersJsonSchema == nil {
		t.Fatalf("geminiTools() = %+v", tools)
	}
}
