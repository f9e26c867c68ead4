package provider

import (
	"testing"

	anthropic "github.com/liushuangls/go-anthropic/v2"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

func toolTurnRequest() *ChatRequest {
	return &ChatRequest{
		Model:  "m",
		System: "be precise",
		Messages: []Message{
			{Role: RoleUser, Content: "price of AAPL?"},
			{Role: RoleAssistant, ToolCalls: []ToolCall{
				{ID: "c1", Type: "function", Function: ToolCallFunction{Name: "get_price_history", Arguments: `{"ticker":"AAPL"}`}},
				{ID: "c2", Type: "function", Function: ToolCallFunction{Name: "get_asset_fundamentals", Arguments: `not json`}},
			}},
			{Role: RoleTool, Name: "get_price_history", ToolCallID: "c1", Content: `{"close":190}`},
			{Role: RoleTool, Name: "get_asset_fundamentals", ToolCallID: "c2", Content: `{"error":"down"}`},
		},
		Tools: []Tool{{Type: "function", Function: ToolFunction{
			Name:       "get_price_history",
			Parameters: map[string]any{"type": "object"},
		}}},
		Temperature: 0.2,
		N:           1,
	}
}

func TestOpenAIConvertRequest(t *testing.T) {
	p := NewOpenAIProvider(ProviderConfig{ID: "oa"}, zap.NewNop())
	got := p.convertRequest(toolTurnRequest())

	if len(got.Messages) != 5 {
		t.Fatalf("got %d messages, want 5 (system + 4 turns)", len(got.Messages))
	}
	if got.Messages[0].Role != openai.ChatMessageRoleSystem || got.Messages[0].Content != "be precise" {
		t.Errorf("system message not first: %+v", got.Messages[0])
	}
	if len(got.Messages[2].ToolCalls) != 2 {
		t.Errorf("assistant turn lost tool calls: %+v", got.Messages[2])
	}
	if got.Messages[3].ToolCallID != "c1" || got.Messages[3].Name != "" {
		t.Errorf("tool response should carry call id only: %+v", got.Messages[3])
	}
	if len(got.Tools) != 1 || got.ToolChoice != "auto" {
		t.Errorf("tools not declared: %+v choice=%v", got.Tools, got.ToolChoice)
	}
	if got.N != 1 {
		t.Errorf("N = %d, want 1", got.N)
	}
}

func TestAnthropicConvertRequestGroupsToolResults(t *testing.T) {
	p := NewAnthropicProvider(ProviderConfig{ID: "an"}, zap.NewNop())
	got, err := p.convertRequest(toolTurnRequest())
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if got.System != "be precise" {
		t.Errorf("system = %q", got.System)
	}
	if len(got.Messages) != 3 {
		t.Fatalf("got %d messages, want user, assistant, grouped tool results", len(got.Messages))
	}
	if got.Messages[1].Role != anthropic.RoleAssistant || len(got.Messages[1].Content) != 2 {
		t.Errorf("assistant turn: %+v", got.Messages[1])
	}
	if got.Messages[2].Role != anthropic.RoleUser || len(got.Messages[2].Content) != 2 {
		t.Errorf("tool results not grouped into one user turn: %+v", got.Messages[2])
	}
	if got.Temperature == nil || *got.Temperature != float32(0.2) {
		t.Errorf("temperature not forwarded")
	}
	if got.MaxTokens != 4096 {
		t.Errorf("MaxTokens default = %d, want 4096", got.MaxTokens)
	}
}

func TestAnthropicConvertResponse(t *testing.T) {
	p := NewAnthropicProvider(ProviderConfig{ID: "an"}, zap.NewNop())
	text := "thinking"
	resp := &anthropic.MessagesResponse{
		ID: "msg_1",
		Content: []anthropic.MessageContent{
			{Type: anthropic.MessagesContentTypeText, Text: &text},
			anthropic.NewToolUseMessageContent("tu_1", "web_search", []byte(`{"q":"AAPL news"}`)),
		},
	}
	got := p.convertResponse(resp)
	if got.Content != "thinking" {
		t.Errorf("content = %q", got.Content)
	}
	if !got.HasToolCalls() || got.ToolCalls[0].Function.Name != "web_search" {
		t.Fatalf("tool call not converted: %+v", got.ToolCalls)
	}
	if got.FinishReason != "tool_calls" {
		t.Errorf("finish reason = %q", got.FinishReason)
	}
}
