package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"

	anthropic "github.com/liushuangls/go-anthropic/v2"
	"go.uber.org/zap"
)

// AnthropicProvider implements the Provider interface for the Claude Messages API.
type AnthropicProvider struct {
	config ProviderConfig
	client *anthropic.Client
	logger *zap.Logger
}

// NewAnthropicProvider creates a new Anthropic provider.
func NewAnthropicProvider(cfg ProviderConfig, logger *zap.Logger) *AnthropicProvider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	opts := []anthropic.ClientOption{
		anthropic.WithHTTPClient(&http.Client{Timeout: timeout}),
	}
	if cfg.Endpoint != "" {
		opts = append(opts, anthropic.WithBaseURL(cfg.Endpoint))
	}
	return &AnthropicProvider{
		config: cfg,
		client: anthropic.NewClient(cfg.APIKey, opts...),
		logger: logger,
	}
}

func (p *AnthropicProvider) ID() string   { return p.config.ID }
func (p *AnthropicProvider) Name() string { return p.config.Name }

// Chat sends a non-streaming messages request.
func (p *AnthropicProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	areq, err := p.convertRequest(req)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.CreateMessages(ctx, areq)
	if err != nil {
		return nil, p.wrapError(err)
	}
	return p.convertResponse(&resp), nil
}

func (p *AnthropicProvider) convertRequest(req *ChatRequest) (anthropic.MessagesRequest, error) {
	ar := anthropic.MessagesRequest{
		Model:     anthropic.Model(req.Model),
		System:    req.System,
		MaxTokens: req.MaxTokens,
	}
	if ar.MaxTokens == 0 {
		ar.MaxTokens = 4096
	}
	if req.Temperature > 0 {
		t := float32(req.Temperature)
		ar.Temperature = &t
	}

	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			if ar.System != "" {
				ar.System += "\n\n"
			}
			ar.System += m.Content
		case RoleAssistant:
			var content []anthropic.MessageContent
			if m.Content != "" {
				content = append(content, anthropic.NewTextMessageContent(m.Content))
			}
			for _, tc := range m.ToolCalls {
				input := json.RawMessage(tc.Function.Arguments)
				if !json.Valid(input) {
					input = json.RawMessage(`{}`)
				}
				content = append(content, anthropic.NewToolUseMessageContent(tc.ID, tc.Function.Name, input))
			}
			ar.Messages = append(ar.Messages, anthropic.Message{Role: anthropic.RoleAssistant, Content: content})
		case RoleTool:
			result := anthropic.NewToolResultMessageContent(m.ToolCallID, m.Content, false)
			// Consecutive tool results belong to one user turn.
			if n := len(ar.Messages); n > 0 && ar.Messages[n-1].Role == anthropic.RoleUser && isToolResultTurn(ar.Messages[n-1]) {
				ar.Messages[n-1].Content = append(ar.Messages[n-1].Content, result)
				continue
			}
			ar.Messages = append(ar.Messages, anthropic.Message{Role: anthropic.RoleUser, Content: []anthropic.MessageContent{result}})
		default:
			ar.Messages = append(ar.Messages, anthropic.Message{
				Role:    anthropic.RoleUser,
				Content: []anthropic.MessageContent{anthropic.NewTextMessageContent(m.Content)},
			})
		}
	}

	for _, t := range req.Tools {
		ar.Tools = append(ar.Tools, anthropic.ToolDefinition{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}
	if len(ar.Messages) == 0 {
		return ar, fmt.Errorf("%s: request has no messages", p.config.ID)
	}
	return ar, nil
}

func isToolResultTurn(m anthropic.Message) bool {
	for _, c := range m.Content {
		if c.Type != anthropic.MessagesContentTypeToolResult {
			return false
		}
	}
	return len(m.Content) > 0
}

func (p *AnthropicProvider) convertResponse(resp *anthropic.MessagesResponse) *ChatResponse {
	out := &ChatResponse{
		ID:           resp.ID,
		Model:        string(resp.Model),
		FinishReason: string(resp.StopReason),
		Usage: Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
	for _, c := range resp.Content {
		switch c.Type {
		case anthropic.MessagesContentTypeText:
			if c.Text != nil {
				out.Content += *c.Text
			}
		case anthropic.MessagesContentTypeToolUse:
			if c.MessageContentToolUse == nil {
				continue
			}
			args := string(c.MessageContentToolUse.Input)
			if args == "" {
				args = "{}"
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:   c.MessageContentToolUse.ID,
				Type: "function",
				Function: ToolCallFunction{
					Name:      c.MessageContentToolUse.Name,
					Arguments: args,
				},
			})
		}
	}
	if len(out.ToolCalls) > 0 {
		out.FinishReason = "tool_calls"
	}
	return out
}

var statusCodeRe = regexp.MustCompile(`status code:? (\d{3})`)

func (p *AnthropicProvider) wrapError(err error) error {
	var reqErr *anthropic.RequestError
	if errors.As(err, &reqErr) {
		return &StatusError{Provider: p.config.ID, Code: reqErr.StatusCode, Err: err}
	}
	if m := statusCodeRe.FindStringSubmatch(err.Error()); m != nil {
		code, _ := strconv.Atoi(m[1])
		return &StatusError{Provider: p.config.ID, Code: code, Message: err.Error(), Err: err}
	}
	return fmt.Errorf("%s: send request: %w", p.config.ID, err)
}
