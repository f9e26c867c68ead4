// Package agent runs one specialist agent's tool-calling loop against an
// LLM and the research tool backend.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/finresearch/internal/observability"
	"github.com/nidhogg/finresearch/internal/progress"
	"github.com/nidhogg/finresearch/internal/provider"
	"github.com/nidhogg/finresearch/internal/window"
	"go.uber.org/zap"
)

// MaxToolIterations caps the LLM calls made in a single agent run.
const MaxToolIterations = 10

// ChatRouter sends a chat request on behalf of a named agent.
type ChatRouter interface {
	Route(ctx context.Context, agent string, req *provider.ChatRequest) (*provider.ChatResponse, error)
}

// RunSpec describes one agent run.
type RunSpec struct {
	JobID        string
	Agent        string
	Model        string
	SystemPrompt string
	Conversation []provider.Message
	Tools        []string
	Temperature  float64
	MaxTokens    int
}

// ToolCallRecord is one executed tool call, in execution order.
type ToolCallRecord struct {
	ID         string         `json:"id"`
	Agent      string         `json:"agent"`
	Name       string         `json:"name"`
	Args       map[string]any `json:"args"`
	Result     string         `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	DurationMs int64          `json:"duration_ms"`
}

// CodeExecution logs one execute_python call.
type CodeExecution struct {
	Code   string `json:"code"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// RunResult is the outcome of an agent run.
type RunResult struct {
	Agent          string           `json:"agent"`
	Text           string           `json:"text"`
	ToolCalls      []ToolCallRecord `json:"tool_calls"`
	CodeExecutions []CodeExecution  `json:"code_executions,omitempty"`
	Iterations     int              `json:"iterations"`
	LatencyMs      int64            `json:"latency_ms"`
	Usage          provider.Usage   `json:"usage"`
}

// Runner drives the model/tool loop.
type Runner struct {
	llm           ChatRouter
	tools         ToolCatalog
	broadcaster   progress.Broadcaster
	metrics       *observability.Metrics
	logger        *zap.Logger
	window        *window.Manager
	maxIterations int
}

// NewRunner creates a runner. broadcaster and metrics may be nil.
func NewRunner(llm ChatRouter, tools ToolCatalog, broadcaster progress.Broadcaster, metrics *observability.Metrics, logger *zap.Logger) *Runner {
	if broadcaster == nil {
		broadcaster = progress.Nop{}
	}
	return &Runner{
		llm:           llm,
		tools:         tools,
		broadcaster:   broadcaster,
		metrics:       metrics,
		logger:        logger,
		window:        window.NewManager(window.DefaultConfig(), logger),
		maxIterations: MaxToolIterations,
	}
}

// Run executes the agent until the model stops calling tools or the
// iteration cap is reached. Tool failures are fed back to the model; only
// LLM failures are returned as errors.
func (r *Runner) Run(ctx context.Context, spec RunSpec) (*RunResult, error) {
	start := time.Now()
	var defs []provider.Tool
	if len(spec.Tools) > 0 && r.tools != nil {
		defs = r.tools.Definitions(spec.Tools)
	}
	allowed := make(map[string]bool, len(spec.Tools))
	for _, name := range spec.Tools {
		allowed[name] = true
	}

	r.broadcaster.Broadcast(ctx, spec.JobID, progress.AgentStart, progress.Payload{
		"agent": spec.Agent,
		"model": spec.Model,
		"tools": len(defs),
	})

	req := &provider.ChatRequest{
		Model:       spec.Model,
		System:      spec.SystemPrompt,
		Messages:    append([]provider.Message(nil), spec.Conversation...),
		Temperature: spec.Temperature,
		MaxTokens:   spec.MaxTokens,
		N:           1,
		Tools:       defs,
	}

	result := &RunResult{Agent: spec.Agent}
	var texts []string

	for result.Iterations < r.maxIterations {
		result.Iterations++
		resp, err := r.llm.Route(ctx, spec.Agent, req)
		if err != nil {
			return nil, fmt.Errorf("%s iteration %d: %w", spec.Agent, result.Iterations, err)
		}
		result.Usage = result.Usage.Add(resp.Usage)
		if t := strings.TrimSpace(resp.Content); t != "" {
			texts = append(texts, t)
		}
		if !resp.HasToolCalls() {
			break
		}
		// No model call would see these results.
		if result.Iterations == r.maxIterations {
			r.logger.Warn("agent hit tool iteration cap, dropping pending tool calls",
				zap.String("job", spec.JobID), zap.String("agent", spec.Agent),
				zap.Int("iterations", result.Iterations),
				zap.Int("dropped", len(resp.ToolCalls)))
			break
		}

		calls := make([]provider.ToolCall, len(resp.ToolCalls))
		copy(calls, resp.ToolCalls)
		for i := range calls {
			if calls[i].ID == "" {
				calls[i].ID = "call_" + uuid.NewString()
			}
			if calls[i].Type == "" {
				calls[i].Type = "function"
			}
		}
		req.Messages = append(req.Messages, provider.Message{
			Role:      provider.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: calls,
		})

		for _, tc := range calls {
			rec := r.executeTool(ctx, spec, tc, allowed)
			result.ToolCalls = append(result.ToolCalls, rec)
			if rec.Name == ToolExecutePython {
				code, _ := rec.Args["code"].(string)
				result.CodeExecutions = append(result.CodeExecutions, CodeExecution{
					Code:   code,
					Output: rec.Result,
					Error:  rec.Error,
				})
			}
			content := rec.Result
			if rec.Error != "" {
				content = ToolResult{Error: rec.Error}.Content()
			}
			req.Messages = append(req.Messages, provider.Message{
				Role:       provider.RoleTool,
				Name:       tc.Function.Name,
				Content:    r.window.TrimToolResult(content),
				ToolCallID: tc.ID,
			})
		}

		r.logger.Debug("tool round complete",
			zap.String("job", spec.JobID),
			zap.String("agent", spec.Agent),
			zap.Int("iteration", result.Iterations),
			zap.Int("tool_calls", len(calls)))
	}

	result.Text = strings.Join(texts, "\n\n")
	result.LatencyMs = time.Since(start).Milliseconds()

	r.broadcaster.Broadcast(ctx, spec.JobID, progress.AgentComplete, progress.Payload{
		"agent":      spec.Agent,
		"latency_ms": result.LatencyMs,
		"tool_calls": len(result.ToolCalls),
		"iterations": result.Iterations,
	})
	return result, nil
}

func (r *Runner) executeTool(ctx context.Context, spec RunSpec, tc provider.ToolCall, allowed map[string]bool) ToolCallRecord {
	name := tc.Function.Name
	rec := ToolCallRecord{ID: tc.ID, Agent: spec.Agent, Name: name}

	args, err := parseArgs(tc.Function.Arguments)
	rec.Args = args

	r.broadcaster.Broadcast(ctx, spec.JobID, progress.ToolStart, progress.Payload{
		"agent": spec.Agent,
		"tool":  name,
		"args":  args,
	})

	start := time.Now()
	var res ToolResult
	switch {
	case err != nil:
		res = ToolResult{Error: err.Error()}
	case !allowed[name]:
		res = ToolResult{Error: fmt.Sprintf("tool %s is not available to %s", name, spec.Agent)}
	case r.tools == nil:
		res = ToolResult{Error: "no tool backend configured"}
	default:
		res = r.tools.Execute(ctx, name, args, spec.JobID)
	}
	rec.DurationMs = time.Since(start).Milliseconds()
	rec.Result = res.Output
	rec.Error = res.Error
	r.metrics.ObserveToolCall(spec.Agent, name, res.Failed())

	if res.Failed() {
		r.logger.Warn("tool call failed",
			zap.String("job", spec.JobID), zap.String("agent", spec.Agent),
			zap.String("tool", name), zap.String("error", res.Error))
	}

	r.broadcaster.Broadcast(ctx, spec.JobID, progress.ToolComplete, progress.Payload{
		"agent":       spec.Agent,
		"tool":        name,
		"success":     !res.Failed(),
		"error":       res.Error,
		"preview":     truncate(res.Output, 200),
		"duration_ms": rec.DurationMs,
	})
	return rec
}

func parseArgs(raw string) (map[string]any, error) {
	args := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return args, nil
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{}, fmt.Errorf("invalid tool arguments: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
