// Package orchestrator drives one research request through the scout,
// quant and skeptic phases with bounded retry, then synthesizes the answer.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/nidhogg/finresearch/internal/agent"
	"github.com/nidhogg/finresearch/internal/classifier"
	"github.com/nidhogg/finresearch/internal/observability"
	"github.com/nidhogg/finresearch/internal/progress"
	"github.com/nidhogg/finresearch/internal/provider"
	"github.com/nidhogg/finresearch/internal/window"
	"go.uber.org/zap"
)

// ErrInvalidRequest is returned for requests missing a job id, chat id or
// message. It is the only error a well-formed pipeline run reports.
var ErrInvalidRequest = errors.New("invalid request")

// AgentSettings are the model parameters for one agent.
type AgentSettings struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// Config tunes the pipeline.
type Config struct {
	MaxRetries     int
	SkepticEnabled bool
	// HistoryTokens caps the prior conversation passed to agents.
	HistoryTokens int
	Scout         AgentSettings
	Quant         AgentSettings
	Skeptic       AgentSettings
	Synthesizer   AgentSettings
	Assistant     AgentSettings
}

// DefaultConfig returns two retries with the skeptic enabled.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     2,
		SkepticEnabled: true,
		Scout:          AgentSettings{Temperature: 0.3, MaxTokens: 4096},
		Quant:          AgentSettings{Temperature: 0.2, MaxTokens: 4096},
		Skeptic:        AgentSettings{Temperature: 0.1, MaxTokens: 2048},
		Synthesizer:    AgentSettings{Temperature: 0.4, MaxTokens: 4096},
		Assistant:      AgentSettings{Temperature: 0.7, MaxTokens: 1024},
	}
}

// Request is one user message to answer.
type Request struct {
	JobID   string             `json:"job_id"`
	ChatID  string             `json:"chat_id"`
	Message string             `json:"message"`
	Asset   string             `json:"asset,omitempty"`
	History []provider.Message `json:"history,omitempty"`
}

// Validate checks the mandatory identifiers and body.
func (r Request) Validate() error {
	var missing []string
	if strings.TrimSpace(r.JobID) == "" {
		missing = append(missing, "job_id")
	}
	if strings.TrimSpace(r.ChatID) == "" {
		missing = append(missing, "chat_id")
	}
	if strings.TrimSpace(r.Message) == "" {
		missing = append(missing, "message")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidRequest, strings.Join(missing, ", "))
	}
	return nil
}

// AgentStat aggregates the runs of one agent within a job.
type AgentStat struct {
	Agent     string `json:"agent"`
	Runs      int    `json:"runs"`
	ToolCalls int    `json:"tool_calls"`
	LatencyMs int64  `json:"latency_ms"`
}

// AgentSummary describes how an answer was produced.
type AgentSummary struct {
	Category   classifier.Category `json:"category"`
	Asset      string              `json:"asset,omitempty"`
	Phase      Phase               `json:"phase"`
	RetryCount int                 `json:"retry_count"`
	Agents     []AgentStat         `json:"agents"`
}

// Result is the outcome of one request.
type Result struct {
	JobID          string                 `json:"job_id"`
	FullText       string                 `json:"full_text"`
	AgentSummary   AgentSummary           `json:"agent_summary"`
	SkepticVerdict *Verdict               `json:"skeptic_verdict"`
	Phase          Phase                  `json:"phase"`
	RetryCount     int                    `json:"retry_count"`
	Category       classifier.Category    `json:"category"`
	ToolCalls      []agent.ToolCallRecord `json:"tool_calls"`
	History        []AgentOutput          `json:"history"`
	Errors         []string               `json:"errors"`
	Duration       time.Duration          `json:"duration_ns"`
}

// Orchestrator runs requests. It holds no per-job state and is safe for
// concurrent use.
type Orchestrator struct {
	runner      AgentRunner
	skeptic     *Skeptic
	synthesizer *Synthesizer
	broadcaster progress.Broadcaster
	metrics     *observability.Metrics
	window      *window.Manager
	cfg         Config
	logger      *zap.Logger
	now         func() time.Time
}

// New creates an orchestrator. broadcaster and metrics may be nil.
func New(runner AgentRunner, broadcaster progress.Broadcaster, metrics *observability.Metrics, cfg Config, logger *zap.Logger) *Orchestrator {
	if broadcaster == nil {
		broadcaster = progress.Nop{}
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Orchestrator{
		runner:      runner,
		skeptic:     NewSkeptic(runner, cfg.Skeptic, logger),
		synthesizer: NewSynthesizer(runner, cfg.Synthesizer, logger),
		broadcaster: broadcaster,
		metrics:     metrics,
		window:      window.NewManager(window.Config{HistoryTokens: cfg.HistoryTokens}, logger),
		cfg:         cfg,
		logger:      logger,
		now:         time.Now,
	}
}

// Run answers req. Pipeline failures produce an apology in the result, not
// an error; errors are reserved for invalid requests and cancellation.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	defer o.metrics.TrackJob()()
	req.History = o.window.Fit(req.History)

	start := o.now()
	category := classifier.Classify(req.Message)
	if category == classifier.Simple || classifier.ShouldSkipFullPipeline(req.Message) {
		return o.runSimple(ctx, req, category, start)
	}

	asset := strings.ToUpper(strings.TrimPrefix(strings.TrimSpace(req.Asset), "$"))
	if asset == "" {
		asset = ExtractAsset(req.Message)
	}

	o.logger.Info("orchestration started",
		zap.String("job", req.JobID),
		zap.String("category", string(category)),
		zap.String("asset", asset))
	o.broadcaster.Broadcast(ctx, req.JobID, progress.OrchestratorStart, progress.Payload{
		"category":    category,
		"asset":       asset,
		"max_retries": o.cfg.MaxRetries,
		"skeptic":     o.cfg.SkepticEnabled,
	})

	state := NewState(o.cfg.MaxRetries, o.cfg.SkepticEnabled, start)
	var rejected *Verdict

	for !state.Phase.Terminal() {
		if err := ctx.Err(); err != nil {
			o.logger.Warn("orchestration cancelled", zap.String("job", req.JobID), zap.Error(err))
			o.metrics.ObservePipeline(string(category), "cancelled")
			return nil, fmt.Errorf("orchestration aborted: %w", err)
		}

		phase := state.Phase
		phaseStart := o.now()
		switch phase {
		case PhaseScout:
			state = o.runAgentPhase(ctx, state, req, agent.Scout, o.cfg.Scout, scoutSystemPrompt,
				scoutPrompt(req.Message, asset, rejected))
		case PhaseQuant:
			state = o.runAgentPhase(ctx, state, req, agent.Quant, o.cfg.Quant, quantSystemPrompt,
				quantPrompt(req.Message, asset, contentOf(state.ScoutOutput)))
		case PhaseSkeptic:
			v := o.skeptic.Validate(ctx, req.JobID, asset,
				contentOf(state.ScoutOutput), contentOf(state.QuantOutput), req.Message)
			o.metrics.ObserveVerdict(v.Verdict)
			state = state.RecordSkepticVerdict(v, o.now())
			if v.Failed() {
				o.broadcaster.Broadcast(ctx, req.JobID, progress.SkepticFail, progress.Payload{
					"confidence":  v.Confidence,
					"issues":      v.Issues,
					"corrections": v.Corrections,
					"retry_count": state.RetryCount,
					"max_retries": state.MaxRetries,
				})
				rejected = &v
				state = o.retry(state, req.JobID, "skeptic_fail", "skeptic rejected attempt: "+v.Summary())
			} else {
				state = state.AdvancePhase()
			}
		}
		o.metrics.ObservePhase(string(phase), o.now().Sub(phaseStart))
	}

	var fullText string
	if state.Phase == PhaseComplete {
		fullText = o.synthesizer.Synthesize(ctx, req.JobID, asset,
			contentOf(state.ScoutOutput), contentOf(state.QuantOutput), state.SkepticVerdict, req.Message)
	} else {
		fullText = PartialResponse(state)
	}

	res := &Result{
		JobID:          req.JobID,
		FullText:       fullText,
		SkepticVerdict: state.SkepticVerdict,
		Phase:          state.Phase,
		RetryCount:     state.RetryCount,
		Category:       category,
		ToolCalls:      state.ToolCalls(),
		History:        state.History,
		Errors:         state.Errors,
		Duration:       o.now().Sub(start),
	}
	res.AgentSummary = summarize(state, category, asset)

	o.broadcaster.Broadcast(ctx, req.JobID, progress.OrchestratorComplete, progress.Payload{
		"phase":       state.Phase,
		"retry_count": state.RetryCount,
		"duration_ms": res.Duration.Milliseconds(),
	})
	o.finish(ctx, res)
	o.metrics.ObservePipeline(string(category), string(state.Phase))
	o.logger.Info("orchestration finished",
		zap.String("job", req.JobID),
		zap.String("phase", string(state.Phase)),
		zap.Int("retries", state.RetryCount),
		zap.Duration("duration", res.Duration))
	return res, nil
}

func (o *Orchestrator) runAgentPhase(ctx context.Context, state AgentState, req Request, name string, settings AgentSettings, system, prompt string) AgentState {
	conv := append(append([]provider.Message(nil), req.History...), provider.Message{
		Role:    provider.RoleUser,
		Content: prompt,
	})
	res, err := o.runner.Run(ctx, agent.RunSpec{
		JobID:        req.JobID,
		Agent:        name,
		Model:        settings.Model,
		SystemPrompt: system,
		Conversation: conv,
		Tools:        agent.Allowlist(name),
		Temperature:  settings.Temperature,
		MaxTokens:    settings.MaxTokens,
	})
	if err != nil {
		o.logger.Warn("agent phase failed",
			zap.String("job", req.JobID), zap.String("agent", name), zap.Error(err))
		return o.retry(state, req.JobID, "error", fmt.Sprintf("%s failed: %v", name, err))
	}
	return state.RecordAgentOutput(NewAgentOutput(res, o.now())).AdvancePhase()
}

func (o *Orchestrator) retry(state AgentState, jobID, reason, msg string) AgentState {
	next := state.HandleRetry(msg)
	o.metrics.ObserveRetry(reason)
	if next.Phase == PhaseFailed {
		o.logger.Warn("retry budget exhausted",
			zap.String("job", jobID), zap.Int("retries", state.RetryCount), zap.String("reason", msg))
	} else {
		o.logger.Info("retrying from scout",
			zap.String("job", jobID), zap.Int("attempt", next.RetryCount+1), zap.String("reason", reason))
	}
	return next
}

func (o *Orchestrator) runSimple(ctx context.Context, req Request, category classifier.Category, start time.Time) (*Result, error) {
	o.broadcaster.Broadcast(ctx, req.JobID, progress.OrchestratorStart, progress.Payload{
		"category": category,
		"mode":     "simple",
	})

	conv := append(append([]provider.Message(nil), req.History...), provider.Message{
		Role:    provider.RoleUser,
		Content: req.Message,
	})
	res := &Result{JobID: req.JobID, Category: category, Phase: PhaseComplete}
	out, err := o.runner.Run(ctx, agent.RunSpec{
		JobID:        req.JobID,
		Agent:        agent.Assistant,
		Model:        o.cfg.Assistant.Model,
		SystemPrompt: assistantSystemPrompt,
		Conversation: conv,
		Temperature:  o.cfg.Assistant.Temperature,
		MaxTokens:    o.cfg.Assistant.MaxTokens,
	})
	switch {
	case err != nil:
		o.logger.Warn("assistant call failed", zap.String("job", req.JobID), zap.Error(err))
		res.Phase = PhaseFailed
		res.FullText = apologyText
		res.Errors = []string{fmt.Sprintf("%s failed: %v", agent.Assistant, err)}
	case strings.TrimSpace(out.Text) == "":
		res.FullText = apologyText
	default:
		res.FullText = strings.TrimSpace(out.Text)
	}

	stat := AgentStat{Agent: agent.Assistant, Runs: 1}
	if out != nil {
		res.ToolCalls = out.ToolCalls
		res.History = []AgentOutput{NewAgentOutput(out, o.now())}
		stat.ToolCalls = len(out.ToolCalls)
		stat.LatencyMs = out.LatencyMs
	}
	res.Duration = o.now().Sub(start)
	res.AgentSummary = AgentSummary{Category: category, Phase: res.Phase, Agents: []AgentStat{stat}}

	o.finish(ctx, res)
	o.metrics.ObservePipeline(string(category), string(res.Phase))
	return res, nil
}

func (o *Orchestrator) finish(ctx context.Context, res *Result) {
	o.broadcaster.Broadcast(ctx, res.JobID, progress.Done, progress.Payload{
		"full_text":       res.FullText,
		"agent_summary":   res.AgentSummary,
		"skeptic_verdict": res.SkepticVerdict,
	})
}

func summarize(state AgentState, category classifier.Category, asset string) AgentSummary {
	sum := AgentSummary{
		Category:   category,
		Asset:      asset,
		Phase:      state.Phase,
		RetryCount: state.RetryCount,
	}
	index := map[string]int{}
	for _, h := range state.History {
		i, ok := index[h.Agent]
		if !ok {
			i = len(sum.Agents)
			index[h.Agent] = i
			sum.Agents = append(sum.Agents, AgentStat{Agent: h.Agent})
		}
		sum.Agents[i].Runs++
		sum.Agents[i].ToolCalls += len(h.ToolCalls)
		sum.Agents[i].LatencyMs += h.LatencyMs
	}
	return sum
}

func contentOf(out *AgentOutput) string {
	if out == nil {
		return ""
	}
	return out.Content
}

var (
	dollarTicker = regexp.MustCompile(`\$([A-Za-z]{1,5})\b`)
	bareTicker   = regexp.MustCompile(`\b[A-Z]{1,5}\b`)
)

var notTickers = map[string]bool{
	"I": true, "A": true, "DCF": true, "AI": true, "CEO": true, "GDP": true,
	"ETF": true, "USD": true, "EPS": true, "FAQ": true, "CFO": true, "IPO": true,
	"ROI": true, "ROE": true, "US": true, "USA": true, "OK": true, "PE": true,
	"EV": true, "FY": true, "API": true, "CAGR": true, "WACC": true, "NPV": true,
	"IRR": true, "EBIT": true,
}

// ExtractAsset returns the first ticker-like token in msg: a $-prefixed
// symbol, else a standalone run of 1 to 5 capitals that is not a common
// acronym.
func ExtractAsset(msg string) string {
	if m := dollarTicker.FindStringSubmatch(msg); m != nil {
		return strings.ToUpper(m[1])
	}
	for _, loc := range bareTicker.FindAllStringIndex(msg, -1) {
		tok := msg[loc[0]:loc[1]]
		if notTickers[tok] || joined(msg, loc[0], loc[1]) {
			continue
		}
		return tok
	}
	return ""
}

// joined reports whether msg[start:end] is part of a compound like P/E or
// S&P rather than a standalone token.
func joined(msg string, start, end int) bool {
	isJoin := func(c byte) bool { return c == '/' || c == '&' || c == '-' }
	return (start > 0 && isJoin(msg[start-1])) || (end < len(msg) && isJoin(msg[end]))
}
