package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/nidhogg/finresearch/internal/agent"
	"github.com/nidhogg/finresearch/internal/classifier"
	"github.com/nidhogg/finresearch/internal/progress"
	"github.com/nidhogg/finresearch/internal/provider"
	"go.uber.org/zap"
)

type replyFunc func(call int, spec agent.RunSpec) (*agent.RunResult, error)

// fakeRunner answers per agent and counts invocations.
type fakeRunner struct {
	mu      sync.Mutex
	replies map[string]replyFunc
	calls   map[string]int
	specs   []agent.RunSpec
}

func newFakeRunner(replies map[string]replyFunc) *fakeRunner {
	return &fakeRunner{replies: replies, calls: map[string]int{}}
}

func (f *fakeRunner) Run(_ context.Context, spec agent.RunSpec) (*agent.RunResult, error) {
	f.mu.Lock()
	f.calls[spec.Agent]++
	n := f.calls[spec.Agent]
	f.specs = append(f.specs, spec)
	reply := f.replies[spec.Agent]
	f.mu.Unlock()
	if reply == nil {
		return &agent.RunResult{Agent: spec.Agent, Text: spec.Agent + " output"}, nil
	}
	return reply(n, spec)
}

func (f *fakeRunner) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func text(s string) replyFunc {
	return func(_ int, spec agent.RunSpec) (*agent.RunResult, error) {
		return &agent.RunResult{Agent: spec.Agent, Text: s}, nil
	}
}

func verdicts(texts ...string) replyFunc {
	return func(call int, spec agent.RunSpec) (*agent.RunResult, error) {
		i := call - 1
		if i >= len(texts) {
			i = len(texts) - 1
		}
		return &agent.RunResult{Agent: spec.Agent, Text: texts[i]}, nil
	}
}

const (
	passJSON = "```json\n{\"verdict\":\"PASS\",\"confidence\":90,\"issues\":[],\"corrections\":[],\"reasoning\":\"ok\"}\n```"
	failJSON = "```json\n{\"verdict\":\"FAIL\",\"confidence\":30,\"issues\":[\"wrong WACC\"],\"corrections\":[\"use 9%\"],\"reasoning\":\"bad\"}\n```"
)

func newTestOrchestrator(r AgentRunner, rec progress.Broadcaster, mutate func(*Config)) *Orchestrator {
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	return New(r, rec, nil, cfg, zap.NewNop())
}

func request(msg string) Request {
	return Request{JobID: "job-1", ChatID: "chat-1", Message: msg}
}

func TestGreetingSkipsPipeline(t *testing.T) {
	for _, msg := range []string{"hi", "What is your name?", "who are you", "help"} {
		t.Run(msg, func(t *testing.T) {
			r := newFakeRunner(map[string]replyFunc{agent.Assistant: text("I'm your research assistant.")})
			o := newTestOrchestrator(r, nil, nil)

			res, err := o.Run(context.Background(), request(msg))
			if err != nil {
				t.Fatalf("run: %v", err)
			}
			for _, name := range []string{agent.Scout, agent.Quant, agent.Skeptic} {
				if r.count(name) != 0 {
					t.Errorf("%s invoked %d times", name, r.count(name))
				}
			}
			if r.count(agent.Assistant) != 1 {
				t.Errorf("assistant invoked %d times, want 1", r.count(agent.Assistant))
			}
			if res.SkepticVerdict != nil {
				t.Errorf("verdict = %+v, want nil", res.SkepticVerdict)
			}
			if res.FullText != "I'm your research assistant." || res.Phase != PhaseComplete {
				t.Errorf("result = %+v", res)
			}
		})
	}
}

func TestSimpleAssistantHasNoTools(t *testing.T) {
	r := newFakeRunner(nil)
	o := newTestOrchestrator(r, nil, nil)
	if _, err := o.Run(context.Background(), request("hello")); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(r.specs) != 1 || len(r.specs[0].Tools) != 0 {
		t.Errorf("assistant specs = %+v", r.specs)
	}
}

func TestSimpleQueryWithTickerSkipsPipeline(t *testing.T) {
	r := newFakeRunner(nil)
	o := newTestOrchestrator(r, nil, nil)

	res, err := o.Run(context.Background(), request("Tell me about AAPL"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Category != classifier.Simple {
		t.Fatalf("category = %s, want simple", res.Category)
	}
	for _, name := range []string{agent.Scout, agent.Quant, agent.Skeptic} {
		if r.count(name) != 0 {
			t.Errorf("%s invoked %d times", name, r.count(name))
		}
	}
	if r.count(agent.Assistant) != 1 || res.SkepticVerdict != nil {
		t.Errorf("assistant=%d verdict=%+v", r.count(agent.Assistant), res.SkepticVerdict)
	}
}

func TestHappyPath(t *testing.T) {
	r := newFakeRunner(map[string]replyFunc{
		agent.Scout:       text("AAPL revenue grew 8%."),
		agent.Quant:       text("DCF fair value $210."),
		agent.Skeptic:     text(passJSON),
		agent.Synthesizer: text("Fair value is about $210."),
	})
	rec := progress.NewRecorder(0)
	o := newTestOrchestrator(r, rec, nil)

	res, err := o.Run(context.Background(), request("Calculate the DCF fair value for AAPL"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Phase != PhaseComplete || res.RetryCount != 0 || res.Category != classifier.Calculation {
		t.Errorf("phase=%s retries=%d category=%s", res.Phase, res.RetryCount, res.Category)
	}
	if res.FullText != "Fair value is about $210." {
		t.Errorf("full text = %q", res.FullText)
	}
	if res.SkepticVerdict == nil || res.SkepticVerdict.Verdict != VerdictPass {
		t.Errorf("verdict = %+v", res.SkepticVerdict)
	}
	if res.AgentSummary.Asset != "AAPL" {
		t.Errorf("asset = %q", res.AgentSummary.Asset)
	}

	// Quant sees scout's text; skeptic sees both.
	var quantPromptText, skepticPromptText string
	for _, s := range r.specs {
		last := s.Conversation[len(s.Conversation)-1].Content
		switch s.Agent {
		case agent.Quant:
			quantPromptText = last
			if len(s.Tools) != len(agent.Allowlist(agent.Quant)) {
				t.Errorf("quant tools = %v", s.Tools)
			}
		case agent.Skeptic:
			skepticPromptText = last
			if len(s.Tools) != 0 {
				t.Errorf("skeptic got tools: %v", s.Tools)
			}
		}
	}
	if !strings.Contains(quantPromptText, "AAPL revenue grew 8%.") {
		t.Errorf("quant prompt missing scout text: %q", quantPromptText)
	}
	if !strings.Contains(skepticPromptText, "AAPL revenue grew 8%.") || !strings.Contains(skepticPromptText, "DCF fair value $210.") {
		t.Errorf("skeptic prompt missing outputs: %q", skepticPromptText)
	}

	names := rec.Names("job-1")
	if names[0] != progress.OrchestratorStart || names[len(names)-1] != progress.Done {
		t.Errorf("events = %v", names)
	}
	done := rec.Events("job-1")[len(names)-1]
	for _, key := range []string{"full_text", "agent_summary", "skeptic_verdict"} {
		if _, ok := done.Payload[key]; !ok {
			t.Errorf("done payload missing %s", key)
		}
	}
}

func TestSkepticFailRetriesFromScout(t *testing.T) {
	r := newFakeRunner(map[string]replyFunc{
		agent.Skeptic: verdicts(failJSON, passJSON),
	})
	rec := progress.NewRecorder(0)
	o := newTestOrchestrator(r, rec, func(c *Config) { c.MaxRetries = 2 })

	res, err := o.Run(context.Background(), request("Calculate the DCF fair value for AAPL"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Phase != PhaseComplete || res.RetryCount != 1 {
		t.Fatalf("phase=%s retries=%d", res.Phase, res.RetryCount)
	}
	if r.count(agent.Scout) != 2 || r.count(agent.Quant) != 2 {
		t.Errorf("scout=%d quant=%d, want 2 each", r.count(agent.Scout), r.count(agent.Quant))
	}
	if len(res.History) != 6 {
		t.Errorf("history has %d entries, want 6 across both attempts", len(res.History))
	}
	if len(res.Errors) != 1 || !strings.Contains(res.Errors[0], "wrong WACC") {
		t.Errorf("errors = %v", res.Errors)
	}

	// The retried scout is told what the reviewer rejected.
	var retryPrompt string
	for _, s := range r.specs {
		if s.Agent == agent.Scout {
			retryPrompt = s.Conversation[len(s.Conversation)-1].Content
		}
	}
	if !strings.Contains(retryPrompt, "wrong WACC") {
		t.Errorf("retry prompt lacks rejection: %q", retryPrompt)
	}

	seenFail := false
	for _, e := range rec.Names("job-1") {
		if e == progress.SkepticFail {
			seenFail = true
		}
	}
	if !seenFail {
		t.Error("skeptic_fail not broadcast")
	}
}

func TestRetryBudgetBoundsScoutCalls(t *testing.T) {
	for maxRetries := 0; maxRetries <= 3; maxRetries++ {
		r := newFakeRunner(map[string]replyFunc{agent.Skeptic: text(failJSON)})
		o := newTestOrchestrator(r, nil, func(c *Config) { c.MaxRetries = maxRetries })

		res, err := o.Run(context.Background(), request("Why did TSLA drop today?"))
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if r.count(agent.Scout) != maxRetries+1 {
			t.Errorf("maxRetries=%d: scout called %d times", maxRetries, r.count(agent.Scout))
		}
		if res.Phase != PhaseFailed || res.RetryCount != maxRetries+1 {
			t.Errorf("maxRetries=%d: phase=%s retries=%d", maxRetries, res.Phase, res.RetryCount)
		}
		if r.count(agent.Synthesizer) != 0 {
			t.Error("synthesis must be skipped on failure")
		}
	}
}

func TestQuantFailureExhaustsBudget(t *testing.T) {
	r := newFakeRunner(map[string]replyFunc{
		agent.Scout: func(call int, spec agent.RunSpec) (*agent.RunResult, error) {
			return &agent.RunResult{Agent: spec.Agent, Text: "Scout attempt findings."}, nil
		},
		agent.Quant: func(call int, spec agent.RunSpec) (*agent.RunResult, error) {
			return nil, &provider.StatusError{Provider: "p", Code: 500, Message: "boom"}
		},
	})
	o := newTestOrchestrator(r, nil, func(c *Config) { c.MaxRetries = 2 })

	res, err := o.Run(context.Background(), request("Calculate the DCF fair value for AAPL"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Phase != PhaseFailed {
		t.Fatalf("phase = %s, want failed", res.Phase)
	}
	if r.count(agent.Quant) != 3 {
		t.Errorf("quant called %d times, want 3", r.count(agent.Quant))
	}
	if !strings.HasPrefix(res.FullText, "I'm sorry") {
		t.Errorf("response should start with an apology: %q", res.FullText)
	}
	if !strings.Contains(res.FullText, "## Research Findings") || !strings.Contains(res.FullText, "Scout attempt findings.") {
		t.Errorf("response lacks research findings: %q", res.FullText)
	}
	if len(res.Errors) != 3 {
		t.Errorf("errors = %v", res.Errors)
	}
}

func TestSkepticDisabled(t *testing.T) {
	r := newFakeRunner(map[string]replyFunc{agent.Synthesizer: text("final")})
	o := newTestOrchestrator(r, nil, func(c *Config) { c.SkepticEnabled = false })

	res, err := o.Run(context.Background(), request("Explain the recent earnings for NVDA"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if r.count(agent.Skeptic) != 0 {
		t.Error("skeptic invoked while disabled")
	}
	if res.Phase != PhaseComplete || res.SkepticVerdict != nil || res.FullText != "final" {
		t.Errorf("result = %+v", res)
	}
}

func TestSkepticTransportErrorPasses(t *testing.T) {
	r := newFakeRunner(map[string]replyFunc{
		agent.Skeptic: func(int, agent.RunSpec) (*agent.RunResult, error) {
			return nil, &provider.StatusError{Provider: "p", Code: 500, Message: "internal"}
		},
	})
	o := newTestOrchestrator(r, nil, nil)

	res, err := o.Run(context.Background(), request("Calculate the DCF fair value for AAPL"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Phase != PhaseComplete || res.RetryCount != 0 {
		t.Errorf("phase=%s retries=%d", res.Phase, res.RetryCount)
	}
	if res.SkepticVerdict.Confidence != 70 {
		t.Errorf("confidence = %d, want 70", res.SkepticVerdict.Confidence)
	}
}

func TestInvalidRequest(t *testing.T) {
	o := newTestOrchestrator(newFakeRunner(nil), nil, nil)
	for _, req := range []Request{
		{ChatID: "c", Message: "hi"},
		{JobID: "j", Message: "hi"},
		{JobID: "j", ChatID: "c", Message: "  "},
	} {
		if _, err := o.Run(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("Run(%+v) err = %v, want ErrInvalidRequest", req, err)
		}
	}
}

func TestCancelledContext(t *testing.T) {
	o := newTestOrchestrator(newFakeRunner(nil), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := o.Run(ctx, request("Why did TSLA drop today?")); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestExtractAsset(t *testing.T) {
	tests := []struct{ msg, want string }{
		{"Calculate the DCF fair value for AAPL", "AAPL"},
		{"what about $nvda today", "NVDA"},
		{"What is the P/E ratio of MSFT?", "MSFT"},
		{"Is the S&P overvalued vs GDP?", ""},
		{"I think the CEO of A company is bad", ""},
		{"Tell me a joke", ""},
	}
	for _, tt := range tests {
		if got := ExtractAsset(tt.msg); got != tt.want {
			t.Errorf("ExtractAsset(%q) = %q, want %q", tt.msg, got, tt.want)
		}
	}
}

func TestHistoryTrimmedToBudget(t *testing.T) {
	runner := newFakeRunner(nil)
	cfg := DefaultConfig()
	cfg.HistoryTokens = 10
	o := New(runner, nil, nil, cfg, zap.NewNop())

	req := request("hello")
	req.History = []provider.Message{
		{Role: provider.RoleUser, Content: strings.Repeat("a", 400)},
		{Role: provider.RoleAssistant, Content: strings.Repeat("b", 400)},
		{Role: provider.RoleUser, Content: "recent"},
		{Role: provider.RoleAssistant, Content: "reply"},
	}
	if _, err := o.Run(context.Background(), req); err != nil {
		t.Fatalf("run: %v", err)
	}
	conv := runner.specs[0].Conversation
	if len(conv) != 3 || conv[0].Content != "recent" {
		t.Errorf("conversation = %+v", conv)
	}
}
