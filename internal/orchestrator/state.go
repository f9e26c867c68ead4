package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"github.com/nidhogg/finresearch/internal/agent"
)

// Phase is the pipeline position of one job.
type Phase string

const (
	PhaseScout    Phase = "scout"
	PhaseQuant    Phase = "quant"
	PhaseSkeptic  Phase = "skeptic"
	PhaseComplete Phase = "complete"
	PhaseFailed   Phase = "failed"
)

// Terminal reports whether no further transition is possible.
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseFailed
}

// AgentOutput is one finished agent run. It is never modified after it is
// recorded.
type AgentOutput struct {
	Agent          string                 `json:"agent"`
	Content        string                 `json:"content"`
	ToolCalls      []agent.ToolCallRecord `json:"tool_calls"`
	CodeExecutions []agent.CodeExecution  `json:"code_executions,omitempty"`
	LatencyMs      int64                  `json:"latency_ms"`
	Timestamp      time.Time              `json:"timestamp"`
}

// NewAgentOutput converts a runner result into a recorded output.
func NewAgentOutput(res *agent.RunResult, at time.Time) AgentOutput {
	return AgentOutput{
		Agent:          res.Agent,
		Content:        res.Text,
		ToolCalls:      res.ToolCalls,
		CodeExecutions: res.CodeExecutions,
		LatencyMs:      res.LatencyMs,
		Timestamp:      at,
	}
}

const (
	VerdictPass = "PASS"
	VerdictFail = "FAIL"
)

// Verdict is the skeptic's judgment of one attempt.
type Verdict struct {
	Verdict     string   `json:"verdict"`
	Confidence  int      `json:"confidence"`
	Issues      []string `json:"issues"`
	Corrections []string `json:"corrections"`
	Reasoning   string   `json:"reasoning"`
}

// Failed reports whether the attempt was rejected.
func (v Verdict) Failed() bool { return v.Verdict == VerdictFail }

// Summary renders the verdict as a one-paragraph audit entry.
func (v Verdict) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (confidence %d)", v.Verdict, v.Confidence)
	if len(v.Issues) > 0 {
		fmt.Fprintf(&b, "; issues: %s", strings.Join(v.Issues, "; "))
	}
	if len(v.Corrections) > 0 {
		fmt.Fprintf(&b, "; corrections: %s", strings.Join(v.Corrections, "; "))
	}
	return b.String()
}

// AgentState is the value threaded through one orchestration. Transition
// methods return a new state and never write through the receiver's
// slices, so earlier snapshots stay valid.
type AgentState struct {
	Phase          Phase         `json:"phase"`
	ScoutOutput    *AgentOutput  `json:"scout_output,omitempty"`
	QuantOutput    *AgentOutput  `json:"quant_output,omitempty"`
	SkepticVerdict *Verdict      `json:"skeptic_verdict,omitempty"`
	RetryCount     int           `json:"retry_count"`
	MaxRetries     int           `json:"max_retries"`
	SkepticEnabled bool          `json:"skeptic_enabled"`
	History        []AgentOutput `json:"history"`
	Errors         []string      `json:"errors"`
	StartTime      time.Time     `json:"start_time"`
}

// NewState creates the initial scout-phase state.
func NewState(maxRetries int, skepticEnabled bool, start time.Time) AgentState {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return AgentState{
		Phase:          PhaseScout,
		MaxRetries:     maxRetries,
		SkepticEnabled: skepticEnabled,
		StartTime:      start,
	}
}

// AdvancePhase moves to the next phase on the happy path. Terminal states
// are returned unchanged.
func (s AgentState) AdvancePhase() AgentState {
	switch s.Phase {
	case PhaseScout:
		s.Phase = PhaseQuant
	case PhaseQuant:
		if s.SkepticEnabled {
			s.Phase = PhaseSkeptic
		} else {
			s.Phase = PhaseComplete
		}
	case PhaseSkeptic:
		s.Phase = PhaseComplete
	}
	return s
}

// RecordAgentOutput stores out as the scout or quant output and appends it
// to the history.
func (s AgentState) RecordAgentOutput(out AgentOutput) AgentState {
	switch out.Agent {
	case agent.Scout:
		s.ScoutOutput = &out
	case agent.Quant:
		s.QuantOutput = &out
	}
	s.History = appendCopy(s.History, out)
	return s
}

// RecordSkepticVerdict stores v as the live verdict and logs it in the
// history as a skeptic entry.
func (s AgentState) RecordSkepticVerdict(v Verdict, at time.Time) AgentState {
	s.SkepticVerdict = &v
	s.History = appendCopy(s.History, AgentOutput{
		Agent:     agent.Skeptic,
		Content:   v.Summary(),
		Timestamp: at,
	})
	return s
}

// HandleRetry consumes one retry. Within budget it rolls back to scout and
// clears the attempt's outputs; otherwise the state fails. History and
// errors are always kept.
func (s AgentState) HandleRetry(errMsg string) AgentState {
	if errMsg != "" {
		s.Errors = appendCopy(s.Errors, errMsg)
	}
	if s.RetryCount >= s.MaxRetries {
		s.Phase = PhaseFailed
		s.RetryCount++
		return s
	}
	s.RetryCount++
	s.Phase = PhaseScout
	s.ScoutOutput = nil
	s.QuantOutput = nil
	s.SkepticVerdict = nil
	return s
}

// ToolCalls flattens every recorded tool call in execution order.
func (s AgentState) ToolCalls() []agent.ToolCallRecord {
	var out []agent.ToolCallRecord
	for _, h := range s.History {
		out = append(out, h.ToolCalls...)
	}
	return out
}

func appendCopy[T any](s []T, v T) []T {
	out := make([]T, len(s), len(s)+1)
	copy(out, s)
	return append(out, v)
}
