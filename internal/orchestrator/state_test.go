package orchestrator

import (
	"testing"
	"time"

	"github.com/nidhogg/finresearch/internal/agent"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func output(name, content string) AgentOutput {
	return AgentOutput{Agent: name, Content: content, Timestamp: t0}
}

func TestAdvancePhase(t *testing.T) {
	s := NewState(2, true, t0)
	want := []Phase{PhaseQuant, PhaseSkeptic, PhaseComplete, PhaseComplete}
	for _, w := range want {
		s = s.AdvancePhase()
		if s.Phase != w {
			t.Fatalf("phase = %s, want %s", s.Phase, w)
		}
	}

	s = NewState(2, false, t0).AdvancePhase().AdvancePhase()
	if s.Phase != PhaseComplete {
		t.Errorf("skeptic disabled: quant should complete, got %s", s.Phase)
	}
}

func TestRecordAgentOutputDoesNotAlias(t *testing.T) {
	base := NewState(2, true, t0).RecordAgentOutput(output(agent.Scout, "s1"))
	a := base.RecordAgentOutput(output(agent.Quant, "q-a"))
	b := base.RecordAgentOutput(output(agent.Quant, "q-b"))

	if len(base.History) != 1 || base.QuantOutput != nil {
		t.Fatalf("base mutated: %+v", base)
	}
	if a.History[1].Content != "q-a" || b.History[1].Content != "q-b" {
		t.Errorf("histories share storage: a=%v b=%v", a.History, b.History)
	}
	if a.ScoutOutput.Content != "s1" {
		t.Errorf("scout output = %+v", a.ScoutOutput)
	}
}

// Scenario: first skeptic FAIL with two retries available.
func TestHandleRetryRollsBackToScout(t *testing.T) {
	s := NewState(2, true, t0).
		RecordAgentOutput(output(agent.Scout, "research")).AdvancePhase().
		RecordAgentOutput(output(agent.Quant, "numbers")).AdvancePhase().
		RecordSkepticVerdict(Verdict{Verdict: VerdictFail, Confidence: 40}, t0)

	next := s.HandleRetry("skeptic rejected attempt")

	if next.Phase != PhaseScout || next.RetryCount != 1 {
		t.Fatalf("phase=%s retries=%d", next.Phase, next.RetryCount)
	}
	if next.ScoutOutput != nil || next.QuantOutput != nil || next.SkepticVerdict != nil {
		t.Errorf("attempt outputs not cleared: %+v", next)
	}
	if len(next.History) != 3 {
		t.Errorf("history = %d entries, want 3", len(next.History))
	}
	if len(next.Errors) != 1 {
		t.Errorf("errors = %v", next.Errors)
	}
	if s.Phase != PhaseSkeptic || s.RetryCount != 0 {
		t.Error("receiver was mutated")
	}
}

func TestHandleRetryExhausted(t *testing.T) {
	s := NewState(1, true, t0).RecordAgentOutput(output(agent.Scout, "research"))
	s = s.HandleRetry("first")
	if s.Phase != PhaseScout {
		t.Fatalf("phase = %s, want scout", s.Phase)
	}
	s = s.RecordAgentOutput(output(agent.Scout, "research again"))
	s = s.HandleRetry("second")

	if s.Phase != PhaseFailed || s.RetryCount != 2 {
		t.Fatalf("phase=%s retries=%d", s.Phase, s.RetryCount)
	}
	if s.ScoutOutput == nil || s.ScoutOutput.Content != "research again" {
		t.Error("failed state should keep the last attempt's outputs")
	}
	if len(s.Errors) != 2 || len(s.History) != 2 {
		t.Errorf("errors=%v history=%d", s.Errors, len(s.History))
	}
}

func TestHandleRetryZeroBudget(t *testing.T) {
	s := NewState(0, true, t0).HandleRetry("")
	if s.Phase != PhaseFailed || s.RetryCount != 1 || len(s.Errors) != 0 {
		t.Errorf("state = %+v", s)
	}
}

func TestToolCallsFlattenInOrder(t *testing.T) {
	s := NewState(2, true, t0)
	s = s.RecordAgentOutput(AgentOutput{Agent: agent.Scout, ToolCalls: []agent.ToolCallRecord{{Name: "a"}, {Name: "b"}}})
	s = s.RecordAgentOutput(AgentOutput{Agent: agent.Quant, ToolCalls: []agent.ToolCallRecord{{Name: "c"}}})
	calls := s.ToolCalls()
	if len(calls) != 3 || calls[0].Name != "a" || calls[2].Name != "c" {
		t.Errorf("calls = %+v", calls)
	}
}
