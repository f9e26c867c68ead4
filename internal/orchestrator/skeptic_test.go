package orchestrator

import (
	"context"
	"reflect"
	"strings"
	"testing"

	"github.com/nidhogg/finresearch/internal/agent"
	"github.com/nidhogg/finresearch/internal/provider"
	"go.uber.org/zap"
)

func TestParseVerdictFencedRoundTrip(t *testing.T) {
	raw := "Here is my review.\n```json\n" +
		`{"verdict":"FAIL","confidence":42,"issues":["x"],"corrections":["y"],"reasoning":"z"}` +
		"\n```\nThanks."
	got, err := ParseVerdict(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := Verdict{Verdict: "FAIL", Confidence: 42, Issues: []string{"x"}, Corrections: []string{"y"}, Reasoning: "z"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestParseVerdictLooseObject(t *testing.T) {
	raw := `I checked {"note": "ignored"} then decided {"verdict": "FAIL", "confidence": "65", "issues": ["growth {too} high"]}`
	got, err := ParseVerdict(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Verdict != VerdictFail || got.Confidence != 65 {
		t.Errorf("got %+v", got)
	}
	if len(got.Issues) != 1 || got.Issues[0] != "growth {too} high" {
		t.Errorf("issues = %v", got.Issues)
	}
	if got.Reasoning != defaultReasoning || got.Corrections == nil {
		t.Errorf("defaults not applied: %+v", got)
	}
}

func TestParseVerdictCoercions(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Verdict
	}{
		{
			"lowercase fail is pass",
			`{"verdict":"fail","confidence":10}`,
			Verdict{Verdict: VerdictPass, Confidence: 10, Issues: []string{}, Corrections: []string{}, Reasoning: defaultReasoning},
		},
		{
			"confidence clamped",
			`{"verdict":"PASS","confidence":250,"issues":"not a list"}`,
			Verdict{Verdict: VerdictPass, Confidence: 100, Issues: []string{}, Corrections: []string{}, Reasoning: defaultReasoning},
		},
		{
			"missing confidence defaults",
			`{"verdict":"FAIL","corrections":[1, {"k":"v"}, null]}`,
			Verdict{Verdict: VerdictFail, Confidence: 80, Issues: []string{}, Corrections: []string{"1", `{"k":"v"}`}, Reasoning: defaultReasoning},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseVerdict(tt.raw)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseVerdictFailures(t *testing.T) {
	for _, raw := range []string{"", "looks fine to me", "```json\nnot json\n```", `{"verdict": "PASS",}`} {
		if _, err := ParseVerdict(raw); err == nil {
			t.Errorf("ParseVerdict(%q) succeeded", raw)
		}
	}
}

func TestValidateFailsOpenOnLLMError(t *testing.T) {
	r := newFakeRunner(map[string]replyFunc{
		agent.Skeptic: func(int, agent.RunSpec) (*agent.RunResult, error) {
			return nil, &provider.StatusError{Provider: "p", Code: 500, Message: "internal error"}
		},
	})
	s := NewSkeptic(r, AgentSettings{Temperature: 0.1}, zap.NewNop())
	v := s.Validate(context.Background(), "j", "AAPL", "scout", "quant", "q")

	if v.Verdict != VerdictPass || v.Confidence != 70 || len(v.Corrections) != 0 {
		t.Fatalf("verdict = %+v", v)
	}
	if len(v.Issues) != 1 || !strings.Contains(v.Issues[0], "defaulting to PASS") {
		t.Errorf("issues = %v", v.Issues)
	}
}

func TestValidateFailsOpenOnGarbage(t *testing.T) {
	long := strings.Repeat("no json here ", 100)
	r := newFakeRunner(map[string]replyFunc{agent.Skeptic: text(long)})
	s := NewSkeptic(r, AgentSettings{}, zap.NewNop())
	v := s.Validate(context.Background(), "j", "", "scout", "quant", "q")

	if v.Verdict != VerdictPass || v.Confidence != 75 {
		t.Fatalf("verdict = %+v", v)
	}
	if len(v.Issues) != 1 || v.Issues[0] != "could not parse response" {
		t.Errorf("issues = %v", v.Issues)
	}
	if len([]rune(v.Reasoning)) != maxRawReasoning || !strings.HasPrefix(long, v.Reasoning) {
		t.Errorf("reasoning should be the raw text truncated to %d runes", maxRawReasoning)
	}
}

func TestValidateUsesNoTools(t *testing.T) {
	r := newFakeRunner(map[string]replyFunc{agent.Skeptic: text(passJSON)})
	s := NewSkeptic(r, AgentSettings{Model: "judge", Temperature: 0.1}, zap.NewNop())
	s.Validate(context.Background(), "j", "AAPL", "facts", "figures", "q")

	spec := r.specs[0]
	if len(spec.Tools) != 0 || spec.Temperature != 0.1 || spec.Model != "judge" {
		t.Errorf("spec = %+v", spec)
	}
}
