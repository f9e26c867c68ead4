package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/nidhogg/finresearch/internal/agent"
	"github.com/nidhogg/finresearch/internal/provider"
	"go.uber.org/zap"
)

const (
	defaultConfidence     = 80
	callFailedConfidence  = 70
	parseFailedConfidence = 75
	maxRawReasoning       = 500
	defaultReasoning      = "No reasoning provided."
)

var (
	errNoVerdictJSON = errors.New("no verdict JSON found")
	fencedJSON       = regexp.MustCompile("(?s)```json\\s*(.*?)\\s*```")
)

// AgentRunner runs one agent to completion.
type AgentRunner interface {
	Run(ctx context.Context, spec agent.RunSpec) (*agent.RunResult, error)
}

// Skeptic validates an attempt with a dedicated tool-less call. It fails
// open: any transport or parse problem yields a PASS verdict.
type Skeptic struct {
	runner   AgentRunner
	settings AgentSettings
	logger   *zap.Logger
}

// NewSkeptic creates a validator using settings for the model call.
func NewSkeptic(runner AgentRunner, settings AgentSettings, logger *zap.Logger) *Skeptic {
	return &Skeptic{runner: runner, settings: settings, logger: logger}
}

// Validate returns the verdict for one scout/quant attempt. It never fails.
func (s *Skeptic) Validate(ctx context.Context, jobID, asset, scoutText, quantText, query string) Verdict {
	res, err := s.runner.Run(ctx, agent.RunSpec{
		JobID:        jobID,
		Agent:        agent.Skeptic,
		Model:        s.settings.Model,
		SystemPrompt: skepticSystemPrompt,
		Conversation: []provider.Message{{
			Role:    provider.RoleUser,
			Content: skepticPrompt(asset, scoutText, quantText, query),
		}},
		Temperature: s.settings.Temperature,
		MaxTokens:   s.settings.MaxTokens,
	})
	if err != nil {
		s.logger.Warn("skeptic call failed, defaulting to PASS",
			zap.String("job", jobID), zap.Int("status", provider.StatusCode(err)), zap.Error(err))
		return Verdict{
			Verdict:     VerdictPass,
			Confidence:  callFailedConfidence,
			Issues:      []string{"validation failed — defaulting to PASS"},
			Corrections: []string{},
			Reasoning:   fmt.Sprintf("Skeptic validation could not run: %v", err),
		}
	}

	v, err := ParseVerdict(res.Text)
	if err != nil {
		s.logger.Warn("skeptic response unparseable, defaulting to PASS",
			zap.String("job", jobID), zap.Error(err))
		return Verdict{
			Verdict:     VerdictPass,
			Confidence:  parseFailedConfidence,
			Issues:      []string{"could not parse response"},
			Corrections: []string{},
			Reasoning:   truncateRunes(res.Text, maxRawReasoning),
		}
	}
	return v
}

// ParseVerdict extracts a verdict from raw model output. A fenced json
// block is preferred; otherwise the first object mentioning "verdict" is
// used. Field values are coerced rather than rejected.
func ParseVerdict(raw string) (Verdict, error) {
	var candidates []string
	if m := fencedJSON.FindStringSubmatch(raw); m != nil {
		candidates = append(candidates, m[1])
	}
	candidates = append(candidates, objectsWithVerdict(raw)...)
	if len(candidates) == 0 {
		return Verdict{}, errNoVerdictJSON
	}

	var lastErr error
	for _, c := range candidates {
		var fields map[string]any
		if err := json.Unmarshal([]byte(c), &fields); err != nil {
			lastErr = err
			continue
		}
		if fields == nil {
			lastErr = errNoVerdictJSON
			continue
		}
		return coerceVerdict(fields), nil
	}
	return Verdict{}, fmt.Errorf("parse verdict: %w", lastErr)
}

func coerceVerdict(fields map[string]any) Verdict {
	v := Verdict{
		Verdict:     VerdictPass,
		Confidence:  coerceConfidence(fields["confidence"]),
		Issues:      coerceStrings(fields["issues"]),
		Corrections: coerceStrings(fields["corrections"]),
		Reasoning:   defaultReasoning,
	}
	if s, ok := fields["verdict"].(string); ok && s == VerdictFail {
		v.Verdict = VerdictFail
	}
	if s, ok := fields["reasoning"].(string); ok && s != "" {
		v.Reasoning = s
	}
	return v
}

func coerceConfidence(raw any) int {
	var f float64
	switch x := raw.(type) {
	case float64:
		f = x
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(x), "%"), 64)
		if err != nil {
			return defaultConfidence
		}
		f = parsed
	default:
		return defaultConfidence
	}
	if math.IsNaN(f) {
		return defaultConfidence
	}
	return int(math.Round(math.Max(0, math.Min(100, f))))
}

func coerceStrings(raw any) []string {
	items, ok := raw.([]any)
	if !ok {
		return []string{}
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		switch x := it.(type) {
		case string:
			out = append(out, x)
		case nil:
		default:
			b, err := json.Marshal(x)
			if err != nil {
				out = append(out, fmt.Sprint(x))
				continue
			}
			out = append(out, string(b))
		}
	}
	return out
}

// objectsWithVerdict returns every balanced {...} span that contains a
// "verdict" key, in order of appearance.
func objectsWithVerdict(s string) []string {
	var out []string
	for i := 0; i < len(s); i++ {
		if s[i] != '{' {
			continue
		}
		end := matchBrace(s, i)
		if end < 0 {
			continue
		}
		obj := s[i : end+1]
		if strings.Contains(obj, `"verdict"`) {
			out = append(out, obj)
			i = end
		}
	}
	return out
}

// matchBrace returns the index of the brace closing s[start], honouring
// JSON strings, or -1.
func matchBrace(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func truncateRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
