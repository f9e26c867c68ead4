package orchestrator

import (
	"context"
	"strings"

	"github.com/nidhogg/finresearch/internal/agent"
	"github.com/nidhogg/finresearch/internal/provider"
	"go.uber.org/zap"
)

const (
	apologyText = "I'm sorry, but I wasn't able to produce an analysis for this request. " +
		"Please try again or rephrase your question."
	partialApology = "I'm sorry, but I couldn't fully complete this analysis. " +
		"The results below are partial and may be incomplete or unverified."
)

// Synthesizer merges agent outputs into the final answer.
type Synthesizer struct {
	runner   AgentRunner
	settings AgentSettings
	logger   *zap.Logger
}

// NewSynthesizer creates a synthesizer using settings for the model call.
func NewSynthesizer(runner AgentRunner, settings AgentSettings, logger *zap.Logger) *Synthesizer {
	return &Synthesizer{runner: runner, settings: settings, logger: logger}
}

// Synthesize produces one markdown answer that applies any reviewer
// corrections. An LLM error or empty reply falls back to FallbackResponse.
func (s *Synthesizer) Synthesize(ctx context.Context, jobID, asset, scoutText, quantText string, verdict *Verdict, query string) string {
	res, err := s.runner.Run(ctx, agent.RunSpec{
		JobID:        jobID,
		Agent:        agent.Synthesizer,
		Model:        s.settings.Model,
		SystemPrompt: synthesizerSystemPrompt,
		Conversation: []provider.Message{{
			Role:    provider.RoleUser,
			Content: synthesisPrompt(asset, scoutText, quantText, verdict, query),
		}},
		Temperature: s.settings.Temperature,
		MaxTokens:   s.settings.MaxTokens,
	})
	if err != nil {
		s.logger.Warn("synthesis failed, using fallback", zap.String("job", jobID), zap.Error(err))
		return FallbackResponse(scoutText, quantText)
	}
	if text := strings.TrimSpace(res.Text); text != "" {
		return text
	}
	s.logger.Warn("synthesis returned no text, using fallback", zap.String("job", jobID))
	return FallbackResponse(scoutText, quantText)
}

// FallbackResponse assembles an answer without a model call: both sections,
// else whichever output exists, else an apology.
func FallbackResponse(scoutText, quantText string) string {
	scout := strings.TrimSpace(scoutText)
	quant := strings.TrimSpace(quantText)
	switch {
	case quant != "" && scout != "":
		return "## Quantitative Analysis\n\n" + quant + "\n\n## Research Findings\n\n" + scout
	case quant != "":
		return quant
	case scout != "":
		return scout
	default:
		return apologyText
	}
}

// PartialResponse builds the answer for a failed job from whatever outputs
// the last attempt produced.
func PartialResponse(state AgentState) string {
	var b strings.Builder
	b.WriteString(partialApology)

	var scout, quant string
	if state.ScoutOutput != nil {
		scout = strings.TrimSpace(state.ScoutOutput.Content)
	}
	if state.QuantOutput != nil {
		quant = strings.TrimSpace(state.QuantOutput.Content)
	}
	if scout != "" {
		b.WriteString("\n\n## Research Findings\n\n")
		b.WriteString(scout)
	}
	if quant != "" {
		b.WriteString("\n\n## Quantitative Analysis\n\n")
		b.WriteString(quant)
	}
	if scout == "" && quant == "" {
		b.WriteString("\n\nNo intermediate results were available. Please try again in a moment.")
	}
	if state.SkepticVerdict != nil && state.SkepticVerdict.Failed() && len(state.SkepticVerdict.Issues) > 0 {
		b.WriteString("\n\n## Unresolved Review Issues\n\n")
		writeList(&b, state.SkepticVerdict.Issues)
	}
	return strings.TrimRight(b.String(), "\n")
}
