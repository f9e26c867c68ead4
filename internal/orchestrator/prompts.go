package orchestrator

import (
	"fmt"
	"strings"
)

const scoutSystemPrompt = `You are the Scout, the research analyst of a financial research team.
Gather facts that answer the user's question: recent news, company filings and
documents, market context, macro backdrop, fundamentals and price history.
Use your tools; do not invent numbers. Cite where each fact came from.
Finish with a concise, well-structured summary of your findings in markdown.
Do not perform valuations or projections; the Quant handles calculations.`

const quantSystemPrompt = `You are the Quant, the quantitative analyst of a financial research team.
Build on the Scout's research to answer the user's question with numbers:
valuation models, scenario matrices, technical indicators, ratios and
comparisons. Use execute_python for any non-trivial arithmetic and show the
inputs and assumptions behind every figure. State the key result first, then
the supporting calculations, in markdown.`

const skepticSystemPrompt = `You are the Skeptic, the reviewer of a financial research team.
You check the Scout's research and the Quant's analysis for factual errors,
arithmetic mistakes, unsupported claims, stale data and answers that miss the
user's question. You have no tools.

Reply with ONLY a JSON object in a fenced json code block, exactly in this shape:
` + "```json" + `
{"verdict": "PASS" or "FAIL", "confidence": 0-100, "issues": ["..."], "corrections": ["..."], "reasoning": "..."}
` + "```" + `
Use FAIL only for problems serious enough that the analysis must be redone.`

const synthesizerSystemPrompt = `You are the lead analyst of a financial research team. Merge the Scout's
research and the Quant's analysis into one clear markdown answer to the user's
question. Lead with the direct answer. Apply every correction the reviewer
listed and drop any claim the reviewer flagged as unsupported. Do not mention
the internal team roles.`

const assistantSystemPrompt = `You are a friendly financial research assistant. Answer greetings, questions
about yourself and requests for help briefly. You can research companies and
markets, explain recent news, and run valuations such as DCF models, ratio
analysis and scenario projections. Invite the user to ask about a ticker.`

func assetLine(asset string) string {
	if asset == "" {
		return ""
	}
	return fmt.Sprintf("Asset: %s\n", asset)
}

func scoutPrompt(query, asset string, rejected *Verdict) string {
	var b strings.Builder
	b.WriteString(assetLine(asset))
	fmt.Fprintf(&b, "Question: %s\n", query)
	if rejected != nil {
		b.WriteString("\nA reviewer rejected the previous attempt. Address these problems:\n")
		writeList(&b, rejected.Issues)
		if len(rejected.Corrections) > 0 {
			b.WriteString("Suggested corrections:\n")
			writeList(&b, rejected.Corrections)
		}
	}
	return b.String()
}

func quantPrompt(query, asset, scoutText string) string {
	var b strings.Builder
	b.WriteString(assetLine(asset))
	fmt.Fprintf(&b, "Question: %s\n\n", query)
	b.WriteString("## Scout research\n\n")
	b.WriteString(orNone(scoutText))
	return b.String()
}

func skepticPrompt(asset, scoutText, quantText, query string) string {
	var b strings.Builder
	b.WriteString(assetLine(asset))
	fmt.Fprintf(&b, "Question: %s\n\n", query)
	b.WriteString("## Scout research\n\n")
	b.WriteString(orNone(scoutText))
	b.WriteString("\n\n## Quant analysis\n\n")
	b.WriteString(orNone(quantText))
	b.WriteString("\n\nReview both and return your verdict JSON.")
	return b.String()
}

func synthesisPrompt(asset, scoutText, quantText string, verdict *Verdict, query string) string {
	var b strings.Builder
	b.WriteString(assetLine(asset))
	fmt.Fprintf(&b, "Question: %s\n\n", query)
	b.WriteString("## Scout research\n\n")
	b.WriteString(orNone(scoutText))
	b.WriteString("\n\n## Quant analysis\n\n")
	b.WriteString(orNone(quantText))
	if verdict != nil && (len(verdict.Issues) > 0 || len(verdict.Corrections) > 0) {
		fmt.Fprintf(&b, "\n\n## Reviewer notes (confidence %d)\n\n", verdict.Confidence)
		writeList(&b, verdict.Issues)
		writeList(&b, verdict.Corrections)
	}
	return b.String()
}

func writeList(b *strings.Builder, items []string) {
	for _, it := range items {
		fmt.Fprintf(b, "- %s\n", it)
	}
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(none)"
	}
	return s
}
