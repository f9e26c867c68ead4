// Package classifier maps a user message to a query category without any I/O.
package classifier

import (
	"regexp"
	"strings"
)

// Category is the routing class of a query.
type Category string

const (
	Simple      Category = "simple"
	Research    Category = "research"
	Calculation Category = "calculation"
	Hybrid      Category = "hybrid"
)

var calculationPatterns = compile(
	`calculat\w*`, `comput\w*`, `dcf`, `valuation\w*`, `valu(e|ed)`, `fair value`,
	`intrinsic`, `worth`, `price target`, `growth rate\w*`, `cagr`, `ratios?`,
	`p/e`, `margins?`, `yields?`, `how much`, `irr`, `npv`, `wacc`, `model(s|ing)?`,
	`scenarios?`, `project(ed|ion|ions)?`,
)

var researchPatterns = compile(
	`why`, `news`, `recent(ly)?`, `latest`, `compar\w*`, `explain\w*`, `summary`,
	`summari[sz]e`, `what happened`, `outlook`, `risks?`, `competitors?`, `trends?`,
	`sentiment`, `reports?`,
)

var greetingPatterns = compile(
	`hi`, `hello`, `hey`, `thanks`, `thank you`, `help`, `who are you`,
	`what is your name`, `what's your name`, `what can you do`, `good (morning|afternoon|evening)`,
)

// maxGreetingWords bounds how long a message may be and still skip the pipeline.
const maxGreetingWords = 6

func compile(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(`(?i)(^|[^\w/])` + p + `($|[^\w/])`)
	}
	return out
}

func matchAny(patterns []*regexp.Regexp, s string) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// Classify returns the category for query. It never fails.
func Classify(query string) Category {
	q := strings.TrimSpace(query)
	calc := matchAny(calculationPatterns, q)
	research := matchAny(researchPatterns, q)
	switch {
	case calc && research:
		return Hybrid
	case calc:
		return Calculation
	case research:
		return Research
	default:
		return Simple
	}
}

// ShouldSkipFullPipeline reports whether query is a short greeting, identity
// or help question that a single assistant turn can answer.
func ShouldSkipFullPipeline(query string) bool {
	q := strings.TrimSpace(query)
	if q == "" {
		return true
	}
	if len(strings.Fields(q)) > maxGreetingWords {
		return false
	}
	// "hi, what's the DCF for AAPL" still needs the analysts.
	if Classify(q) != Simple {
		return false
	}
	return matchAny(greetingPatterns, q)
}
