package classifier

import "testing"

func TestClassify(t *testing.T) {
	tests := []struct {
		query string
		want  Category
	}{
		{"What is your name?", Simple},
		{"Tell me a joke", Simple},
		{"Calculate the DCF fair value for AAPL", Calculation},
		{"What is the P/E ratio of MSFT?", Calculation},
		{"How much is NVDA worth?", Calculation},
		{"Why did TSLA drop today?", Research},
		{"Give me the latest news on AMZN", Research},
		{"Explain the recent earnings and calculate the growth rate", Hybrid},
		{"Compare AAPL and MSFT valuation", Hybrid},
		{"", Simple},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			if got := Classify(tt.query); got != tt.want {
				t.Errorf("Classify(%q) = %q, want %q", tt.query, got, tt.want)
			}
		})
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	queries := []string{
		"Calculate the DCF fair value for AAPL",
		"why is the market down",
		"hello",
	}
	for _, q := range queries {
		first := Classify(q)
		for i := 0; i < 50; i++ {
			if got := Classify(q); got != first {
				t.Fatalf("Classify(%q) changed from %q to %q", q, first, got)
			}
		}
	}
}

func TestClassifyWordBoundaries(t *testing.T) {
	// "whyte" and "newsletter" must not count as research signals.
	if got := Classify("subscribe to the whyte newsletter"); got != Simple {
		t.Errorf("got %q, want simple", got)
	}
}

func TestShouldSkipFullPipeline(t *testing.T) {
	tests := []struct {
		query string
		want  bool
	}{
		{"hi", true},
		{"Hello!", true},
		{"who are you", true},
		{"What is your name?", true},
		{"help", true},
		{"thanks", true},
		{"", true},
		{"hi, calculate the DCF for AAPL", false},
		{"Why did AAPL fall?", false},
		{"hello there I would like a very long chat about things", false},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			if got := ShouldSkipFullPipeline(tt.query); got != tt.want {
				t.Errorf("ShouldSkipFullPipeline(%q) = %v, want %v", tt.query, got, tt.want)
			}
		})
	}
}
