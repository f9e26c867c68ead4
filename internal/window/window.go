// Package window keeps model conversations inside a token budget.
package window

import (
	"unicode/utf8"

	"github.com/nidhogg/finresearch/internal/provider"
	"go.uber.org/zap"
)

// Config holds window settings.
type Config struct {
	// HistoryTokens caps the prior conversation sent with a request.
	HistoryTokens int
	// ToolResultChars caps one tool result as fed back to the model.
	ToolResultChars int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		HistoryTokens:   32000,
		ToolResultChars: 20000,
	}
}

// Manager trims conversations.
type Manager struct {
	config Config
	logger *zap.Logger
}

// NewManager creates a window manager. Non-positive limits take defaults.
func NewManager(cfg Config, logger *zap.Logger) *Manager {
	def := DefaultConfig()
	if cfg.HistoryTokens <= 0 {
		cfg.HistoryTokens = def.HistoryTokens
	}
	if cfg.ToolResultChars <= 0 {
		cfg.ToolResultChars = def.ToolResultChars
	}
	return &Manager{config: cfg, logger: logger}
}

// Budget returns the history token budget.
func (m *Manager) Budget() int {
	return m.config.HistoryTokens
}

// Fit drops the oldest turns until history fits the budget. The result
// never starts with a non-user turn and never aliases the input.
func (m *Manager) Fit(history []provider.Message) []provider.Message {
	if len(history) == 0 {
		return nil
	}
	total := EstimateTokens(history)
	cut := 0
	for total > m.config.HistoryTokens && cut < len(history) {
		total -= EstimateTokensStr(history[cut].Content)
		cut++
	}
	// A dangling assistant or tool turn at the head confuses providers.
	for cut < len(history) && history[cut].Role != provider.RoleUser {
		cut++
	}
	if cut > 0 && m.logger != nil {
		m.logger.Debug("history trimmed",
			zap.Int("dropped", cut),
			zap.Int("kept", len(history)-cut),
			zap.Int("budget", m.config.HistoryTokens))
	}
	return append([]provider.Message(nil), history[cut:]...)
}

// TrimToolResult shortens a tool result to the configured size.
func (m *Manager) TrimToolResult(s string) string {
	return Truncate(s, m.config.ToolResultChars)
}

// Truncate cuts s to at most max bytes on a rune boundary and marks the cut.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n...[truncated]"
}

// EstimateTokens estimates total tokens for a slice of messages.
func EstimateTokens(msgs []provider.Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateTokensStr(m.Content)
	}
	return total
}

// EstimateTokensStr estimates tokens for a single string.
// Rough heuristic: ~4 bytes per token.
func EstimateTokensStr(s string) int {
	n := len(s)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}
