package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// Config is the top-level configuration structure.
type Config struct {
	Server       ServerConfig       `json:"server"`
	Providers    []ProviderConfig   `json:"providers"`
	Agents       AgentsConfig       `json:"agents"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	MCP          MCPConfig          `json:"mcp"`
	Tools        ToolsConfig        `json:"tools"`
	Database     DatabaseConfig     `json:"database"`
}

type ServerConfig struct {
	Port           int      `json:"port"`
	LogLevel       string   `json:"log_level"`
	RequestTimeout int      `json:"request_timeout_seconds"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
}

type ProviderConfig struct {
	ID                string            `json:"id"`
	Type              string            `json:"type"`
	Name              string            `json:"name"`
	Endpoint          string            `json:"endpoint"`
	APIKey            string            `json:"api_key"`
	Models            []string          `json:"models,omitempty"`
	Extra             map[string]string `json:"extra,omitempty"`
	TimeoutSeconds    int               `json:"timeout_seconds,omitempty"`
	RequestsPerSecond float64           `json:"requests_per_second,omitempty"`
	Burst             int               `json:"burst,omitempty"`
	Default           bool              `json:"default,omitempty"`
}

// AgentConfig binds one agent to a provider and model.
type AgentConfig struct {
	Provider    string   `json:"provider"`
	Fallbacks   []string `json:"fallbacks,omitempty"`
	Model       string   `json:"model"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
}

type AgentsConfig struct {
	Scout       AgentConfig `json:"scout"`
	Quant       AgentConfig `json:"quant"`
	Skeptic     AgentConfig `json:"skeptic"`
	Synthesizer AgentConfig `json:"synthesizer"`
	Assistant   AgentConfig `json:"assistant"`
}

// ByName returns the agent configs keyed by agent name.
func (a AgentsConfig) ByName() map[string]AgentConfig {
	return map[string]AgentConfig{
		"scout":       a.Scout,
		"quant":       a.Quant,
		"skeptic":     a.Skeptic,
		"synthesizer": a.Synthesizer,
		"assistant":   a.Assistant,
	}
}

type OrchestratorConfig struct {
	MaxRetries     *int  `json:"max_retries,omitempty"`
	SkepticEnabled *bool `json:"skeptic_enabled,omitempty"`
	HistoryTokens  int   `json:"history_tokens,omitempty"`
}

type MCPConfig struct {
	Servers []MCPServerConfig `json:"servers"`
}

type MCPServerConfig struct {
	Name           string `json:"name"`
	URL            string `json:"url"`
	Description    string `json:"description"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// ToolsConfig controls the startup allowlist check.
type ToolsConfig struct {
	// Strict makes an allowlisted tool without a handler a startup error.
	Strict bool `json:"strict"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file, substitutes environment variable
// references, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes config JSON after ${VAR:default} substitution.
func Parse(data []byte) (*Config, error) {
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		return parts[2]
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 3210
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = 300
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Orchestrator.MaxRetries == nil {
		n := 2
		c.Orchestrator.MaxRetries = &n
	}
	if c.Orchestrator.SkepticEnabled == nil {
		on := true
		c.Orchestrator.SkepticEnabled = &on
	}
	for i := range c.Providers {
		if c.Providers[i].Name == "" {
			c.Providers[i].Name = c.Providers[i].ID
		}
	}
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Orchestrator.MaxRetries != nil && *c.Orchestrator.MaxRetries < 0 {
		errs = append(errs, errors.New("orchestrator.max_retries must be >= 0"))
	}
	if c.Orchestrator.HistoryTokens < 0 {
		errs = append(errs, errors.New("orchestrator.history_tokens must be >= 0"))
	}

	ids := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		switch {
		case p.ID == "":
			errs = append(errs, fmt.Errorf("providers[%d]: id is required", i))
		case ids[p.ID]:
			errs = append(errs, fmt.Errorf("providers[%d]: duplicate id %q", i, p.ID))
		}
		ids[p.ID] = true
		switch strings.ToLower(p.Type) {
		case "openai", "openai-compatible", "anthropic":
		default:
			errs = append(errs, fmt.Errorf("provider %s: unsupported type %q", p.ID, p.Type))
		}
		if p.RequestsPerSecond < 0 {
			errs = append(errs, fmt.Errorf("provider %s: requests_per_second must be >= 0", p.ID))
		}
	}

	for name, a := range c.Agents.ByName() {
		if a.Provider != "" && !ids[a.Provider] {
			errs = append(errs, fmt.Errorf("agents.%s: unknown provider %q", name, a.Provider))
		}
		for _, fb := range a.Fallbacks {
			if !ids[fb] {
				errs = append(errs, fmt.Errorf("agents.%s: unknown fallback provider %q", name, fb))
			}
		}
		if a.Temperature != nil && (*a.Temperature < 0 || *a.Temperature > 2) {
			errs = append(errs, fmt.Errorf("agents.%s: temperature must be within 0..2", name))
		}
	}

	for i, s := range c.MCP.Servers {
		if s.Name == "" || s.URL == "" {
			errs = append(errs, fmt.Errorf("mcp.servers[%d]: name and url are required", i))
		}
	}
	return errors.Join(errs...)
}
