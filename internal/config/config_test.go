package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sample = `{
  "server": {"port": ${FINRESEARCH_TEST_PORT:8080}},
  "providers": [
    {"id": "openai", "type": "openai", "api_key": "${FINRESEARCH_TEST_KEY}", "requests_per_second": 5, "burst": 2},
    {"id": "claude", "type": "anthropic", "api_key": "k"}
  ],
  "agents": {
    "scout": {"provider": "openai", "model": "gpt-4o", "fallbacks": ["claude"]},
    "skeptic": {"provider": "claude", "model": "claude-sonnet", "temperature": 0.1}
  },
  "orchestrator": {"max_retries": 0},
  "mcp": {"servers": [{"name": "market", "url": "http://localhost:9000/sse"}]}
}`

func TestParseSubstitutesAndDefaults(t *testing.T) {
	t.Setenv("FINRESEARCH_TEST_KEY", "sk-test")

	cfg, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want default from placeholder", cfg.Server.Port)
	}
	if cfg.Providers[0].APIKey != "sk-test" {
		t.Errorf("api key = %q", cfg.Providers[0].APIKey)
	}
	if cfg.Providers[1].Name != "claude" {
		t.Errorf("name default = %q", cfg.Providers[1].Name)
	}
	if *cfg.Orchestrator.MaxRetries != 0 {
		t.Errorf("explicit max_retries 0 overwritten: %d", *cfg.Orchestrator.MaxRetries)
	}
	if !*cfg.Orchestrator.SkepticEnabled {
		t.Error("skeptic should default to enabled")
	}
	if cfg.Agents.Skeptic.Temperature == nil || *cfg.Agents.Skeptic.Temperature != 0.1 {
		t.Error("skeptic temperature not parsed")
	}
	if cfg.Agents.Quant.Temperature != nil {
		t.Error("unset temperature should stay nil")
	}
}

func TestParseEnvOverride(t *testing.T) {
	t.Setenv("FINRESEARCH_TEST_PORT", "9999")
	cfg, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("port = %d, want 9999", cfg.Server.Port)
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	bad := `{
	  "providers": [
	    {"id": "a", "type": "gemini"},
	    {"id": "a", "type": "openai"}
	  ],
	  "agents": {"quant": {"provider": "nope", "fallbacks": ["ghost"]}},
	  "orchestrator": {"max_retries": -1},
	  "mcp": {"servers": [{"name": "x"}]}
	}`
	_, err := Parse([]byte(bad))
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{
		`unsupported type "gemini"`,
		`duplicate id "a"`,
		`unknown provider "nope"`,
		`unknown fallback provider "ghost"`,
		"max_retries",
		"mcp.servers[0]",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error lacks %q: %v", want, err)
		}
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"providers": []}`), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 3210 || *cfg.Orchestrator.MaxRetries != 2 {
		t.Errorf("defaults not applied: %+v", cfg.Server)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("missing file should fail")
	}
}
