package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultsValidate(t *testing.T) {
	if err := Validate(Defaults()); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Research.MaxToolCycles != 8 {
		t.Errorf("MaxToolCycles = %d, want default 8", cfg.Research.MaxToolCycles)
	}
	if cfg.LLM.Retry.BackoffCap != 120*time.Second {
		t.Errorf("BackoffCap = %v, want 120s", cfg.LLM.Retry.BackoffCap)
	}
}

func TestLoadParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
research:
  mode: momentum
  max_iterations: 5
llm:
  default_provider: router
  providers:
    - name: router
      type: openrouter
      model: test-model
      base_url: https://example.test/api/v1
tools:
  web_search:
    searxng_url: http://localhost:8080
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Research.Mode != "momentum" {
		t.Errorf("Mode = %q, want momentum", cfg.Research.Mode)
	}
	if cfg.Research.MaxIterations != 5 {
		t.Errorf("MaxIterations = %d, want 5", cfg.Research.MaxIterations)
	}
	if cfg.LLM.DefaultProvider != "router" {
		t.Errorf("DefaultProvider = %q, want router", cfg.LLM.DefaultProvider)
	}
	// Defaults persist for unset sections.
	if cfg.Research.MaxToolCycles != 8 {
		t.Errorf("MaxToolCycles = %d, want default 8", cfg.Research.MaxToolCycles)
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad mode", func(c *Config) { c.Research.Mode = "yolo" }},
		{"zero tool cycles", func(c *Config) { c.Research.MaxToolCycles = 0 }},
		{"unknown default provider", func(c *Config) { c.LLM.DefaultProvider = "ghost" }},
		{"duplicate provider", func(c *Config) {
			c.LLM.Providers = []ProviderConfig{
				{Name: "a", Type: "openai"},
				{Name: "a", Type: "openai"},
			}
		}},
		{"bad provider type", func(c *Config) {
			c.LLM.Providers = []ProviderConfig{{Name: "a", Type: "bedrock"}}
		}},
		{"duplicate role", func(c *Config) {
			c.Agents.Roster = append(c.Agents.Roster, AgentConfig{Role: "momentum", Profile: "m.md"})
		}},
		{"stdio without command", func(c *Config) {
			c.Tools.MCPServers = []MCPServer{{Name: "x", Transport: "stdio"}}
		}},
		{"http without url", func(c *Config) {
			c.Tools.MCPServers = []MCPServer{{Name: "x", Transport: "http"}}
		}},
		{"audit without path", func(c *Config) { c.Audit = AuditConfig{Enabled: true} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			if err := Validate(cfg); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("EQUITYLENS_RESEARCH_MODE", "fundamental")
	t.Setenv("EQUITYLENS_API_KEY_ROUTER", "sk-test")

	cfg := Defaults()
	cfg.LLM.Providers = []ProviderConfig{{Name: "router", Type: "openrouter"}}
	ApplyEnvOverrides(cfg)

	if cfg.Research.Mode != "fundamental" {
		t.Errorf("Mode = %q, want fundamental", cfg.Research.Mode)
	}
	if cfg.LLM.Providers[0].APIKey != "sk-test" {
		t.Errorf("APIKey = %q, want sk-test", cfg.LLM.Providers[0].APIKey)
	}
}
