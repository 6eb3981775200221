package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Research ResearchConfig `yaml:"research"`
	LLM      LLMConfig      `yaml:"llm"`
	Agents   AgentsConfig   `yaml:"agents"`
	Tools    ToolsConfig    `yaml:"tools"`
	Audit    AuditConfig    `yaml:"audit"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Logger   LoggerConfig   `yaml:"logger"`
	Tracer   TracerConfig   `yaml:"tracer"`
}

// ResearchConfig tunes the orchestration workflow.
type ResearchConfig struct {
	Mode string `yaml:"mode"` // "fundamental", "momentum", "all"
	// MaxIterations bounds the convergence loop after the mandatory
	// first specialist round.
	MaxIterations int `yaml:"max_iterations"`
	// MaxToolCycles bounds tool-calling rounds within one agent task.
	MaxToolCycles int `yaml:"max_tool_cycles"`
	// PhaseThrottle is the pacing delay between workflow phases.
	PhaseThrottle time.Duration `yaml:"phase_throttle"`
	OutputDir     string        `yaml:"output_dir"`
}

// LLMConfig holds completion provider settings.
type LLMConfig struct {
	DefaultProvider string               `yaml:"default_provider"`
	Providers       []ProviderConfig     `yaml:"providers"`
	Retry           RetryConfig          `yaml:"retry"`
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// ProviderConfig holds settings for a single completion provider.
type ProviderConfig struct {
	Name        string        `yaml:"name"`
	Type        string        `yaml:"type"` // "openai" or "openrouter"
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	ConnTimeout time.Duration `yaml:"conn_timeout"`
	RespTimeout time.Duration `yaml:"resp_timeout"`
	Pool        PoolConfig    `yaml:"pool"`
	// RatePerSecond caps outbound request rate; 0 disables pacing.
	RatePerSecond float64 `yaml:"rate_per_second"`
}

// PoolConfig holds HTTP connection pool settings for completion providers.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// RetryConfig tunes completion retry behavior.
type RetryConfig struct {
	MaxRetries int `yaml:"max_retries"`
	// BackoffCap bounds the exponential backoff applied to rate limits.
	BackoffCap time.Duration `yaml:"backoff_cap"`
	// WarmupDelay is the fixed wait used when the provider reports 503
	// while a local model loads.
	WarmupDelay time.Duration `yaml:"warmup_delay"`
}

// CircuitBreakerConfig holds circuit breaker settings for providers.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// AgentsConfig binds persona files to providers and tool surfaces.
type AgentsConfig struct {
	ProfileDir string        `yaml:"profile_dir"`
	Roster     []AgentConfig `yaml:"roster"`
}

// AgentConfig defines one agent of the research roster.
type AgentConfig struct {
	// Role is the orchestration slot: "qualitative", "quantitative",
	// "synthesis", "momentum".
	Role string `yaml:"role"`
	// Profile is the persona markdown filename under ProfileDir.
	Profile string `yaml:"profile"`
	// Provider overrides llm.default_provider when set.
	Provider string `yaml:"provider,omitempty"`
	// Tools lists the tool providers bound to the agent, in routing order.
	Tools []string `yaml:"tools,omitempty"`
}

// ToolsConfig holds tool provider settings.
type ToolsConfig struct {
	MCPServers []MCPServer     `yaml:"mcp_servers,omitempty"`
	WebSearch  WebSearchConfig `yaml:"web_search"`
	Finviz     FinvizConfig    `yaml:"finviz"`
}

// MCPServer configures an MCP server connection.
type MCPServer struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"` // "stdio" or "http"
	Command   string            `yaml:"command,omitempty"`
	Args      []string          `yaml:"args,omitempty"`
	URL       string            `yaml:"url,omitempty"`
	Env       map[string]string `yaml:"env,omitempty"`
}

// WebSearchConfig holds web search tool settings.
type WebSearchConfig struct {
	Backend     string        `yaml:"backend"` // "searxng"
	SearXNGURL  string        `yaml:"searxng_url"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
	MaxResults  int           `yaml:"max_results"`
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// FinvizConfig holds the Finviz crawl-service settings.
type FinvizConfig struct {
	Enabled bool   `yaml:"enabled"`
	// CrawlServiceURL is the Crawl4AI endpoint that renders finviz pages.
	CrawlServiceURL string        `yaml:"crawl_service_url"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	PollAttempts    int           `yaml:"poll_attempts"`
}

// AuditConfig holds session persistence settings.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	DBPath  string `yaml:"db_path"`
}

// GatewayConfig holds the HTTP status API settings.
type GatewayConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Research: ResearchConfig{
			Mode:          "all",
			MaxIterations: 3,
			MaxToolCycles: 8,
			PhaseThrottle: time.Second,
			OutputDir:     "./reports",
		},
		LLM: LLMConfig{
			Retry: RetryConfig{
				MaxRetries:  3,
				BackoffCap:  120 * time.Second,
				WarmupDelay: 10 * time.Second,
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Agents: AgentsConfig{
			ProfileDir: "./agents",
			Roster: []AgentConfig{
				{Role: "qualitative", Profile: "qualitative.md", Tools: []string{"mcp", "web_search"}},
				{Role: "quantitative", Profile: "quantitative.md", Tools: []string{"mcp", "finviz"}},
				{Role: "synthesis", Profile: "synthesis.md", Tools: []string{"web_search"}},
				{Role: "momentum", Profile: "momentum.md", Tools: []string{"web_search", "finviz"}},
			},
		},
		Tools: ToolsConfig{
			WebSearch: WebSearchConfig{
				Backend:     "searxng",
				CacheTTL:    15 * time.Minute,
				MaxResults:  3,
				CallTimeout: 15 * time.Second,
			},
			Finviz: FinvizConfig{
				PollInterval: 3 * time.Second,
				PollAttempts: 30,
			},
		},
		Audit: AuditConfig{
			Enabled: true,
			DBPath:  "./data/research.db",
		},
		Gateway: GatewayConfig{
			Addr: ":8400",
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter: "noop",
		},
	}
}

// Load reads configuration from path, falling back to defaults when the
// file does not exist. Environment overrides apply after the file.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps EQUITYLENS_* env vars to config fields.
// API keys are the common case: secrets stay out of the config file.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("EQUITYLENS_LLM_DEFAULT_PROVIDER"); v != "" {
		cfg.LLM.DefaultProvider = v
	}
	if v := os.Getenv("EQUITYLENS_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("EQUITYLENS_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("EQUITYLENS_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("EQUITYLENS_RESEARCH_MODE"); v != "" {
		cfg.Research.Mode = v
	}
	if v := os.Getenv("EQUITYLENS_GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
	if v := os.Getenv("EQUITYLENS_SEARXNG_URL"); v != "" {
		cfg.Tools.WebSearch.SearXNGURL = v
	}
	for i := range cfg.LLM.Providers {
		p := &cfg.LLM.Providers[i]
		if p.APIKey == "" {
			if v := os.Getenv("EQUITYLENS_API_KEY_" + envKey(p.Name)); v != "" {
				p.APIKey = v
			}
		}
	}
}

// envKey uppercases a provider name for env var lookup.
func envKey(name string) string {
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z':
			out = append(out, c-'a'+'A')
		case (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9'):
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

// Validate checks config invariants that would otherwise surface as
// confusing runtime failures.
func Validate(cfg *Config) error {
	switch cfg.Research.Mode {
	case "fundamental", "momentum", "all":
	default:
		return fmt.Errorf("research.mode: unknown mode %q", cfg.Research.Mode)
	}
	if cfg.Research.MaxIterations < 0 {
		return fmt.Errorf("research.max_iterations must be >= 0")
	}
	if cfg.Research.MaxToolCycles <= 0 {
		return fmt.Errorf("research.max_tool_cycles must be > 0")
	}
	if cfg.LLM.Retry.MaxRetries <= 0 {
		return fmt.Errorf("llm.retry.max_retries must be > 0")
	}

	providerNames := map[string]bool{}
	for _, p := range cfg.LLM.Providers {
		if p.Name == "" {
			return fmt.Errorf("llm.providers: provider without a name")
		}
		if providerNames[p.Name] {
			return fmt.Errorf("llm.providers: duplicate provider %q", p.Name)
		}
		providerNames[p.Name] = true
		switch p.Type {
		case "openai", "openrouter":
		default:
			return fmt.Errorf("llm.providers[%s]: unknown type %q", p.Name, p.Type)
		}
	}
	if cfg.LLM.DefaultProvider != "" && !providerNames[cfg.LLM.DefaultProvider] {
		return fmt.Errorf("llm.default_provider: no provider named %q", cfg.LLM.DefaultProvider)
	}

	roles := map[string]bool{}
	for _, a := range cfg.Agents.Roster {
		switch a.Role {
		case "qualitative", "quantitative", "synthesis", "momentum":
		default:
			return fmt.Errorf("agents.roster: unknown role %q", a.Role)
		}
		if roles[a.Role] {
			return fmt.Errorf("agents.roster: duplicate role %q", a.Role)
		}
		roles[a.Role] = true
		if a.Profile == "" {
			return fmt.Errorf("agents.roster[%s]: profile is required", a.Role)
		}
		if a.Provider != "" && !providerNames[a.Provider] {
			return fmt.Errorf("agents.roster[%s]: no provider named %q", a.Role, a.Provider)
		}
	}

	for _, srv := range cfg.Tools.MCPServers {
		switch srv.Transport {
		case "stdio":
			if srv.Command == "" {
				return fmt.Errorf("tools.mcp_servers[%s]: stdio transport requires command", srv.Name)
			}
		case "http":
			if srv.URL == "" {
				return fmt.Errorf("tools.mcp_servers[%s]: http transport requires url", srv.Name)
			}
		default:
			return fmt.Errorf("tools.mcp_servers[%s]: unsupported transport %q", srv.Name, srv.Transport)
		}
	}

	if cfg.Audit.Enabled && cfg.Audit.DBPath == "" {
		return fmt.Errorf("audit.db_path is required when audit is enabled")
	}

	return nil
}

// ProfilePath returns the absolute path of an agent's persona file.
func (c *Config) ProfilePath(profile string) string {
	return filepath.Join(c.Agents.ProfileDir, profile)
}
