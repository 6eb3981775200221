package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"equitylens/internal/adapter/audit"
	"equitylens/internal/adapter/gateway"
	"equitylens/internal/adapter/llm"
	"equitylens/internal/adapter/tool"
	"equitylens/internal/domain"
	"equitylens/internal/infra/config"
	"equitylens/internal/infra/logger"
	"equitylens/internal/infra/tracer"
	"equitylens/internal/usecase"
	"equitylens/internal/usecase/eventbus"
	"equitylens/internal/usecase/research"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		if err := runServe(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		return
	}

	switch os.Args[1] {
	case "run":
		if err := runResearch(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "run: %v\n", err)
			os.Exit(1)
		}
	case "serve":
		if err := runServe(); err != nil {
			fmt.Fprintf(os.Stderr, "serve: %v\n", err)
			os.Exit(1)
		}
	case "sessions":
		if err := runSessions(); err != nil {
			fmt.Fprintf(os.Stderr, "sessions: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'equitylens --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`equitylens - Multi-agent investment research

USAGE:
    equitylens [COMMAND] [FLAGS]

COMMANDS:
    run QUERY...   Run one research session and print the thesis
    serve          Start the HTTP gateway and wait for requests
    sessions       List recently persisted research sessions

    (no command) - Same as 'serve'

FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file path (default: ./config.yaml)
    --mode MODE        Research mode for 'run': fundamental, momentum, all

CONFIGURATION:
    Config file: ./config.yaml
    Environment: EQUITYLENS_* variables override config

EXAMPLES:
    equitylens run Is NVDA a buy at current levels?
    equitylens run --mode momentum TSLA trend outlook
    equitylens serve
    equitylens sessions`)
}

// configPath resolves the config file location: --config flag first, then
// the EQUITYLENS_CONFIG environment variable, then ./config.yaml.
func configPath() string {
	for i := 1; i < len(os.Args); i++ {
		switch {
		case os.Args[i] == "--config" && i+1 < len(os.Args):
			return os.Args[i+1]
		case strings.HasPrefix(os.Args[i], "--config="):
			return strings.TrimPrefix(os.Args[i], "--config=")
		}
	}
	if v := os.Getenv("EQUITYLENS_CONFIG"); v != "" {
		return v
	}
	return "config.yaml"
}

// app holds the assembled component graph for one process.
type app struct {
	cfg     *config.Config
	log     *slog.Logger
	bus     *eventbus.Bus
	monitor *usecase.Monitor
	orch    *research.Orchestrator
	store   *audit.Store

	cleanups []func()
}

// Close tears components down in reverse construction order.
func (a *app) Close() {
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		a.cleanups[i]()
	}
}

// newApp loads config and wires the full dependency graph:
// logger -> tracer -> event bus -> monitor -> LLM clients -> tool
// providers -> agents -> orchestrator.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	a := &app{cfg: cfg}

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	a.log = log
	a.cleanups = append(a.cleanups, func() { _ = logCloser() })

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("tracer: %w", err)
	}
	a.cleanups = append(a.cleanups, func() { _ = tracerShutdown(context.Background()) })

	a.bus = eventbus.New(log)
	a.cleanups = append(a.cleanups, a.bus.Close)
	a.monitor = usecase.NewMonitor(a.bus)

	providers, err := buildToolProviders(cfg, log)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("tools: %w", err)
	}

	roster, err := buildRoster(cfg, providers, a.bus, log)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("agents: %w", err)
	}

	var store *audit.Store
	if cfg.Audit.Enabled {
		store, err = audit.NewStore(cfg.Audit.DBPath)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("audit: %w", err)
		}
		a.store = store
		a.cleanups = append(a.cleanups, func() { _ = store.Close() })
	}

	deps := research.Deps{
		Specialists:   roster.specialists,
		Coordinator:   roster.coordinator,
		Momentum:      roster.momentum,
		Providers:     roster.allProviders,
		Parser:        usecase.NewActionParser(roster.specialistNames()),
		Pruner:        usecase.NewPruner(usecase.NewTokenCounter()),
		Bus:           a.bus,
		Logger:        log,
		Reports:       &usecase.ReportWriter{OutputDir: cfg.Research.OutputDir},
		MaxIterations: cfg.Research.MaxIterations,
		PhaseThrottle: cfg.Research.PhaseThrottle,
	}
	if store != nil {
		deps.Audit = store
	}
	a.orch = research.New(deps)

	return a, nil
}

// buildToolProviders constructs the configured tool surfaces, each wrapped
// with argument validation. Keys match the names used in agents.roster.tools.
func buildToolProviders(cfg *config.Config, log *slog.Logger) (map[string]domain.ToolProvider, error) {
	providers := map[string]domain.ToolProvider{}

	if len(cfg.Tools.MCPServers) > 0 {
		providers["mcp"] = tool.WithValidation(tool.NewMCPProvider(cfg.Tools.MCPServers, log), log)
	}

	if cfg.Tools.WebSearch.SearXNGURL != "" {
		backend := tool.NewSearXNGBackend(cfg.Tools.WebSearch.SearXNGURL, cfg.Tools.WebSearch.CallTimeout, log)
		providers["web_search"] = tool.WithValidation(tool.NewWebSearchProvider(backend, cfg.Tools.WebSearch, log), log)
	}

	if cfg.Tools.Finviz.Enabled {
		providers["finviz"] = tool.WithValidation(tool.NewFinvizProvider(cfg.Tools.Finviz, log), log)
	}

	return providers, nil
}

// agentRoster groups the constructed agents by their orchestration slot.
type agentRoster struct {
	specialists  []*usecase.Agent
	coordinator  *usecase.Agent
	momentum     *usecase.Agent
	allProviders []domain.ToolProvider
}

func (r *agentRoster) specialistNames() []string {
	names := make([]string, len(r.specialists))
	for i, s := range r.specialists {
		names[i] = s.Name()
	}
	return names
}

// buildRoster creates one agent per roster entry: persona file, completion
// client chain and the ordered tool providers it may route to.
func buildRoster(cfg *config.Config, providers map[string]domain.ToolProvider, bus domain.EventBus, log *slog.Logger) (*agentRoster, error) {
	byName := map[string]config.ProviderConfig{}
	for _, p := range cfg.LLM.Providers {
		byName[p.Name] = p
	}

	roster := &agentRoster{}
	seen := map[domain.ToolProvider]bool{}

	for _, entry := range cfg.Agents.Roster {
		providerName := entry.Provider
		if providerName == "" {
			providerName = cfg.LLM.DefaultProvider
		}
		providerCfg, ok := byName[providerName]
		if !ok {
			return nil, fmt.Errorf("roster[%s]: no provider named %q", entry.Role, providerName)
		}

		client, err := llm.Build(providerCfg, cfg.LLM, log)
		if err != nil {
			return nil, fmt.Errorf("roster[%s]: %w", entry.Role, err)
		}

		profile, err := usecase.LoadProfile(cfg.ProfilePath(entry.Profile))
		if err != nil {
			return nil, fmt.Errorf("roster[%s]: %w", entry.Role, err)
		}

		var bound []domain.ToolProvider
		for _, name := range entry.Tools {
			p, ok := providers[name]
			if !ok {
				log.Warn("tool provider not configured, skipping",
					"role", entry.Role, "tool", name)
				continue
			}
			bound = append(bound, p)
			if !seen[p] {
				seen[p] = true
				roster.allProviders = append(roster.allProviders, p)
			}
		}

		agent := usecase.NewAgent(usecase.AgentDeps{
			Profile:       profile,
			LLM:           client,
			Providers:     bound,
			Logger:        log,
			Bus:           bus,
			MaxToolCycles: cfg.Research.MaxToolCycles,
		})

		switch entry.Role {
		case "quantitative", "qualitative":
			roster.specialists = append(roster.specialists, agent)
		case "synthesis":
			roster.coordinator = agent
		case "momentum":
			roster.momentum = agent
		}
	}

	if roster.coordinator == nil {
		return nil, fmt.Errorf("roster has no synthesis agent")
	}
	if len(roster.specialists) == 0 {
		return nil, fmt.Errorf("roster has no specialist agents")
	}
	return roster, nil
}

// runResearch executes one session from the command line and prints the
// resulting thesis to stdout.
func runResearch(args []string) error {
	var queryParts []string
	mode := ""
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--mode" && i+1 < len(args):
			mode = args[i+1]
			i++
		case strings.HasPrefix(args[i], "--mode="):
			mode = strings.TrimPrefix(args[i], "--mode=")
		case args[i] == "--config" && i+1 < len(args):
			i++ // consumed by configPath
		case strings.HasPrefix(args[i], "--config="):
		default:
			queryParts = append(queryParts, args[i])
		}
	}
	query := strings.TrimSpace(strings.Join(queryParts, " "))
	if query == "" {
		return fmt.Errorf("a research query is required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	m := a.cfg.Research.Mode
	if mode != "" {
		m = mode
	}
	if !domain.ValidMode(domain.Mode(m)) {
		return fmt.Errorf("invalid mode %q", m)
	}

	result, err := a.orch.Run(ctx, query, domain.Mode(m))
	if err != nil {
		return err
	}

	if result.FinalReport != "" {
		fmt.Println(result.FinalReport)
	}
	if result.MomentumAnalysis != "" {
		if result.FinalReport != "" {
			fmt.Print("\n---\n\n")
		}
		fmt.Println(result.MomentumAnalysis)
	}
	fmt.Fprintf(os.Stderr, "\ntokens used: %d (prompt %d, completion %d)\n",
		result.Usage.TotalTokens, result.Usage.PromptTokens, result.Usage.CompletionTokens)
	return nil
}

// runServe starts the HTTP gateway and blocks until interrupted.
func runServe() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := gateway.NewServer(a.orch, a.monitor, a.cfg.Gateway.Addr,
		domain.Mode(a.cfg.Research.Mode), a.log)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		a.log.Info("shutting down")
		return nil
	case err := <-errCh:
		return err
	}
}

// runSessions prints recently persisted sessions from the audit store.
func runSessions() error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if !cfg.Audit.Enabled {
		return fmt.Errorf("audit persistence is disabled in config")
	}

	store, err := audit.NewStore(cfg.Audit.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	records, err := store.RecentSessions(ctx, 20)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("no sessions recorded yet")
		return nil
	}

	for _, r := range records {
		fmt.Printf("%s  %-11s  %6d tokens  %s\n",
			r.FinishedAt.Format("2006-01-02 15:04"), r.Mode, r.Usage.TotalTokens, r.Query)
	}
	return nil
}
