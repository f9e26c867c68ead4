package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nidhogg/finresearch/internal/agent"
	"github.com/nidhogg/finresearch/internal/api"
	"github.com/nidhogg/finresearch/internal/config"
	"github.com/nidhogg/finresearch/internal/mcp"
	"github.com/nidhogg/finresearch/internal/observability"
	"github.com/nidhogg/finresearch/internal/orchestrator"
	"github.com/nidhogg/finresearch/internal/progress"
	"github.com/nidhogg/finresearch/internal/provider"
	"github.com/nidhogg/finresearch/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/finresearch.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Server.LogLevel)
	defer logger.Sync()
	logger.Info("Starting finresearch...", zap.String("config", cfgPath))

	ctx := context.Background()

	// Providers
	router := provider.NewRouter(logger)
	for _, pc := range cfg.Providers {
		p, err := provider.New(provider.ProviderConfig{
			ID: pc.ID, Type: pc.Type, Name: pc.Name,
			Endpoint: pc.Endpoint, APIKey: pc.APIKey,
			Models: pc.Models, Extra: pc.Extra,
			Timeout: time.Duration(pc.TimeoutSeconds) * time.Second,
		}, logger)
		if err != nil {
			logger.Warn("skipping provider", zap.String("id", pc.ID), zap.Error(err))
			continue
		}
		router.Register(p)
		router.Limit(pc.ID, pc.RequestsPerSecond, pc.Burst)
		if pc.Default {
			router.SetDefault(pc.ID)
		}
	}
	for name, ac := range cfg.Agents.ByName() {
		if ac.Provider != "" {
			if _, ok := router.GetProvider(ac.Provider); !ok {
				logger.Warn("agent bound to unavailable provider, using default",
					zap.String("agent", name), zap.String("provider", ac.Provider))
				continue
			}
			router.Bind(name, ac.Provider)
		}
		if len(ac.Fallbacks) > 0 {
			router.SetFallbacks(name, ac.Fallbacks)
		}
	}
	if len(router.ListProviders()) == 0 {
		logger.Warn("no LLM providers configured; every run will fall back to apologies")
	} else {
		logger.Info("Providers ready", zap.Int("count", len(router.ListProviders())),
			zap.String("default", router.DefaultID()))
	}

	// Tools
	registry := agent.NewRegistry()
	var mcpClients []*mcp.Client
	var sources []agent.MCPToolSource
	for _, sc := range cfg.MCP.Servers {
		var opts []mcp.Option
		if sc.TimeoutSeconds > 0 {
			opts = append(opts, mcp.WithRPCTimeout(time.Duration(sc.TimeoutSeconds)*time.Second))
		}
		c := mcp.NewClient(sc.Name, sc.URL, logger, opts...)
		connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := c.Connect(connectCtx)
		cancel()
		if err != nil {
			logger.Warn("MCP server unavailable", zap.String("name", sc.Name), zap.Error(err))
			continue
		}
		mcpClients = append(mcpClients, c)
		sources = append(sources, c)
	}
	n := agent.RegisterMCPTools(registry, sources, logger)
	logger.Info("Tools registered", zap.Int("count", n), zap.Strings("tools", registry.Names()))

	if missing := registry.CheckAllowlists(agent.Allowlists()); len(missing) > 0 {
		names := make([]string, len(missing))
		for i, m := range missing {
			names[i] = m.String()
		}
		if cfg.Tools.Strict {
			logger.Fatal("allowlisted tools have no handler", zap.Strings("missing", names))
		}
		logger.Warn("allowlisted tools have no handler", zap.Strings("missing", names))
	}

	// Progress events
	recorder := progress.NewRecorder(1000)
	broadcasters := progress.Multi{recorder, progress.NewLogBroadcaster(logger)}
	var replayer api.Replayer = recorder
	var redisBC *progress.RedisBroadcaster
	if cfg.Database.Redis.URL != "" {
		rb, err := progress.NewRedisBroadcaster(ctx, cfg.Database.Redis.URL, logger)
		if err != nil {
			logger.Warn("Redis unavailable, events kept in memory only", zap.Error(err))
		} else {
			redisBC = rb
			broadcasters = append(broadcasters, rb)
			replayer = rb
		}
	}

	// Job store
	var jobs store.JobStore = store.NewMemory()
	var pg *store.Store
	if cfg.Database.Postgres.DSN != "" {
		ps, err := store.New(ctx, cfg.Database.Postgres.DSN, logger)
		if err != nil {
			logger.Warn("PostgreSQL unavailable, jobs kept in memory only", zap.Error(err))
		} else {
			if err := ps.Migrate(ctx); err != nil {
				logger.Fatal("migration failed", zap.Error(err))
			}
			pg = ps
			jobs = ps
		}
	}

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg)

	runner := agent.NewRunner(router, registry, broadcasters, metrics, logger)
	orch := orchestrator.New(runner, broadcasters, metrics, orchestratorConfig(cfg), logger)

	opts := api.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RunTimeout:     time.Duration(cfg.Server.RequestTimeout) * time.Second,
		Metrics:        promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
	}
	if redisBC != nil {
		opts.Follow = redisBC
	}
	if pg != nil {
		opts.Database = pg
	}
	handler := api.NewHandler(orch, jobs, replayer, opts, logger)

	port := fmt.Sprintf("%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("finresearch listening", zap.String("port", port))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down finresearch...")
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	handler.Wait()
	if redisBC != nil {
		redisBC.Close()
	}
	if pg != nil {
		pg.Close()
	}
	for _, mc := range mcpClients {
		mc.Close()
	}
}

func newLogger(level string) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	switch strings.ToLower(level) {
	case "production", "json":
		logger, err = zap.NewProduction()
	default:
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// orchestratorConfig overlays configured agent settings on the defaults.
func orchestratorConfig(cfg *config.Config) orchestrator.Config {
	oc := orchestrator.DefaultConfig()
	if cfg.Orchestrator.MaxRetries != nil {
		oc.MaxRetries = *cfg.Orchestrator.MaxRetries
	}
	if cfg.Orchestrator.SkepticEnabled != nil {
		oc.SkepticEnabled = *cfg.Orchestrator.SkepticEnabled
	}
	oc.HistoryTokens = cfg.Orchestrator.HistoryTokens
	overlay := func(dst *orchestrator.AgentSettings, ac config.AgentConfig) {
		if ac.Model != "" {
			dst.Model = ac.Model
		}
		if ac.Temperature != nil {
			dst.Temperature = *ac.Temperature
		}
		if ac.MaxTokens > 0 {
			dst.MaxTokens = ac.MaxTokens
		}
	}
	overlay(&oc.Scout, cfg.Agents.Scout)
	overlay(&oc.Quant, cfg.Agents.Quant)
	overlay(&oc.Skeptic, cfg.Agents.Skeptic)
	overlay(&oc.Synthesizer, cfg.Agents.Synthesizer)
	overlay(&oc.Assistant, cfg.Agents.Assistant)
	return oc
}
