// Command flowforge runs the workflow automation server: it registers
// provider operations, plans workflows from natural language and executes
// them against provider services.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowforge/flowforge/api"
	"github.com/flowforge/flowforge/config"
	"github.com/flowforge/flowforge/engine"
	"github.com/flowforge/flowforge/graph"
	"github.com/flowforge/flowforge/planner"
	"github.com/flowforge/flowforge/planner/llm"
	"github.com/flowforge/flowforge/provider"
	"github.com/flowforge/flowforge/registry"
	"github.com/flowforge/flowforge/secrets"
	"github.com/flowforge/flowforge/store"
)

var (
	configFile     = flag.String("config", "", "Path to configuration YAML file")
	addr           = flag.String("addr", "", "HTTP listen address (overrides config)")
	anthropicKey   = flag.String("anthropic-key", "", "Anthropic API key (or set ANTHROPIC_API_KEY env)")
	anthropicModel = flag.String("anthropic-model", "", "Anthropic model name (overrides config)")
	debug          = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg := config.Default()
	if *configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(*configFile)
		if err != nil {
			log.Fatalf("Failed to load configuration: %v", err)
		}
	} else {
		logger.Info("no config file specified, using defaults")
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *anthropicModel != "" {
		cfg.Planner.Model = *anthropicModel
	}

	st, err := openStore(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer func() { _ = st.Close() }()

	secretProvider, err := buildSecretProvider(cfg.Secrets)
	if err != nil {
		log.Fatalf("Failed to initialize secrets: %v", err)
	}
	resolver := secrets.NewResolver(secretProvider, logger)

	reg := registry.New()
	if cfg.Provider.Catalog != "" {
		if err := registry.LoadCatalogFile(cfg.Provider.Catalog, reg); err != nil {
			log.Fatalf("Failed to load operation catalog: %v", err)
		}
		logger.Info("operation catalog loaded", "path", cfg.Provider.Catalog, "operations", len(reg.List()))
	} else {
		logger.Warn("no operation catalog configured; planning will reject every request")
	}

	completions, err := llm.NewClient(llm.ClientConfig{
		APIKey:  *anthropicKey,
		Model:   cfg.Planner.Model,
		BaseURL: cfg.Planner.BaseURL,
	})
	if err != nil {
		log.Fatalf("Failed to create completion client: %v", err)
	}
	p := planner.New(reg, completions, logger)

	invoker := provider.NewHTTPInvoker(provider.HTTPInvokerConfig{
		BaseURL:       cfg.Provider.BaseURL,
		ProviderRate:  cfg.Provider.RatePerSecond,
		ProviderBurst: cfg.Provider.Burst,
	}, logger)

	metrics := engine.NewMetrics()
	eng := engine.New(st, reg, invoker, resolver, metrics, logger, engine.Config{
		MaxConcurrency: cfg.Engine.MaxConcurrency,
		MaxAttempts:    cfg.Engine.MaxAttempts,
		BackoffBase:    cfg.Engine.BackoffBase,
		BackoffCap:     cfg.Engine.BackoffCap,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	router := api.NewRouter(api.Deps{
		Store:      st,
		Planner:    p,
		Builder:    graph.NewBuilder(reg, logger),
		Engine:     eng,
		Metrics:    metrics,
		Logger:     logger,
		Background: ctx,
	}, api.Config{GenerateRateLimit: cfg.Server.GenerateRateLimit})
	defer router.Close()

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	logger.Info("shutdown complete")
}

func openStore(cfg config.DatabaseConfig) (store.Store, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemory(), nil
	case "sqlite":
		return store.NewSQLiteStore(cfg.DSN)
	case "postgres":
		return store.NewPGStore(context.Background(), cfg.DSN)
	default:
		return nil, errors.New("unknown database driver " + cfg.Driver)
	}
}

func buildSecretProvider(cfg config.SecretsConfig) (secrets.Provider, error) {
	switch cfg.Provider {
	case "env":
		return secrets.NewEnvProvider(cfg.Prefix), nil
	case "file":
		return secrets.NewFileProvider(cfg.Dir), nil
	case "vault":
		return secrets.NewVaultProvider(secrets.VaultConfig{
			Address:   cfg.Vault.Address,
			Token:     cfg.Vault.Token,
			MountPath: cfg.Vault.MountPath,
			Namespace: cfg.Vault.Namespace,
		})
	default:
		return nil, errors.New("unknown secrets provider " + cfg.Provider)
	}
}
