// Package main provides the CLI entry point for the Switchboard gateway.
//
// Switchboard multiplexes chat clients onto LLM backends over a JSON
// WebSocket protocol, with an OpenAI-compatible HTTP surface for tools that
// speak /v1/chat/completions.
//
// # Basic Usage
//
// Start the server:
//
//	switchboard serve --config switchboard.yaml
//
// # Environment Variables
//
//   - SWITCHBOARD_CONFIG: Path to configuration file (default: switchboard.yaml)
//   - OPENAI_API_KEY: API key for the openai backend (referenced via ${VAR}
//     expansion in the config file)
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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/switchboard/internal/agent"
	"github.com/haasonsaas/switchboard/internal/agent/providers"
	"github.com/haasonsaas/switchboard/internal/config"
	"github.com/haasonsaas/switchboard/internal/dedupe"
	"github.com/haasonsaas/switchboard/internal/gateway"
	"github.com/haasonsaas/switchboard/internal/mcp"
	"github.com/haasonsaas/switchboard/internal/observability"
	"github.com/haasonsaas/switchboard/internal/retry"
	"github.com/haasonsaas/switchboard/internal/sessions"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigName = "switchboard.yaml"

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "switchboard",
		Short:        "Switchboard - WebSocket gateway for AI chat clients",
		Long:         "Switchboard multiplexes chat clients onto LLM backends over a JSON WebSocket protocol.",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(buildServeCmd(), buildConfigCmd())
	return rootCmd
}

func resolveConfigPath(path string) string {
	if env := strings.TrimSpace(os.Getenv("SWITCHBOARD_CONFIG")); env != "" && path == defaultConfigName {
		return env
	}
	return path
}

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Switchboard gateway server",
		Long: `Start the gateway server with the configured backend.

The server will:
1. Load configuration from the specified file (or switchboard.yaml)
2. Spawn configured MCP tool servers
3. Initialize the backend adapter (demo, ollama, or openai)
4. Serve the WebSocket control plane and the HTTP completion surface

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  switchboard serve

  # Start with custom config
  switchboard serve --config /etc/switchboard/production.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName,
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")
	return cmd
}

// buildConfigCmd prints the effective configuration after defaults and
// includes; credentials are shown only as their auth mode.
func buildConfigCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(resolveConfigPath(configPath))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Listen:    %s:%d\n", cfg.Hostname, cfg.Port)
			fmt.Fprintf(out, "Auth:      %s\n", cfg.AuthMode())
			fmt.Fprintf(out, "Backend:   %s\n", cfg.Provider.Backend)
			fmt.Fprintf(out, "Log dir:   %s\n", cfg.LogDir)
			fmt.Fprintf(out, "MCP:       %d server(s)\n", len(cfg.MCP.Servers))
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName, "Path to YAML configuration file")
	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// Running without a config file is fine; defaults give a local
		// demo-backend gateway.
		return config.Default(), nil
	}
	return config.Load(path)
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level := cfg.Log.Level
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: cfg.Log.Format,
	})
	slog.SetDefault(logger)

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	var diskLog *sessions.DiskLogger
	if cfg.LogDir != "" {
		diskLog = sessions.NewDiskLogger(cfg.LogDir, logger)
	}
	store := sessions.NewStore(diskLog)

	tools := mcp.NewRegistry(logger)
	defer tools.Close()
	for _, srv := range cfg.MCP.Servers {
		timeout := time.Duration(srv.TimeoutMs) * time.Millisecond
		client := mcp.NewStdioClient(srv.ID, srv.Command, srv.Args, srv.Env, timeout, logger)
		res := retry.Do(ctx, retry.Exponential(3, 500*time.Millisecond, 5*time.Second), func() error {
			connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			return tools.Add(connectCtx, client)
		})
		if res.Err != nil {
			// A dead tool server should not keep the gateway down.
			logger.Warn("mcp server failed to start", "id", srv.ID, "attempts", res.Attempts, "error", res.Err)
			continue
		}
		logger.Info("mcp server connected", "id", srv.ID)
	}

	handler, provider, models, err := buildBackend(cfg, tools, logger)
	if err != nil {
		return err
	}

	bus := gateway.NewBus(logger, metrics)
	engine := agent.NewEngine(agent.EngineConfig{
		Store:     store,
		Publisher: bus,
		Handler:   handler,
		Logger:    logger,
		Metrics:   metrics,
		Provider:  provider,
		Models:    models,
	})

	gateway.Version = version
	server := gateway.NewServer(gateway.Deps{
		Config:   cfg,
		Logger:   logger,
		Metrics:  metrics,
		Gatherer: registry,
		Store:    store,
		Dedupe:   dedupe.New(cfg.DedupeMaxKeys, cfg.DedupeTTL()),
		Engine:   engine,
		Bus:      bus,
	})

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}

// buildBackend selects the adapter per provider.backend and, for real
// backends, wraps it in the tool loop with the MCP dispatcher.
func buildBackend(cfg *config.Config, tools *mcp.Registry, logger *slog.Logger) (agent.Handler, string, []agent.Model, error) {
	switch cfg.Provider.Backend {
	case "", "demo":
		return agent.NewDemoHandler(), "demo", []agent.Model{
			{ID: "demo", Name: "Demo", Provider: "demo"},
		}, nil

	case "ollama":
		backend := providers.NewOllama(providers.OllamaConfig{
			BaseURL: cfg.Provider.Ollama.BaseURL,
			Model:   cfg.Provider.Ollama.Model,
		})
		return &agent.LoopHandler{
			Backend: backend,
			Tools:   &agent.MCPDispatcher{Registry: tools},
			System:  cfg.Provider.SystemPrompt,
			Logger:  logger,
		}, backend.Name(), backend.Models(), nil

	case "openai":
		if strings.TrimSpace(cfg.Provider.OpenAI.APIKey) == "" {
			return nil, "", nil, fmt.Errorf("provider.openai.apiKey is required for the openai backend")
		}
		backend := providers.NewOpenAI(providers.OpenAIConfig{
			BaseURL: cfg.Provider.OpenAI.BaseURL,
			APIKey:  cfg.Provider.OpenAI.APIKey,
			Model:   cfg.Provider.OpenAI.Model,
		})
		return &agent.LoopHandler{
			Backend: backend,
			Tools:   &agent.MCPDispatcher{Registry: tools},
			System:  cfg.Provider.SystemPrompt,
			Logger:  logger,
		}, backend.Name(), backend.Models(), nil

	default:
		return nil, "", nil, fmt.Errorf("unknown provider backend %q", cfg.Provider.Backend)
	}
}
