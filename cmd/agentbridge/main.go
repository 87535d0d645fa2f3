package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/deepnoodle-ai/wonton/cli"

	"github.com/arinova/agentbridge/bot"
	"github.com/arinova/agentbridge/bridge"
	"github.com/arinova/agentbridge/command"
	"github.com/arinova/agentbridge/config"
	"github.com/arinova/agentbridge/session"
	"github.com/arinova/agentbridge/slogger"
)

const shutdownTimeout = 10 * time.Second

func main() {
	app := cli.New("agentbridge").
		Description("Gateway that bridges chat frontends to coding-agent CLIs").
		Version("0.1.0")

	app.Main().
		Flags(
			cli.String("config", "c").
				Default("").
				Env("AGENTBRIDGE_CONFIG").
				Help("Path to YAML config file"),
			cli.Int("port", "p").
				Default(0).
				Help("HTTP listen port (overrides config)"),
			cli.String("default-cwd", "").
				Default("").
				Help("Working directory for new sessions (overrides config)"),
			cli.String("state-dir", "").
				Default("").
				Env("AGENTBRIDGE_STATE_DIR").
				Help("Directory for persisted session state"),
			cli.String("log-level", "l").
				Default("").
				Env("AGENTBRIDGE_LOG_LEVEL").
				Help("Log level: debug, info, warn, error"),
		).
		Run(runGateway)

	if err := app.Execute(); err != nil {
		if cli.IsHelpRequested(err) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}

func runGateway(ctx *cli.Context) error {
	cfg, err := config.Load(ctx.String("config"))
	if err != nil {
		return err
	}
	if port := ctx.Int("port"); port > 0 {
		cfg.Port = port
	}
	if cwd := ctx.String("default-cwd"); cwd != "" {
		cfg.DefaultCwd = cwd
	}
	if dir := ctx.String("state-dir"); dir != "" {
		cfg.StateDir = dir
	}
	if level := ctx.String("log-level"); level != "" {
		cfg.LogLevel = level
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := slogger.New(slogger.LevelFromString(cfg.LogLevel))

	store := session.NewStore(session.StoreOptions{
		Path:   cfg.StatePath(),
		Logger: logger,
	})
	store.Load()

	registry := session.NewRegistry(session.Options{
		MaxSessions:        cfg.MaxSessions,
		IdleTimeout:        cfg.IdleTimeout(),
		DefaultCwd:         cfg.DefaultCwd,
		ClaudePath:         cfg.ClaudePath,
		CodexPath:          cfg.CodexPath,
		MCPConfig:          cfg.MCPConfig,
		AppendSystemPrompt: cfg.AppendSystemPrompt,
		EphemeralModels:    cfg.EphemeralModels,
		Store:              store,
		Logger:             logger,
	})

	models := append([]string{"claude-code-cli"}, cfg.EphemeralModels...)
	prefs := command.NewPrefs()
	router := command.NewRouter(command.RouterOptions{
		Registry:    registry,
		Store:       store,
		Prefs:       prefs,
		KnownModels: models,
		DefaultCwd:  cfg.DefaultCwd,
		Logger:      logger,
	})
	coordinator := bridge.NewCoordinator(bridge.CoordinatorOptions{
		Registry: registry,
		Router:   router,
		Prefs:    prefs,
		Logger:   logger,
	})

	httpServer := &http.Server{
		Addr: fmt.Sprintf("127.0.0.1:%d", cfg.Port),
		Handler: bridge.NewServer(bridge.ServerOptions{
			Coordinator: coordinator,
			Models:      models,
			Logger:      logger,
		}).Handler(),
	}

	var botClient *bot.Client
	if cfg.BotToken != "" && cfg.BotServerURL != "" {
		botClient = bot.New(bot.Options{
			ServerURL: cfg.BotServerURL,
			Token:     cfg.BotToken,
			Skills:    router.Commands(),
			Handler:   coordinator,
			Logger:    logger,
		})
		go botClient.Run()
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		logger.Error("http server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	if botClient != nil {
		botClient.Close()
	}
	// Stops backends and flushes pending persistence.
	registry.StopAll()
	return nil
}
