package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/admission"
	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/auth"
	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/config"
	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/dispatch"
	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/engine"
	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/gateway"
	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/history"
	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/llm"
	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/memory"
	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/monitor"
	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/observability"
	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/prompt"
	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/retention"
	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/skills"
	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/store"
	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/streambus"
	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/workspace"
)

// buildServeCmd creates the "serve" command that starts the agent service.
// This is the primary command for running wunder in production.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
		sweepNow   bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the wunder agent service",
		Long: `Start the wunder agent service.

The server will:
1. Load configuration from the specified file (or config.yaml)
2. Open the session database (sqlite or postgres) and apply the schema
3. Restore monitor state and release stale admission locks
4. Load skill manifests and prompt templates
5. Serve /api/chat, /api/chat/cancel, the monitor API and /metrics

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  wunder serve

  # Start with custom config and debug logging
  wunder serve --config /etc/wunder/production.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug, sweepNow)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(),
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")
	cmd.Flags().BoolVar(&sweepNow, "sweep-now", false,
		"Run the retention sweep once at startup instead of waiting for the schedule")

	return cmd
}

// runServe implements the serve command logic: configuration loading, the
// full service wiring, and graceful shutdown.
func runServe(ctx context.Context, configPath string, debug, sweepNow bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.AddSource,
	})
	metrics := observability.NewMetrics()
	_, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "wunder",
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		EnableInsecure: cfg.Tracing.Insecure,
	})

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info(ctx, "starting wunder",
		"version", version,
		"commit", commit,
		"config", configPath,
		"debug", debug,
	)

	db, err := store.Open(ctx, store.Config{
		Driver:         cfg.Database.Driver,
		DSN:            cfg.Database.DSN,
		MaxConnections: cfg.Database.MaxConnections,
	}, logger, metrics)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer db.Close()

	manager := config.NewManager(cfg)

	ws, err := workspace.NewManager(cfg.Workspace.Root, db, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize workspace: %w", err)
	}
	hist := history.NewManager(ws, logger)

	mon := monitor.New(monitor.Config{
		EventLimit:      cfg.Observability.MonitorEventLimit,
		PayloadMaxChars: cfg.Observability.MonitorPayloadMaxChars,
		DropEventTypes:  cfg.Observability.MonitorDropEventTypes,
	}, db, logger, metrics)
	monitor.SetDefault(mon)
	// Sessions cut short by the previous process show up as errored instead
	// of hanging forever in a running state.
	if err := mon.LoadPersisted(ctx); err != nil {
		logger.Warn(ctx, "monitor restore failed", "error", err)
	}

	skillReg := skills.NewRegistry(cfg.Skills, logger)
	skillReg.Reload(ctx)

	registry := dispatch.NewRegistry(dispatch.Deps{
		Skills:  skillReg,
		Logger:  logger,
		Metrics: metrics,
	})

	templates := prompt.NewTemplates(cfg.Prompt.TemplatesDir, logger)
	if err := templates.StartWatching(ctx); err != nil {
		logger.Warn(ctx, "template watching disabled", "error", err)
	}
	composer := prompt.NewComposer(manager, ws, templates, logger)

	admit := admission.New(admission.Config{
		MaxActive: cfg.Server.MaxActiveSessions,
	}, db, logger, metrics)

	bus := streambus.New(streambus.Config{}, db, logger, metrics)

	memWorker := memory.NewWorker(manager, db, llm.New, logger, metrics)
	compactor := history.NewCompactor(hist, llm.New, logger, metrics)

	eng := engine.New(engine.Options{
		Config:    manager,
		Workspace: ws,
		History:   hist,
		Compactor: compactor,
		Registry:  registry,
		Composer:  composer,
		Skills:    skillReg,
		Admission: admit,
		Monitor:   mon,
		Bus:       bus,
		Memory:    memWorker,
		LLM:       llm.New,
		Logger:    logger,
		Metrics:   metrics,
	})

	authSvc := auth.NewService(auth.Config{
		APIKey:      cfg.Security.APIKey,
		JWTSecret:   cfg.Security.JWTSecret,
		TokenExpiry: cfg.Security.TokenExpiry,
	})

	gw := gateway.NewServer(gateway.Options{
		Config:  cfg,
		Engine:  eng,
		Monitor: mon,
		Memory:  db,
		Auth:    authSvc,
		Logger:  logger,
		Metrics: metrics,
	})

	sweeper := retention.New(retention.Config{
		RetentionDays:    cfg.Workspace.RetentionDays,
		SweepCron:        cfg.Retention.SweepCron,
		StreamSweepEvery: cfg.Retention.StreamSweepEvery,
	}, db, mon, logger)
	if err := sweeper.Start(ctx); err != nil {
		return fmt.Errorf("failed to start retention sweeper: %w", err)
	}
	if sweepNow {
		sweeper.SweepAging(ctx)
	}

	if err := gw.Start(ctx); err != nil {
		sweeper.Stop()
		return fmt.Errorf("failed to start gateway: %w", err)
	}

	logger.Info(ctx, "wunder started",
		"addr", gw.Addr(),
		"driver", cfg.Database.Driver,
		"default_model", cfg.LLM.Default,
	)

	<-ctx.Done()
	logger.Info(context.Background(), "shutdown signal received, initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	gw.Stop(shutdownCtx)
	sweeper.Stop()
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "tracer shutdown failed", "error", err)
	}

	logger.Info(shutdownCtx, "wunder stopped gracefully")
	return nil
}
