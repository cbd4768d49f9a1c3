// Command flowcore runs the workflow orchestration service: workflow
// registration and validation, trigger ingestion, scheduled firing, and
// conversational action dispatch.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bedah-kym/flowcore/internal/dialog"
	"github.com/bedah-kym/flowcore/internal/engine"
	"github.com/bedah-kym/flowcore/internal/logging"
	"github.com/bedah-kym/flowcore/internal/provider"
	"github.com/bedah-kym/flowcore/internal/router"
	"github.com/bedah-kym/flowcore/internal/scheduler"
	"github.com/bedah-kym/flowcore/internal/server"
	"github.com/bedah-kym/flowcore/internal/store"
	"github.com/bedah-kym/flowcore/internal/trigger"
	"github.com/bedah-kym/flowcore/internal/validation"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		slog.Error("load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("starting flowcore", slog.String("listen", cfg.Listen))

	if err := run(cfg, logger); err != nil {
		logger.Error("service terminated", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg *Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		return err
	}
	logger.Info("store ready", slog.String("db_path", cfg.DBPath))

	providers := provider.NewRegistry()
	registerBuiltins(providers, logger)

	validator, err := validation.NewWorkflowValidator(providers)
	if err != nil {
		return err
	}

	eng := engine.New(st, providers, engine.Config{
		StepTimeout: cfg.Engine.StepTimeout,
		Retry: engine.RetryConfig{
			MaxAttempts: cfg.Engine.RetryAttempts,
			BaseDelay:   cfg.Engine.RetryDelay,
			MaxDelay:    cfg.Engine.RetryMaxDelay,
		},
	}, logger)

	adapters := trigger.NewAdapterRegistry()
	if err := registerAdapters(adapters, cfg.Adapters); err != nil {
		return err
	}
	triggers := trigger.NewService(st, adapters, eng, logger)

	dialogs := dialog.NewSQLStore(st, cfg.Dialog.TTL)
	limiter := router.NewRateLimiter(cfg.Actions.RateLimit, cfg.Actions.RateLimitWindow)
	cache := router.NewResultCache(cfg.Actions.CacheTTL)
	rtr := router.New(providers, dialogs, limiter, cache, logger)

	sched := scheduler.New(st, triggers, cfg.Schedule.PollInterval, logger)
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	srv := server.New(st, validator, triggers, eng, rtr, logger)
	e := srv.NewEcho()

	httpSrv := &http.Server{
		Addr:         cfg.Listen,
		Handler:      e,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpSrv.ListenAndServe()
	}()
	logger.Info("http server listening", slog.String("addr", cfg.Listen))

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", slog.Any("error", err))
	}
	if err := eng.Shutdown(shutdownCtx); err != nil {
		logger.Error("engine shutdown", slog.Any("error", err))
	}
	logger.Info("stopped")
	return nil
}

// newLogger builds the JSON logger with correlation IDs injected from
// context.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

// registerAdapters builds the configured webhook service adapters,
// compiling each jq program up front so a bad one aborts startup.
func registerAdapters(reg *trigger.AdapterRegistry, programs map[string]string) error {
	for service, program := range programs {
		adapter := trigger.NewJQAdapter(service, program)
		if err := adapter.Check(); err != nil {
			return err
		}
		if err := reg.Register(adapter); err != nil {
			return err
		}
	}
	return nil
}

// registerBuiltins wires the in-process capability providers. Real
// deployments register their own integrations here.
func registerBuiltins(reg *provider.Registry, logger *slog.Logger) {
	for _, p := range provider.Builtins(logger) {
		if err := reg.Register(p); err != nil {
			logger.Warn("register provider", slog.Any("error", err))
		}
	}
}
