// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/runstack/agentrun/internal/agent"
	"github.com/runstack/agentrun/internal/config"
	"github.com/runstack/agentrun/internal/dispatch"
	"github.com/runstack/agentrun/internal/domain"
	"github.com/runstack/agentrun/internal/logging"
	"github.com/runstack/agentrun/internal/notify"
	"github.com/runstack/agentrun/internal/persistence/postgres"
	"github.com/runstack/agentrun/internal/repository"
	httptransport "github.com/runstack/agentrun/internal/transport/http"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	logger := logging.NewLogger(cfg.Env)

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer pool.Close()

	if cfg.AutoMigrate {
		if err := postgres.EnsureSchema(ctx, pool, logger); err != nil {
			log.Fatalf("schema migration failed: %v", err)
		}
	}

	runRepo := repository.NewRunRepository(pool, logger)
	convRepo := repository.NewConversationRepository(pool, logger)
	eventRepo := repository.NewEventRepository(pool, logger)
	ownerRepo := repository.NewOwnerRepository(pool, logger)

	registry := agent.NewRegistry()
	registry.Register(cfg.DefaultAgentKey, &agent.EchoAgent{})
	if err := registry.Validate(cfg.DefaultAgentKey); err != nil {
		log.Fatalf("agent registry: %v", err)
	}

	notifier := buildNotifier(cfg, logger)

	executor := dispatch.NewExecutor(dispatch.ExecutorDeps{
		Registry:      registry,
		Runs:          runRepo,
		Conversations: convRepo,
		Events:        eventRepo,
		Notifier:      notifier,
		Logger:        logger,
		PoolSize:      cfg.EffectiveConcurrencyLimit(),
		EnableEvents:  cfg.EnableEvents,
	})

	dispatcher := dispatch.New(dispatch.Deps{
		Store:        runRepo,
		Submitter:    executor,
		Notifier:     notifier,
		Logger:       logger,
		Limit:        cfg.EffectiveConcurrencyLimit(),
		RecoveryMode: domain.RecoveryMode(cfg.StartupRecovery),
	})

	// The API process dispatches opportunistically on submission; a worker
	// process covers the steady-state ticking.
	trigger := func() {
		go func() {
			if _, err := dispatcher.Dispatch(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("dispatch after submission failed", "error", err)
			}
		}()
	}

	defaultRateLimit, err := config.ParseRateLimit(cfg.RateLimit)
	if err != nil {
		log.Fatalf("invalid rate limit: %v", err)
	}

	handler := httptransport.NewRouter(httptransport.Deps{
		Runs:             runRepo,
		Conversations:    convRepo,
		Events:           eventRepo,
		OwnerAdmin:       ownerRepo,
		OwnerResolver:    ownerRepo,
		Agents:           registry,
		Notifier:         notifier,
		Health:           postgres.NewSchemaHealthChecker(pool),
		Logger:           logger,
		Trigger:          trigger,
		AdminToken:       cfg.AdminToken,
		DefaultAgentKey:  cfg.DefaultAgentKey,
		DefaultRateLimit: defaultRateLimit,
		MaxInputBytes:    cfg.MaxInputBytes,
		MaxInputItems:    cfg.MaxInputItems,
		EnableEvents:     cfg.EnableEvents,
		Version:          Version,
		Commit:           Commit,
		BuildDate:        BuildDate,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("api listening",
			"addr", cfg.HTTPAddr,
			"version", Version,
			"commit", Commit,
			"build_date", BuildDate,
		)

		if err := srv.ListenAndServe(); err != nil &&
			err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		5*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	executor.Wait()
}

func buildNotifier(cfg config.Config, logger *slog.Logger) notify.Notifier {
	if cfg.WebhookURL == "" {
		return notify.NewLogNotifier(logger)
	}
	return notify.MultiNotifier{
		notify.NewLogNotifier(logger),
		notify.NewWebhookNotifier(cfg.WebhookURL, cfg.WebhookSecret, logger),
	}
}
