// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log"
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
)

const dispatchInterval = 800 * time.Millisecond

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

	registry := agent.NewRegistry()
	registry.Register(cfg.DefaultAgentKey, &agent.EchoAgent{})
	if err := registry.Validate(cfg.DefaultAgentKey); err != nil {
		log.Fatalf("agent registry: %v", err)
	}

	notifier := notify.Notifier(notify.NewLogNotifier(logger))
	if cfg.WebhookURL != "" {
		notifier = notify.MultiNotifier{
			notify.NewLogNotifier(logger),
			notify.NewWebhookNotifier(cfg.WebhookURL, cfg.WebhookSecret, logger),
		}
	}

	// A terminal transition frees a pool slot, so it kicks the next
	// dispatch immediately instead of waiting out the ticker.
	kick := make(chan struct{}, 1)

	executor := dispatch.NewExecutor(dispatch.ExecutorDeps{
		Registry:      registry,
		Runs:          runRepo,
		Conversations: convRepo,
		Events:        eventRepo,
		Notifier:      notifier,
		Logger:        logger,
		PoolSize:      cfg.EffectiveConcurrencyLimit(),
		EnableEvents:  cfg.EnableEvents,
		OnTerminal: func() {
			select {
			case kick <- struct{}{}:
			default:
			}
		},
	})

	dispatcher := dispatch.New(dispatch.Deps{
		Store:        runRepo,
		Submitter:    executor,
		Notifier:     notifier,
		Logger:       logger,
		Limit:        cfg.EffectiveConcurrencyLimit(),
		RecoveryMode: domain.RecoveryMode(cfg.StartupRecovery),
	})

	logger.Info("worker started",
		"concurrency_limit", cfg.EffectiveConcurrencyLimit(),
		"startup_recovery", cfg.StartupRecovery,
		"interval", dispatchInterval.String(),
	)

	ticker := time.NewTicker(dispatchInterval)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
		case <-kick:
		}

		if _, err := dispatcher.Dispatch(ctx); err != nil {
			logger.Warn("dispatch cycle failed", "error", err)
		}
	}

	logger.Info("worker draining")
	executor.Wait()
	logger.Info("worker stopped")
}
