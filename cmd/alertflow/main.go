package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/openmon/alertflow/internal/alerter"
	"github.com/openmon/alertflow/internal/config"
	"github.com/openmon/alertflow/internal/database"
	"github.com/openmon/alertflow/internal/dispatch"
	"github.com/openmon/alertflow/internal/telemetry"
)

func main() {
	// Load environment variables from .env file when present.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Warning: Error loading .env file: %v", err)
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger, err := telemetry.NewLogger(&cfg.Log)
	if err != nil {
		log.Fatalf("cannot initialize logging: %v", err)
	}

	db, err := database.Connect(cfg.Database, logger)
	if err != nil {
		logger.WithError(err).Fatal("cannot connect to database")
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	service := alerter.NewService(cfg.AlerterForks * 2)
	defer service.Shutdown()

	executor := alerter.NewExecutor()
	for i := 0; i < cfg.AlerterForks; i++ {
		worker, err := alerter.NewWorker(service, executor, logger)
		if err != nil {
			logger.WithError(err).Fatal("cannot start delivery worker")
		}
		go worker.Run(ctx)
	}

	store := dispatch.NewStore(db, logger)
	manager := dispatch.NewManager(store, logger)
	pool := dispatch.NewPool(service, cfg.AlerterForks, cfg.AlertScriptsPath)

	loop := dispatch.NewLoop(manager, pool, service, dispatch.LoopConfig{
		SenderFrequency: cfg.SenderFrequency,
	}, logger)

	logger.WithField("workers", cfg.AlerterForks).Info("alert dispatcher started")
	loop.Run(ctx)
	logger.Info("alert dispatcher stopped")
}
