package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/theprotagonist3610/les-sandwichs-du-docteur-backend-sub000/internal/amqp"
	"github.com/theprotagonist3610/les-sandwichs-du-docteur-backend-sub000/internal/config"
	"github.com/theprotagonist3610/les-sandwichs-du-docteur-backend-sub000/internal/core"
	"github.com/theprotagonist3610/les-sandwichs-du-docteur-backend-sub000/internal/ledger"
	applog "github.com/theprotagonist3610/les-sandwichs-du-docteur-backend-sub000/internal/log"
	"github.com/theprotagonist3610/les-sandwichs-du-docteur-backend-sub000/internal/services"
	"github.com/theprotagonist3610/les-sandwichs-du-docteur-backend-sub000/internal/storage"
	"github.com/theprotagonist3610/les-sandwichs-du-docteur-backend-sub000/internal/worker"
)

func main() {
	daemon := flag.Bool("daemon", false, "keep running, one archive pass per interval")
	flag.Parse()

	// Load .env file for local development (ignore errors in production/docker)
	_ = godotenv.Load()

	cfg := applog.DefaultConfig()
	cfg.Component = applog.ComponentWorker
	logger := applog.New(cfg)
	applog.SetDefault(logger)

	conf := config.Load()
	if err := conf.Validate(); err != nil {
		logger.Error("Configuration validation failed", "error", err)
		os.Exit(1)
	}

	repo, err := storage.NewSQLiteRepository(conf.SQLiteDBPath)
	if err != nil {
		logger.Error("Failed to initialize SQLite repository", "error", err, "path", conf.SQLiteDBPath)
		os.Exit(1)
	}
	defer repo.Close()

	var events ledger.EventPublisher = amqp.Discard{}
	if conf.AMQPURL != "" {
		client, err := amqp.NewClient(conf.AMQPURL, conf.AMQPExchange, conf.AMQPQueue)
		if err != nil {
			logger.Warn("AMQP unavailable, change events disabled", "error", err)
		} else {
			defer client.Close()
			events = client
		}
	}

	aggregator := services.NewAggregator(repo, repo, repo)
	archiver := services.NewArchiver(aggregator, repo, repo, events)
	coordinator := services.NewClosureCoordinator(
		archiver, aggregator, repo, repo, repo, events,
		services.ClosureConfig{
			MaxAttempts: conf.ClosureMaxAttempts,
			RetryDelay:  conf.ClosureRetryDelay,
		},
	)

	w := worker.NewArchiveWorker(archiver, coordinator, repo, core.Actor{ID: "cloture-job"})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !*daemon {
		logger.Info("Running single archive pass")
		if err := w.RunOnce(ctx); err != nil {
			logger.Error("Archive pass failed", "error", err)
			os.Exit(1)
		}
		logger.Info("Archive pass done")
		return
	}

	logger.Info("Starting archive worker", "interval", conf.ArchiveInterval.String())
	if err := w.Run(ctx, conf.ArchiveInterval); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Archive worker stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("Archive worker stopped gracefully")
}
