package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/theprotagonist3610/les-sandwichs-du-docteur-backend-sub000/internal/amqp"
	"github.com/theprotagonist3610/les-sandwichs-du-docteur-backend-sub000/internal/config"
	apphttp "github.com/theprotagonist3610/les-sandwichs-du-docteur-backend-sub000/internal/http"
	"github.com/theprotagonist3610/les-sandwichs-du-docteur-backend-sub000/internal/ledger"
	applog "github.com/theprotagonist3610/les-sandwichs-du-docteur-backend-sub000/internal/log"
	"github.com/theprotagonist3610/les-sandwichs-du-docteur-backend-sub000/internal/services"
	"github.com/theprotagonist3610/les-sandwichs-du-docteur-backend-sub000/internal/storage"
)

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	_ = godotenv.Load()

	logger := applog.New(applog.DefaultConfig())
	applog.SetDefault(logger)

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", "error", err)
		os.Exit(1)
	}

	repo, err := storage.NewSQLiteRepository(cfg.SQLiteDBPath)
	if err != nil {
		logger.Error("Failed to initialize SQLite repository", "error", err, "path", cfg.SQLiteDBPath)
		os.Exit(1)
	}
	defer repo.Close()

	var events ledger.EventPublisher = amqp.Discard{}
	if cfg.AMQPURL != "" {
		client, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
		if err != nil {
			// The publisher is fire-and-forget; a missing broker must
			// not keep the API down.
			logger.Warn("AMQP unavailable, change events disabled", "error", err)
		} else {
			defer client.Close()
			events = client
			logger.Info("AMQP publisher initialized", "exchange", cfg.AMQPExchange, "queue", cfg.AMQPQueue)
		}
	}

	aggregator := services.NewAggregator(repo, repo, repo)
	archiver := services.NewArchiver(aggregator, repo, repo, events)
	coordinator := services.NewClosureCoordinator(
		archiver, aggregator, repo, repo, repo, events,
		services.ClosureConfig{
			MaxAttempts: cfg.ClosureMaxAttempts,
			RetryDelay:  cfg.ClosureRetryDelay,
		},
	)

	srv := apphttp.NewServer(":"+cfg.Port, apphttp.Deps{
		Recorder:   repo,
		Aggregator: aggregator,
		Archiver:   archiver,
		Closures:   coordinator,
		Forecasts:  services.NewForecastEngine(repo),
		Insights:   services.NewInsightEngine(aggregator, repo),
		Budget:     services.NewBudgetAdvisor(repo, repo),
		Logger:     logger,

		ForecastHorizon: cfg.ForecastHorizon,
		ForecastWindow:  cfg.ForecastWindow,
	})

	srv.ReadTimeout = 10 * time.Second
	srv.WriteTimeout = 10 * time.Second
	srv.IdleTimeout = 60 * time.Second
	srv.MaxHeaderBytes = 1 << 16 // 64KB

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		logger.Info("Shutdown signal received", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", "error", err)
		}
		cancel()
	}()

	logger.Info("Starting compta server", "port", cfg.Port, "db", cfg.SQLiteDBPath)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Server error", "error", err, "port", cfg.Port)
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Info("Server stopped gracefully")
}
