package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"lingochat/internal/app"
	"lingochat/internal/config"
	"lingochat/internal/observe"
	"lingochat/internal/queue"
	"lingochat/internal/transform"
	"lingochat/pkg/logger"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.Debug, "lingochat-worker"); err != nil {
		panic("Failed to init logger: " + err.Error())
	}
	defer logger.Sync()

	logger.Info("Starting lingochat worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metrics *observe.Metrics
	if cfg.Metrics.Enabled {
		m, _, shutdown, err := observe.InitProvider()
		if err != nil {
			logger.Fatal("Failed to init metrics", zap.Error(err))
		}
		defer shutdown(context.Background())
		metrics = m
	}

	db, s3, err := app.Connect(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to connect storage", zap.Error(err))
	}
	defer db.Close()

	providers, err := app.NewProviders(cfg, s3)
	if err != nil {
		logger.Fatal("Failed to init providers", zap.Error(err))
	}

	rabbitMQ, err := queue.NewRabbitMQ(cfg.RabbitMQ.URL)
	if err != nil {
		logger.Fatal("Failed to connect to RabbitMQ", zap.Error(err))
	}
	defer rabbitMQ.Close()

	svc := transform.NewService(providers.Completer, nil, metrics)
	processor := app.NewProcessor(cfg, db, s3, providers, svc, metrics)

	logger.Info("Consuming finalize tasks", zap.Int("concurrency", cfg.Worker.Concurrency))
	if err := rabbitMQ.Consume(ctx, queue.QueueNameVoiceFinalize, cfg.Worker.Concurrency, processor.ProcessTask); err != nil {
		logger.Error("Failed to consume messages", zap.Error(err))
	}

	logger.Info("Worker shutdown complete")
}
