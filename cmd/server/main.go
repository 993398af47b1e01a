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

	"lingochat/internal/api"
	"lingochat/internal/app"
	"lingochat/internal/config"
	"lingochat/internal/observe"
	"lingochat/internal/queue"
	"lingochat/internal/speech"
	"lingochat/internal/transform"
	"lingochat/pkg/cache"
	"lingochat/pkg/logger"
	"lingochat/pkg/model"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.Debug, "lingochat-server"); err != nil {
		panic("Failed to init logger: " + err.Error())
	}
	defer logger.Sync()

	logger.Info("Starting lingochat server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metrics *observe.Metrics
	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		m, handler, shutdown, err := observe.InitProvider()
		if err != nil {
			logger.Fatal("Failed to init metrics", zap.Error(err))
		}
		defer shutdown(context.Background())
		metrics, metricsHandler = m, handler
	}

	db, s3, err := app.Connect(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to connect storage", zap.Error(err))
	}
	defer db.Close()

	var redisCache cache.Cache
	rc, err := cache.NewRedisCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.TTL)
	if err != nil {
		logger.Warn("Redis unavailable, serving transformations from Postgres", zap.Error(err))
	} else {
		defer rc.Close()
		redisCache = rc
	}

	queueDB, err := app.OpenQueueStore(cfg)
	if err != nil {
		logger.Warn("Queue store unavailable, running memory-only", zap.Error(err))
	}
	if queueDB != nil {
		defer queueDB.Close()
	}

	providers, err := app.NewProviders(cfg, s3)
	if err != nil {
		logger.Fatal("Failed to init providers", zap.Error(err))
	}

	svc := transform.NewService(providers.Completer, nil, metrics)

	transformCache := transform.NewCache(svc, db, redisCache, metrics,
		app.QueueOptions[transform.Job, *model.TransformationRecord](cfg, app.Bucket(queueDB, transform.QueueName)))
	if err := transformCache.Engine().Start(); err != nil {
		logger.Fatal("Failed to start transform queue", zap.Error(err))
	}
	defer transformCache.Engine().Stop()

	transcriber := speech.NewDurableTranscriber(providers.Transcriber, metrics,
		app.QueueOptions[speech.Audio, *speech.Transcript](cfg, app.Bucket(queueDB, speech.QueueName)))
	if err := transcriber.Engine().Start(); err != nil {
		logger.Fatal("Failed to start transcription queue", zap.Error(err))
	}
	defer transcriber.Engine().Stop()

	if metrics != nil {
		err := observe.QueueGauge(otel.GetMeterProvider(), map[string]func() int{
			transform.QueueName: transformCache.Engine().Len,
			speech.QueueName:    transcriber.Engine().Len,
		})
		if err != nil {
			logger.Warn("Failed to register queue gauge", zap.Error(err))
		}
	}

	monitor := queue.NewConnectivityMonitor(queue.TCPProbe(cfg.Queue.ProbeAddr, 5*time.Second),
		cfg.Queue.ProbeInterval, transformCache.Engine(), transcriber.Engine())
	monitor.Start(ctx)
	defer monitor.Stop()

	var publisher api.Publisher
	if cfg.RabbitMQ.URL != "" {
		rabbitMQ, err := queue.NewRabbitMQ(cfg.RabbitMQ.URL)
		if err != nil {
			logger.Warn("RabbitMQ unavailable, finalize runs inline only", zap.Error(err))
		} else {
			defer rabbitMQ.Close()
			publisher = rabbitMQ
		}
	}

	auth, err := api.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.JWKSURL)
	if err != nil {
		logger.Fatal("Failed to init authentication", zap.Error(err))
	}
	defer auth.Close()

	checks := map[string]func(context.Context) error{
		"postgres": db.Ping,
	}
	if rc != nil {
		checks["redis"] = rc.Ping
	}

	router := api.NewRouter(api.Deps{
		Auth:        auth.Middleware(),
		Finalizer:   app.NewProcessor(cfg, db, s3, providers, svc, metrics),
		Publisher:   publisher,
		Messages:    db,
		Transforms:  transformCache,
		Transcriber: transcriber,
		Corrector:   svc,
		Checks:      checks,
		Queues:      []api.QueueState{transformCache.Engine(), transcriber.Engine()},
		Metrics:     metricsHandler,
		WaitTimeout: cfg.HTTP.WaitTimeout,
	})

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown failed", zap.Error(err))
	}

	logger.Info("Server shutdown complete")
}
