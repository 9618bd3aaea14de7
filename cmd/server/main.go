package main

import (
	"context"
	"log"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	apiHandler "github.com/pulsedeck/backend/api/handler"
	"github.com/pulsedeck/backend/internal/aggregator"
	"github.com/pulsedeck/backend/internal/bus"
	"github.com/pulsedeck/backend/internal/config"
	"github.com/pulsedeck/backend/internal/infrastructure/monitor"
	pgInfra "github.com/pulsedeck/backend/internal/infrastructure/postgres"
	"github.com/pulsedeck/backend/internal/infrastructure/queue"
	redisInfra "github.com/pulsedeck/backend/internal/infrastructure/redis"
	"github.com/pulsedeck/backend/internal/middleware"
	"github.com/pulsedeck/backend/internal/router"
	"github.com/pulsedeck/backend/internal/services"
	"github.com/pulsedeck/backend/internal/services/lifecycle"
	"github.com/pulsedeck/backend/internal/transport"
	"github.com/pulsedeck/backend/pkg/httpcontext"
	"github.com/pulsedeck/backend/pkg/logger"
	"github.com/pulsedeck/backend/repository/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	zapLogger, err := logger.New(logger.Config{
		Level:    cfg.Logger.Level,
		Encoding: cfg.Logger.Encoding,
	})
	if err != nil {
		log.Fatalf("logger error: %v", err)
	}
	defer zapLogger.Sync()

	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager := lifecycle.New(cfg.Context.ShutdownTimeout, zapLogger)
	manager.Listen(cancel)

	if err := pgInfra.RunMigrations(cfg, zapLogger); err != nil {
		zapLogger.Fatal("migrations failed", zap.Error(err))
	}

	pool, err := pgInfra.NewPool(appCtx, cfg.Database, zapLogger)
	if err != nil {
		zapLogger.Fatal("postgres connection failed", zap.Error(err))
	}
	manager.Register("postgres", func(ctx context.Context) error {
		pool.Close()
		return nil
	})

	redisClient, err := redisInfra.NewClient(cfg.Redis)
	if err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	manager.Register("redis", func(ctx context.Context) error {
		return redisClient.Close()
	})

	snapshot, err := queue.OpenSnapshotStore(cfg.Queue.Path, "queue")
	if err != nil {
		zapLogger.Fatal("failed to open queue snapshot store", zap.Error(err))
	}
	manager.Register("queue_snapshot", func(ctx context.Context) error {
		return snapshot.Close()
	})

	durableQueue, err := queue.New(queue.Config{
		MaxSize:         cfg.Queue.MaxSize,
		MaxItemAge:      cfg.Queue.MaxItemAge,
		PersistInterval: cfg.Queue.PersistInterval,
		CleanupInterval: cfg.Queue.CleanupInterval,
	}, snapshot, zapLogger)
	if err != nil {
		zapLogger.Fatal("failed to restore durable queue", zap.Error(err))
	}
	durableQueue.Start()
	manager.Register("queue", func(ctx context.Context) error {
		return durableQueue.Stop()
	})

	mon := monitor.New(pool, redisClient, durableQueue, 10*time.Second, zapLogger)
	mon.Start()
	manager.Register("monitor", func(ctx context.Context) error {
		mon.Stop()
		return nil
	})

	metricRepo := postgres.NewMetricRepository(pool)
	memberRepo := postgres.NewMembershipRepository(pool)

	engine := aggregator.New(aggregator.Config{
		FlushInterval:    cfg.Aggregation.FlushInterval,
		FlushLag:         cfg.Aggregation.FlushLag,
		DeadLetterLimit:  cfg.Aggregation.DeadLetterLimit,
		RetryDelay:       cfg.Aggregation.RetryDelay,
		MaxRetries:       cfg.Aggregation.MaxRetries,
		MaxMemoryUsageMB: cfg.Aggregation.MaxMemoryUsageMB,
	}, metricRepo, zapLogger)
	manager.Register("aggregator", func(ctx context.Context) error {
		return engine.Close(ctx)
	})

	eventTransport := transport.NewRedis(redisClient, zapLogger)
	manager.Register("transport", func(ctx context.Context) error {
		return eventTransport.Close()
	})

	eventBus := bus.New(bus.Config{
		HistoryCapacity:  cfg.Bus.HistoryCapacity,
		MaxHistoryAge:    cfg.Bus.MaxHistoryAge,
		ReplayCacheSize:  cfg.Bus.ReplayCacheSize,
		ReplayCacheTTL:   cfg.Bus.ReplayCacheTTL,
		BatchSize:        cfg.Bus.BatchSize,
		BatchInterval:    cfg.Bus.BatchInterval,
		IdleTimeout:      cfg.Bus.IdleTimeout,
		CleanupInterval:  cfg.Bus.CleanupInterval,
		ConnectionBuffer: cfg.Bus.ConnectionBuffer,
	}, eventTransport, memberRepo, redisClient, durableQueue, zapLogger)
	manager.Register("event_bus", func(ctx context.Context) error {
		return eventBus.Close()
	})

	worker := services.NewQueueWorker(durableQueue, mon, zapLogger, services.WorkerConfig{
		Interval:  cfg.Worker.Interval,
		BatchSize: cfg.Worker.BatchSize,
	})
	worker.Handle(queue.TypeMetrics, services.MetricsHandler(metricRepo))
	worker.Handle(queue.TypeBatch, services.RedeliveryHandler(eventTransport))
	worker.Start()
	manager.Register("queue_worker", func(ctx context.Context) error {
		worker.Stop(ctx)
		return nil
	})

	ctxAdapter := httpcontext.NewAdapter(cfg.Context.RequestTimeout)

	handlers := router.Handlers{
		Event:     apiHandler.NewEventHandler(eventBus, ctxAdapter, zapLogger),
		Telemetry: apiHandler.NewTelemetryHandler(engine, ctxAdapter, zapLogger),
		Queue:     apiHandler.NewQueueHandler(durableQueue, ctxAdapter, zapLogger),
		Health:    apiHandler.NewHealthHandler(mon, ctxAdapter, zapLogger),
	}

	authMiddleware := middleware.JWTAuth(cfg.JWT.Secret, zapLogger)
	r := router.New(handlers, authMiddleware)

	server := &fasthttp.Server{
		Handler:      r.Handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
		Name:         cfg.AppName,
	}

	go func() {
		zapLogger.Info("server started", zap.String("address", cfg.Address()))
		if err := server.ListenAndServe(cfg.Address()); err != nil {
			zapLogger.Fatal("server crashed", zap.Error(err))
		}
	}()

	manager.Register("http_server", func(ctx context.Context) error {
		return server.Shutdown()
	})

	<-appCtx.Done()

	if err := manager.Shutdown(context.Background()); err != nil {
		zapLogger.Error("graceful shutdown error", zap.Error(err))
	}
}
