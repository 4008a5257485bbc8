package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/karacabey/imagemill/internal/cache"
	"github.com/karacabey/imagemill/internal/config"
	"github.com/karacabey/imagemill/internal/handler"
	"github.com/karacabey/imagemill/internal/infra/postgresql"
	"github.com/karacabey/imagemill/internal/infra/postgresql/migrations"
	infraredis "github.com/karacabey/imagemill/internal/infra/redis"
	"github.com/karacabey/imagemill/internal/notifier"
	"github.com/karacabey/imagemill/internal/observability"
	"github.com/karacabey/imagemill/internal/processor"
	"github.com/karacabey/imagemill/internal/queue"
	"github.com/karacabey/imagemill/internal/repository"
	"github.com/karacabey/imagemill/internal/service"
	"github.com/karacabey/imagemill/internal/storage"
	"github.com/karacabey/imagemill/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync() //nolint:errcheck

	db, err := postgresql.NewPostgres(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("postgres initialization failed", zap.Error(err))
	}

	if err := migrations.Migrate(db); err != nil {
		logger.Fatal("database migrations failed", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal("postgres underlying db init failed", zap.Error(err))
	}
	defer sqlDB.Close()

	rdb, err := infraredis.NewRedis(cfg.RedisURL)
	if err != nil {
		logger.Fatal("redis initialization failed", zap.Error(err))
	}
	defer rdb.Close()

	rabbit, err := queue.NewRabbitMQ(cfg.RabbitMQURL)
	if err != nil {
		logger.Fatal("rabbitmq initialization failed", zap.Error(err))
	}
	defer rabbit.Close()

	publisher := queue.NewRabbitMQPublisher(rabbit)
	consumer := queue.NewRabbitMQConsumer(rabbit, cfg.BatchConcurrency, logger)

	objectStore, err := newObjectStore(cfg)
	if err != nil {
		logger.Fatal("object store initialization failed", zap.Error(err))
	}

	imageProcessor, err := processor.NewImageProcessor(
		objectStore,
		time.Duration(cfg.FetchTimeoutSec)*time.Second,
		cfg.JPEGQuality,
		logger,
	)
	if err != nil {
		logger.Fatal("image processor initialization failed", zap.Error(err))
	}

	itemProcessor, err := service.NewItemProcessor(imageProcessor, cfg.ItemConcurrency, logger)
	if err != nil {
		logger.Fatal("item processor initialization failed", zap.Error(err))
	}

	batchRepo := repository.NewGormBatchRepo(db)
	itemRepo := repository.NewGormItemRepo(db)
	webhookNotifier := notifier.NewWebhookNotifier(logger)
	metrics := observability.NewMetrics()

	orchestrator, err := service.NewOrchestrator(
		batchRepo,
		itemRepo,
		consumer,
		itemProcessor,
		webhookNotifier,
		cfg.BatchConcurrency,
		logger,
	)
	if err != nil {
		logger.Fatal("orchestrator initialization failed", zap.Error(err))
	}
	orchestrator.SetMetrics(metrics)

	batchService, err := service.NewBatchService(batchRepo, itemRepo, publisher, logger)
	if err != nil {
		logger.Fatal("batch service initialization failed", zap.Error(err))
	}

	statusCache, err := cache.NewStatusCache(rdb, time.Duration(cfg.StatusCacheTTLSec)*time.Second)
	if err != nil {
		logger.Fatal("status cache initialization failed", zap.Error(err))
	}
	batchService.SetStatusCache(statusCache)

	scanner, err := service.NewRequeueScanner(
		batchRepo,
		publisher,
		time.Duration(cfg.RequeueScanSec)*time.Second,
		time.Duration(cfg.StaleAfterSec)*time.Second,
		logger,
	)
	if err != nil {
		logger.Fatal("requeue scanner initialization failed", zap.Error(err))
	}

	app := fiber.New(fiber.Config{
		ErrorHandler: transport.ErrorHandler(logger),
	})
	app.Use(metrics.HTTPMiddleware())

	handler.RegisterHealthRoutes(app, sqlDB, rdb, rabbit)
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	if err := handler.RegisterBatchRoutes(app, batchService); err != nil {
		logger.Fatal("route registration failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("batch worker started", zap.Int("concurrency", cfg.BatchConcurrency))
		return orchestrator.Start(gCtx)
	})
	g.Go(func() error {
		return scanner.Start(gCtx)
	})
	g.Go(func() error {
		logger.Info("imagemill api started", zap.Int("port", cfg.APIPort))
		return app.Listen(fmt.Sprintf(":%d", cfg.APIPort))
	})
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down")
		return app.ShutdownWithTimeout(shutdownTimeout)
	})

	if err := g.Wait(); err != nil && !isShutdownErr(err) {
		logger.Fatal("service exited with error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func newObjectStore(cfg *config.Config) (storage.ObjectStore, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.StorageBackend)) {
	case "", "fs":
		return storage.NewFSStore(cfg.OutputDir)
	case "s3", "minio":
		return storage.NewMinioStore(
			cfg.MinioEndpoint,
			cfg.MinioAccessKey,
			cfg.MinioSecretKey,
			cfg.MinioBucket,
			cfg.MinioUseSSL,
		)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

func isShutdownErr(err error) bool {
	return err == nil || errors.Is(err, context.Canceled)
}
