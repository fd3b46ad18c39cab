package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"bleepy/internal/certificate"
	"bleepy/internal/config"
	"bleepy/internal/database"
	"bleepy/internal/imagefetch"
	"bleepy/internal/logging"
	"bleepy/internal/metrics"
	"bleepy/internal/storage"
	"bleepy/internal/tasks"
	"bleepy/internal/worker"
)

func main() {
	cfg := config.MustLoad()

	logger, logCloser := logging.New(cfg.Log)
	defer logCloser.Close()
	slog.SetDefault(logger)

	db, err := database.InitDatabase(cfg.Database, logger)
	if err != nil {
		fatal(logger, "init database", err)
	}
	logger.Info("database connection ready for worker")

	ctx := context.Background()
	store, storeCloser, err := storage.OpenShared(ctx, cfg)
	if err != nil {
		fatal(logger, "init storage", err)
	}
	defer storeCloser.Close()
	logger.Info("storage ready", slog.String("driver", cfg.Storage.Driver))

	redisAddr := cfg.Redis.Addr()
	redisClient := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error("close redis client failed", slog.Any("error", err))
		}
	}()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		fatal(logger, "ping redis", err)
	}

	renderer, err := newRenderer(cfg, store, logger)
	if err != nil {
		fatal(logger, "init renderer", err)
	}
	issuer := certificate.NewIssuer(renderer, store, logger)

	certificateHandler := worker.NewCertificateTaskHandler(db, store, issuer, redisClient, logger, worker.HandlerOptions{
		VerificationBaseURL: cfg.Certificate.VerificationBaseURL,
		TaskTimeout:         cfg.Worker.TaskTimeout,
	})
	thumbnailHandler := worker.NewTemplateThumbnailHandler(db, store, renderer, logger)

	server := asynq.NewServer(asynq.RedisClientOpt{Addr: redisAddr}, asynq.Config{
		Concurrency: cfg.Worker.Concurrency,
		Logger:      newAsynqLogger(logger),
	})

	mux := asynq.NewServeMux()
	mux.Use(metrics.AsynqMetricsMiddleware())
	mux.Handle(tasks.TypeCertificateGenerate, certificateHandler)
	mux.Handle(tasks.TypeTemplateThumbnail, thumbnailHandler)

	logger.Info("worker service started",
		slog.String("redis_addr", redisAddr),
		slog.Int("concurrency", cfg.Worker.Concurrency),
		slog.String("surface", renderer.SurfaceName()),
	)
	if err := server.Run(mux); err != nil {
		logger.Error("worker server stopped", slog.Any("error", err))
	}
}

func newRenderer(cfg *config.Config, store storage.ObjectStore, logger *slog.Logger) (*certificate.Renderer, error) {
	fonts, err := certificate.NewFontBook()
	if err != nil {
		return nil, err
	}
	n, err := fonts.LoadDir(cfg.Certificate.FontsDir)
	if err != nil {
		return nil, err
	}
	logger.Info("fonts loaded", slog.Int("count", n), slog.String("dir", cfg.Certificate.FontsDir))

	loader := imagefetch.Loader{
		Fetcher: imagefetch.NewFetcher(imagefetch.Options{
			RetryMax:     cfg.Fetch.RetryMax,
			MaxBytes:     cfg.Fetch.MaxBytes,
			MaxPixels:    cfg.Fetch.MaxPixels,
			AllowPrivate: cfg.Fetch.AllowPrivate,
		}),
		Objects:   store,
		MaxBytes:  cfg.Fetch.MaxBytes,
		MaxPixels: cfg.Fetch.MaxPixels,
	}
	return certificate.NewRenderer(fonts, loader,
		certificate.WithLogger(logger),
		certificate.WithObserver(metrics.ObserveRender),
	), nil
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, slog.Any("error", err))
	os.Exit(1)
}
