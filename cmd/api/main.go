package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"bleepy/internal/api"
	"bleepy/internal/auth"
	"bleepy/internal/certificate"
	"bleepy/internal/config"
	"bleepy/internal/database"
	"bleepy/internal/imagefetch"
	"bleepy/internal/logging"
	"bleepy/internal/metrics"
	"bleepy/internal/storage"
)

func main() {
	cfg := config.MustLoad()

	logger, logCloser := logging.New(cfg.Log)
	defer logCloser.Close()
	slog.SetDefault(logger)

	logger.Info("api bootstrapped",
		slog.String("db_host", cfg.Database.Host),
		slog.Int("db_port", cfg.Database.Port),
		slog.String("db_name", cfg.Database.Name),
		slog.String("storage_driver", cfg.Storage.Driver),
	)

	db, err := database.InitDatabase(cfg.Database, logger)
	if err != nil {
		fatal(logger, "init database", err)
	}
	if err := database.AutoMigrate(db); err != nil {
		fatal(logger, "auto migrate", err)
	}
	logger.Info("database migrated")

	ctx := context.Background()
	store, storeCloser, err := storage.OpenShared(ctx, cfg)
	if err != nil {
		fatal(logger, "init storage", err)
	}
	defer storeCloser.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr()})
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error("close redis client failed", slog.Any("error", err))
		}
	}()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		fatal(logger, "ping redis", err)
	}

	asynqClient := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.Redis.Addr()})
	defer asynqClient.Close()

	authService, err := newAuthService(cfg.Auth)
	if err != nil {
		fatal(logger, "init auth", err)
	}

	renderer, err := newPreviewRenderer(cfg, store, logger)
	if err != nil {
		fatal(logger, "init renderer", err)
	}

	router := api.NewRouter(logger)
	api.RegisterRoutes(router, api.Deps{
		DB:                 db,
		Enqueuer:           asynqClient,
		Auth:               authService,
		Redis:              redisClient,
		Logger:             logger,
		Storage:            store,
		Previewer:          renderer,
		ClamdAddr:          cfg.Clamd.Addr,
		MaxUploadBytes:     cfg.API.MaxUploadBytes,
		MaxImagePixels:     cfg.Fetch.MaxPixels,
		AllowedOrigins:     cfg.API.Origins(),
		PreviewRateLimit:   cfg.Preview.RateLimit,
		PreviewRateWindow:  cfg.Preview.RateWindow,
		MaxRetry:           cfg.Worker.MaxRetry,
		TaskTimeout:        cfg.Worker.TaskTimeout,
		InternalSecretHash: cfg.Auth.InternalSecretHash,
	})

	address := fmt.Sprintf(":%d", cfg.API.Port)
	logger.Info("api listening", slog.String("addr", address))
	if err := router.Run(address); err != nil {
		fatal(logger, "start api server", err)
	}
}

func newAuthService(cfg config.AuthConfig) (*auth.AuthService, error) {
	publicPEM, err := os.ReadFile(cfg.PublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	var privatePEM []byte
	if cfg.PrivateKeyPath != "" {
		if privatePEM, err = os.ReadFile(cfg.PrivateKeyPath); err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
	}
	return auth.NewAuthService(privatePEM, publicPEM, cfg.AccessTokenTTL)
}

// 预览使用 gg 后端，与 worker 的 image 后端分开统计。
func newPreviewRenderer(cfg *config.Config, store storage.ObjectStore, logger *slog.Logger) (*certificate.Renderer, error) {
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
		certificate.WithSurface("gg", certificate.NewGGSurface),
		certificate.WithLogger(logger),
		certificate.WithObserver(metrics.ObserveRender),
	), nil
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, slog.Any("error", err))
	os.Exit(1)
}
