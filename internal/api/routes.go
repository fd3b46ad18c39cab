package api

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"bleepy/internal/api/middleware"
	"bleepy/internal/auth"
	"bleepy/internal/storage"
)

// Deps 汇总路由依赖。Redis 为 nil 时不限流，WebSocket 路由不注册。
type Deps struct {
	DB                 *gorm.DB
	Enqueuer           TaskEnqueuer
	Auth               *auth.AuthService
	Redis              *redis.Client
	Logger             *slog.Logger
	Storage            storage.ObjectStore
	Previewer          PreviewRenderer
	ClamdAddr          string
	MaxUploadBytes     int64
	MaxImagePixels     int64
	AllowedOrigins     []string
	PreviewRateLimit   int
	PreviewRateWindow  time.Duration
	MaxRetry           int
	TaskTimeout        time.Duration
	InternalSecretHash string
}

// RegisterRoutes 注册 API 路由，不包含 /api 前缀。
func RegisterRoutes(router *gin.Engine, deps Deps) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var counter redisRateCounter
	if deps.Redis != nil {
		counter = deps.Redis
	}

	templateHandler := NewTemplateHandler(deps.DB, deps.Storage, deps.Enqueuer, logger, deps.ClamdAddr, deps.MaxUploadBytes)
	templateHandler.maxPixels = deps.MaxImagePixels
	previewHandler := NewPreviewHandler(deps.DB, deps.Previewer, counter, deps.PreviewRateLimit, deps.PreviewRateWindow)
	certificateHandler := NewCertificateHandler(deps.DB, deps.Storage, deps.Enqueuer, deps.MaxRetry, deps.TaskTimeout)
	authMiddleware := middleware.AuthMiddleware(deps.Auth)

	v1 := router.Group("/v1")
	{
		if deps.Redis != nil {
			wsHandler := NewWsHandler(deps.Redis, deps.Auth, logger, deps.AllowedOrigins)
			v1.GET("/ws", wsHandler.HandleConnection)
		}

		templateGroup := v1.Group("/templates")
		templateGroup.Use(authMiddleware)
		{
			templateGroup.POST("", templateHandler.CreateTemplate)
			templateGroup.GET("", templateHandler.ListTemplates)
			templateGroup.GET("/:id", templateHandler.GetTemplate)
			templateGroup.PUT("/:id", templateHandler.UpdateTemplate)
			templateGroup.DELETE("/:id", templateHandler.DeleteTemplate)
			templateGroup.POST("/:id/background", templateHandler.UploadBackground)
			templateGroup.POST("/:id/preview", previewHandler.Preview)
		}

		certificateGroup := v1.Group("/certificates")
		certificateGroup.Use(authMiddleware)
		{
			certificateGroup.POST("/batches", certificateHandler.CreateBatch)
			certificateGroup.GET("/batches/:id", certificateHandler.GetBatch)
			certificateGroup.GET("/:id/download-link", certificateHandler.GetDownloadLink)
			certificateGroup.GET("/:id/image", certificateHandler.GetImage)
			certificateGroup.POST("/:id/regenerate", certificateHandler.Regenerate)
		}
	}

	internal := router.Group("/internal/v1")
	internal.Use(middleware.InternalSecretMiddleware(deps.InternalSecretHash))
	{
		internal.POST("/batches", certificateHandler.CreateInternalBatch)
	}
}
