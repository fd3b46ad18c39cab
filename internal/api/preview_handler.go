package api

import (
	"context"
	"errors"
	"image"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"bleepy/internal/api/middleware"
	"bleepy/internal/certificate"
)

// PreviewRenderer 是编辑器预览使用的渲染能力，由 certificate.Renderer 实现。
type PreviewRenderer interface {
	Render(ctx context.Context, tpl certificate.Template, data certificate.Data) ([]byte, error)
	RenderImage(ctx context.Context, tpl certificate.Template, data certificate.Data) (image.Image, error)
}

// PreviewHandler 用示例数据（可被请求覆盖）实时渲染模板。
type PreviewHandler struct {
	db       *gorm.DB
	renderer PreviewRenderer
	limiter  windowLimiter
}

func NewPreviewHandler(db *gorm.DB, renderer PreviewRenderer, counter redisRateCounter, rateLimit int, rateWindow time.Duration) *PreviewHandler {
	return &PreviewHandler{
		db:       db,
		renderer: renderer,
		limiter: windowLimiter{
			counter: counter,
			limit:   rateLimit,
			window:  rateWindow,
			key:     previewRateKey,
		},
	}
}

type previewRequest struct {
	Data certificate.Data `json:"data"`
}

// POST /v1/templates/:id/preview
// 默认返回 PNG；?thumb=W 时返回宽度为 W 的 JPEG 缩略图。
func (h *PreviewHandler) Preview(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}
	log := middleware.LoggerFromContext(c)
	ctx := c.Request.Context()

	allowed, retryAfter, err := h.limiter.allow(ctx, userID)
	if err != nil {
		log.Warn("preview rate counter unavailable", slog.Any("error", err))
	}
	if !allowed {
		TooManyRequests(c, retryAfter)
		return
	}

	var req previewRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		BadRequest(c, err.Error())
		return
	}

	thumbWidth := 0
	if raw := c.Query("thumb"); raw != "" {
		w, err := strconv.Atoi(raw)
		if err != nil || w <= 0 {
			BadRequest(c, "invalid thumb width")
			return
		}
		thumbWidth = w
	}

	model, err := findTemplateForUser(ctx, h.db, c.Param("id"), userID)
	if err != nil {
		switch {
		case errors.Is(err, errInvalidID):
			BadRequest(c, "invalid template id")
		case errors.Is(err, gorm.ErrRecordNotFound):
			NotFound(c, "template not found")
		default:
			Internal(c, "failed to query template")
		}
		return
	}

	ref := templateBackgroundRef(*model)
	if ref == "" {
		Conflict(c, "template has no background image")
		return
	}
	tpl, err := model.ToCertificate(ref)
	if err != nil {
		Internal(c, "failed to decode template")
		return
	}

	data := certificate.SampleData()
	for k, v := range req.Data {
		data[k] = v
	}

	if thumbWidth > 0 {
		img, err := h.renderer.RenderImage(ctx, tpl, data)
		if err != nil {
			h.renderError(c, log, err)
			return
		}
		jpg, err := certificate.Thumbnail(img, thumbWidth)
		if err != nil {
			Internal(c, "failed to encode thumbnail")
			return
		}
		c.Data(http.StatusOK, certificate.ContentTypeJPEG, jpg)
		return
	}

	png, err := h.renderer.Render(ctx, tpl, data)
	if err != nil {
		h.renderError(c, log, err)
		return
	}
	c.Data(http.StatusOK, certificate.ContentTypePNG, png)
}

func (h *PreviewHandler) renderError(c *gin.Context, log *slog.Logger, err error) {
	if errors.Is(err, certificate.ErrBackgroundUnavailable) {
		log.Warn("preview background unavailable", slog.Any("error", err))
		Unprocessable(c, "background image unavailable")
		return
	}
	log.Error("render preview failed", slog.Any("error", err))
	Internal(c, "failed to render preview")
}
