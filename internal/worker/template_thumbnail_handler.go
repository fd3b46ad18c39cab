package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"log/slog"

	"github.com/hibiken/asynq"
	"gorm.io/gorm"

	"bleepy/internal/certificate"
	"bleepy/internal/database"
	"bleepy/internal/storage"
	"bleepy/internal/tasks"
)

const templateThumbnailWidth = 480

// ImageRenderer 将模板合成为图片。
type ImageRenderer interface {
	RenderImage(ctx context.Context, tpl certificate.Template, data certificate.Data) (image.Image, error)
}

// TemplateThumbnailHandler 负责模板缩略图生成任务：用示例数据渲染并写入对象存储。
type TemplateThumbnailHandler struct {
	db       *gorm.DB
	storage  storage.ObjectStore
	renderer ImageRenderer
	logger   *slog.Logger
}

func NewTemplateThumbnailHandler(
	db *gorm.DB,
	store storage.ObjectStore,
	renderer ImageRenderer,
	logger *slog.Logger,
) *TemplateThumbnailHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TemplateThumbnailHandler{
		db:       db,
		storage:  store,
		renderer: renderer,
		logger:   logger,
	}
}

// ThumbnailKey 返回模板缩略图的对象 key。
func ThumbnailKey(userID, templateID uint) string {
	return fmt.Sprintf("users/%d/templates/%d/thumbnail.jpg", userID, templateID)
}

func (h *TemplateThumbnailHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	log := h.logger

	var payload tasks.TemplateThumbnailPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		log.Error("unmarshal template thumbnail payload failed", slog.Any("error", err))
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}

	log = log.With(
		slog.Uint64("template_id", uint64(payload.TemplateID)),
		slog.String("correlation_id", payload.CorrelationID),
	)
	log.Info("starting template thumbnail generation")

	var tplRow database.CertificateTemplate
	if err := h.db.WithContext(ctx).First(&tplRow, payload.TemplateID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Warn("template not found, skipping task")
			return nil
		}
		log.Error("query template failed", slog.Any("error", err))
		return err
	}

	ref := tplRow.BackgroundKey
	if ref == "" {
		ref = tplRow.BackgroundURL
	}
	if ref == "" {
		log.Info("template has no background yet, skipping thumbnail")
		return nil
	}

	tpl, err := tplRow.ToCertificate(ref)
	if err != nil {
		log.Error("decode template failed", slog.Any("error", err))
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}

	img, err := h.renderer.RenderImage(ctx, tpl, certificate.SampleData())
	if err != nil {
		log.Error("render template thumbnail failed", slog.Any("error", err))
		return err
	}
	thumb, err := certificate.Thumbnail(img, templateThumbnailWidth)
	if err != nil {
		log.Error("encode template thumbnail failed", slog.Any("error", err))
		return err
	}

	objectName := ThumbnailKey(tplRow.UserID, tplRow.ID)
	if err := h.storage.UploadFile(ctx, objectName, bytes.NewReader(thumb), int64(len(thumb)), certificate.ContentTypeJPEG); err != nil {
		log.Error("upload template thumbnail failed", slog.Any("error", err))
		return err
	}

	if err := h.db.WithContext(ctx).
		Model(&tplRow).
		Update("thumbnail_key", objectName).Error; err != nil {
		log.Error("update template thumbnail key failed", slog.Any("error", err))
		return err
	}

	log.Info("template thumbnail generation completed", slog.String("key", objectName))
	return nil
}
