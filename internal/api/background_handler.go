package api

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/dutchcoders/go-clamd"
	"github.com/gin-gonic/gin"

	"bleepy/internal/api/middleware"
	"bleepy/internal/imagefetch"
)

// 背景图允许的 MIME 类型及对应扩展名。
var backgroundTypes = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/webp": ".webp",
}

func backgroundKey(userID, templateID uint, ext string) string {
	return fmt.Sprintf("%sbackground%s", templatePrefix(userID, templateID), ext)
}

// POST /v1/templates/:id/background
// 上传模板背景图：校验大小与类型，配置了 clamd 时先扫描，再写入对象存储。
func (h *TemplateHandler) UploadBackground(c *gin.Context) {
	tpl, ok := h.templateFromRequest(c)
	if !ok {
		return
	}
	log := middleware.LoggerFromContext(c)

	file, err := c.FormFile("file")
	if err != nil {
		BadRequest(c, "missing file")
		return
	}
	if h.maxUpload > 0 && file.Size > h.maxUpload {
		TooLarge(c, "file too large")
		return
	}

	fileReader, err := file.Open()
	if err != nil {
		Internal(c, "failed to open file")
		return
	}
	limit := h.maxUpload
	if limit <= 0 {
		limit = imagefetch.DefaultMaxBytes
	}
	data, err := io.ReadAll(io.LimitReader(fileReader, limit+1))
	fileReader.Close()
	if err != nil {
		Internal(c, "failed to read file")
		return
	}
	if int64(len(data)) > limit {
		TooLarge(c, "file too large")
		return
	}

	contentType := http.DetectContentType(data)
	ext, allowed := backgroundTypes[contentType]
	if !allowed {
		BadRequest(c, "unsupported image type")
		return
	}
	if _, err := imagefetch.DecodeLimit(data, h.maxPixels); err != nil {
		if errors.Is(err, imagefetch.ErrTooLarge) {
			TooLarge(c, "image dimensions too large")
			return
		}
		BadRequest(c, "invalid image")
		return
	}

	if h.clamdAddr != "" {
		clean, err := scanClean(h.clamdAddr, data)
		if err != nil {
			log.Error("scan file", slog.String("error", err.Error()))
			Internal(c, "failed to scan file")
			return
		}
		if !clean {
			BadRequest(c, "malicious file detected")
			return
		}
	}

	ctx := c.Request.Context()
	objectKey := backgroundKey(tpl.UserID, tpl.ID, ext)
	if err := h.storage.UploadFile(ctx, objectKey, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		log.Error("upload file", slog.String("error", err.Error()))
		Internal(c, "failed to upload file")
		return
	}

	// 扩展名变化时清理旧对象。
	if tpl.BackgroundKey != "" && tpl.BackgroundKey != objectKey {
		if err := h.storage.DeleteObject(ctx, tpl.BackgroundKey); err != nil {
			log.Warn("delete previous background failed",
				slog.String("objectKey", tpl.BackgroundKey),
				slog.Any("error", err),
			)
		}
	}

	if err := h.db.WithContext(ctx).Model(tpl).Update("background_key", objectKey).Error; err != nil {
		Internal(c, "failed to update template")
		return
	}
	tpl.BackgroundKey = objectKey

	h.enqueueThumbnail(c, tpl)
	c.JSON(http.StatusCreated, gin.H{"background_key": objectKey})
}

func scanClean(addr string, data []byte) (bool, error) {
	abortChan := make(chan bool)
	defer close(abortChan)

	scanChan, err := clamd.NewClamd(addr).ScanStream(bytes.NewReader(data), abortChan)
	if err != nil {
		return false, err
	}
	clean := true
	for result := range scanChan {
		if result.Status != clamd.RES_OK {
			clean = false
		}
	}
	return clean, nil
}
