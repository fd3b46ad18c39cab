package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"bleepy/internal/api/middleware"
	"bleepy/internal/certificate"
	"bleepy/internal/database"
	"bleepy/internal/storage"
	"bleepy/internal/tasks"
)

const maxTemplateFields = 200

// TemplateHandler 负责证书模板的增删改查、背景图上传与预览。
type TemplateHandler struct {
	db        *gorm.DB
	storage   storage.ObjectStore
	enqueuer  TaskEnqueuer
	logger    *slog.Logger
	clamdAddr string
	maxUpload int64
	maxPixels int64
}

func NewTemplateHandler(db *gorm.DB, store storage.ObjectStore, enqueuer TaskEnqueuer, logger *slog.Logger, clamdAddr string, maxUpload int64) *TemplateHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TemplateHandler{
		db:        db,
		storage:   store,
		enqueuer:  enqueuer,
		logger:    logger,
		clamdAddr: clamdAddr,
		maxUpload: maxUpload,
	}
}

type templateRequest struct {
	Title         string              `json:"title" binding:"required"`
	BackgroundURL string              `json:"background_url"`
	Canvas        certificate.Size    `json:"canvas"`
	Fields        []certificate.Field `json:"fields"`
}

type templateResponse struct {
	ID            uint                `json:"id"`
	Title         string              `json:"title"`
	BackgroundKey string              `json:"background_key,omitempty"`
	BackgroundURL string              `json:"background_url,omitempty"`
	ThumbnailURL  string              `json:"thumbnail_url,omitempty"`
	Canvas        certificate.Size    `json:"canvas"`
	Fields        []certificate.Field `json:"fields"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

type templateListItem struct {
	ID           uint      `json:"id"`
	Title        string    `json:"title"`
	ThumbnailURL string    `json:"thumbnail_url,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// validateTemplate 检查画布尺寸、字段数量、字段 id 唯一以及对齐方式。
func validateTemplate(req templateRequest) error {
	if req.Canvas.Width <= 0 || req.Canvas.Height <= 0 {
		return errors.New("canvas width and height must be positive")
	}
	if len(req.Fields) > maxTemplateFields {
		return fmt.Errorf("too many fields: %d > %d", len(req.Fields), maxTemplateFields)
	}
	if req.BackgroundURL != "" {
		u, err := url.Parse(req.BackgroundURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return errors.New("background_url must be an http(s) url")
		}
	}

	seen := make(map[string]struct{}, len(req.Fields))
	for i, field := range req.Fields {
		id := strings.TrimSpace(field.ID)
		if id == "" {
			return fmt.Errorf("field %d: id is required", i)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("field %q: duplicate id", id)
		}
		seen[id] = struct{}{}

		switch field.TextAlign {
		case "", certificate.AlignLeft, certificate.AlignCenter, certificate.AlignRight:
		default:
			return fmt.Errorf("field %q: unsupported textAlign %q", id, field.TextAlign)
		}
		switch field.Type {
		case "", certificate.FieldTypeText, certificate.FieldTypeQR:
		default:
			return fmt.Errorf("field %q: unsupported type %q", id, field.Type)
		}
	}
	return nil
}

func encodeFields(fields []certificate.Field) (datatypes.JSON, error) {
	if fields == nil {
		fields = []certificate.Field{}
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

// POST /v1/templates
func (h *TemplateHandler) CreateTemplate(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}

	var req templateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}
	if err := validateTemplate(req); err != nil {
		BadRequest(c, err.Error())
		return
	}

	fields, err := encodeFields(req.Fields)
	if err != nil {
		BadRequest(c, "invalid fields")
		return
	}

	model := database.CertificateTemplate{
		Title:         req.Title,
		UserID:        userID,
		BackgroundURL: req.BackgroundURL,
		CanvasWidth:   req.Canvas.Width,
		CanvasHeight:  req.Canvas.Height,
		Fields:        fields,
	}
	if err := h.db.WithContext(c.Request.Context()).Create(&model).Error; err != nil {
		Internal(c, "failed to create template")
		return
	}

	h.enqueueThumbnail(c, &model)
	c.JSON(http.StatusCreated, h.newTemplateResponse(c.Request.Context(), model))
}

// GET /v1/templates
func (h *TemplateHandler) ListTemplates(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}

	var templates []database.CertificateTemplate
	if err := h.db.WithContext(c.Request.Context()).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Find(&templates).Error; err != nil {
		Internal(c, "failed to list templates")
		return
	}

	items := make([]templateListItem, 0, len(templates))
	for _, t := range templates {
		items = append(items, templateListItem{
			ID:           t.ID,
			Title:        t.Title,
			ThumbnailURL: h.thumbnailURL(c.Request.Context(), t),
			UpdatedAt:    t.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, items)
}

// GET /v1/templates/:id
func (h *TemplateHandler) GetTemplate(c *gin.Context) {
	tpl, ok := h.templateFromRequest(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.newTemplateResponse(c.Request.Context(), *tpl))
}

// PUT /v1/templates/:id
// 整体替换标题、画布、字段与背景直链；已上传的背景图保持不变。
func (h *TemplateHandler) UpdateTemplate(c *gin.Context) {
	tpl, ok := h.templateFromRequest(c)
	if !ok {
		return
	}

	var req templateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}
	if err := validateTemplate(req); err != nil {
		BadRequest(c, err.Error())
		return
	}
	fields, err := encodeFields(req.Fields)
	if err != nil {
		BadRequest(c, "invalid fields")
		return
	}

	if err := h.db.WithContext(c.Request.Context()).Model(tpl).Updates(map[string]any{
		"title":          req.Title,
		"background_url": req.BackgroundURL,
		"canvas_width":   req.Canvas.Width,
		"canvas_height":  req.Canvas.Height,
		"fields":         fields,
	}).Error; err != nil {
		Internal(c, "failed to update template")
		return
	}
	tpl.Title = req.Title
	tpl.BackgroundURL = req.BackgroundURL
	tpl.CanvasWidth = req.Canvas.Width
	tpl.CanvasHeight = req.Canvas.Height
	tpl.Fields = fields

	h.enqueueThumbnail(c, tpl)
	c.JSON(http.StatusOK, h.newTemplateResponse(c.Request.Context(), *tpl))
}

// DELETE /v1/templates/:id
// 删除模板目录下的背景图与缩略图；已签发的证书不受影响。
func (h *TemplateHandler) DeleteTemplate(c *gin.Context) {
	tpl, ok := h.templateFromRequest(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	if err := h.storage.DeletePrefix(ctx, templatePrefix(tpl.UserID, tpl.ID)); err != nil {
		middleware.LoggerFromContext(c).Error("delete template objects failed",
			slog.Uint64("template_id", uint64(tpl.ID)),
			slog.Any("error", err),
		)
		Internal(c, "failed to delete template assets")
		return
	}
	if err := h.db.WithContext(ctx).Delete(tpl).Error; err != nil {
		Internal(c, "failed to delete template")
		return
	}
	c.Status(http.StatusNoContent)
}

// templateFromRequest 解析路径参数并加载当前用户的模板，失败时已写入响应。
func (h *TemplateHandler) templateFromRequest(c *gin.Context) (*database.CertificateTemplate, bool) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return nil, false
	}

	tpl, err := findTemplateForUser(c.Request.Context(), h.db, c.Param("id"), userID)
	if err != nil {
		switch {
		case errors.Is(err, errInvalidID):
			BadRequest(c, "invalid template id")
		case errors.Is(err, gorm.ErrRecordNotFound):
			NotFound(c, "template not found")
		default:
			Internal(c, "failed to query template")
		}
		return nil, false
	}
	return tpl, true
}

func findTemplateForUser(ctx context.Context, db *gorm.DB, idParam string, userID uint) (*database.CertificateTemplate, error) {
	id, err := parseIDParam(idParam)
	if err != nil {
		return nil, err
	}
	var tpl database.CertificateTemplate
	if err := db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		First(&tpl).Error; err != nil {
		return nil, err
	}
	return &tpl, nil
}

// enqueueThumbnail 在模板有背景图时投递缩略图任务，失败只记录日志。
func (h *TemplateHandler) enqueueThumbnail(c *gin.Context, tpl *database.CertificateTemplate) {
	if h.enqueuer == nil || (tpl.BackgroundKey == "" && tpl.BackgroundURL == "") {
		return
	}
	log := middleware.LoggerFromContext(c)

	task, err := tasks.NewTemplateThumbnailTask(tpl.ID, middleware.GetCorrelationID(c))
	if err != nil {
		log.Error("create thumbnail task failed", slog.Any("error", err))
		return
	}
	if _, err := h.enqueuer.EnqueueContext(c.Request.Context(), task, asynq.MaxRetry(2)); err != nil {
		log.Warn("enqueue thumbnail task failed",
			slog.Uint64("template_id", uint64(tpl.ID)),
			slog.Any("error", err),
		)
	}
}

func (h *TemplateHandler) thumbnailURL(ctx context.Context, tpl database.CertificateTemplate) string {
	if tpl.ThumbnailKey == "" {
		return ""
	}
	u, err := h.storage.GeneratePresignedURL(ctx, tpl.ThumbnailKey, 10*time.Minute)
	if err != nil {
		return ""
	}
	return u
}

func (h *TemplateHandler) newTemplateResponse(ctx context.Context, tpl database.CertificateTemplate) templateResponse {
	resp := templateResponse{
		ID:            tpl.ID,
		Title:         tpl.Title,
		BackgroundKey: tpl.BackgroundKey,
		BackgroundURL: tpl.BackgroundURL,
		ThumbnailURL:  h.thumbnailURL(ctx, tpl),
		Canvas:        certificate.Size{Width: tpl.CanvasWidth, Height: tpl.CanvasHeight},
		Fields:        []certificate.Field{},
		CreatedAt:     tpl.CreatedAt,
		UpdatedAt:     tpl.UpdatedAt,
	}
	if len(tpl.Fields) > 0 {
		_ = json.Unmarshal(tpl.Fields, &resp.Fields)
	}
	return resp
}

func templatePrefix(userID, templateID uint) string {
	return fmt.Sprintf("users/%d/templates/%d/", userID, templateID)
}

// templateBackgroundRef 返回渲染使用的背景引用：已上传的对象 key 优先，其次是外部直链。
func templateBackgroundRef(tpl database.CertificateTemplate) string {
	if tpl.BackgroundKey != "" {
		return tpl.BackgroundKey
	}
	return tpl.BackgroundURL
}
