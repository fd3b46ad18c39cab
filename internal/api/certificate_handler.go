package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"bleepy/internal/api/middleware"
	"bleepy/internal/certificate"
	"bleepy/internal/database"
	"bleepy/internal/storage"
	"bleepy/internal/tasks"
)

const (
	maxBatchRecipients = 1000
	downloadLinkTTL    = 5 * time.Minute
)

var errCertificateNotFound = errors.New("certificate not found")

// CertificateHandler 负责批量签发、进度查询、下载与重新生成。
type CertificateHandler struct {
	db          *gorm.DB
	storage     storage.ObjectStore
	enqueuer    TaskEnqueuer
	maxRetry    int
	taskTimeout time.Duration
}

func NewCertificateHandler(db *gorm.DB, store storage.ObjectStore, enqueuer TaskEnqueuer, maxRetry int, taskTimeout time.Duration) *CertificateHandler {
	return &CertificateHandler{
		db:          db,
		storage:     store,
		enqueuer:    enqueuer,
		maxRetry:    maxRetry,
		taskTimeout: taskTimeout,
	}
}

type recipientRequest struct {
	Name  string           `json:"name" binding:"required"`
	Email string           `json:"email"`
	Extra certificate.Data `json:"extra"`
}

type createBatchRequest struct {
	TemplateID    uint               `json:"template_id" binding:"required"`
	GeneratorName string             `json:"generator_name"`
	Event         database.EventInfo `json:"event"`
	Recipients    []recipientRequest `json:"recipients" binding:"required,min=1,dive"`
}

type internalBatchRequest struct {
	UserID uint               `json:"user_id" binding:"required"`
	Batch  createBatchRequest `json:"batch"`
}

type issuedResponse struct {
	CertificateID  string `json:"certificate_id"`
	RecipientName  string `json:"recipient_name"`
	RecipientEmail string `json:"recipient_email,omitempty"`
	Status         string `json:"status"`
	StoragePath    string `json:"storage_path,omitempty"`
	ErrorMessage   string `json:"error_message,omitempty"`
	Attempts       int    `json:"attempts"`
}

type batchResponse struct {
	ID            uint               `json:"id"`
	TemplateID    uint               `json:"template_id"`
	GeneratorName string             `json:"generator_name"`
	Event         database.EventInfo `json:"event"`
	Status        string             `json:"status"`
	Total         int                `json:"total"`
	Completed     int                `json:"completed"`
	Failed        int                `json:"failed"`
	CreatedAt     time.Time          `json:"created_at"`
	Items         []issuedResponse   `json:"items"`
}

func newIssuedResponse(item database.IssuedCertificate) issuedResponse {
	return issuedResponse{
		CertificateID:  item.CertificateID,
		RecipientName:  item.RecipientName,
		RecipientEmail: item.RecipientEmail,
		Status:         item.Status,
		StoragePath:    item.StoragePath,
		ErrorMessage:   item.ErrorMessage,
		Attempts:       item.Attempts,
	}
}

func newBatchResponse(batch database.CertificateBatch) batchResponse {
	event, _ := batch.EventInfo()
	items := make([]issuedResponse, 0, len(batch.Items))
	for _, item := range batch.Items {
		items = append(items, newIssuedResponse(item))
	}
	return batchResponse{
		ID:            batch.ID,
		TemplateID:    batch.TemplateID,
		GeneratorName: batch.GeneratorName,
		Event:         event,
		Status:        batch.Status,
		Total:         batch.Total,
		Completed:     batch.Completed,
		Failed:        batch.Failed,
		CreatedAt:     batch.CreatedAt,
		Items:         items,
	}
}

// POST /v1/certificates/batches
// 创建批次并为每个收件人投递一个生成任务，立即返回 202。
func (h *CertificateHandler) CreateBatch(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}

	var req createBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}
	h.createBatch(c, userID, req)
}

// POST /internal/v1/batches
// 供 Web 应用服务端代用户发起批量签发。
func (h *CertificateHandler) CreateInternalBatch(c *gin.Context) {
	var req internalBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}
	h.createBatch(c, req.UserID, req.Batch)
}

func (h *CertificateHandler) createBatch(c *gin.Context, userID uint, req createBatchRequest) {
	if len(req.Recipients) > maxBatchRecipients {
		BadRequest(c, fmt.Sprintf("too many recipients: %d > %d", len(req.Recipients), maxBatchRecipients))
		return
	}

	ctx := c.Request.Context()
	log := middleware.LoggerFromContext(c).With(slog.Uint64("user_id", uint64(userID)))

	var tpl database.CertificateTemplate
	if err := h.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", req.TemplateID, userID).
		First(&tpl).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			NotFound(c, "template not found")
			return
		}
		Internal(c, "failed to query template")
		return
	}

	event, err := json.Marshal(req.Event)
	if err != nil {
		BadRequest(c, "invalid event")
		return
	}

	batch := database.CertificateBatch{
		UserID:        userID,
		TemplateID:    tpl.ID,
		GeneratorName: req.GeneratorName,
		Event:         datatypes.JSON(event),
		Total:         len(req.Recipients),
		Status:        database.BatchStatusProcessing,
		Items:         make([]database.IssuedCertificate, 0, len(req.Recipients)),
	}
	for _, r := range req.Recipients {
		if r.Extra == nil {
			r.Extra = certificate.Data{}
		}
		extra, err := json.Marshal(r.Extra)
		if err != nil {
			BadRequest(c, "invalid recipient extra")
			return
		}
		batch.Items = append(batch.Items, database.IssuedCertificate{
			CertificateID:  uuid.NewString(),
			RecipientName:  r.Name,
			RecipientEmail: r.Email,
			Extra:          datatypes.JSON(extra),
			Status:         database.IssuedStatusPending,
		})
	}

	if err := h.db.WithContext(ctx).Create(&batch).Error; err != nil {
		log.Error("create batch failed", slog.Any("error", err))
		Internal(c, "failed to create batch")
		return
	}

	correlationID := middleware.GetCorrelationID(c)
	enqueued := 0
	for _, item := range batch.Items {
		if err := h.enqueue(ctx, item.ID, correlationID); err != nil {
			// 单个收件人入队失败直接记为失败，批次仍能结束。
			log.Error("enqueue certificate task failed",
				slog.String("certificate_id", item.CertificateID),
				slog.Any("error", err),
			)
			if _, markErr := database.MarkIssuedFailed(ctx, h.db, item.ID, "enqueue failed: "+err.Error()); markErr != nil {
				log.Error("mark issued certificate failed", slog.Any("error", markErr))
			}
			continue
		}
		enqueued++
	}

	log.Info("certificate batch accepted",
		slog.Uint64("batch_id", uint64(batch.ID)),
		slog.Int("total", batch.Total),
		slog.Int("enqueued", enqueued),
	)

	certificates := make([]gin.H, 0, len(batch.Items))
	for _, item := range batch.Items {
		certificates = append(certificates, gin.H{
			"certificate_id": item.CertificateID,
			"recipient_name": item.RecipientName,
		})
	}
	c.JSON(http.StatusAccepted, gin.H{
		"batch_id":     batch.ID,
		"status":       batch.Status,
		"total":        batch.Total,
		"enqueued":     enqueued,
		"certificates": certificates,
	})
}

func (h *CertificateHandler) enqueue(ctx context.Context, issuedID uint, correlationID string) error {
	opts := []asynq.Option{asynq.MaxRetry(h.maxRetry)}
	if h.taskTimeout > 0 {
		opts = append(opts, asynq.Timeout(h.taskTimeout))
	}
	task, err := tasks.NewCertificateGenerateTask(issuedID, correlationID, opts...)
	if err != nil {
		return err
	}
	_, err = h.enqueuer.EnqueueContext(ctx, task)
	return err
}

// GET /v1/certificates/batches/:id
func (h *CertificateHandler) GetBatch(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}
	batchID, err := parseIDParam(c.Param("id"))
	if err != nil {
		BadRequest(c, "invalid batch id")
		return
	}

	var batch database.CertificateBatch
	if err := h.db.WithContext(c.Request.Context()).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Where("id = ? AND user_id = ?", batchID, userID).
		First(&batch).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			NotFound(c, "batch not found")
			return
		}
		Internal(c, "failed to query batch")
		return
	}

	c.JSON(http.StatusOK, newBatchResponse(batch))
}

// GET /v1/certificates/:id/download-link
// 返回 5 分钟有效的签名链接；存储后端不支持签名时返回 API 内的图片地址。
func (h *CertificateHandler) GetDownloadLink(c *gin.Context) {
	issued, ok := h.completedFromRequest(c)
	if !ok {
		return
	}

	params := map[string]string{
		"response-content-disposition": fmt.Sprintf("attachment; filename=%q", path.Base(issued.StoragePath)),
	}
	signedURL, err := h.storage.GeneratePresignedURLWithParams(c.Request.Context(), issued.StoragePath, downloadLinkTTL, params)
	if errors.Is(err, storage.ErrPresignUnsupported) {
		c.JSON(http.StatusOK, gin.H{"url": "/v1/certificates/" + issued.CertificateID + "/image"})
		return
	}
	if err != nil {
		Internal(c, "failed to generate download link")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"url":        signedURL,
		"expires_in": int(downloadLinkTTL.Seconds()),
	})
}

// GET /v1/certificates/:id/image
func (h *CertificateHandler) GetImage(c *gin.Context) {
	issued, ok := h.completedFromRequest(c)
	if !ok {
		return
	}

	reader, err := h.storage.GetObject(c.Request.Context(), issued.StoragePath)
	if err != nil {
		if storage.IsNoSuchKey(err) {
			NotFound(c, "certificate image not found")
			return
		}
		Internal(c, "failed to read certificate image")
		return
	}
	defer reader.Close()

	c.Header("Content-Disposition", fmt.Sprintf("inline; filename=%q", path.Base(issued.StoragePath)))
	c.Header("Content-Type", certificate.ContentTypePNG)
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, reader); err != nil {
		middleware.LoggerFromContext(c).Warn("stream certificate image failed", slog.Any("error", err))
	}
}

// POST /v1/certificates/:id/regenerate
// 为已结束的证书分配新 id 并重新投递任务，旧文件保留。
func (h *CertificateHandler) Regenerate(c *gin.Context) {
	issued, ok := h.issuedFromRequest(c)
	if !ok {
		return
	}
	if issued.Status == database.IssuedStatusPending {
		Conflict(c, "certificate is still being generated")
		return
	}

	ctx := c.Request.Context()
	log := middleware.LoggerFromContext(c)
	previousID := issued.CertificateID

	if err := database.ResetForRegeneration(ctx, h.db, issued, uuid.NewString()); err != nil {
		if errors.Is(err, database.ErrAlreadyFinished) {
			Conflict(c, "certificate changed concurrently")
			return
		}
		log.Error("reset certificate failed", slog.Any("error", err))
		Internal(c, "failed to reset certificate")
		return
	}

	if err := h.enqueue(ctx, issued.ID, middleware.GetCorrelationID(c)); err != nil {
		log.Error("enqueue certificate task failed", slog.Any("error", err))
		if _, markErr := database.MarkIssuedFailed(ctx, h.db, issued.ID, "enqueue failed: "+err.Error()); markErr != nil {
			log.Error("mark issued certificate failed", slog.Any("error", markErr))
		}
		Internal(c, "failed to enqueue certificate generation")
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"certificate_id":          issued.CertificateID,
		"previous_certificate_id": previousID,
		"status":                  issued.Status,
	})
}

func (h *CertificateHandler) completedFromRequest(c *gin.Context) (*database.IssuedCertificate, bool) {
	issued, ok := h.issuedFromRequest(c)
	if !ok {
		return nil, false
	}
	if issued.Status != database.IssuedStatusCompleted || issued.StoragePath == "" {
		Conflict(c, "certificate not ready")
		return nil, false
	}
	return issued, true
}

func (h *CertificateHandler) issuedFromRequest(c *gin.Context) (*database.IssuedCertificate, bool) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return nil, false
	}

	certificateID := c.Param("id")
	if !certificate.ValidCertificateID(certificateID) {
		BadRequest(c, "invalid certificate id")
		return nil, false
	}

	issued, err := h.findIssuedForUser(c.Request.Context(), certificateID, userID)
	if err != nil {
		if errors.Is(err, errCertificateNotFound) {
			NotFound(c, "certificate not found")
			return nil, false
		}
		Internal(c, "failed to query certificate")
		return nil, false
	}
	return issued, true
}

func (h *CertificateHandler) findIssuedForUser(ctx context.Context, certificateID string, userID uint) (*database.IssuedCertificate, error) {
	var issued database.IssuedCertificate
	if err := h.db.WithContext(ctx).
		Where("certificate_id = ?", certificateID).
		First(&issued).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errCertificateNotFound
		}
		return nil, err
	}

	var count int64
	if err := h.db.WithContext(ctx).
		Model(&database.CertificateBatch{}).
		Where("id = ? AND user_id = ?", issued.BatchID, userID).
		Count(&count).Error; err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, errCertificateNotFound
	}
	return &issued, nil
}
