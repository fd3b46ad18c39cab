package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"gorm.io/gorm"

	"bleepy/internal/certificate"
	"bleepy/internal/database"
	"bleepy/internal/errcode"
	"bleepy/internal/imagefetch"
	"bleepy/internal/storage"
	"bleepy/internal/tasks"
)

const (
	backgroundPresignTTL  = 15 * time.Minute
	certificateDateLayout = "2 January 2006"
)

// CertificateIssuer 渲染并持久化单张证书。
type CertificateIssuer interface {
	Issue(ctx context.Context, tpl certificate.Template, data certificate.Data) (string, error)
}

// CertificateTaskHandler 负责消费证书生成任务。
type CertificateTaskHandler struct {
	db              *gorm.DB
	storage         storage.ObjectStore
	issuer          CertificateIssuer
	publisher       Publisher
	logger          *slog.Logger
	verificationURL string
	taskTimeout     time.Duration
	now             func() time.Time
}

// HandlerOptions 是可选配置。
type HandlerOptions struct {
	VerificationBaseURL string
	TaskTimeout         time.Duration
	Now                 func() time.Time
}

// NewCertificateTaskHandler 创建任务处理器。
func NewCertificateTaskHandler(
	db *gorm.DB,
	store storage.ObjectStore,
	issuer CertificateIssuer,
	publisher Publisher,
	logger *slog.Logger,
	opts HandlerOptions,
) *CertificateTaskHandler {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CertificateTaskHandler{
		db:              db,
		storage:         store,
		issuer:          issuer,
		publisher:       publisher,
		logger:          logger,
		verificationURL: strings.TrimRight(strings.TrimSpace(opts.VerificationBaseURL), "/"),
		taskTimeout:     opts.TaskTimeout,
		now:             now,
	}
}

// ProcessTask 实现 asynq.Handler。
func (h *CertificateTaskHandler) ProcessTask(ctx context.Context, t *asynq.Task) (retErr error) {
	log := h.logger

	var payload tasks.CertificateGeneratePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		log.Error("unmarshal task payload failed", slog.Any("error", err))
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}

	log = log.With(
		slog.String("correlation_id", payload.CorrelationID),
		slog.Uint64("issued_certificate_id", uint64(payload.IssuedCertificateID)),
	)

	if h.taskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.taskTimeout)
		defer cancel()
	}

	var issued database.IssuedCertificate
	if err := h.db.WithContext(ctx).First(&issued, payload.IssuedCertificateID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Warn("issued certificate not found, skipping task")
			return nil
		}
		log.Error("query issued certificate failed", slog.Any("error", err))
		return err
	}
	if issued.Status != database.IssuedStatusPending {
		log.Info("issued certificate already finished, skipping task", slog.String("status", issued.Status))
		return nil
	}

	var batch database.CertificateBatch
	if err := h.db.WithContext(ctx).First(&batch, issued.BatchID).Error; err != nil {
		log.Error("query batch failed", slog.Any("error", err))
		return err
	}

	log = log.With(
		slog.Uint64("user_id", uint64(batch.UserID)),
		slog.Uint64("batch_id", uint64(batch.ID)),
		slog.String("certificate_id", issued.CertificateID),
	)
	log.Info("starting certificate generation")

	if err := database.IncrementAttempts(ctx, h.db, issued.ID); err != nil {
		log.Warn("increment attempts failed", slog.Any("error", err))
	}

	defer func() {
		if retErr == nil {
			return
		}
		permanent := errors.Is(retErr, asynq.SkipRetry)
		if !permanent && !isFinalAsynqAttempt(ctx) {
			log.Warn("certificate generation failed, will retry", slog.Any("error", retErr))
			return
		}
		h.fail(ctx, log, &batch, &issued, payload.CorrelationID, retErr)
	}()

	path, err := h.generate(ctx, &batch, &issued)
	if errors.Is(err, storage.ErrObjectExists) {
		if existing, ok := h.storedByPreviousAttempt(ctx, log, &batch, &issued); ok {
			path, err = existing, nil
		}
	}
	if err != nil {
		log.Error("generate certificate failed", slog.Any("error", err))
		if isPermanent(err) {
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return err
	}

	updated, err := database.MarkIssuedCompleted(ctx, h.db, issued.ID, path)
	if err != nil {
		if errors.Is(err, database.ErrAlreadyFinished) {
			log.Info("issued certificate finished concurrently")
			return nil
		}
		log.Error("update issued certificate failed", slog.Any("error", err))
		return err
	}

	notify := CertificateNotifyMessage{
		Type:          notifyTypeCertificate,
		Status:        "completed",
		BatchID:       updated.ID,
		CertificateID: issued.CertificateID,
		StoragePath:   path,
		BatchStatus:   updated.Status,
		Completed:     updated.Completed,
		Failed:        updated.Failed,
		Total:         updated.Total,
		CorrelationID: payload.CorrelationID,
		ErrorCode:     errcode.OK,
	}
	if err := publishNotify(ctx, h.publisher, batch.UserID, notify); err != nil {
		log.Warn("publish redis notification failed", slog.Any("error", err))
	}

	log.Info("certificate generation completed", slog.String("path", path))
	return nil
}

func (h *CertificateTaskHandler) generate(ctx context.Context, batch *database.CertificateBatch, issued *database.IssuedCertificate) (string, error) {
	var tplRow database.CertificateTemplate
	if err := h.db.WithContext(ctx).First(&tplRow, batch.TemplateID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", permanentError{fmt.Errorf("template %d not found", batch.TemplateID)}
		}
		return "", fmt.Errorf("query template: %w", err)
	}

	ref, err := h.backgroundRef(ctx, tplRow)
	if err != nil {
		return "", err
	}
	tpl, err := tplRow.ToCertificate(ref)
	if err != nil {
		return "", permanentError{err}
	}

	data, err := h.buildData(batch, issued)
	if err != nil {
		return "", permanentError{err}
	}
	return h.issuer.Issue(ctx, tpl, data)
}

// storedByPreviousAttempt 处理上一次尝试已上传但未来得及写库的情况。
// 路径包含唯一的证书编号，对象存在即说明属于本行。
func (h *CertificateTaskHandler) storedByPreviousAttempt(ctx context.Context, log *slog.Logger, batch *database.CertificateBatch, issued *database.IssuedCertificate) (string, bool) {
	event, err := batch.EventInfo()
	if err != nil {
		return "", false
	}
	path := certificate.BuildPath(batch.GeneratorName, event.Title, issued.RecipientName, issued.CertificateID)
	exists, err := h.storage.ObjectExists(ctx, path)
	if err != nil {
		log.Warn("check existing certificate object failed", slog.String("path", path), slog.Any("error", err))
		return "", false
	}
	if !exists {
		return "", false
	}
	log.Info("certificate object already stored by a previous attempt", slog.String("path", path))
	return path, true
}

// backgroundRef 优先使用已上传的背景对象：可签名时返回签名链接，否则直接返回对象 key。
func (h *CertificateTaskHandler) backgroundRef(ctx context.Context, tpl database.CertificateTemplate) (string, error) {
	key := strings.TrimSpace(tpl.BackgroundKey)
	if key == "" {
		if strings.TrimSpace(tpl.BackgroundURL) == "" {
			return "", permanentError{fmt.Errorf("template %d has no background", tpl.ID)}
		}
		return tpl.BackgroundURL, nil
	}
	url, err := h.storage.GeneratePresignedURL(ctx, key, backgroundPresignTTL)
	if errors.Is(err, storage.ErrPresignUnsupported) {
		return key, nil
	}
	if err != nil {
		return "", fmt.Errorf("presign background: %w", err)
	}
	return url, nil
}

// buildData 合并附加字段与固定字段，固定字段优先。
func (h *CertificateTaskHandler) buildData(batch *database.CertificateBatch, issued *database.IssuedCertificate) (certificate.Data, error) {
	data, err := issued.ExtraData()
	if err != nil {
		return nil, err
	}
	event, err := batch.EventInfo()
	if err != nil {
		return nil, err
	}

	data[certificate.KeyAttendeeName] = issued.RecipientName
	data[certificate.KeyEventTitle] = event.Title
	data[certificate.KeyEventDate] = event.Date
	data[certificate.KeyEventLocation] = event.Location
	data[certificate.KeyEventOrganizer] = event.Organizer
	data[certificate.KeyEventCategory] = event.Category
	data[certificate.KeyEventFormat] = event.Format
	data[certificate.KeyGeneratorName] = batch.GeneratorName
	data[certificate.KeyCertificateID] = issued.CertificateID
	data[certificate.KeyCertificateDate] = h.now().Format(certificateDateLayout)
	if h.verificationURL != "" {
		data[certificate.KeyVerificationURL] = h.verificationURL + "/" + issued.CertificateID
	}
	return data, nil
}

func (h *CertificateTaskHandler) fail(ctx context.Context, log *slog.Logger, batch *database.CertificateBatch, issued *database.IssuedCertificate, correlationID string, cause error) {
	// 任务 ctx 可能已超时，收尾写库使用独立 ctx。
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	message := strings.TrimSpace(cause.Error())
	updated, err := database.MarkIssuedFailed(ctx, h.db, issued.ID, message)
	if err != nil {
		if !errors.Is(err, database.ErrAlreadyFinished) {
			log.Error("mark issued certificate failed", slog.Any("error", err))
		}
		return
	}

	code := failureCode(cause)
	log.Warn("certificate marked failed",
		slog.String("error_code", errcode.Name(code)),
		slog.Bool("regenerate_may_help", errcode.Retryable(code)),
	)

	notify := CertificateNotifyMessage{
		Type:          notifyTypeCertificate,
		Status:        "error",
		BatchID:       updated.ID,
		CertificateID: issued.CertificateID,
		BatchStatus:   updated.Status,
		Completed:     updated.Completed,
		Failed:        updated.Failed,
		Total:         updated.Total,
		CorrelationID: correlationID,
		ErrorCode:     code,
		ErrorMessage:  message,
	}
	if err := publishNotify(ctx, h.publisher, batch.UserID, notify); err != nil {
		log.Error("publish certificate error notification failed", slog.Any("error", err))
	}
}

func failureCode(cause error) int {
	switch {
	case errors.Is(cause, storage.ErrObjectExists):
		return errcode.Conflict
	case errors.Is(cause, certificate.ErrBackgroundUnavailable):
		return errcode.ResourceMissing
	case errors.Is(cause, certificate.ErrInvalidCertificateID):
		return errcode.InvalidData
	case errors.Is(cause, context.DeadlineExceeded):
		return errcode.Timeout
	default:
		return errcode.SystemError
	}
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// isPermanent 判断错误是否无需重试，例如路径冲突、数据错误、背景图不可用或 4xx。
func isPermanent(err error) bool {
	var pe permanentError
	if errors.As(err, &pe) {
		return true
	}
	if errors.Is(err, storage.ErrObjectExists) ||
		errors.Is(err, certificate.ErrInvalidCertificateID) ||
		errors.Is(err, imagefetch.ErrDecode) ||
		errors.Is(err, imagefetch.ErrUnsupportedRef) ||
		errors.Is(err, imagefetch.ErrTooLarge) ||
		errors.Is(err, imagefetch.ErrBlockedAddress) ||
		storage.IsNoSuchKey(err) {
		return true
	}
	var statusErr *imagefetch.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= http.StatusBadRequest &&
			statusErr.StatusCode < http.StatusInternalServerError &&
			statusErr.StatusCode != http.StatusTooManyRequests
	}
	return false
}

func isFinalAsynqAttempt(ctx context.Context) bool {
	retryCount, ok1 := asynq.GetRetryCount(ctx)
	maxRetry, ok2 := asynq.GetMaxRetry(ctx)
	if !ok1 || !ok2 {
		return false
	}
	return retryCount >= maxRetry
}
