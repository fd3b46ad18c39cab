package tasks

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

// 任务类型常量，确保队列生产者与消费者一致。
const (
	TypeCertificateGenerate = "certificate:generate"
)

// CertificateGeneratePayload 描述生成单张证书所需的最小信息。
type CertificateGeneratePayload struct {
	IssuedCertificateID uint   `json:"issued_certificate_id"`
	CorrelationID       string `json:"correlation_id"`
}

// NewCertificateGenerateTask 构造一个证书生成任务。
func NewCertificateGenerateTask(issuedID uint, correlationID string, opts ...asynq.Option) (*asynq.Task, error) {
	payload, err := json.Marshal(CertificateGeneratePayload{
		IssuedCertificateID: issuedID,
		CorrelationID:       correlationID,
	})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeCertificateGenerate, payload, opts...), nil
}

// TypeTemplateThumbnail 生成模板缩略图。
const TypeTemplateThumbnail = "template:thumbnail"

// TemplateThumbnailPayload 描述缩略图任务。
type TemplateThumbnailPayload struct {
	TemplateID    uint   `json:"template_id"`
	CorrelationID string `json:"correlation_id"`
}

// NewTemplateThumbnailTask 构造一个模板缩略图任务。
func NewTemplateThumbnailTask(templateID uint, correlationID string, opts ...asynq.Option) (*asynq.Task, error) {
	payload, err := json.Marshal(TemplateThumbnailPayload{
		TemplateID:    templateID,
		CorrelationID: correlationID,
	})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeTemplateThumbnail, payload, opts...), nil
}
