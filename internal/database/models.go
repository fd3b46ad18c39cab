package database

import (
	"encoding/json"
	"fmt"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"bleepy/internal/certificate"
)

// 批次状态。
const (
	BatchStatusProcessing          = "processing"
	BatchStatusCompleted           = "completed"
	BatchStatusCompletedWithErrors = "completed_with_errors"
)

// 单张证书状态。
const (
	IssuedStatusPending   = "pending"
	IssuedStatusCompleted = "completed"
	IssuedStatusFailed    = "failed"
)

// CertificateTemplate 是编辑器保存的证书模板。
// BackgroundKey 指向上传到对象存储的背景图；BackgroundURL 为外部直链，二者至少有一个。
// ThumbnailKey 由异步任务生成。
type CertificateTemplate struct {
	gorm.Model
	Title         string `gorm:"size:255"`
	UserID        uint   `gorm:"index"`
	BackgroundKey string `gorm:"size:512"`
	BackgroundURL string `gorm:"size:1024"`
	ThumbnailKey  string `gorm:"size:512"`
	CanvasWidth   float64
	CanvasHeight  float64
	Fields        datatypes.JSON `gorm:"type:jsonb"`
}

// ToCertificate 转换为渲染用模板，backgroundRef 由调用方根据存储情况决定。
func (t CertificateTemplate) ToCertificate(backgroundRef string) (certificate.Template, error) {
	tpl := certificate.Template{
		ID:            fmt.Sprintf("%d", t.ID),
		BackgroundRef: backgroundRef,
		Canvas:        certificate.Size{Width: t.CanvasWidth, Height: t.CanvasHeight},
	}
	if len(t.Fields) > 0 {
		if err := json.Unmarshal(t.Fields, &tpl.Fields); err != nil {
			return certificate.Template{}, fmt.Errorf("decode template %d fields: %w", t.ID, err)
		}
	}
	return tpl, nil
}

// EventInfo 是批次内所有证书共享的活动信息。
type EventInfo struct {
	Title     string `json:"title"`
	Date      string `json:"date"`
	Location  string `json:"location"`
	Organizer string `json:"organizer"`
	Category  string `json:"category"`
	Format    string `json:"format"`
}

// CertificateBatch 表示一次批量签发。
type CertificateBatch struct {
	gorm.Model
	UserID        uint           `gorm:"index"`
	TemplateID    uint           `gorm:"index"`
	GeneratorName string         `gorm:"size:255"`
	Event         datatypes.JSON `gorm:"type:jsonb"`
	Total         int
	Completed     int
	Failed        int
	Status        string              `gorm:"size:32;index"`
	Items         []IssuedCertificate `gorm:"foreignKey:BatchID;constraint:OnDelete:CASCADE"`
}

// EventInfo 解析批次的活动信息。
func (b CertificateBatch) EventInfo() (EventInfo, error) {
	var info EventInfo
	if len(b.Event) == 0 {
		return info, nil
	}
	if err := json.Unmarshal(b.Event, &info); err != nil {
		return info, fmt.Errorf("decode batch %d event: %w", b.ID, err)
	}
	return info, nil
}

// IssuedCertificate 是批次中的单个收件人及其证书。
type IssuedCertificate struct {
	gorm.Model
	BatchID        uint           `gorm:"index"`
	CertificateID  string         `gorm:"size:128;uniqueIndex"`
	RecipientName  string         `gorm:"size:255"`
	RecipientEmail string         `gorm:"size:255"`
	Extra          datatypes.JSON `gorm:"type:jsonb"`
	StoragePath    string         `gorm:"size:1024"`
	Status         string         `gorm:"size:32;index"`
	ErrorMessage   string         `gorm:"size:1024"`
	Attempts       int
}

// ExtraData 解析收件人的附加字段。
func (c IssuedCertificate) ExtraData() (certificate.Data, error) {
	data := certificate.Data{}
	if len(c.Extra) == 0 {
		return data, nil
	}
	if err := json.Unmarshal(c.Extra, &data); err != nil {
		return nil, fmt.Errorf("decode certificate %s extra: %w", c.CertificateID, err)
	}
	return data, nil
}
