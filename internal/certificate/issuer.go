package certificate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrInvalidCertificateID 表示证书 id 为空或含有路径不安全的字符。
var ErrInvalidCertificateID = errors.New("invalid certificate id")

// Uploader 是对象存储的“只新建”写入能力：目标路径已存在时必须失败。
type Uploader interface {
	UploadNew(ctx context.Context, objectName string, data []byte, contentType string) error
}

// Issuer 串联渲染、路径计算与上传，一次调用产生一张证书。
type Issuer struct {
	renderer *Renderer
	store    Uploader
	logger   *slog.Logger
}

// NewIssuer 创建 Issuer。
func NewIssuer(renderer *Renderer, store Uploader, logger *slog.Logger) *Issuer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Issuer{renderer: renderer, store: store, logger: logger}
}

// Issue 渲染证书并上传，返回存储路径。
// 渲染失败时不写入任何对象；路径冲突时返回包装了存储层冲突错误的 error。
func (i *Issuer) Issue(ctx context.Context, tpl Template, data Data) (string, error) {
	certificateID := data.Get(KeyCertificateID)
	if !ValidCertificateID(certificateID) {
		return "", fmt.Errorf("%w: %q", ErrInvalidCertificateID, certificateID)
	}

	png, err := i.renderer.Render(ctx, tpl, data)
	if err != nil {
		return "", fmt.Errorf("render certificate: %w", err)
	}

	path := BuildPath(
		data.Get(KeyGeneratorName),
		data.Get(KeyEventTitle),
		data.Get(KeyAttendeeName),
		certificateID,
	)
	if err := i.store.UploadNew(ctx, path, png, ContentTypePNG); err != nil {
		return "", fmt.Errorf("upload certificate %q: %w", path, err)
	}

	i.logger.Debug("certificate issued",
		slog.String("certificate_id", certificateID),
		slog.String("path", path),
		slog.Int("bytes", len(png)),
	)
	return path, nil
}
