package imagefetch

import (
	"context"
	"fmt"
	"image"
	"io"
	"strings"
)

// ObjectReader 读取对象存储中的对象。
type ObjectReader interface {
	GetObject(ctx context.Context, objectKey string) (io.ReadCloser, error)
}

// Loader 按引用类型分派：http/https 地址走 Fetcher，其余视为对象存储 key。
type Loader struct {
	Fetcher   *Fetcher
	Objects   ObjectReader
	MaxBytes  int64
	MaxPixels int64
}

// Load 实现 certificate.BackgroundLoader。
func (l Loader) Load(ctx context.Context, ref string) (image.Image, error) {
	ref = strings.TrimSpace(ref)
	if isHTTPRef(ref) || l.Objects == nil {
		if l.Fetcher == nil {
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedRef, ref)
		}
		return l.Fetcher.Load(ctx, ref)
	}
	if ref == "" {
		return nil, fmt.Errorf("%w: empty reference", ErrUnsupportedRef)
	}

	rc, err := l.Objects.GetObject(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("open background object: %w", err)
	}
	defer rc.Close()

	maxBytes := l.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	data, err := io.ReadAll(io.LimitReader(rc, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read background object: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: limit %d bytes", ErrTooLarge, maxBytes)
	}
	return DecodeLimit(data, l.MaxPixels)
}

func isHTTPRef(ref string) bool {
	lower := strings.ToLower(ref)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}
