package storage

import (
	"context"
	"io"
	"time"
)

// ObjectStore 是证书与模板背景图使用的对象存储抽象，由 MinIO Client 与 BoltStore 实现。
type ObjectStore interface {
	// UploadNew 写入新对象，目标已存在时返回 ErrObjectExists 且不修改已有内容。
	UploadNew(ctx context.Context, objectName string, data []byte, contentType string) error
	// UploadFile 写入或覆盖对象。
	UploadFile(ctx context.Context, objectName string, reader io.Reader, size int64, contentType string) error
	GetObject(ctx context.Context, objectKey string) (io.ReadCloser, error)
	ObjectExists(ctx context.Context, objectKey string) (bool, error)
	DeleteObject(ctx context.Context, objectKey string) error
	DeletePrefix(ctx context.Context, prefix string) error
	GeneratePresignedURL(ctx context.Context, objectKey string, duration time.Duration) (string, error)
	GeneratePresignedURLWithParams(ctx context.Context, objectKey string, duration time.Duration, params map[string]string) (string, error)
}
