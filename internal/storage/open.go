package storage

import (
	"context"
	"fmt"
	"io"
	"strings"

	"bleepy/internal/config"
)

type noopCloser struct{}

func (noopCloser) Close() error { return nil }

// Open 按 storage.driver 创建对象存储，返回的 Closer 在进程退出时关闭底层资源。
func Open(ctx context.Context, cfg *config.Config) (ObjectStore, io.Closer, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "minio":
		client, err := NewClient(ctx, cfg.MinIO)
		if err != nil {
			return nil, nil, err
		}
		return client, noopCloser{}, nil
	case "bolt":
		store, err := OpenBoltStore(cfg.Storage.BoltPath)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	default:
		return nil, nil, fmt.Errorf("unsupported storage driver %q", cfg.Storage.Driver)
	}
}

// OpenShared 供 api 与 worker 使用：两者同时运行，拒绝只能单进程打开的后端。
func OpenShared(ctx context.Context, cfg *config.Config) (ObjectStore, io.Closer, error) {
	if cfg.Storage.SingleProcess() {
		return nil, nil, fmt.Errorf("%w: %q, use minio for the api and worker", ErrSingleProcessDriver, cfg.Storage.Driver)
	}
	return Open(ctx, cfg)
}
