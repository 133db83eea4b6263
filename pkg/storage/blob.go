// Package storage 提供内容寻址存储使用的对象存储后端：本地文件系统、MinIO 和 S3。
package storage

import (
	"context"
	"errors"
	"fmt"

	"pkm-engine/internal/config"
)

// ErrObjectNotFound 表示对象不存在。
var ErrObjectNotFound = errors.New("object not found")

// BlobStore 是对象存储后端的最小接口。
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	// Ping 用于健康检查
	Ping(ctx context.Context) error
}

// New 根据配置构造对象存储后端。
func New(ctx context.Context, cfg config.StorageConfig) (BlobStore, error) {
	switch cfg.Driver {
	case "fs", "":
		return NewFSStore(cfg.FS.Root)
	case "minio":
		return NewMinIOStore(ctx, cfg.MinIO)
	case "s3":
		return NewS3Store(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}
