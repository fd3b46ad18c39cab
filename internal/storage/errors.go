package storage

import (
	"errors"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
)

var (
	// ErrObjectExists 表示目标对象已存在，写入被拒绝。证书路径冲突即返回此错误。
	ErrObjectExists = errors.New("object already exists")
	// ErrObjectNotFound 表示对象不存在（BoltStore 使用；MinIO 通过 IsNoSuchKey 判断）。
	ErrObjectNotFound = errors.New("object not found")
	// ErrPresignUnsupported 表示当前后端无法生成签名链接，需改用直接读取。
	ErrPresignUnsupported = errors.New("presigned url not supported by this store")
	// ErrSingleProcessDriver 表示后端不能被 api 与 worker 同时打开。
	ErrSingleProcessDriver = errors.New("storage driver can only be opened by a single process")
)

// s3Error 取出链上的 MinIO/S3 错误响应。
func s3Error(err error) (code string, status int, ok bool) {
	var resp minio.ErrorResponse
	if !errors.As(err, &resp) {
		return "", 0, false
	}
	return strings.ToLower(strings.TrimSpace(resp.Code)), resp.StatusCode, true
}

// IsNoSuchKey 判断错误是否明确表示对象不存在。
// 只认结构化错误：worker 据此把任务判为永久失败，普通字符串里的 "not found" 不算。
func IsNoSuchKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrObjectNotFound) {
		return true
	}
	code, status, ok := s3Error(err)
	if !ok {
		return false
	}
	switch code {
	case "nosuchkey", "notfound":
		return true
	case "nosuchbucket":
		return false
	}
	return status == http.StatusNotFound
}

// IsNoSuchBucket 判断错误是否明确表示 Bucket 不存在。
func IsNoSuchBucket(err error) bool {
	code, _, ok := s3Error(err)
	return ok && code == "nosuchbucket"
}

// IsPreconditionFailed 判断条件写入是否因目标已存在被拒绝。
func IsPreconditionFailed(err error) bool {
	code, status, ok := s3Error(err)
	return ok && (code == "preconditionfailed" || status == http.StatusPreconditionFailed)
}
