package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketObjects     = []byte("objects")
	bucketObjectTypes = []byte("object_types")
)

// BoltStore 是基于 bbolt 的本地对象存储，用于开发环境与命令行工具。
// 不支持签名链接，下载走 GetObject。
type BoltStore struct {
	db *bolt.DB
}

var _ ObjectStore = (*BoltStore)(nil)

// OpenBoltStore 打开（或创建）path 处的数据库文件。
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt store %q: %w", path, err)
	}
	store, err := NewBoltStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewBoltStore 在已打开的数据库上创建所需的 bucket。
func NewBoltStore(db *bolt.DB) (*BoltStore, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketObjects); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketObjectTypes); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create object buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Close 关闭底层数据库。
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// UploadNew 在同一事务内检查并写入，保证已存在的对象不会被覆盖。
func (s *BoltStore) UploadNew(_ context.Context, objectName string, data []byte, contentType string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		objects := tx.Bucket(bucketObjects)
		if objects.Get([]byte(objectName)) != nil {
			return fmt.Errorf("%w: %s", ErrObjectExists, objectName)
		}
		return putObject(tx, objectName, data, contentType)
	})
}

// UploadFile 写入或覆盖对象。
func (s *BoltStore) UploadFile(_ context.Context, objectName string, reader io.Reader, _ int64, contentType string) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("read object %q: %w", objectName, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return putObject(tx, objectName, data, contentType)
	})
}

func putObject(tx *bolt.Tx, objectName string, data []byte, contentType string) error {
	if strings.TrimSpace(objectName) == "" {
		return fmt.Errorf("object name is required")
	}
	if err := tx.Bucket(bucketObjects).Put([]byte(objectName), data); err != nil {
		return fmt.Errorf("put object %q: %w", objectName, err)
	}
	return tx.Bucket(bucketObjectTypes).Put([]byte(objectName), []byte(contentType))
}

// GetObject 返回对象内容的副本。
func (s *BoltStore) GetObject(_ context.Context, objectKey string) (io.ReadCloser, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketObjects).Get([]byte(objectKey))
		if v == nil {
			return fmt.Errorf("%w: %s", ErrObjectNotFound, objectKey)
		}
		// bolt 返回的切片只在事务内有效。
		data = bytes.Clone(v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// ContentType 返回写入时记录的内容类型。
func (s *BoltStore) ContentType(objectKey string) string {
	var contentType string
	_ = s.db.View(func(tx *bolt.Tx) error {
		contentType = string(tx.Bucket(bucketObjectTypes).Get([]byte(objectKey)))
		return nil
	})
	return contentType
}

// ObjectExists 判断对象是否存在。
func (s *BoltStore) ObjectExists(_ context.Context, objectKey string) (bool, error) {
	exists := false
	err := s.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket(bucketObjects).Get([]byte(objectKey)) != nil
		return nil
	})
	return exists, err
}

// DeleteObject 删除对象，不存在视为成功。
func (s *BoltStore) DeleteObject(_ context.Context, objectKey string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketObjects).Delete([]byte(objectKey)); err != nil {
			return err
		}
		return tx.Bucket(bucketObjectTypes).Delete([]byte(objectKey))
	})
}

// DeletePrefix 删除前缀下的所有对象。
func (s *BoltStore) DeletePrefix(_ context.Context, prefix string) error {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		objects := tx.Bucket(bucketObjects)
		types := tx.Bucket(bucketObjectTypes)

		var keys [][]byte
		c := objects.Cursor()
		p := []byte(prefix)
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			keys = append(keys, bytes.Clone(k))
		}
		for _, k := range keys {
			if err := objects.Delete(k); err != nil {
				return err
			}
			if err := types.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) GeneratePresignedURL(context.Context, string, time.Duration) (string, error) {
	return "", ErrPresignUnsupported
}

func (s *BoltStore) GeneratePresignedURLWithParams(context.Context, string, time.Duration, map[string]string) (string, error) {
	return "", ErrPresignUnsupported
}
