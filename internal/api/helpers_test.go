package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"bleepy/internal/database"
	"bleepy/internal/storage"
)

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string

	presignUnsupported bool
	presignParams      map[string]string
}

var _ storage.ObjectStore = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{objects: map[string][]byte{}, types: map[string]string{}}
}

func (s *memStore) UploadNew(_ context.Context, objectName string, data []byte, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[objectName]; ok {
		return fmt.Errorf("%w: %s", storage.ErrObjectExists, objectName)
	}
	s.objects[objectName] = append([]byte(nil), data...)
	s.types[objectName] = contentType
	return nil
}

func (s *memStore) UploadFile(_ context.Context, objectName string, reader io.Reader, _ int64, contentType string) error {
	b, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[objectName] = b
	s.types[objectName] = contentType
	return nil
}

func (s *memStore) GetObject(_ context.Context, objectKey string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.objects[objectKey]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (s *memStore) ObjectExists(_ context.Context, objectKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[objectKey]
	return ok, nil
}

func (s *memStore) DeleteObject(_ context.Context, objectKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, objectKey)
	delete(s.types, objectKey)
	return nil
}

func (s *memStore) DeletePrefix(_ context.Context, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.objects {
		if strings.HasPrefix(key, prefix) {
			delete(s.objects, key)
			delete(s.types, key)
		}
	}
	return nil
}

func (s *memStore) GeneratePresignedURL(ctx context.Context, objectKey string, duration time.Duration) (string, error) {
	return s.GeneratePresignedURLWithParams(ctx, objectKey, duration, nil)
}

func (s *memStore) GeneratePresignedURLWithParams(_ context.Context, objectKey string, _ time.Duration, params map[string]string) (string, error) {
	if s.presignUnsupported {
		return "", storage.ErrPresignUnsupported
	}
	s.mu.Lock()
	s.presignParams = params
	s.mu.Unlock()
	return "https://objects.example.invalid/" + objectKey + "?sig=1", nil
}

func (s *memStore) has(key string) bool {
	ok, _ := s.ObjectExists(context.Background(), key)
	return ok
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []*asynq.Task
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{ID: fmt.Sprintf("task-%d", len(f.tasks)), Type: task.Type()}, nil
}

func (f *fakeEnqueuer) taskTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.tasks))
	for _, task := range f.tasks {
		out = append(out, task.Type())
	}
	return out
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := database.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// newTestContext 构造已通过鉴权的请求上下文，userID 为 0 表示未登录。
func newTestContext(method, target string, body io.Reader, userID uint, params ...gin.Param) (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	req := httptest.NewRequest(method, target, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.Request = req
	c.Params = params
	if userID != 0 {
		c.Set("userID", userID)
	}
	return c, rec
}

func jsonBody(t *testing.T, v any) io.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return bytes.NewReader(b)
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func seedTemplate(t *testing.T, db *gorm.DB, userID uint, backgroundKey string) database.CertificateTemplate {
	t.Helper()
	tpl := database.CertificateTemplate{
		Title:         "OSCE Practice",
		UserID:        userID,
		BackgroundKey: backgroundKey,
		CanvasWidth:   800,
		CanvasHeight:  565,
		Fields:        []byte(`[{"id":"name","x":100,"y":200,"width":600,"height":40,"fontSize":32,"textAlign":"center","dataSource":"attendee.name"}]`),
	}
	if err := db.Create(&tpl).Error; err != nil {
		t.Fatalf("create template: %v", err)
	}
	return tpl
}
