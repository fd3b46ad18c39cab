package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"bleepy/internal/certificate"
	"bleepy/internal/database"
	"bleepy/internal/errcode"
	"bleepy/internal/imagefetch"
	"bleepy/internal/storage"
	"bleepy/internal/tasks"
)

type fakeIssuer struct {
	mu    sync.Mutex
	calls int
	tpl   certificate.Template
	data  certificate.Data
	path  string
	err   error
}

func (f *fakeIssuer) Issue(_ context.Context, tpl certificate.Template, data certificate.Data) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.tpl = tpl
	f.data = data
	return f.path, f.err
}

type publishedMessage struct {
	channel string
	notify  CertificateNotifyMessage
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []publishedMessage
}

func (p *fakePublisher) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	p.mu.Lock()
	defer p.mu.Unlock()
	var notify CertificateNotifyMessage
	if raw, ok := message.([]byte); ok {
		_ = json.Unmarshal(raw, &notify)
	}
	p.messages = append(p.messages, publishedMessage{channel: channel, notify: notify})
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(1)
	return cmd
}

// presignStore 只实现签名链接和存在性检查，其余方法不应被调用。
type presignStore struct {
	storage.ObjectStore
	unsupported bool
}

func (presignStore) ObjectExists(context.Context, string) (bool, error) { return false, nil }

func (s presignStore) GeneratePresignedURL(_ context.Context, key string, _ time.Duration) (string, error) {
	if s.unsupported {
		return "", storage.ErrPresignUnsupported
	}
	return "https://objects.example.invalid/" + key + "?sig=1", nil
}

type fixture struct {
	db        *gorm.DB
	issuer    *fakeIssuer
	publisher *fakePublisher
	handler   *CertificateTaskHandler
	batch     database.CertificateBatch
	items     []database.IssuedCertificate
}

func newFixture(t *testing.T, store storage.ObjectStore, recipients int) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := database.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	tpl := database.CertificateTemplate{
		Title:         "OSCE",
		UserID:        7,
		BackgroundKey: "users/7/templates/1/background.png",
		CanvasWidth:   800,
		CanvasHeight:  565,
		Fields:        datatypes.JSON(`[{"id":"name","x":293,"y":256,"width":200,"height":30,"fontSize":16,"dataSource":"attendee.name"}]`),
	}
	if err := db.Create(&tpl).Error; err != nil {
		t.Fatalf("create template: %v", err)
	}

	event, _ := json.Marshal(database.EventInfo{Title: "OSCE Practice", Organizer: "St Thomas", Date: "2026-10-01"})
	batch := database.CertificateBatch{
		UserID:        7,
		TemplateID:    tpl.ID,
		GeneratorName: "MedEd",
		Event:         datatypes.JSON(event),
		Total:         recipients,
		Status:        database.BatchStatusProcessing,
	}
	if err := db.Create(&batch).Error; err != nil {
		t.Fatalf("create batch: %v", err)
	}

	items := make([]database.IssuedCertificate, 0, recipients)
	for i := 0; i < recipients; i++ {
		item := database.IssuedCertificate{
			BatchID:       batch.ID,
			CertificateID: fmt.Sprintf("cert-%d", i),
			RecipientName: "Dr. Varun",
			Extra:         datatypes.JSON(`{"student_number":"S-42","attendee_name":"ignored"}`),
			Status:        database.IssuedStatusPending,
		}
		if err := db.Create(&item).Error; err != nil {
			t.Fatalf("create item: %v", err)
		}
		items = append(items, item)
	}

	issuer := &fakeIssuer{path: "users/MedEd/certificates/OSCE_Practice/Dr__Varun/OSCE_Practice_cert-0.png"}
	publisher := &fakePublisher{}
	handler := NewCertificateTaskHandler(db, store, issuer, publisher, nil, HandlerOptions{
		VerificationBaseURL: "https://verify.example.invalid/",
		Now:                 func() time.Time { return time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC) },
	})
	return &fixture{db: db, issuer: issuer, publisher: publisher, handler: handler, batch: batch, items: items}
}

func taskFor(t *testing.T, id uint) *asynq.Task {
	t.Helper()
	task, err := tasks.NewCertificateGenerateTask(id, "corr-1")
	if err != nil {
		t.Fatalf("new task: %v", err)
	}
	return task
}

func TestProcessTaskCompletesCertificate(t *testing.T) {
	f := newFixture(t, presignStore{}, 1)

	if err := f.handler.ProcessTask(context.Background(), taskFor(t, f.items[0].ID)); err != nil {
		t.Fatalf("process: %v", err)
	}

	if f.issuer.tpl.BackgroundRef != "https://objects.example.invalid/users/7/templates/1/background.png?sig=1" {
		t.Fatalf("unexpected background ref %q", f.issuer.tpl.BackgroundRef)
	}
	data := f.issuer.data
	checks := map[string]string{
		certificate.KeyAttendeeName:    "Dr. Varun",
		certificate.KeyEventTitle:      "OSCE Practice",
		certificate.KeyEventOrganizer:  "St Thomas",
		certificate.KeyGeneratorName:   "MedEd",
		certificate.KeyCertificateID:   "cert-0",
		certificate.KeyCertificateDate: "14 October 2026",
		certificate.KeyVerificationURL: "https://verify.example.invalid/cert-0",
		"student_number":               "S-42",
	}
	for key, want := range checks {
		if got := data.Get(key); got != want {
			t.Errorf("data[%s] = %q want %q", key, got, want)
		}
	}

	var stored database.IssuedCertificate
	if err := f.db.First(&stored, f.items[0].ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if stored.Status != database.IssuedStatusCompleted || stored.StoragePath != f.issuer.path || stored.Attempts != 1 {
		t.Fatalf("unexpected stored row %+v", stored)
	}

	if len(f.publisher.messages) != 1 {
		t.Fatalf("expected one notification, got %d", len(f.publisher.messages))
	}
	msg := f.publisher.messages[0]
	if msg.channel != "user_notify:7" || msg.notify.Status != "completed" || msg.notify.BatchStatus != database.BatchStatusCompleted {
		t.Fatalf("unexpected notification %+v", msg)
	}
}

func TestProcessTaskUsesObjectKeyWithoutPresign(t *testing.T) {
	f := newFixture(t, presignStore{unsupported: true}, 1)

	if err := f.handler.ProcessTask(context.Background(), taskFor(t, f.items[0].ID)); err != nil {
		t.Fatalf("process: %v", err)
	}
	if f.issuer.tpl.BackgroundRef != "users/7/templates/1/background.png" {
		t.Fatalf("expected raw object key, got %q", f.issuer.tpl.BackgroundRef)
	}
}

func TestProcessTaskConflictIsPermanent(t *testing.T) {
	f := newFixture(t, presignStore{}, 2)
	f.issuer.err = fmt.Errorf("upload certificate: %w", storage.ErrObjectExists)

	err := f.handler.ProcessTask(context.Background(), taskFor(t, f.items[0].ID))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}

	var stored database.IssuedCertificate
	if err := f.db.First(&stored, f.items[0].ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if stored.Status != database.IssuedStatusFailed || stored.ErrorMessage == "" {
		t.Fatalf("expected failed row, got %+v", stored)
	}

	var other database.IssuedCertificate
	if err := f.db.First(&other, f.items[1].ID).Error; err != nil {
		t.Fatalf("reload other: %v", err)
	}
	if other.Status != database.IssuedStatusPending {
		t.Fatalf("other recipients must be unaffected, got %q", other.Status)
	}

	if len(f.publisher.messages) != 1 || f.publisher.messages[0].notify.ErrorCode != errcode.Conflict {
		t.Fatalf("expected conflict notification, got %+v", f.publisher.messages)
	}
}

// uploadingIssuer 按真实 Issuer 的路径规则写入对象。
type uploadingIssuer struct {
	store storage.ObjectStore
}

func (i uploadingIssuer) Issue(ctx context.Context, _ certificate.Template, data certificate.Data) (string, error) {
	path := certificate.BuildPath(
		data.Get(certificate.KeyGeneratorName),
		data.Get(certificate.KeyEventTitle),
		data.Get(certificate.KeyAttendeeName),
		data.Get(certificate.KeyCertificateID),
	)
	if err := i.store.UploadNew(ctx, path, []byte("png"), certificate.ContentTypePNG); err != nil {
		return "", fmt.Errorf("upload certificate %q: %w", path, err)
	}
	return path, nil
}

func TestProcessTaskReplayAfterLostCompletion(t *testing.T) {
	store, err := storage.OpenBoltStore(filepath.Join(t.TempDir(), "objects.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	f := newFixture(t, store, 1)
	handler := NewCertificateTaskHandler(f.db, store, uploadingIssuer{store: store}, f.publisher, nil, HandlerOptions{})

	// 上一次尝试已上传对象，但写库前进程退出。
	path := certificate.BuildPath("MedEd", "OSCE Practice", "Dr. Varun", f.items[0].CertificateID)
	if err := store.UploadNew(context.Background(), path, []byte("png"), certificate.ContentTypePNG); err != nil {
		t.Fatalf("seed object: %v", err)
	}

	if err := handler.ProcessTask(context.Background(), taskFor(t, f.items[0].ID)); err != nil {
		t.Fatalf("replay must succeed, got %v", err)
	}

	var stored database.IssuedCertificate
	if err := f.db.First(&stored, f.items[0].ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if stored.Status != database.IssuedStatusCompleted || stored.StoragePath != path {
		t.Fatalf("expected completed row at %q, got %+v", path, stored)
	}
	var batch database.CertificateBatch
	if err := f.db.First(&batch, f.batch.ID).Error; err != nil {
		t.Fatalf("reload batch: %v", err)
	}
	if batch.Completed != 1 || batch.Failed != 0 {
		t.Fatalf("unexpected counters completed=%d failed=%d", batch.Completed, batch.Failed)
	}
	if len(f.publisher.messages) != 1 || f.publisher.messages[0].notify.Status != "completed" {
		t.Fatalf("expected completed notification, got %+v", f.publisher.messages)
	}
}

func TestProcessTaskBackgroundFailureIsResourceMissing(t *testing.T) {
	f := newFixture(t, presignStore{}, 1)
	decodeErr := fmt.Errorf("%w: %w", imagefetch.ErrDecode, errors.New("unknown format"))
	f.issuer.err = fmt.Errorf("render certificate: %w", fmt.Errorf("%w: %w", certificate.ErrBackgroundUnavailable, decodeErr))

	err := f.handler.ProcessTask(context.Background(), taskFor(t, f.items[0].ID))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("undecodable background must not be retried, got %v", err)
	}
	if len(f.publisher.messages) != 1 || f.publisher.messages[0].notify.ErrorCode != errcode.ResourceMissing {
		t.Fatalf("expected resource missing notification, got %+v", f.publisher.messages)
	}
	if f.publisher.messages[0].notify.BatchStatus != database.BatchStatusCompletedWithErrors {
		t.Fatalf("unexpected batch status %q", f.publisher.messages[0].notify.BatchStatus)
	}
}

func TestProcessTaskTransientErrorKeepsPending(t *testing.T) {
	f := newFixture(t, presignStore{}, 1)
	f.issuer.err = errors.New("connection reset by peer")

	err := f.handler.ProcessTask(context.Background(), taskFor(t, f.items[0].ID))
	if err == nil || errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected retryable error, got %v", err)
	}

	var stored database.IssuedCertificate
	if err := f.db.First(&stored, f.items[0].ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if stored.Status != database.IssuedStatusPending {
		t.Fatalf("non-final attempt must keep row pending, got %q", stored.Status)
	}
	if len(f.publisher.messages) != 0 {
		t.Fatalf("no notification expected before final attempt, got %d", len(f.publisher.messages))
	}
}

func TestProcessTaskSkipsFinishedAndMissingRows(t *testing.T) {
	f := newFixture(t, presignStore{}, 1)
	if err := f.db.Model(&database.IssuedCertificate{}).Where("id = ?", f.items[0].ID).
		Update("status", database.IssuedStatusCompleted).Error; err != nil {
		t.Fatalf("update: %v", err)
	}

	if err := f.handler.ProcessTask(context.Background(), taskFor(t, f.items[0].ID)); err != nil {
		t.Fatalf("finished row: %v", err)
	}
	if err := f.handler.ProcessTask(context.Background(), taskFor(t, 9999)); err != nil {
		t.Fatalf("missing row: %v", err)
	}
	if f.issuer.calls != 0 {
		t.Fatalf("issuer must not be called, got %d calls", f.issuer.calls)
	}
}

func TestProcessTaskBadPayload(t *testing.T) {
	f := newFixture(t, presignStore{}, 1)
	err := f.handler.ProcessTask(context.Background(), asynq.NewTask(tasks.TypeCertificateGenerate, []byte("{")))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}
}

func TestIsPermanent(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"conflict", fmt.Errorf("x: %w", storage.ErrObjectExists), true},
		{"invalid id", certificate.ErrInvalidCertificateID, true},
		{"too many pixels", fmt.Errorf("x: %w", imagefetch.ErrTooLarge), true},
		{"blocked address", fmt.Errorf("x: %w", imagefetch.ErrBlockedAddress), true},
		{"wrapped permanent", fmt.Errorf("x: %w", permanentError{errors.New("y")}), true},
		{"transient", errors.New("i/o timeout"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isPermanent(tc.err); got != tc.want {
				t.Fatalf("isPermanent(%v) = %v want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestFailureCode(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("upload: %w", storage.ErrObjectExists), errcode.Conflict},
		{fmt.Errorf("render: %w", certificate.ErrBackgroundUnavailable), errcode.ResourceMissing},
		{certificate.ErrInvalidCertificateID, errcode.InvalidData},
		{fmt.Errorf("fetch: %w", context.DeadlineExceeded), errcode.Timeout},
		{errors.New("boom"), errcode.SystemError},
	}
	for _, tc := range cases {
		if got := failureCode(tc.err); got != tc.want {
			t.Errorf("failureCode(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
