package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"bleepy/internal/api/middleware"
	"bleepy/internal/auth"
	"bleepy/internal/certificate"
	"bleepy/internal/database"
	"bleepy/internal/tasks"
)

func batchBody(templateID uint, names ...string) map[string]any {
	recipients := make([]map[string]any, 0, len(names))
	for _, name := range names {
		recipients = append(recipients, map[string]any{
			"name":  name,
			"email": strings.ToLower(strings.ReplaceAll(name, " ", ".")) + "@example.invalid",
			"extra": map[string]any{"grade": "A", "cpd_points": 3},
		})
	}
	return map[string]any{
		"template_id":    templateID,
		"generator_name": "MedEd",
		"event":          map[string]any{"title": "OSCE Practice", "date": "12 March 2026"},
		"recipients":     recipients,
	}
}

func TestCreateBatchEnqueuesOneTaskPerRecipient(t *testing.T) {
	db := newTestDB(t)
	tpl := seedTemplate(t, db, 1, "users/1/templates/1/background.png")
	enq := &fakeEnqueuer{}
	h := NewCertificateHandler(db, newMemStore(), enq, 3, 0)

	c, rec := newTestContext(http.MethodPost, "/v1/certificates/batches", jsonBody(t, batchBody(tpl.ID, "Dr. Varun", "Dr. Amara")), 1)
	h.CreateBatch(c)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		BatchID  uint `json:"batch_id"`
		Total    int  `json:"total"`
		Enqueued int  `json:"enqueued"`
	}
	decodeJSON(t, rec, &resp)
	if resp.Total != 2 || resp.Enqueued != 2 {
		t.Fatalf("unexpected response %+v", resp)
	}

	var batch database.CertificateBatch
	if err := db.Preload("Items").First(&batch, resp.BatchID).Error; err != nil {
		t.Fatalf("load batch: %v", err)
	}
	if batch.Status != database.BatchStatusProcessing || batch.Total != 2 || len(batch.Items) != 2 {
		t.Fatalf("unexpected batch %+v", batch)
	}
	event, err := batch.EventInfo()
	if err != nil || event.Title != "OSCE Practice" {
		t.Fatalf("unexpected event %+v (%v)", event, err)
	}

	ids := map[uint]bool{}
	for _, item := range batch.Items {
		if !certificate.ValidCertificateID(item.CertificateID) || item.Status != database.IssuedStatusPending {
			t.Fatalf("unexpected item %+v", item)
		}
		extra, err := item.ExtraData()
		if err != nil || extra.Get("grade") != "A" || extra.Get("cpd_points") != "3" {
			t.Fatalf("unexpected extra %v (%v)", extra, err)
		}
		ids[item.ID] = true
	}
	if batch.Items[0].CertificateID == batch.Items[1].CertificateID {
		t.Fatalf("certificate ids must be unique")
	}

	if len(enq.tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(enq.tasks))
	}
	for _, task := range enq.tasks {
		if task.Type() != tasks.TypeCertificateGenerate {
			t.Fatalf("unexpected task type %q", task.Type())
		}
		var payload tasks.CertificateGeneratePayload
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if !ids[payload.IssuedCertificateID] {
			t.Fatalf("task for unknown issued id %d", payload.IssuedCertificateID)
		}
	}
}

func TestCreateBatchEnqueueFailureMarksRecipientsFailed(t *testing.T) {
	db := newTestDB(t)
	tpl := seedTemplate(t, db, 1, "users/1/templates/1/background.png")
	h := NewCertificateHandler(db, newMemStore(), &fakeEnqueuer{err: errors.New("redis unavailable")}, 3, 0)

	c, rec := newTestContext(http.MethodPost, "/v1/certificates/batches", jsonBody(t, batchBody(tpl.ID, "Dr. Varun")), 1)
	h.CreateBatch(c)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	var batch database.CertificateBatch
	if err := db.Preload("Items").First(&batch).Error; err != nil {
		t.Fatalf("load batch: %v", err)
	}
	if batch.Status != database.BatchStatusCompletedWithErrors || batch.Failed != 1 {
		t.Fatalf("unexpected batch %+v", batch)
	}
	if batch.Items[0].Status != database.IssuedStatusFailed || !strings.Contains(batch.Items[0].ErrorMessage, "enqueue failed") {
		t.Fatalf("unexpected item %+v", batch.Items[0])
	}
}

func TestCreateBatchValidation(t *testing.T) {
	db := newTestDB(t)
	tpl := seedTemplate(t, db, 1, "")
	h := NewCertificateHandler(db, newMemStore(), &fakeEnqueuer{}, 3, 0)

	cases := []struct {
		name   string
		userID uint
		body   map[string]any
		want   int
	}{
		{name: "no recipients", userID: 1, body: batchBody(tpl.ID), want: http.StatusBadRequest},
		{name: "recipient without name", userID: 1, body: map[string]any{"template_id": tpl.ID, "recipients": []map[string]any{{"email": "a@example.invalid"}}}, want: http.StatusBadRequest},
		{name: "unknown template", userID: 1, body: batchBody(tpl.ID+100, "Dr. Varun"), want: http.StatusNotFound},
		{name: "template of another user", userID: 2, body: batchBody(tpl.ID, "Dr. Varun"), want: http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, rec := newTestContext(http.MethodPost, "/v1/certificates/batches", jsonBody(t, tc.body), tc.userID)
			h.CreateBatch(c)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, rec.Code, rec.Body.String())
			}
		})
	}
}

// seedIssued 创建一个批次与一张证书，status 为证书状态。
func seedIssued(t *testing.T, db *gorm.DB, userID uint, status string) (database.CertificateBatch, database.IssuedCertificate) {
	t.Helper()
	batch := database.CertificateBatch{UserID: userID, TemplateID: 1, GeneratorName: "MedEd", Total: 1, Status: database.BatchStatusProcessing}
	item := database.IssuedCertificate{
		CertificateID: "c-1",
		RecipientName: "Dr. Varun",
		Status:        status,
	}
	switch status {
	case database.IssuedStatusCompleted:
		batch.Completed = 1
		batch.Status = database.BatchStatusCompleted
		item.StoragePath = "users/MedEd/certificates/OSCE_Practice/Dr__Varun/OSCE_Practice_c-1.png"
	case database.IssuedStatusFailed:
		batch.Failed = 1
		batch.Status = database.BatchStatusCompletedWithErrors
		item.ErrorMessage = "background image unavailable"
	}
	batch.Items = []database.IssuedCertificate{item}
	if err := db.Create(&batch).Error; err != nil {
		t.Fatalf("create batch: %v", err)
	}
	return batch, batch.Items[0]
}

func TestGetBatchReturnsItems(t *testing.T) {
	db := newTestDB(t)
	batch, _ := seedIssued(t, db, 1, database.IssuedStatusCompleted)
	h := NewCertificateHandler(db, newMemStore(), nil, 3, 0)

	c, rec := newTestContext(http.MethodGet, "/v1/certificates/batches/1", nil, 1, gin.Param{Key: "id", Value: fmt.Sprint(batch.ID)})
	h.GetBatch(c)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp batchResponse
	decodeJSON(t, rec, &resp)
	if resp.Status != database.BatchStatusCompleted || resp.Completed != 1 || len(resp.Items) != 1 || resp.Items[0].CertificateID != "c-1" {
		t.Fatalf("unexpected response %+v", resp)
	}

	c, rec = newTestContext(http.MethodGet, "/v1/certificates/batches/1", nil, 2, gin.Param{Key: "id", Value: fmt.Sprint(batch.ID)})
	h.GetBatch(c)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("other user expected 404, got %d", rec.Code)
	}
}

func TestDownloadLinkUsesPresignedURL(t *testing.T) {
	db := newTestDB(t)
	_, item := seedIssued(t, db, 1, database.IssuedStatusCompleted)
	store := newMemStore()
	h := NewCertificateHandler(db, store, nil, 3, 0)

	c, rec := newTestContext(http.MethodGet, "/v1/certificates/c-1/download-link", nil, 1, gin.Param{Key: "id", Value: item.CertificateID})
	h.GetDownloadLink(c)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		URL       string `json:"url"`
		ExpiresIn int    `json:"expires_in"`
	}
	decodeJSON(t, rec, &resp)
	if !strings.HasPrefix(resp.URL, "https://objects.example.invalid/"+item.StoragePath) || resp.ExpiresIn != 300 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if got := store.presignParams["response-content-disposition"]; got != `attachment; filename="OSCE_Practice_c-1.png"` {
		t.Fatalf("unexpected content disposition %q", got)
	}
}

func TestDownloadLinkFallsBackToImageRoute(t *testing.T) {
	db := newTestDB(t)
	_, item := seedIssued(t, db, 1, database.IssuedStatusCompleted)
	store := newMemStore()
	store.presignUnsupported = true
	h := NewCertificateHandler(db, store, nil, 3, 0)

	c, rec := newTestContext(http.MethodGet, "/v1/certificates/c-1/download-link", nil, 1, gin.Param{Key: "id", Value: item.CertificateID})
	h.GetDownloadLink(c)

	var resp struct {
		URL string `json:"url"`
	}
	decodeJSON(t, rec, &resp)
	if rec.Code != http.StatusOK || resp.URL != "/v1/certificates/c-1/image" {
		t.Fatalf("unexpected response %d %+v", rec.Code, resp)
	}
}

func TestDownloadLinkStatusChecks(t *testing.T) {
	db := newTestDB(t)
	_, item := seedIssued(t, db, 1, database.IssuedStatusPending)
	h := NewCertificateHandler(db, newMemStore(), nil, 3, 0)

	cases := []struct {
		name   string
		userID uint
		id     string
		want   int
	}{
		{name: "not ready", userID: 1, id: item.CertificateID, want: http.StatusConflict},
		{name: "other user", userID: 2, id: item.CertificateID, want: http.StatusNotFound},
		{name: "unknown", userID: 1, id: "missing", want: http.StatusNotFound},
		{name: "unsafe id", userID: 1, id: "..%2Fetc", want: http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, rec := newTestContext(http.MethodGet, "/v1/certificates/x/download-link", nil, tc.userID, gin.Param{Key: "id", Value: tc.id})
			h.GetDownloadLink(c)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
}

func TestGetImageStreamsStoredPNG(t *testing.T) {
	db := newTestDB(t)
	_, item := seedIssued(t, db, 1, database.IssuedStatusCompleted)
	store := newMemStore()
	store.objects[item.StoragePath] = []byte("\x89PNG fake")
	h := NewCertificateHandler(db, store, nil, 3, 0)

	c, rec := newTestContext(http.MethodGet, "/v1/certificates/c-1/image", nil, 1, gin.Param{Key: "id", Value: item.CertificateID})
	h.GetImage(c)

	if rec.Code != http.StatusOK || rec.Body.String() != "\x89PNG fake" {
		t.Fatalf("unexpected response %d %q", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != certificate.ContentTypePNG {
		t.Fatalf("unexpected content type %q", got)
	}
}

func TestGetImageMissingObject(t *testing.T) {
	db := newTestDB(t)
	_, item := seedIssued(t, db, 1, database.IssuedStatusCompleted)
	h := NewCertificateHandler(db, newMemStore(), nil, 3, 0)

	c, rec := newTestContext(http.MethodGet, "/v1/certificates/c-1/image", nil, 1, gin.Param{Key: "id", Value: item.CertificateID})
	h.GetImage(c)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestRegenerateAssignsNewCertificateID(t *testing.T) {
	db := newTestDB(t)
	batch, item := seedIssued(t, db, 1, database.IssuedStatusFailed)
	enq := &fakeEnqueuer{}
	h := NewCertificateHandler(db, newMemStore(), enq, 3, 0)

	c, rec := newTestContext(http.MethodPost, "/v1/certificates/c-1/regenerate", nil, 1, gin.Param{Key: "id", Value: item.CertificateID})
	h.Regenerate(c)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		CertificateID         string `json:"certificate_id"`
		PreviousCertificateID string `json:"previous_certificate_id"`
	}
	decodeJSON(t, rec, &resp)
	if resp.PreviousCertificateID != "c-1" || resp.CertificateID == "c-1" || !certificate.ValidCertificateID(resp.CertificateID) {
		t.Fatalf("unexpected response %+v", resp)
	}

	var stored database.IssuedCertificate
	if err := db.First(&stored, item.ID).Error; err != nil {
		t.Fatalf("load item: %v", err)
	}
	if stored.CertificateID != resp.CertificateID || stored.Status != database.IssuedStatusPending || stored.ErrorMessage != "" {
		t.Fatalf("unexpected item %+v", stored)
	}
	var updated database.CertificateBatch
	if err := db.First(&updated, batch.ID).Error; err != nil {
		t.Fatalf("load batch: %v", err)
	}
	if updated.Failed != 0 || updated.Status != database.BatchStatusProcessing {
		t.Fatalf("unexpected batch %+v", updated)
	}
	if types := enq.taskTypes(); len(types) != 1 || types[0] != tasks.TypeCertificateGenerate {
		t.Fatalf("expected one generate task, got %v", types)
	}
}

func TestRegeneratePendingConflicts(t *testing.T) {
	db := newTestDB(t)
	_, item := seedIssued(t, db, 1, database.IssuedStatusPending)
	enq := &fakeEnqueuer{}
	h := NewCertificateHandler(db, newMemStore(), enq, 3, 0)

	c, rec := newTestContext(http.MethodPost, "/v1/certificates/c-1/regenerate", nil, 1, gin.Param{Key: "id", Value: item.CertificateID})
	h.Regenerate(c)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if len(enq.taskTypes()) != 0 {
		t.Fatalf("no task should be enqueued")
	}
}

func TestInternalBatchRequiresSecret(t *testing.T) {
	db := newTestDB(t)
	tpl := seedTemplate(t, db, 7, "users/7/templates/1/background.png")
	enq := &fakeEnqueuer{}
	h := NewCertificateHandler(db, newMemStore(), enq, 3, 0)

	hash, err := auth.HashSecret("shared-secret")
	if err != nil {
		t.Fatalf("hash secret: %v", err)
	}
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/internal/v1/batches", middleware.InternalSecretMiddleware(hash), h.CreateInternalBatch)

	body := map[string]any{"user_id": 7, "batch": batchBody(tpl.ID, "Dr. Varun")}

	send := func(secret string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/internal/v1/batches", jsonBody(t, body))
		req.Header.Set("Content-Type", "application/json")
		if secret != "" {
			req.Header.Set("X-Internal-Secret", secret)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	if rec := send(""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing secret expected 401, got %d", rec.Code)
	}
	if rec := send("wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong secret expected 401, got %d", rec.Code)
	}
	rec := send("shared-secret")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var batch database.CertificateBatch
	if err := db.First(&batch).Error; err != nil {
		t.Fatalf("load batch: %v", err)
	}
	if batch.UserID != 7 || len(enq.taskTypes()) != 1 {
		t.Fatalf("unexpected batch %+v / tasks %v", batch, enq.taskTypes())
	}
}
