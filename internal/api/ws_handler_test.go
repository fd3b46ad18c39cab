package api

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"bleepy/internal/auth"
)

func newTestAuthService(t *testing.T) *auth.AuthService {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	svc, err := auth.NewAuthService(nil, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}), time.Minute)
	if err != nil {
		t.Fatalf("new auth service: %v", err)
	}
	return svc
}

func TestWsCheckOrigin(t *testing.T) {
	h := NewWsHandler(nil, nil, nil, []string{"https://app.example.invalid"})

	req := httptest.NewRequest(http.MethodGet, "/v1/ws", nil)
	req.Header.Set("Origin", "https://app.example.invalid")
	if !h.upgrader.CheckOrigin(req) {
		t.Fatal("allowed origin rejected")
	}
	req.Header.Set("Origin", "https://evil.example.invalid")
	if h.upgrader.CheckOrigin(req) {
		t.Fatal("unknown origin accepted")
	}

	sameHost := NewWsHandler(nil, nil, nil, nil)
	req = httptest.NewRequest(http.MethodGet, "http://api.example.invalid/v1/ws", nil)
	req.Header.Set("Origin", "https://api.example.invalid")
	if !sameHost.upgrader.CheckOrigin(req) {
		t.Fatal("same-host origin rejected")
	}
}

func TestWsRejectsInvalidToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewWsHandler(nil, newTestAuthService(t), nil, nil)
	router := gin.New()
	router.GET("/v1/ws", h.HandleConnection)
	srv := httptest.NewServer(router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(wsAuthMessage{Type: "auth", Token: "not-a-jwt"}); err != nil {
		t.Fatalf("write auth: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()

	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != websocket.ClosePolicyViolation {
		t.Fatalf("expected policy violation close, got %v", err)
	}
}

func TestReportErrDoesNotBlock(t *testing.T) {
	errCh := make(chan error, 1)
	reportErr(errCh, errors.New("first"))
	reportErr(errCh, errors.New("second"))
	if err := <-errCh; err.Error() != "first" {
		t.Fatalf("expected first error, got %v", err)
	}
}

func TestBatchFilter(t *testing.T) {
	var f batchFilter
	if !f.allows(`{"batch_id":1}`) {
		t.Fatal("empty filter should forward everything")
	}

	f.watch(2)
	if f.allows(`{"batch_id":1}`) {
		t.Fatal("unwatched batch forwarded")
	}
	if !f.allows(`{"batch_id":2}`) {
		t.Fatal("watched batch dropped")
	}
	if !f.allows(`not json`) {
		t.Fatal("undecodable payload should be forwarded")
	}

	f.unwatch(2)
	if !f.allows(`{"batch_id":1}`) {
		t.Fatal("filter should be open again after unwatch")
	}
}
