package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"bleepy/internal/auth"
	"bleepy/internal/worker"
)

const (
	wsAuthTimeout  = 10 * time.Second
	wsPingInterval = 30 * time.Second
	wsReadLimit    = 4 << 10
)

// WsHandler 负责 WebSocket 鉴权，并把 Redis 中的证书进度通知转发给前端。
type WsHandler struct {
	redisClient    *redis.Client
	authService    *auth.AuthService
	logger         *slog.Logger
	upgrader       websocket.Upgrader
	allowedOrigins []string
}

// NewWsHandler 构造 WebSocket 处理器。
func NewWsHandler(redisClient *redis.Client, authService *auth.AuthService, logger *slog.Logger, allowedOrigins []string) *WsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &WsHandler{
		redisClient:    redisClient,
		authService:    authService,
		logger:         logger,
		allowedOrigins: allowedOrigins,
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			if len(h.allowedOrigins) == 0 {
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			}
			for _, allowed := range h.allowedOrigins {
				if origin == allowed {
					return true
				}
			}
			return false
		},
	}
	return h
}

// 客户端消息：首条必须是 {"type":"auth","token":...}；
// 之后可发送 {"type":"watch"|"unwatch","batch_id":N} 只接收指定批次的进度。
type wsAuthMessage struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

type wsClientMessage struct {
	Type    string `json:"type"`
	BatchID uint   `json:"batch_id"`
}

// batchFilter 为空时转发全部通知。
type batchFilter struct {
	mu  sync.RWMutex
	ids map[uint]struct{}
}

func (f *batchFilter) watch(id uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ids == nil {
		f.ids = make(map[uint]struct{})
	}
	f.ids[id] = struct{}{}
}

func (f *batchFilter) unwatch(id uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.ids, id)
}

// allows 按通知里的 batch_id 过滤；无法解析的载荷照常转发。
func (f *batchFilter) allows(payload string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if len(f.ids) == 0 {
		return true
	}
	var probe struct {
		BatchID uint `json:"batch_id"`
	}
	if err := json.Unmarshal([]byte(payload), &probe); err != nil {
		return true
	}
	_, ok := f.ids[probe.BatchID]
	return ok
}

// HandleConnection 负责升级连接并启动读写循环。
func (h *WsHandler) HandleConnection(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("upgrade websocket failed", slog.Any("error", err))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(wsReadLimit)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	baseLog := h.logger.With(
		slog.String("client_ip", c.ClientIP()),
	)

	userIDCh := make(chan uint, 1)
	errCh := make(chan error, 1)
	filter := &batchFilter{}

	go h.readLoop(ctx, conn, filter, userIDCh, errCh, cancel, baseLog)

	authTimer := time.NewTimer(wsAuthTimeout)
	defer authTimer.Stop()

	var userID uint
	select {
	case <-ctx.Done():
		return
	case <-authTimer.C:
		writeClose(conn, websocket.ClosePolicyViolation, "auth timeout")
		baseLog.Warn("websocket authentication timed out")
		return
	case err := <-errCh:
		if err != nil {
			baseLog.Warn("websocket authentication failed", slog.Any("error", err))
		}
		return
	case userID = <-userIDCh:
	}

	userLog := baseLog.With(slog.Uint64("user_id", uint64(userID)))
	go h.subscribeLoop(ctx, conn, userID, filter, errCh, cancel, userLog)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			userLog.Info("websocket connection closed", slog.Any("error", err))
		} else {
			userLog.Info("websocket connection closed")
		}
	}
}

func (h *WsHandler) readLoop(
	ctx context.Context,
	conn *websocket.Conn,
	filter *batchFilter,
	userIDCh chan<- uint,
	errCh chan<- error,
	cancel context.CancelFunc,
	log *slog.Logger,
) {
	authenticated := false

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			writeClose(conn, websocket.CloseAbnormalClosure, "read error")
			reportErr(errCh, fmt.Errorf("read message: %w", err))
			cancel()
			return
		}

		if !authenticated {
			var authMsg wsAuthMessage
			if err := json.Unmarshal(message, &authMsg); err != nil {
				writeClose(conn, websocket.ClosePolicyViolation, "invalid auth payload")
				reportErr(errCh, fmt.Errorf("decode auth payload: %w", err))
				cancel()
				return
			}
			if authMsg.Type != "auth" || authMsg.Token == "" {
				writeClose(conn, websocket.ClosePolicyViolation, "auth required")
				reportErr(errCh, errors.New("invalid auth message"))
				cancel()
				return
			}

			claims, err := h.authService.ValidateToken(authMsg.Token)
			if err != nil {
				writeClose(conn, websocket.ClosePolicyViolation, "unauthorized")
				reportErr(errCh, fmt.Errorf("validate token: %w", err))
				cancel()
				return
			}
			if claims.TokenType != auth.TokenTypeAccess {
				writeClose(conn, websocket.ClosePolicyViolation, "access token required")
				reportErr(errCh, fmt.Errorf("invalid token type: %s", claims.TokenType))
				cancel()
				return
			}

			authenticated = true
			userIDCh <- claims.UserID
			log.Info("websocket authenticated", slog.Uint64("user_id", uint64(claims.UserID)))
			continue
		}

		var clientMsg wsClientMessage
		if err := json.Unmarshal(message, &clientMsg); err != nil || clientMsg.BatchID == 0 {
			log.Debug("ignoring websocket client message")
			continue
		}
		switch clientMsg.Type {
		case "watch":
			filter.watch(clientMsg.BatchID)
		case "unwatch":
			filter.unwatch(clientMsg.BatchID)
		default:
			log.Debug("ignoring websocket client message", slog.String("type", clientMsg.Type))
		}
	}
}

// reportErr 不阻塞：只有第一个错误会被接收。
func reportErr(errCh chan<- error, err error) {
	select {
	case errCh <- err:
	default:
	}
}

func writeClose(conn *websocket.Conn, code int, text string) {
	deadline := time.Now().Add(5 * time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
}

func (h *WsHandler) subscribeLoop(
	ctx context.Context,
	conn *websocket.Conn,
	userID uint,
	filter *batchFilter,
	errCh chan<- error,
	cancel context.CancelFunc,
	log *slog.Logger,
) {
	channel := worker.NotifyChannel(userID)
	pubsub := h.redisClient.Subscribe(ctx, channel)
	defer pubsub.Close()

	log.Info("subscribed to redis channel", slog.String("channel", channel))

	ch := pubsub.Channel()
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				reportErr(errCh, errors.New("pubsub channel closed"))
				cancel()
				return
			}

			if !filter.allows(msg.Payload) {
				continue
			}
			log.Debug("forwarding notification to client", slog.String("channel", channel))
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg.Payload)); err != nil {
				reportErr(errCh, fmt.Errorf("write message: %w", err))
				cancel()
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(5 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
				reportErr(errCh, fmt.Errorf("write ping: %w", err))
				cancel()
				return
			}
		}
	}
}
