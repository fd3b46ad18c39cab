package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// 统一的 WebSocket 消息协议（通过 Redis Pub/Sub 转发给前端）。
// 注意：这里的字段名与前端解析保持一致。
type CertificateNotifyMessage struct {
	Type          string `json:"type"`
	Status        string `json:"status"`
	BatchID       uint   `json:"batch_id"`
	CertificateID string `json:"certificate_id"`
	StoragePath   string `json:"storage_path,omitempty"`
	BatchStatus   string `json:"batch_status,omitempty"`
	Completed     int    `json:"completed"`
	Failed        int    `json:"failed"`
	Total         int    `json:"total"`
	CorrelationID string `json:"correlation_id"`
	ErrorCode     int    `json:"error_code"`
	ErrorMessage  string `json:"error_message"`
}

const notifyTypeCertificate = "certificate"

// Publisher 是 redis.Client 的发布能力子集。
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// NotifyChannel 返回用户通知频道名，与 WebSocket 转发端一致。
func NotifyChannel(userID uint) string {
	return fmt.Sprintf("user_notify:%d", userID)
}

func publishNotify(ctx context.Context, publisher Publisher, userID uint, notify CertificateNotifyMessage) error {
	if publisher == nil {
		return nil
	}
	data, err := json.Marshal(notify)
	if err != nil {
		return fmt.Errorf("marshal notification payload: %w", err)
	}
	channel := NotifyChannel(userID)
	if err := publisher.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish redis notification to %q: %w", channel, err)
	}
	return nil
}
