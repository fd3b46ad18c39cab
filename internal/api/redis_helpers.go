package api

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

type redisRateCounter interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// windowLimiter 是基于 Redis INCR + EXPIRE 的固定窗口计数器。
type windowLimiter struct {
	counter redisRateCounter
	limit   int
	window  time.Duration
	key     func(userID uint) string
}

// allow 返回是否放行以及建议的 Retry-After 秒数。limit <= 0 或未配置计数器时总是放行。
func (l windowLimiter) allow(ctx context.Context, userID uint) (bool, int, error) {
	if l.counter == nil || l.limit <= 0 {
		return true, 0, nil
	}
	count, err := incrWithTTL(ctx, l.counter, l.key(userID), l.window)
	if err != nil {
		return true, 0, err
	}
	if count <= int64(l.limit) {
		return true, 0, nil
	}
	return false, int(math.Ceil(l.window.Seconds())), nil
}

// 首次计数时设置过期；设置失败则返回错误，由调用方决定是否放行。
func incrWithTTL(ctx context.Context, client redisRateCounter, key string, ttl time.Duration) (int64, error) {
	count, err := client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 && ttl > 0 {
		if err := client.Expire(ctx, key, ttl).Err(); err != nil {
			return count, fmt.Errorf("expire %s: %w", key, err)
		}
	}
	return count, nil
}

func previewRateKey(userID uint) string {
	return fmt.Sprintf("preview_rate:%d", userID)
}
