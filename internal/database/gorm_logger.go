package database

import (
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm/logger"
)

// slogWriter 实现 logger.Writer，把 GORM 的输出转成 slog 记录。
type slogWriter struct {
	log *slog.Logger
}

func (w slogWriter) Printf(format string, args ...interface{}) {
	w.log.Warn(fmt.Sprintf(format, args...))
}

// NewGormLogger 只记录 warn 以上与慢查询。记录不存在（ErrRecordNotFound）属于正常分支，不记录。
func NewGormLogger(log *slog.Logger, slowThreshold time.Duration) logger.Interface {
	if log == nil {
		log = slog.Default()
	}
	if slowThreshold <= 0 {
		slowThreshold = 500 * time.Millisecond
	}
	return logger.New(slogWriter{log: log.With(slog.String("component", "gorm"))}, logger.Config{
		SlowThreshold:             slowThreshold,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})
}
