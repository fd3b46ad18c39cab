package database

import (
	"fmt"
	"log/slog"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"bleepy/internal/config"
)

// InitDatabase 使用配置初始化 PostgreSQL 连接，连接池参数与慢查询阈值来自配置。
// GORM 日志转写到 log（为 nil 时使用 slog.Default）。
func InitDatabase(cfg config.DatabaseConfig, log *slog.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger: NewGormLogger(log, cfg.SlowQuery),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("unwrap db: %w", err)
	}

	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return db, nil
}

// AutoMigrate 创建或更新证书相关表结构。
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&CertificateTemplate{}, &CertificateBatch{}, &IssuedCertificate{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
