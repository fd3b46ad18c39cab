package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config aggregates application settings that may be sourced from files or environment variables.
type Config struct {
	API         APIConfig         `mapstructure:"api"`
	Log         LogConfig         `mapstructure:"log"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Storage     StorageConfig     `mapstructure:"storage"`
	MinIO       MinIOConfig       `mapstructure:"minio"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Clamd       ClamdConfig       `mapstructure:"clamd"`
	Worker      WorkerConfig      `mapstructure:"worker"`
	Certificate CertificateConfig `mapstructure:"certificate"`
	Fetch       FetchConfig       `mapstructure:"fetch"`
	Preview     PreviewConfig     `mapstructure:"preview"`
}

// APIConfig contains HTTP server settings.
// AllowedOrigins 为逗号分隔的 WebSocket Origin 白名单，为空时只允许同源。
type APIConfig struct {
	Port           int    `mapstructure:"port"`
	MaxUploadBytes int64  `mapstructure:"max_upload_bytes"`
	AllowedOrigins string `mapstructure:"allowed_origins"`
}

// Origins 解析 AllowedOrigins。
func (a APIConfig) Origins() []string {
	var out []string
	for _, o := range strings.Split(a.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// LogConfig 控制日志格式与输出位置；File 为空时写入 stdout。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// DatabaseConfig contains connection options for PostgreSQL.
// SlowQuery 超过该耗时的 SQL 以 warn 记录。
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	SlowQuery       time.Duration `mapstructure:"slow_query"`
}

// RedisConfig 包含 Redis 连接配置。
type RedisConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr 返回 host:port 形式的地址。
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// StorageConfig 选择对象存储后端：minio（默认）或 bolt。
// bolt 文件带独占锁，只能由单个进程打开，api 与 worker 必须使用 minio。
type StorageConfig struct {
	Driver   string `mapstructure:"driver"`
	BoltPath string `mapstructure:"bolt_path"`
}

// SingleProcess 报告当前后端是否只能被一个进程打开。
func (s StorageConfig) SingleProcess() bool {
	return strings.EqualFold(strings.TrimSpace(s.Driver), "bolt")
}

// MinIOConfig contains connection options for MinIO/S3-compatible storage.
type MinIOConfig struct {
	Endpoint         string `mapstructure:"endpoint"`
	PublicEndpoint   string `mapstructure:"public_endpoint"`
	AccessKeyID      string `mapstructure:"access_key_id"`
	SecretAccessKey  string `mapstructure:"secret_access_key"`
	UseSSL           bool   `mapstructure:"use_ssl"`
	Bucket           string `mapstructure:"bucket"`
	Region           string `mapstructure:"region"`
	BucketLookup     string `mapstructure:"bucket_lookup"`
	AutoCreateBucket bool   `mapstructure:"auto_create_bucket"`
}

// AuthConfig 指向 RS256 公私钥 PEM 文件。私钥只在签发令牌时需要。
// InternalSecretHash 是服务间调用密钥的 bcrypt 哈希，为空时关闭 /internal 路由。
type AuthConfig struct {
	PublicKeyPath      string        `mapstructure:"public_key_path"`
	PrivateKeyPath     string        `mapstructure:"private_key_path"`
	AccessTokenTTL     time.Duration `mapstructure:"access_token_ttl"`
	InternalSecretHash string        `mapstructure:"internal_secret_hash"`
}

// ClamdConfig 为空地址时跳过病毒扫描。
type ClamdConfig struct {
	Addr string `mapstructure:"addr"`
}

// WorkerConfig 控制 asynq 消费端。
type WorkerConfig struct {
	Concurrency int           `mapstructure:"concurrency"`
	MaxRetry    int           `mapstructure:"max_retry"`
	TaskTimeout time.Duration `mapstructure:"task_timeout"`
}

// CertificateConfig 包含渲染相关配置。
type CertificateConfig struct {
	FontsDir            string `mapstructure:"fonts_dir"`
	VerificationBaseURL string `mapstructure:"verification_base_url"`
}

// FetchConfig 控制背景图下载。
type FetchConfig struct {
	RetryMax  int   `mapstructure:"retry_max"`
	MaxBytes  int64 `mapstructure:"max_bytes"`
	MaxPixels int64 `mapstructure:"max_pixels"`
	// AllowPrivate 允许下载回环和内网地址，仅用于本地开发。
	AllowPrivate bool `mapstructure:"allow_private"`
}

// PreviewConfig 控制编辑器预览的限流。
type PreviewConfig struct {
	RateLimit  int           `mapstructure:"rate_limit"`
	RateWindow time.Duration `mapstructure:"rate_window"`
}

// DSN builds a lib/pq compatible connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host,
		d.Port,
		d.User,
		d.Password,
		d.Name,
		d.SSLMode,
	)
}

// Load reads configuration solely from environment variables (with optional defaults).
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if err := bindEnv(v); err != nil {
		return nil, fmt.Errorf("bind env: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// MustLoad wraps Load and panics on failure.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.max_upload_bytes", 10<<20)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 14)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "bleepy")
	v.SetDefault("database.user", "bleepy")
	v.SetDefault("database.password", "bleepy")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("database.slow_query", 500*time.Millisecond)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("storage.driver", "minio")
	v.SetDefault("storage.bolt_path", "data/objects.db")
	v.SetDefault("minio.endpoint", "localhost:9000")
	v.SetDefault("minio.public_endpoint", "http://localhost:9000")
	v.SetDefault("minio.use_ssl", false)
	v.SetDefault("minio.bucket", "certificates")
	v.SetDefault("minio.bucket_lookup", "auto")
	v.SetDefault("minio.auto_create_bucket", true)
	v.SetDefault("auth.access_token_ttl", 15*time.Minute)
	v.SetDefault("worker.concurrency", 10)
	v.SetDefault("worker.max_retry", 3)
	v.SetDefault("worker.task_timeout", 2*time.Minute)
	v.SetDefault("fetch.retry_max", 0)
	v.SetDefault("fetch.max_bytes", 20<<20)
	v.SetDefault("fetch.max_pixels", 50_000_000)
	v.SetDefault("fetch.allow_private", false)
	v.SetDefault("preview.rate_limit", 30)
	v.SetDefault("preview.rate_window", time.Minute)
}

func bindEnv(v *viper.Viper) error {
	mappings := map[string]string{
		"api.port":                          "API_PORT",
		"api.max_upload_bytes":              "API_MAX_UPLOAD_BYTES",
		"api.allowed_origins":               "API_ALLOWED_ORIGINS",
		"log.level":                         "LOG_LEVEL",
		"log.format":                        "LOG_FORMAT",
		"log.file":                          "LOG_FILE",
		"log.max_size_mb":                   "LOG_MAX_SIZE_MB",
		"log.max_backups":                   "LOG_MAX_BACKUPS",
		"log.max_age_days":                  "LOG_MAX_AGE_DAYS",
		"database.host":                     "DATABASE_HOST",
		"database.port":                     "DATABASE_PORT",
		"database.name":                     "POSTGRES_DB",
		"database.user":                     "POSTGRES_USER",
		"database.password":                 "POSTGRES_PASSWORD",
		"database.sslmode":                  "DATABASE_SSLMODE",
		"database.max_open_conns":           "DATABASE_MAX_OPEN_CONNS",
		"database.max_idle_conns":           "DATABASE_MAX_IDLE_CONNS",
		"database.conn_max_lifetime":        "DATABASE_CONN_MAX_LIFETIME",
		"database.slow_query":               "DATABASE_SLOW_QUERY",
		"redis.host":                        "REDIS_HOST",
		"redis.port":                        "REDIS_PORT",
		"storage.driver":                    "STORAGE_DRIVER",
		"storage.bolt_path":                 "STORAGE_BOLT_PATH",
		"minio.endpoint":                    "MINIO_ENDPOINT",
		"minio.public_endpoint":             "MINIO_PUBLIC_ENDPOINT",
		"minio.access_key_id":               "MINIO_ACCESS_KEY_ID",
		"minio.secret_access_key":           "MINIO_SECRET_ACCESS_KEY",
		"minio.use_ssl":                     "MINIO_USE_SSL",
		"minio.bucket":                      "MINIO_BUCKET",
		"minio.region":                      "MINIO_REGION",
		"minio.bucket_lookup":               "MINIO_BUCKET_LOOKUP",
		"minio.auto_create_bucket":          "MINIO_AUTO_CREATE_BUCKET",
		"auth.public_key_path":              "JWT_PUBLIC_KEY_PATH",
		"auth.private_key_path":             "JWT_PRIVATE_KEY_PATH",
		"auth.access_token_ttl":             "JWT_ACCESS_TOKEN_TTL",
		"auth.internal_secret_hash":         "INTERNAL_API_SECRET_HASH",
		"clamd.addr":                        "CLAMD_ADDR",
		"worker.concurrency":                "WORKER_CONCURRENCY",
		"worker.max_retry":                  "WORKER_MAX_RETRY",
		"worker.task_timeout":               "WORKER_TASK_TIMEOUT",
		"certificate.fonts_dir":             "CERTIFICATE_FONTS_DIR",
		"certificate.verification_base_url": "CERTIFICATE_VERIFICATION_BASE_URL",
		"fetch.retry_max":                   "FETCH_RETRY_MAX",
		"fetch.max_bytes":                   "FETCH_MAX_BYTES",
		"fetch.max_pixels":                  "FETCH_MAX_PIXELS",
		"fetch.allow_private":               "FETCH_ALLOW_PRIVATE",
		"preview.rate_limit":                "PREVIEW_RATE_LIMIT",
		"preview.rate_window":               "PREVIEW_RATE_WINDOW",
	}

	for key, env := range mappings {
		if err := v.BindEnv(key, env); err != nil {
			return fmt.Errorf("bind %s to %s: %w", key, env, err)
		}
	}

	return nil
}

func validate(cfg Config) error {
	if cfg.API.Port <= 0 {
		return errors.New("api port must be positive")
	}
	if cfg.Database.Host == "" {
		return errors.New("database host is required")
	}
	if cfg.Database.Port <= 0 {
		return errors.New("database port must be positive")
	}
	if cfg.Database.Name == "" {
		return errors.New("database name is required")
	}
	if cfg.Database.User == "" {
		return errors.New("database user is required")
	}
	if cfg.Database.Password == "" {
		return errors.New("database password is required")
	}
	if cfg.Database.SSLMode == "" {
		return errors.New("database sslmode is required")
	}
	if cfg.Database.MaxOpenConns < 0 || cfg.Database.MaxIdleConns < 0 {
		return errors.New("database pool sizes must not be negative")
	}
	if cfg.Redis.Host == "" {
		return errors.New("redis host is required")
	}
	if cfg.Redis.Port <= 0 {
		return errors.New("redis port must be positive")
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "minio":
		if cfg.MinIO.Endpoint == "" {
			return errors.New("minio endpoint is required")
		}
		if cfg.MinIO.AccessKeyID == "" {
			return errors.New("minio access key id is required")
		}
		if cfg.MinIO.SecretAccessKey == "" {
			return errors.New("minio secret access key is required")
		}
		if cfg.MinIO.Bucket == "" {
			return errors.New("minio bucket is required")
		}
	case "bolt":
		if cfg.Storage.BoltPath == "" {
			return errors.New("storage bolt path is required")
		}
	default:
		return fmt.Errorf("unsupported storage driver %q", cfg.Storage.Driver)
	}

	if cfg.Worker.Concurrency <= 0 {
		return errors.New("worker concurrency must be positive")
	}
	if cfg.Worker.MaxRetry < 0 {
		return errors.New("worker max retry must not be negative")
	}
	if cfg.Worker.TaskTimeout <= 0 {
		return errors.New("worker task timeout must be positive")
	}
	if cfg.Fetch.RetryMax < 0 {
		return errors.New("fetch retry max must not be negative")
	}
	if cfg.Fetch.MaxBytes <= 0 {
		return errors.New("fetch max bytes must be positive")
	}
	if cfg.Fetch.MaxPixels <= 0 {
		return errors.New("fetch max pixels must be positive")
	}
	switch strings.ToLower(cfg.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("unsupported log format %q", cfg.Log.Format)
	}
	return nil
}
