package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	// Service configuration
	ServicePort string `mapstructure:"SERVICE_PORT"`
	ServiceName string `mapstructure:"SERVICE_NAME"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	CORSOrigins string `mapstructure:"CORS_ORIGINS"`

	// Transfer configuration
	ChunkSizeMB         int           `mapstructure:"CHUNK_SIZE_MB"`
	WebhookURLs         string        `mapstructure:"WEBHOOK_URLS"`
	DownloadProxyURL    string        `mapstructure:"DOWNLOAD_PROXY_URL"`
	DownloadConcurrency int           `mapstructure:"DOWNLOAD_CONCURRENCY"`
	UploadMaxRetries    int           `mapstructure:"UPLOAD_MAX_RETRIES"`
	CompletionTimeout   time.Duration `mapstructure:"COMPLETION_TIMEOUT"`
	SpoolDir            string        `mapstructure:"SPOOL_DIR"`

	// MinIO configuration
	MinIOEndpoint   string `mapstructure:"MINIO_ENDPOINT"`
	MinIOAccessKey  string `mapstructure:"MINIO_ACCESS_KEY"`
	MinIOSecretKey  string `mapstructure:"MINIO_SECRET_KEY"`
	MinIOBucketName string `mapstructure:"MINIO_BUCKET_NAME"`
	MinIOUseSSL     bool   `mapstructure:"MINIO_USE_SSL"`

	// TiDB configuration
	TiDBHost     string `mapstructure:"TIDB_HOST"`
	TiDBPort     string `mapstructure:"TIDB_PORT"`
	TiDBUser     string `mapstructure:"TIDB_USER"`
	TiDBPassword string `mapstructure:"TIDB_PASSWORD"`
	TiDBDatabase string `mapstructure:"TIDB_DATABASE"`

	// Redis configuration
	RedisHost     string `mapstructure:"REDIS_HOST"`
	RedisPort     string `mapstructure:"REDIS_PORT"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`

	// Tracing configuration
	TracingEnabled     bool    `mapstructure:"TRACING_ENABLED"`
	TracingSampleRatio float64 `mapstructure:"TRACING_SAMPLE_RATIO"`
	JaegerEndpoint     string  `mapstructure:"JAEGER_ENDPOINT"`
}

var defaults = map[string]any{
	"SERVICE_PORT": "8080",
	"SERVICE_NAME": "hookdrive-service",
	"LOG_LEVEL":    "info",
	"CORS_ORIGINS": "",

	"CHUNK_SIZE_MB":        9,
	"WEBHOOK_URLS":         "",
	"DOWNLOAD_PROXY_URL":   "http://localhost:3000/api/download",
	"DOWNLOAD_CONCURRENCY": 3,
	"UPLOAD_MAX_RETRIES":   3,
	"COMPLETION_TIMEOUT":   "30s",
	"SPOOL_DIR":            "",

	"MINIO_ENDPOINT":    "localhost:9000",
	"MINIO_ACCESS_KEY":  "minioadmin",
	"MINIO_SECRET_KEY":  "minioadmin",
	"MINIO_BUCKET_NAME": "hookdrive",
	"MINIO_USE_SSL":     false,

	"TIDB_HOST":     "localhost",
	"TIDB_PORT":     "4000",
	"TIDB_USER":     "root",
	"TIDB_PASSWORD": "",
	"TIDB_DATABASE": "hookdrive",

	"REDIS_HOST":     "localhost",
	"REDIS_PORT":     "6379",
	"REDIS_PASSWORD": "",
	"REDIS_DB":       0,

	"TRACING_ENABLED":      true,
	"TRACING_SAMPLE_RATIO": 1.0,
	"JAEGER_ENDPOINT":      "http://localhost:4318",
}

// LoadConfig reads configuration from the environment and an optional .env
// file in the working directory. Environment variables win.
func LoadConfig() (*Config, error) {
	return load(".env")
}

func load(envFile string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetConfigFile(envFile)
	v.SetConfigType("env")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read %s: %w", envFile, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values no transfer could run with.
func (c *Config) Validate() error {
	if c.ChunkSizeMB <= 0 {
		return fmt.Errorf("CHUNK_SIZE_MB must be positive, got %d", c.ChunkSizeMB)
	}
	if c.DownloadConcurrency <= 0 {
		return fmt.Errorf("DOWNLOAD_CONCURRENCY must be positive, got %d", c.DownloadConcurrency)
	}
	if c.UploadMaxRetries < 0 {
		return fmt.Errorf("UPLOAD_MAX_RETRIES must not be negative, got %d", c.UploadMaxRetries)
	}
	if c.TracingSampleRatio < 0 || c.TracingSampleRatio > 1 {
		return fmt.Errorf("TRACING_SAMPLE_RATIO must be within [0, 1], got %g", c.TracingSampleRatio)
	}
	if c.CompletionTimeout <= 0 {
		return fmt.Errorf("COMPLETION_TIMEOUT must be positive, got %s", c.CompletionTimeout)
	}
	return nil
}

// GetDSN returns the TiDB connection string
func (c *Config) GetDSN() string {
	dsn := mysql.NewConfig()
	dsn.User = c.TiDBUser
	dsn.Passwd = c.TiDBPassword
	dsn.Net = "tcp"
	dsn.Addr = net.JoinHostPort(c.TiDBHost, c.TiDBPort)
	dsn.DBName = c.TiDBDatabase
	dsn.ParseTime = true
	dsn.Loc = time.Local
	dsn.Params = map[string]string{"charset": "utf8mb4"}
	return dsn.FormatDSN()
}

// GetRedisAddr returns the Redis address
func (c *Config) GetRedisAddr() string {
	return net.JoinHostPort(c.RedisHost, c.RedisPort)
}

// GetChunkSizeBytes returns chunk size in bytes
func (c *Config) GetChunkSizeBytes() int64 {
	return int64(c.ChunkSizeMB) * 1024 * 1024
}

// GetWebhookURLs splits WEBHOOK_URLS on commas, dropping blanks.
func (c *Config) GetWebhookURLs() []string {
	return splitList(c.WebhookURLs)
}

// GetCORSOrigins returns the origins allowed to call the API. Empty disables CORS.
func (c *Config) GetCORSOrigins() []string {
	return splitList(c.CORSOrigins)
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
