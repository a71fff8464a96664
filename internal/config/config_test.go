package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(filepath.Join(t.TempDir(), ".env"))
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.ServicePort)
	assert.Equal(t, 9, cfg.ChunkSizeMB)
	assert.Equal(t, int64(9*1024*1024), cfg.GetChunkSizeBytes())
	assert.Equal(t, 3, cfg.DownloadConcurrency)
	assert.Equal(t, 3, cfg.UploadMaxRetries)
	assert.Equal(t, 30*time.Second, cfg.CompletionTimeout)
	assert.Equal(t, "localhost:6379", cfg.GetRedisAddr())
	assert.True(t, cfg.TracingEnabled)
	assert.Empty(t, cfg.GetWebhookURLs())
	assert.Empty(t, cfg.GetCORSOrigins())
	assert.Equal(t, 1.0, cfg.TracingSampleRatio)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CHUNK_SIZE_MB", "4")
	t.Setenv("WEBHOOK_URLS", " https://a/api/webhooks/1/x , ,https://b/api/webhooks/2/y")
	t.Setenv("COMPLETION_TIMEOUT", "5s")
	t.Setenv("TRACING_ENABLED", "false")
	t.Setenv("CORS_ORIGINS", "http://localhost:3000")

	cfg, err := load(filepath.Join(t.TempDir(), ".env"))
	require.NoError(t, err)

	assert.Equal(t, int64(4*1024*1024), cfg.GetChunkSizeBytes())
	assert.Equal(t, []string{"https://a/api/webhooks/1/x", "https://b/api/webhooks/2/y"}, cfg.GetWebhookURLs())
	assert.Equal(t, 5*time.Second, cfg.CompletionTimeout)
	assert.False(t, cfg.TracingEnabled)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.GetCORSOrigins())
}

func TestLoad_EnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("SERVICE_PORT=9999\nDOWNLOAD_PROXY_URL=http://proxy/dl\n"), 0o600))

	cfg, err := load(path)
	require.NoError(t, err)
	assert.Equal(t, "9999", cfg.ServicePort)
	assert.Equal(t, "http://proxy/dl", cfg.DownloadProxyURL)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"CHUNK_SIZE_MB", "0"},
		{"DOWNLOAD_CONCURRENCY", "-1"},
		{"UPLOAD_MAX_RETRIES", "-2"},
		{"COMPLETION_TIMEOUT", "0s"},
		{"TRACING_SAMPLE_RATIO", "1.5"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := load(filepath.Join(t.TempDir(), ".env"))
			assert.ErrorContains(t, err, tt.key)
		})
	}
}

func TestGetDSN(t *testing.T) {
	cfg := &Config{
		TiDBUser:     "root",
		TiDBPassword: "p@ss",
		TiDBHost:     "db",
		TiDBPort:     "4000",
		TiDBDatabase: "hookdrive",
	}

	dsn := cfg.GetDSN()
	assert.Contains(t, dsn, "charset=utf8mb4")

	parsed, err := mysql.ParseDSN(dsn)
	require.NoError(t, err)
	assert.Equal(t, "root", parsed.User)
	assert.Equal(t, "p@ss", parsed.Passwd)
	assert.Equal(t, "db:4000", parsed.Addr)
	assert.Equal(t, "hookdrive", parsed.DBName)
	assert.True(t, parsed.ParseTime)
}
