package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "AUTH_SECRET") {
		t.Fatalf("expected AUTH_SECRET validation error, got %v", err)
	}
}

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "WORKER_CONCURRENCY", "WORKER_QUEUE_SIZE", "REPORT_CACHE_TTL_SECONDS", "MAX_UPLOAD_BYTES", "MIGRATE_ON_START", "OCR_PROVIDER", "LOG_LEVEL"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	assert.Equal(t, ":8080", cfg.Address())
	assert.Equal(t, 5, cfg.WorkerConcurrency)
	assert.Equal(t, 64, cfg.WorkerQueueSize)
	assert.Equal(t, time.Minute, cfg.ReportCacheTTL())
	assert.Equal(t, int64(10<<20), cfg.MaxUploadBytes)
	assert.True(t, cfg.MigrateOnStart)
	assert.Equal(t, "mock", cfg.OCRProvider)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadParsesOverrides(t *testing.T) {
	t.Setenv("WORKER_CONCURRENCY", "12")
	t.Setenv("WORKER_QUEUE_SIZE", "-3")
	t.Setenv("LOG_PRETTY", "true")
	t.Setenv("MIGRATE_ON_START", "nope")
	t.Setenv("CHURN_SCHEDULE", "")
	t.Setenv("ACCESS_TOKEN_TTL_MINUTES", "30")

	cfg := Load()
	assert.Equal(t, 12, cfg.WorkerConcurrency)
	assert.Equal(t, 64, cfg.WorkerQueueSize, "values below the minimum fall back")
	assert.True(t, cfg.LogPretty)
	assert.True(t, cfg.MigrateOnStart, "unparseable booleans fall back")
	assert.Empty(t, cfg.ChurnSchedule, "an explicit empty schedule disables the job")
	assert.Equal(t, 30*time.Minute, cfg.AccessTokenTTL())
}

func TestValidateOCRProvider(t *testing.T) {
	cfg := Config{AuthSecret: strings.Repeat("s", 32), OCRProvider: "mock"}
	require.NoError(t, cfg.Validate())

	cfg.OCRProvider = "openai"
	assert.ErrorContains(t, cfg.Validate(), "OPENAI_API_KEY")

	cfg.OpenAIAPIKey = "sk-test"
	assert.NoError(t, cfg.Validate())

	cfg.OCRProvider = "tesseract"
	assert.ErrorContains(t, cfg.Validate(), `unknown OCR_PROVIDER "tesseract"`)
}
