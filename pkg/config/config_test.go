package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/rodcoding123/helix-sub009/pkg/config"
)

// The daemon must boot with safe local defaults from an empty environment.
func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"PORT", "LOG_LEVEL", "GOVERND_DB_PATH", "GOVERND_DATABASE_URL",
		"GOVERND_REDIS_ADDR", "GOVERND_MIRROR", "GOVERND_APPROVAL_TTL",
		"GOVERND_BYPASS_THRESHOLD", "GOVERND_TELEMETRY_ENABLED",
	} {
		t.Setenv(key, "")
	}

	cfg := config.Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "governd.db", cfg.DatabasePath)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Empty(t, cfg.RedisAddr)
	assert.Equal(t, "none", cfg.Mirror)
	assert.Equal(t, 24*time.Hour, cfg.ApprovalTTL)
	assert.Equal(t, 3, cfg.BypassThreshold)
	assert.Equal(t, 30*24*time.Hour, cfg.RetentionWindow)
	assert.Equal(t, 0, cfg.UndoMinLevel)
	assert.False(t, cfg.TelemetryEnabled)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("GOVERND_DATABASE_URL", "postgres://prod:5432/governd")
	t.Setenv("GOVERND_REDIS_ADDR", "redis:6379")
	t.Setenv("GOVERND_MIRROR", "s3")
	t.Setenv("GOVERND_S3_BUCKET", "audit-mirror")
	t.Setenv("GOVERND_APPROVAL_TTL", "2h")
	t.Setenv("GOVERND_BYPASS_THRESHOLD", "4")
	t.Setenv("GOVERND_UNDO_MIN_LEVEL", "2")
	t.Setenv("GOVERND_TELEMETRY_ENABLED", "true")

	cfg := config.Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "postgres://prod:5432/governd", cfg.DatabaseURL)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, "s3", cfg.Mirror)
	assert.Equal(t, "audit-mirror", cfg.S3Bucket)
	assert.Equal(t, 2*time.Hour, cfg.ApprovalTTL)
	assert.Equal(t, 4, cfg.BypassThreshold)
	assert.Equal(t, 2, cfg.UndoMinLevel)
	assert.True(t, cfg.TelemetryEnabled)
}

// Malformed numeric or duration values fall back rather than crash.
func TestLoadMalformedValues(t *testing.T) {
	t.Setenv("GOVERND_BYPASS_THRESHOLD", "many")
	t.Setenv("GOVERND_APPROVAL_TTL", "soon")

	cfg := config.Load()

	assert.Equal(t, 3, cfg.BypassThreshold)
	assert.Equal(t, 24*time.Hour, cfg.ApprovalTTL)
}
