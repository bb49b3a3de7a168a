// Package config loads the daemon's configuration from environment
// variables, 12-factor style. Everything has a safe local default: with an
// empty environment the daemon runs on SQLite with an in-process daily
// counter, no mirror, and telemetry off.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds daemon configuration.
type Config struct {
	Port     string
	LogLevel string

	// DatabasePath selects the SQLite file. DatabaseURL, when set,
	// switches persistence to Postgres instead.
	DatabasePath string
	DatabaseURL  string

	// Redis backs the shared daily action counter; empty means in-process.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Mirror selects the external audit mirror: "none", "s3", "gcs" or
	// "webhook".
	Mirror           string
	S3Bucket         string
	S3Region         string
	S3Endpoint       string
	S3Prefix         string
	GCSBucket        string
	GCSPrefix        string
	MirrorWebhookURL string

	// Approval workflow.
	ApprovalTTL        time.Duration
	ApprovalSecret     string // HMAC secret for callback tokens; empty disables them
	ApprovalChannelURL string // collaborator endpoint; empty disables posting
	SweepInterval      time.Duration

	// Governance policy.
	BypassThreshold int
	RetentionWindow time.Duration
	ReversalWindow  time.Duration
	UndoMinLevel    int

	// RulesFile optionally replaces the built-in constraint set.
	RulesFile string

	// Telemetry.
	TelemetryEnabled bool
	OTLPEndpoint     string
	OTLPInsecure     bool
	Environment      string
}

// Load reads configuration from the environment.
func Load() *Config {
	return &Config{
		Port:     getenv("PORT", "8080"),
		LogLevel: getenv("LOG_LEVEL", "INFO"),

		DatabasePath: getenv("GOVERND_DB_PATH", "governd.db"),
		DatabaseURL:  os.Getenv("GOVERND_DATABASE_URL"),

		RedisAddr:     os.Getenv("GOVERND_REDIS_ADDR"),
		RedisPassword: os.Getenv("GOVERND_REDIS_PASSWORD"),
		RedisDB:       getint("GOVERND_REDIS_DB", 0),

		Mirror:           getenv("GOVERND_MIRROR", "none"),
		S3Bucket:         os.Getenv("GOVERND_S3_BUCKET"),
		S3Region:         getenv("GOVERND_S3_REGION", "us-east-1"),
		S3Endpoint:       os.Getenv("GOVERND_S3_ENDPOINT"),
		S3Prefix:         getenv("GOVERND_S3_PREFIX", "audit/"),
		GCSBucket:        os.Getenv("GOVERND_GCS_BUCKET"),
		GCSPrefix:        getenv("GOVERND_GCS_PREFIX", "audit/"),
		MirrorWebhookURL: os.Getenv("GOVERND_MIRROR_WEBHOOK_URL"),

		ApprovalTTL:        getdur("GOVERND_APPROVAL_TTL", 24*time.Hour),
		ApprovalSecret:     os.Getenv("GOVERND_APPROVAL_SECRET"),
		ApprovalChannelURL: os.Getenv("GOVERND_APPROVAL_CHANNEL_URL"),
		SweepInterval:      getdur("GOVERND_SWEEP_INTERVAL", 30*time.Second),

		BypassThreshold: getint("GOVERND_BYPASS_THRESHOLD", 3),
		RetentionWindow: getdur("GOVERND_RETENTION_WINDOW", 30*24*time.Hour),
		ReversalWindow:  getdur("GOVERND_REVERSAL_WINDOW", 7*24*time.Hour),
		UndoMinLevel:    getint("GOVERND_UNDO_MIN_LEVEL", 0),

		RulesFile: os.Getenv("GOVERND_RULES_FILE"),

		TelemetryEnabled: getbool("GOVERND_TELEMETRY_ENABLED", false),
		OTLPEndpoint:     getenv("GOVERND_OTLP_ENDPOINT", "localhost:4317"),
		OTLPInsecure:     getbool("GOVERND_OTLP_INSECURE", false),
		Environment:      getenv("GOVERND_ENVIRONMENT", "development"),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getint(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getdur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getbool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return fallback
}
