// Package config centralizes the environment-derived settings the binary
// needs to wire its components together. Individual packages (bus, db) still
// read their own connection strings directly via envutil — this package
// exists for the handful of cross-cutting knobs app.New needs before any
// component is constructed.
package config

import (
	"time"

	"github.com/yungbote/dalston/internal/platform/envutil"
)

type Config struct {
	Port     string
	LogMode  string

	DatabaseURL  string
	RedisAddr    string
	RedisChannel string

	OtelEnabled bool

	APIKey string

	BlobBaseDir string

	WebhookMetadataMaxSize int

	EngineHeartbeatTTL      time.Duration
	SessionWorkerStaleAfter time.Duration
}

func Load() Config {
	return Config{
		Port:    envutil.String("PORT", "8080"),
		LogMode: envutil.String("LOG_MODE", "production"),

		DatabaseURL:  envutil.String("DATABASE_URL", ""),
		RedisAddr:    envutil.String("REDIS_ADDR", "localhost:6379"),
		RedisChannel: envutil.String("REDIS_CHANNEL", "events"),

		OtelEnabled: envutil.Bool("OTEL_ENABLED", false),

		APIKey: envutil.String("API_KEY", ""),

		BlobBaseDir: envutil.String("BLOB_BASE_DIR", "./data/blobs"),

		WebhookMetadataMaxSize: envutil.Int("WEBHOOK_METADATA_MAX_SIZE", 16384),

		EngineHeartbeatTTL:      envutil.Duration("ENGINE_HEARTBEAT_TTL", 60*time.Second),
		SessionWorkerStaleAfter: envutil.Duration("SESSION_WORKER_STALE_AFTER", 30*time.Second),
	}
}
