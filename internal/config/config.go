// Package config loads server configuration from the environment.
//
// No config-file library is used: the teacher repo this server is
// adapted from never reaches for one either, preferring plain
// environment variables read once at startup.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds every tunable named in the spec's configuration surface.
type Config struct {
	// Listen
	HTTPPort string

	// Logging
	LogLevel  string
	LogPretty bool

	// Registry
	MaxConnections int

	// Connection lifecycle
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	AuthTimeout       time.Duration
	MaxFrameBytes     int64
	SendQueueDepth    int

	// Awareness
	AwarenessTimeout       time.Duration
	AwarenessSweepInterval time.Duration

	// Sync coordinator
	CoordinatorQueueDepth int
	CoordinatorIdleUnload time.Duration
	StoreRetryBaseDelay   time.Duration
	StoreRetryMaxDelay    time.Duration
	StoreRetryMaxAttempts int

	// Batch coalescing (optional optimization, §9)
	BatchSize  int
	BatchDelay time.Duration

	// Bus
	BusChannelPrefix string
	NATSUrl          string
	NodeID           string

	// Auth
	AuthRequired  bool
	JWTSecretKey  string
	JWTIssuer     string
	JWTExpiry     time.Duration

	// Redis
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisEnabled  bool

	// Postgres (DocumentStore)
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
}

// Load builds a Config from environment variables, applying the defaults
// named throughout spec.md §6.
func Load() Config {
	return Config{
		HTTPPort: getEnv("SYNC_HTTP_PORT", "8080"),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogPretty: getEnv("LOG_PRETTY", "false") == "true",

		MaxConnections: getEnvInt("SYNC_MAX_CONNECTIONS", 10000),

		HeartbeatInterval: getEnvDuration("SYNC_HEARTBEAT_INTERVAL", 30*time.Second),
		HeartbeatTimeout:  getEnvDuration("SYNC_HEARTBEAT_TIMEOUT", 60*time.Second),
		AuthTimeout:       getEnvDuration("SYNC_AUTH_TIMEOUT", 30*time.Second),
		MaxFrameBytes:     int64(getEnvInt("SYNC_MAX_FRAME_BYTES", 1<<20)),
		SendQueueDepth:    getEnvInt("SYNC_SEND_QUEUE_DEPTH", 256),

		AwarenessTimeout:       getEnvDuration("SYNC_AWARENESS_TIMEOUT", 30*time.Second),
		AwarenessSweepInterval: getEnvDuration("SYNC_AWARENESS_SWEEP_INTERVAL", 5*time.Second),

		CoordinatorQueueDepth: getEnvInt("SYNC_COORDINATOR_QUEUE_DEPTH", 1024),
		CoordinatorIdleUnload: getEnvDuration("SYNC_COORDINATOR_IDLE_UNLOAD", 60*time.Second),
		StoreRetryBaseDelay:   getEnvDuration("SYNC_STORE_RETRY_BASE_DELAY", 100*time.Millisecond),
		StoreRetryMaxDelay:    getEnvDuration("SYNC_STORE_RETRY_MAX_DELAY", 5*time.Second),
		StoreRetryMaxAttempts: getEnvInt("SYNC_STORE_RETRY_MAX_ATTEMPTS", 5),

		BatchSize:  getEnvInt("SYNC_BATCH_SIZE", 1),
		BatchDelay: getEnvDuration("SYNC_BATCH_DELAY", 0),

		BusChannelPrefix: getEnv("SYNC_BUS_CHANNEL_PREFIX", "sync"),
		NATSUrl:          getEnv("NATS_URL", ""),
		NodeID:           getEnv("SYNC_NODE_ID", hostnameOrRandom()),

		AuthRequired: getEnv("SYNC_AUTH_REQUIRED", "true") == "true",
		JWTSecretKey: getEnv("JWT_SECRET_KEY", ""),
		JWTIssuer:    getEnv("JWT_ISSUER", "sync-server"),
		JWTExpiry:    getEnvDuration("JWT_EXPIRY", 24*time.Hour),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisEnabled:  getEnv("REDIS_ENABLED", "false") == "true",

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "sync"),
		DBPassword: getEnv("DB_PASSWORD", "sync"),
		DBName:     getEnv("DB_NAME", "sync"),
		DBSSLMode:  getEnv("DB_SSL_MODE", "disable"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func hostnameOrRandom() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "node-local"
	}
	return h
}
