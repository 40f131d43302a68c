package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	// Cache layer. Empty RedisURL selects the in-memory cache.
	RedisURL        string
	RecentCacheSize int
	CacheTimeout    time.Duration

	// Cross-node event relay. Empty NATSURL disables it (single-node fanout).
	NATSURL string

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("COURIER_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("COURIER_LOG_LEVEL", "info"),
		LogFormat: EnvString("COURIER_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("COURIER_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("COURIER_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("COURIER_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("COURIER_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("COURIER_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("COURIER_DATABASE_URL", ""),
		DBSchema:    EnvString("COURIER_DB_SCHEMA", ""),
		DBMaxConns:  EnvInt32("COURIER_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("COURIER_DB_MIN_CONNS", 0),

		RedisURL:        EnvString("COURIER_REDIS_URL", ""),
		RecentCacheSize: EnvInt("COURIER_RECENT_CACHE_SIZE", 50),
		CacheTimeout:    EnvDuration("COURIER_CACHE_TIMEOUT", 150*time.Millisecond),

		NATSURL: EnvString("COURIER_NATS_URL", ""),

		ReadinessRequireDB: EnvBool("COURIER_READINESS_REQUIRE_DB", false),
	}
}
