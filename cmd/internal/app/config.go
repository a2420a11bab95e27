package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr string
	LogLevel string

	// LogFormat selects "json" (default) or "pretty" for local development.
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	// MigrateOnStart applies pending schema migrations before serving.
	MigrateOnStart bool

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// Security policy:
	// If true, EMBER_TOKEN_HMAC_KEY MUST be set (>= 32 bytes) and refresh-token
	// hashing must be HMAC-based.
	RequireTokenHMAC bool

	// RevokeAllOnStart bumps the revocation epoch during startup, invalidating
	// every token issued before this boot. Incident-response knob.
	RevokeAllOnStart bool

	SentryDSN string
	SentryEnv string
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("EMBER_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("EMBER_LOG_LEVEL", "info"),
		LogFormat: EnvString("EMBER_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("EMBER_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("EMBER_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("EMBER_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("EMBER_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("EMBER_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("EMBER_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("EMBER_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("EMBER_DB_MIN_CONNS", 0),

		MigrateOnStart: EnvBool("EMBER_DB_MIGRATE_ON_START", false),

		ReadinessRequireDB: EnvBool("EMBER_READINESS_REQUIRE_DB", false),

		RequireTokenHMAC: EnvBool("EMBER_REQUIRE_TOKEN_HMAC", false),

		RevokeAllOnStart: EnvBool("EMBER_REVOKE_ALL_ON_START", false),

		SentryDSN: EnvString("EMBER_SENTRY_DSN", ""),
		SentryEnv: EnvString("EMBER_SENTRY_ENV", "development"),
	}
}
