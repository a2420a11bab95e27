package session

import (
	"os"
	"time"
)

// Config defines all runtime configuration for the token authority.
//
// It controls token lifetimes, the rotation grace window, the session idle
// window, clock skew tolerance, and the PASETO v4 signing key.
//
// This struct is intentionally explicit and environment-driven so that
// production deployments can tune security parameters without code changes.
type Config struct {
	// Issuer is the value set in the "iss" claim of issued tokens.
	Issuer string

	// AccessTokenTTL defines the lifetime of access tokens.
	AccessTokenTTL time.Duration

	// RefreshTokenTTL defines the lifetime of refresh tokens.
	RefreshTokenTTL time.Duration

	// RotationGrace is the window after a refresh rotation during which the
	// retired token is still exchangeable and returns the already-issued
	// successor pair. Tolerates client retry races; 0 disables the window.
	RotationGrace time.Duration

	// IdleTimeout invalidates otherwise-valid access tokens when the session
	// shows no activity for this long. 0 disables idle enforcement.
	IdleTimeout time.Duration

	// ClockSkew defines the allowed time skew during token validation.
	ClockSkew time.Duration

	// PasetoV4SecretKeyHex is the hex-encoded Ed25519 secret key used to sign
	// PASETO v4.public tokens.
	PasetoV4SecretKeyHex string
}

// DefaultConfig returns a secure default configuration suitable for development.
//
// Production environments should override values via environment variables.
func DefaultConfig() Config {
	return Config{
		Issuer:          "ember",
		AccessTokenTTL:  30 * time.Minute,
		RefreshTokenTTL: 7 * 24 * time.Hour,
		RotationGrace:   10 * time.Second,
		IdleTimeout:     8 * time.Hour,
		ClockSkew:       30 * time.Second,
	}
}

// LoadConfigFromEnv loads token-authority configuration from environment
// variables.
//
// Required:
//   - EMBER_PASETO_V4_SECRET_KEY_HEX
//
// Optional (durations must be valid Go duration strings):
//   - EMBER_AUTH_ISSUER
//   - EMBER_AUTH_ACCESS_TTL
//   - EMBER_AUTH_REFRESH_TTL
//   - EMBER_AUTH_ROTATION_GRACE (0 disables replay tolerance)
//   - EMBER_AUTH_IDLE_TIMEOUT   (0 disables idle enforcement)
//   - EMBER_AUTH_CLOCK_SKEW
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv("EMBER_AUTH_ISSUER"); v != "" {
		cfg.Issuer = v
	}

	if v := os.Getenv("EMBER_AUTH_ACCESS_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.AccessTokenTTL = d
	}

	if v := os.Getenv("EMBER_AUTH_REFRESH_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.RefreshTokenTTL = d
	}

	if v := os.Getenv("EMBER_AUTH_ROTATION_GRACE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, ErrConfig
		}
		cfg.RotationGrace = d
	}

	if v := os.Getenv("EMBER_AUTH_IDLE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, ErrConfig
		}
		cfg.IdleTimeout = d
	}

	if v := os.Getenv("EMBER_AUTH_CLOCK_SKEW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, ErrConfig
		}
		cfg.ClockSkew = d
	}

	cfg.PasetoV4SecretKeyHex = os.Getenv("EMBER_PASETO_V4_SECRET_KEY_HEX")
	if cfg.PasetoV4SecretKeyHex == "" {
		return Config{}, ErrConfig
	}

	// Invariants: a refresh token must outlive the access tokens it mints,
	// and the grace window must stay a small fraction of the refresh TTL.
	if cfg.RefreshTokenTTL <= cfg.AccessTokenTTL {
		return Config{}, ErrConfig
	}
	if cfg.RotationGrace >= cfg.AccessTokenTTL {
		return Config{}, ErrConfig
	}

	return cfg, nil
}
