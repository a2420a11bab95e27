package session

import (
	"errors"
	"testing"
	"time"
)

const testSecretHex = "b4cbfb43df4ce210727d953e4a713307fa19bb7d9f85041438d9e11b942a37741eb9dbbbbc047c03fd70604e0071f0987e16b28b757225c11f00415d0e20b1a2"

func TestLoadConfigFromEnvDefaults(t *testing.T) {
	t.Setenv("EMBER_PASETO_V4_SECRET_KEY_HEX", testSecretHex)

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("LoadConfigFromEnv: %v", err)
	}

	if cfg.Issuer != "ember" {
		t.Errorf("Issuer = %q, want %q", cfg.Issuer, "ember")
	}
	if cfg.AccessTokenTTL != 30*time.Minute {
		t.Errorf("AccessTokenTTL = %v, want 30m", cfg.AccessTokenTTL)
	}
	if cfg.RefreshTokenTTL != 7*24*time.Hour {
		t.Errorf("RefreshTokenTTL = %v, want 168h", cfg.RefreshTokenTTL)
	}
	if cfg.RotationGrace != 10*time.Second {
		t.Errorf("RotationGrace = %v, want 10s", cfg.RotationGrace)
	}
	if cfg.IdleTimeout != 8*time.Hour {
		t.Errorf("IdleTimeout = %v, want 8h", cfg.IdleTimeout)
	}
}

func TestLoadConfigFromEnvOverrides(t *testing.T) {
	t.Setenv("EMBER_PASETO_V4_SECRET_KEY_HEX", testSecretHex)
	t.Setenv("EMBER_AUTH_ISSUER", "ember-test")
	t.Setenv("EMBER_AUTH_ACCESS_TTL", "5m")
	t.Setenv("EMBER_AUTH_REFRESH_TTL", "48h")
	t.Setenv("EMBER_AUTH_ROTATION_GRACE", "0")
	t.Setenv("EMBER_AUTH_IDLE_TIMEOUT", "0")
	t.Setenv("EMBER_AUTH_CLOCK_SKEW", "10s")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("LoadConfigFromEnv: %v", err)
	}

	if cfg.Issuer != "ember-test" {
		t.Errorf("Issuer = %q", cfg.Issuer)
	}
	if cfg.AccessTokenTTL != 5*time.Minute {
		t.Errorf("AccessTokenTTL = %v", cfg.AccessTokenTTL)
	}
	if cfg.RefreshTokenTTL != 48*time.Hour {
		t.Errorf("RefreshTokenTTL = %v", cfg.RefreshTokenTTL)
	}
	if cfg.RotationGrace != 0 {
		t.Errorf("RotationGrace = %v, want 0 (disabled)", cfg.RotationGrace)
	}
	if cfg.IdleTimeout != 0 {
		t.Errorf("IdleTimeout = %v, want 0 (disabled)", cfg.IdleTimeout)
	}
	if cfg.ClockSkew != 10*time.Second {
		t.Errorf("ClockSkew = %v", cfg.ClockSkew)
	}
}

func TestLoadConfigFromEnvInvalid(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{
			name: "missing secret key",
			env:  map[string]string{},
		},
		{
			name: "bad duration",
			env: map[string]string{
				"EMBER_PASETO_V4_SECRET_KEY_HEX": testSecretHex,
				"EMBER_AUTH_ACCESS_TTL":          "soon",
			},
		},
		{
			name: "negative grace",
			env: map[string]string{
				"EMBER_PASETO_V4_SECRET_KEY_HEX": testSecretHex,
				"EMBER_AUTH_ROTATION_GRACE":      "-1s",
			},
		},
		{
			name: "refresh not longer than access",
			env: map[string]string{
				"EMBER_PASETO_V4_SECRET_KEY_HEX": testSecretHex,
				"EMBER_AUTH_ACCESS_TTL":          "1h",
				"EMBER_AUTH_REFRESH_TTL":         "30m",
			},
		},
		{
			name: "grace swallows access ttl",
			env: map[string]string{
				"EMBER_PASETO_V4_SECRET_KEY_HEX": testSecretHex,
				"EMBER_AUTH_ACCESS_TTL":          "1m",
				"EMBER_AUTH_ROTATION_GRACE":      "2m",
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("EMBER_PASETO_V4_SECRET_KEY_HEX", "")
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			if _, err := LoadConfigFromEnv(); !errors.Is(err, ErrConfig) {
				t.Fatalf("LoadConfigFromEnv = %v, want ErrConfig", err)
			}
		})
	}
}
