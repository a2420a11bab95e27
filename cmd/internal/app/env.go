package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Env helpers back every EMBER_* knob. They never fail: a missing or
// unparsable value falls back to the supplied default, and LoadConfig owns
// deciding which values are actually required.

func envRaw(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

// EnvString reads a string env var with a default.
func EnvString(key, def string) string {
	if v := envRaw(key); v != "" {
		return v
	}
	return def
}

// EnvBool reads a bool env var with a default.
func EnvBool(key string, def bool) bool {
	v := envRaw(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// EnvInt reads a positive int env var with a default.
func EnvInt(key string, def int) int {
	v := envRaw(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// EnvInt32 reads a non-negative int32 env var with a default.
// Used for pgxpool sizing, where 0 is a meaningful value (MinConns).
func EnvInt32(key string, def int32) int32 {
	v := envRaw(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil || n < 0 {
		return def
	}
	return int32(n)
}

// EnvDuration reads a positive duration env var with a default.
func EnvDuration(key string, def time.Duration) time.Duration {
	v := envRaw(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
