package realtime

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// GatewayConfig controls websocket gateway behavior.
type GatewayConfig struct {
	OriginRequired bool
	AllowedOrigins []string

	// DevInsecure skips TLS verification in websocket.Accept. Dev-only knob,
	// not an origin policy.
	DevInsecure bool

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	RateEvents int
	RateWindow time.Duration
}

// DefaultGatewayConfig returns secure defaults.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired:    wsDefaultOriginRequired,
		AllowedOrigins:    splitCSV(wsDefaultAllowedOrigins),
		WriteTimeout:      wsDefaultWriteTimeout,
		ReadIdleTimeout:   wsDefaultReadIdle,
		SendQueueSize:     wsDefaultSendQueueSize,
		HeartbeatInterval: heartbeatInterval,
		HeartbeatTimeout:  heartbeatTimeout,
		RateEvents:        rateLimitEvents,
		RateWindow:        rateLimitWindow,
	}
}

// LoadGatewayConfigFromEnv loads gateway config from environment variables
// with safe defaults.
func LoadGatewayConfigFromEnv() GatewayConfig {
	cfg := DefaultGatewayConfig()

	cfg.OriginRequired = envBoolWS("EMBER_WS_ORIGIN_REQUIRED", cfg.OriginRequired)
	cfg.AllowedOrigins = envCSVWS("EMBER_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)
	cfg.DevInsecure = envBoolWS("EMBER_WS_DEV_INSECURE", false)

	cfg.WriteTimeout = envDurationWS("EMBER_WS_WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.ReadIdleTimeout = envDurationWS("EMBER_WS_READ_IDLE_TIMEOUT", cfg.ReadIdleTimeout)

	cfg.SendQueueSize = envIntWS("EMBER_WS_SEND_QUEUE", cfg.SendQueueSize)
	if cfg.SendQueueSize < wsMinSendQueueSize {
		cfg.SendQueueSize = wsMinSendQueueSize
	}

	cfg.HeartbeatInterval = envDurationWS("EMBER_WS_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval)
	cfg.HeartbeatTimeout = envDurationWS("EMBER_WS_HEARTBEAT_TIMEOUT", cfg.HeartbeatTimeout)

	cfg.RateEvents = envIntWS("EMBER_WS_RATE_EVENTS", cfg.RateEvents)
	cfg.RateWindow = envDurationWS("EMBER_WS_RATE_WINDOW", cfg.RateWindow)

	return cfg
}

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key, def string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		v = def
	}
	return splitCSV(v)
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
