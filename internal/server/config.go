// Package server provides configuration helpers that define runtime
// defaults, validation, and policy parameters for the CipherChat relay.
package server

import (
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the relay configuration, including the retry and timeout
// policies the protocol leaves tunable.
type Config struct {
	// Host and Port form the TCP listen address. An empty host listens on
	// all interfaces.
	Host string
	Port int

	// WSAddr, when non-empty, enables the WebSocket bridge listener on
	// that address (for example ":8080").
	WSAddr string

	// AllowedOrigins restricts WebSocket upgrades; "*" allows any origin.
	AllowedOrigins []string

	// MaxFrameSize bounds a single wire frame in bytes.
	MaxFrameSize int

	// AuthRetryLimit is how many rejected auth_request attempts a
	// connection gets before the server closes it.
	AuthRetryLimit int

	// ViolationLimit is how many protocol violations a connection gets
	// before the server closes it.
	ViolationLimit int

	// HandshakeTimeout closes connections that have not completed the key
	// exchange and authentication within the grace period.
	HandshakeTimeout time.Duration

	// TransferStallTimeout expires a file transfer that has not seen a
	// chunk within the interval.
	TransferStallTimeout time.Duration

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration

	RateLimit RateLimitConfig
}

// NewConfig creates a Config populated with default values for all settings.
func NewConfig() *Config {
	return &Config{
		Host:                 "",
		Port:                 5050,
		AllowedOrigins:       []string{"http://localhost:8080"},
		MaxFrameSize:         1 << 20,
		AuthRetryLimit:       3,
		ViolationLimit:       5,
		HandshakeTimeout:     10 * time.Second,
		TransferStallTimeout: 30 * time.Second,
		ShutdownTimeout:      10 * time.Second,
		RateLimit: RateLimitConfig{
			Burst:          20,
			RefillInterval: time.Second,
		},
	}
}

// NewConfigFromEnv creates a Config from environment variables, falling back
// to defaults for anything unset.
func NewConfigFromEnv() *Config {
	cfg := NewConfig()

	if host, ok := os.LookupEnv("CHAT_HOST"); ok {
		cfg.Host = host
	}
	if port := os.Getenv("CHAT_PORT"); port != "" {
		cfg.Port = parseIntValue(port, cfg.Port)
	}
	if addr := os.Getenv("CHAT_WS_ADDR"); addr != "" {
		cfg.WSAddr = addr
	}
	if origins := os.Getenv("CHAT_ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}
	if size := os.Getenv("CHAT_MAX_FRAME_SIZE"); size != "" {
		cfg.MaxFrameSize = parseIntValue(size, cfg.MaxFrameSize)
	}
	if retries := os.Getenv("CHAT_AUTH_RETRY_LIMIT"); retries != "" {
		cfg.AuthRetryLimit = parseIntValue(retries, cfg.AuthRetryLimit)
	}
	if limit := os.Getenv("CHAT_VIOLATION_LIMIT"); limit != "" {
		cfg.ViolationLimit = parseIntValue(limit, cfg.ViolationLimit)
	}
	if timeout := os.Getenv("CHAT_HANDSHAKE_TIMEOUT"); timeout != "" {
		cfg.HandshakeTimeout = parseDurationValue(timeout, cfg.HandshakeTimeout)
	}
	if timeout := os.Getenv("CHAT_TRANSFER_STALL_TIMEOUT"); timeout != "" {
		cfg.TransferStallTimeout = parseDurationValue(timeout, cfg.TransferStallTimeout)
	}
	if burst := os.Getenv("CHAT_RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}
	if interval := os.Getenv("CHAT_RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseDurationValue(interval, cfg.RateLimit.RefillInterval)
	}

	return cfg
}

// sanitize fills in zero values so a partially populated Config cannot
// disable a safety bound by accident.
func (c *Config) sanitize() {
	defaults := NewConfig()
	if c.Port <= 0 || c.Port > 65535 {
		c.Port = defaults.Port
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = defaults.MaxFrameSize
	}
	if c.AuthRetryLimit <= 0 {
		c.AuthRetryLimit = defaults.AuthRetryLimit
	}
	if c.ViolationLimit <= 0 {
		c.ViolationLimit = defaults.ViolationLimit
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if c.TransferStallTimeout <= 0 {
		c.TransferStallTimeout = defaults.TransferStallTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = defaults.RateLimit.Burst
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = defaults.RateLimit.RefillInterval
	}
}

// ListenAddr returns the host:port the TCP listener binds.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

func parseDurationValue(value string, defaultValue time.Duration) time.Duration {
	if parsed, err := time.ParseDuration(value); err == nil && parsed > 0 {
		return parsed
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}
