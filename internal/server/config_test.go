package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewConfigDefaults(t *testing.T) {
	cfg := NewConfig()

	assert.Equal(t, 5050, cfg.Port)
	assert.Equal(t, 1<<20, cfg.MaxFrameSize)
	assert.Equal(t, 3, cfg.AuthRetryLimit)
	assert.Equal(t, 5, cfg.ViolationLimit)
	assert.Equal(t, 10*time.Second, cfg.HandshakeTimeout)
	assert.Equal(t, 30*time.Second, cfg.TransferStallTimeout)
	assert.Empty(t, cfg.WSAddr, "the WebSocket bridge is opt-in")
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("CHAT_HOST", "10.0.0.5")
	t.Setenv("CHAT_PORT", "6060")
	t.Setenv("CHAT_WS_ADDR", ":8080")
	t.Setenv("CHAT_ALLOWED_ORIGINS", "http://a.example, http://b.example")
	t.Setenv("CHAT_AUTH_RETRY_LIMIT", "7")
	t.Setenv("CHAT_HANDSHAKE_TIMEOUT", "30s")
	t.Setenv("CHAT_TRANSFER_STALL_TIMEOUT", "45")

	cfg := NewConfigFromEnv()

	assert.Equal(t, "10.0.0.5", cfg.Host)
	assert.Equal(t, 6060, cfg.Port)
	assert.Equal(t, ":8080", cfg.WSAddr)
	assert.Equal(t, []string{"http://a.example", "http://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, 7, cfg.AuthRetryLimit)
	assert.Equal(t, 30*time.Second, cfg.HandshakeTimeout)
	// Bare integers are read as seconds.
	assert.Equal(t, 45*time.Second, cfg.TransferStallTimeout)
}

func TestConfigFromEnvIgnoresGarbage(t *testing.T) {
	t.Setenv("CHAT_PORT", "not-a-port")
	t.Setenv("CHAT_AUTH_RETRY_LIMIT", "-3")
	t.Setenv("CHAT_HANDSHAKE_TIMEOUT", "soon")

	cfg := NewConfigFromEnv()

	assert.Equal(t, 5050, cfg.Port)
	assert.Equal(t, 3, cfg.AuthRetryLimit)
	assert.Equal(t, 10*time.Second, cfg.HandshakeTimeout)
}

func TestSanitizeRestoresSafetyBounds(t *testing.T) {
	cfg := &Config{Port: -1, MaxFrameSize: 0, ViolationLimit: -5}
	cfg.sanitize()

	defaults := NewConfig()
	assert.Equal(t, defaults.Port, cfg.Port)
	assert.Equal(t, defaults.MaxFrameSize, cfg.MaxFrameSize)
	assert.Equal(t, defaults.ViolationLimit, cfg.ViolationLimit)
	assert.Equal(t, defaults.RateLimit.Burst, cfg.RateLimit.Burst)
}

func TestListenAddr(t *testing.T) {
	cfg := NewConfig()
	assert.Equal(t, ":5050", cfg.ListenAddr())

	cfg.Host = "127.0.0.1"
	cfg.Port = 6000
	assert.Equal(t, "127.0.0.1:6000", cfg.ListenAddr())
}
