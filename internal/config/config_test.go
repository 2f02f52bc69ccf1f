package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("NATS_URL", "")
	t.Setenv("BUS_DRIVER", "")
	cfg := Load()

	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, BusLocal, cfg.BusDriver)
	assert.Equal(t, 256, cfg.WSSendBuffer)
	assert.Equal(t, 30*time.Second, cfg.WSHeartbeatInterval)
	assert.False(t, cfg.AllowMemberRename)
	require.NoError(t, cfg.Validate())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("BUS_DRIVER", "NATS")
	t.Setenv("NATS_URL", "nats://nats:4222")
	t.Setenv("WS_FRAMES_PER_SECOND", "2.5")
	t.Setenv("WS_HEARTBEAT_INTERVAL", "5s")
	t.Setenv("ALLOW_MEMBER_RENAME", "true")
	t.Setenv("RATE_LIMIT_REQUESTS", "not-a-number")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://app.example.com, ,https://admin.example.com")

	cfg := Load()
	assert.Equal(t, "9090", cfg.ServerPort)
	assert.Equal(t, BusNATS, cfg.BusDriver)
	assert.Equal(t, 2.5, cfg.WSFramesPerSecond)
	assert.Equal(t, 5*time.Second, cfg.WSHeartbeatInterval)
	assert.True(t, cfg.AllowMemberRename)
	assert.Equal(t, 120, cfg.RateLimitRequests)
	assert.Equal(t, []string{"https://app.example.com", "https://admin.example.com"}, cfg.AllowedOrigins)
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"nats bus without url", func(c *Config) { c.BusDriver = BusNATS; c.NATSURL = "" }},
		{"unknown bus", func(c *Config) { c.BusDriver = "redis" }},
		{"journal without url", func(c *Config) { c.JournalEnabled = true; c.NATSURL = "" }},
		{"empty secret", func(c *Config) { c.JWTSecret = "" }},
		{"zero send buffer", func(c *Config) { c.WSSendBuffer = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{BusDriver: BusLocal, JWTSecret: "s", WSSendBuffer: 1}
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
