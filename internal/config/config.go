// Package config provides environment configuration for the chat server.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Bus drivers.
const (
	BusLocal = "local"
	BusNATS  = "nats"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration

	// Storage
	DatabasePath string

	// NATS settings. An empty URL runs the node standalone.
	NATSURL           string
	NATSCAFile        string
	NATSCertFile      string
	NATSKeyFile       string
	NATSToken         string
	BusDriver         string
	JournalEnabled    bool
	FriendshipSubject string

	// JWT settings
	JWTSecret    string
	JWTIssuer    string
	JWTClockSkew time.Duration

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// CORS
	AllowedOrigins []string

	// Websocket gateway
	WSSendBuffer        int
	WSMaxFrameBytes     int
	WSFramesPerSecond   float64
	WSWriteTimeout      time.Duration
	WSHeartbeatInterval time.Duration

	// Policy
	AllowMemberRename bool

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables, after loading any
// .env file in the working directory. Real environment variables win.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 30*time.Second),

		// Storage
		DatabasePath: getEnv("DATABASE_PATH", "chat.db"),

		// NATS
		NATSURL:           getEnv("NATS_URL", ""),
		NATSCAFile:        getEnv("NATS_CA_FILE", ""),
		NATSCertFile:      getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:       getEnv("NATS_KEY_FILE", ""),
		NATSToken:         getEnv("NATS_TOKEN", ""),
		BusDriver:         strings.ToLower(getEnv("BUS_DRIVER", BusLocal)),
		JournalEnabled:    getBoolEnv("JOURNAL_ENABLED", false),
		FriendshipSubject: getEnv("FRIENDSHIP_SUBJECT", "chat.friendships.accepted"),

		// JWT
		JWTSecret:    getEnv("JWT_SECRET", "development-secret-change-in-production"),
		JWTIssuer:    getEnv("JWT_ISSUER", ""),
		JWTClockSkew: getDurationEnv("JWT_CLOCK_SKEW", 30*time.Second),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 120),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// CORS
		AllowedOrigins: getListEnv("CORS_ALLOWED_ORIGINS"),

		// Websocket
		WSSendBuffer:        getIntEnv("WS_SEND_BUFFER", 256),
		WSMaxFrameBytes:     getIntEnv("WS_MAX_FRAME_BYTES", 256*1024),
		WSFramesPerSecond:   getFloatEnv("WS_FRAMES_PER_SECOND", 20),
		WSWriteTimeout:      getDurationEnv("WS_WRITE_TIMEOUT", 10*time.Second),
		WSHeartbeatInterval: getDurationEnv("WS_HEARTBEAT_INTERVAL", 30*time.Second),

		// Policy
		AllowMemberRename: getBoolEnv("ALLOW_MEMBER_RENAME", false),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
	return cfg
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	switch c.BusDriver {
	case BusLocal:
	case BusNATS:
		if c.NATSURL == "" {
			return fmt.Errorf("BUS_DRIVER=nats requires NATS_URL")
		}
	default:
		return fmt.Errorf("unknown BUS_DRIVER %q", c.BusDriver)
	}
	if c.JournalEnabled && c.NATSURL == "" {
		return fmt.Errorf("JOURNAL_ENABLED requires NATS_URL")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.WSSendBuffer <= 0 {
		return fmt.Errorf("WS_SEND_BUFFER must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getListEnv splits a comma separated variable, dropping empty entries.
func getListEnv(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
