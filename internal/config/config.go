// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Version is the release version reported by the health endpoint and
// announced to peers.
const Version = "0.1.0"

// Config holds all server configuration.
type Config struct {
	// Server
	Port          int
	RootDirectory string
	MaxUploadSize int64
	MetricsAddr   string

	// Port fallback range, scanned in ascending order when Port is taken.
	PortRangeStart int
	PortRangeEnd   int

	// Logging
	LogLevel  string
	LogFormat string

	// Discovery
	DiscoveryEnabled bool
	InstanceName     string
	PeerTTLSeconds   int

	// Rate limiting (requests per second per client address, 0 = unlimited)
	RateLimitPerSecond int

	// UI
	ShowQRCode bool
}

// Load reads configuration from environment variables with defaults.
// The returned config is validated; an error here is fatal to startup.
func Load() (*Config, error) {
	cfg := &Config{
		Port:               envInt("LANDROP_PORT", 8080),
		RootDirectory:      envOr("LANDROP_DIR", ""),
		MaxUploadSize:      envInt64("LANDROP_MAX_UPLOAD_SIZE", 1<<30), // 1GB default
		MetricsAddr:        envOr("LANDROP_METRICS_ADDR", ""),
		PortRangeStart:     envInt("LANDROP_PORT_RANGE_START", 8000),
		PortRangeEnd:       envInt("LANDROP_PORT_RANGE_END", 9999),
		LogLevel:           envOr("LANDROP_LOG_LEVEL", "info"),
		LogFormat:          envOr("LANDROP_LOG_FORMAT", "console"),
		DiscoveryEnabled:   envBool("LANDROP_DISCOVERY", true),
		InstanceName:       envOr("LANDROP_NAME", ""),
		PeerTTLSeconds:     envInt("LANDROP_PEER_TTL", 60),
		RateLimitPerSecond: envInt("LANDROP_RATE_LIMIT", 25),
		ShowQRCode:         envBool("LANDROP_QR", true),
	}

	if cfg.RootDirectory == "" {
		dir, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve working directory: %w", err)
		}
		cfg.RootDirectory = dir
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the server cannot start with.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.PortRangeStart < 1 || c.PortRangeEnd > 65535 || c.PortRangeStart > c.PortRangeEnd {
		return fmt.Errorf("invalid port fallback range %d-%d", c.PortRangeStart, c.PortRangeEnd)
	}
	if c.MaxUploadSize <= 0 {
		return fmt.Errorf("max upload size must be positive, got %d", c.MaxUploadSize)
	}
	if c.PeerTTLSeconds <= 0 {
		return fmt.Errorf("peer TTL must be positive, got %d", c.PeerTTLSeconds)
	}
	if c.RateLimitPerSecond < 0 {
		return fmt.Errorf("rate limit must not be negative, got %d", c.RateLimitPerSecond)
	}

	abs, err := filepath.Abs(c.RootDirectory)
	if err != nil {
		return fmt.Errorf("resolve root directory: %w", err)
	}
	c.RootDirectory = abs

	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("stat root directory %s: %w", abs, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("root directory %s is not a directory", abs)
	}

	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}
