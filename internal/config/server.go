package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type ServerConfig struct {
	Port string
	// Authentication
	TokenSecret string
	TokenTTL    time.Duration
	APIKeys     []string
	// Compression of outgoing snapshots
	CompressionEnabled   bool
	CompressionThreshold int
	// Demo publisher configuration
	DemoEnabled  bool
	DemoInterval time.Duration
	DemoMaxQueue int
	// Logging
	LogLevel string
}

func LoadServerConfig() (*ServerConfig, error) {
	ttl, err := time.ParseDuration(getEnvOrDefault("TOKEN_TTL", "1h"))
	if err != nil {
		ttl = time.Hour // Default to 1h on parse error
	}

	demoInterval, err := time.ParseDuration(getEnvOrDefault("DEMO_INTERVAL", "2s"))
	if err != nil {
		demoInterval = 2 * time.Second
	}

	threshold, err := strconv.Atoi(getEnvOrDefault("COMPRESSION_THRESHOLD", "1024"))
	if err != nil {
		return nil, fmt.Errorf("invalid COMPRESSION_THRESHOLD: %w", err)
	}
	maxQueue, err := strconv.Atoi(getEnvOrDefault("DEMO_MAX_QUEUE", "5"))
	if err != nil {
		return nil, fmt.Errorf("invalid DEMO_MAX_QUEUE: %w", err)
	}

	var apiKeys []string
	for _, k := range strings.Split(getEnvOrDefault("API_KEYS", ""), ",") {
		if k = strings.TrimSpace(k); k != "" {
			apiKeys = append(apiKeys, k)
		}
	}

	cfg := &ServerConfig{
		Port:                 getEnvOrDefault("PORT", "8080"),
		TokenSecret:          getEnvOrDefault("TOKEN_SECRET", ""),
		TokenTTL:             ttl,
		APIKeys:              apiKeys,
		CompressionEnabled:   getEnvOrDefault("COMPRESSION_ENABLED", "true") == "true",
		CompressionThreshold: threshold,
		DemoEnabled:          getEnvOrDefault("DEMO_ENABLED", "false") == "true",
		DemoInterval:         demoInterval,
		DemoMaxQueue:         maxQueue,
		LogLevel:             getEnvOrDefault("LOG_LEVEL", "info"),
	}

	// Validate
	if cfg.TokenSecret == "" {
		return nil, fmt.Errorf("TOKEN_SECRET is required")
	}
	if cfg.DemoInterval <= 0 {
		return nil, fmt.Errorf("invalid DEMO_INTERVAL: %s (must be positive)", cfg.DemoInterval)
	}
	if !ValidLevels[strings.ToLower(cfg.LogLevel)] {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %s (must be one of %s)", cfg.LogLevel, validList(ValidLevels))
	}

	return cfg, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
