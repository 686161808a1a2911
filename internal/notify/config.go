package notify

import (
	"errors"
	"fmt"
	"os"
	"strconv"
)

// Config holds ntfy notification settings.
type Config struct {
	Enabled  bool   // Whether notifications are enabled
	Server   string // ntfy server URL (default: https://ntfy.sh)
	Topic    string // Topic name (required if enabled)
	Priority string // Priority for recovery messages: min, low, default, high, urgent
	Tags     string // Comma-separated emoji tags (e.g., "microphone")
	Token    string // Optional access token for private topics
	Client   string // Name of this client in message bodies
}

// LoadConfig loads notification settings from NTFY_* environment variables.
func LoadConfig() *Config {
	host, _ := os.Hostname()
	return &Config{
		Enabled:  getEnvBoolOrDefault("NTFY_ENABLED", false),
		Server:   getEnvOrDefault("NTFY_SERVER", "https://ntfy.sh"),
		Topic:    os.Getenv("NTFY_TOPIC"),
		Priority: getEnvOrDefault("NTFY_PRIORITY", "default"),
		Tags:     getEnvOrDefault("NTFY_TAGS", "microphone"),
		Token:    os.Getenv("NTFY_TOKEN"),
		Client:   getEnvOrDefault("NTFY_CLIENT", host),
	}
}

// Validate checks the configuration when enabled.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.Topic == "" {
		return errors.New("ntfy topic is required when notifications are enabled")
	}

	validPriorities := map[string]bool{
		"min": true, "low": true, "default": true, "high": true, "urgent": true,
	}
	if !validPriorities[c.Priority] {
		return fmt.Errorf("invalid ntfy priority: %s (valid: min, low, default, high, urgent)", c.Priority)
	}

	return nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}
