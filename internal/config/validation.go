package config

import (
	"fmt"
	"sort"
	"strings"
)

// InvalidValue represents a setting outside its accepted range
type InvalidValue struct {
	Key    string
	Value  any
	Reason string
}

// ValidationErrors collects all validation errors
type ValidationErrors struct {
	Missing []string
	Invalid []InvalidValue
}

// HasErrors returns true if any validation errors exist
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Missing) > 0 || len(e.Invalid) > 0
}

// Error formats all validation errors into a clear message
func (e *ValidationErrors) Error() string {
	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")

	if len(e.Missing) > 0 {
		sb.WriteString("\nMissing settings:\n")
		for _, m := range e.Missing {
			sb.WriteString(fmt.Sprintf("  - %s\n", m))
		}
	}

	if len(e.Invalid) > 0 {
		sb.WriteString("\nInvalid settings:\n")
		for _, iv := range e.Invalid {
			sb.WriteString(fmt.Sprintf("  - %s=%v (%s)\n", iv.Key, iv.Value, iv.Reason))
		}
	}

	return sb.String()
}

func (e *ValidationErrors) invalid(key string, value any, reason string) {
	e.Invalid = append(e.Invalid, InvalidValue{Key: key, Value: value, Reason: reason})
}

// Validate checks every section and reports all problems at once
func (c *Config) Validate() error {
	errs := &ValidationErrors{}

	switch {
	case c.Server.NegotiateURL != "":
		if c.Server.APIKey == "" {
			errs.Missing = append(errs.Missing, "server.api_key (set KARAOKE_SYNC_API_KEY env var)")
		}
	case c.Server.URL == "":
		errs.Missing = append(errs.Missing, "server.url or server.negotiate_url (set KARAOKE_SYNC_URL env var)")
	case c.Server.Token == "":
		errs.Missing = append(errs.Missing, "server.token (set KARAOKE_SYNC_TOKEN env var)")
	}

	if c.Connection.MaxAttempts < 1 {
		errs.invalid("connection.max_attempts", c.Connection.MaxAttempts, "must be >= 1")
	}
	if c.Connection.BaseDelay <= 0 {
		errs.invalid("connection.base_delay", c.Connection.BaseDelay, "must be positive")
	}
	if c.Connection.MaxDelay < c.Connection.BaseDelay {
		errs.invalid("connection.max_delay", c.Connection.MaxDelay, "must be >= base_delay")
	}
	if c.Heartbeat.Interval <= 0 {
		errs.invalid("heartbeat.interval", c.Heartbeat.Interval, "must be positive")
	}
	if c.Heartbeat.Timeout <= c.Heartbeat.Interval {
		errs.invalid("heartbeat.timeout", c.Heartbeat.Timeout, "must be greater than heartbeat.interval")
	}
	if c.Compression.Threshold < 0 || c.Compression.Threshold > c.Compression.MaxMessageSize {
		errs.invalid("compression.threshold", c.Compression.Threshold, "must be between 0 and max_message_size")
	}
	if c.Pool.Enabled {
		if c.Pool.Size < 1 {
			errs.invalid("pool.size", c.Pool.Size, "must be >= 1")
		}
		if !ValidStrategies[c.Pool.Strategy] {
			errs.invalid("pool.strategy", c.Pool.Strategy, "must be one of "+validList(ValidStrategies))
		}
	}
	if c.Resilience.QueueCapacity < 1 {
		errs.invalid("resilience.queue_capacity", c.Resilience.QueueCapacity, "must be >= 1")
	}
	if c.Resilience.FallbackThreshold < 1 {
		errs.invalid("resilience.fallback_threshold", c.Resilience.FallbackThreshold, "must be >= 1")
	}
	if c.Resilience.MaxDeliveryAttempts < 1 {
		errs.invalid("resilience.max_delivery_attempts", c.Resilience.MaxDeliveryAttempts, "must be >= 1")
	}
	for _, s := range c.Scopes {
		if strings.TrimSpace(s) == "" {
			errs.invalid("scopes", s, "scope names must not be empty")
		}
	}
	if !ValidLevels[strings.ToLower(c.Logging.Level)] {
		errs.invalid("logging.level", c.Logging.Level, "must be one of "+validList(ValidLevels))
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

func validList(m map[string]bool) string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return strings.Join(out, ", ")
}
