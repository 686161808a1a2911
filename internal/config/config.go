package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerEndpoint    `mapstructure:"server"`
	Connection  ConnectionConfig  `mapstructure:"connection"`
	Heartbeat   HeartbeatConfig   `mapstructure:"heartbeat"`
	Compression CompressionConfig `mapstructure:"compression"`
	Pool        PoolConfig        `mapstructure:"pool"`
	Audit       AuditConfig       `mapstructure:"audit"`
	Resilience  ResilienceConfig  `mapstructure:"resilience"`
	Scopes      []string          `mapstructure:"scopes"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

// ServerEndpoint says where to connect. Either URL plus Token, or
// NegotiateURL plus APIKey to obtain both.
type ServerEndpoint struct {
	URL              string        `mapstructure:"url"`
	Token            string        `mapstructure:"token"`
	NegotiateURL     string        `mapstructure:"negotiate_url"`
	APIKey           string        `mapstructure:"api_key"`
	Role             string        `mapstructure:"role"`
	Event            string        `mapstructure:"event"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	RenewBefore      time.Duration `mapstructure:"renew_before"`
}

type ConnectionConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type HeartbeatConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type CompressionConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	Threshold      int  `mapstructure:"threshold"`
	MaxMessageSize int  `mapstructure:"max_message_size"`
}

type PoolConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Size          int           `mapstructure:"size"`
	Strategy      string        `mapstructure:"strategy"`
	CheckInterval time.Duration `mapstructure:"check_interval"`
	UsableFloor   int           `mapstructure:"usable_floor"`
	SwitchMargin  int           `mapstructure:"switch_margin"`
}

type AuditConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	Interval         time.Duration `mapstructure:"interval"`
	StaleAfter       time.Duration `mapstructure:"stale_after"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
}

type ResilienceConfig struct {
	RetryWindow         time.Duration `mapstructure:"retry_window"`
	MaxRetries          int           `mapstructure:"max_retries"`
	FallbackThreshold   int           `mapstructure:"fallback_threshold"`
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	DrainDelay          time.Duration `mapstructure:"drain_delay"`
	QueueCapacity       int           `mapstructure:"queue_capacity"`
	MaxDeliveryAttempts int           `mapstructure:"max_delivery_attempts"`
}

type LoggingConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Directory string `mapstructure:"directory"`
	Level     string `mapstructure:"level"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.role", "guest")
	v.SetDefault("server.handshake_timeout", 15*time.Second)
	v.SetDefault("server.renew_before", time.Minute)
	v.SetDefault("connection.max_attempts", 10)
	v.SetDefault("connection.base_delay", time.Second)
	v.SetDefault("connection.max_delay", 30*time.Second)
	v.SetDefault("connection.connect_timeout", 15*time.Second)
	v.SetDefault("heartbeat.interval", 10*time.Second)
	v.SetDefault("heartbeat.timeout", 30*time.Second)
	v.SetDefault("compression.enabled", true)
	v.SetDefault("compression.threshold", 1024)
	v.SetDefault("compression.max_message_size", 1<<20)
	v.SetDefault("pool.enabled", false)
	v.SetDefault("pool.size", 3)
	v.SetDefault("pool.strategy", StrategyHealthBased)
	v.SetDefault("pool.check_interval", 30*time.Second)
	v.SetDefault("pool.usable_floor", 50)
	v.SetDefault("pool.switch_margin", 20)
	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.interval", 60*time.Second)
	v.SetDefault("audit.stale_after", 5*time.Minute)
	v.SetDefault("audit.request_timeout", 10*time.Second)
	v.SetDefault("audit.cooldown", 10*time.Minute)
	v.SetDefault("audit.failure_threshold", 5)
	v.SetDefault("resilience.retry_window", 5*time.Second)
	v.SetDefault("resilience.max_retries", 5)
	v.SetDefault("resilience.fallback_threshold", 10)
	v.SetDefault("resilience.poll_interval", 30*time.Second)
	v.SetDefault("resilience.drain_delay", 100*time.Millisecond)
	v.SetDefault("resilience.queue_capacity", 100)
	v.SetDefault("resilience.max_delivery_attempts", 3)
	v.SetDefault("logging.enabled", false)
	v.SetDefault("logging.directory", "logs")
	v.SetDefault("logging.level", "info")
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	// Environment variable support
	v.SetEnvPrefix("KARAOKE_SYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Explicitly bind secrets so they work without a config file entry
	_ = v.BindEnv("server.token", "KARAOKE_SYNC_TOKEN")
	_ = v.BindEnv("server.api_key", "KARAOKE_SYNC_API_KEY")
	_ = v.BindEnv("server.url", "KARAOKE_SYNC_URL")
	_ = v.BindEnv("server.negotiate_url", "KARAOKE_SYNC_NEGOTIATE_URL")
	return v
}

// Default returns the defaults, with environment overrides, without reading
// a config file.
func Default() *Config {
	var cfg Config
	_ = newViper().Unmarshal(&cfg)
	return &cfg
}

func Load(configPath string) (*Config, error) {
	v := newViper()

	// Load config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("syncclient")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}
