package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"

	"streamadapt/internal/core/domain"
	"streamadapt/pkg/circuitbreaker"
	"streamadapt/pkg/retry"
	"streamadapt/pkg/validation"
)

const envPrefix = "STREAMADAPT_"

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		InstanceID      string        `yaml:"instance_id"`
	} `yaml:"server"`

	Events struct {
		PingInterval  time.Duration `yaml:"ping_interval"`
		PongTimeout   time.Duration `yaml:"pong_timeout"`
		WriteTimeout  time.Duration `yaml:"write_timeout"`
		ClientBuffer  int           `yaml:"client_buffer"`
		BatchSize     int           `yaml:"batch_size"`
		BatchInterval time.Duration `yaml:"batch_interval"`
	} `yaml:"events"`

	Monitoring struct {
		PrometheusEnabled bool          `yaml:"prometheus_enabled"`
		PrometheusPort    int           `yaml:"prometheus_port"` // 0 serves metrics on the API router only
		MetricsInterval   time.Duration `yaml:"metrics_interval"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled          bool          `yaml:"enabled"`
		Address          string        `yaml:"address"`
		Password         string        `yaml:"password"`
		DB               int           `yaml:"db"`
		PoolSize         int           `yaml:"pool_size"`
		HistoryRetention time.Duration `yaml:"history_retention"`
		HistoryMaxItems  int64         `yaml:"history_max_items"`
		EventChannel     string        `yaml:"event_channel"`
	} `yaml:"redis"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`

		WebSocket struct {
			ConnectionsPerMinute int   `yaml:"connections_per_minute"`
			MaxConcurrent        int   `yaml:"max_concurrent_connections"`
			MaxMessageSizeBytes  int64 `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`

	Tracing struct {
		Enabled        bool    `yaml:"enabled"`
		ServiceName    string  `yaml:"service_name"`
		JaegerEndpoint string  `yaml:"jaeger_endpoint"`
		SampleRate     float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Streaming Streaming `yaml:"streaming"`

	Fetcher struct {
		Enabled bool          `yaml:"enabled"`
		BaseURL string        `yaml:"base_url"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"fetcher"`
}

// Streaming holds the global session settings. Per-session overrides
// sent with a start request take precedence.
type Streaming struct {
	TickInterval    time.Duration         `yaml:"tick_interval"`
	CacheMaxSize    int64                 `yaml:"cache_max_size"`
	HistoryCacheTTL time.Duration         `yaml:"history_cache_ttl"`
	SwitchCooldown  time.Duration         `yaml:"switch_cooldown"`
	SafetyFactor    float64               `yaml:"safety_factor"`
	TargetBuffer    float64               `yaml:"target_buffer"`
	MaxBuffer       float64               `yaml:"max_buffer"`
	MaxRetries      int                   `yaml:"max_retries"`
	EWMAAlpha       float64               `yaml:"ewma_alpha"`
	DowngradeWindow time.Duration         `yaml:"downgrade_window"`
	Ladder          []domain.QualityLevel `yaml:"ladder"`      // empty uses the built-in ladder
	AlertRules      []domain.AlertRule    `yaml:"alert_rules"` // empty uses the built-in rules
	Retry           retry.Config          `yaml:"retry"`
	CircuitBreaker  circuitbreaker.Config `yaml:"circuit_breaker"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Events
	if c.Events.PingInterval <= 0 {
		return fmt.Errorf("events.ping_interval must be > 0")
	}
	if c.Events.PongTimeout <= c.Events.PingInterval {
		return fmt.Errorf("events.pong_timeout must be > events.ping_interval")
	}
	if c.Events.WriteTimeout <= 0 {
		return fmt.Errorf("events.write_timeout must be > 0")
	}
	if c.Events.ClientBuffer <= 0 {
		return fmt.Errorf("events.client_buffer must be > 0")
	}
	if c.Events.BatchSize <= 0 {
		return fmt.Errorf("events.batch_size must be > 0")
	}
	if c.Events.BatchInterval <= 0 {
		return fmt.Errorf("events.batch_interval must be > 0")
	}

	// Monitoring
	if c.Monitoring.PrometheusPort < 0 || c.Monitoring.PrometheusPort > 65535 {
		return fmt.Errorf("monitoring.prometheus_port must be between 0 and 65535")
	}
	if c.Monitoring.MetricsInterval <= 0 {
		return fmt.Errorf("monitoring.metrics_interval must be > 0")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be json or console")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
		if c.Redis.HistoryRetention < 0 {
			return fmt.Errorf("redis.history_retention must be >= 0")
		}
		if c.Redis.HistoryMaxItems < 0 {
			return fmt.Errorf("redis.history_max_items must be >= 0")
		}
		if c.Redis.EventChannel == "" {
			return fmt.Errorf("redis.event_channel must not be empty when redis.enabled=true")
		}
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.ConnectionsPerMinute <= 0 {
			return fmt.Errorf("rate_limiting.websocket.connections_per_minute must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_concurrent_connections must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0 when rate limiting is enabled")
		}
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.ServiceName == "" {
			return fmt.Errorf("tracing.service_name must not be empty when tracing is enabled")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	if err := c.Streaming.validate(); err != nil {
		return err
	}

	// Fetcher
	if c.Fetcher.Enabled {
		if err := validation.ValidateURL(c.Fetcher.BaseURL); err != nil {
			return fmt.Errorf("fetcher.base_url: %w", err)
		}
		if c.Fetcher.Timeout <= 0 {
			return fmt.Errorf("fetcher.timeout must be > 0 when fetcher.enabled=true")
		}
	}

	return nil
}

func (s *Streaming) validate() error {
	if s.TickInterval <= 0 {
		return fmt.Errorf("streaming.tick_interval must be > 0")
	}
	if s.CacheMaxSize <= 0 {
		return fmt.Errorf("streaming.cache_max_size must be > 0")
	}
	if s.HistoryCacheTTL < 0 {
		return fmt.Errorf("streaming.history_cache_ttl must be >= 0")
	}
	if s.SwitchCooldown < 0 {
		return fmt.Errorf("streaming.switch_cooldown must be >= 0")
	}
	if s.SafetyFactor <= 0 || s.SafetyFactor > 1 {
		return fmt.Errorf("streaming.safety_factor must be within (0, 1]")
	}
	if s.MaxBuffer <= 0 {
		return fmt.Errorf("streaming.max_buffer must be > 0")
	}
	if s.TargetBuffer <= 0 || s.TargetBuffer > s.MaxBuffer {
		return fmt.Errorf("streaming.target_buffer must be within (0, max_buffer]")
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("streaming.max_retries must be >= 0")
	}
	if s.EWMAAlpha <= 0 || s.EWMAAlpha > 1 {
		return fmt.Errorf("streaming.ewma_alpha must be within (0, 1]")
	}
	if s.DowngradeWindow <= 0 {
		return fmt.Errorf("streaming.downgrade_window must be > 0")
	}
	if s.Retry.Enabled && s.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("streaming.retry.max_attempts must be > 0 when retry is enabled")
	}
	if s.CircuitBreaker.FailureThreshold <= 0 {
		return fmt.Errorf("streaming.circuit_breaker.failure_threshold must be > 0")
	}
	if s.CircuitBreaker.Timeout <= 0 {
		return fmt.Errorf("streaming.circuit_breaker.timeout must be > 0")
	}
	for i, level := range s.Ladder {
		if err := validation.ValidateID(fmt.Sprintf("streaming.ladder[%d].id", i), string(level.ID)); err != nil {
			return err
		}
		if err := validation.ValidateBitrate(level.Bitrate); err != nil {
			return fmt.Errorf("streaming.ladder[%d]: %w", i, err)
		}
	}
	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := cfg.applyEnvOverrides(); err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Events.PingInterval = 30 * time.Second
	cfg.Events.PongTimeout = 60 * time.Second
	cfg.Events.WriteTimeout = 10 * time.Second
	cfg.Events.ClientBuffer = 256
	cfg.Events.BatchSize = 100
	cfg.Events.BatchInterval = 100 * time.Millisecond

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.PrometheusPort = 9090
	cfg.Monitoring.MetricsInterval = 30 * time.Second

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.HistoryRetention = 7 * 24 * time.Hour
	cfg.Redis.HistoryMaxItems = 100000
	cfg.Redis.EventChannel = "streamadapt:events"

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 60
	cfg.RateLimiting.WebSocket.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 4 * 1024

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "streamadapt"
	cfg.Tracing.JaegerEndpoint = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 1.0

	cfg.Streaming = Streaming{
		TickInterval:    time.Second,
		CacheMaxSize:    256 * 1024 * 1024,
		HistoryCacheTTL: 30 * time.Second,
		SwitchCooldown:  8 * time.Second,
		SafetyFactor:    0.8,
		TargetBuffer:    10,
		MaxBuffer:       30,
		MaxRetries:      3,
		EWMAAlpha:       0.3,
		DowngradeWindow: time.Minute,
		Retry:           retry.DefaultConfig(),
		CircuitBreaker:  circuitbreaker.DefaultConfig(),
	}

	cfg.Fetcher.Enabled = false
	cfg.Fetcher.Timeout = 10 * time.Second

	return cfg
}

func (c *Config) applyEnvOverrides() error {
	if addr := os.Getenv(envPrefix + "SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if id := os.Getenv(envPrefix + "INSTANCE_ID"); id != "" {
		c.Server.InstanceID = id
	}
	if level := os.Getenv(envPrefix + "LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if format := os.Getenv(envPrefix + "LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}
	if addr := os.Getenv(envPrefix + "REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
	if pw := os.Getenv(envPrefix + "REDIS_PASSWORD"); pw != "" {
		c.Redis.Password = pw
	}
	if endpoint := os.Getenv(envPrefix + "JAEGER_ENDPOINT"); endpoint != "" {
		c.Tracing.JaegerEndpoint = endpoint
		c.Tracing.Enabled = true
	}
	if url := os.Getenv(envPrefix + "FETCHER_BASE_URL"); url != "" {
		c.Fetcher.BaseURL = url
		c.Fetcher.Enabled = true
	}
	if v := os.Getenv(envPrefix + "SAFETY_FACTOR"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%sSAFETY_FACTOR: %w", envPrefix, err)
		}
		c.Streaming.SafetyFactor = f
	}
	if v := os.Getenv(envPrefix + "SWITCH_COOLDOWN"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sSWITCH_COOLDOWN: %w", envPrefix, err)
		}
		c.Streaming.SwitchCooldown = d
	}
	return nil
}
