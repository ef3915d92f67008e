package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// ServiceEntry is a statically configured upstream service: the path prefix it
// owns and the instances seeded into the registry at startup.
type ServiceEntry struct {
	Prefix    string           `json:"prefix"`
	Instances []InstanceConfig `json:"instances"`
}

// InstanceConfig describes one statically configured upstream instance.
type InstanceConfig struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Weight int    `json:"weight"`
}

// Config holds all gateway configuration.
//
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Host        string `env:"GATEWAY_HOST" envDefault:"0.0.0.0"`
	Port        int    `env:"GATEWAY_PORT" envDefault:"8000"`
	Debug       bool   `env:"GATEWAY_DEBUG" envDefault:"false"`
	ServiceName string `env:"GATEWAY_SERVICE_NAME" envDefault:"gateway"`

	// Auth / tokens
	JWTSecret        string `env:"JWT_SECRET" envDefault:"dev-secret-change-me"`
	JWTAlgorithm     string `env:"JWT_ALGORITHM" envDefault:"HS256"`
	JWTAccessTTLSec  int    `env:"JWT_ACCESS_TTL_SECONDS" envDefault:"1800"`
	JWTRefreshTTLSec int    `env:"JWT_REFRESH_TTL_SECONDS" envDefault:"604800"`

	// Rate limiting
	RateLimitEnabled   bool   `env:"RATE_LIMIT_ENABLED" envDefault:"true"`
	RateLimitDefault   int    `env:"RATE_LIMIT_DEFAULT_LIMIT" envDefault:"100"`
	RateLimitWindowSec int    `env:"RATE_LIMIT_WINDOW_SECONDS" envDefault:"60"`
	RateLimitStore     string `env:"RATE_LIMIT_STORE" envDefault:"memory"`

	// Load balancing / circuit breaker
	LBAlgorithm        string `env:"LB_ALGORITHM" envDefault:"round_robin"`
	LBHealthcheck      bool   `env:"LB_HEALTHCHECK_ENABLED" envDefault:"true"`
	CircuitThreshold   int    `env:"CIRCUIT_THRESHOLD" envDefault:"5"`
	CircuitCooldownSec int    `env:"CIRCUIT_COOLDOWN_SECONDS" envDefault:"60"`

	// Service registry
	RegistryStoreURL     string `env:"REGISTRY_STORE_URL" envDefault:""`
	RegistryInstanceTTL  int    `env:"REGISTRY_INSTANCE_TTL_SECONDS" envDefault:"30"`
	RegistryHeartbeatSec int    `env:"REGISTRY_HEARTBEAT_INTERVAL_SECONDS" envDefault:"10"`

	// Request handling
	SlowRequestThresholdSec float64 `env:"SLOW_REQUEST_THRESHOLD_SECONDS" envDefault:"3"`
	RequestTimeoutSec       int     `env:"REQUEST_TIMEOUT_SECONDS" envDefault:"30"`

	// WebSocket connection admission (DoS protection on the upgrade endpoint)
	WSConnRateLimitEnabled bool    `env:"WS_CONN_RATE_LIMIT_ENABLED" envDefault:"true"`
	WSConnRateIPBurst      int     `env:"WS_CONN_RATE_IP_BURST" envDefault:"10"`
	WSConnRateIPRate       float64 `env:"WS_CONN_RATE_IP_RATE" envDefault:"1.0"`
	WSConnRateGlobalBurst  int     `env:"WS_CONN_RATE_GLOBAL_BURST" envDefault:"300"`
	WSConnRateGlobalRate   float64 `env:"WS_CONN_RATE_GLOBAL_RATE" envDefault:"50.0"`

	// Static service table, JSON object keyed by service name:
	// {"user-service": {"prefix": "/api/v1/users", "instances": [{"host":"10.0.0.1","port":9001}]}}
	ServicesJSON string `env:"GATEWAY_SERVICES" envDefault:""`

	// Monitoring
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from .env file and environment variables.
// Priority: ENV vars > .env file > defaults.
//
// Optional logger parameter for structured logging. If nil, startup messages
// are suppressed.
func Load(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; in production (containers) plain
	// environment variables are used and the file is absent.
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("GATEWAY_PORT must be 1-65535, got %d", c.Port)
	}
	if c.JWTAlgorithm != "HS256" && c.JWTAlgorithm != "HS384" && c.JWTAlgorithm != "HS512" {
		return fmt.Errorf("JWT_ALGORITHM must be one of: HS256, HS384, HS512 (got: %s)", c.JWTAlgorithm)
	}
	if c.RateLimitDefault < 1 {
		return fmt.Errorf("RATE_LIMIT_DEFAULT_LIMIT must be > 0, got %d", c.RateLimitDefault)
	}
	if c.RateLimitWindowSec < 1 {
		return fmt.Errorf("RATE_LIMIT_WINDOW_SECONDS must be > 0, got %d", c.RateLimitWindowSec)
	}
	if c.RateLimitStore != "memory" && c.RateLimitStore != "shared" {
		return fmt.Errorf("RATE_LIMIT_STORE must be one of: memory, shared (got: %s)", c.RateLimitStore)
	}
	switch c.LBAlgorithm {
	case "round_robin", "weighted", "least_connections":
	default:
		return fmt.Errorf("LB_ALGORITHM must be one of: round_robin, weighted, least_connections (got: %s)", c.LBAlgorithm)
	}
	if c.CircuitThreshold < 1 {
		return fmt.Errorf("CIRCUIT_THRESHOLD must be > 0, got %d", c.CircuitThreshold)
	}
	if c.RegistryHeartbeatSec >= c.RegistryInstanceTTL {
		return fmt.Errorf("REGISTRY_HEARTBEAT_INTERVAL_SECONDS (%d) must be < REGISTRY_INSTANCE_TTL_SECONDS (%d)",
			c.RegistryHeartbeatSec, c.RegistryInstanceTTL)
	}
	if c.RequestTimeoutSec < 1 {
		return fmt.Errorf("REQUEST_TIMEOUT_SECONDS must be > 0, got %d", c.RequestTimeoutSec)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "text": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, text, pretty (got: %s)", c.LogFormat)
	}

	if _, err := c.Services(); err != nil {
		return fmt.Errorf("GATEWAY_SERVICES is not valid JSON: %w", err)
	}

	return nil
}

// Services parses the static service table from GATEWAY_SERVICES.
// Returns an empty map when unset.
func (c *Config) Services() (map[string]ServiceEntry, error) {
	if c.ServicesJSON == "" {
		return map[string]ServiceEntry{}, nil
	}
	services := map[string]ServiceEntry{}
	if err := json.Unmarshal([]byte(c.ServicesJSON), &services); err != nil {
		return nil, err
	}
	return services, nil
}

// Duration accessors for the *_SECONDS options.

func (c *Config) AccessTTL() time.Duration  { return time.Duration(c.JWTAccessTTLSec) * time.Second }
func (c *Config) RefreshTTL() time.Duration { return time.Duration(c.JWTRefreshTTLSec) * time.Second }
func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowSec) * time.Second
}
func (c *Config) CircuitCooldown() time.Duration {
	return time.Duration(c.CircuitCooldownSec) * time.Second
}
func (c *Config) InstanceTTL() time.Duration {
	return time.Duration(c.RegistryInstanceTTL) * time.Second
}
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.RegistryHeartbeatSec) * time.Second
}
func (c *Config) SlowRequestThreshold() time.Duration {
	return time.Duration(c.SlowRequestThresholdSec * float64(time.Second))
}
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSec) * time.Second
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LogConfig logs configuration using structured logging (Loki-compatible).
// The JWT secret is deliberately omitted.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr()).
		Str("service_name", c.ServiceName).
		Bool("debug", c.Debug).
		Str("jwt_algorithm", c.JWTAlgorithm).
		Int("jwt_access_ttl_sec", c.JWTAccessTTLSec).
		Int("jwt_refresh_ttl_sec", c.JWTRefreshTTLSec).
		Bool("rate_limit_enabled", c.RateLimitEnabled).
		Int("rate_limit_default", c.RateLimitDefault).
		Int("rate_limit_window_sec", c.RateLimitWindowSec).
		Str("rate_limit_store", c.RateLimitStore).
		Str("lb_algorithm", c.LBAlgorithm).
		Int("circuit_threshold", c.CircuitThreshold).
		Int("circuit_cooldown_sec", c.CircuitCooldownSec).
		Str("registry_store_url", c.RegistryStoreURL).
		Int("registry_instance_ttl_sec", c.RegistryInstanceTTL).
		Int("registry_heartbeat_sec", c.RegistryHeartbeatSec).
		Float64("slow_request_threshold_sec", c.SlowRequestThresholdSec).
		Int("request_timeout_sec", c.RequestTimeoutSec).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Gateway configuration loaded")
}
