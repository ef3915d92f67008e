package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Port:                8000,
		JWTAlgorithm:        "HS256",
		RateLimitDefault:    100,
		RateLimitWindowSec:  60,
		RateLimitStore:      "memory",
		LBAlgorithm:         "round_robin",
		CircuitThreshold:    5,
		RegistryInstanceTTL: 30,
		RegistryHeartbeatSec: 10,
		RequestTimeoutSec:   30,
		LogLevel:            "info",
		LogFormat:           "json",
	}
}

func TestValidateAccepts(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port zero", func(c *Config) { c.Port = 0 }},
		{"port too large", func(c *Config) { c.Port = 70000 }},
		{"asymmetric jwt algorithm", func(c *Config) { c.JWTAlgorithm = "RS256" }},
		{"rate limit zero", func(c *Config) { c.RateLimitDefault = 0 }},
		{"window zero", func(c *Config) { c.RateLimitWindowSec = 0 }},
		{"unknown rate limit store", func(c *Config) { c.RateLimitStore = "etcd" }},
		{"unknown lb algorithm", func(c *Config) { c.LBAlgorithm = "random" }},
		{"circuit threshold zero", func(c *Config) { c.CircuitThreshold = 0 }},
		{"heartbeat not under ttl", func(c *Config) { c.RegistryHeartbeatSec = 30 }},
		{"request timeout zero", func(c *Config) { c.RequestTimeoutSec = 0 }},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }},
		{"malformed services json", func(c *Config) { c.ServicesJSON = "{" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestServicesParsing(t *testing.T) {
	cfg := validConfig()
	cfg.ServicesJSON = `{
		"user-service": {
			"prefix": "/api/v1/users",
			"instances": [
				{"host": "10.0.0.1", "port": 9001, "weight": 2},
				{"host": "10.0.0.2", "port": 9001}
			]
		}
	}`
	require.NoError(t, cfg.Validate())

	services, err := cfg.Services()
	require.NoError(t, err)
	require.Contains(t, services, "user-service")

	entry := services["user-service"]
	assert.Equal(t, "/api/v1/users", entry.Prefix)
	require.Len(t, entry.Instances, 2)
	assert.Equal(t, "10.0.0.1", entry.Instances[0].Host)
	assert.Equal(t, 2, entry.Instances[0].Weight)
	assert.Equal(t, 0, entry.Instances[1].Weight)
}

func TestServicesEmpty(t *testing.T) {
	services, err := validConfig().Services()
	require.NoError(t, err)
	assert.Empty(t, services)
}

func TestDurationAccessors(t *testing.T) {
	cfg := validConfig()
	cfg.JWTAccessTTLSec = 1800
	cfg.CircuitCooldownSec = 60
	cfg.SlowRequestThresholdSec = 2.5

	assert.Equal(t, 30*time.Minute, cfg.AccessTTL())
	assert.Equal(t, time.Minute, cfg.RateLimitWindow())
	assert.Equal(t, time.Minute, cfg.CircuitCooldown())
	assert.Equal(t, 30*time.Second, cfg.InstanceTTL())
	assert.Equal(t, 2500*time.Millisecond, cfg.SlowRequestThreshold())
}

func TestAddr(t *testing.T) {
	cfg := validConfig()
	cfg.Host = "0.0.0.0"
	assert.Equal(t, "0.0.0.0:8000", cfg.Addr())
}
