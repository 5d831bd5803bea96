// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the immutable, process-wide configuration snapshot.
type Config struct {
	Proxy     ProxyConfig     `yaml:"proxy"`
	Limit     LimitConfig     `yaml:"limit"`
	Slowloris SlowlorisConfig `yaml:"slowloris"`
	Features  FeaturesConfig  `yaml:"features"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Log       LogConfig       `yaml:"log"`
}

// ProxyConfig holds the listen/upstream endpoints and MQTT size cap.
type ProxyConfig struct {
	ListenAddress         string `yaml:"listen_address"`
	TargetAddress         string `yaml:"target_address"`
	MaxConnectRemaining   int    `yaml:"max_connect_remaining"`
}

// LimitConfig tunes the per-IP token-bucket rate limiter.
type LimitConfig struct {
	MaxTokens       float64 `yaml:"max_tokens"`
	RefillRate      float64 `yaml:"refill_rate"`
	CleanupInterval int     `yaml:"cleanup_interval"`
	IPIdleTimeout   int     `yaml:"ip_idle_timeout"`
}

// CleanupIntervalDuration returns CleanupInterval as a time.Duration.
func (l LimitConfig) CleanupIntervalDuration() time.Duration {
	return time.Duration(l.CleanupInterval) * time.Second
}

// IPIdleTimeoutDuration returns IPIdleTimeout as a time.Duration.
func (l LimitConfig) IPIdleTimeoutDuration() time.Duration {
	return time.Duration(l.IPIdleTimeout) * time.Second
}

// SlowlorisConfig tunes per-stage timeouts and HTTP header bounds.
type SlowlorisConfig struct {
	FirstPacketTimeoutMs   int `yaml:"first_packet_timeout_ms"`
	PacketIdleTimeoutMs    int `yaml:"packet_idle_timeout_ms"`
	ConnectionTimeoutMs    int `yaml:"connection_timeout_ms"`
	MqttConnectTimeoutMs   int `yaml:"mqtt_connect_timeout_ms"`
	HTTPRequestTimeoutMs   int `yaml:"http_request_timeout_ms"`
	MaxHTTPHeaderSize      int `yaml:"max_http_header_size"`
	MaxHTTPHeaderCount     int `yaml:"max_http_header_count"`
}

func (s SlowlorisConfig) FirstPacketTimeout() time.Duration {
	return time.Duration(s.FirstPacketTimeoutMs) * time.Millisecond
}

func (s SlowlorisConfig) PacketIdleTimeout() time.Duration {
	return time.Duration(s.PacketIdleTimeoutMs) * time.Millisecond
}

func (s SlowlorisConfig) ConnectionTimeout() time.Duration {
	return time.Duration(s.ConnectionTimeoutMs) * time.Millisecond
}

func (s SlowlorisConfig) MqttConnectTimeout() time.Duration {
	return time.Duration(s.MqttConnectTimeoutMs) * time.Millisecond
}

func (s SlowlorisConfig) HTTPRequestTimeout() time.Duration {
	return time.Duration(s.HTTPRequestTimeoutMs) * time.Millisecond
}

// FeaturesConfig toggles pipeline stages. A disabled rate-limit, HTTP or
// MQTT inspection stage is skipped by the handler. Disabling slowloris
// protection does not remove the stage deadlines: each one is replaced by a
// 24-hour ceiling.
type FeaturesConfig struct {
	EnableRateLimiter          bool `yaml:"enable_rate_limiter"`
	EnableSlowlorisProtection  bool `yaml:"enable_slowloris_protection"`
	EnableHTTPInspection       bool `yaml:"enable_http_inspection"`
	EnableMQTTInspection       bool `yaml:"enable_mqtt_inspection"`
	EnableMQTTFullInspection   bool `yaml:"enable_mqtt_full_inspection"`
}

// MetricsConfig controls the observability endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// BreakerConfig tunes the circuit breaker wrapped around the upstream dial.
// This is an ambient resilience addition, not part of the distilled spec;
// it never changes an externally observable admission outcome (see
// SPEC_FULL.md §4.7).
type BreakerConfig struct {
	MaxFailures      int `yaml:"max_failures"`
	ResetTimeoutMs   int `yaml:"reset_timeout_ms"`
	SuccessThreshold int `yaml:"success_threshold"`
	CallTimeoutMs    int `yaml:"call_timeout_ms"`
}

func (b BreakerConfig) ResetTimeout() time.Duration {
	return time.Duration(b.ResetTimeoutMs) * time.Millisecond
}

func (b BreakerConfig) CallTimeout() time.Duration {
	return time.Duration(b.CallTimeoutMs) * time.Millisecond
}

// LogConfig tunes the structured logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses the YAML file at path into a Config, applying
// defaults for anything left unset and validating required fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// Default returns a Config populated with the defaults every zero-valued
// field falls back to when the YAML document omits it.
func Default() *Config {
	return &Config{
		Proxy: ProxyConfig{
			ListenAddress:       ":1883",
			TargetAddress:       "127.0.0.1:11883",
			MaxConnectRemaining: 268435455,
		},
		Limit: LimitConfig{
			MaxTokens:       20,
			RefillRate:      5,
			CleanupInterval: 60,
			IPIdleTimeout:   300,
		},
		Slowloris: SlowlorisConfig{
			FirstPacketTimeoutMs: 3000,
			PacketIdleTimeoutMs:  2000,
			ConnectionTimeoutMs:  10000,
			MqttConnectTimeoutMs: 5000,
			HTTPRequestTimeoutMs: 5000,
			MaxHTTPHeaderSize:    8192,
			MaxHTTPHeaderCount:   100,
		},
		Features: FeaturesConfig{
			EnableRateLimiter:         true,
			EnableSlowlorisProtection: true,
			EnableHTTPInspection:      true,
			EnableMQTTInspection:      true,
			EnableMQTTFullInspection:  true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
		Breaker: BreakerConfig{
			MaxFailures:      5,
			ResetTimeoutMs:   30000,
			SuccessThreshold: 2,
			CallTimeoutMs:    5000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks the fields the core cannot safely operate without.
func (c *Config) Validate() error {
	if c.Proxy.ListenAddress == "" {
		return fmt.Errorf("proxy.listen_address is required")
	}
	if c.Proxy.TargetAddress == "" {
		return fmt.Errorf("proxy.target_address is required")
	}
	if c.Proxy.MaxConnectRemaining <= 0 {
		return fmt.Errorf("proxy.max_connect_remaining must be positive")
	}
	if c.Features.EnableRateLimiter {
		if c.Limit.MaxTokens <= 0 {
			return fmt.Errorf("limit.max_tokens must be positive")
		}
		if c.Limit.RefillRate <= 0 {
			return fmt.Errorf("limit.refill_rate must be positive")
		}
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port must be a valid TCP port")
	}
	return nil
}
