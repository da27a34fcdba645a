// Package config provides configuration management for the HoneyNet
// intelligence core.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all service configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Redis       RedisConfig       `yaml:"redis"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Correlation CorrelationConfig `yaml:"correlation"`
	Profile     ProfileConfig     `yaml:"profile"`
	GeoIP       GeoIPConfig       `yaml:"geoip"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RedisConfig holds Redis connection settings. An empty Addr selects the
// in-memory store, intended for development and tests only.
type RedisConfig struct {
	Addr        string `yaml:"addr"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db"`
	PoolSize    int    `yaml:"pool_size"`
}

// KafkaConfig holds the ingest consumer settings. The log-shipping pipeline
// publishes normalized sensor events to the configured topic.
type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
}

// CorrelationConfig holds session correlation settings. InactivityWindow is
// shared by the ingest-path boundary check and the background sweep.
type CorrelationConfig struct {
	InactivityWindow time.Duration `yaml:"inactivity_window"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
}

// ProfileConfig holds attacker profile settings.
type ProfileConfig struct {
	// TopN bounds the frequency-ranked credential and service sets.
	TopN int `yaml:"top_n"`
}

// GeoIPConfig holds geolocation resolver settings.
type GeoIPConfig struct {
	BaseURL     string        `yaml:"base_url"`
	Timeout     time.Duration `yaml:"timeout"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
	NegativeTTL time.Duration `yaml:"negative_ttl"`
}

// RateLimitConfig holds API rate limiting settings.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// Load reads configuration from a YAML file, applying defaults for any
// field the file omits.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Redis: RedisConfig{
			Addr:        "",
			PasswordEnv: "REDIS_PASSWORD",
			DB:          0,
			PoolSize:    10,
		},
		Kafka: KafkaConfig{
			Enabled: false,
			Brokers: []string{"localhost:9092"},
			Topic:   "honeynet.events",
			GroupID: "honeynet-core",
		},
		Correlation: CorrelationConfig{
			InactivityWindow: 300 * time.Second,
			SweepInterval:    60 * time.Second,
		},
		Profile: ProfileConfig{
			TopN: 10,
		},
		GeoIP: GeoIPConfig{
			BaseURL:     "http://ip-api.com",
			Timeout:     5 * time.Second,
			CacheTTL:    24 * time.Hour,
			NegativeTTL: 5 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 60,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
