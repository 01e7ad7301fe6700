package server

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the runtime settings for the HTTP daemon.
type Config struct {
	ListenAddress  string          `yaml:"listen"`
	RequestTimeout time.Duration   `yaml:"request_timeout"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig bounds per-client request rates.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// LoadConfig reads the YAML configuration from disk and validates the result.
// A missing path yields the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := Config{
		ListenAddress:  ":8547",
		RequestTimeout: 10 * time.Second,
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 600,
			Burst:             20,
		},
	}
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	if err := yaml.NewDecoder(file).Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() {
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8547"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 20
	}
}

func (cfg Config) validate() error {
	if cfg.RateLimit.RequestsPerMinute < 0 {
		return fmt.Errorf("rate limit must not be negative")
	}
	return nil
}
