package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Backend    BackendConfig    `yaml:"backend"`
	Queue      QueueConfig      `yaml:"queue"`
	Cockpit    CockpitConfig    `yaml:"cockpit"`
	Redis      RedisConfig      `yaml:"redis"`
	Logging    LoggingConfig    `yaml:"logging"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
	// Profile keys cached credentials per installation, so two watchers
	// on one machine do not clobber each other's tokens.
	Profile string `yaml:"profile"`
}

type BackendConfig struct {
	BaseURL        string          `yaml:"base_url"`
	WSURL          string          `yaml:"ws_url"`
	TimeoutSeconds int             `yaml:"timeout_seconds"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
}

type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type QueueConfig struct {
	PollIntervalSeconds int  `yaml:"poll_interval_seconds"`
	StreamEnabled       bool `yaml:"stream_enabled"`
	StreamMaxRedials    int  `yaml:"stream_max_redials"`
}

type CockpitConfig struct {
	RefreshIntervalSeconds int    `yaml:"refresh_interval_seconds"`
	ExportsPath            string `yaml:"exports_path"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

// Timeout is the per-request HTTP timeout.
func (c BackendConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// PollInterval is the pull-fallback tick; per-request deadlines are 2x this.
func (c QueueConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// RefreshInterval is the autonomous cockpit refresh tick.
func (c CockpitConfig) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalSeconds) * time.Second
}

func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(".env"); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	// Environment variables may be referenced from YAML values.
	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Backend.BaseURL == "" {
		return errors.New("backend base_url is required")
	}
	if !strings.HasPrefix(c.Backend.BaseURL, "http://") && !strings.HasPrefix(c.Backend.BaseURL, "https://") {
		return fmt.Errorf("backend base_url must be http(s), got %q", c.Backend.BaseURL)
	}
	if c.Queue.StreamEnabled && c.Backend.WSURL == "" {
		return errors.New("backend ws_url is required when queue.stream_enabled")
	}
	if c.Queue.PollIntervalSeconds <= 0 {
		return errors.New("queue poll_interval_seconds must be positive")
	}
	if c.Cockpit.RefreshIntervalSeconds <= 0 {
		return errors.New("cockpit refresh_interval_seconds must be positive")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "queuesync"
	}
	if c.App.Profile == "" {
		c.App.Profile = "default"
	}
	if c.Backend.TimeoutSeconds == 0 {
		c.Backend.TimeoutSeconds = 10
	}
	if c.Backend.RateLimit.RPS == 0 {
		c.Backend.RateLimit.RPS = 10
	}
	if c.Backend.RateLimit.Burst == 0 {
		c.Backend.RateLimit.Burst = 5
	}
	if c.Queue.PollIntervalSeconds == 0 {
		c.Queue.PollIntervalSeconds = 5
	}
	if c.Queue.StreamMaxRedials == 0 {
		c.Queue.StreamMaxRedials = 3
	}
	if c.Cockpit.RefreshIntervalSeconds == 0 {
		c.Cockpit.RefreshIntervalSeconds = 5
	}
	if c.Cockpit.ExportsPath == "" {
		c.Cockpit.ExportsPath = "exports"
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
}
