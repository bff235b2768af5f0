package importer

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dpdash/dpimport/store"
)

// Config holds the full importer configuration. The connection fields sit at
// the top level of the YAML file, matching the keys operators already use.
type Config struct {
	Mongo store.ConnConfig `yaml:",inline"`

	BatchSize int          `yaml:"batch_size"`
	Retry     RetryConfig  `yaml:"retry"`
	Log       LogConfig    `yaml:"log"`
	RunLog    RunLogConfig `yaml:"run_log"`
}

// RetryConfig configures the store round-trip retry policy, intervals in
// milliseconds.
type RetryConfig struct {
	MaxTries          uint `yaml:"max_tries"`
	InitialIntervalMS int  `yaml:"initial_interval_ms"`
	MaxIntervalMS     int  `yaml:"max_interval_ms"`
}

// Policy converts the YAML form into the store's retry policy.
func (c RetryConfig) Policy() store.RetryConfig {
	return store.RetryConfig{
		MaxTries:        c.MaxTries,
		InitialInterval: time.Duration(c.InitialIntervalMS) * time.Millisecond,
		MaxInterval:     time.Duration(c.MaxIntervalMS) * time.Millisecond,
	}
}

// LogConfig configures structured logging. When File is set, output rotates
// there instead of going to stderr.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// RunLogConfig configures the optional local run journal.
type RunLogConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DefaultConfig returns sane defaults; only connection details are missing.
func DefaultConfig() *Config {
	retry := store.DefaultRetry()
	return &Config{
		Mongo: store.ConnConfig{
			Port:       27017,
			AuthSource: "admin",
		},
		BatchSize: 100000,
		Retry: RetryConfig{
			MaxTries:          retry.MaxTries,
			InitialIntervalMS: int(retry.InitialInterval / time.Millisecond),
			MaxIntervalMS:     int(retry.MaxInterval / time.Millisecond),
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 3,
		},
		RunLog: RunLogConfig{
			Path: "dpimport_runlog.db",
		},
	}
}

// LoadConfig reads and parses a YAML config file, merged over DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	if c.Mongo.Hostname == "" {
		return fmt.Errorf("hostname is required")
	}
	if c.Mongo.Port <= 0 || c.Mongo.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Mongo.Port)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be > 0")
	}
	if err := c.Retry.Policy().Validate(); err != nil {
		return err
	}
	if c.RunLog.Enabled && c.RunLog.Path == "" {
		return fmt.Errorf("run_log.path is required when run_log is enabled")
	}
	return nil
}
