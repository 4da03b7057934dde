package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/musestream/internal/headset"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel         logrus.Level  `yaml:"log_level"`
	DeviceIdentifier string        `yaml:"device"`
	ExpectedName     string        `yaml:"expected_name" default:"Muse"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout" default:"10s"`
	RSSIInterval     time.Duration `yaml:"rssi_interval" default:"1s"`
	RecordPath       string        `yaml:"record_path"`
	MaxBuffered      int           `yaml:"max_buffered" default:"360"`
	StaleRows        int           `yaml:"stale_rows" default:"48"`
	ListenAddress    string        `yaml:"listen" default:"127.0.0.1:8765"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{LogLevel: logrus.InfoLevel}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML config file on top of the defaults. An empty path
// returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	// keys present but left empty fall back to defaults
	defaults.SetDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects values the headset cannot run with
func (c *Config) Validate() error {
	switch {
	case c.ConnectTimeout < 0:
		return fmt.Errorf("connect_timeout must not be negative, got %v", c.ConnectTimeout)
	case c.RSSIInterval < 0:
		return fmt.Errorf("rssi_interval must not be negative, got %v", c.RSSIInterval)
	case c.MaxBuffered < 0:
		return fmt.Errorf("max_buffered must not be negative, got %d", c.MaxBuffered)
	case c.StaleRows < 0:
		return fmt.Errorf("stale_rows must not be negative, got %d", c.StaleRows)
	}
	return nil
}

// HeadsetOptions maps the config onto headset connection options
func (c *Config) HeadsetOptions() headset.Options {
	return headset.Options{
		DeviceIdentifier: c.DeviceIdentifier,
		ExpectedName:     c.ExpectedName,
		ConnectTimeout:   c.ConnectTimeout,
		RSSIInterval:     c.RSSIInterval,
		RecordPath:       c.RecordPath,
		MaxBuffered:      c.MaxBuffered,
		StaleRows:        c.StaleRows,
	}
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.LogLevel)

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
