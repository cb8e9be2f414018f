// Package config assembles lessond settings from defaults, an optional YAML
// file, the environment (optionally seeded from .env) and command-line
// flags, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	StoreFile     = "file"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

type Config struct {
	Addr            string        `yaml:"addr"`
	DataDir         string        `yaml:"data_dir"`
	Store           string        `yaml:"store"`
	DSN             string        `yaml:"dsn"`
	CORSOrigin      string        `yaml:"cors_origin"`
	LogLevel        string        `yaml:"log_level"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

func (c *Config) defaults() {
	if c.Addr == "" {
		c.Addr = ":10110"
	}
	if c.DataDir == "" {
		c.DataDir = "lessons"
	}
	if c.Store == "" {
		c.Store = StoreFile
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
}

// LoadFile reads a YAML config file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Load builds the configuration from defaults, the YAML file and the
// environment. path may be empty, in which case LESSOND_CONFIG is consulted.
// getenv is os.Getenv outside tests. Callers apply their own overrides and
// then call Validate.
func Load(path string, getenv func(string) string) (*Config, error) {
	if path == "" {
		path = strings.TrimSpace(getenv("LESSOND_CONFIG"))
	}

	cfg := &Config{}
	if path != "" {
		loaded, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	override := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	override(&cfg.Addr, "LESSOND_ADDR")
	override(&cfg.DataDir, "LESSOND_DATA_DIR")
	override(&cfg.Store, "LESSOND_STORE")
	override(&cfg.DSN, "LESSOND_DSN")
	override(&cfg.CORSOrigin, "LESSOND_CORS_ORIGIN")
	override(&cfg.LogLevel, "LOG_LEVEL")
	if v := strings.TrimSpace(getenv("LESSOND_SHUTDOWN_TIMEOUT")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("LESSOND_SHUTDOWN_TIMEOUT: %w", err)
		}
		cfg.ShutdownTimeout = d
	}

	cfg.defaults()
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Store {
	case StoreFile:
		if c.DataDir == "" {
			return fmt.Errorf("data_dir is required for the file store")
		}
	case StorePostgres, StoreSQLite:
		if c.DSN == "" {
			return fmt.Errorf("dsn is required for the %s store", c.Store)
		}
	default:
		return fmt.Errorf("unknown store %q (want %s, %s or %s)", c.Store, StoreFile, StorePostgres, StoreSQLite)
	}
	return nil
}
