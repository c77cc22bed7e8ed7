// Dhisync - Scheduled DHIS2 Data Synchronization Engine
// Copyright 2026 S. Ssewanyana
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ssewanyana/dhisync

// Package config loads layered configuration with koanf: struct defaults,
// then an optional YAML file, then DHISYNC_* environment variables.
// Destination credentials are resolved once per process and validated at
// startup; a malformed base URL fails fast before any trigger registers.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/ssewanyana/dhisync/internal/models"
)

// Config is the full application configuration.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Destination DestinationConfig `koanf:"destination"`
	Scheduler   SchedulerConfig   `koanf:"scheduler"`
	Store       StoreConfig       `koanf:"store"`
	Logging     LoggingConfig     `koanf:"logging"`
}

// ServerConfig configures the admin HTTP surface.
type ServerConfig struct {
	Host            string `koanf:"host"`
	Port            int    `koanf:"port"`
	ShutdownTimeout int    `koanf:"shutdown_timeout"` // seconds
	RateLimit       int    `koanf:"rate_limit"`       // requests per minute per IP
}

// DestinationConfig configures the DHIS2 destination client.
type DestinationConfig struct {
	BaseURL  string `koanf:"base_url"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`

	// MaxInFlight bounds concurrent destination submissions per fire.
	MaxInFlight int `koanf:"max_in_flight"`

	// RateLimit is the sustained destination request rate per second.
	RateLimit float64 `koanf:"rate_limit"`
}

// SchedulerConfig configures trigger evaluation.
type SchedulerConfig struct {
	Timezone         string `koanf:"timezone"`
	ExecutionTimeout int    `koanf:"execution_timeout"` // minutes, per fire
}

// StoreConfig configures the badger job store.
type StoreConfig struct {
	Path string `koanf:"path"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// defaults returns the built-in configuration layer.
func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            3109,
			ShutdownTimeout: 10,
			RateLimit:       120,
		},
		Destination: DestinationConfig{
			MaxInFlight: 8,
			RateLimit:   20,
		},
		Scheduler: SchedulerConfig{
			Timezone:         "UTC",
			ExecutionTimeout: 30,
		},
		Store: StoreConfig{
			Path: "./data/jobs",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// envKeyOverrides maps environment variables whose names do not survive
// the generic underscore-to-dot transform.
var envKeyOverrides = map[string]string{
	"DHISYNC_DESTINATION_BASE_URL":        "destination.base_url",
	"DHISYNC_DESTINATION_MAX_IN_FLIGHT":   "destination.max_in_flight",
	"DHISYNC_DESTINATION_RATE_LIMIT":      "destination.rate_limit",
	"DHISYNC_SERVER_SHUTDOWN_TIMEOUT":     "server.shutdown_timeout",
	"DHISYNC_SERVER_RATE_LIMIT":           "server.rate_limit",
	"DHISYNC_SCHEDULER_EXECUTION_TIMEOUT": "scheduler.execution_timeout",
}

// envTransform maps DHISYNC_SECTION_KEY to section.key.
func envTransform(s string) string {
	if mapped, ok := envKeyOverrides[s]; ok {
		return mapped
	}
	s = strings.TrimPrefix(s, "DHISYNC_")
	return strings.Replace(strings.ToLower(s), "_", ".", 1)
}

// findConfigFile locates the YAML config file: CONFIG_PATH first, then
// conventional locations. Returns empty when none exists.
func findConfigFile() string {
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		return path
	}
	for _, candidate := range []string{"config.yaml", "config.yml", "/etc/dhisync/config.yaml"} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

// Load assembles the configuration layers and validates the result.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("DHISYNC_", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate fails fast on configuration the engine cannot run with.
func (c *Config) Validate() error {
	if c.Destination.BaseURL == "" {
		return fmt.Errorf("%w: destination.base_url is required", models.ErrConfiguration)
	}
	u, err := url.Parse(c.Destination.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: destination.base_url %q is not an absolute URL", models.ErrConfiguration, c.Destination.BaseURL)
	}
	if c.Destination.Username == "" || c.Destination.Password == "" {
		return fmt.Errorf("%w: destination credentials are required", models.ErrConfiguration)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server.port %d out of range", models.ErrConfiguration, c.Server.Port)
	}
	if c.Destination.MaxInFlight < 1 {
		return fmt.Errorf("%w: destination.max_in_flight must be positive", models.ErrConfiguration)
	}
	return nil
}
