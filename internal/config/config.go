// Package config loads console configuration from an optional YAML file
// with environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the console configuration.
type Config struct {
	ServerURL    string `yaml:"server_url"`
	StreamURL    string `yaml:"stream_url"`
	ClientID     string `yaml:"client_id"`
	Token        string `yaml:"token"`
	DBPath       string `yaml:"db_path"`
	PollInterval int    `yaml:"poll_interval_ms"`
	Mode         string `yaml:"mode"`
	LogLevel     string `yaml:"log_level"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		ServerURL:    "http://localhost:8080",
		StreamURL:    "ws://localhost:8080",
		DBPath:       "console.db",
		PollInterval: 5000,
		Mode:         "confirmation",
		LogLevel:     "info",
	}
}

// Load reads the YAML file at path when it exists, then applies
// environment overrides. A missing file is not an error; a malformed
// one is.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.ServerURL = getEnv("CONSOLE_SERVER_URL", cfg.ServerURL)
	cfg.StreamURL = getEnv("CONSOLE_STREAM_URL", cfg.StreamURL)
	cfg.ClientID = getEnv("CONSOLE_CLIENT_ID", cfg.ClientID)
	cfg.Token = getEnv("CONSOLE_TOKEN", cfg.Token)
	cfg.DBPath = getEnv("CONSOLE_DB_PATH", cfg.DBPath)
	cfg.PollInterval = getEnvInt("CONSOLE_POLL_INTERVAL_MS", cfg.PollInterval)
	cfg.Mode = getEnv("CONSOLE_MODE", cfg.Mode)
	cfg.LogLevel = getEnv("CONSOLE_LOG_LEVEL", cfg.LogLevel)

	return cfg, nil
}

// PollEvery returns the proposal poll interval as a duration.
func (c *Config) PollEvery() time.Duration {
	if c.PollInterval <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.PollInterval) * time.Millisecond
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}
