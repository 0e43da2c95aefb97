package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	DatabasePath string         `yaml:"database_path"`
	Link         LinkConfig     `yaml:"link"`
	Transfer     TransferConfig `yaml:"transfer"`
	LogLevel     string         `yaml:"log_level"`
}

// LinkConfig holds BLE link timing settings.
type LinkConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

// TransferConfig holds directory/file exchange settings.
type TransferConfig struct {
	ChunkTimeout time.Duration `yaml:"chunk_timeout"`
	ChunkRetries int           `yaml:"chunk_retries"`
	HistoryLimit int           `yaml:"history_limit"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "fslink")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		DatabasePath: filepath.Join(home, ".local", "share", "fslink", "fslink.db"),
		Link: LinkConfig{
			ConnectTimeout: 15 * time.Second,
			CommandTimeout: 3 * time.Second,
		},
		Transfer: TransferConfig{
			ChunkTimeout: 8 * time.Second,
			ChunkRetries: 2,
			HistoryLimit: 50,
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled with
// defaults. Tilde (~) in database_path is expanded to the user's home
// directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.DatabasePath = expandTilde(cfg.DatabasePath)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("database_path must not be empty")
	}

	if c.Link.ConnectTimeout <= 0 {
		return fmt.Errorf("link.connect_timeout must be > 0")
	}
	if c.Link.CommandTimeout <= 0 {
		return fmt.Errorf("link.command_timeout must be > 0")
	}
	if c.Transfer.ChunkTimeout <= 0 {
		return fmt.Errorf("transfer.chunk_timeout must be > 0")
	}
	if c.Transfer.ChunkRetries < 0 {
		return fmt.Errorf("transfer.chunk_retries must be >= 0")
	}
	if c.Transfer.HistoryLimit <= 0 {
		return fmt.Errorf("transfer.history_limit must be > 0")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
