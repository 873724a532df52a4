package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"rssarchive/archive"

	"github.com/BurntSushi/toml"
	"github.com/samber/lo"
)

// TomlArchive represents the archive mirror configuration from TOML
type TomlArchive struct {
	Mirrors    []string      `toml:"mirrors"`
	MaxRetries *int          `toml:"max_retries,omitempty"`
	BaseDelay  time.Duration `toml:"base_delay,omitempty"`
	Timeout    time.Duration `toml:"timeout,omitempty"`
	UserAgent  string        `toml:"user_agent,omitempty"`
}

// TomlServer represents HTTP server configuration from TOML
type TomlServer struct {
	Port        int    `toml:"port,omitempty"`
	CorsOrigins string `toml:"cors_origins,omitempty"`
}

// TomlConfig represents the top-level configuration
type TomlConfig struct {
	Database string      `toml:"database,omitempty"`
	Server   TomlServer  `toml:"server"`
	Archive  TomlArchive `toml:"archive"`
}

// Config is the resolved runtime configuration
type Config struct {
	Database    string
	Port        int
	CorsOrigins string
	Archive     archive.Config
}

const (
	DefaultDatabase = "rss.db"
	DefaultPort     = 3000
)

// Default returns the configuration used when no file or flags are given
func Default() *Config {
	return &Config{
		Database: DefaultDatabase,
		Port:     DefaultPort,
		Archive:  archive.DefaultConfig(),
	}
}

// LoadConfig reads a TOML file. A missing file is an error, callers decide
// whether a config file is optional.
func LoadConfig(path string) (*TomlConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config TomlConfig
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

// Load builds a Config from defaults overlaid with the TOML file at path.
// An empty path, or a path that does not exist, yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	tomlConfig, err := LoadConfig(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	cfg.Apply(tomlConfig)
	return cfg, nil
}

// Apply overlays every value set in the TOML config onto c
func (c *Config) Apply(t *TomlConfig) {
	if t.Database != "" {
		c.Database = t.Database
	}
	if t.Server.Port != 0 {
		c.Port = t.Server.Port
	}
	if t.Server.CorsOrigins != "" {
		c.CorsOrigins = t.Server.CorsOrigins
	}

	mirrors := CleanMirrors(t.Archive.Mirrors)
	if len(mirrors) > 0 {
		c.Archive.Mirrors = mirrors
	}
	if t.Archive.MaxRetries != nil {
		c.Archive.MaxRetries = *t.Archive.MaxRetries
	}
	if t.Archive.BaseDelay != 0 {
		c.Archive.BaseDelay = t.Archive.BaseDelay
	}
	if t.Archive.Timeout != 0 {
		c.Archive.Timeout = t.Archive.Timeout
	}
	if t.Archive.UserAgent != "" {
		c.Archive.UserAgent = t.Archive.UserAgent
	}
}

// Validate reports the first invalid setting
func (c *Config) Validate() error {
	if c.Database == "" {
		return errors.New("database path is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if err := c.Archive.Validate(); err != nil {
		return fmt.Errorf("invalid archive config: %w", err)
	}
	return nil
}

// CleanMirrors trims whitespace and drops blank entries, keeping the order
func CleanMirrors(mirrors []string) []string {
	return lo.FilterMap(mirrors, func(mirror string, _ int) (string, bool) {
		mirror = strings.TrimSpace(mirror)
		return mirror, mirror != ""
	})
}
