/*
Package config loads server configuration from a TOML file with sane
defaults. A missing file is not an error: the server runs on defaults,
and every field can be left out of a partial file.

FILE FORMAT (config.toml):

  [server]
  host = "127.0.0.1"
  port = 8080
  cors_origins = ["http://localhost:5173"]

  [database]
  path = "./data/loyalty.db"

  [vouchers]
  sweep_interval = "1h"
  default_validity_days = 90
*/
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the full server configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Vouchers VoucherConfig  `toml:"vouchers"`
}

type ServerConfig struct {
	Host        string   `toml:"host"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type VoucherConfig struct {
	SweepInterval       string `toml:"sweep_interval"` // Go duration string
	DefaultValidityDays int    `toml:"default_validity_days"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Path: "./data/loyalty.db",
		},
		Vouchers: VoucherConfig{
			SweepInterval:       "1h",
			DefaultValidityDays: 90,
		},
	}
}

// Load reads the TOML file at path over the defaults. A missing file
// returns the defaults; a malformed file is an error.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects values the server cannot run with.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Vouchers.DefaultValidityDays <= 0 {
		return fmt.Errorf("vouchers.default_validity_days must be positive")
	}
	if _, err := c.SweepInterval(); err != nil {
		return err
	}
	return nil
}

// Addr returns the host:port the server listens on.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// SweepInterval parses the voucher sweep interval.
func (c Config) SweepInterval() (time.Duration, error) {
	d, err := time.ParseDuration(c.Vouchers.SweepInterval)
	if err != nil {
		return 0, fmt.Errorf("vouchers.sweep_interval %q: %w", c.Vouchers.SweepInterval, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("vouchers.sweep_interval must be positive")
	}
	return d, nil
}
