// Package config loads mapsync settings from a config file, a .env file and
// MAPSYNC_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// FileName is the config file created by `mapsync init`.
const FileName = "config.toml"

// DefaultDataDir holds the replica database and config file.
const DefaultDataDir = ".mapsync"

// Config holds the settings of one replica.
type Config struct {
	DataDir        string        `mapstructure:"data_dir" toml:"data_dir" validate:"required"`
	Driver         string        `mapstructure:"driver" toml:"driver" validate:"required,oneof=sqlite3 libsql"`
	RemoteURL      string        `mapstructure:"remote_url" toml:"remote_url" validate:"required,url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" toml:"request_timeout" validate:"gte=1s"`
	SyncInterval   time.Duration `mapstructure:"sync_interval" toml:"sync_interval" validate:"gte=1s"`
	ProbeInterval  time.Duration `mapstructure:"probe_interval" toml:"probe_interval" validate:"gte=1s"`
	MaxRetries     int           `mapstructure:"max_retries" toml:"max_retries" validate:"gte=1,lte=100"`
	ConflictPolicy string        `mapstructure:"conflict_policy" toml:"conflict_policy" validate:"oneof=manual last_write_wins"`
	RetentionDays  int           `mapstructure:"retention_days" toml:"retention_days" validate:"gte=0"`
	DashboardAddr  string        `mapstructure:"dashboard_addr" toml:"dashboard_addr" validate:"omitempty,hostname_port"`
	LogFile        string        `mapstructure:"log_file" toml:"log_file"`
	LogMaxSizeMB   int           `mapstructure:"log_max_size_mb" toml:"log_max_size_mb" validate:"gte=1"`

	// file is the config file that was read, empty when none was found.
	file string
}

// DBPath returns the replica database path.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "replica.db")
}

// File returns the config file that was read, or "" when defaults and
// environment variables were the only sources.
func (c *Config) File() string {
	return c.file
}

// Retention returns the soft-delete retention window. Zero days disables
// the purge.
func (c *Config) Retention() time.Duration {
	if c.RetentionDays == 0 {
		return -1
	}
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		DataDir:        DefaultDataDir,
		Driver:         "sqlite3",
		RemoteURL:      "http://127.0.0.1:7410",
		RequestTimeout: 30 * time.Second,
		SyncInterval:   5 * time.Minute,
		ProbeInterval:  30 * time.Second,
		MaxRetries:     3,
		ConflictPolicy: "manual",
		RetentionDays:  30,
		DashboardAddr:  "127.0.0.1:7420",
		LogMaxSizeMB:   10,
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads the configuration. An explicit path must exist; without one,
// FileName is looked up in the data directory and the working directory.
func Load(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("MAPSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := Default()
	v.SetDefault("data_dir", def.DataDir)
	v.SetDefault("driver", def.Driver)
	v.SetDefault("remote_url", def.RemoteURL)
	v.SetDefault("request_timeout", def.RequestTimeout)
	v.SetDefault("sync_interval", def.SyncInterval)
	v.SetDefault("probe_interval", def.ProbeInterval)
	v.SetDefault("max_retries", def.MaxRetries)
	v.SetDefault("conflict_policy", def.ConflictPolicy)
	v.SetDefault("retention_days", def.RetentionDays)
	v.SetDefault("dashboard_addr", def.DashboardAddr)
	v.SetDefault("log_file", "")
	v.SetDefault("log_max_size_mb", def.LogMaxSizeMB)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName(strings.TrimSuffix(FileName, filepath.Ext(FileName)))
		v.SetConfigType("toml")
		v.AddConfigPath(v.GetString("data_dir"))
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}
	c.file = v.ConfigFileUsed()

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the settings against their constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// WriteDefault writes c as TOML to path. An existing file is left alone
// unless force is set.
func WriteDefault(path string, c Config, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config %s already exists", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config: %w", err)
	}
	defer f.Close()

	fmt.Fprintln(f, "# mapsync replica settings. MAPSYNC_<KEY> environment variables override them.")
	if err := toml.NewEncoder(f).Encode(fileView(c)); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// fileView renders durations as strings, the form viper reads back.
func fileView(c Config) map[string]any {
	return map[string]any{
		"data_dir":        c.DataDir,
		"driver":          c.Driver,
		"remote_url":      c.RemoteURL,
		"request_timeout": c.RequestTimeout.String(),
		"sync_interval":   c.SyncInterval.String(),
		"probe_interval":  c.ProbeInterval.String(),
		"max_retries":     c.MaxRetries,
		"conflict_policy": c.ConflictPolicy,
		"retention_days":  c.RetentionDays,
		"dashboard_addr":  c.DashboardAddr,
		"log_file":        c.LogFile,
		"log_max_size_mb": c.LogMaxSizeMB,
	}
}
