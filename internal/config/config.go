package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/dosrun/internal/env"
	"github.com/loykin/dosrun/internal/logger"
	"github.com/loykin/dosrun/internal/retention"
)

// EnvPrefix prefixes environment overrides, e.g. DOSRUN_SERVER_LISTEN.
const EnvPrefix = "DOSRUN"

const DefaultListen = "127.0.0.1:7878"

// Config represents the top-level TOML structure.
type Config struct {
	// InstallDir roots relative paths; empty means the directory of the binary.
	InstallDir string `mapstructure:"install_dir"`

	// Env, EnvFiles and UseOSEnv build the environment DOSBox runs with.
	Env      []string `mapstructure:"env"`
	EnvFiles []string `mapstructure:"env_files"`
	UseOSEnv bool     `mapstructure:"use_os_env"`

	Store   StoreConfig   `mapstructure:"store"`
	DOSBox  DOSBoxConfig  `mapstructure:"dosbox"`
	Server  ServerConfig  `mapstructure:"server"`
	Log     logger.Config `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	History HistoryConfig `mapstructure:"history"`
}

type StoreConfig struct {
	// DSN selects sqlite (path or sqlite://) or postgres (postgres://).
	// Empty means db.sqlite in the install directory.
	DSN string `mapstructure:"dsn"`
}

type DOSBoxConfig struct {
	Executable string `mapstructure:"executable"`
	// EnsureBaseConfig writes base.conf on startup when it is missing.
	EnsureBaseConfig bool `mapstructure:"ensure_base_config"`
}

type ServerConfig struct {
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
}

type MetricsConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	SampleInterval time.Duration `mapstructure:"sample_interval"`
}

type HistoryConfig struct {
	Sinks     []string         `mapstructure:"sinks"`
	Retention retention.Config `mapstructure:"retention"`
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("install_dir", "")
	v.SetDefault("env", []string{})
	v.SetDefault("env_files", []string{})
	v.SetDefault("use_os_env", true)
	v.SetDefault("store.dsn", "")
	v.SetDefault("dosbox.executable", "")
	v.SetDefault("dosbox.ensure_base_config", true)
	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("server.base_path", "")
	v.SetDefault("log.slog.level", logger.LevelInfo)
	v.SetDefault("log.slog.format", logger.FormatText)
	v.SetDefault("log.slog.color", false)
	v.SetDefault("log.slog.timestamps", true)
	v.SetDefault("log.slog.source", false)
	v.SetDefault("log.slog.path", "")
	v.SetDefault("log.file.dir", "")
	v.SetDefault("log.file.stdout", "")
	v.SetDefault("log.file.stderr", "")
	v.SetDefault("log.file.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.file.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.file.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.file.compress", false)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.sample_interval", 5*time.Second)
	v.SetDefault("history.sinks", []string{})
	v.SetDefault("history.retention.schedule", retention.DefaultSchedule)
	v.SetDefault("history.retention.max_age", time.Duration(0))
	v.SetDefault("history.retention.time_zone", "")
	return v
}

// Load reads the TOML file at path, applies DOSRUN_* environment overrides
// and validates the result. An empty path yields defaults plus environment.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Listen) == "" {
		return fmt.Errorf("server.listen must not be empty")
	}
	for _, kv := range c.Env {
		if !strings.Contains(kv, "=") {
			return fmt.Errorf("env entry %q must be KEY=VALUE", kv)
		}
	}
	for _, dsn := range c.History.Sinks {
		if strings.TrimSpace(dsn) == "" {
			return fmt.Errorf("history.sinks must not contain empty entries")
		}
	}
	if err := c.History.Retention.Validate(); err != nil {
		return err
	}
	return nil
}

// GameEnv merges the environment for game processes. Precedence: OS env
// (when enabled) provides the base, env files are applied in order, then the
// top-level env list overrides last. A nil result means "inherit".
func (c *Config) GameEnv() ([]string, error) {
	if c.UseOSEnv && len(c.EnvFiles) == 0 && len(c.Env) == 0 {
		return nil, nil
	}
	e := env.New()
	if c.UseOSEnv {
		e.FromOS()
	}
	for _, p := range c.EnvFiles {
		if err := e.LoadFile(p); err != nil {
			return nil, err
		}
	}
	return e.Merge(c.Env), nil
}
