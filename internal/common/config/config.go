// Package config loads daemon-level settings for the troika server.
//
// These are operator settings (logging, debug HTTP port, store location),
// not the role configuration contract — that lives in internal/roles and is
// strict JSON by design.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// LoggingConfig mirrors logger.LoggingConfig for wiring in main.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ServerConfig holds the debug HTTP surface settings.
type ServerConfig struct {
	// HTTPPort enables the read-only debug API when non-zero.
	HTTPPort int `mapstructure:"http_port"`
}

// Config is the daemon configuration.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Server  ServerConfig  `mapstructure:"server"`

	// StorePath overrides the default session store location.
	StorePath string `mapstructure:"store_path"`

	// DrainTimeoutSecs bounds the shutdown drain of in-flight invocations.
	DrainTimeoutSecs int `mapstructure:"drain_timeout_secs"`
}

// Load reads daemon settings from the optional server config file and the
// TROIKA_* environment.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("server")
	v.SetConfigType("json")
	v.AddConfigPath(ConfigDir())

	v.SetEnvPrefix("TROIKA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("server.http_port", 0)
	v.SetDefault("store_path", "")
	v.SetDefault("drain_timeout_secs", 30)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ConfigDir returns the user-level troika config directory.
func ConfigDir() string {
	if base := os.Getenv("XDG_CONFIG_HOME"); base != "" {
		return filepath.Join(base, "troika")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".troika")
	}
	return filepath.Join(home, ".config", "troika")
}

// DataDir returns the user-level troika data directory.
func DataDir() string {
	if base := os.Getenv("XDG_DATA_HOME"); base != "" {
		return filepath.Join(base, "troika")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".troika")
	}
	return filepath.Join(home, ".local", "share", "troika")
}
