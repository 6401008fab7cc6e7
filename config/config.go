// Package config loads the comment stream settings from a YAML file, WSCOMP_
// environment variables and whatever command line flags were bound to the viper
// instance, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"livecomment.dev/wscomp/connection/manager"
	"livecomment.dev/wscomp/logger"
)

const (
	EnvPrefix  = "WSCOMP"
	configName = "wscomp"
)

type Config struct {
	// Websocket address of the comment stream. Leave empty to run without a backend.
	URL string `mapstructure:"url"`

	// Start with the placeholder comment instead of waiting for the server
	NoComments bool `mapstructure:"no_comments"`

	// Extra headers sent with every handshake, e.g. Authorization
	Headers map[string]string `mapstructure:"headers"`

	Log       LogConfig       `mapstructure:"log"`
	Reconnect ReconnectConfig `mapstructure:"reconnect"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

type ReconnectConfig struct {
	Min         time.Duration `mapstructure:"min"`
	Max         time.Duration `mapstructure:"max"`
	Exponential bool          `mapstructure:"exponential"`
}

func Defaults() *Config {
	return &Config{
		Log: LogConfig{
			Level: "info",
		},
		Reconnect: ReconnectConfig{
			Min: manager.DefaultMinBackOff,
			Max: manager.DefaultMaxBackOff,
		},
	}
}

// Load reads configuration into the given viper instance. If path is empty we look
// for wscomp.yaml in the working directory and in ~/.wscomp; a missing file is fine.
func Load(v *viper.Viper, path string) (*Config, error) {
	cfg := Defaults()

	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults so that env-only configs work
	v.SetDefault("url", cfg.URL)
	v.SetDefault("no_comments", cfg.NoComments)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.file", cfg.Log.File)
	v.SetDefault("reconnect.min", cfg.Reconnect.Min)
	v.SetDefault("reconnect.max", cfg.Reconnect.Max)
	v.SetDefault("reconnect.exponential", cfg.Reconnect.Exponential)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configName)
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, "."+configName))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every problem it finds, each prefixed with the offending key
func (c *Config) Validate() error {
	var errs []error

	if c.URL != "" {
		if _, err := manager.ParseAddress(c.URL); err != nil {
			errs = append(errs, fmt.Errorf("url: %w", err))
		}
	}

	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}

	if c.Reconnect.Min < 0 {
		errs = append(errs, fmt.Errorf("reconnect.min: must not be negative, got %s", c.Reconnect.Min))
	}
	if c.Reconnect.Max <= c.Reconnect.Min {
		errs = append(errs, fmt.Errorf("reconnect.max: must be greater than reconnect.min (%s), got %s", c.Reconnect.Min, c.Reconnect.Max))
	}

	return errors.Join(errs...)
}
