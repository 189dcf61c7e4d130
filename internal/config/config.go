// Package config loads the server's configuration: a Config struct
// with mapstructure/yaml tags, loaded through viper (file plus
// NFSD_* environment overrides), defaulted, and validated.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the server's full static configuration surface, §6.
type Config struct {
	Port                   int    `mapstructure:"port" validate:"min=1,max=65535" yaml:"port"`
	RootPath               string `mapstructure:"root_path" validate:"required" yaml:"root_path"`
	LeaseSeconds           int    `mapstructure:"lease_seconds" validate:"min=1" yaml:"lease_seconds"`
	SessionTimeoutMinutes  int    `mapstructure:"session_timeout_minutes" validate:"min=1" yaml:"session_timeout_minutes"`
	GracePeriodSeconds     int    `mapstructure:"grace_period_seconds" validate:"min=0" yaml:"grace_period_seconds"`
	LockWaitTimeoutSeconds int    `mapstructure:"lock_wait_timeout_seconds" validate:"min=1" yaml:"lock_wait_timeout_seconds"`
	StaleLockSweepMinutes  int    `mapstructure:"stale_lock_sweep_minutes" validate:"min=1" yaml:"stale_lock_sweep_minutes"`
	WALPath                string `mapstructure:"wal_path" validate:"required" yaml:"wal_path"`
	JournalPath            string `mapstructure:"journal_path" validate:"required" yaml:"journal_path"`

	Auth    AuthConfig    `mapstructure:"auth" yaml:"auth"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// AuthConfig controls the auth gate's accepted credential flavors.
type AuthConfig struct {
	RequireAuth       bool     `mapstructure:"require_auth" yaml:"require_auth"`
	AllowSys          bool     `mapstructure:"allow_sys" yaml:"allow_sys"`
	AllowGSS          bool     `mapstructure:"allow_gss" yaml:"allow_gss"`
	ServiceName       string   `mapstructure:"service_name" yaml:"service_name"`
	KeytabPath        string   `mapstructure:"keytab_path" yaml:"keytab_path"`
	AllowedPrincipals []string `mapstructure:"allowed_principals" yaml:"allowed_principals"`
}

// LoggingConfig controls the process-wide logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// MetricsConfig controls the Prometheus metrics HTTP server.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// Default returns every default value §6 names.
func Default() *Config {
	return &Config{
		Port:                   2049,
		RootPath:               "/",
		LeaseSeconds:           90,
		SessionTimeoutMinutes:  30,
		GracePeriodSeconds:     60,
		LockWaitTimeoutSeconds: 30,
		StaleLockSweepMinutes:  5,
		WALPath:                "/var/lib/nfsd/wal",
		JournalPath:            "/var/lib/nfsd/journal",
		Auth: AuthConfig{
			RequireAuth: true,
			AllowSys:    true,
			AllowGSS:    false,
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// LeaseDuration returns LeaseSeconds as a time.Duration.
func (c *Config) LeaseDuration() time.Duration {
	return time.Duration(c.LeaseSeconds) * time.Second
}

// SessionTimeout returns SessionTimeoutMinutes as a time.Duration.
func (c *Config) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutMinutes) * time.Minute
}

// GracePeriod returns GracePeriodSeconds as a time.Duration.
func (c *Config) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodSeconds) * time.Second
}

// LockWaitTimeout returns LockWaitTimeoutSeconds as a time.Duration.
func (c *Config) LockWaitTimeout() time.Duration {
	return time.Duration(c.LockWaitTimeoutSeconds) * time.Second
}

// StaleLockSweepInterval returns StaleLockSweepMinutes as a time.Duration.
func (c *Config) StaleLockSweepInterval() time.Duration {
	return time.Duration(c.StaleLockSweepMinutes) * time.Minute
}

// Load loads configuration from file, environment, and defaults: the
// file overrides Default(), and an NFSD_* environment variable
// overrides a key the file sets. An absent config file is not an
// error: Load then returns Default() unchanged, without consulting the
// environment.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if !found {
		if err := Validate(cfg); err != nil {
			return nil, fmt.Errorf("config: default configuration invalid: %w", err)
		}
		return cfg, nil
	}

	if err := v.Unmarshal(cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return cfg, nil
}

// Validate enforces every `validate` struct tag via go-playground's
// validator.
func Validate(cfg *Config) error {
	return validator.New().Struct(cfg)
}

// Save writes cfg to path as YAML, respecting the struct's yaml tags,
// for --dump-config-style tooling.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: create directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("config: write: %w", err)
	}
	return nil
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("NFSD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("nfsd")
		v.SetConfigType("yaml")
	}
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("config: read file: %w", err)
	}
	return true, nil
}

// durationDecodeHook lets a plain integer seconds/minutes field also
// accept a human-readable duration string ("90s", "2m") from config
// files or environment overrides, converting it to whole seconds
// before mapstructure assigns it. A field named in minutes (e.g.
// SessionTimeoutMinutes) receiving a duration string is still
// assigned the value in seconds, not minutes; operators overriding
// those fields should use the plain integer form.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Kind, to reflect.Kind, data interface{}) (interface{}, error) {
		if from != reflect.String || to != reflect.Int {
			return data, nil
		}
		s, ok := data.(string)
		if !ok {
			return data, nil
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return data, nil
		}
		return int(d.Seconds()), nil
	}
}
