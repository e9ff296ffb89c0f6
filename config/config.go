// Package config provides configuration management for systemvpn.
// It handles loading, saving, and validating the YAML settings file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yllada/systemvpn/common"
)

// Config represents the application configuration.
// All settings are persisted to a YAML file in the user's config directory.
type Config struct {
	// PermissionTimeout bounds how long Prepare waits for OS consent.
	PermissionTimeout time.Duration `yaml:"permission_timeout"`
	// StatusPollInterval is how often adapter status is reconciled; 0 disables polling.
	StatusPollInterval time.Duration `yaml:"status_poll_interval"`
	// CredentialBackend selects secret storage: "auto", "system" or "file".
	CredentialBackend string `yaml:"credential_backend"`
	// CredentialFile overrides the encrypted fallback file location.
	CredentialFile string `yaml:"credential_file,omitempty"`
	// HistoryEnabled records state transitions in the SQLite journal.
	HistoryEnabled bool `yaml:"history_enabled"`
	// HistoryPath overrides the journal location.
	HistoryPath string `yaml:"history_path,omitempty"`
	// HistoryRetention is how long journal rows are kept.
	HistoryRetention time.Duration `yaml:"history_retention"`
	// DesktopNotifications sends a desktop notification on state changes.
	DesktopNotifications bool `yaml:"desktop_notifications"`
	// LogLevel is one of "debug", "info", "warn", "error".
	LogLevel string `yaml:"log_level"`
	// LogToFile enables the rotating log file.
	LogToFile bool `yaml:"log_to_file"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		PermissionTimeout:    common.PermissionTimeout,
		StatusPollInterval:   common.StatusPollInterval,
		CredentialBackend:    common.BackendAuto,
		HistoryEnabled:       true,
		HistoryRetention:     common.HistoryRetention,
		DesktopNotifications: false,
		LogLevel:             "info",
		LogToFile:            true,
	}
}

// Load loads the configuration from the default location.
func Load() (*Config, error) {
	configPath, err := DefaultPath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(configPath)
}

// LoadFrom loads the configuration from path.
// If the file doesn't exist, it is created with default values.
func LoadFrom(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := cfg.SaveTo(configPath); err != nil {
			return cfg, err
		}
		return cfg, nil
	}

	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrConfigLoad, err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)

	config := DefaultConfig()
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", common.ErrConfigLoad, configPath, err)
	}

	config.validate()
	return config, nil
}

// validate replaces out-of-range values with defaults.
func (c *Config) validate() {
	def := DefaultConfig()

	switch c.CredentialBackend {
	case common.BackendAuto, common.BackendSystem, common.BackendFile:
	default:
		c.CredentialBackend = def.CredentialBackend
	}
	if c.PermissionTimeout <= 0 {
		c.PermissionTimeout = def.PermissionTimeout
	}
	if c.StatusPollInterval < 0 {
		c.StatusPollInterval = 0
	}
	if c.HistoryRetention <= 0 {
		c.HistoryRetention = def.HistoryRetention
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		c.LogLevel = def.LogLevel
	}
}

// Save saves the configuration to the default location.
func (c *Config) Save() error {
	configPath, err := DefaultPath()
	if err != nil {
		return err
	}
	return c.SaveTo(configPath)
}

// SaveTo writes the configuration to configPath with owner-only permissions.
func (c *Config) SaveTo(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0700); err != nil {
		return fmt.Errorf("%w: creating config directory: %v", common.ErrConfigSave, err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrConfigSave, err)
	}

	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("%w: %v", common.ErrConfigSave, err)
	}
	return nil
}

// ResolvedHistoryPath returns HistoryPath or the default under the data dir.
func (c *Config) ResolvedHistoryPath() (string, error) {
	if c.HistoryPath != "" {
		return c.HistoryPath, nil
	}
	dir, err := common.GetDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, common.HistoryFileName), nil
}

// DefaultPath returns config.yaml inside the application config directory.
func DefaultPath() (string, error) {
	dir, err := common.GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, common.ConfigFileName), nil
}
