// Package config provides configuration management for ocvpn.
// It handles loading, saving, and validating the daemon and engine settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yllada/ocvpn/common"
	"github.com/yllada/ocvpn/vpn"
)

// Key sources for the credential store cipher.
const (
	KeySourceMachine    = "machine"
	KeySourcePassphrase = "passphrase"
)

// Config represents the application configuration.
// All settings are persisted to a YAML file in the configuration directory.
type Config struct {
	// LogLevel is one of trace, debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
	// VpncScript is the tunnel setup script handed to the engine.
	VpncScript string `yaml:"vpnc_script"`
	// HTTPProxy routes engine traffic through a proxy when set.
	HTTPProxy string `yaml:"http_proxy,omitempty"`
	// SocketPath is the daemon control endpoint.
	SocketPath string `yaml:"socket_path"`
	// Protocol is used when a profile does not name one.
	Protocol string `yaml:"protocol"`
	// ReconnectTimeout bounds the engine's own reconnect attempts, in seconds.
	ReconnectTimeout int `yaml:"reconnect_timeout"`
	// ReconnectInterval is the minimum engine reconnect interval, in seconds.
	ReconnectInterval int `yaml:"reconnect_interval"`
	// ResetOnDisconnect clears engine SSL state and cookie after a disconnect.
	ResetOnDisconnect bool `yaml:"reset_on_disconnect"`
	// ExitOnFailure stops the daemon when its session fails.
	ExitOnFailure bool `yaml:"exit_on_failure"`
	// KeySource selects how the store encryption key is derived.
	KeySource string `yaml:"key_source"`
	// Notifications enables desktop notifications for status changes.
	Notifications bool `yaml:"notifications"`
	// Watchdog configures the stats watchdog.
	Watchdog WatchdogConfig `yaml:"watchdog"`
}

// WatchdogConfig mirrors vpn.WatchdogConfig in file form.
type WatchdogConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Interval          time.Duration `yaml:"interval"`
	FailureThreshold  int           `yaml:"failure_threshold"`
	CancelOnUnhealthy bool          `yaml:"cancel_on_unhealthy"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:          "info",
		VpncScript:        defaultVpncScript(),
		SocketPath:        common.DefaultSocketPath,
		Protocol:          vpn.DefaultProtocol,
		ReconnectTimeout:  common.DefaultReconnectTimeout,
		ReconnectInterval: common.DefaultReconnectInterval,
		ExitOnFailure:     true,
		KeySource:         KeySourceMachine,
		Notifications:     true,
		Watchdog: WatchdogConfig{
			Enabled:          false,
			Interval:         30 * time.Second,
			FailureThreshold: 3,
		},
	}
}

// defaultVpncScript prefers the distribution's script and falls back to
// one shipped in the configuration directory.
func defaultVpncScript() string {
	for _, candidate := range []string{
		"/etc/vpnc/vpnc-script",
		"/usr/share/vpnc-scripts/vpnc-script",
	} {
		if common.FileExists(candidate) {
			return candidate
		}
	}
	if dir, err := common.GetConfigDir(); err == nil {
		return filepath.Join(dir, "bin", "vpnc-script")
	}
	return "/etc/vpnc/vpnc-script"
}

// Path returns the location of the configuration file.
func Path() (string, error) {
	return common.ConfigPath(common.ConfigFileName)
}

// Load loads the configuration from the config file.
// If the file doesn't exist, it creates one with default values.
func Load() (*Config, error) {
	configPath, err := Path()
	if err != nil {
		return nil, err
	}
	return LoadFile(configPath)
}

// LoadFile loads the configuration at configPath, writing defaults there
// when it does not exist.
func LoadFile(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := cfg.SaveFile(configPath); err != nil {
			return cfg, err
		}
		return cfg, nil
	}

	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("%w: error opening configuration: %v", common.ErrConfig, err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true) // Strict validation: reject unknown fields

	config := DefaultConfig()
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("%w: error parsing configuration: %v", common.ErrConfig, err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// validate verifies that configuration values are valid
func (c *Config) validate() error {
	if _, err := common.ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.SocketPath == "" {
		c.SocketPath = common.DefaultSocketPath
	}
	if c.Protocol == "" {
		c.Protocol = vpn.DefaultProtocol
	}
	if c.ReconnectTimeout <= 0 {
		return fmt.Errorf("%w: reconnect_timeout must be positive", common.ErrConfig)
	}
	if c.ReconnectInterval < 0 {
		return fmt.Errorf("%w: reconnect_interval must not be negative", common.ErrConfig)
	}
	switch c.KeySource {
	case "":
		c.KeySource = KeySourceMachine
	case KeySourceMachine, KeySourcePassphrase:
	default:
		return fmt.Errorf("%w: unknown key_source %q", common.ErrConfig, c.KeySource)
	}
	if c.Watchdog.Enabled {
		if c.Watchdog.Interval <= 0 {
			return fmt.Errorf("%w: watchdog interval must be positive", common.ErrConfig)
		}
		if c.Watchdog.FailureThreshold <= 0 {
			c.Watchdog.FailureThreshold = 3
		}
	}
	return nil
}

// Save saves the configuration to the default location.
func (c *Config) Save() error {
	configPath, err := Path()
	if err != nil {
		return err
	}
	return c.SaveFile(configPath)
}

// SaveFile saves the configuration to configPath.
func (c *Config) SaveFile(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0700); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("error serializing configuration: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("error saving configuration: %w", err)
	}

	return nil
}

// EngineConfig converts the file settings into a validated session config.
func (c *Config) EngineConfig() (*vpn.Config, error) {
	level, err := common.ParseLogLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	return vpn.NewConfig(vpn.Config{
		VpncScript:        c.VpncScript,
		HTTPProxy:         c.HTTPProxy,
		LogLevel:          level,
		ReconnectTimeout:  c.ReconnectTimeout,
		ReconnectInterval: c.ReconnectInterval,
		ResetOnDisconnect: c.ResetOnDisconnect,
	})
}

// WatchdogSettings converts the file settings for the session watchdog.
func (c *Config) WatchdogSettings() vpn.WatchdogConfig {
	return vpn.WatchdogConfig{
		Interval:          c.Watchdog.Interval,
		FailureThreshold:  c.Watchdog.FailureThreshold,
		CancelOnUnhealthy: c.Watchdog.CancelOnUnhealthy,
	}
}
