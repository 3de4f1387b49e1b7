// Package config provides configuration loading for a Cyphal node.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the root node configuration.
type Config struct {
	// AppName optional logical name of the node/application
	AppName string `mapstructure:"app_name"`

	// DataDir base directory for persistent data (register snapshots)
	DataDir string `mapstructure:"data_dir"`

	// NodeID is the local node identifier; -1 keeps the node anonymous.
	NodeID int `mapstructure:"node_id"`

	// Transport selects the wire: "udp" or "can"
	Transport string `mapstructure:"transport"`

	// TxCapacity bounds the per-media TX queue, in frames
	TxCapacity int `mapstructure:"tx_capacity"`

	// Interfaces lists redundant media ("loop" or a NIC name for udp)
	Interfaces []string `mapstructure:"interfaces"`

	// HeartbeatPeriodMS is the heartbeat publication period
	HeartbeatPeriodMS int `mapstructure:"heartbeat_period_ms"`

	// Log holds logging configuration
	Log LogConfig `mapstructure:"log"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		AppName:           "cyphal-node",
		DataDir:           "./data",
		NodeID:            -1,
		Transport:         "udp",
		TxCapacity:        128,
		Interfaces:        []string{"loop"},
		HeartbeatPeriodMS: 1000,
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: true,
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/cyphal.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
	}
}

// Load reads configuration from the provided path (if non-empty), otherwise
// it searches common locations and supports environment overrides.
// Environment variables use the prefix CYPHAL and `.`/`-` are replaced with
// `_`. Example: CYPHAL_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix("CYPHAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	} else {
		v.SetConfigName("cyphal")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "cyphal"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("config: %w", err)
			}
			// No file anywhere: defaults plus environment overrides.
		}
	}

	// AutomaticEnv only answers lookups of known keys; binding every key lets
	// Unmarshal see environment overrides even when no file sets that key.
	for _, key := range []string{
		"app_name", "data_dir", "node_id", "transport", "tx_capacity",
		"interfaces", "heartbeat_period_ms",
		"log.level", "log.format", "log.outputs", "log.development",
		"log.rotation.enable", "log.rotation.filename", "log.rotation.max_size_mb",
		"log.rotation.max_backups", "log.rotation.max_age_days", "log.rotation.compress",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	switch c.Transport {
	case "udp", "can":
	default:
		return fmt.Errorf("config: unknown transport %q", c.Transport)
	}
	if c.TxCapacity <= 0 {
		return errors.New("config: tx_capacity must be positive")
	}
	if len(c.Interfaces) == 0 {
		return errors.New("config: at least one interface required")
	}
	return nil
}
