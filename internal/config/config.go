// Copyright (c) 2026 Gatehouse Team
// Gatehouse - bastion SSH console
// This source code is licensed under the MIT license found in the LICENSE file.

// package config loads and writes the Gatehouse configuration. It layers
// defaults, a discovered YAML file, environment variables (GATEHOUSE_*),
// and CLI flags through viper, mirroring the precedence rules users expect.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config is the full application configuration.
type Config struct {
	Database    DatabaseConfig    `mapstructure:"database" yaml:"database"`
	SSH         SSHConfig         `mapstructure:"ssh" yaml:"ssh"`
	Sealing     SealingConfig     `mapstructure:"sealing" yaml:"sealing"`
	Propagation PropagationConfig `mapstructure:"propagation" yaml:"propagation"`
	Debug       bool              `mapstructure:"debug" yaml:"debug"`
}

// DatabaseConfig selects the store backend.
type DatabaseConfig struct {
	Type string `mapstructure:"type" yaml:"type"` // sqlite, postgres, mysql
	DSN  string `mapstructure:"dsn" yaml:"dsn"`
}

// SSHConfig controls key generation and connection behavior.
type SSHConfig struct {
	KeyType        string `mapstructure:"key_type" yaml:"key_type"` // ed25519 or rsa
	TimeoutSeconds int    `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	TermType       string `mapstructure:"term_type" yaml:"term_type"`
}

// SealingConfig holds the at-rest encryption key (32 bytes, hex).
type SealingConfig struct {
	Key string `mapstructure:"key" yaml:"key"`
}

// PropagationConfig points at the identity host whose authorized_keys file
// receives application public keys. Empty host disables propagation.
type PropagationConfig struct {
	Host    string `mapstructure:"host" yaml:"host"`
	User    string `mapstructure:"user" yaml:"user"`
	KeyPath string `mapstructure:"key_path" yaml:"key_path"`
}

// Defaults returns the default settings map fed to viper.
func Defaults() map[string]any {
	return map[string]any{
		"database.type":       "sqlite",
		"database.dsn":        "./gatehouse.db",
		"ssh.key_type":        "ed25519",
		"ssh.timeout_seconds": 15,
		"ssh.term_type":       "vt102",
		"debug":               false,
	}
}

// getConfigPath returns the full path for the configuration file.
func getConfigPath(system bool) (string, error) {
	var configDir string
	var err error

	if system {
		switch runtime.GOOS {
		case "windows":
			configDir = filepath.Join(os.Getenv("ProgramData"), "Gatehouse")
		default: // Linux, macOS, etc.
			configDir = "/etc/gatehouse"
		}
	} else {
		configDir, err = os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("could not get user config directory: %w", err)
		}
		configDir = filepath.Join(configDir, "gatehouse")
	}

	return filepath.Join(configDir, "gatehouse.yaml"), nil
}

// Load reads the configuration for the given command. File discovery covers
// the user config dir, the system config dir, and the working directory; an
// explicit --config path wins over all of them.
func Load(cmd *cobra.Command, explicitPath string) (Config, error) {
	var c Config
	v := viper.New()

	for key, value := range Defaults() {
		v.SetDefault(key, value)
	}

	v.SetConfigName("gatehouse")
	v.SetConfigType("yaml")

	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
	}
	if userConfigPath, err := getConfigPath(false); err == nil {
		v.AddConfigPath(filepath.Dir(userConfigPath))
	}
	if systemConfigPath, err := getConfigPath(true); err == nil {
		v.AddConfigPath(filepath.Dir(systemConfigPath))
	}
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine; anything else is fatal.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return c, err
		}
	}

	v.AutomaticEnv()
	v.AllowEmptyEnv(true)
	v.SetEnvPrefix("gatehouse")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if cmd != nil {
		if err := v.BindPFlags(cmd.Flags()); err != nil {
			return c, err
		}
		// Flag spellings differ from the nested config keys.
		if f := cmd.Flags().Lookup("db-type"); f != nil {
			if err := v.BindPFlag("database.type", f); err != nil {
				return c, err
			}
		}
		if f := cmd.Flags().Lookup("db-dsn"); f != nil {
			if err := v.BindPFlag("database.dsn", f); err != nil {
				return c, err
			}
		}
	}

	if err := v.Unmarshal(&c); err != nil {
		return c, err
	}

	return c, nil
}

// WriteFile persists the configuration as YAML. Written 0600: the sealing
// key lives in this file.
func WriteFile(c *Config, system bool) error {
	path, err := getConfigPath(system)
	if err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("could not create config directory %s: %w", configDir, err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return err
	}

	return nil
}
