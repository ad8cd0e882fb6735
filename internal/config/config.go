// Package config loads memscan's on-disk settings: log verbosity, an
// optional log file, and the region-enumeration window new_scan walks.
// No RPC parameter overrides the window.
package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds the settings persisted in ~/.memscan/config.yaml.
type Config struct {
	LogLevel string `yaml:"log_level,omitempty"` // debug|info|warn|error
	LogFile  string `yaml:"log_file,omitempty"`  // empty disables file logging

	// RegionWindowLimit caps how far past address 0 new_scan walks a
	// target's region list. Zero means unbounded.
	RegionWindowLimit uint64 `yaml:"region_window_limit,omitempty"`
}

// Default returns the zero-config defaults new_scan and the RPC server
// fall back to when no config file is present.
func Default() *Config {
	return &Config{
		LogLevel: "info",
	}
}

// Load reads path and merges it over Default(). A missing file is not an
// error — it just means the defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// WriteDefault writes a fresh config file at path if none exists yet.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// UserConfigDir returns ~/.memscan, creating nothing.
func UserConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".memscan"), nil
}

// DefaultConfigPath returns ~/.memscan/config.yaml.
func DefaultConfigPath() (string, error) {
	dir, err := UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}
