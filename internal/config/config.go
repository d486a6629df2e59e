// Package config provides unified configuration loading for phenosim.
// It supports loading from YAML files and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Backends accepted by store.backend.
const (
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// DirName is the per-user configuration directory under the home directory.
const DirName = ".phenosim"

// Config contains all phenosim application settings. Model parameters live
// in their own file; see package params.
type Config struct {
	// Logging contains settings for operational and step-event logging.
	Logging LoggingConfig `json:"logging" yaml:"logging"`

	// DataDir is where trajectory files, the run registry and the event
	// log are written. Relative paths are resolved against the project root.
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// Store selects the run registry backend.
	Store StoreConfig `json:"store" yaml:"store"`

	// Monitor configures the live run monitor.
	Monitor MonitorConfig `json:"monitor" yaml:"monitor"`
}

// LoggingConfig configures phenosim's logging behavior.
type LoggingConfig struct {
	// Level sets the log verbosity: "info" (default), "debug", or "trace".
	// "debug" also records one event per frame to events.jsonl in the data
	// directory, and "trace" adds one event per step.
	Level string `json:"level" yaml:"level"`
}

// StoreConfig configures the run registry.
type StoreConfig struct {
	// Backend is "sqlite" (default) or "memory". The memory backend forgets
	// every run when the process exits.
	Backend string `json:"backend" yaml:"backend"`

	// Path overrides the SQLite database location. Defaults to runs.db in
	// the data directory.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}

// MonitorConfig configures the live HTTP/WebSocket monitor.
type MonitorConfig struct {
	// Addr is the listen address used by "run --serve" when no address is
	// given on the command line, e.g. "localhost:8765".
	Addr string `json:"addr" yaml:"addr"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level: "info",
		},
		DataDir: "data",
		Store: StoreConfig{
			Backend: BackendSQLite,
		},
		Monitor: MonitorConfig{
			Addr: "localhost:8765",
		},
	}
}

// Path returns the default config file location, ~/.phenosim/config.yaml.
func Path() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(homeDir, DirName, "config.yaml"), nil
}

// Load loads configuration from the default locations and environment variables.
// Order: defaults -> ~/.phenosim/config.yaml -> environment variables
func Load() (*Config, error) {
	config := Default()

	if configPath, err := Path(); err == nil {
		if _, statErr := os.Stat(configPath); statErr == nil {
			fileConfig, loadErr := LoadFromFile(configPath)
			if loadErr != nil {
				return nil, fmt.Errorf("loading config file: %w", loadErr)
			}
			config = fileConfig
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// LoadFromFile loads configuration from a specific YAML file. Keys missing
// from the file keep their defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	config.DataDir = expandEnvVars(config.DataDir)
	config.Store.Path = expandEnvVars(config.Store.Path)

	return config, nil
}

// Save writes the configuration to path, creating the parent directory.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"info": true, "debug": true, "trace": true}
	if c.Logging.Level != "" && !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: info, debug, trace, or empty for default)", c.Logging.Level)
	}

	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}

	switch c.Store.Backend {
	case BackendSQLite, BackendMemory:
	default:
		return fmt.Errorf("invalid store backend: %s (valid: %s, %s)", c.Store.Backend, BackendSQLite, BackendMemory)
	}

	return nil
}

// ResolveDataDir returns the data directory, resolving a relative DataDir
// against root.
func (c *Config) ResolveDataDir(root string) string {
	if filepath.IsAbs(c.DataDir) {
		return c.DataDir
	}
	return filepath.Join(root, c.DataDir)
}

// ResolveStorePath returns the SQLite database path for the run registry.
func (c *Config) ResolveStorePath(root string) string {
	if c.Store.Path == "" {
		return filepath.Join(c.ResolveDataDir(root), "runs.db")
	}
	if filepath.IsAbs(c.Store.Path) {
		return c.Store.Path
	}
	return filepath.Join(root, c.Store.Path)
}

// Get retrieves a configuration value by dot-notation key.
func (c *Config) Get(key string) (string, bool) {
	switch key {
	case "logging.level":
		return c.Logging.Level, true
	case "data_dir":
		return c.DataDir, true
	case "store.backend":
		return c.Store.Backend, true
	case "store.path":
		return c.Store.Path, true
	case "monitor.addr":
		return c.Monitor.Addr, true
	default:
		return "", false
	}
}

// Set sets a configuration value by dot-notation key. The result is
// validated; on error c is left unchanged.
func (c *Config) Set(key, value string) error {
	next := *c
	switch key {
	case "logging.level":
		next.Logging.Level = value
	case "data_dir":
		next.DataDir = value
	case "store.backend":
		next.Store.Backend = value
	case "store.path":
		next.Store.Path = value
	case "monitor.addr":
		next.Monitor.Addr = value
	default:
		return fmt.Errorf("unknown configuration key: %s", key)
	}

	if err := next.Validate(); err != nil {
		return err
	}
	*c = next
	return nil
}

// Keys lists the keys accepted by Get and Set, in display order.
func Keys() []string {
	return []string{"logging.level", "data_dir", "store.backend", "store.path", "monitor.addr"}
}

// applyEnvOverrides applies environment variable overrides to the config.
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("PHENOSIM_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}

	if v := os.Getenv("PHENOSIM_DATA_DIR"); v != "" {
		config.DataDir = v
	}

	if v := os.Getenv("PHENOSIM_STORE_BACKEND"); v != "" {
		config.Store.Backend = v
	}

	if v := os.Getenv("PHENOSIM_MONITOR_ADDR"); v != "" {
		config.Monitor.Addr = v
	}
}

// expandEnvVars expands ${VAR} patterns in a string with environment variable values.
func expandEnvVars(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, os.Getenv)
}
