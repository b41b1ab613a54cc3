// File: internal/config/config.go

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

const appName = "abacus"

// Default values
const (
	DefaultSocketPath   = "/tmp/abacus.sock"
	DefaultPollInterval = time.Second
	DefaultEvalTimeout  = 5 * time.Second
	DefaultMaxNodes     = 10000
	DefaultSocketMode   = 0600
	DefaultJournalMax   = 1000
)

// Config holds all daemon and CLI configuration
type Config struct {
	SocketPath string        `yaml:"socket_path"`
	PIDFile    string        `yaml:"pid_file"`
	Log        LogConfig     `yaml:"log"`
	Server     ServerConfig  `yaml:"server"`
	Engine     EngineConfig  `yaml:"engine"`
	Journal    JournalConfig `yaml:"journal"`
}

// LogConfig holds logging-related configuration
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // "console" or "json"
	File   string `yaml:"file"`   // optional extra output path
}

// ServerConfig holds configuration for the connection loop
type ServerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	IOTimeout    time.Duration `yaml:"io_timeout"` // 0 disables per-connection deadlines
	SocketMode   os.FileMode   `yaml:"socket_mode"`
}

// EngineConfig holds expression engine limits
type EngineConfig struct {
	EvalTimeout time.Duration `yaml:"eval_timeout"` // 0 disables the timeout
	MaxNodes    uint          `yaml:"max_nodes"`
}

// JournalConfig holds configuration for the calculation journal
type JournalConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxEntries int    `yaml:"max_entries"`
}

// Replaced in tests.
var (
	getConfigPath = defaultConfigPath
	getRuntimeDir = defaultRuntimeDir
	getDataDir    = defaultDataDir
)

func defaultConfigPath() (string, error) {
	if path := os.Getenv("ABACUS_CONFIG"); path != "" {
		return path, nil
	}
	return filepath.Join(xdg.ConfigHome, appName, "config.yaml"), nil
}

func defaultRuntimeDir() string {
	if xdg.RuntimeDir != "" {
		return filepath.Join(xdg.RuntimeDir, appName)
	}
	return filepath.Join(os.TempDir(), appName)
}

func defaultDataDir() string {
	return filepath.Join(xdg.DataHome, appName)
}

// DefaultConfig returns the built-in configuration
func DefaultConfig() *Config {
	return &Config{
		SocketPath: DefaultSocketPath,
		PIDFile:    filepath.Join(getRuntimeDir(), "abacusd.pid"),
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Server: ServerConfig{
			PollInterval: DefaultPollInterval,
			SocketMode:   DefaultSocketMode,
		},
		Engine: EngineConfig{
			EvalTimeout: DefaultEvalTimeout,
			MaxNodes:    DefaultMaxNodes,
		},
		Journal: JournalConfig{
			Enabled:    false,
			Path:       filepath.Join(getDataDir(), "journal.db"),
			MaxEntries: DefaultJournalMax,
		},
	}
}

// Path returns the config file location used when none is given
func Path() (string, error) {
	return getConfigPath()
}

// Load reads the configuration from configPath, or from the default location
// when configPath is empty. A missing file is not an error: defaults are used.
// Environment variables override values from the file.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		var err error
		configPath, err = getConfigPath()
		if err != nil {
			return nil, err
		}
	}

	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	overrideFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML
func (c *Config) Save(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks values that would make the daemon misbehave
func (c *Config) Validate() error {
	if c.SocketPath == "" {
		return errors.New("socket_path must not be empty")
	}
	if c.Server.PollInterval <= 0 {
		return fmt.Errorf("server.poll_interval must be positive, got %s", c.Server.PollInterval)
	}
	if c.Server.IOTimeout < 0 {
		return fmt.Errorf("server.io_timeout must not be negative, got %s", c.Server.IOTimeout)
	}
	if c.Engine.EvalTimeout < 0 {
		return fmt.Errorf("engine.eval_timeout must not be negative, got %s", c.Engine.EvalTimeout)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	if c.Journal.Enabled && c.Journal.Path == "" {
		return errors.New("journal.path must be set when the journal is enabled")
	}
	return nil
}

// overrideFromEnv overrides configuration values from environment variables
func overrideFromEnv(cfg *Config) {
	if val := os.Getenv("ABACUS_SOCKET"); val != "" {
		cfg.SocketPath = val
	}
	if val := os.Getenv("ABACUS_LOG_LEVEL"); val != "" {
		cfg.Log.Level = val
	}
	if val := os.Getenv("ABACUS_LOG_FORMAT"); val != "" {
		cfg.Log.Format = val
	}
	if val := os.Getenv("ABACUS_JOURNAL"); val != "" {
		if enabled, err := strconv.ParseBool(val); err == nil {
			cfg.Journal.Enabled = enabled
		}
	}
	if val := os.Getenv("ABACUS_EVAL_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Engine.EvalTimeout = d
		}
	}
}
