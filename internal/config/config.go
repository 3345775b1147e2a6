// Package config handles configuration loading for nexus.
// It supports XDG config paths, a local config file, and environment
// variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the nexus daemon.
type Config struct {
	Poll     PollConfig     `mapstructure:"poll"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Approval ApprovalConfig `mapstructure:"approval"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Tiers    TiersConfig    `mapstructure:"tiers"`
}

// AgentConfig holds agent process launch settings.
type AgentConfig struct {
	// Command is the executable invoked to run an agent step.
	Command string `mapstructure:"command"`
}

// PollConfig holds the polling loop settings.
type PollConfig struct {
	// Interval is how often the orchestrator ticks.
	Interval time.Duration `mapstructure:"interval"`
	// StuckThreshold is how long a running step may go without an
	// observed progress signal before it is considered stuck.
	StuckThreshold time.Duration `mapstructure:"stuck_threshold"`
}

// RetryConfig holds the retry policy settings.
type RetryConfig struct {
	// MaxAttempts is the launch budget per step, including the initial
	// attempt.
	MaxAttempts int `mapstructure:"max_attempts"`
	// RecentLaunchWindow suppresses duplicate launches of the same step
	// within the window.
	RecentLaunchWindow time.Duration `mapstructure:"recent_launch_window"`
}

// ApprovalConfig holds approval gate settings.
type ApprovalConfig struct {
	// DefaultTimeout applies when a step's approval requirement does
	// not set its own deadline.
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// StorageConfig holds state store settings.
type StorageConfig struct {
	// DataDir is the directory holding the state database and agent
	// artifacts.
	DataDir string `mapstructure:"data_dir"`
}

// TiersConfig holds tier catalog settings.
type TiersConfig struct {
	// File is the YAML tier catalog. Empty means use the built-in
	// definitions.
	File string `mapstructure:"file"`
	// Fallback is the tier used when routing finds no match.
	Fallback string `mapstructure:"fallback"`
}

// DefaultDataDir returns the XDG data directory for nexus state.
func DefaultDataDir() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "nexus")
}

// configDir returns the XDG config directory for nexus.
func configDir() string {
	cfgDir := os.Getenv("XDG_CONFIG_HOME")
	if cfgDir == "" {
		home, _ := os.UserHomeDir()
		cfgDir = filepath.Join(home, ".config")
	}
	return filepath.Join(cfgDir, "nexus")
}

// setDefaults registers the default values on a viper instance.
func setDefaults(v *viper.Viper) {
	v.SetDefault("poll.interval", 20*time.Second)
	v.SetDefault("poll.stuck_threshold", 60*time.Second)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.recent_launch_window", 30*time.Second)
	v.SetDefault("approval.default_timeout", 24*time.Hour)
	v.SetDefault("agent.command", "nexus-agent")
	v.SetDefault("storage.data_dir", DefaultDataDir())
	v.SetDefault("tiers.file", "")
	v.SetDefault("tiers.fallback", "full")
}

// Load reads configuration from the given file, or from the default
// search paths when path is empty. Environment variables prefixed with
// NEXUS_ override file values (e.g. NEXUS_POLL_INTERVAL).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("NEXUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("nexus")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(configDir())
		if err := v.ReadInConfig(); err != nil {
			// A missing config file means defaults apply.
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	if c.Poll.Interval <= 0 {
		return fmt.Errorf("poll.interval must be positive, got %v", c.Poll.Interval)
	}
	if c.Poll.StuckThreshold <= 0 {
		return fmt.Errorf("poll.stuck_threshold must be positive, got %v", c.Poll.StuckThreshold)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Agent.Command == "" {
		return fmt.Errorf("agent.command must be set")
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir must be set")
	}
	return nil
}

// DBPath returns the path to the state database.
func (c *Config) DBPath() string {
	return filepath.Join(c.Storage.DataDir, "nexus.db")
}

// ArtifactDir returns the directory agent output artifacts live in.
func (c *Config) ArtifactDir() string {
	return filepath.Join(c.Storage.DataDir, "artifacts")
}

// SignalDir returns the directory the file platform reads signals from.
func (c *Config) SignalDir() string {
	return filepath.Join(c.Storage.DataDir, "signals")
}
