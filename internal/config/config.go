// Package config handles configuration loading for Orchard.
// It supports XDG config paths, project-level overrides, and environment
// variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/ckzm/orchard/pkg/models"
)

// Config holds all configuration for an Orchard process.
type Config struct {
	Budget    BudgetConfig    `mapstructure:"budget"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Processor ProcessorConfig `mapstructure:"processor"`
	Hooks     []HookConfig    `mapstructure:"hooks"`
	Workspace string          `mapstructure:"workspace"`
}

// BudgetConfig holds the resource-limit settings.
type BudgetConfig struct {
	// MaxResourcesPerSubtask bounds subtask size; the useful range is 5-10.
	MaxResourcesPerSubtask int `mapstructure:"max_resources_per_subtask"`
	// SoftThreshold is the context-unit level that triggers compaction.
	SoftThreshold int64 `mapstructure:"soft_threshold"`
	// HardThreshold is the context-unit level that triggers a session reset.
	HardThreshold int64 `mapstructure:"hard_threshold"`
	// PostCompactionBaseline is the counter value after compaction.
	PostCompactionBaseline int64 `mapstructure:"post_compaction_baseline"`
	// ConcurrencyLimit is the maximum number of active sessions.
	ConcurrencyLimit int `mapstructure:"concurrency_limit"`
	// RetryLimit is the crash-requeue limit per subtask.
	RetryLimit int `mapstructure:"retry_limit"`
	// SessionTimeout is the per-session wall-clock deadline.
	SessionTimeout time.Duration `mapstructure:"session_timeout"`
	// DefaultResourceCost estimates resources that do not declare a cost.
	DefaultResourceCost int64 `mapstructure:"default_resource_cost"`
}

// LedgerConfig holds the durable ledger settings.
type LedgerConfig struct {
	// Path is the SQLite ledger file. Empty means the XDG default.
	Path string `mapstructure:"path"`
}

// ProcessorConfig describes the external command that processes resources.
// It receives the resource content on stdin and the resource id as its final
// argument; its stdout becomes the new content.
type ProcessorConfig struct {
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
}

// HookConfig describes one verification hook command.
type HookConfig struct {
	Name    string   `mapstructure:"name"`
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
}

// Load loads configuration with the following precedence (highest first):
// environment variables (ORCHARD_*), project config (.orchard.yaml in the
// current directory or a parent), user config
// ($XDG_CONFIG_HOME/orchard/config.yaml), built-in defaults.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("ORCHARD")
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return cfg, nil
}

// LoadFromPath loads configuration from a specific file (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return cfg, nil
}

// ToBudget converts the configured limits into a models.Budget.
func (c *Config) ToBudget() models.Budget {
	return models.Budget{
		MaxResourcesPerSubtask: c.Budget.MaxResourcesPerSubtask,
		SoftThreshold:          c.Budget.SoftThreshold,
		HardThreshold:          c.Budget.HardThreshold,
		PostCompactionBaseline: c.Budget.PostCompactionBaseline,
		ConcurrencyLimit:       c.Budget.ConcurrencyLimit,
		RetryLimit:             c.Budget.RetryLimit,
		SessionTimeout:         c.Budget.SessionTimeout,
		DefaultResourceCost:    c.Budget.DefaultResourceCost,
	}
}

// setDefaults configures built-in default values.
func setDefaults(v *viper.Viper) {
	def := models.DefaultBudget()

	v.SetDefault("budget.max_resources_per_subtask", def.MaxResourcesPerSubtask)
	v.SetDefault("budget.soft_threshold", def.SoftThreshold)
	v.SetDefault("budget.hard_threshold", def.HardThreshold)
	v.SetDefault("budget.post_compaction_baseline", def.PostCompactionBaseline)
	v.SetDefault("budget.concurrency_limit", def.ConcurrencyLimit)
	v.SetDefault("budget.retry_limit", def.RetryLimit)
	v.SetDefault("budget.session_timeout", def.SessionTimeout.String())
	v.SetDefault("budget.default_resource_cost", def.DefaultResourceCost)

	v.SetDefault("ledger.path", "")
	v.SetDefault("workspace", ".")
}

// userConfigDir returns the XDG config directory for Orchard.
func userConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "orchard")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "orchard")
	}
	return filepath.Join(home, ".config", "orchard")
}

// findProjectConfig searches for .orchard.yaml in the current directory and
// parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".orchard.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}
