// Package config handles configuration loading and management for conductor.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for conductor.
type Config struct {
	Inference InferenceConfig `mapstructure:"inference"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Paths     PathsConfig     `mapstructure:"paths"`
}

// InferenceConfig holds model provider settings.
type InferenceConfig struct {
	APIKey        string `mapstructure:"api_key"`
	Model         string `mapstructure:"model"`
	UseAWSBedrock bool   `mapstructure:"use_aws_bedrock"`
	AWSRegion     string `mapstructure:"aws_region"`
	AWSProfile    string `mapstructure:"aws_profile"`
}

// EngineConfig holds execution tuning.
type EngineConfig struct {
	MaxConcurrentSteps int           `mapstructure:"max_concurrent_steps"`
	StepTimeout        time.Duration `mapstructure:"step_timeout"`
	RunTimeout         time.Duration `mapstructure:"run_timeout"`
	LockTTL            time.Duration `mapstructure:"lock_ttl"`
	LockWait           time.Duration `mapstructure:"lock_wait"`
	CacheTTL           time.Duration `mapstructure:"cache_ttl"`
	RateLimit          int           `mapstructure:"rate_limit"`
	RateWindow         time.Duration `mapstructure:"rate_window"`
	StreamCloseDelay   time.Duration `mapstructure:"stream_close_delay"`
}

// RetryConfig holds retry policy overrides.
type RetryConfig struct {
	MaxRetries          int      `mapstructure:"max_retries"`
	BackoffMs           []int    `mapstructure:"backoff_ms"`
	RetryableCategories []string `mapstructure:"retryable_categories"`
}

// PathsConfig holds filesystem locations.
type PathsConfig struct {
	Manifest   string `mapstructure:"manifest"`
	DebugLog   string `mapstructure:"debug_log"`
	SignalsDir string `mapstructure:"signals_dir"`
	HistoryDB  string `mapstructure:"history_db"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (ANTHROPIC_API_KEY, CONDUCTOR_*)
// 2. Project config (.conductor.yaml in current directory or parent)
// 3. User config (~/.config/conductor/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			// Merge project config (takes precedence)
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("CONDUCTOR")

	v.BindEnv("inference.api_key", "ANTHROPIC_API_KEY")
	v.BindEnv("inference.model", "CONDUCTOR_MODEL")
	v.BindEnv("inference.use_aws_bedrock", "CONDUCTOR_USE_BEDROCK")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Expand ${VAR} references
	cfg.Inference.APIKey = os.ExpandEnv(cfg.Inference.APIKey)

	return cfg, nil
}

// LoadFromPath loads configuration from a specific path (for testing).
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

	cfg.Inference.APIKey = os.ExpandEnv(cfg.Inference.APIKey)

	return cfg, nil
}

// Save writes the current configuration to the user config file.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	configPath := filepath.Join(userConfigDir, "config.yaml")

	v := viper.New()
	v.SetConfigFile(configPath)

	v.Set("inference.api_key", cfg.Inference.APIKey)
	v.Set("inference.model", cfg.Inference.Model)
	v.Set("inference.use_aws_bedrock", cfg.Inference.UseAWSBedrock)
	v.Set("inference.aws_region", cfg.Inference.AWSRegion)
	v.Set("inference.aws_profile", cfg.Inference.AWSProfile)
	v.Set("engine.max_concurrent_steps", cfg.Engine.MaxConcurrentSteps)
	v.Set("engine.step_timeout", cfg.Engine.StepTimeout.String())
	v.Set("engine.run_timeout", cfg.Engine.RunTimeout.String())
	v.Set("engine.lock_ttl", cfg.Engine.LockTTL.String())
	v.Set("engine.lock_wait", cfg.Engine.LockWait.String())
	v.Set("engine.cache_ttl", cfg.Engine.CacheTTL.String())
	v.Set("engine.rate_limit", cfg.Engine.RateLimit)
	v.Set("engine.rate_window", cfg.Engine.RateWindow.String())
	v.Set("engine.stream_close_delay", cfg.Engine.StreamCloseDelay.String())
	v.Set("retry.max_retries", cfg.Retry.MaxRetries)
	v.Set("retry.backoff_ms", cfg.Retry.BackoffMs)
	v.Set("retry.retryable_categories", cfg.Retry.RetryableCategories)
	v.Set("paths.manifest", cfg.Paths.Manifest)
	v.Set("paths.debug_log", cfg.Paths.DebugLog)
	v.Set("paths.signals_dir", cfg.Paths.SignalsDir)
	v.Set("paths.history_db", cfg.Paths.HistoryDB)

	return v.WriteConfig()
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("inference.api_key", "")
	v.SetDefault("inference.model", "")
	v.SetDefault("inference.use_aws_bedrock", false)
	v.SetDefault("inference.aws_region", "")
	v.SetDefault("inference.aws_profile", "")

	v.SetDefault("engine.max_concurrent_steps", 4)
	v.SetDefault("engine.step_timeout", "2m")
	v.SetDefault("engine.run_timeout", "30m")
	v.SetDefault("engine.lock_ttl", "5m")
	v.SetDefault("engine.lock_wait", "10s")
	v.SetDefault("engine.cache_ttl", "15m")
	v.SetDefault("engine.rate_limit", 30)
	v.SetDefault("engine.rate_window", "1m")
	v.SetDefault("engine.stream_close_delay", "60s")

	v.SetDefault("retry.max_retries", 0)
	v.SetDefault("retry.backoff_ms", []int{})
	v.SetDefault("retry.retryable_categories", []string{})

	v.SetDefault("paths.manifest", "workers.yaml")
	v.SetDefault("paths.debug_log", "")
	v.SetDefault("paths.signals_dir", ".conductor")
	v.SetDefault("paths.history_db", "")
}

// getUserConfigDir returns the XDG config directory for conductor.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "conductor")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "conductor")
	}
	return filepath.Join(home, ".config", "conductor")
}

// findProjectConfig searches for .conductor.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".conductor.yaml")
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

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			MaxConcurrentSteps: 4,
			StepTimeout:        2 * time.Minute,
			RunTimeout:         30 * time.Minute,
			LockTTL:            5 * time.Minute,
			LockWait:           10 * time.Second,
			CacheTTL:           15 * time.Minute,
			RateLimit:          30,
			RateWindow:         time.Minute,
			StreamCloseDelay:   60 * time.Second,
		},
		Paths: PathsConfig{
			Manifest:   "workers.yaml",
			SignalsDir: ".conductor",
		},
	}
}
