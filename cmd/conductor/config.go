package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/conductorhq/conductor/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Manage configuration",
	Long: `View or modify conductor configuration.

Without arguments, displays current configuration.
With one argument (key), displays the value for that key.
With two arguments (key value), sets the configuration value.

Configuration is stored at ~/.config/conductor/config.yaml
Project-specific overrides can be placed in .conductor.yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}

		switch len(args) {
		case 0:
			displayAllConfig(cfg)
		case 1:
			displayConfigKey(cfg, args[0])
		default:
			setConfigKey(cfg, args[0], args[1])
		}
	},
}

// displayAllConfig prints all configuration values.
func displayAllConfig(cfg *config.Config) {
	// Mask API key if set
	apiKeyDisplay := "(not set)"
	if cfg.Inference.APIKey != "" {
		apiKeyDisplay = "****"
	}

	fmt.Printf("inference.api_key: %s\n", apiKeyDisplay)
	fmt.Printf("inference.model: %s\n", cfg.Inference.Model)
	fmt.Printf("inference.use_aws_bedrock: %t\n", cfg.Inference.UseAWSBedrock)
	fmt.Printf("engine.max_concurrent_steps: %d\n", cfg.Engine.MaxConcurrentSteps)
	fmt.Printf("engine.step_timeout: %s\n", cfg.Engine.StepTimeout)
	fmt.Printf("engine.run_timeout: %s\n", cfg.Engine.RunTimeout)
	fmt.Printf("engine.lock_ttl: %s\n", cfg.Engine.LockTTL)
	fmt.Printf("engine.lock_wait: %s\n", cfg.Engine.LockWait)
	fmt.Printf("engine.cache_ttl: %s\n", cfg.Engine.CacheTTL)
	fmt.Printf("engine.rate_limit: %d\n", cfg.Engine.RateLimit)
	fmt.Printf("engine.rate_window: %s\n", cfg.Engine.RateWindow)
	fmt.Printf("paths.manifest: %s\n", cfg.Paths.Manifest)
	fmt.Printf("paths.signals_dir: %s\n", cfg.Paths.SignalsDir)
}

// displayConfigKey prints one configuration value.
func displayConfigKey(cfg *config.Config, key string) {
	switch key {
	case "inference.api_key":
		if cfg.Inference.APIKey != "" {
			fmt.Println("****")
		} else {
			fmt.Println("(not set)")
		}
	case "inference.model":
		fmt.Println(cfg.Inference.Model)
	case "inference.use_aws_bedrock":
		fmt.Println(cfg.Inference.UseAWSBedrock)
	case "engine.max_concurrent_steps":
		fmt.Println(cfg.Engine.MaxConcurrentSteps)
	case "engine.step_timeout":
		fmt.Println(cfg.Engine.StepTimeout)
	case "engine.run_timeout":
		fmt.Println(cfg.Engine.RunTimeout)
	case "engine.lock_ttl":
		fmt.Println(cfg.Engine.LockTTL)
	case "engine.lock_wait":
		fmt.Println(cfg.Engine.LockWait)
	case "engine.cache_ttl":
		fmt.Println(cfg.Engine.CacheTTL)
	case "engine.rate_limit":
		fmt.Println(cfg.Engine.RateLimit)
	case "engine.rate_window":
		fmt.Println(cfg.Engine.RateWindow)
	case "paths.manifest":
		fmt.Println(cfg.Paths.Manifest)
	case "paths.signals_dir":
		fmt.Println(cfg.Paths.SignalsDir)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config key: %s\n", key)
		os.Exit(1)
	}
}

// setConfigKey updates one configuration value and saves the user config.
func setConfigKey(cfg *config.Config, key, value string) {
	var err error
	switch key {
	case "inference.api_key":
		cfg.Inference.APIKey = value
	case "inference.model":
		cfg.Inference.Model = value
	case "inference.use_aws_bedrock":
		cfg.Inference.UseAWSBedrock, err = strconv.ParseBool(value)
	case "engine.max_concurrent_steps":
		cfg.Engine.MaxConcurrentSteps, err = strconv.Atoi(value)
	case "engine.step_timeout":
		cfg.Engine.StepTimeout, err = time.ParseDuration(value)
	case "engine.run_timeout":
		cfg.Engine.RunTimeout, err = time.ParseDuration(value)
	case "engine.lock_ttl":
		cfg.Engine.LockTTL, err = time.ParseDuration(value)
	case "engine.lock_wait":
		cfg.Engine.LockWait, err = time.ParseDuration(value)
	case "engine.cache_ttl":
		cfg.Engine.CacheTTL, err = time.ParseDuration(value)
	case "engine.rate_limit":
		cfg.Engine.RateLimit, err = strconv.Atoi(value)
	case "engine.rate_window":
		cfg.Engine.RateWindow, err = time.ParseDuration(value)
	case "paths.manifest":
		cfg.Paths.Manifest = value
	case "paths.signals_dir":
		cfg.Paths.SignalsDir = value
	default:
		fmt.Fprintf(os.Stderr, "Unknown config key: %s\n", key)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid value for %s: %v\n", key, err)
		os.Exit(1)
	}

	if err := config.Save(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Set %s = %s\n", key, value)
}
