package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kivo360/omoios/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Manage configuration",
	Long: `View or modify omoi configuration.

Without arguments, displays current configuration.
With one argument (key), displays the value for that key.
With two arguments (key value), sets the configuration value.

Configuration is stored at ~/.config/omoi/config.yaml
Project-specific overrides can be placed in .omoi.yaml
Environment variables override both: OMOI_MONITOR_INTERVAL=30s`,
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		out := cmd.OutOrStdout()
		switch len(args) {
		case 0:
			displayAllConfig(out, cfg)
			return nil
		case 1:
			value, err := getConfigValue(cfg, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(out, value)
			return nil
		default:
			if err := setConfigValue(cfg, args[0], args[1]); err != nil {
				return err
			}
			if err := config.Save(cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			fmt.Fprintf(out, "Set %s = %s\n", args[0], args[1])
			return nil
		}
	},
}

// displayAllConfig prints all configuration values, sorted by key.
func displayAllConfig(w io.Writer, cfg *config.Config) {
	settings := cfg.Settings()
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Fprintf(w, "anthropic.api_key: %s (%s)\n", apiKeyDisplay(cfg), config.GetAPIKeySource(cfg))
	for _, k := range keys {
		fmt.Fprintf(w, "%s: %v\n", k, settings[k])
	}
}

func apiKeyDisplay(cfg *config.Config) string {
	key, err := config.GetAPIKey(cfg)
	if err != nil {
		return "(not set)"
	}
	return config.MaskAPIKey(key)
}

// getConfigValue retrieves a configuration value by dot-notation key.
func getConfigValue(cfg *config.Config, key string) (string, error) {
	key = strings.ToLower(key)
	if key == "anthropic.api_key" {
		return apiKeyDisplay(cfg), nil
	}
	v, ok := cfg.Settings()[key]
	if !ok {
		return "", fmt.Errorf("unknown configuration key: %s", key)
	}
	return fmt.Sprint(v), nil
}

// setConfigValue sets a configuration value by dot-notation key. The value
// is decoded with viper's hooks, so durations and booleans parse the same
// way they do from a config file.
func setConfigValue(cfg *config.Config, key, value string) error {
	key = strings.ToLower(key)
	if key == "anthropic.api_key" {
		cfg.Anthropic.APIKey = value
		return nil
	}

	settings := cfg.Settings()
	if _, ok := settings[key]; !ok {
		return fmt.Errorf("unknown configuration key: %s", key)
	}

	v := viper.New()
	for k, val := range settings {
		v.Set(k, val)
	}
	v.Set(key, value)

	var updated config.Config
	if err := v.Unmarshal(&updated); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	if err := updated.Validate(); err != nil {
		return err
	}
	updated.Anthropic.APIKey = cfg.Anthropic.APIKey
	*cfg = updated
	return nil
}
