package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ShayCichocki/switchboard/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Manage configuration",
	Long: `View or modify switchboard configuration.

Without arguments, displays the effective configuration with secrets masked.
With one argument (key), displays the value for that key.
With two arguments (key value), writes the value to the user config file.

Configuration is stored at ~/.config/switchboard/config.yaml
Project-specific overrides can be placed in .switchboard.yaml
Environment variables use the SWITCHBOARD_ prefix, e.g. SWITCHBOARD_ROUTER_MIN_SCORE.`,
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 2 {
			return setConfigKey(cmd.OutOrStdout(), args[0], args[1])
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if len(args) == 1 {
			return displayConfigKey(cmd.OutOrStdout(), cfg, args[0])
		}
		displayAllConfig(cmd.OutOrStdout(), cfg)
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print config file locations",
	Run: func(cmd *cobra.Command, args []string) {
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "user:    %s\n", config.GetUserConfigPath())
		project := config.GetProjectConfigPath()
		if project == "" {
			project = "(none)"
		}
		fmt.Fprintf(w, "project: %s\n", project)
		fmt.Fprintf(w, "data:    %s\n", config.DataDir())
	},
}

func init() {
	configCmd.AddCommand(configPathCmd)
}

// displayAllConfig prints every key, sorted, with secrets masked.
// displayValues is the masked flat config plus the read-only key source.
func displayValues(cfg *config.Config) map[string]any {
	flat := config.Flatten(config.Masked(cfg))
	flat["anthropic.api_key_source"] = string(config.GetAPIKeySource(cfg))
	return flat
}

func displayAllConfig(w io.Writer, cfg *config.Config) {
	flat := displayValues(cfg)
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s: %v\n", k, flat[k])
	}
}

func displayConfigKey(w io.Writer, cfg *config.Config, key string) error {
	v, ok := displayValues(cfg)[key]
	if !ok {
		return fmt.Errorf("unknown config key %q", key)
	}
	fmt.Fprintln(w, v)
	return nil
}

// setConfigKey writes key to the user config file, then reloads it so an
// invalid value is reported immediately.
func setConfigKey(w io.Writer, key, value string) error {
	if _, ok := config.Flatten(config.Default())[key]; !ok && !strings.HasPrefix(key, "breaker.overrides.") {
		return fmt.Errorf("unknown config key %q", key)
	}

	path := config.GetUserConfigPath()
	if configPath != "" {
		path = configPath
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil && !errors.Is(err, os.ErrNotExist) {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("reading %s: %w", path, err)
		}
	}
	v.Set(key, value)

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if _, err := config.LoadFromPath(path); err != nil {
		return fmt.Errorf("%s was written but no longer loads: %w", path, err)
	}
	fmt.Fprintf(w, "Set %s = %s in %s\n", key, value, path)
	return nil
}
