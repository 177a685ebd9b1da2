package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/josephgoksu/rulegate/internal/config"
	"github.com/josephgoksu/rulegate/internal/ui"
)

// configShowCmd shows current configuration
var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Display the effective configuration",
	Long: `Display the configuration after defaults, the config file and RULEGATE_*
environment variables are merged, together with the resolved paths.`,
	Args: cobra.NoArgs,
	RunE: runConfigShow,
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := strings.ToLower(args[0])
		if !knownConfigKey(key) {
			return unknownKeyError(key)
		}
		value := viper.Get(key)
		if isJSON() {
			return printJSON(cmd.OutOrStdout(), map[string]any{"key": key, "value": value})
		}
		cmd.Println(value)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value in the project config file",
	Long: `Writes key: value into .rulegate/config.yaml (or --config), keeping the
rest of the file and its comments. The result is validated and the file is
restored when the new value is invalid.

Examples:
  rulegate config set scoring.floor 0.6
  rulegate config set maintenance.interval 30m
  rulegate config set checks.expressions.small_change 'size(command) < 200'`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := strings.ToLower(args[0])
		if !knownConfigKey(key) {
			return unknownKeyError(key)
		}
		path, err := projectConfigPath()
		if err != nil {
			return err
		}
		if err := setConfigValue(afero.NewOsFs(), path, key, args[1]); err != nil {
			return err
		}
		if !isQuiet() {
			cmd.Printf("✓ %s = %s (%s)\n", key, args[1], path)
		}
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage rulegate configuration",
	Long: `View and manage rulegate configuration.

Settings come from, in increasing precedence: built-in defaults,
.rulegate/config.yaml and RULEGATE_* environment variables
(RULEGATE_SCORING_FLOOR=0.6 sets scoring.floor).`,
	RunE: runConfigShow,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd, configGetCmd, configSetCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg := GetConfig()
	paths, err := config.GetPaths(cfg)
	if err != nil {
		return err
	}
	settings := effectiveSettings()
	if isJSON() {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"paths":    paths,
			"settings": settings,
		})
	}

	p := newPrinter(cmd.OutOrStdout())
	p.Println(p.Render(ui.StyleTitle, "rulegate configuration"))
	p.Println("")
	p.Println("## Paths")
	for _, row := range [][2]string{
		{"root", paths.Root},
		{"config", paths.Config},
		{"document", paths.Document},
		{"database", paths.Storage},
		{"backups", paths.BackupDir},
		{"policies", paths.PoliciesDir},
		{"logs", paths.LogDir},
	} {
		p.Printf("  %-9s %s\n", row[0]+":", row[1])
	}
	p.Println("")
	p.Println("## Settings")
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(settings); err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := enc.Close(); err != nil {
		return err
	}
	for _, line := range strings.Split(strings.TrimRight(buf.String(), "\n"), "\n") {
		p.Println("  " + line)
	}
	return nil
}

// effectiveSettings returns the merged settings, excluding the root CLI flags
// that are bound into viper.
func effectiveSettings() map[string]any {
	all := viper.AllSettings()
	for _, flag := range []string{"json", "quiet", "verbose", "config"} {
		delete(all, flag)
	}
	return all
}

// knownConfigKey reports whether key names a setting with a default, or an
// entry under checks.expressions.
func knownConfigKey(key string) bool {
	if name, ok := strings.CutPrefix(key, "checks.expressions."); ok {
		return name != "" && !strings.Contains(name, ".")
	}
	v := viper.New()
	config.SetDefaults(v)
	for _, k := range v.AllKeys() {
		if k == key {
			return true
		}
	}
	return false
}

func unknownKeyError(key string) error {
	v := viper.New()
	config.SetDefaults(v)
	keys := v.AllKeys()
	sort.Strings(keys)
	return fmt.Errorf("unknown config key: %s\n\nAvailable keys:\n  %s", key, strings.Join(keys, "\n  "))
}

func projectConfigPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	state, err := config.GetStateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(state, config.ConfigFileName), nil
}

// setConfigValue writes key into the file at path and validates the result,
// restoring the previous content when the new configuration is invalid.
func setConfigValue(fsys afero.Fs, path, key, value string) error {
	previous, readErr := afero.ReadFile(fsys, path)
	existed := readErr == nil
	if readErr != nil && !errors.Is(readErr, fs.ErrNotExist) {
		return fmt.Errorf("read config: %w", readErr)
	}

	if err := config.SetValue(fsys, path, key, value); err != nil {
		return err
	}

	v := viper.New()
	config.SetDefaults(v)
	v.SetConfigType("yaml")
	data, err := afero.ReadFile(fsys, path)
	if err == nil {
		err = v.ReadConfig(bytes.NewReader(data))
	}
	if err == nil {
		_, err = config.Load(v)
	}
	if err == nil {
		return nil
	}

	if existed {
		_ = afero.WriteFile(fsys, path, previous, 0o644)
	} else {
		_ = fsys.Remove(path)
	}
	return fmt.Errorf("invalid value for %s: %w", key, err)
}
