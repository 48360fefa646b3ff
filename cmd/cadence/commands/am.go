package commands

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/pelletier/go-toml/v2"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/teranos/cadence/am"
	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/sym"
)

// AmCmd groups the configuration commands
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: sym.AM + " Show and validate configuration",
	Long: sym.AM + ` am - Show and validate configuration

Configuration sources (in order of precedence):
1. Command line flags
2. Environment variables (CADENCE_* prefix)
3. Project config (nearest am.toml)
4. User config (~/.cadence/am.toml)
5. System config (/etc/cadence/config.toml)
6. Default values

Examples:
  cadence am show                    # Show current configuration
  cadence am show --format json      # Show configuration in JSON format
  cadence am get pulse.workers       # Get a specific value
  cadence am set pulse.workers 4     # Persist a value
  cadence am where                   # Show where each value comes from`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runAmShow,
}

var amGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a specific configuration value",
	Long:  "Get a configuration value using dot notation (e.g., database.path, pulse.workers)",
	Args:  cobra.ExactArgs(1),
	RunE:  runAmGet,
}

var amSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Persist a configuration value",
	Long: `Write a configuration value to the project am.toml, or ~/.cadence/am.toml
when no project config exists. The previous file is kept as a .back1 backup.
A running daemon started with --watch picks the change up.`,
	Args: cobra.ExactArgs(2),
	RunE: runAmSet,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	RunE:  runAmValidate,
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show the source of every setting",
	RunE:  runAmWhere,
}

var configFormat string

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amGetCmd)
	AmCmd.AddCommand(amSetCmd)
	AmCmd.AddCommand(amValidateCmd)
	AmCmd.AddCommand(amWhereCmd)
}

// settingsViper returns the viper behind the effective configuration
func settingsViper() (*viper.Viper, error) {
	if configPath != "" {
		return am.FileViper(configPath)
	}
	if _, err := loadConfig(); err != nil {
		return nil, err
	}
	return am.GetViper(), nil
}

func runAmShow(cmd *cobra.Command, args []string) error {
	v, err := settingsViper()
	if err != nil {
		return err
	}
	settings := v.AllSettings()
	out := cmd.OutOrStdout()

	switch configFormat {
	case "json":
		return printJSON(out, settings)

	case "yaml":
		data, err := yaml.Marshal(settings)
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to YAML")
		}
		fmt.Fprintf(out, "# cadence configuration\n%s", data)

	case "toml":
		data, err := toml.Marshal(settings)
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to TOML")
		}
		fmt.Fprintf(out, "# cadence configuration\n%s", data)

	default:
		return errors.NewInvalidRequestError("unsupported format: %s (supported: toml, json, yaml)", configFormat)
	}
	return nil
}

func runAmGet(cmd *cobra.Command, args []string) error {
	v, err := settingsViper()
	if err != nil {
		return err
	}
	key := args[0]
	if !v.IsSet(key) {
		return errors.WithHint(
			errors.NewNotFoundError("configuration key %q not found", key),
			"run 'cadence am where' to list every key")
	}
	fmt.Fprintln(cmd.OutOrStdout(), v.Get(key))
	return nil
}

func runAmSet(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		var err error
		if path, err = am.DefaultWritePath(); err != nil {
			return err
		}
	}
	if err := am.SetValue(path, args[0], parseValue(args[1])); err != nil {
		return err
	}
	pterm.Success.Printf("Set %s = %s in %s\n", args[0], args[1], path)
	return nil
}

// parseValue keeps numbers and booleans typed in the TOML file
func parseValue(s string) any {
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "configuration validation failed")
	}
	fmt.Fprintln(cmd.OutOrStdout(), "✓ Configuration is valid")
	return nil
}

func runAmWhere(cmd *cobra.Command, args []string) error {
	if _, err := loadConfig(); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-30s %-20s %-12s %s\n", "KEY", "VALUE", "SOURCE", "FROM")
	for _, s := range am.Introspect() {
		value, _ := json.Marshal(s.Value)
		fmt.Fprintf(out, "%-30s %-20s %-12s %s\n", s.Key, truncateText(string(value), 20), s.Source, s.SourcePath)
	}
	return nil
}
