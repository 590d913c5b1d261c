package main

import (
	"fmt"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

var configReveal bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configShowCmd.Flags().BoolVar(&configReveal, "reveal", false, "print the token unmasked")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage headspa configuration",
	Long:  "View or modify the headspa CLI configuration stored in ~/.headspa/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  "Print the configuration after HEADSPA_* environment overrides. The token is masked unless --reveal is given.",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			fmt.Println("No configuration file found. Run 'headspa init <token>' to create one.")
		}
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		out, err := renderConfig(cfg, configReveal)
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: headspa config set auth.role admin",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if key == "auth.token" {
			value = maskKey(value)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}

// renderConfig encodes cfg as TOML followed by the settings that are still
// missing for chat commands.
func renderConfig(cfg *Config, reveal bool) (string, error) {
	shown := *cfg
	if !reveal && shown.Auth.Token != "" {
		shown.Auth.Token = maskKey(shown.Auth.Token)
	}
	data, err := toml.Marshal(&shown)
	if err != nil {
		return "", fmt.Errorf("cannot encode config: %w", err)
	}

	var b strings.Builder
	b.Write(data)
	var missing []string
	if cfg.Auth.Token == "" {
		missing = append(missing, "auth.token")
	}
	if cfg.Auth.UserID == "" {
		missing = append(missing, "auth.user_id")
	}
	if cfg.Auth.Role == "" {
		missing = append(missing, "auth.role")
	}
	if len(missing) > 0 {
		fmt.Fprintf(&b, "\n# missing for chat commands: %s\n", strings.Join(missing, ", "))
	}
	return b.String(), nil
}
