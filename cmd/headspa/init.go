package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	initUserID    string
	initFirstName string
	initLastName  string
	initRole      string
	initBaseURL   string
)

func init() {
	initCmd.Flags().StringVar(&initUserID, "user-id", "", "Your user id")
	initCmd.Flags().StringVar(&initFirstName, "first-name", "", "Your first name")
	initCmd.Flags().StringVar(&initLastName, "last-name", "", "Your last name")
	initCmd.Flags().StringVar(&initRole, "role", "", "Account role: client or admin")
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "API root, e.g. https://spa.example.com/api")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store the access token in ~/.headspa/config.toml",
	Long:  "Initialize the headspa CLI by storing your access token and identity in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = args[0]
		fields := map[string]string{
			"auth.user_id":     initUserID,
			"auth.first_name":  initFirstName,
			"auth.last_name":   initLastName,
			"auth.role":        initRole,
			"default.base_url": initBaseURL,
		}
		for key, value := range fields {
			if value == "" {
				continue
			}
			if err := setConfigValue(cfg, key, value); err != nil {
				return err
			}
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		return nil
	},
}
