package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.headspa/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
}

// ConfigDefault holds general SDK settings.
type ConfigDefault struct {
	BaseURL string `toml:"base_url"`
}

// ConfigAuth holds the signed-in identity.
type ConfigAuth struct {
	Token     string `toml:"token"`
	UserID    string `toml:"user_id"`
	FirstName string `toml:"first_name"`
	LastName  string `toml:"last_name"`
	Role      string `toml:"role"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the config directory, creating it if needed.
// HEADSPA_CONFIG_DIR overrides ~/.headspa.
func configDir() (string, error) {
	dir := os.Getenv("HEADSPA_CONFIG_DIR")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".headspa")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads the config file. A missing file yields a zero Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// loadEffectiveConfig is loadConfig with .env and HEADSPA_* overrides
// applied. It is never saved back.
func loadEffectiveConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	_ = godotenv.Load()
	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("HEADSPA_BASE_URL"); v != "" {
		cfg.Default.BaseURL = v
	}
	if v := os.Getenv("HEADSPA_TOKEN"); v != "" {
		cfg.Auth.Token = v
	}
	if v := os.Getenv("HEADSPA_USER_ID"); v != "" {
		cfg.Auth.UserID = v
	}
	if v := os.Getenv("HEADSPA_ROLE"); v != "" {
		cfg.Auth.Role = v
	}
}

func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "auth.user_id").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		case "first_name":
			cfg.Auth.FirstName = value
		case "last_name":
			cfg.Auth.LastName = value
		case "role":
			if value != "client" && value != "admin" {
				return fmt.Errorf("role must be client or admin, got %q", value)
			}
			cfg.Auth.Role = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var debugLogging bool

var rootCmd = &cobra.Command{
	Use:   "headspa",
	Short: "Head-spa chat CLI",
	Long:  "Command-line interface for the head-spa chat backend.\nManage configuration, browse conversations and chat live.",
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debugLogging, "debug", false, "Enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
