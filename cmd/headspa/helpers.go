package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	headspa "github.com/headspa-studio/headspa-sdk-go"
)

// newLogger builds the console logger used by every command.
func newLogger() zerolog.Logger {
	level := zerolog.WarnLevel
	if debugLogging {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().
		Timestamp().
		Logger()
}

// getClient creates a client authenticated with the configured token.
func getClient(cfg *Config, opts ...headspa.ClientOption) (*headspa.Client, error) {
	if cfg.Auth.Token == "" {
		return nil, fmt.Errorf("no token configured; run 'headspa init <token>' first")
	}
	all := []headspa.ClientOption{headspa.WithLogger(newLogger())}
	if cfg.Default.BaseURL != "" {
		all = append(all, headspa.WithBaseURL(cfg.Default.BaseURL))
	}
	all = append(all, opts...)
	return headspa.NewClient(cfg.Auth.Token, all...), nil
}

// currentUser returns the configured identity.
func currentUser(cfg *Config) (headspa.User, error) {
	if cfg.Auth.UserID == "" {
		return headspa.User{}, fmt.Errorf("no user id configured; run 'headspa config set auth.user_id <id>'")
	}
	return headspa.User{
		ID:        cfg.Auth.UserID,
		FirstName: cfg.Auth.FirstName,
		LastName:  cfg.Auth.LastName,
		Role:      headspa.Role(cfg.Auth.Role),
	}, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatMessage(m headspa.Message) string {
	status := ""
	if m.IsOptimistic {
		status = " (sending)"
	}
	return fmt.Sprintf("[%s] %s: %s%s", m.Timestamp.Local().Format("15:04"), m.Sender.DisplayName(), m.Content, status)
}

// maskKey shows the first 6 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:6] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
