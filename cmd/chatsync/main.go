package main

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/LuminPulse-AI/chatsync"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatsync/config.toml.
type Config struct {
	Server ConfigServer    `toml:"server"`
	Engine chatsync.Config `toml:"engine"`
}

// ConfigServer holds the connection settings of the chat backend.
type ConfigServer struct {
	BaseURL       string `toml:"base_url"`
	Token         string `toml:"token"`
	Transport     string `toml:"transport"`
	WebhookSecret string `toml:"webhook_secret"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.chatsync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "cannot determine home directory")
	}
	dir := filepath.Join(home, ".chatsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", errors.Wrap(err, "cannot create config directory")
	}
	return dir, nil
}

// configPath returns the full path to the config file, honoring --config.
func configPath() (string, error) {
	if flagConfig != "" {
		return flagConfig, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig returns the effective configuration: the config file with
// CHATSYNC_* overrides from the environment (and a .env file, if present)
// applied on top.
func loadConfig() (*Config, error) {
	cfg, err := readConfigFile()
	if err != nil {
		return nil, err
	}
	applyEnv(cfg)
	return cfg, nil
}

// readConfigFile reads and parses the config file alone. If the file does
// not exist, it returns a zero-value Config.
func readConfigFile() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, errors.Wrap(err, "cannot read config")
	default:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(err, "cannot parse config")
		}
	}
	return cfg, nil
}

// applyEnv overrides cfg from CHATSYNC_* variables and returns the names of
// the variables it applied, sorted.
func applyEnv(cfg *Config) []string {
	if err := godotenv.Load(".env"); err != nil && !os.IsNotExist(err) {
		jww.DEBUG.Printf("[SYNC] Ignoring .env: %v", err)
	}
	var applied []string
	for env, dst := range map[string]*string{
		"CHATSYNC_BASE_URL":       &cfg.Server.BaseURL,
		"CHATSYNC_TOKEN":          &cfg.Server.Token,
		"CHATSYNC_TRANSPORT":      &cfg.Server.Transport,
		"CHATSYNC_WEBHOOK_SECRET": &cfg.Server.WebhookSecret,
		"CHATSYNC_VIEWER_ID":      &cfg.Engine.ViewerID,
		"CHATSYNC_LOG_LEVEL":      &cfg.Engine.LogLevel,
	} {
		if v := os.Getenv(env); v != "" {
			*dst = v
			applied = append(applied, env)
		}
	}
	sort.Strings(applied)
	return applied
}

// validateConfig checks the engine section the way the engine will. The
// viewer may still be unset while the file is being written.
func validateConfig(cfg *Config) error {
	engine := cfg.Engine
	if engine.ViewerID == "" {
		engine.ViewerID = "unset"
	}
	if err := engine.Validate(); err != nil {
		return errors.Wrap(err, "invalid [engine] section")
	}
	return nil
}

// masked returns a copy of cfg with its secrets masked for display.
func (c Config) masked() Config {
	if c.Server.Token != "" {
		c.Server.Token = maskKey(c.Server.Token)
	}
	if c.Server.WebhookSecret != "" {
		c.Server.WebhookSecret = maskKey(c.Server.WebhookSecret)
	}
	return c
}

// isSecret reports whether the dotted key holds a credential.
func isSecret(key string) bool {
	return key == "server.token" || key == "server.webhook_secret"
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "cannot marshal config")
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errors.Wrap(err, "cannot write config")
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "server.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return errors.New("key must use dot notation: section.field (e.g. server.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "server":
		switch field {
		case "base_url":
			cfg.Server.BaseURL = value
		case "token":
			cfg.Server.Token = value
		case "transport":
			if value != "ws" && value != "sse" {
				return errors.New("transport must be ws or sse")
			}
			cfg.Server.Transport = value
		case "webhook_secret":
			cfg.Server.WebhookSecret = value
		default:
			return errors.Errorf("unknown field %q in section [server]", field)
		}
	case "engine":
		e := &cfg.Engine
		switch field {
		case "viewer_id":
			e.ViewerID = value
		case "media_base_url":
			e.MediaBaseURL = value
		case "log_level":
			e.LogLevel = value
		case "send_timeout":
			return e.SendTimeout.UnmarshalText([]byte(value))
		case "echo_window":
			return e.EchoWindow.UnmarshalText([]byte(value))
		case "page_size", "bus_size":
			n, err := strconv.Atoi(value)
			if err != nil {
				return errors.Wrapf(err, "%s must be an integer", field)
			}
			if field == "page_size" {
				e.PageSize = n
			} else {
				e.BusSize = n
			}
		default:
			return errors.Errorf("unknown field %q in section [engine]", field)
		}
	default:
		return errors.Errorf("unknown config section %q (valid: server, engine)", section)
	}
	return nil
}

// ============================================================================
// Logging
// ============================================================================

// setupLogging routes jww output to stderr at the configured level.
func setupLogging(level string) {
	threshold := jww.LevelInfo
	switch level {
	case "trace":
		threshold = jww.LevelTrace
	case "debug":
		threshold = jww.LevelDebug
	case "warn":
		threshold = jww.LevelWarn
	case "error":
		threshold = jww.LevelError
	}
	if flagVerbose {
		threshold = jww.LevelDebug
	}
	jww.SetLogOutput(os.Stderr)
	jww.SetStdoutOutput(os.Stderr)
	jww.SetLogThreshold(threshold)
	jww.SetStdoutThreshold(threshold)
}

// ============================================================================
// Root command
// ============================================================================

var (
	flagConfig  string
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Chat message sync CLI",
	Long: "Command-line interface for the chatsync engine.\n" +
		"Load history, send messages optimistically, watch real-time events and replay event logs.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default ~/.chatsync/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "log engine activity at debug level")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
