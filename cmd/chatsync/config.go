package main

import (
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var configShowFile bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configShowCmd.Flags().BoolVar(&configShowFile, "file", false, "print the config file as stored, without environment overrides")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or change the session and engine settings",
	Long: "The [server] section holds the connection settings, the [engine] section the\n" +
		"sync engine settings. CHATSYNC_* environment variables override both.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}

		cfg, err := readConfigFile()
		if err != nil {
			return err
		}
		var overrides []string
		if !configShowFile {
			overrides = applyEnv(cfg)
		}

		data, err := toml.Marshal(cfg.masked())
		if err != nil {
			return errors.Wrap(err, "cannot render config")
		}
		fmt.Printf("# %s\n", path)
		for _, env := range overrides {
			fmt.Printf("# overridden by %s\n", env)
		}
		fmt.Print(string(data))

		if err := validateConfig(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
		if cfg.Engine.ViewerID == "" {
			fmt.Fprintln(os.Stderr, "Warning: no viewer id. Run 'chatsync init <token> --viewer <id>'.")
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <section.field> <value>",
	Short: "Set and validate a configuration value",
	Long: "Set a configuration value using dot notation. The file is only written when\n" +
		"the resulting engine settings are valid.\n" +
		"Example: chatsync config set engine.send_timeout 15s",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		// Environment overrides are never written back.
		cfg, err := readConfigFile()
		if err != nil {
			return errors.Wrap(err, "failed to load config")
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := validateConfig(cfg); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return errors.Wrap(err, "failed to save config")
		}

		if isSecret(key) {
			value = maskKey(value)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
