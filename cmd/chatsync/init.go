package main

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/chatsync"
)

var (
	initViewer  string
	initBaseURL string
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initViewer, "viewer", "", "id of the logged-in user (required)")
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "chat API root (default "+chatsync.DefaultBaseURL+")")
	_ = initCmd.MarkFlagRequired("viewer")
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store the auth token and viewer id in ~/.chatsync/config.toml",
	Long:  "Initialize the chatsync CLI by storing your session token and user id in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfigFile()
		if err != nil {
			return errors.Wrap(err, "failed to load config")
		}

		cfg.Server.Token = args[0]
		cfg.Engine.ViewerID = initViewer
		if initBaseURL != "" {
			cfg.Server.BaseURL = initBaseURL
		}
		if cfg.Server.BaseURL == "" {
			cfg.Server.BaseURL = chatsync.DefaultBaseURL
		}
		if cfg.Server.Transport == "" {
			cfg.Server.Transport = "ws"
		}

		if err := saveConfig(cfg); err != nil {
			return errors.Wrap(err, "failed to save config")
		}

		path, _ := configPath()
		fmt.Printf("Session saved to %s\n", path)
		return nil
	},
}
