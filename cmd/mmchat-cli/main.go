// Command mmchat-cli is a terminal client of the mmchat relay built on the sync engine.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ageniuscoder/mmchat/msgsync/internal/config"
	"github.com/ageniuscoder/mmchat/msgsync/internal/logging"
)

type globals struct {
	cfg      config.Config
	user     string
	token    string
	logLevel string
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	g := &globals{}
	cmd := &cobra.Command{
		Use:           "mmchat-cli",
		Short:         "Terminal client for mmchat seller messaging",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			g.cfg = cfg
			level := g.logLevel
			if level == "" {
				level = cfg.LogLevel
			}
			logging.Init(logging.Config{Level: level, Format: "console", Output: os.Stderr})
			return nil
		},
	}
	cmd.PersistentFlags().StringVarP(&g.user, "user", "u", "", "local user id")
	cmd.PersistentFlags().StringVar(&g.token, "token", "", "relay token (minted from JWT_SECRET when empty)")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	cmd.AddCommand(tokenCmd(g), inboxCmd(g), chatCmd(g))
	return cmd
}
