// Package cli implements the rolodex command line interface.
package cli

import (
	"github.com/spf13/cobra"
)

var configPath string

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "rolodex",
	Short: "Personal CRM over SMS and Telegram",
	Long: "Rolodex keeps a per-user contact sheet updated from plain-language\n" +
		"messages and nudges you when it is time to reach out to someone.",
	SilenceUsage: true,
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")
}
