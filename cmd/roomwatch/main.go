package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
	JSON       bool
}

func buildRoot() *cobra.Command {
	flags := &GlobalFlags{}
	root := createRootCommand(flags)
	root.AddCommand(
		createServeCommand(flags),
		createStatusCommand(flags),
		createStartCommand(flags),
		createStopCommand(flags),
		createMonitoringCommand(flags),
		createConsolidateCommand(flags),
		createSessionsCommand(flags),
		createCredentialsCommand(flags),
		createConfigCommand(flags),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "roomwatch",
		Short: "Live room connection fleet",
		Long: `roomwatch keeps connections open to the live rooms it monitors and
archives each broadcast as a session once the room goes offline.

Examples:
  roomwatch config init --path roomwatch.toml
  roomwatch serve --config roomwatch.toml
  roomwatch status
  roomwatch stop some_room`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "ops API base URL (default from config)")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 3*time.Minute, "ops API request timeout")
	root.PersistentFlags().BoolVar(&flags.JSON, "json", false, "print JSON instead of tables")
	return root
}
