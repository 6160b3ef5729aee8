package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every command
type GlobalFlags struct {
	ConfigPath string
	// API connection
	APIUrl     string
	APITimeout time.Duration
	JSON       bool
}

// buildRoot creates the root command with all subcommands attached
func buildRoot() *cobra.Command {
	flags := &GlobalFlags{}
	root := createRootCommand(flags)
	root.AddCommand(
		createServeCommand(flags),
		createStartCommand(flags),
		createRunningCommand(flags),
		createEventsCommand(flags),
		createGamesCommand(flags),
		createSettingsCommand(flags),
		createDOSBoxCommand(flags),
		createConfigCommand(),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "dosrun",
		Short: "DOSBox game launcher",
		Long: `dosrun keeps a catalog of DOS games, launches them in DOSBox and
records how long each one has been played.

Examples:
  dosrun serve --config=dosrun.toml   # Start daemon
  dosrun games add --title="Commander Keen" --config-path=games/keen/KEEN.conf
  dosrun start 1
  dosrun running
  dosrun events                       # Follow launcher events`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "daemon URL (default from config server.listen)")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	root.PersistentFlags().BoolVar(&flags.JSON, "json", false, "print JSON output")
	return root
}
