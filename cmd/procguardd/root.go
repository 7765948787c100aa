package main

import (
	"github.com/spf13/cobra"
)

var (
	logLevel   string
	configFile string
)

// rootCmd is the base command every subcommand attaches to, following
// the same rootCmd-plus-init()-registration pattern prismctl's command
// tree uses.
var rootCmd = &cobra.Command{
	Use:   "procguardd",
	Short: "Safety-aware process management for developer workstations",
	Long: `procguardd finds, inspects, and terminates processes and the ports
they hold, while refusing to touch infrastructure processes, anything
spawned by this server itself without explicit override, or any process
with live children without an explicit tree operation.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "interactive log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to an optional YAML configuration file")
}
