package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/relay/cmd/relay/commands"
	"github.com/teranos/relay/logger"
)

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Relay - execution orchestration and live log streaming",
	Long: `Relay admits triggers, runs one external process per execution, and
streams process output live over WebSocket with reconnect-safe sequence
numbers.

Available commands:
  serve   - Start the relay server
  status  - Show engine status of a running server
  version - Show version information

Examples:
  relay serve                 # Start the server
  relay serve --db-path x.db  # Start with a custom database
  relay status                # Query a running server`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit logs as JSON instead of console format")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.StatusCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
