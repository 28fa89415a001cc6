package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "whiteboard-hub",
	Short: "Whiteboard hub: room lifecycle, WebSocket collaboration relay",
	Long:  `HTTP + WebSocket API. Commands: api, migrate, migrate-create, seed.`,
	RunE:  runAPI, // default: run API (same as "whiteboard-hub api")
}

func init() {
	rootCmd.AddCommand(apiCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(seedCmd)
}

// Execute runs the root command and returns the error (for main to log.Fatal).
func Execute() error {
	return rootCmd.Execute()
}
