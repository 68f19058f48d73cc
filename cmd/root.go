package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "realtime-relay",
	Short: "Realtime relay: WebSocket bridge to the upstream realtime service + sideband control",
	Long:  `HTTP + WebSocket API. Commands: api.`,
	RunE:  runAPI, // default: run API (same as "realtime-relay api")
}

func init() {
	rootCmd.AddCommand(apiCmd)
}

// Execute runs the root command and returns the error (for main to log.Fatal).
func Execute() error {
	return rootCmd.Execute()
}
