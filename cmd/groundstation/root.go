package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "groundstation",
	Short: "CanSat ground station",
	Long:  "groundstation ingests CanSat telemetry from a serial link, serves it live and uplinks commands.",
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(portsCmd)
	rootCmd.AddCommand(scriptCmd)
	rootCmd.AddCommand(replayCmd)
}
