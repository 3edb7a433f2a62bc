package main

import (
	"os"

	"github.com/spf13/cobra"
)

var cfgPath string

// rootCmd represents the base command when flasharr is invoked without a
// subcommand. Grounded on surge's cmd/root.go: a bare rootCmd plus child
// commands registered in init().
var rootCmd = &cobra.Command{
	Use:   "flasharr",
	Short: "flasharr orchestrates segmented downloads from premium file hosts",
	Long:  `flasharr resolves, fetches, and tracks downloads from configured upstream file-host credentials, exposing a JSON/SSE API for *arr-style tooling to drive.`,
}

// Execute adds all child commands to the root command and runs it. Called
// once by main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to flasharr.yaml (default: ./flasharr.yaml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
}
