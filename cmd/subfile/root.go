// Package main provides the CLI commands for the subfile exchange node
package main

import (
	"github.com/spf13/cobra"

	"subfileExchange/cmd/subfile/file"
)

var (
	// Version information (set via ldflags during build)
	version = "1.0.0"
	commit  = "unknown"
	date    = "unknown"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "subfile",
	Short: "Subfile exchange node",
	Long: `A CLI tool for chunked, content-addressed file exchange.

Files are split into fixed-size chunks described by a manifest whose
content id is a CID. Chunks are served over libp2p and HTTP and each
request carries a payment receipt.

This tool provides commands for:
  • File operations (publish, fetch, validate)
  • Server management`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to configuration file")

	// Register file commands
	rootCmd.AddCommand(file.FileCmd)
}
