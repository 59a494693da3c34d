// Package main provides the CLI entry point for the subfile exchange node
//
// This CLI tool provides commands for:
//   - File operations (publish, fetch, validate)
//   - Server management (serve chunks over libp2p and HTTP)
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
