// Package cli implements the fleet command-line interface using Cobra.
// Commands other than serve talk to a running daemon over its HTTP API.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "fleet",
	Short: "fleet — route inference across local AI backends",
	Long: `fleet is a distributed inference router.
It discovers Ollama-style backends on your network, tracks their health
and resources, and routes generate requests to the best node.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
