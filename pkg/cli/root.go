// Package cli provides the wirestub CLI commands.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// jsonOutput is the persistent --json flag shared by subcommands.
	jsonOutput bool

	// Version is injected during build
	Version = "dev"
	// Commit is injected during build
	Commit = "none"
	// BuildDate is injected during build
	BuildDate = "unknown"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "wirestub",
	Short: "wirestub is a scriptable protocol-level HTTP test server",
	Long: `wirestub serves scripted responses over real sockets so HTTP clients can
be exercised against exact wire behavior: malformed framing, chunked
transfer, interim responses, TLS and ALPN, HTTP/2 streams, connection
faults, and throttled transfers.

Responses come from a script file (YAML or JSON): either a FIFO queue
consumed one response per request, or an ordered rule set matched per
request. Every request attempt is recorded as observed on the wire.`,
	SilenceUsage:  true,
	SilenceErrors: true, // We handle errors in Execute()
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output command results in JSON format")
}
