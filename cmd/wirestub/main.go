// wirestub CLI - command-line interface for the wirestub wire server.
package main

import "github.com/wirestub/wirestub/pkg/cli"

// Build-time variables set via ldflags
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	cli.Version = version
	cli.Commit = commit
	cli.BuildDate = buildDate
	cli.Execute()
}
