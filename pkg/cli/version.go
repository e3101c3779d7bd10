package cli

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"

	"github.com/wirestub/wirestub/pkg/cli/internal/output"
)

// VersionOutput represents JSON output format
type VersionOutput struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
	Go      string `json:"go"`
	OS      string `json:"os"`
	Arch    string `json:"arch"`
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show wirestub version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := resolveVersion()

		if jsonOutput {
			return output.JSON(out)
		}

		fmt.Printf("wirestub %s (%s, %s)\n", displayVersion(out.Version), out.Commit, out.Date)
		fmt.Printf("%s %s/%s\n", out.Go, out.OS, out.Arch)
		return nil
	},
}

// resolveVersion starts from the ldflags-injected values and fills in
// whatever the embedded build info can supply for unstamped builds.
func resolveVersion() VersionOutput {
	out := VersionOutput{
		Version: Version,
		Commit:  Commit,
		Date:    BuildDate,
		Go:      runtime.Version(),
		OS:      runtime.GOOS,
		Arch:    runtime.GOARCH,
	}

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return out
	}

	if out.Version == "dev" {
		out.Version = info.Main.Version
	}

	dirty := false
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if out.Commit == "none" {
				out.Commit = s.Value
			}
		case "vcs.time":
			if out.Date == "unknown" {
				out.Date = s.Value
			}
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if dirty {
		out.Commit += "-dirty"
	}

	return out
}

// displayVersion prepends "v" to release versions so the banner reads
// "wirestub v1.2.3", leaving dev builds alone.
func displayVersion(v string) string {
	if v == "" || v == "dev" || v == "(devel)" || v[0] == 'v' {
		return v
	}
	return "v" + v
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
