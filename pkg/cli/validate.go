package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wirestub/wirestub/pkg/cli/internal/output"
	"github.com/wirestub/wirestub/pkg/script"
)

// validateResult is the report row for one script file.
type validateResult struct {
	File      string `json:"file"`
	Valid     bool   `json:"valid"`
	Mode      string `json:"mode,omitempty"`
	Responses int    `json:"responses,omitempty"`
	Rules     int    `json:"rules,omitempty"`
	Error     string `json:"error,omitempty"`
}

var validateCmd = &cobra.Command{
	Use:   "validate <script>...",
	Short: "Validate response scripts without serving them",
	Long: `Validate one or more script files: syntax, field values, socket policy
names, durations, body files, and rule predicates. Exits non-zero when
any file is invalid.`,
	Example: `  # Validate a single script
  wirestub validate faults.yaml

  # Validate several scripts with a machine-readable report
  wirestub validate --json one.yaml two.json`,
	Args: cobra.MinimumNArgs(1),
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(_ *cobra.Command, args []string) error {
	results := make([]validateResult, 0, len(args))
	invalid := 0

	for _, path := range args {
		r := validateScript(path)
		if !r.Valid {
			invalid++
		}
		results = append(results, r)
	}

	if jsonOutput {
		if err := output.JSON(results); err != nil {
			return err
		}
	} else {
		for _, r := range results {
			if r.Valid {
				what := fmt.Sprintf("%d responses", r.Responses)
				if r.Mode == "rules" {
					what = fmt.Sprintf("%d rules", r.Rules)
				}
				fmt.Printf("%s: OK (%s, %s)\n", r.File, r.Mode, what)
			} else {
				fmt.Printf("%s: INVALID: %s\n", r.File, r.Error)
			}
		}
	}

	if invalid > 0 {
		return fmt.Errorf("%d of %d scripts invalid", invalid, len(args))
	}
	return nil
}

// validateScript loads a script and additionally builds its dispatcher,
// catching what validation alone cannot see (missing body files, rule
// predicates that do not compile).
func validateScript(path string) validateResult {
	r := validateResult{File: path}

	s, err := script.Load(path)
	if err != nil {
		r.Error = err.Error()
		return r
	}
	if _, err := s.Dispatcher(); err != nil {
		r.Error = err.Error()
		return r
	}

	r.Valid = true
	if len(s.Rules) > 0 {
		r.Mode = "rules"
		r.Rules = len(s.Rules)
	} else {
		r.Mode = "queue"
		r.Responses = len(s.Responses)
	}
	return r
}
