package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/obentoo/catalogkit/internal/common/output"
	"github.com/obentoo/catalogkit/internal/security"
)

var (
	safeEcosystem bool
	safeJSON      bool
)

var safeCmd = &cobra.Command{
	Use:   "safe <package> <version>",
	Short: "Find the nearest version without critical or high vulnerabilities",
	Long: `Report the advisories affecting a package version, then walk the newer
stable versions in ascending order until one has no critical or high
vulnerability.

Examples:
  catalogkit safe lodash 4.17.15              Find the nearest safe lodash
  catalogkit safe react-dom 18.2.0 --ecosystem Include dependencies and siblings`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		name, from := args[0], args[1]

		a, err := newApp(ctx, false)
		if err != nil {
			return err
		}
		defer a.close()

		var report *security.Report
		if safeEcosystem {
			report = a.osv.CheckEcosystem(ctx, name, from)
		} else {
			report = a.scanner.CheckVulnerabilities(ctx, name, from)
		}

		safe, err := a.osv.FindSafeVersion(ctx, name, from)
		if err != nil {
			return err
		}

		if safeJSON {
			return output.PrintJSON(cmd.OutOrStdout(), struct {
				Report *security.Report     `json:"report"`
				Safe   *security.SafeVersion `json:"safe"`
			}{report, safe})
		}

		w := cmd.OutOrStdout()
		renderVulnerabilities(w, name, from, report)
		fmt.Fprintln(w)
		renderSafeVersion(w, name, from, safe)
		return nil
	},
}

func init() {
	safeCmd.Flags().BoolVar(&safeEcosystem, "ecosystem", false, "Include advisories of dependencies and monorepo siblings")
	safeCmd.Flags().BoolVar(&safeJSON, "json", false, "Print JSON")
	rootCmd.AddCommand(safeCmd)
}
