package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/obentoo/catalogkit/internal/common/output"
	"github.com/obentoo/catalogkit/internal/registry"
	"github.com/obentoo/catalogkit/internal/update"
)

// checkFlags are the selection flags shared by check, plan and update
type checkFlags struct {
	catalog    string
	target     string
	prerelease bool
	include    []string
	exclude    []string
	noSecurity bool
	force      bool
}

func (f *checkFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.catalog, "catalog", "c", "", "Only check this catalog")
	cmd.Flags().StringVarP(&f.target, "target", "t", "", "Update target: latest, greatest, newest, minor or patch")
	cmd.Flags().BoolVar(&f.prerelease, "prerelease", false, "Consider prerelease versions")
	cmd.Flags().StringSliceVar(&f.include, "include", nil, "Only check packages matching these globs")
	cmd.Flags().StringSliceVar(&f.exclude, "exclude", nil, "Skip packages matching these globs")
	cmd.Flags().BoolVar(&f.noSecurity, "no-security", false, "Skip vulnerability lookups")
	_ = cmd.RegisterFlagCompletionFunc("catalog", completeCatalogs)
	_ = cmd.RegisterFlagCompletionFunc("target", completeTargets)
}

func (f *checkFlags) options() (update.CheckOptions, error) {
	opts := update.CheckOptions{
		Catalog:           f.catalog,
		IncludePrerelease: f.prerelease,
		Include:           f.include,
		Exclude:           f.exclude,
		SkipSecurity:      f.noSecurity,
		Force:             f.force,
	}
	if f.target != "" {
		t, err := registry.ParseTarget(f.target)
		if err != nil {
			return opts, err
		}
		opts.Target = t
	}
	return opts, nil
}

// runCheck checks the workspace, reporting progress on stderr when it is a
// terminal and the output is not JSON
func runCheck(ctx context.Context, a *app, f *checkFlags, asJSON bool) (*update.OutdatedReport, error) {
	opts, err := f.options()
	if err != nil {
		return nil, err
	}
	if !asJSON && !quiet && output.IsTerminal() {
		opts.OnProgress = func(completed, total int) {
			fmt.Fprintf(os.Stderr, "\rChecking %d/%d", completed, total)
			if completed == total {
				fmt.Fprint(os.Stderr, "\r\033[K")
			}
		}
	}
	return a.checker().Check(ctx, opts)
}

var (
	checkOpts checkFlags
	checkJSON bool
)

var checkCmd = &cobra.Command{
	Use:   "check [package]",
	Short: "Report outdated catalog entries",
	Long: `Resolve every catalog entry against the registry and report the ones
with a newer version for the selected target.

Examples:
  catalogkit check                       Check every catalog
  catalogkit check --catalog react17     Check one catalog
  catalogkit check --target minor        Stay within the current major
  catalogkit check --include "@types/*"  Only check matching packages
  catalogkit check typescript            Check one package in all catalogs
  catalogkit check --json                Print the report as JSON`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.close()

		if len(args) == 1 {
			opts, err := checkOpts.options()
			if err != nil {
				return err
			}
			infos, err := a.checker().CheckPackage(ctx, args[0], opts)
			if err != nil {
				return err
			}
			if checkJSON {
				return output.PrintJSON(cmd.OutOrStdout(), infos)
			}
			report := &update.OutdatedReport{
				TotalCatalogs: len(a.ws.CatalogsWith(args[0])),
				TotalPackages: len(a.ws.CatalogsWith(args[0])),
				OutdatedCount: len(infos),
				HasUpdates:    len(infos) > 0,
			}
			for _, info := range infos {
				report.Catalogs = append(report.Catalogs, update.CatalogReport{
					CatalogName: info.CatalogName,
					Outdated:    []update.OutdatedDependencyInfo{info},
				})
			}
			renderReport(cmd.OutOrStdout(), report)
			return nil
		}

		report, err := runCheck(ctx, a, &checkOpts, checkJSON)
		if err != nil {
			return err
		}
		if checkJSON {
			return output.PrintJSON(cmd.OutOrStdout(), report)
		}
		renderReport(cmd.OutOrStdout(), report)
		return nil
	},
}

func init() {
	checkOpts.bind(checkCmd)
	checkCmd.Flags().BoolVar(&checkOpts.force, "force", false, "Also check packages the policy skips")
	checkCmd.Flags().BoolVar(&checkJSON, "json", false, "Print JSON")
	rootCmd.AddCommand(checkCmd)
}
