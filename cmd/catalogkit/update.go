package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/obentoo/catalogkit/internal/common/output"
	"github.com/obentoo/catalogkit/internal/update"
)

var (
	updateOpts     checkFlags
	updateDryRun   bool
	updateNoBackup bool
	updateJSON     bool
)

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Check, plan and apply catalog updates",
	Long: `Check the workspace, plan the updates and write the new ranges to
pnpm-workspace.yaml. Range operators are kept: ^4.17.20 becomes ^4.17.21.
Packages with version conflicts are skipped unless --force is given.

Examples:
  catalogkit update --dry-run     Show what would change
  catalogkit update               Apply all planned updates
  catalogkit update --force       Also apply conflicting packages
  catalogkit update --no-backup   Do not write a backup first`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.close()

		plan, err := buildPlan(cmd, a, &updateOpts, updateJSON)
		if err != nil {
			return err
		}

		result := a.executor().Execute(ctx, *plan, update.ExecuteOptions{
			DryRun:       updateDryRun,
			Force:        updateOpts.force,
			CreateBackup: a.cfg.Update.Backup && !updateNoBackup,
		})
		return reportResult(cmd, result, updateJSON)
	},
}

// reportResult prints result and turns a failed execution into an error
func reportResult(cmd *cobra.Command, result *update.UpdateResult, asJSON bool) error {
	if asJSON {
		if err := output.PrintJSON(cmd.OutOrStdout(), result); err != nil {
			return err
		}
	} else {
		renderResult(cmd.OutOrStdout(), result)
	}
	if !result.Success {
		return fmt.Errorf("update failed: pnpm-workspace.yaml was not saved")
	}
	return nil
}

func init() {
	updateOpts.bind(updateCmd)
	updateCmd.Flags().BoolVar(&updateOpts.force, "force", false, "Apply updates of conflicting packages")
	updateCmd.Flags().BoolVarP(&updateDryRun, "dry-run", "n", false, "Show changes without writing them")
	updateCmd.Flags().BoolVar(&updateNoBackup, "no-backup", false, "Do not back up pnpm-workspace.yaml")
	updateCmd.Flags().BoolVar(&updateJSON, "json", false, "Print JSON")
	rootCmd.AddCommand(updateCmd)
}
