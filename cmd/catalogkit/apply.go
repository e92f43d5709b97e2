package main

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/obentoo/catalogkit/internal/common/output"
	"github.com/obentoo/catalogkit/internal/update"
)

var (
	applyDryRun   bool
	applyForce    bool
	applyNoBackup bool
	applyJSON     bool
	applyShow     bool
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply the plan saved with 'catalogkit plan --save'",
	Long: `Apply the pending updates of the saved plan and record the outcome of
each one. Updates already applied, skipped or failed are not retried.

Examples:
  catalogkit apply --show       Show the saved plan and item states
  catalogkit apply --dry-run    Show what would change
  catalogkit apply              Apply the pending updates
  catalogkit apply --force      Also apply conflicting packages`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.close()

		store, err := a.planStore()
		if err != nil {
			return err
		}
		stored, err := store.Load()
		if err != nil {
			if errors.Is(err, update.ErrNoPlan) {
				return fmt.Errorf("%w: run 'catalogkit plan --save' first", err)
			}
			return err
		}
		if filepath.Clean(stored.WorkspaceRoot) != filepath.Clean(a.root) {
			return fmt.Errorf("saved plan belongs to %s, not %s", stored.WorkspaceRoot, a.root)
		}

		if applyShow {
			return showStored(cmd, stored)
		}

		pending := stored.Pending()
		if pending.TotalUpdates == 0 {
			output.Success.Fprintln(cmd.OutOrStdout(), "✓ Nothing left to apply")
			return nil
		}

		result := a.executor().Execute(ctx, pending, update.ExecuteOptions{
			DryRun:       applyDryRun,
			Force:        applyForce,
			CreateBackup: a.cfg.Update.Backup && !applyNoBackup,
		})
		if _, err := store.Record(result); err != nil {
			a.log.Warn("failed to record plan outcome: %v", err)
		}
		return reportResult(cmd, result, applyJSON)
	},
}

func showStored(cmd *cobra.Command, stored *update.StoredPlan) error {
	if applyJSON {
		return output.PrintJSON(cmd.OutOrStdout(), stored)
	}
	w := cmd.OutOrStdout()
	renderPlan(w, &stored.Plan)

	t := newTable(w, "Catalog", "Package", "Version", "Status", "Note")
	for _, item := range stored.Items {
		t.Append([]string{item.CatalogName, item.PackageName, item.NewVersion, statusColor(item.Status).Sprint(item.Status), item.Error})
	}
	t.Render()
	return nil
}

// statusColor returns the color for a stored item status
func statusColor(status update.ItemStatus) *color.Color {
	switch status {
	case update.StatusPending:
		return output.Warning
	case update.StatusApplied:
		return output.Success
	case update.StatusFailed:
		return output.Error
	default:
		return output.Dim
	}
}

func init() {
	applyCmd.Flags().BoolVarP(&applyDryRun, "dry-run", "n", false, "Show changes without writing them")
	applyCmd.Flags().BoolVar(&applyForce, "force", false, "Apply updates of conflicting packages")
	applyCmd.Flags().BoolVar(&applyNoBackup, "no-backup", false, "Do not back up pnpm-workspace.yaml")
	applyCmd.Flags().BoolVar(&applyJSON, "json", false, "Print JSON")
	applyCmd.Flags().BoolVar(&applyShow, "show", false, "Show the saved plan instead of applying it")
	rootCmd.AddCommand(applyCmd)
}
