package main

import (
	"github.com/spf13/cobra"

	"github.com/obentoo/catalogkit/internal/common/output"
	"github.com/obentoo/catalogkit/internal/update"
)

var (
	planOpts checkFlags
	planSave bool
	planJSON bool
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Plan catalog updates without applying them",
	Long: `Check the workspace and turn the outdated entries into an update plan:
synchronised packages converge on one version and conflicting targets are
resolved by catalog priority.

Examples:
  catalogkit plan                 Show the plan
  catalogkit plan --save          Store the plan for 'catalogkit apply'
  catalogkit plan --target patch  Plan patch updates only
  catalogkit plan --json          Print the plan as JSON`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.close()

		plan, err := buildPlan(cmd, a, &planOpts, planJSON)
		if err != nil {
			return err
		}

		if planSave {
			store, err := a.planStore()
			if err != nil {
				return err
			}
			if _, err := store.Save(plan, a.root); err != nil {
				return err
			}
			a.log.Info("plan %s saved to %s", plan.ID, store.Path())
		}

		if planJSON {
			return output.PrintJSON(cmd.OutOrStdout(), plan)
		}
		renderPlan(cmd.OutOrStdout(), plan)
		if planSave {
			output.Info.Fprintln(cmd.OutOrStdout(), "Run 'catalogkit apply' to apply the saved plan")
		}
		return nil
	},
}

// buildPlan runs a check and plans its outdated entries
func buildPlan(cmd *cobra.Command, a *app, f *checkFlags, asJSON bool) (*update.UpdatePlan, error) {
	report, err := runCheck(cmd.Context(), a, f, asJSON)
	if err != nil {
		return nil, err
	}
	for _, failure := range report.Failures {
		a.log.Warn("%s not planned: %s", failure.Package, failure.Error)
	}
	opts, _ := f.options()
	target := opts.Target
	if target == "" {
		target = a.policy.DefaultTarget()
	}
	return a.planner().Plan(cmd.Context(), a.ws, report, target)
}

func init() {
	planOpts.bind(planCmd)
	planCmd.Flags().BoolVar(&planSave, "save", false, "Store the plan for 'catalogkit apply'")
	planCmd.Flags().BoolVar(&planJSON, "json", false, "Print JSON")
	rootCmd.AddCommand(planCmd)
}
