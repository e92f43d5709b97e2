package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/obentoo/catalogkit/internal/common/logger"
	"github.com/obentoo/catalogkit/internal/registry"
	"github.com/obentoo/catalogkit/internal/workspace"
)

var completionCmd = &cobra.Command{
	Use:   "completion <shell>",
	Short: "Print a shell completion script",
	Long: `Print a completion script for bash, zsh, fish or powershell.

Besides commands and flags, the scripts complete --target values and the
catalog names declared by the current workspace for --catalog.

Try it in the current shell:
  source <(catalogkit completion bash)
  catalogkit completion fish | source
  catalogkit completion powershell | Out-String | Invoke-Expression

Install it for new shells:
  catalogkit completion bash > ~/.local/share/bash-completion/completions/catalogkit
  catalogkit completion zsh > "${fpath[1]}/_catalogkit"
  catalogkit completion fish > ~/.config/fish/completions/catalogkit.fish

zsh needs compinit loaded in ~/.zshrc for the script to take effect.`,
	Example: `  catalogkit completion zsh > ~/.zfunc/_catalogkit
  catalogkit check --catalog <TAB>`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		w := cmd.OutOrStdout()
		switch args[0] {
		case "bash":
			return rootCmd.GenBashCompletionV2(w, true)
		case "zsh":
			return rootCmd.GenZshCompletion(w)
		case "fish":
			return rootCmd.GenFishCompletion(w, true)
		default:
			return rootCmd.GenPowerShellCompletionWithDesc(w)
		}
	},
}

// completeTargets offers the update targets accepted by --target
func completeTargets(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	out := make([]string, 0, len(registry.Targets))
	for _, t := range registry.Targets {
		out = append(out, string(t))
	}
	return out, cobra.ShellCompDirectiveNoFileComp
}

// completeCatalogs offers the catalogs of the workspace named by --workspace
// or found above the working directory. Errors yield no suggestions.
func completeCatalogs(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	root, err := resolveRoot()
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	repo := workspace.NewRepository(root, workspace.WithLogger(logger.Discard()))
	defer repo.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ws, err := repo.Load(ctx)
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	return ws.CatalogNames(), cobra.ShellCompDirectiveNoFileComp
}

func init() {
	rootCmd.AddCommand(completionCmd)
}
