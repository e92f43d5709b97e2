package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/obentoo/catalogkit/internal/common/logger"
	"github.com/obentoo/catalogkit/internal/common/output"
	"github.com/obentoo/catalogkit/internal/common/version"
)

var (
	verbose      bool
	quiet        bool
	noColor      bool
	logFile      bool
	workspaceDir string
)

var rootCmd = &cobra.Command{
	Use:   "catalogkit",
	Short: "Keep pnpm catalogs up to date",
	Long: `Check the version ranges declared in the catalogs of a pnpm workspace
against the npm registry, plan conflict-free updates across catalogs and
write them back to pnpm-workspace.yaml.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if verbose {
			logger.SetVerbose(true)
		}
		if quiet {
			logger.SetQuiet(true)
		}
		if noColor {
			output.NoColor()
		}
		if logFile {
			if err := logger.Default().EnableFileLogging(); err != nil {
				return fmt.Errorf("enabling file log: %w", err)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.Version = version.Short()
	rootCmd.SetVersionTemplate(version.Info() + "\n")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Suppress non-error output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVar(&logFile, "log-file", false, "Also write logs to the state directory")
	rootCmd.PersistentFlags().StringVarP(&workspaceDir, "workspace", "w", "", "Workspace root (default: nearest directory with pnpm-workspace.yaml)")
}

func main() {
	err := rootCmd.Execute()
	logger.Default().Close()
	if err != nil {
		output.PrintError("%v", err)
		os.Exit(1)
	}
}
