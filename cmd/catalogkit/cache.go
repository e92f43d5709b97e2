package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/obentoo/catalogkit/internal/common/config"
	"github.com/obentoo/catalogkit/internal/common/logger"
	"github.com/obentoo/catalogkit/internal/common/output"
)

var cacheJSON bool

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or clear the response cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show the persisted response cache",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if !cfg.Cache.Enabled {
			output.Warning.Fprintln(cmd.OutOrStdout(), "Response cache is disabled")
			return nil
		}

		c, err := openCache(cfg, logger.Default())
		if err != nil {
			return err
		}
		defer c.Destroy()
		c.WaitLoaded()
		stats := c.Stats()

		if cacheJSON {
			return output.PrintJSON(cmd.OutOrStdout(), stats)
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Entries: %s\n", humanize.Comma(int64(stats.Entries)))
		fmt.Fprintf(w, "Size:    %s of %s\n", humanize.Bytes(uint64(stats.Bytes)), humanize.Bytes(uint64(cfg.Cache.MaxSizeBytes())))
		fmt.Fprintf(w, "TTL:     %s\n", cfg.Cache.TTL)
		if dir, err := config.CacheDir(); err == nil && cfg.Cache.Disk {
			fmt.Fprintf(w, "Path:    %s\n", filepath.Join(dir, "responses"))
		}
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every cached registry and advisory response",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		c, err := openCache(cfg, logger.Default())
		if err != nil {
			return err
		}
		c.WaitLoaded()
		n := c.Len()
		c.Clear()
		c.Destroy()

		// entries that expired on disk were never loaded
		dir, err := config.CacheDir()
		if err != nil {
			return err
		}
		if err := os.RemoveAll(filepath.Join(dir, "responses")); err != nil {
			return fmt.Errorf("removing cache directory: %w", err)
		}
		output.Success.Fprintf(cmd.OutOrStdout(), "✓ Cleared %s\n", pluralize(n, "cached response", "cached responses"))
		return nil
	},
}

func init() {
	cacheStatsCmd.Flags().BoolVar(&cacheJSON, "json", false, "Print JSON")
	cacheCmd.AddCommand(cacheStatsCmd, cacheClearCmd)
	rootCmd.AddCommand(cacheCmd)
}
