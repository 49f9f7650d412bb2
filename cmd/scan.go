package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var scanCmd = &cobra.Command{
	Use:   "scan [csv-file]",
	Short: "Process a CSV of (repository, commit) rows in batches",
	Long: `Reads the CSV in batches, prepares one mirror per repository, then scans
each commit with the configured concurrency. Commits already recorded as
processed or failed in the checkpoint are skipped, so re-running the same
file after an interruption only does the remaining work.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		deps, err := buildRuntime()
		if err != nil {
			return err
		}
		defer deps.Close()

		csvPath := deps.cfg.Scan.InputCSV
		if len(args) == 1 {
			csvPath = args[0]
		}
		if csvPath == "" {
			return fmt.Errorf("no CSV file given and scan.input_csv is empty")
		}

		if err := deps.processor.CheckDependencies(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := deps.ws.CleanupStaleWorktrees(ctx); err != nil {
			slog.Warn("Startup worktree cleanup failed", "error", err)
		}

		if err := deps.processor.ProcessCSV(ctx, csvPath); err != nil {
			return err
		}

		stats := deps.store.Stats(ctx)
		fmt.Printf("Done. processed=%d failed=%d pending=%d\n",
			stats["PROCESSED"], stats["FAILED"], stats["PENDING"])
		return nil
	},
}
