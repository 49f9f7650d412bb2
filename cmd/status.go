package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/buildguard/scanpipe/internal/checkpoint"
	"github.com/buildguard/scanpipe/internal/config"
)

var statusPendingLimit int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show checkpoint progress and per-repo commit counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		store, err := checkpoint.Open(cfg.Work.CheckpointFile)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := context.Background()
		progress := store.Progress(ctx, nil)
		fmt.Printf("Checkpoint: %s\n", store.Path())
		fmt.Printf("Commits: total=%d processed=%d failed=%d pending=%d\n",
			progress["total"],
			progress[checkpoint.StatusProcessed],
			progress[checkpoint.StatusFailed],
			progress[checkpoint.StatusPending])

		if summary := store.RepoSummary(ctx); len(summary) > 0 {
			fmt.Println("\nPer repository:")
			for _, r := range summary {
				fmt.Printf("  %-40s total=%-6d processed=%-6d failed=%-6d pending=%d\n",
					r.RepoName, r.Total, r.Processed, r.Failed, r.Pending)
			}
		}

		if pending := store.PendingCommits(ctx, statusPendingLimit); len(pending) > 0 {
			fmt.Println("\nPending commits (oldest first):")
			for _, p := range pending {
				fmt.Printf("  %s  %s\n", p.CommitSHA, p.RepoName)
			}
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().IntVar(&statusPendingLimit, "pending-limit", 20,
		"max pending commits to list")
}
