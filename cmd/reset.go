package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/buildguard/scanpipe/internal/checkpoint"
	"github.com/buildguard/scanpipe/internal/config"
)

var resetUploads bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear PENDING commits left by an aborted run",
	Long: `Deletes PENDING rows from the checkpoint so those commits can be claimed
again. PENDING rows are normally resumed in place on the next run; reset is
for the rare case where a half-finished attempt should be thrown away
entirely. Never runs automatically.`,
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
		before := store.Progress(ctx, nil)[checkpoint.StatusPending]
		if err := store.ResetPending(ctx); err != nil {
			return err
		}
		fmt.Printf("Cleared %d pending commits\n", before)

		if resetUploads {
			if err := store.ResetUploadStates(ctx); err != nil {
				return err
			}
			fmt.Println("Reset queued/running uploads back to uploaded")
		}
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetUploads, "uploads", false,
		"also reset queued/running uploads back to uploaded")
}
