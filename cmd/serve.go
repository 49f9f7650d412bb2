package cmd

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/buildguard/scanpipe/internal/webapp"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the CSV upload server and background job worker",
	Long: `Runs the HTTP submission surface: CSV uploads are accepted and persisted,
and a single background worker scans queued uploads one at a time. With
auto-resume enabled, uploads interrupted by a previous shutdown are
re-queued at startup; an optional cron schedule periodically enqueues all
pending uploads.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		deps, err := buildRuntime()
		if err != nil {
			return err
		}
		defer deps.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := deps.ws.CleanupStaleWorktrees(ctx); err != nil {
			slog.Warn("Startup worktree cleanup failed", "error", err)
		}

		server, err := webapp.NewServer(deps.cfg, deps.store, deps.processor)
		if err != nil {
			return err
		}
		return server.Start(ctx)
	},
}
