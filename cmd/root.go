package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

// rootCmd is the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "scanpipe",
	Short: "Resumable batch SonarQube analysis over repository commit histories",
	Long: `scanpipe drives sonar-scanner over large CSV batches of (repository,
commit) pairs. Every commit is checkpointed in SQLite so interrupted runs
resume exactly where they stopped, fork-only commits are reconstructed from
GitHub patches, and finished analyses can be exported back out as CSV.

Get started:
  scanpipe scan       Process a CSV of commits from the command line
  scanpipe serve      Start the upload server with a background job worker
  scanpipe export     Export project measures to CSV/JSONL
  scanpipe status     Show checkpoint progress
  scanpipe reset      Clear PENDING commits from an aborted run`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute is the entry point called from main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initLogging)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (JSON; environment variables override)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"enable verbose/debug output")

	rootCmd.Version = Version
	rootCmd.AddCommand(
		scanCmd,
		serveCmd,
		exportCmd,
		statusCmd,
		resetCmd,
	)
}

func initLogging() {
	if verbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
		slog.Debug("Verbose logging enabled")
	}
}
