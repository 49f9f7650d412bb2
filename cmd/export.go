package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/buildguard/scanpipe/internal/config"
	"github.com/buildguard/scanpipe/internal/exporter"
	"github.com/buildguard/scanpipe/internal/sonar"
)

var exportFlags struct {
	allProjects     bool
	qualifier       string
	projectKeys     []string
	projectKeysFile string
	outputDir       string
	chunkSize       int
	maxWorkers      int
	perChunkDelayMS int
	resume          bool
	jsonl           bool
	serverMetrics   bool
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export project measures from SonarQube to CSV/JSONL",
	Long: `Fetches the curated metric set for each project and streams one CSV row
per project. Projects still waiting on compute-engine ingestion are skipped
without being marked done; with --resume, projects already in the progress
file are not fetched again.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		client := sonar.NewClient(cfg.Sonar.HostURL, cfg.Sonar.Token)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		var keys []string
		if exportFlags.allProjects {
			fmt.Println("Discovering projects via API...")
			keys, err = client.SearchProjects(ctx, exportFlags.qualifier)
			if err != nil {
				return fmt.Errorf("discovering projects: %w", err)
			}
			fmt.Printf("Found %d projects\n", len(keys))
		}
		keys = append(keys, exportFlags.projectKeys...)
		if exportFlags.projectKeysFile != "" {
			fromFile, err := exporter.ReadProjectKeysFile(exportFlags.projectKeysFile)
			if err != nil {
				return err
			}
			keys = append(keys, fromFile...)
		}
		if len(keys) == 0 {
			return fmt.Errorf("no project keys: use --all-projects, --project-keys or --project-keys-file")
		}

		var metricKeys []string
		if exportFlags.serverMetrics {
			metricKeys, err = client.SearchMetrics(ctx)
			if err != nil {
				return fmt.Errorf("discovering metrics: %w", err)
			}
			fmt.Printf("Found %d metrics on the server\n", len(metricKeys))
		}

		exp := exporter.New(client, exporter.Options{
			OutputDir:     exportFlags.outputDir,
			ChunkSize:     exportFlags.chunkSize,
			MaxWorkers:    exportFlags.maxWorkers,
			PerChunkDelay: time.Duration(exportFlags.perChunkDelayMS) * time.Millisecond,
			Resume:        exportFlags.resume,
			JSONL:         exportFlags.jsonl,
			MetricKeys:    metricKeys,
		})
		stats, err := exp.Run(ctx, keys)
		if err != nil {
			return err
		}
		fmt.Printf("Export complete. success=%d failed=%d pending_skipped=%d already_done=%d\n",
			stats.Success, stats.Failed, stats.SkippedPending, stats.SkippedDone)
		return nil
	},
}

func init() {
	f := exportCmd.Flags()
	f.BoolVar(&exportFlags.allProjects, "all-projects", false, "discover all projects from SonarQube")
	f.StringVar(&exportFlags.qualifier, "qualifier", "TRK", "component qualifier when discovering projects")
	f.StringSliceVar(&exportFlags.projectKeys, "project-keys", nil, "explicit project keys")
	f.StringVar(&exportFlags.projectKeysFile, "project-keys-file", "", "file of project keys, one per line")
	f.StringVar(&exportFlags.outputDir, "output-dir", "results", "directory for CSV/JSONL/progress output")
	f.IntVar(&exportFlags.chunkSize, "chunk-size", 50, "metric keys per measures call")
	f.IntVar(&exportFlags.maxWorkers, "max-workers", 8, "concurrent projects")
	f.IntVar(&exportFlags.perChunkDelayMS, "per-chunk-delay", 50, "delay between chunk calls in milliseconds")
	f.BoolVar(&exportFlags.resume, "resume", false, "skip projects already in the progress file")
	f.BoolVar(&exportFlags.jsonl, "jsonl", false, "also write one JSON line per project")
	f.BoolVar(&exportFlags.serverMetrics, "server-metrics", false,
		"export every metric the server defines instead of the curated set")
}
