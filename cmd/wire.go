package cmd

import (
	"fmt"
	"log/slog"

	"github.com/buildguard/scanpipe/internal/checkpoint"
	"github.com/buildguard/scanpipe/internal/config"
	"github.com/buildguard/scanpipe/internal/forge"
	"github.com/buildguard/scanpipe/internal/pipeline"
	"github.com/buildguard/scanpipe/internal/scanner"
	"github.com/buildguard/scanpipe/internal/sonar"
	"github.com/buildguard/scanpipe/internal/workspace"
)

// runtimeDeps bundles everything the scan-facing commands need.
type runtimeDeps struct {
	cfg       *config.Config
	store     *checkpoint.Store
	ws        *workspace.Manager
	processor *pipeline.Processor
}

func (d *runtimeDeps) Close() {
	if d.store != nil {
		d.store.Close()
	}
}

// buildRuntime loads configuration and wires the checkpoint store, workspace
// manager, optional GitHub client and scan pipeline together.
func buildRuntime() (*runtimeDeps, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	store, err := checkpoint.Open(cfg.Work.CheckpointFile)
	if err != nil {
		return nil, err
	}

	ws, err := workspace.New(cfg.Work.Dir)
	if err != nil {
		store.Close()
		return nil, err
	}

	var forgeClient *forge.Client
	if len(cfg.GitHub.Tokens) > 0 {
		pool, err := forge.NewPool(cfg.GitHub.Tokens, "")
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("building GitHub token pool: %w", err)
		}
		forgeClient = forge.NewClient(pool)
		slog.Info("Commit replay enabled", "tokens", pool.Size())
	} else {
		slog.Info("No GitHub tokens configured, fork-only commits cannot be replayed")
	}

	sonarClient := sonar.NewClient(cfg.Sonar.HostURL, cfg.Sonar.Token)
	runner := scanner.NewRunner(cfg, sonarClient)

	return &runtimeDeps{
		cfg:       cfg,
		store:     store,
		ws:        ws,
		processor: pipeline.New(cfg, store, ws, forgeClient, runner),
	}, nil
}
