// Package scanner drives the sonar-scanner CLI against a prepared worktree.
package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/buildguard/scanpipe/internal/config"
	"github.com/buildguard/scanpipe/internal/sonar"
)

// Runner executes one sonar-scanner analysis per scan job.
type Runner struct {
	cfg    *config.Config
	client *sonar.Client
}

func NewRunner(cfg *config.Config, client *sonar.Client) *Runner {
	return &Runner{cfg: cfg, client: client}
}

// Scan analyzes workspace under projectKey with sha as the project version.
// The SCM sensor is disabled: worktrees sit on detached HEADs and the commit
// identity is carried by the project key instead. Returns nil iff the scanner
// exited 0 (and, when configured, the compute engine ingested the report).
func (r *Runner) Scan(ctx context.Context, workspace, projectKey, sha string) error {
	slog.Info("Starting SonarQube scan", "project", projectKey, "commit", sha)

	args := []string{
		"-Dsonar.projectKey=" + projectKey,
		"-Dsonar.projectName=" + projectKey,
		"-Dsonar.projectVersion=" + sha,
		"-Dsonar.sources=.",
		"-Dsonar.host.url=" + r.cfg.Sonar.HostURL,
		"-Dsonar.token=" + r.cfg.Sonar.Token,
		"-Dsonar.scm.disabled=true",
		"-Dsonar.java.binaries=.",
	}
	if excl := strings.TrimSpace(r.cfg.Sonar.Exclusions); excl != "" {
		args = append(args, "-Dsonar.exclusions="+excl)
	}

	cmd := exec.CommandContext(ctx, r.cfg.Sonar.ScannerBin, args...)
	cmd.Dir = workspace
	out, err := cmd.CombinedOutput()
	if err != nil {
		slog.Error("Scan failed", "project", projectKey, "error", err,
			"output", tail(string(out), 2048))
		return fmt.Errorf("scanner command failed: %w", err)
	}
	slog.Info("Scan completed successfully", "project", projectKey)

	if r.cfg.Scan.WaitForCE && r.client != nil {
		timeout := time.Duration(r.cfg.Scan.WaitForCETimeoutSec) * time.Second
		poll := time.Duration(r.cfg.Scan.WaitForCEPollSec) * time.Second
		if err := r.client.WaitForCE(ctx, projectKey, timeout, poll); err != nil {
			return err
		}
	}
	return nil
}

// tail keeps the last n bytes of scanner output for logging; the failure
// cause is almost always at the end.
func tail(s string, n int) string {
	if len(s) <= n {
		return strings.TrimSpace(s)
	}
	return "..." + strings.TrimSpace(s[len(s)-n:])
}
