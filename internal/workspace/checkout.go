package workspace

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/buildguard/scanpipe/internal/forge"
	"github.com/buildguard/scanpipe/internal/replay"
)

// CheckoutOrReplay puts the worktree at sha. A commit present in the mirror
// is checked out directly; a fork-only commit is reconstructed by checking
// out its nearest reachable ancestor and replaying the downloaded patches.
// client may be nil (no tokens configured) and repoSlug empty (non-GitHub
// remote); replay is then unavailable.
func (m *Manager) CheckoutOrReplay(ctx context.Context, repoName, wsPath, sha, repoSlug string, client *forge.Client) error {
	slog.Info("Checking out commit", "commit", sha, "workspace", wsPath)

	if m.CommitExists(repoName, sha) {
		if err := m.CheckoutCommit(ctx, wsPath, sha); err == nil {
			return nil
		} else {
			slog.Warn("Standard checkout failed", "commit", sha, "error", err)
		}
	}

	if client == nil || repoSlug == "" {
		return fmt.Errorf("commit %s not found and cannot be replayed", sha)
	}

	slog.Info("Commit missing locally, attempting replay from GitHub", "commit", sha)
	plan, err := replay.BuildPlan(ctx, client, repoSlug, sha,
		func(candidate string) bool { return m.CommitExists(repoName, candidate) },
		replay.DefaultMaxDepth)
	if err != nil {
		return err
	}

	if err := m.CheckoutCommit(ctx, wsPath, plan.BaseSHA); err != nil {
		return fmt.Errorf("checking out replay base %s: %w", plan.BaseSHA, err)
	}
	if err := replay.Apply(ctx, wsPath, plan); err != nil {
		return err
	}
	slog.Info("Successfully replayed commit", "commit", sha)
	return nil
}
