// Package replay reconstructs fork-only commits that the canonical repository
// never received. It walks the parent chain through the GitHub API until it
// reaches an ancestor that exists locally, then re-applies the downloaded
// patches in order on top of that ancestor.
package replay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/buildguard/scanpipe/internal/forge"
)

// DefaultMaxDepth bounds the parent traversal.
const DefaultMaxDepth = 50

// MissingForkCommitError means the target commit cannot be reconstructed.
type MissingForkCommitError struct {
	CommitSHA string
	Reason    string
}

func (e *MissingForkCommitError) Error() string {
	return fmt.Sprintf("commit %s not reconstructable: %s", e.CommitSHA, e.Reason)
}

// Commit is one fork-only commit with its downloaded patch.
type Commit struct {
	SHA     string
	Patch   string
	Message string
}

// Plan describes how to recreate a fork-only commit: check out BaseSHA, then
// apply Commits oldest-first.
type Plan struct {
	BaseSHA string
	Commits []Commit
}

// CommitExistsFunc reports whether a SHA is present in the local mirror.
type CommitExistsFunc func(sha string) bool

// BuildPlan walks target's parent chain via the GitHub API until it finds an
// ancestor the local mirror already has. Merge commits and root commits end
// the search: a linear patch chain is the only shape that replays cleanly.
func BuildPlan(ctx context.Context, client *forge.Client, repoSlug, targetSHA string, commitExists CommitExistsFunc, maxDepth int) (*Plan, error) {
	if commitExists(targetSHA) {
		return nil, fmt.Errorf("commit %s already exists, replay is unnecessary", targetSHA)
	}
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}

	var missing []Commit
	current := targetSHA
	visited := map[string]bool{}

	for depth := 1; ; depth++ {
		if depth > maxDepth {
			return nil, &MissingForkCommitError{
				CommitSHA: targetSHA,
				Reason:    fmt.Sprintf("exceeded parent traversal limit (%d) before finding a reachable ancestor", maxDepth),
			}
		}

		commit, err := client.GetCommit(ctx, repoSlug, current)
		if err != nil {
			var allLimited *forge.AllRateLimitedError
			if errors.As(err, &allLimited) {
				return nil, err
			}
			return nil, &MissingForkCommitError{
				CommitSHA: current,
				Reason:    fmt.Sprintf("GitHub API error while loading commit: %v", err),
			}
		}
		if len(commit.Parents) != 1 {
			return nil, &MissingForkCommitError{
				CommitSHA: current,
				Reason:    "cannot replay commit with zero or multiple parents",
			}
		}

		patch, err := client.GetCommitPatch(ctx, repoSlug, current)
		if err != nil {
			var allLimited *forge.AllRateLimitedError
			if errors.As(err, &allLimited) {
				return nil, err
			}
			return nil, &MissingForkCommitError{
				CommitSHA: current,
				Reason:    fmt.Sprintf("failed to download patch: %v", err),
			}
		}
		missing = append(missing, Commit{SHA: current, Patch: patch, Message: commit.Message})

		parentSHA := commit.Parents[0]
		if parentSHA == "" {
			return nil, &MissingForkCommitError{
				CommitSHA: current,
				Reason:    "commit metadata missing parent SHA",
			}
		}
		if commitExists(parentSHA) {
			reverse(missing)
			slog.Info("Replaying fork commits onto reachable ancestor",
				"count", len(missing), "ancestor", parentSHA, "target", targetSHA)
			return &Plan{BaseSHA: parentSHA, Commits: missing}, nil
		}
		if visited[parentSHA] {
			return nil, &MissingForkCommitError{
				CommitSHA: current,
				Reason:    "detected a parent traversal loop while searching for reachable ancestor",
			}
		}
		visited[current] = true
		current = parentSHA
	}
}

// Apply replays the plan's patches in order inside worktree. Empty patches
// (GitHub serves them for metadata-only commits) are skipped.
func Apply(ctx context.Context, worktree string, plan *Plan) error {
	for _, commit := range plan.Commits {
		slog.Info("Applying fork-only patch", "commit", commit.SHA)
		if err := applyPatch(ctx, worktree, commit.Patch, commit.SHA); err != nil {
			return err
		}
	}
	return nil
}

func applyPatch(ctx context.Context, worktree, patch, sha string) error {
	if strings.TrimSpace(patch) == "" {
		slog.Debug("Commit patch is empty, skipping", "commit", sha)
		return nil
	}
	cmd := exec.CommandContext(ctx, "git", "apply", "--allow-empty", "--whitespace=nowarn")
	cmd.Dir = worktree
	cmd.Stdin = strings.NewReader(patch)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	if err := cmd.Run(); err != nil {
		return &MissingForkCommitError{
			CommitSHA: sha,
			Reason:    fmt.Sprintf("failed to apply patch: %s", strings.TrimSpace(output.String())),
		}
	}
	return nil
}

func reverse(commits []Commit) {
	for i, j := 0, len(commits)-1; i < j; i, j = i+1, j-1 {
		commits[i], commits[j] = commits[j], commits[i]
	}
}
