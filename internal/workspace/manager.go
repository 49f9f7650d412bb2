// Package workspace owns the on-disk layout under the work directory: bare
// working mirrors in repos/, per-job detached worktrees in temp/ and advisory
// lock files in locks/. Mirror clone and fetch go through go-git; worktree
// surgery shells out to git, which go-git does not cover.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/gofrs/flock"
)

// Manager coordinates all worktree and mirror access for one work directory.
// Same-process writers serialize on a per-repo mutex; a flock file under
// locks/ extends the guard across processes sharing the work dir.
type Manager struct {
	workDir  string
	reposDir string
	tempDir  string
	locksDir string

	mu    sync.Mutex
	repos map[string]*sync.Mutex
}

// New creates the work directory layout and returns a Manager over it.
func New(workDir string) (*Manager, error) {
	m := &Manager{
		workDir:  workDir,
		reposDir: filepath.Join(workDir, "repos"),
		tempDir:  filepath.Join(workDir, "temp"),
		locksDir: filepath.Join(workDir, "locks"),
		repos:    map[string]*sync.Mutex{},
	}
	for _, dir := range []string{m.reposDir, m.tempDir, m.locksDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating work directory layout: %w", err)
		}
	}
	return m, nil
}

// RepoPath returns the mirror path for a repo name.
func (m *Manager) RepoPath(repoName string) string {
	return filepath.Join(m.reposDir, repoName)
}

// WorkspacePath returns the worktree path for a project key.
func (m *Manager) WorkspacePath(projectKey string) string {
	return filepath.Join(m.tempDir, projectKey)
}

func (m *Manager) repoMutex(repoName string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	mu, ok := m.repos[repoName]
	if !ok {
		mu = &sync.Mutex{}
		m.repos[repoName] = mu
	}
	return mu
}

// withRepoLock runs fn holding both the in-process mutex and the cross-process
// flock for repoName.
func (m *Manager) withRepoLock(ctx context.Context, repoName string, fn func() error) error {
	mu := m.repoMutex(repoName)
	mu.Lock()
	defer mu.Unlock()

	fl := flock.New(filepath.Join(m.locksDir, repoName+".lock"))
	locked, err := fl.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil {
		return fmt.Errorf("locking repo %s: %w", repoName, err)
	}
	if !locked {
		return fmt.Errorf("could not lock repo %s", repoName)
	}
	defer fl.Unlock()

	return fn()
}

// EnsureRepo makes sure the working mirror for repoURL exists and is fresh.
// A missing mirror is cloned; an existing one gets a best-effort fetch.
func (m *Manager) EnsureRepo(ctx context.Context, repoURL, repoName string) error {
	repoPath := m.RepoPath(repoName)
	return m.withRepoLock(ctx, repoName, func() error {
		if _, err := os.Stat(repoPath); os.IsNotExist(err) {
			slog.Info("Cloning repository", "url", repoURL, "path", repoPath)
			_, err := git.PlainCloneContext(ctx, repoPath, false, &git.CloneOptions{URL: repoURL})
			if err != nil {
				return fmt.Errorf("cloning %s: %w", repoURL, err)
			}
			return nil
		}

		repo, err := git.PlainOpen(repoPath)
		if err != nil {
			return fmt.Errorf("opening mirror %s: %w", repoName, err)
		}
		err = repo.FetchContext(ctx, &git.FetchOptions{Tags: git.AllTags})
		if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
			// Stale mirrors are still usable; the scan fails later if the
			// commit is genuinely unreachable.
			slog.Warn("Fetch failed, continuing with stale mirror", "repo", repoName, "error", err)
		}
		return nil
	})
}

// CommitExists reports whether sha resolves to a commit in the mirror.
func (m *Manager) CommitExists(repoName, sha string) bool {
	repo, err := git.PlainOpen(m.RepoPath(repoName))
	if err != nil {
		return false
	}
	_, err = repo.CommitObject(plumbing.NewHash(sha))
	return err == nil
}

// PrepareWorkspace creates a detached worktree for one scan job. Any stale
// worktree at the same path is force-removed first.
func (m *Manager) PrepareWorkspace(ctx context.Context, repoName, projectKey string) (string, error) {
	repoPath := m.RepoPath(repoName)
	wsPath := m.WorkspacePath(projectKey)

	if _, err := os.Stat(repoPath); err != nil {
		return "", fmt.Errorf("mirror %s not prepared at %s", repoName, repoPath)
	}

	err := m.withRepoLock(ctx, repoName, func() error {
		if _, err := os.Stat(wsPath); err == nil {
			m.gitBestEffort(ctx, repoPath, "worktree", "remove", wsPath, "--force")
			os.RemoveAll(wsPath)
		}
		return m.git(ctx, repoPath, "worktree", "add", "--detach", wsPath, "HEAD")
	})
	if err != nil {
		return "", err
	}
	return wsPath, nil
}

// CheckoutCommit forces the worktree onto sha and scrubs untracked files.
func (m *Manager) CheckoutCommit(ctx context.Context, wsPath, sha string) error {
	if err := m.git(ctx, wsPath, "checkout", "-f", sha); err != nil {
		return err
	}
	return m.git(ctx, wsPath, "clean", "-fdx")
}

// CleanupWorkspace removes the worktree after a scan, registered and
// on-disk state both. Failures are logged; cleanup never fails a job.
func (m *Manager) CleanupWorkspace(ctx context.Context, repoName, wsPath string) {
	err := m.withRepoLock(ctx, repoName, func() error {
		m.gitBestEffort(ctx, m.RepoPath(repoName), "worktree", "remove", wsPath, "--force")
		return nil
	})
	if err != nil {
		slog.Warn("Worktree removal lock failed", "workspace", wsPath, "error", err)
	}
	if err := os.RemoveAll(wsPath); err != nil {
		slog.Warn("Failed to remove workspace directory", "workspace", wsPath, "error", err)
	}
}

// CleanupStaleWorktrees clears leftovers of a previous crashed run: every
// entry under temp/ plus dangling worktree registrations in each mirror.
// A work-dir-wide startup lock keeps concurrent processes from both running
// the sweep.
func (m *Manager) CleanupStaleWorktrees(ctx context.Context) error {
	fl := flock.New(filepath.Join(m.locksDir, "startup.lock"))
	locked, err := fl.TryLock()
	if err != nil {
		return fmt.Errorf("taking startup lock: %w", err)
	}
	if !locked {
		slog.Info("Another process is running startup cleanup, skipping")
		return nil
	}
	defer fl.Unlock()

	entries, err := os.ReadDir(m.tempDir)
	if err != nil {
		return fmt.Errorf("listing temp dir: %w", err)
	}
	for _, e := range entries {
		stale := filepath.Join(m.tempDir, e.Name())
		slog.Info("Removing stale workspace", "path", stale)
		if err := os.RemoveAll(stale); err != nil {
			slog.Warn("Failed to remove stale workspace", "path", stale, "error", err)
		}
	}

	mirrors, err := os.ReadDir(m.reposDir)
	if err != nil {
		return fmt.Errorf("listing repos dir: %w", err)
	}
	for _, e := range mirrors {
		if !e.IsDir() {
			continue
		}
		m.gitBestEffort(ctx, filepath.Join(m.reposDir, e.Name()), "worktree", "prune")
	}
	return nil
}

func (m *Manager) git(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (m *Manager) gitBestEffort(ctx context.Context, dir string, args ...string) {
	if err := m.git(ctx, dir, args...); err != nil {
		slog.Debug("Ignoring git failure", "error", err)
	}
}
