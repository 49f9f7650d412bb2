package workspace

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/buildguard/scanpipe/internal/forge"
)

// initSourceRepo builds a local repository with two commits and returns its
// path plus both SHAs, oldest first.
func initSourceRepo(t *testing.T) (string, []string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	run := func(args ...string) string {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
		)
		out, err := cmd.CombinedOutput()
		if err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
		return strings.TrimSpace(string(out))
	}
	run("init", "-b", "main")
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("one\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	run("add", "a.txt")
	run("commit", "-m", "first")
	first := run("rev-parse", "HEAD")
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("one\ntwo\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	run("commit", "-am", "second")
	second := run("rev-parse", "HEAD")
	return dir, []string{first, second}
}

func TestNewCreatesLayout(t *testing.T) {
	workDir := filepath.Join(t.TempDir(), "work")
	m, err := New(workDir)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for _, dir := range []string{"repos", "temp", "locks"} {
		if _, err := os.Stat(filepath.Join(workDir, dir)); err != nil {
			t.Fatalf("expected %s to exist: %v", dir, err)
		}
	}
	if m.RepoPath("widget") != filepath.Join(workDir, "repos", "widget") {
		t.Fatalf("unexpected repo path: %s", m.RepoPath("widget"))
	}
}

func TestEnsureRepoClonesAndRefetches(t *testing.T) {
	src, shas := initSourceRepo(t)
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()

	if err := m.EnsureRepo(ctx, src, "widget"); err != nil {
		t.Fatalf("ensure (clone): %v", err)
	}
	if !m.CommitExists("widget", shas[1]) {
		t.Fatalf("cloned mirror missing head commit %s", shas[1])
	}

	// Second call takes the fetch path and must stay usable.
	if err := m.EnsureRepo(ctx, src, "widget"); err != nil {
		t.Fatalf("ensure (fetch): %v", err)
	}
	if m.CommitExists("widget", "0000000000000000000000000000000000000000") {
		t.Fatal("bogus sha reported present")
	}
}

func TestPrepareCheckoutCleanupWorkspace(t *testing.T) {
	src, shas := initSourceRepo(t)
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	if err := m.EnsureRepo(ctx, src, "widget"); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	ws, err := m.PrepareWorkspace(ctx, "widget", "widget_"+shas[0])
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := m.CheckoutOrReplay(ctx, "widget", ws, shas[0], "", nil); err != nil {
		t.Fatalf("checkout: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(ws, "a.txt"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "one\n" {
		t.Fatalf("worktree not at first commit, file is %q", data)
	}

	// Preparing again over the live worktree replaces it.
	ws2, err := m.PrepareWorkspace(ctx, "widget", "widget_"+shas[0])
	if err != nil {
		t.Fatalf("re-prepare: %v", err)
	}
	if ws2 != ws {
		t.Fatalf("workspace path changed: %s vs %s", ws, ws2)
	}

	m.CleanupWorkspace(ctx, "widget", ws)
	if _, err := os.Stat(ws); !os.IsNotExist(err) {
		t.Fatalf("workspace should be gone, stat err=%v", err)
	}
	// Cleanup is idempotent.
	m.CleanupWorkspace(ctx, "widget", ws)
}

func TestCheckoutMissingCommitWithoutReplay(t *testing.T) {
	src, _ := initSourceRepo(t)
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	if err := m.EnsureRepo(ctx, src, "widget"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	ws, err := m.PrepareWorkspace(ctx, "widget", "widget_missing")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	defer m.CleanupWorkspace(ctx, "widget", ws)

	missing := strings.Repeat("d", 40)
	err = m.CheckoutOrReplay(ctx, "widget", ws, missing, "", nil)
	if err == nil || !strings.Contains(err.Error(), "cannot be replayed") {
		t.Fatalf("expected not-replayable error, got %v", err)
	}
}

// commitGraphServer answers GitHub commit lookups from canned parent links
// and patch bodies.
func commitGraphServer(t *testing.T, parents map[string][]string, patches map[string]string) *forge.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		sha := parts[len(parts)-1]
		ps, ok := parents[sha]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"message": "Not Found"}`)
			return
		}
		if strings.Contains(r.Header.Get("Accept"), "patch") {
			fmt.Fprint(w, patches[sha])
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"sha": %q, "commit": {"message": "msg"}, "parents": [`, sha)
		for i, p := range ps {
			if i > 0 {
				fmt.Fprint(w, ",")
			}
			fmt.Fprintf(w, `{"sha": %q}`, p)
		}
		fmt.Fprint(w, `]}`)
	}))
	t.Cleanup(srv.Close)
	pool, err := forge.NewPool([]string{"tok"}, srv.URL+"/")
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	return forge.NewClient(pool)
}

func TestCheckoutOrReplayReconstructsMissingCommit(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	src := t.TempDir()
	run := func(args ...string) string {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = src
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
		)
		out, err := cmd.CombinedOutput()
		if err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
		return strings.TrimSpace(string(out))
	}
	write := func(content string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(src, "a.txt"), []byte(content), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	run("init", "-b", "main")
	write("one\n")
	run("add", "a.txt")
	run("commit", "-m", "base")
	base := run("rev-parse", "HEAD")

	// The mirror is cloned while only the base commit exists.
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	if err := m.EnsureRepo(ctx, src, "widget"); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	// Three more commits land upstream afterwards, so the mirror knows
	// nothing about them and the target must be rebuilt from patches.
	parents := map[string][]string{}
	patches := map[string]string{}
	prev := base
	var head string
	for _, content := range []string{"one\ntwo\n", "one\ntwo\nthree\n", "one\ntwo\nthree\nfour\n"} {
		write(content)
		run("commit", "-am", "step")
		head = run("rev-parse", "HEAD")
		parents[head] = []string{prev}
		patches[head] = run("format-patch", "-1", head, "--stdout")
		prev = head
	}
	client := commitGraphServer(t, parents, patches)

	ws, err := m.PrepareWorkspace(ctx, "widget", "widget_"+head)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	defer m.CleanupWorkspace(ctx, "widget", ws)

	if err := m.CheckoutOrReplay(ctx, "widget", ws, head, "acme/widget", client); err != nil {
		t.Fatalf("checkout or replay: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(ws, "a.txt"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "one\ntwo\nthree\nfour\n" {
		t.Fatalf("replay did not reach the target commit, file is %q", data)
	}
}

func TestCleanupStaleWorktrees(t *testing.T) {
	src, _ := initSourceRepo(t)
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	if err := m.EnsureRepo(ctx, src, "widget"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	ws, err := m.PrepareWorkspace(ctx, "widget", "stale_job")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}

	if err := m.CleanupStaleWorktrees(ctx); err != nil {
		t.Fatalf("cleanup stale: %v", err)
	}
	if _, err := os.Stat(ws); !os.IsNotExist(err) {
		t.Fatalf("stale workspace should be removed, stat err=%v", err)
	}

	// The pruned mirror accepts a fresh worktree at the same path.
	if _, err := m.PrepareWorkspace(ctx, "widget", "stale_job"); err != nil {
		t.Fatalf("prepare after prune: %v", err)
	}
}
