package pipeline

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNormalizeRowFromDatasetExport(t *testing.T) {
	job, err := normalizeRow(map[string]string{
		"gh_project_name":    "acme/widget",
		"git_trigger_commit": "abc123",
	})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if job.RepoURL != "https://github.com/acme/widget.git" {
		t.Fatalf("unexpected url: %s", job.RepoURL)
	}
	if job.RepoName != "widget" || job.RepoSlug != "acme/widget" {
		t.Fatalf("unexpected repo fields: %+v", job)
	}
	if job.ProjectKey != "acme_widget_abc123" {
		t.Fatalf("unexpected project key: %s", job.ProjectKey)
	}
}

func TestNormalizeRowFromDirectColumns(t *testing.T) {
	job, err := normalizeRow(map[string]string{
		"repo_url":   "https://git.example.com/infra/widget.git",
		"commit_sha": "def456",
	})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if job.RepoSlug != "" {
		t.Fatalf("non-GitHub remote must have no slug: %q", job.RepoSlug)
	}
	// Ownerless key for non-GitHub remotes.
	if job.ProjectKey != "widget_def456" {
		t.Fatalf("unexpected project key: %s", job.ProjectKey)
	}
}

func TestNormalizeRowExplicitValuesWin(t *testing.T) {
	job, err := normalizeRow(map[string]string{
		"repo_url":           "https://github.com/acme/widget.git",
		"gh_project_name":    "other/ignored",
		"git_trigger_commit": "abc",
		"commit_sha":         "ignored",
		"project_key":        "custom_key",
	})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if job.RepoURL != "https://github.com/acme/widget.git" || job.CommitSHA != "abc" {
		t.Fatalf("explicit columns not preferred: %+v", job)
	}
	if job.ProjectKey != "custom_key" {
		t.Fatalf("explicit project key not kept: %s", job.ProjectKey)
	}
}

func TestNormalizeRowRejectsIncompleteRows(t *testing.T) {
	for name, row := range map[string]map[string]string{
		"no repo":   {"commit_sha": "abc"},
		"no commit": {"repo_url": "https://github.com/acme/widget.git"},
		"empty":     {},
	} {
		if _, err := normalizeRow(row); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestSummarizeCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "input.csv")
	csv := "gh_project_name,git_trigger_commit\n" +
		"acme/widget,sha1\n" +
		"acme/widget,sha2\n" +
		"beta/tool,sha3\n" +
		",missing-repo\n"
	if err := os.WriteFile(path, []byte(csv), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	s := SummarizeCSV(path)
	if s.TotalCommits != 3 {
		t.Fatalf("expected 3 commits, got %d", s.TotalCommits)
	}
	if len(s.Repos) != 2 {
		t.Fatalf("expected 2 repos, got %+v", s.Repos)
	}
	if s.Repos[0].Repo != "acme_widget" || s.Repos[0].Commits != 2 {
		t.Fatalf("unexpected first repo: %+v", s.Repos[0])
	}
	if s.Repos[1].Repo != "beta_tool" || s.Repos[1].Commits != 1 {
		t.Fatalf("unexpected second repo: %+v", s.Repos[1])
	}
}

func TestSummarizeCSVMissingFile(t *testing.T) {
	s := SummarizeCSV(filepath.Join(t.TempDir(), "nope.csv"))
	if s.TotalCommits != 0 || len(s.Repos) != 0 {
		t.Fatalf("expected empty summary, got %+v", s)
	}
}
