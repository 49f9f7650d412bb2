package pipeline

import (
	"encoding/csv"
	"errors"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/buildguard/scanpipe/internal/checkpoint"
)

// Summary is the per-repo commit breakdown of one uploaded CSV.
type Summary struct {
	TotalCommits int
	Repos        []checkpoint.RepoCount
}

// SummarizeCSV counts commits per repository in an uploaded CSV. Repos are
// keyed owner_repo for GitHub remotes and by bare repo name otherwise, sorted
// by key. Unreadable files or rows yield a partial (possibly empty) summary
// rather than an error, matching how uploads are accepted optimistically.
func SummarizeCSV(path string) Summary {
	counts := map[string]int{}
	total := 0

	f, err := os.Open(path)
	if err != nil {
		slog.Warn("Failed to summarize CSV", "path", path, "error", err)
		return Summary{Repos: []checkpoint.RepoCount{}}
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err != nil {
		slog.Warn("Failed to read CSV header", "path", path, "error", err)
		return Summary{Repos: []checkpoint.RepoCount{}}
	}

	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			slog.Warn("Skipping malformed CSV record", "path", path, "error", err)
			continue
		}
		row := map[string]string{}
		for i, col := range header {
			if i < len(record) {
				row[col] = record[i]
			}
		}
		repoURL := strings.TrimSpace(row["repo_url"])
		if repoURL == "" {
			if slug := strings.TrimSpace(row["gh_project_name"]); slug != "" {
				repoURL = "https://github.com/" + slug + ".git"
			}
		}
		if repoURL == "" {
			continue
		}

		key := repoNameFromURL(repoURL)
		if slug := slugFromURL(repoURL); slug != "" {
			key = strings.Replace(slug, "/", "_", 1)
		}
		counts[key]++
		total++
	}

	repos := make([]checkpoint.RepoCount, 0, len(counts))
	for repo, commits := range counts {
		repos = append(repos, checkpoint.RepoCount{Repo: repo, Commits: commits})
	}
	sort.Slice(repos, func(i, j int) bool { return repos[i].Repo < repos[j].Repo })
	return Summary{TotalCommits: total, Repos: repos}
}
