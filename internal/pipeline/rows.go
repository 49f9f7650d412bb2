package pipeline

import (
	"fmt"
	"strings"
)

// Job is one normalized scan request from a CSV row.
type Job struct {
	RepoURL    string
	RepoName   string
	RepoSlug   string // "owner/repo" for github.com remotes, else empty
	CommitSHA  string
	ProjectKey string
}

// normalizeRow maps a CSV row onto a Job. Two input shapes are accepted:
// dataset exports carrying gh_project_name + git_trigger_commit, and direct
// rows carrying repo_url + commit_sha. Rows without a resolvable repo URL or
// commit are rejected.
func normalizeRow(row map[string]string) (Job, error) {
	repoURL := strings.TrimSpace(row["repo_url"])
	if repoURL == "" {
		if slug := strings.TrimSpace(row["gh_project_name"]); slug != "" {
			repoURL = "https://github.com/" + slug + ".git"
		}
	}
	sha := strings.TrimSpace(row["git_trigger_commit"])
	if sha == "" {
		sha = strings.TrimSpace(row["commit_sha"])
	}
	if repoURL == "" || sha == "" {
		return Job{}, fmt.Errorf("missing repo_url or commit_sha")
	}

	job := Job{
		RepoURL:   repoURL,
		RepoName:  repoNameFromURL(repoURL),
		RepoSlug:  slugFromURL(repoURL),
		CommitSHA: sha,
	}

	job.ProjectKey = strings.TrimSpace(row["project_key"])
	if job.ProjectKey == "" {
		if owner, _, ok := strings.Cut(job.RepoSlug, "/"); ok && owner != "" {
			job.ProjectKey = fmt.Sprintf("%s_%s_%s", owner, job.RepoName, sha)
		} else {
			job.ProjectKey = fmt.Sprintf("%s_%s", job.RepoName, sha)
		}
	}
	return job, nil
}

func repoNameFromURL(repoURL string) string {
	name := repoURL
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	return strings.TrimSuffix(name, ".git")
}

// slugFromURL extracts "owner/repo" from a github.com URL; other hosts have
// no slug and therefore no replay path.
func slugFromURL(repoURL string) string {
	_, rest, ok := strings.Cut(repoURL, "github.com/")
	if !ok {
		return ""
	}
	rest = strings.TrimSuffix(rest, ".git")
	parts := strings.Split(rest, "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return ""
	}
	return parts[0] + "/" + parts[1]
}
