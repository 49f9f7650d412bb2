package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ClaimResult is the outcome of TryClaim.
type ClaimResult int

const (
	// ClaimedNew means no row existed; the caller owns a fresh PENDING row.
	ClaimedNew ClaimResult = iota
	// ResumedPending means a PENDING row survived a crash; the caller owns it.
	ResumedPending
	// AlreadyTerminal means the commit is PROCESSED or FAILED; skip it.
	AlreadyTerminal
)

func (r ClaimResult) String() string {
	switch r {
	case ClaimedNew:
		return "claimed-new"
	case ResumedPending:
		return "resumed-pending"
	case AlreadyTerminal:
		return "already-terminal"
	}
	return "unknown"
}

// CommitMeta carries optional descriptive fields recorded alongside a commit
// row. Empty fields never overwrite previously stored values.
type CommitMeta struct {
	RepoName   string
	ProjectKey string
	RepoURL    string
}

// PendingCommit describes a PENDING row awaiting resumption.
type PendingCommit struct {
	CommitSHA  string
	RepoName   string
	ProjectKey string
	RepoURL    string
	UpdatedAt  float64
}

// RepoStats aggregates commit counts for one repository.
type RepoStats struct {
	RepoName  string `json:"repo_name"`
	Total     int    `json:"total"`
	Processed int    `json:"processed"`
	Failed    int    `json:"failed"`
	Pending   int    `json:"pending"`
}

// TryClaim attempts to claim a commit for processing. Exactly one caller can
// hold the claim of a SHA at any instant: the whole check-and-insert runs in
// one transaction over a single-connection pool. Write failures propagate so
// a failed claim is never mistaken for success.
func (s *Store) TryClaim(ctx context.Context, sha string, meta CommitMeta) (ClaimResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AlreadyTerminal, fmt.Errorf("claim %s: begin: %w", sha, err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM scans WHERE commit_sha = ?`, sha).Scan(&status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx,
			`INSERT INTO scans (commit_sha, status, repo_name, project_key, repo_url, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			sha, StatusPending, nullable(meta.RepoName), nullable(meta.ProjectKey), nullable(meta.RepoURL), now())
		if err != nil {
			return AlreadyTerminal, fmt.Errorf("claim %s: insert: %w", sha, err)
		}
		if err := tx.Commit(); err != nil {
			return AlreadyTerminal, fmt.Errorf("claim %s: commit: %w", sha, err)
		}
		return ClaimedNew, nil

	case err != nil:
		return AlreadyTerminal, fmt.Errorf("claim %s: lookup: %w", sha, err)

	case status == StatusProcessed || status == StatusFailed:
		return AlreadyTerminal, nil

	default: // PENDING: resume, refreshing timestamp and any new metadata.
		_, err = tx.ExecContext(ctx,
			`UPDATE scans SET updated_at = ?,
				repo_name   = COALESCE(?, repo_name),
				project_key = COALESCE(?, project_key),
				repo_url    = COALESCE(?, repo_url)
			 WHERE commit_sha = ?`,
			now(), nullable(meta.RepoName), nullable(meta.ProjectKey), nullable(meta.RepoURL), sha)
		if err != nil {
			return AlreadyTerminal, fmt.Errorf("claim %s: resume: %w", sha, err)
		}
		if err := tx.Commit(); err != nil {
			return AlreadyTerminal, fmt.Errorf("claim %s: commit: %w", sha, err)
		}
		slog.Info("Resuming PENDING commit", "commit", sha)
		return ResumedPending, nil
	}
}

// MarkProcessed records a successful scan for the commit.
func (s *Store) MarkProcessed(ctx context.Context, sha string, meta CommitMeta) error {
	return s.updateStatus(ctx, sha, StatusProcessed, "", meta)
}

// MarkFailed records a terminal failure with its error message.
func (s *Store) MarkFailed(ctx context.Context, sha, errMsg string, meta CommitMeta) error {
	return s.updateStatus(ctx, sha, StatusFailed, errMsg, meta)
}

func (s *Store) updateStatus(ctx context.Context, sha, status, errMsg string, meta CommitMeta) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE scans SET status = ?, error_msg = ?, updated_at = ?,
			repo_name   = COALESCE(?, repo_name),
			project_key = COALESCE(?, project_key),
			repo_url    = COALESCE(?, repo_url)
		 WHERE commit_sha = ?`,
		status, nullable(errMsg), now(),
		nullable(meta.RepoName), nullable(meta.ProjectKey), nullable(meta.RepoURL), sha)
	if err != nil {
		return fmt.Errorf("updating status for %s: %w", sha, err)
	}
	return nil
}

// IsProcessed reports whether the commit reached PROCESSED. Read errors are
// swallowed (false) so status checks never block the pipeline.
func (s *Store) IsProcessed(ctx context.Context, sha string) bool {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM scans WHERE commit_sha = ? AND status = ?`, sha, StatusProcessed).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false
	}
	if err != nil {
		slog.Warn("Checkpoint read failed", "commit", sha, "error", err)
		return false
	}
	return true
}

// Stats returns commit counts grouped by status.
func (s *Store) Stats(ctx context.Context) map[string]int {
	out := map[string]int{}
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM scans GROUP BY status`)
	if err != nil {
		slog.Warn("Checkpoint stats query failed", "error", err)
		return out
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			slog.Warn("Checkpoint stats scan failed", "error", err)
			return out
		}
		out[status] = n
	}
	return out
}

// RepoSummary aggregates per-repo counts for the status surfaces.
func (s *Store) RepoSummary(ctx context.Context) []RepoStats {
	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(repo_name, 'unknown') AS repo_name,
		       COUNT(*) AS total,
		       SUM(CASE WHEN status = 'PROCESSED' THEN 1 ELSE 0 END) AS processed,
		       SUM(CASE WHEN status = 'FAILED' THEN 1 ELSE 0 END) AS failed,
		       SUM(CASE WHEN status = 'PENDING' THEN 1 ELSE 0 END) AS pending
		FROM scans
		GROUP BY COALESCE(repo_name, 'unknown')
		ORDER BY repo_name`)
	if err != nil {
		slog.Warn("Repo summary query failed", "error", err)
		return nil
	}
	defer rows.Close()

	var out []RepoStats
	for rows.Next() {
		var r RepoStats
		if err := rows.Scan(&r.RepoName, &r.Total, &r.Processed, &r.Failed, &r.Pending); err != nil {
			slog.Warn("Repo summary scan failed", "error", err)
			return out
		}
		out = append(out, r)
	}
	return out
}

// Progress returns PENDING/PROCESSED/FAILED counts, optionally restricted to
// the given repos, plus a "total" entry.
func (s *Store) Progress(ctx context.Context, repoNames []string) map[string]int {
	out := map[string]int{StatusPending: 0, StatusProcessed: 0, StatusFailed: 0}

	query := `SELECT status, COUNT(*) FROM scans GROUP BY status`
	var args []any
	if len(repoNames) > 0 {
		query = `SELECT status, COUNT(*) FROM scans WHERE repo_name IN (` +
			placeholders(len(repoNames)) + `) GROUP BY status`
		for _, r := range repoNames {
			args = append(args, r)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Warn("Progress query failed", "error", err)
		out["total"] = 0
		return out
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			break
		}
		if _, ok := out[status]; ok {
			out[status] = n
		}
	}
	out["total"] = out[StatusPending] + out[StatusProcessed] + out[StatusFailed]
	return out
}

// PendingCommits lists PENDING rows oldest-first, for resume previews.
func (s *Store) PendingCommits(ctx context.Context, limit int) []PendingCommit {
	rows, err := s.db.QueryContext(ctx, `
		SELECT commit_sha, COALESCE(repo_name, ''), COALESCE(project_key, ''),
		       COALESCE(repo_url, ''), COALESCE(updated_at, 0)
		FROM scans WHERE status = 'PENDING'
		ORDER BY updated_at ASC LIMIT ?`, limit)
	if err != nil {
		slog.Warn("Pending commits query failed", "error", err)
		return nil
	}
	defer rows.Close()

	var out []PendingCommit
	for rows.Next() {
		var p PendingCommit
		if err := rows.Scan(&p.CommitSHA, &p.RepoName, &p.ProjectKey, &p.RepoURL, &p.UpdatedAt); err != nil {
			break
		}
		out = append(out, p)
	}
	return out
}

// ResetPending clears all PENDING rows so they can be claimed again.
// Operator-triggered only; never invoked at process start.
func (s *Store) ResetPending(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM scans WHERE status = 'PENDING'`); err != nil {
		return fmt.Errorf("resetting pending commits: %w", err)
	}
	slog.Info("Reset pending commits from previous run")
	return nil
}

func now() float64 {
	return float64(time.Now().UnixMilli()) / 1000.0
}

// nullable maps "" to NULL so COALESCE preserves existing values.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	out := make([]byte, 0, n*2-1)
	for i := 0; i < n; i++ {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, '?')
	}
	return string(out)
}
