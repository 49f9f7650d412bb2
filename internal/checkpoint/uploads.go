package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// Upload statuses. Transitions are strictly
// uploaded -> queued -> running -> {completed, error}.
const (
	UploadStatusUploaded  = "uploaded"
	UploadStatusQueued    = "queued"
	UploadStatusRunning   = "running"
	UploadStatusCompleted = "completed"
	UploadStatusError     = "error"
)

// RepoCount is one entry of an upload's per-repo commit summary.
type RepoCount struct {
	Repo    string `json:"repo"`
	Commits int    `json:"commits"`
}

// Upload is the bookkeeping record for one submitted CSV file.
type Upload struct {
	ID           string      `json:"id"`
	Filename     string      `json:"filename"`
	SavedAs      string      `json:"saved_as"`
	Status       string      `json:"status"`
	TotalCommits int         `json:"total_commits"`
	Repos        []RepoCount `json:"repos"`
	JobID        string      `json:"job_id,omitempty"`
	Error        string      `json:"error,omitempty"`
	UploadedAt   string      `json:"uploaded_at"`
}

// UpsertUpload inserts or replaces the upload record.
func (s *Store) UpsertUpload(ctx context.Context, u Upload) error {
	reposJSON, err := json.Marshal(u.Repos)
	if err != nil {
		return fmt.Errorf("encoding repo summary for upload %s: %w", u.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO uploads
		(id, filename, saved_as, status, total_commits, repos_json, job_id, error_msg, uploaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Filename, u.SavedAs, u.Status, u.TotalCommits, string(reposJSON),
		nullable(u.JobID), nullable(u.Error), u.UploadedAt)
	if err != nil {
		return fmt.Errorf("upserting upload %s: %w", u.ID, err)
	}
	return nil
}

// UpdateUploadStatus updates status, job id and error; empty arguments leave
// the stored values untouched.
func (s *Store) UpdateUploadStatus(ctx context.Context, id, status, jobID, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE uploads
		SET status    = COALESCE(?, status),
		    job_id    = COALESCE(?, job_id),
		    error_msg = COALESCE(?, error_msg)
		WHERE id = ?`,
		nullable(status), nullable(jobID), nullable(errMsg), id)
	if err != nil {
		return fmt.Errorf("updating upload %s: %w", id, err)
	}
	return nil
}

// GetUploads returns all uploads, newest first. Read errors yield an empty
// list.
func (s *Store) GetUploads(ctx context.Context) []Upload {
	return s.queryUploads(ctx, `
		SELECT id, filename, saved_as, status, total_commits, repos_json, job_id, error_msg, uploaded_at
		FROM uploads ORDER BY uploaded_at DESC`)
}

// GetResumableUploads returns uploads interrupted mid-flight (queued or
// running), oldest first; includeError adds uploads that ended in error.
func (s *Store) GetResumableUploads(ctx context.Context, includeError bool) []Upload {
	query := `
		SELECT id, filename, saved_as, status, total_commits, repos_json, job_id, error_msg, uploaded_at
		FROM uploads WHERE status IN ('queued', 'running'`
	if includeError {
		query += `, 'error'`
	}
	query += `) ORDER BY uploaded_at ASC`
	return s.queryUploads(ctx, query)
}

func (s *Store) queryUploads(ctx context.Context, query string, args ...any) []Upload {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Warn("Upload query failed", "error", err)
		return nil
	}
	defer rows.Close()

	var out []Upload
	for rows.Next() {
		var (
			u         Upload
			total     *int
			reposJSON, jobID, errMsg, uploadedAt *string
		)
		if err := rows.Scan(&u.ID, &u.Filename, &u.SavedAs, &u.Status, &total, &reposJSON, &jobID, &errMsg, &uploadedAt); err != nil {
			slog.Warn("Upload scan failed", "error", err)
			return out
		}
		if total != nil {
			u.TotalCommits = *total
		}
		u.Repos = []RepoCount{}
		if reposJSON != nil && *reposJSON != "" {
			if err := json.Unmarshal([]byte(*reposJSON), &u.Repos); err != nil {
				slog.Warn("Upload repo summary is not valid JSON", "upload", u.ID, "error", err)
			}
		}
		if jobID != nil {
			u.JobID = *jobID
		}
		if errMsg != nil {
			u.Error = *errMsg
		}
		if uploadedAt != nil {
			u.UploadedAt = *uploadedAt
		}
		out = append(out, u)
	}
	return out
}

// ResetUploadStates demotes uploads stuck in queued/running back to uploaded
// so the operator can re-queue them after a restart.
func (s *Store) ResetUploadStates(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE uploads
		SET status = 'uploaded', job_id = NULL, error_msg = NULL
		WHERE status IN ('queued', 'running')`)
	if err != nil {
		return fmt.Errorf("resetting upload states: %w", err)
	}
	return nil
}

// MarkUploadForResume resets a single upload to uploaded.
func (s *Store) MarkUploadForResume(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE uploads
		SET status = 'uploaded', job_id = NULL, error_msg = NULL
		WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("marking upload %s for resume: %w", id, err)
	}
	return nil
}
