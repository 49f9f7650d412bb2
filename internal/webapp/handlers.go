package webapp

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/buildguard/scanpipe/internal/checkpoint"
	"github.com/buildguard/scanpipe/internal/pipeline"
)

const maxUploadMemory = 64 << 20

// Handler builds the API mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/upload", s.handleUpload)
	mux.HandleFunc("GET /api/uploads", s.handleListUploads)
	mux.HandleFunc("POST /api/uploads/scan_all_pending", s.handleScanAllPending)
	mux.HandleFunc("POST /api/uploads/{id}/scan", s.handleScanUpload)
	mux.HandleFunc("POST /api/uploads/{id}/resume", s.handleResumeUpload)
	mux.HandleFunc("GET /api/jobs", s.handleListJobs)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("GET /api/repos", s.handleRepoSummary)
	mux.HandleFunc("GET /api/stats", s.handleStats)

	return mux
}

type uploadResult struct {
	Filename     string                 `json:"filename"`
	SavedAs      string                 `json:"saved_as"`
	UploadID     string                 `json:"upload_id"`
	Repos        []checkpoint.RepoCount `json:"repos"`
	TotalCommits int                    `json:"total_commits"`
}

// handleUpload accepts one or more CSV files under the multipart field
// "files", stores each under uploads/ and records an upload row per file.
// Scanning is a separate, explicit step.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart request")
		return
	}
	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		writeError(w, http.StatusBadRequest, "please upload at least one CSV file")
		return
	}

	timestamp := time.Now().UTC().Format("20060102-150405")
	var results []uploadResult
	for idx, fh := range files {
		filename := sanitizeFilename(fh.Filename)
		if !strings.HasSuffix(strings.ToLower(filename), ".csv") {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("file %s is not CSV", filename))
			return
		}

		dest := filepath.Join(s.uploadDir, fmt.Sprintf("%s-%d-%s", timestamp, idx+1, filename))
		if err := saveMultipartFile(fh, dest); err != nil {
			slog.Error("Failed to save upload", "file", filename, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to save upload")
			return
		}

		summary := pipeline.SummarizeCSV(dest)
		upload := checkpoint.Upload{
			ID:           uuid.NewString(),
			Filename:     filename,
			SavedAs:      dest,
			Status:       checkpoint.UploadStatusUploaded,
			TotalCommits: summary.TotalCommits,
			Repos:        summary.Repos,
			UploadedAt:   time.Now().UTC().Format(time.RFC3339),
		}
		if err := s.store.UpsertUpload(r.Context(), upload); err != nil {
			slog.Error("Failed to persist upload", "file", filename, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to record upload")
			return
		}

		results = append(results, uploadResult{
			Filename:     filename,
			SavedAs:      dest,
			UploadID:     upload.ID,
			Repos:        upload.Repos,
			TotalCommits: upload.TotalCommits,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleListUploads(w http.ResponseWriter, r *http.Request) {
	uploads := s.store.GetUploads(r.Context())
	if uploads == nil {
		uploads = []checkpoint.Upload{}
	}
	writeJSON(w, http.StatusOK, uploads)
}

func (s *Server) handleScanUpload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	jobID, err := s.startUpload(r.Context(), id)
	switch {
	case errors.Is(err, errUploadNotFound):
		writeError(w, http.StatusNotFound, "upload not found")
	case errors.Is(err, errUploadActive):
		upload, _ := s.getUpload(r.Context(), id)
		writeJSON(w, http.StatusOK, map[string]any{
			"message": "upload already queued/running/completed",
			"job_id":  upload.JobID,
		})
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID})
	}
}

// handleResumeUpload re-queues a completed or errored upload from scratch:
// its state is reset to uploaded before the new job is created.
func (s *Server) handleResumeUpload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	jobID, err := s.resumeUpload(r.Context(), id)
	switch {
	case errors.Is(err, errUploadNotFound):
		writeError(w, http.StatusNotFound, "upload not found")
	case errors.Is(err, errUploadActive):
		upload, _ := s.getUpload(r.Context(), id)
		writeJSON(w, http.StatusOK, map[string]any{
			"message": "upload already queued/running",
			"job_id":  upload.JobID,
		})
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID})
	}
}

func (s *Server) handleScanAllPending(w http.ResponseWriter, r *http.Request) {
	jobIDs := []string{}
	for _, u := range s.store.GetUploads(r.Context()) {
		jobID, err := s.startUpload(r.Context(), u.ID)
		switch {
		case err == nil:
			jobIDs = append(jobIDs, jobID)
		case errors.Is(err, errUploadActive):
		default:
			slog.Warn("Failed to enqueue upload", "upload", u.ID, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_ids": jobIDs})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()
	out := make(map[string]Job, len(s.jobs))
	for id, job := range s.jobs {
		out[id] = *job
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	s.jobsMu.RLock()
	job, ok := s.jobs[r.PathValue("id")]
	var snapshot Job
	if ok {
		snapshot = *job
	}
	s.jobsMu.RUnlock()
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleRepoSummary(w http.ResponseWriter, r *http.Request) {
	summary := s.store.RepoSummary(r.Context())
	if summary == nil {
		summary = []checkpoint.RepoStats{}
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.jobsMu.RLock()
	jobCount := len(s.jobs)
	s.jobsMu.RUnlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"commits": s.store.Stats(r.Context()),
		"uploads": len(s.store.GetUploads(r.Context())),
		"jobs":    jobCount,
	})
}

// --- helpers ---

func sanitizeFilename(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "" || base == "." || base == "/" {
		return "upload.csv"
	}
	return base
}

func saveMultipartFile(fh *multipart.FileHeader, dest string) error {
	src, err := fh.Open()
	if err != nil {
		return err
	}
	defer src.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
