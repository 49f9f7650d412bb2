// Package webapp is the submission surface: CSV uploads come in over HTTP,
// get summarized and persisted, and are scanned by a single background job
// worker so only one batch run touches the work directory at a time.
package webapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/buildguard/scanpipe/internal/checkpoint"
	"github.com/buildguard/scanpipe/internal/config"
	"github.com/buildguard/scanpipe/internal/pipeline"
)

// Job statuses mirror upload statuses minus "uploaded".
const (
	jobQueued    = "queued"
	jobRunning   = "running"
	jobCompleted = "completed"
	jobError     = "error"
)

// Job tracks one queued batch scan. Jobs live in memory; the durable record
// is the upload row they are linked to.
type Job struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	CSVPath     string `json:"csv_path"`
	UploadID    string `json:"upload_id,omitempty"`
	Error       string `json:"error,omitempty"`
	CreatedAt   string `json:"created_at"`
	StartedAt   string `json:"started_at,omitempty"`
	CompletedAt string `json:"completed_at,omitempty"`
}

type queuedJob struct {
	jobID    string
	csvPath  string
	uploadID string
}

// Server owns the HTTP surface, the job queue and the single job worker.
type Server struct {
	cfg       *config.Config
	store     *checkpoint.Store
	processor *pipeline.Processor
	uploadDir string

	jobsMu sync.RWMutex
	jobs   map[string]*Job

	jobCh  chan queuedJob
	scanMu sync.Mutex

	// queueMu spans the eligibility check and the queued-status write, so
	// racing triggers for the same upload enqueue at most one job.
	queueMu sync.Mutex

	cron *cron.Cron
}

var (
	errUploadNotFound = errors.New("upload not found")
	errUploadActive   = errors.New("upload already queued, running or completed")
)

// NewServer prepares the upload directory and clears upload states left over
// by a previous process. When auto-resume is on, interrupted uploads are
// re-queued instead of just demoted.
func NewServer(cfg *config.Config, store *checkpoint.Store, processor *pipeline.Processor) (*Server, error) {
	uploadDir := filepath.Join(cfg.Work.Dir, "uploads")
	if err := os.MkdirAll(uploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating upload directory: %w", err)
	}

	s := &Server{
		cfg:       cfg,
		store:     store,
		processor: processor,
		uploadDir: uploadDir,
		jobs:      map[string]*Job{},
		jobCh:     make(chan queuedJob, 256),
	}

	ctx := context.Background()
	var resumable []checkpoint.Upload
	if cfg.Server.AutoResume {
		resumable = store.GetResumableUploads(ctx, cfg.Server.AutoResumeError)
	}
	if err := store.ResetUploadStates(ctx); err != nil {
		return nil, err
	}
	for _, u := range resumable {
		slog.Info("Auto-resuming interrupted upload", "upload", u.ID, "file", u.Filename)
		if _, err := s.startUpload(ctx, u.ID); err != nil {
			slog.Warn("Failed to auto-resume upload", "upload", u.ID, "error", err)
		}
	}
	return s, nil
}

// Start runs the job worker, the optional cron schedule and the HTTP
// listener until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	go s.jobWorker(ctx)

	if spec := s.cfg.Server.ScanSchedule; spec != "" {
		s.cron = cron.New()
		_, err := s.cron.AddFunc(spec, func() {
			n := s.queueAllPending(context.Background())
			slog.Info("Scheduled scan sweep", "queued", n)
		})
		if err != nil {
			return fmt.Errorf("invalid scan schedule %q: %w", spec, err)
		}
		s.cron.Start()
		defer s.cron.Stop()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("Upload server listening", "port", s.cfg.Server.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// jobWorker drains the queue one job at a time. The scan mutex additionally
// guards against the cron sweep and manual triggers overlapping on the same
// work directory.
func (s *Server) jobWorker(ctx context.Context) {
	for {
		var job queuedJob
		select {
		case <-ctx.Done():
			return
		case job = <-s.jobCh:
		}

		s.setJobStatus(job.jobID, jobRunning, "")
		if job.uploadID != "" {
			s.store.UpdateUploadStatus(ctx, job.uploadID, checkpoint.UploadStatusRunning, job.jobID, "")
		}

		err := s.runJob(ctx, job)
		if err != nil {
			slog.Error("Scan job failed", "job", job.jobID, "error", err)
			s.setJobStatus(job.jobID, jobError, err.Error())
			if job.uploadID != "" {
				s.store.UpdateUploadStatus(ctx, job.uploadID, checkpoint.UploadStatusError, job.jobID, err.Error())
			}
			continue
		}
		s.setJobStatus(job.jobID, jobCompleted, "")
		if job.uploadID != "" {
			s.store.UpdateUploadStatus(ctx, job.uploadID, checkpoint.UploadStatusCompleted, job.jobID, "")
		}
	}
}

func (s *Server) runJob(ctx context.Context, job queuedJob) error {
	if err := s.processor.CheckDependencies(); err != nil {
		return err
	}
	s.scanMu.Lock()
	defer s.scanMu.Unlock()
	return s.processor.ProcessCSV(ctx, job.csvPath)
}

// startUpload re-checks eligibility and enqueues under one lock. Without the
// lock, two concurrent triggers could both read an eligible status and
// double-enqueue the same upload.
func (s *Server) startUpload(ctx context.Context, uploadID string) (string, error) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()

	u, ok := s.getUpload(ctx, uploadID)
	if !ok {
		return "", errUploadNotFound
	}
	if !canStartUpload(u) {
		return "", errUploadActive
	}
	return s.enqueueUpload(ctx, u.ID, u.SavedAs)
}

// resumeUpload resets an upload's state and re-queues it, also under the
// queue lock. Uploads still queued or running keep their job.
func (s *Server) resumeUpload(ctx context.Context, uploadID string) (string, error) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()

	u, ok := s.getUpload(ctx, uploadID)
	if !ok {
		return "", errUploadNotFound
	}
	switch u.Status {
	case checkpoint.UploadStatusQueued, checkpoint.UploadStatusRunning:
		return "", errUploadActive
	}
	if err := s.store.MarkUploadForResume(ctx, u.ID); err != nil {
		return "", err
	}
	return s.enqueueUpload(ctx, u.ID, u.SavedAs)
}

func (s *Server) getUpload(ctx context.Context, id string) (checkpoint.Upload, bool) {
	for _, u := range s.store.GetUploads(ctx) {
		if u.ID == id {
			return u, true
		}
	}
	return checkpoint.Upload{}, false
}

// enqueueUpload creates a job for the upload's CSV and marks it queued.
// Callers go through startUpload or resumeUpload so the status transition
// happens under queueMu.
func (s *Server) enqueueUpload(ctx context.Context, uploadID, csvPath string) (string, error) {
	jobID := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339)

	s.jobsMu.Lock()
	s.jobs[jobID] = &Job{
		ID:        jobID,
		Status:    jobQueued,
		CSVPath:   csvPath,
		UploadID:  uploadID,
		CreatedAt: now,
	}
	s.jobsMu.Unlock()

	select {
	case s.jobCh <- queuedJob{jobID: jobID, csvPath: csvPath, uploadID: uploadID}:
	default:
		s.jobsMu.Lock()
		delete(s.jobs, jobID)
		s.jobsMu.Unlock()
		return "", fmt.Errorf("job queue is full")
	}

	if uploadID != "" {
		if err := s.store.UpdateUploadStatus(ctx, uploadID, checkpoint.UploadStatusQueued, jobID, ""); err != nil {
			return "", err
		}
	}
	return jobID, nil
}

func (s *Server) setJobStatus(jobID, status, errMsg string) {
	now := time.Now().UTC().Format(time.RFC3339)
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return
	}
	job.Status = status
	job.Error = errMsg
	switch status {
	case jobRunning:
		job.StartedAt = now
	case jobCompleted, jobError:
		job.CompletedAt = now
	}
}

// canStartUpload mirrors the queue eligibility rule: anything not already
// queued, running or completed may be (re)scanned.
func canStartUpload(u checkpoint.Upload) bool {
	switch u.Status {
	case checkpoint.UploadStatusQueued, checkpoint.UploadStatusRunning, checkpoint.UploadStatusCompleted:
		return false
	}
	return true
}

// queueAllPending enqueues every eligible upload and returns the count.
func (s *Server) queueAllPending(ctx context.Context) int {
	n := 0
	for _, u := range s.store.GetUploads(ctx) {
		_, err := s.startUpload(ctx, u.ID)
		switch {
		case err == nil:
			n++
		case errors.Is(err, errUploadActive):
		default:
			slog.Warn("Failed to enqueue upload", "upload", u.ID, "error", err)
		}
	}
	return n
}
