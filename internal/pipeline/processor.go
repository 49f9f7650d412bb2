// Package pipeline turns CSV files of (repo, commit) rows into SonarQube
// analyses. Rows are processed in batches: mirrors are prepared once per
// batch, then a worker pool claims each commit through the checkpoint store,
// builds a worktree, checks out (or replays) the commit and runs the scanner.
package pipeline

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/buildguard/scanpipe/internal/checkpoint"
	"github.com/buildguard/scanpipe/internal/config"
	"github.com/buildguard/scanpipe/internal/forge"
	"github.com/buildguard/scanpipe/internal/scanner"
	"github.com/buildguard/scanpipe/internal/workspace"
)

// Processor is the batch scan scheduler.
type Processor struct {
	cfg    *config.Config
	store  *checkpoint.Store
	ws     *workspace.Manager
	forge  *forge.Client // nil when no tokens are configured
	runner *scanner.Runner

	// seen dedupes SHAs within one ProcessCSV run. The checkpoint claim is
	// the cross-process guard, but a PENDING row claimed by worker A would
	// read as resumable to worker B in the same batch.
	mu   sync.Mutex
	seen map[string]bool
}

func New(cfg *config.Config, store *checkpoint.Store, ws *workspace.Manager, forgeClient *forge.Client, runner *scanner.Runner) *Processor {
	return &Processor{cfg: cfg, store: store, ws: ws, forge: forgeClient, runner: runner, seen: map[string]bool{}}
}

// firstSight records sha for this run, reporting whether it was new.
func (p *Processor) firstSight(sha string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seen[sha] {
		return false
	}
	p.seen[sha] = true
	return true
}

// CheckDependencies verifies the external tools the pipeline shells out to.
// A missing git is fatal; a missing scanner binary only warns, since serve
// mode may start before the scanner image is provisioned.
func (p *Processor) CheckDependencies() error {
	if _, err := exec.LookPath("git"); err != nil {
		return errors.New("git is not installed or not in PATH")
	}
	if _, err := exec.LookPath(p.cfg.Sonar.ScannerBin); err != nil {
		slog.Warn("Scanner binary not found in PATH", "bin", p.cfg.Sonar.ScannerBin)
	}
	return nil
}

// ProcessCSV streams csvPath in batches of the configured size and scans each
// batch with the configured worker count. Row and job failures are recorded
// and logged; only unreadable input or a canceled context abort the run.
func (p *Processor) ProcessCSV(ctx context.Context, csvPath string) error {
	f, err := os.Open(csvPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", csvPath, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err != nil {
		return fmt.Errorf("reading CSV header: %w", err)
	}

	p.mu.Lock()
	p.seen = map[string]bool{}
	p.mu.Unlock()

	batchSize := p.cfg.Scan.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}
	slog.Info("Processing CSV", "path", csvPath, "batch_size", batchSize)

	batchNum := 0
	for {
		batch, err := readBatch(reader, header, batchSize)
		if err != nil {
			return fmt.Errorf("reading CSV batch: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}
		batchNum++
		slog.Info("Starting batch", "batch", batchNum, "rows", len(batch))
		if err := p.processBatch(ctx, batch); err != nil {
			return err
		}
		slog.Info("Completed batch", "batch", batchNum)
	}
}

func readBatch(reader *csv.Reader, header []string, size int) ([]map[string]string, error) {
	var batch []map[string]string
	for len(batch) < size {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return batch, nil
		}
		if err != nil {
			return nil, err
		}
		row := map[string]string{}
		for i, col := range header {
			if i < len(record) {
				row[col] = record[i]
			}
		}
		batch = append(batch, row)
	}
	return batch, nil
}

func (p *Processor) processBatch(ctx context.Context, rows []map[string]string) error {
	var jobs []Job
	mirrors := map[string]string{} // url -> name
	for _, row := range rows {
		job, err := normalizeRow(row)
		if err != nil {
			slog.Warn("Skipping row", "error", err, "row", row)
			continue
		}
		jobs = append(jobs, job)
		mirrors[job.RepoURL] = job.RepoName
	}

	// Mirrors are prepared sequentially so concurrent workers never race a
	// clone; a failed clone only fails the jobs that need it.
	for url, name := range mirrors {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.ws.EnsureRepo(ctx, url, name); err != nil {
			slog.Error("Failed to prepare repo", "repo", name, "url", url, "error", err)
		}
	}

	workers := p.cfg.Scan.Concurrent
	if workers <= 0 {
		workers = 4
	}
	jobCh := make(chan Job)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobCh {
				p.processJob(ctx, job)
			}
		}()
	}
	for _, job := range jobs {
		select {
		case jobCh <- job:
		case <-ctx.Done():
			close(jobCh)
			wg.Wait()
			return ctx.Err()
		}
	}
	close(jobCh)
	wg.Wait()
	return nil
}

// processJob runs one commit through claim, worktree, checkout and scan.
// Every failure is recorded against the commit; nothing propagates so a bad
// row never takes down the batch.
func (p *Processor) processJob(ctx context.Context, job Job) bool {
	if !p.firstSight(job.CommitSHA) {
		slog.Info("Skipping duplicate commit in this run", "commit", job.CommitSHA)
		return true
	}

	meta := checkpoint.CommitMeta{
		RepoName:   job.RepoName,
		ProjectKey: job.ProjectKey,
		RepoURL:    job.RepoURL,
	}

	claim, err := p.store.TryClaim(ctx, job.CommitSHA, meta)
	if err != nil {
		slog.Error("Claim failed", "commit", job.CommitSHA, "error", err)
		return false
	}
	if claim == checkpoint.AlreadyTerminal {
		slog.Info("Skipping commit (already processed or failed)",
			"project", job.ProjectKey, "commit", job.CommitSHA)
		return true
	}

	wsPath, err := p.ws.PrepareWorkspace(ctx, job.RepoName, job.ProjectKey)
	if err != nil {
		p.fail(ctx, job, meta, fmt.Errorf("preparing workspace: %w", err))
		return false
	}
	defer p.ws.CleanupWorkspace(ctx, job.RepoName, wsPath)

	if err := p.ws.CheckoutOrReplay(ctx, job.RepoName, wsPath, job.CommitSHA, job.RepoSlug, p.forge); err != nil {
		p.fail(ctx, job, meta, err)
		return false
	}

	if err := p.runner.Scan(ctx, wsPath, job.ProjectKey, job.CommitSHA); err != nil {
		p.fail(ctx, job, meta, errors.New("Scanner command failed"))
		return false
	}

	if err := p.store.MarkProcessed(ctx, job.CommitSHA, meta); err != nil {
		slog.Error("Failed to record success", "commit", job.CommitSHA, "error", err)
		return false
	}
	return true
}

func (p *Processor) fail(ctx context.Context, job Job, meta checkpoint.CommitMeta, cause error) {
	slog.Error("Failed to process commit", "project", job.ProjectKey,
		"commit", job.CommitSHA, "error", cause)
	if err := p.store.MarkFailed(ctx, job.CommitSHA, cause.Error(), meta); err != nil {
		slog.Error("Failed to record failure", "commit", job.CommitSHA, "error", err)
	}
}
