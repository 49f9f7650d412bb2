// Package exporter pulls measures for analyzed projects out of SonarQube and
// streams them to CSV (one row per project) plus an optional JSONL audit
// trail. Results append as workers finish, so an interrupted export resumes
// from its progress file instead of starting over.
package exporter

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/buildguard/scanpipe/internal/sonar"
)

// Options tune one export run.
type Options struct {
	OutputDir     string
	ChunkSize     int           // metric keys per measures call
	MaxWorkers    int           // concurrent projects
	PerChunkDelay time.Duration // pause between chunk calls per project
	Resume        bool          // skip projects in the progress file
	JSONL         bool          // also write one JSON object per project
	// MetricKeys defaults to DefaultMetricKeys when nil. An explicitly empty
	// slice exports just the repo and commit columns.
	MetricKeys []string
}

func (o *Options) fill() {
	if o.ChunkSize <= 0 {
		o.ChunkSize = 50
	}
	if o.MaxWorkers <= 0 {
		o.MaxWorkers = 8
	}
	if o.PerChunkDelay == 0 {
		o.PerChunkDelay = 50 * time.Millisecond
	}
	if o.MetricKeys == nil {
		o.MetricKeys = DefaultMetricKeys
	}
}

// Stats summarizes a finished export run.
type Stats struct {
	Success        int
	Failed         int
	SkippedPending int
	SkippedDone    int
}

// Exporter streams project measures to disk.
type Exporter struct {
	client *sonar.Client
	opts   Options

	csvMu      sync.Mutex
	jsonlMu    sync.Mutex
	progressMu sync.Mutex

	csvPath      string
	jsonlPath    string
	progressPath string
}

func New(client *sonar.Client, opts Options) *Exporter {
	opts.fill()
	return &Exporter{
		client:       client,
		opts:         opts,
		csvPath:      filepath.Join(opts.OutputDir, "all_projects_measures.csv"),
		jsonlPath:    filepath.Join(opts.OutputDir, "all_projects_measures.jsonl"),
		progressPath: filepath.Join(opts.OutputDir, "progress", "processed.txt"),
	}
}

// Run exports measures for projectKeys. Pending projects (no measure values
// yet, the compute engine has not ingested them) are skipped without being
// marked processed so a later run picks them up.
func (e *Exporter) Run(ctx context.Context, projectKeys []string) (Stats, error) {
	var stats Stats

	if err := os.MkdirAll(filepath.Dir(e.progressPath), 0o755); err != nil {
		return stats, fmt.Errorf("creating output directories: %w", err)
	}

	projectKeys = dedupe(projectKeys)
	if e.opts.Resume {
		done, err := e.loadProgress()
		if err != nil {
			return stats, err
		}
		before := len(projectKeys)
		projectKeys = filterDone(projectKeys, done)
		stats.SkippedDone = before - len(projectKeys)
		if stats.SkippedDone > 0 {
			slog.Info("Resuming export", "already_processed", stats.SkippedDone)
		}
	}
	if len(projectKeys) == 0 {
		return stats, nil
	}

	if err := e.ensureCSVHeader(); err != nil {
		return stats, err
	}

	slog.Info("Exporting project measures",
		"projects", len(projectKeys), "workers", e.opts.MaxWorkers, "metrics", len(e.opts.MetricKeys))

	keyCh := make(chan string)
	var statsMu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < e.opts.MaxWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for key := range keyCh {
				outcome := e.exportProject(ctx, key)
				statsMu.Lock()
				switch outcome {
				case outcomeSuccess:
					stats.Success++
				case outcomePending:
					stats.SkippedPending++
				case outcomeFailed:
					stats.Failed++
				}
				statsMu.Unlock()
			}
		}()
	}

	for _, key := range projectKeys {
		select {
		case keyCh <- key:
		case <-ctx.Done():
			close(keyCh)
			wg.Wait()
			return stats, ctx.Err()
		}
	}
	close(keyCh)
	wg.Wait()

	slog.Info("Export complete", "success", stats.Success,
		"failed", stats.Failed, "pending_skipped", stats.SkippedPending)
	return stats, nil
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomePending
	outcomeFailed
)

func (e *Exporter) exportProject(ctx context.Context, key string) outcome {
	measures, err := e.fetchAllMeasures(ctx, key)
	if err != nil {
		slog.Error("Failed to export project", "project", key, "error", err)
		return outcomeFailed
	}
	// With no metric keys there is nothing to wait for; only a non-empty
	// fetch that came back all-blank means the compute engine is behind.
	if len(e.opts.MetricKeys) > 0 && isPending(measures) {
		slog.Debug("Skipping pending project", "project", key)
		return outcomePending
	}

	if err := e.appendCSVRow(key, measures); err != nil {
		slog.Error("Failed to write CSV row", "project", key, "error", err)
		return outcomeFailed
	}
	if e.opts.JSONL {
		if err := e.appendJSONL(key, measures); err != nil {
			slog.Error("Failed to write JSONL line", "project", key, "error", err)
			return outcomeFailed
		}
	}
	if err := e.markDone(key); err != nil {
		slog.Error("Failed to record progress", "project", key, "error", err)
		return outcomeFailed
	}
	return outcomeSuccess
}

// fetchAllMeasures chunks the metric list to keep request URLs short, with a
// polite delay between chunk calls.
func (e *Exporter) fetchAllMeasures(ctx context.Context, key string) ([]sonar.Measure, error) {
	var all []sonar.Measure
	keys := e.opts.MetricKeys
	for start := 0; start < len(keys); start += e.opts.ChunkSize {
		end := start + e.opts.ChunkSize
		if end > len(keys) {
			end = len(keys)
		}
		measures, err := e.client.ComponentMeasures(ctx, key, keys[start:end])
		if err != nil {
			return nil, err
		}
		all = append(all, measures...)

		if end < len(keys) && e.opts.PerChunkDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(e.opts.PerChunkDelay):
			}
		}
	}
	return all, nil
}

// isPending reports whether the project has no usable measure values yet.
func isPending(measures []sonar.Measure) bool {
	for _, m := range measures {
		if strings.TrimSpace(m.EffectiveValue()) != "" {
			return false
		}
	}
	return true
}

// ParseComponentKey splits "{repo}_{commit}" keys, scanning from the right
// for a 40-hex segment so repo names containing underscores survive. Keys
// without a SHA-looking segment split at the last underscore.
func ParseComponentKey(key string) (repo, commit string) {
	parts := strings.Split(key, "_")
	if len(parts) >= 2 {
		for i := len(parts) - 1; i >= 0; i-- {
			if isHex40(parts[i]) {
				return strings.Join(parts[:i], "_"), parts[i]
			}
		}
		return strings.Join(parts[:len(parts)-1], "_"), parts[len(parts)-1]
	}
	return key, ""
}

func isHex40(s string) bool {
	if len(s) != 40 {
		return false
	}
	for _, c := range strings.ToLower(s) {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func (e *Exporter) header() []string {
	return append([]string{"repo", "commit"}, e.opts.MetricKeys...)
}

func (e *Exporter) ensureCSVHeader() error {
	e.csvMu.Lock()
	defer e.csvMu.Unlock()
	if _, err := os.Stat(e.csvPath); err == nil {
		return nil
	}
	f, err := os.OpenFile(e.csvPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("creating CSV output: %w", err)
	}
	defer f.Close()
	w := csv.NewWriter(f)
	if err := w.Write(e.header()); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

func (e *Exporter) appendCSVRow(key string, measures []sonar.Measure) error {
	repo, commit := ParseComponentKey(key)
	values := map[string]string{}
	for _, m := range measures {
		if m.Metric != "" {
			values[m.Metric] = m.EffectiveValue()
		}
	}
	row := make([]string, 0, len(e.opts.MetricKeys)+2)
	row = append(row, repo, commit)
	for _, mk := range e.opts.MetricKeys {
		row = append(row, values[mk])
	}

	e.csvMu.Lock()
	defer e.csvMu.Unlock()
	f, err := os.OpenFile(e.csvPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	w := csv.NewWriter(f)
	if err := w.Write(row); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

func (e *Exporter) appendJSONL(key string, measures []sonar.Measure) error {
	line, err := json.Marshal(map[string]any{
		"component": key,
		"measures":  measures,
	})
	if err != nil {
		return err
	}

	e.jsonlMu.Lock()
	defer e.jsonlMu.Unlock()
	f, err := os.OpenFile(e.jsonlPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(line, '\n'))
	return err
}

func (e *Exporter) markDone(key string) error {
	e.progressMu.Lock()
	defer e.progressMu.Unlock()
	f, err := os.OpenFile(e.progressPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(key + "\n")
	return err
}

func (e *Exporter) loadProgress() (map[string]bool, error) {
	done := map[string]bool{}
	data, err := os.ReadFile(e.progressPath)
	if os.IsNotExist(err) {
		return done, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading progress file: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			done[line] = true
		}
	}
	return done, nil
}

func dedupe(keys []string) []string {
	seen := map[string]bool{}
	out := keys[:0]
	for _, k := range keys {
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}

func filterDone(keys []string, done map[string]bool) []string {
	out := keys[:0]
	for _, k := range keys {
		if !done[k] {
			out = append(out, k)
		}
	}
	return out
}
