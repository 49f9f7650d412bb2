package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sonar.HostURL != "http://localhost:9000" {
		t.Errorf("host url = %q", cfg.Sonar.HostURL)
	}
	if cfg.Sonar.ScannerBin != "sonar-scanner" {
		t.Errorf("scanner bin = %q", cfg.Sonar.ScannerBin)
	}
	if cfg.Work.Dir != DefaultWorkDir {
		t.Errorf("work dir = %q", cfg.Work.Dir)
	}
	want := filepath.Join(DefaultWorkDir, DefaultCheckpointFile)
	if cfg.Work.CheckpointFile != want {
		t.Errorf("checkpoint file = %q, want %q", cfg.Work.CheckpointFile, want)
	}
	if cfg.Scan.Concurrent != 4 || cfg.Scan.BatchSize != 50 {
		t.Errorf("scan defaults = %d/%d", cfg.Scan.Concurrent, cfg.Scan.BatchSize)
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if len(cfg.GitHub.Tokens) != 0 {
		t.Errorf("tokens = %v, want empty", cfg.GitHub.Tokens)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SONAR_HOST_URL", "http://sonar.internal:9000")
	t.Setenv("SONAR_TOKEN", "squ_abc")
	t.Setenv("WORK_DIR", "/tmp/pipeline")
	t.Setenv("CONCURRENT_SCANS", "8")
	t.Setenv("WAIT_FOR_CE", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sonar.HostURL != "http://sonar.internal:9000" {
		t.Errorf("host url = %q", cfg.Sonar.HostURL)
	}
	if cfg.Sonar.Token != "squ_abc" {
		t.Errorf("token = %q", cfg.Sonar.Token)
	}
	if cfg.Work.Dir != "/tmp/pipeline" {
		t.Errorf("work dir = %q", cfg.Work.Dir)
	}
	if cfg.Work.CheckpointFile != filepath.Join("/tmp/pipeline", DefaultCheckpointFile) {
		t.Errorf("checkpoint file = %q", cfg.Work.CheckpointFile)
	}
	if cfg.Scan.Concurrent != 8 {
		t.Errorf("concurrent = %d", cfg.Scan.Concurrent)
	}
	if !cfg.Scan.WaitForCE {
		t.Error("wait_for_ce not picked up")
	}
}

func TestLoadGithubTokensSplit(t *testing.T) {
	t.Setenv("GITHUB_TOKENS", "ghp_one, ghp_two,,ghp_three ")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := []string{"ghp_one", "ghp_two", "ghp_three"}
	if len(cfg.GitHub.Tokens) != len(want) {
		t.Fatalf("tokens = %v, want %v", cfg.GitHub.Tokens, want)
	}
	for i, tok := range want {
		if cfg.GitHub.Tokens[i] != tok {
			t.Errorf("token[%d] = %q, want %q", i, cfg.GitHub.Tokens[i], tok)
		}
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{"sonar": {"host_url": "http://filehost:9000"}, "work": {"checkpoint_file": "/var/lib/scanpipe/cp.db"}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sonar.HostURL != "http://filehost:9000" {
		t.Errorf("host url = %q", cfg.Sonar.HostURL)
	}
	if cfg.Work.CheckpointFile != "/var/lib/scanpipe/cp.db" {
		t.Errorf("checkpoint file = %q", cfg.Work.CheckpointFile)
	}
}

func TestLoadMissingConfigFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
