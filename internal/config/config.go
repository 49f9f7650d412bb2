package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	// DefaultWorkDir is used when WORK_DIR is unset.
	DefaultWorkDir = "work_dir"
	// DefaultCheckpointFile is resolved relative to the work dir.
	DefaultCheckpointFile = "scan_checkpoint.db"
)

// Load reads the optional config file and applies environment overrides.
// Every setting has a flat environment name (SONAR_HOST_URL, WORK_DIR,
// GITHUB_TOKENS, ...) so the pipeline can run fully env-configured.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	bindEnvs(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// GITHUB_TOKENS arrives as one comma-separated string.
	if raw := v.GetString("github.tokens"); raw != "" && len(cfg.GitHub.Tokens) <= 1 {
		cfg.GitHub.Tokens = splitTokens(raw)
	}

	if cfg.Work.CheckpointFile == "" {
		cfg.Work.CheckpointFile = filepath.Join(cfg.Work.Dir, DefaultCheckpointFile)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("sonar.host_url", "http://localhost:9000")
	v.SetDefault("sonar.token", "")
	v.SetDefault("sonar.scanner_bin", "sonar-scanner")
	v.SetDefault("sonar.exclusions", "")

	v.SetDefault("work.dir", DefaultWorkDir)
	v.SetDefault("work.checkpoint_file", "")

	v.SetDefault("github.tokens", "")

	v.SetDefault("scan.concurrent", 4)
	v.SetDefault("scan.batch_size", 50)
	v.SetDefault("scan.input_csv", "commits_to_scan.csv")
	v.SetDefault("scan.wait_for_ce", false)
	v.SetDefault("scan.wait_for_ce_timeout", 600)
	v.SetDefault("scan.wait_for_ce_poll", 5)

	v.SetDefault("server.port", 8000)
	v.SetDefault("server.auto_resume", false)
	v.SetDefault("server.auto_resume_error", false)
	v.SetDefault("server.scan_schedule", "")
}

// bindEnvs maps the historical flat environment names onto nested keys.
func bindEnvs(v *viper.Viper) {
	_ = v.BindEnv("sonar.host_url", "SONAR_HOST_URL")
	_ = v.BindEnv("sonar.token", "SONAR_TOKEN")
	_ = v.BindEnv("sonar.scanner_bin", "SONAR_SCANNER_BIN")
	_ = v.BindEnv("sonar.exclusions", "SONAR_EXCLUSIONS")
	_ = v.BindEnv("work.dir", "WORK_DIR")
	_ = v.BindEnv("work.checkpoint_file", "CHECKPOINT_FILE")
	_ = v.BindEnv("github.tokens", "GITHUB_TOKENS")
	_ = v.BindEnv("scan.concurrent", "CONCURRENT_SCANS")
	_ = v.BindEnv("scan.batch_size", "BATCH_SIZE")
	_ = v.BindEnv("scan.input_csv", "INPUT_CSV")
	_ = v.BindEnv("scan.wait_for_ce", "WAIT_FOR_CE")
	_ = v.BindEnv("scan.wait_for_ce_timeout", "WAIT_FOR_CE_TIMEOUT")
	_ = v.BindEnv("scan.wait_for_ce_poll", "WAIT_FOR_CE_POLL")
	_ = v.BindEnv("server.auto_resume", "AUTO_RESUME")
	_ = v.BindEnv("server.auto_resume_error", "AUTO_RESUME_ERROR")
}

func splitTokens(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
