package config

// Config is the root configuration for scanpipe. Values come from an optional
// JSON config file plus environment variable overrides (see Load).
type Config struct {
	Sonar  SonarConfig  `mapstructure:"sonar"  json:"sonar"`
	Work   WorkConfig   `mapstructure:"work"   json:"work"`
	GitHub GitHubConfig `mapstructure:"github" json:"github"`
	Scan   ScanConfig   `mapstructure:"scan"   json:"scan"`
	Server ServerConfig `mapstructure:"server" json:"server"`
}

// SonarConfig describes the SonarQube server and scanner binary.
type SonarConfig struct {
	// HostURL is the SonarQube base URL, e.g. http://localhost:9000.
	HostURL string `mapstructure:"host_url" json:"host_url"`
	// Token authenticates both the scanner and the web API.
	Token string `mapstructure:"token" json:"token"`
	// ScannerBin is the sonar-scanner executable name or path.
	ScannerBin string `mapstructure:"scanner_bin" json:"scanner_bin"`
	// Exclusions is passed through as sonar.exclusions when non-empty.
	Exclusions string `mapstructure:"exclusions" json:"exclusions"`
}

// WorkConfig controls the on-disk layout: repo mirrors, per-job worktrees,
// uploads and the checkpoint database all live under Dir.
type WorkConfig struct {
	Dir string `mapstructure:"dir" json:"dir"`
	// CheckpointFile is the SQLite checkpoint path. Defaults to
	// <Dir>/scan_checkpoint.db.
	CheckpointFile string `mapstructure:"checkpoint_file" json:"checkpoint_file"`
}

// GitHubConfig holds the rotating token pool used for commit replay.
type GitHubConfig struct {
	// Tokens is parsed from the comma-separated GITHUB_TOKENS variable.
	Tokens []string `mapstructure:"tokens" json:"tokens"`
}

// ScanConfig controls the batch scheduler and the compute-engine wait probe.
type ScanConfig struct {
	// Concurrent is the scan worker pool size per batch.
	Concurrent int `mapstructure:"concurrent" json:"concurrent"`
	// BatchSize is the number of CSV rows processed per batch.
	BatchSize int    `mapstructure:"batch_size" json:"batch_size"`
	InputCSV  string `mapstructure:"input_csv"  json:"input_csv"`
	// WaitForCE blocks after each successful scan until the server-side
	// compute engine has ingested the analysis.
	WaitForCE           bool `mapstructure:"wait_for_ce"         json:"wait_for_ce"`
	WaitForCETimeoutSec int  `mapstructure:"wait_for_ce_timeout" json:"wait_for_ce_timeout"`
	WaitForCEPollSec    int  `mapstructure:"wait_for_ce_poll"    json:"wait_for_ce_poll"`
}

// ServerConfig controls the upload/submission HTTP server.
type ServerConfig struct {
	// Port is the localhost port the server listens on (default: 8000).
	Port int `mapstructure:"port" json:"port"`
	// AutoResume re-enqueues uploads that were queued or running when the
	// previous process stopped.
	AutoResume bool `mapstructure:"auto_resume" json:"auto_resume"`
	// AutoResumeError additionally re-enqueues uploads that ended in error.
	AutoResumeError bool `mapstructure:"auto_resume_error" json:"auto_resume_error"`
	// ScanSchedule is an optional cron expression that periodically enqueues
	// all pending uploads, e.g. "0 2 * * *". Empty disables the schedule.
	ScanSchedule string `mapstructure:"scan_schedule" json:"scan_schedule"`
}
