package exporter

// DefaultMetricKeys is the curated metric set exported for every project.
// Restricting to a fixed list keeps measure calls small and the CSV columns
// stable across runs.
var DefaultMetricKeys = []string{
	"bugs",
	"reliability_issues",
	"reliability_rating",
	"software_quality_reliability_remediation_effort",
	"software_quality_reliability_issues",
	"reliability_remediation_effort",
	"software_quality_reliability_rating",
	"vulnerabilities",
	"security_issues",
	"security_rating",
	"security_hotspots",
	"software_quality_security_rating",
	"software_quality_security_issues",
	"software_quality_security_remediation_effort",
	"security_remediation_effort",
	"security_review_rating",
	"security_hotspots_to_review_status",
	"code_smells",
	"sqale_index",
	"sqale_debt_ratio",
	"sqale_rating",
	"maintainability_issues",
	"development_cost",
	"effort_to_reach_maintainability_rating_a",
	"software_quality_maintainability_debt_ratio",
	"software_quality_maintainability_remediation_effort",
	"software_quality_maintainability_rating",
	"effort_to_reach_software_quality_maintainability_rating_a",
	"coverage",
	"line_coverage",
	"lines_to_cover",
	"uncovered_lines",
	"duplicated_lines_density",
	"duplicated_lines",
	"duplicated_blocks",
	"duplicated_files",
	"cognitive_complexity",
	"complexity",
	"ncloc",
	"lines",
	"files",
	"classes",
	"functions",
	"statements",
	"ncloc_language_distribution",
	"comment_lines_density",
	"comment_lines",
	"alert_status",
	"quality_gate_details",
	"software_quality_blocker_issues",
	"critical_violations",
	"violations",
	"software_quality_high_issues",
	"info_violations",
	"software_quality_low_issues",
	"software_quality_maintainability_issues",
	"software_quality_info_issues",
	"minor_violations",
	"major_violations",
	"software_quality_medium_issues",
	"open_issues",
	"last_commit_date",
}
