package models

// ActivityStats aggregates run counters over a reporting period.
type ActivityStats struct {
	JobsScanned       int    `json:"jobs_scanned"`
	MatchesFound      int    `json:"matches_found"`
	NotificationsSent int    `json:"notifications_sent"`
	TotalRuns         int    `json:"total_runs"`
	FailedRuns        int    `json:"failed_runs"`
	Period            string `json:"period"`
	PeriodLabel       string `json:"period_label"`
}

// SkillCount is one entry of the matched-skill frequency table.
type SkillCount struct {
	Skill string `json:"skill"`
	Count int    `json:"count"`
}
