package models

// MatchEvaluation is the structured output of the matcher agent.
// Scores may come back fractional; they are rounded and clamped on upsert.
type MatchEvaluation struct {
	Score         float64  `json:"score"`
	Reasoning     string   `json:"reasoning"`
	MatchedSkills []string `json:"matched_skills"`
	MissingSkills []string `json:"missing_skills"`
	Pros          []string `json:"pros"`
	Cons          []string `json:"cons"`
}

// ExpansionResult is the structured output of the query-expansion agent.
type ExpansionResult struct {
	ExpandedTitles        []string `json:"expanded_titles"`
	ResumeSuggestedTitles []string `json:"resume_suggested_titles"`
}
