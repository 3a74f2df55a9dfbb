package pipeline

import (
	"strings"

	"github.com/bobmcallan/scout/internal/common"
	"github.com/bobmcallan/scout/internal/models"
)

// zero-width characters that scraped postings commonly carry.
var zeroWidthReplacer = strings.NewReplacer(
	"\u200b", "", // zero-width space
	"\u200c", "", // zero-width non-joiner
	"\u200d", "", // zero-width joiner
	"\ufeff", "", // byte-order mark
)

// cleanText strips zero-width characters and collapses runs of whitespace.
func cleanText(s string) string {
	s = zeroWidthReplacer.Replace(s)
	return strings.Join(strings.Fields(s), " ")
}

// normalizeJobs cleans each posting's text fields, recomputes content
// hashes, and drops duplicates preserving first-seen order.
func normalizeJobs(jobs []*models.Job) []*models.Job {
	seen := make(map[string]bool, len(jobs))
	unique := make([]*models.Job, 0, len(jobs))
	for _, job := range jobs {
		job.Title = cleanText(job.Title)
		job.Company = cleanText(job.Company)
		job.Location = cleanText(job.Location)
		job.Description = cleanText(job.Description)
		job.ContentHash = common.ContentHash(job.Title, job.Company, job.Description)

		if seen[job.ContentHash] {
			continue
		}
		seen[job.ContentHash] = true
		unique = append(unique, job)
	}
	return unique
}

// applyFilters applies the subscription's exclusion and location filters,
// in that order.
func applyFilters(jobs []*models.Job, sub *models.Subscription) []*models.Job {
	filtered := make([]*models.Job, 0, len(jobs))
	for _, job := range jobs {
		if matchesAny(job.Title, sub.ExcludedTitles) {
			continue
		}
		if matchesAny(job.Company, sub.ExcludedCompanies) {
			continue
		}
		if !locationAllowed(job, sub) {
			continue
		}
		filtered = append(filtered, job)
	}
	return filtered
}

// matchesAny reports whether any exclusion term is a case-insensitive
// substring of the value.
func matchesAny(value string, terms []string) bool {
	if len(terms) == 0 {
		return false
	}
	lowered := strings.ToLower(value)
	for _, term := range terms {
		term = strings.ToLower(strings.TrimSpace(term))
		if term != "" && strings.Contains(lowered, term) {
			return true
		}
	}
	return false
}

// locationAllowed reports whether a posting fits any of the subscription's
// locations: remote postings need a remote location on the subscription,
// physical postings need their location text to mention a physical
// location's search variants, city, state, or display name.
func locationAllowed(job *models.Job, sub *models.Subscription) bool {
	if job.IsRemote && len(sub.RemoteLocations()) > 0 {
		return true
	}

	jobLoc := strings.ToLower(job.Location)
	for _, loc := range sub.PhysicalLocations() {
		candidates := make([]string, 0, len(loc.SearchVariants)+3)
		candidates = append(candidates, loc.SearchVariants...)
		candidates = append(candidates, loc.City, loc.State, loc.Display)
		for _, c := range candidates {
			c = strings.ToLower(strings.TrimSpace(c))
			if c != "" && strings.Contains(jobLoc, c) {
				return true
			}
		}
	}
	return false
}
