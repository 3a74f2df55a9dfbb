package common

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
)

// digest returns the first n hex characters of the SHA-256 of s.
func digest(s string, n int) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:n]
}

// ContentHash computes the stable 16-hex identity of a job posting:
// lowercased title, company, and the first 500 chars of the description.
func ContentHash(title, company, description string) string {
	if len(description) > 500 {
		description = description[:500]
	}
	key := strings.ToLower(title) + "|" + strings.ToLower(company) + "|" + strings.ToLower(description)
	return digest(key, 16)
}

// ResumeHash computes the stable 16-hex identity of a resume text.
func ResumeHash(resumeText string) string {
	return digest(resumeText, 16)
}

// ExpansionCacheKey computes the 32-hex key for the query-expansion cache:
// sorted lowercased titles plus the first 500 chars of the lowercased resume.
func ExpansionCacheKey(titles []string, resumeText string) string {
	lowered := make([]string, len(titles))
	for i, t := range titles {
		lowered[i] = strings.ToLower(strings.TrimSpace(t))
	}
	sort.Strings(lowered)

	resume := strings.ToLower(resumeText)
	if len(resume) > 500 {
		resume = resume[:500]
	}
	return digest(strings.Join(lowered, "|")+"||"+resume, 32)
}

// RequestKey computes the 16-hex key identifying one collection request.
// Used for both the in-flight dedup cache and the query-result cache.
func RequestKey(query, location string, isRemote bool, jobType, datePosted, source string, limit int) string {
	parts := []string{
		strings.ToLower(strings.TrimSpace(query)),
		strings.ToLower(strings.TrimSpace(location)),
		boolStr(isRemote),
		jobType,
		datePosted,
		source,
		strconv.Itoa(limit),
	}
	return digest(strings.Join(parts, "|"), 16)
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
