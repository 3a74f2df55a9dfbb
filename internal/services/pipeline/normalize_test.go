package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/scout/internal/models"
)

func TestCleanText(t *testing.T) {
	assert.Equal(t, "Senior Go Engineer", cleanText("  Senior \u200bGo\u200d   Engineer\n"))
	assert.Equal(t, "a b", cleanText("a\t\t b\ufeff"))
	assert.Equal(t, "", cleanText("\u200b \u200c"))
}

func TestNormalizeJobsDedupesByContentHash(t *testing.T) {
	jobs := []*models.Job{
		{Title: "Go Engineer", Company: "Acme", Description: "desc"},
		{Title: "  Go\u200b Engineer ", Company: "ACME", Description: "desc"},
		{Title: "Rust Engineer", Company: "Acme", Description: "desc"},
	}

	unique := normalizeJobs(jobs)
	require.Len(t, unique, 2, "hash dedup is case-insensitive and ignores zero-width noise")
	assert.Equal(t, "Go Engineer", unique[0].Title)
	assert.Equal(t, "Rust Engineer", unique[1].Title)
	assert.Len(t, unique[0].ContentHash, 16)
}

func testSubscription() *models.Subscription {
	return &models.Subscription{
		ID:        "sub-1",
		UserID:    "user-1",
		JobTitles: []string{"Go Engineer"},
		Locations: []models.Location{
			{Display: "Remote", Type: models.LocationRemote, Country: "Germany"},
			{Display: "Berlin, Germany", Type: models.LocationPhysical, City: "Berlin", State: "BE", Country: "Germany",
				SearchVariants: []string{"Berlin"}},
		},
		ExcludedTitles:    []string{"intern"},
		ExcludedCompanies: []string{"Shady Corp"},
		MinScore:          60,
		DatePosted:        models.DatePostedWeek,
	}
}

func TestApplyFiltersExclusions(t *testing.T) {
	sub := testSubscription()
	jobs := []*models.Job{
		{Title: "Go Engineer", Company: "Acme", Location: "Berlin"},
		{Title: "Engineering Intern", Company: "Acme", Location: "Berlin"},
		{Title: "Go Engineer", Company: "shady corp gmbh", Location: "Berlin"},
	}

	filtered := applyFilters(jobs, sub)
	require.Len(t, filtered, 1)
	assert.Equal(t, "Acme", filtered[0].Company)
}

func TestApplyFiltersLocation(t *testing.T) {
	sub := testSubscription()
	jobs := []*models.Job{
		{Title: "A", Company: "x", IsRemote: true},
		{Title: "B", Company: "x", Location: "Berlin, Germany"},
		{Title: "C", Company: "x", Location: "Munich, Germany"},
	}

	filtered := applyFilters(jobs, sub)
	require.Len(t, filtered, 2)
	assert.Equal(t, "A", filtered[0].Title, "remote posting passes because the subscription has a remote location")
	assert.Equal(t, "B", filtered[1].Title)
}

func TestApplyFiltersNoLocationsRejectsAll(t *testing.T) {
	sub := &models.Subscription{ID: "sub-2"}
	jobs := []*models.Job{
		{Title: "A", Company: "x", IsRemote: true},
		{Title: "B", Company: "x", Location: "Berlin"},
	}
	assert.Empty(t, applyFilters(jobs, sub))
}

func TestLocationVariants(t *testing.T) {
	sub := testSubscription()
	variants := locationVariants(sub)
	require.Len(t, variants, 2)

	assert.True(t, variants[0].remote)
	assert.Equal(t, "Germany", variants[0].country, "single remote country is passed through")
	assert.Equal(t, "Berlin", variants[1].location)

	// Disagreeing remote countries omit the country.
	sub.Locations = append(sub.Locations, models.Location{Display: "Remote US", Type: models.LocationRemote, Country: "United States"})
	variants = locationVariants(sub)
	assert.Equal(t, "", variants[0].country)
}

func TestDedupeTitles(t *testing.T) {
	titles := dedupeTitles([]string{"Go Engineer", "go engineer", "Backend Engineer", "", "Go  Engineer"})
	assert.Equal(t, []string{"Go Engineer", "Backend Engineer"}, titles)
}
