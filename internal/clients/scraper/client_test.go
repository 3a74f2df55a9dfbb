package scraper

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/scout/internal/models"
)

type recordedRequest struct {
	header http.Header
	body   scrapeRequest
}

func newTestServer(t *testing.T, respond func(req scrapeRequest) (int, scrapeResponse)) (*Client, *[]recordedRequest) {
	t.Helper()
	var mu sync.Mutex
	var requests []recordedRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/scrape" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var req scrapeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		mu.Lock()
		requests = append(requests, recordedRequest{header: r.Header.Clone(), body: req})
		mu.Unlock()

		status, resp := respond(req)
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(server.Close)

	client := NewClient(server.URL, WithAPIKey("secret"))
	return client, &requests
}

func sampleWireJobs() []wireJob {
	return []wireJob{
		{Title: "Go Engineer", Company: "Acme", Description: "write Go", Location: "Berlin", JobURL: "https://jobs/1", ID: "1", DatePosted: "2026-08-20"},
		{Title: "Platform Engineer", Company: "Globex", Description: "run infra", Location: "Remote", IsRemote: true, JobURL: "https://jobs/2", ID: "2"},
	}
}

func TestScrapeMapsRequestAndResponse(t *testing.T) {
	client, requests := newTestServer(t, func(_ scrapeRequest) (int, scrapeResponse) {
		return http.StatusOK, scrapeResponse{Jobs: sampleWireJobs()}
	})

	jobs, err := client.Scrape(context.Background(), models.CollectionRequest{
		Query:      "go engineer",
		Location:   "berlin",
		DatePosted: models.DatePostedWeek,
		Source:     models.SourceScraper,
		Limit:      50,
	})
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	assert.NotEmpty(t, jobs[0].ContentHash)
	assert.Len(t, jobs[0].ContentHash, 16)
	assert.Equal(t, "Go Engineer", jobs[0].Title)
	assert.Equal(t, models.SourceScraper, jobs[0].Source)
	assert.Equal(t, "2026-08-20", jobs[0].PostedDate.Format("2006-01-02"))
	assert.True(t, jobs[1].IsRemote)

	require.Len(t, *requests, 1)
	sent := (*requests)[0]
	assert.Equal(t, "secret", sent.header.Get("X-API-Key"))
	assert.Equal(t, "go engineer", sent.body.SearchTerm)
	assert.Equal(t, 168, sent.body.HoursOld, "week maps to 168 hours")
	assert.Equal(t, 50, sent.body.ResultsWanted)
}

func TestScrapeHoursOldMapping(t *testing.T) {
	cases := []struct {
		datePosted string
		hoursOld   int
	}{
		{models.DatePostedToday, 24},
		{models.DatePosted3Days, 72},
		{models.DatePostedWeek, 168},
		{models.DatePostedMonth, 720},
		{models.DatePostedAll, 0},
	}
	for _, tc := range cases {
		t.Run(tc.datePosted, func(t *testing.T) {
			client, requests := newTestServer(t, func(_ scrapeRequest) (int, scrapeResponse) {
				return http.StatusOK, scrapeResponse{}
			})
			_, err := client.Scrape(context.Background(), models.CollectionRequest{
				Query:      "x",
				DatePosted: tc.datePosted,
				Source:     models.SourceScraper,
				Limit:      10,
			})
			require.NoError(t, err)
			require.Len(t, *requests, 1)
			assert.Equal(t, tc.hoursOld, (*requests)[0].body.HoursOld)
		})
	}
}

func TestScrapeDualRequestIntersectsByURL(t *testing.T) {
	// hours_old combined with is_remote forces two scrapes; only postings in
	// both result sets survive.
	client, requests := newTestServer(t, func(req scrapeRequest) (int, scrapeResponse) {
		if req.HoursOld > 0 {
			return http.StatusOK, scrapeResponse{Jobs: []wireJob{
				{Title: "A", JobURL: "https://jobs/1"},
				{Title: "B", JobURL: "https://jobs/2"},
			}}
		}
		return http.StatusOK, scrapeResponse{Jobs: []wireJob{
			{Title: "B", JobURL: "https://jobs/2"},
			{Title: "C", JobURL: "https://jobs/3"},
		}}
	})

	jobs, err := client.Scrape(context.Background(), models.CollectionRequest{
		Query:      "go engineer",
		IsRemote:   true,
		DatePosted: models.DatePostedToday,
		Source:     models.SourceScraper,
		Limit:      10,
	})
	require.NoError(t, err)
	require.Len(t, *requests, 2)
	require.Len(t, jobs, 1)
	assert.Equal(t, "https://jobs/2", jobs[0].ApplicationURL)

	// The freshness scrape carries no filters; the filtered scrape no window.
	first, second := (*requests)[0].body, (*requests)[1].body
	assert.Equal(t, 24, first.HoursOld)
	assert.Nil(t, first.IsRemote)
	assert.Equal(t, 0, second.HoursOld)
	require.NotNil(t, second.IsRemote)
	assert.True(t, *second.IsRemote)
}

func TestScrapeStatusClassification(t *testing.T) {
	cases := []struct {
		status int
		kind   models.ErrorKind
	}{
		{http.StatusTooManyRequests, models.ErrKindRateLimited},
		{http.StatusBadGateway, models.ErrKindTransient},
		{http.StatusUnprocessableEntity, models.ErrKindInvalidInput},
	}
	for _, tc := range cases {
		client, _ := newTestServer(t, func(_ scrapeRequest) (int, scrapeResponse) {
			return tc.status, scrapeResponse{}
		})
		_, err := client.Scrape(context.Background(), models.CollectionRequest{
			Query:      "x",
			DatePosted: models.DatePostedAll,
			Source:     models.SourceScraper,
			Limit:      10,
		})
		require.Error(t, err)
		assert.True(t, models.IsKind(err, tc.kind), "status %d should classify as %s", tc.status, tc.kind)
	}
}

func TestNotifyCancelToleratesFailure(t *testing.T) {
	client := NewClient("http://127.0.0.1:1") // nothing listening
	client.NotifyCancel(context.Background(), "run1")
}
