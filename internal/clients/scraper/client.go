// Package scraper provides a client for the external job-scraping service.
package scraper

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bobmcallan/scout/internal/common"
	"github.com/bobmcallan/scout/internal/interfaces"
	"github.com/bobmcallan/scout/internal/models"
)

const (
	DefaultTimeout = 3 * time.Minute
)

// Client implements the ScraperClient interface.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *common.Logger
}

// ClientOption configures the client
type ClientOption func(*Client)

// WithAPIKey sets the X-API-Key header value
func WithAPIKey(apiKey string) ClientOption {
	return func(c *Client) {
		c.apiKey = apiKey
	}
}

// WithTimeout sets the HTTP timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithLogger sets the logger
func WithLogger(logger *common.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a new scraper client
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: common.NewSilentLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// scrapeRequest is the wire body of POST /scrape.
type scrapeRequest struct {
	SearchTerm    string   `json:"search_term"`
	Location      string   `json:"location,omitempty"`
	Country       string   `json:"country,omitempty"`
	SiteName      []string `json:"site_name"`
	ResultsWanted int      `json:"results_wanted"`
	IsRemote      *bool    `json:"is_remote,omitempty"`
	JobType       string   `json:"job_type,omitempty"`
	HoursOld      int      `json:"hours_old,omitempty"`
}

// wireJob is one posting as the scraper returns it.
type wireJob struct {
	Title       string  `json:"title"`
	Company     string  `json:"company"`
	Description string  `json:"description"`
	Location    string  `json:"location"`
	IsRemote    bool    `json:"is_remote"`
	MinAmount   float64 `json:"min_amount"`
	MaxAmount   float64 `json:"max_amount"`
	Currency    string  `json:"currency"`
	JobURL      string  `json:"job_url"`
	Site        string  `json:"site"`
	ID          string  `json:"id"`
	DatePosted  string  `json:"date_posted"`
}

type scrapeResponse struct {
	Jobs []wireJob `json:"jobs"`
}

// Scrape executes one collection request. When the request needs both a
// freshness window and a job-type or remote filter, the upstream scraper
// cannot combine them, so two scrapes are issued and intersected by
// application URL.
func (c *Client) Scrape(ctx context.Context, req models.CollectionRequest) ([]*models.Job, error) {
	hoursOld := models.HoursOld(req.DatePosted)
	needsFilter := len(req.JobTypes) > 0 || req.IsRemote

	if hoursOld > 0 && needsFilter {
		return c.scrapeIntersect(ctx, req, hoursOld)
	}

	wire := c.buildRequest(req)
	wire.HoursOld = hoursOld
	jobs, err := c.scrapeOnce(ctx, wire)
	if err != nil {
		return nil, err
	}
	return c.normalize(jobs, req), nil
}

// scrapeIntersect runs the freshness-window scrape and the filtered scrape
// separately, keeping only postings present in both.
func (c *Client) scrapeIntersect(ctx context.Context, req models.CollectionRequest, hoursOld int) ([]*models.Job, error) {
	fresh := c.buildRequest(req)
	fresh.HoursOld = hoursOld
	fresh.IsRemote = nil
	fresh.JobType = ""

	filtered := c.buildRequest(req)

	freshJobs, err := c.scrapeOnce(ctx, fresh)
	if err != nil {
		return nil, err
	}
	filteredJobs, err := c.scrapeOnce(ctx, filtered)
	if err != nil {
		return nil, err
	}

	freshURLs := make(map[string]bool, len(freshJobs))
	for _, j := range freshJobs {
		freshURLs[j.JobURL] = true
	}
	var both []wireJob
	for _, j := range filteredJobs {
		if freshURLs[j.JobURL] {
			both = append(both, j)
		}
	}

	c.logger.Debug().
		Str("query", req.Query).
		Int("fresh", len(freshJobs)).
		Int("filtered", len(filteredJobs)).
		Int("intersection", len(both)).
		Msg("Dual scrape intersected")
	return c.normalize(both, req), nil
}

func (c *Client) buildRequest(req models.CollectionRequest) scrapeRequest {
	wire := scrapeRequest{
		SearchTerm:    req.Query,
		Location:      req.Location,
		Country:       req.Country,
		SiteName:      []string{req.Source},
		ResultsWanted: req.Limit,
	}
	if req.IsRemote {
		remote := true
		wire.IsRemote = &remote
	}
	if len(req.JobTypes) == 1 {
		// The scraper accepts a single job_type; multiple types fall back
		// to unfiltered results and are filtered during normalization.
		wire.JobType = req.JobTypes[0]
	}
	return wire
}

func (c *Client) scrapeOnce(ctx context.Context, wire scrapeRequest) ([]wireJob, error) {
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, models.NewError(models.ErrKindFatal, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/scrape", bytes.NewReader(body))
	if err != nil {
		return nil, models.NewError(models.ErrKindFatal, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("X-API-Key", c.apiKey)
	}

	c.logger.Debug().
		Str("search_term", wire.SearchTerm).
		Str("location", wire.Location).
		Int("hours_old", wire.HoursOld).
		Msg("Scraper request")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, models.Errorf(models.ErrKindTransient, "scraper request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, classifyStatus(resp.StatusCode, string(snippet))
	}

	var result scrapeResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, models.Errorf(models.ErrKindTransient, "failed to decode scraper response: %v", err)
	}
	return result.Jobs, nil
}

func classifyStatus(status int, body string) error {
	switch {
	case status == http.StatusTooManyRequests:
		return models.Errorf(models.ErrKindRateLimited, "scraper returned 429: %s", body)
	case status >= 500:
		return models.Errorf(models.ErrKindTransient, "scraper returned %d: %s", status, body)
	case status >= 400:
		return models.Errorf(models.ErrKindInvalidInput, "scraper returned %d: %s", status, body)
	default:
		return models.Errorf(models.ErrKindTransient, "scraper returned unexpected status %d", status)
	}
}

// normalize converts wire postings into content-hashed Jobs.
func (c *Client) normalize(jobs []wireJob, req models.CollectionRequest) []*models.Job {
	now := time.Now()
	out := make([]*models.Job, 0, len(jobs))
	for _, w := range jobs {
		job := &models.Job{
			ContentHash:    common.ContentHash(w.Title, w.Company, w.Description),
			Title:          w.Title,
			Company:        w.Company,
			Description:    w.Description,
			Location:       w.Location,
			IsRemote:       w.IsRemote,
			SalaryMin:      w.MinAmount,
			SalaryMax:      w.MaxAmount,
			SalaryCurrency: w.Currency,
			ApplicationURL: w.JobURL,
			Source:         req.Source,
			SourceID:       w.ID,
			FirstSeenAt:    now,
			LastSeenAt:     now,
		}
		if w.DatePosted != "" {
			if posted, err := time.Parse("2006-01-02", w.DatePosted); err == nil {
				job.PostedDate = posted
			}
		}
		out = append(out, job)
	}
	return out
}

// NotifyCancel tells the scraper a run was cancelled so its logs can be
// correlated. Best-effort; failures are swallowed.
func (c *Client) NotifyCancel(ctx context.Context, runID string) {
	body, _ := json.Marshal(map[string]string{"run_id": runID, "event": "cancelled"})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/notify", bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug().Err(err).Str("run_id", runID).Msg("Cancel notify failed")
		return
	}
	resp.Body.Close()
}

var _ interfaces.ScraperClient = (*Client)(nil)
