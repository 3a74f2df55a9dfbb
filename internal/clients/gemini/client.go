// Package gemini provides the matcher and query-expansion agents on the
// Google Gemini API.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/bobmcallan/scout/internal/common"
	"github.com/bobmcallan/scout/internal/interfaces"
	"github.com/bobmcallan/scout/internal/models"
)

const (
	DefaultModel = "gemini-2.0-flash"

	// resumeExcerptLimit bounds how much resume text goes into a prompt.
	resumeExcerptLimit = 6000

	// MaxResumeSuggestedTitles caps the titles the expansion agent may add
	// from the resume alone.
	MaxResumeSuggestedTitles = 5
)

// Client implements the LLMClient interface.
type Client struct {
	client *genai.Client
	model  string
	logger *common.Logger
}

// ClientOption configures the client
type ClientOption func(*Client)

// WithModel sets the model to use
func WithModel(model string) ClientOption {
	return func(c *Client) {
		if model != "" {
			c.model = model
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *common.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a new Gemini client
func NewClient(ctx context.Context, apiKey string, opts ...ClientOption) (*Client, error) {
	genaiClient, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	c := &Client{
		client: genaiClient,
		model:  DefaultModel,
		logger: common.NewSilentLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// matchSchema constrains the matcher agent to the MatchEvaluation shape.
var matchSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"score":          {Type: genai.TypeNumber, Description: "Fit score from 1 to 100"},
		"reasoning":      {Type: genai.TypeString},
		"matched_skills": {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
		"missing_skills": {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
		"pros":           {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
		"cons":           {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
	},
	Required: []string{"score", "reasoning"},
}

// expansionSchema constrains the query-expansion agent.
var expansionSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"expanded_titles":         {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
		"resume_suggested_titles": {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
	},
	Required: []string{"expanded_titles"},
}

// MatchJob scores one job against a resume.
func (c *Client) MatchJob(ctx context.Context, job *models.Job, resumeText string) (*models.MatchEvaluation, error) {
	prompt := buildMatchPrompt(job, resumeText)

	text, err := c.generateJSON(ctx, prompt, matchSchema)
	if err != nil {
		return nil, err
	}

	var eval models.MatchEvaluation
	if err := json.Unmarshal([]byte(text), &eval); err != nil {
		return nil, models.Errorf(models.ErrKindInvalidInput, "malformed matcher output: %v", err)
	}
	if eval.Score < 1 || eval.Score > 100 {
		return nil, models.Errorf(models.ErrKindInvalidInput, "matcher score %.1f out of range", eval.Score)
	}
	return &eval, nil
}

// ExpandTitles suggests search-title variants. Expanded titles are capped at
// twice the originals, resume-suggested titles at five.
func (c *Client) ExpandTitles(ctx context.Context, titles []string, resumeText string) (*models.ExpansionResult, error) {
	prompt := buildExpansionPrompt(titles, resumeText)

	text, err := c.generateJSON(ctx, prompt, expansionSchema)
	if err != nil {
		return nil, err
	}

	var result models.ExpansionResult
	if err := json.Unmarshal([]byte(text), &result); err != nil {
		return nil, models.Errorf(models.ErrKindInvalidInput, "malformed expansion output: %v", err)
	}

	if limit := 2 * len(titles); len(result.ExpandedTitles) > limit {
		result.ExpandedTitles = result.ExpandedTitles[:limit]
	}
	if len(result.ResumeSuggestedTitles) > MaxResumeSuggestedTitles {
		result.ResumeSuggestedTitles = result.ResumeSuggestedTitles[:MaxResumeSuggestedTitles]
	}
	return &result, nil
}

func (c *Client) generateJSON(ctx context.Context, prompt string, schema *genai.Schema) (string, error) {
	c.logger.Debug().Str("model", c.model).Msg("Generating structured content")

	config := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   schema,
	}
	result, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(prompt), config)
	if err != nil {
		if models.IsRateLimitMessage(err.Error()) {
			return "", models.Errorf(models.ErrKindRateLimited, "llm rate limited: %v", err)
		}
		return "", models.Errorf(models.ErrKindTransient, "llm request failed: %v", err)
	}

	return extractText(result)
}

func extractText(result *genai.GenerateContentResponse) (string, error) {
	if len(result.Candidates) == 0 || result.Candidates[0].Content == nil || len(result.Candidates[0].Content.Parts) == 0 {
		return "", models.Errorf(models.ErrKindInvalidInput, "no content generated")
	}

	text := ""
	for _, part := range result.Candidates[0].Content.Parts {
		if part.Text != "" {
			text += part.Text
		}
	}
	return text, nil
}

func buildMatchPrompt(job *models.Job, resumeText string) string {
	var sb strings.Builder
	sb.WriteString("You are a recruiting assistant. Score how well the candidate's resume fits the job posting on a 1-100 scale.\n\n")
	sb.WriteString("Job posting:\n")
	fmt.Fprintf(&sb, "Title: %s\nCompany: %s\nLocation: %s\n", job.Title, job.Company, job.Location)
	if job.IsRemote {
		sb.WriteString("Remote: yes\n")
	}
	sb.WriteString("Description:\n")
	sb.WriteString(job.Description)
	sb.WriteString("\n\nResume:\n")
	sb.WriteString(excerpt(resumeText, resumeExcerptLimit))
	sb.WriteString("\n\nReturn the score, a short reasoning, matched and missing skills, and the top pros and cons.")
	return sb.String()
}

func buildExpansionPrompt(titles []string, resumeText string) string {
	var sb strings.Builder
	sb.WriteString("You are a job-search assistant. Given the search titles below, suggest close variants a job board would use for the same roles.\n\n")
	sb.WriteString("Search titles:\n")
	for _, title := range titles {
		sb.WriteString("- ")
		sb.WriteString(title)
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "\nReturn at most %d expanded titles overall.\n", 2*len(titles))
	fmt.Fprintf(&sb, "Separately, suggest up to %d additional titles the candidate qualifies for based on the resume below.\n\n", MaxResumeSuggestedTitles)
	sb.WriteString("Resume:\n")
	sb.WriteString(excerpt(resumeText, resumeExcerptLimit))
	return sb.String()
}

func excerpt(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}

var _ interfaces.LLMClient = (*Client)(nil)
