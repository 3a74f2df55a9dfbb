package surrealdb

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/bobmcallan/scout/internal/common"
	"github.com/bobmcallan/scout/internal/interfaces"
	"github.com/bobmcallan/scout/internal/models"
)

// matchSelectFields aliases match_id to id for struct mapping.
const matchSelectFields = "match_id as id, job_id, resume_hash, score, reasoning, " +
	"matched_skills, missing_skills, pros, cons, created_at"

// MatchStore implements interfaces.MatchStore using SurrealDB.
// At most one row exists per (job_id, resume_hash).
type MatchStore struct {
	db     *surrealdb.DB
	logger *common.Logger
}

// NewMatchStore creates a new MatchStore.
func NewMatchStore(db *surrealdb.DB, logger *common.Logger) *MatchStore {
	return &MatchStore{db: db, logger: logger}
}

// Upsert writes the match, reusing the existing row id when the
// (job_id, resume_hash) pair has been scored before.
func (s *MatchStore) Upsert(ctx context.Context, match *models.JobMatch) (*models.JobMatch, error) {
	existing, err := s.findByKey(ctx, match.JobID, match.ResumeHash)
	if err != nil {
		return nil, err
	}

	saved := *match
	if existing != nil {
		saved.ID = existing.ID
		saved.CreatedAt = existing.CreatedAt
	}
	if saved.ID == "" {
		saved.ID = uuid.New().String()[:8]
	}
	if saved.CreatedAt.IsZero() {
		saved.CreatedAt = time.Now()
	}

	sql := `UPSERT $rid SET
		match_id = $match_id, job_id = $job_id, resume_hash = $resume_hash,
		score = $score, reasoning = $reasoning, matched_skills = $matched_skills,
		missing_skills = $missing_skills, pros = $pros, cons = $cons,
		created_at = $created_at`
	vars := map[string]any{
		"rid":            surrealmodels.NewRecordID("job_match", saved.ID),
		"match_id":       saved.ID,
		"job_id":         saved.JobID,
		"resume_hash":    saved.ResumeHash,
		"score":          saved.Score,
		"reasoning":      saved.Reasoning,
		"matched_skills": saved.MatchedSkills,
		"missing_skills": saved.MissingSkills,
		"pros":           saved.Pros,
		"cons":           saved.Cons,
		"created_at":     saved.CreatedAt,
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return nil, fmt.Errorf("failed to upsert match: %w", err)
	}
	return &saved, nil
}

func (s *MatchStore) Get(ctx context.Context, id string) (*models.JobMatch, error) {
	sql := "SELECT " + matchSelectFields + " FROM job_match WHERE match_id = $id LIMIT 1"
	vars := map[string]any{"id": id}
	return s.queryOne(ctx, sql, vars)
}

// FindByJobs is the batch cache lookup: all stored matches for the given
// job hashes against one resume, in a single query.
func (s *MatchStore) FindByJobs(ctx context.Context, jobHashes []string, resumeHash string) ([]*models.JobMatch, error) {
	if len(jobHashes) == 0 {
		return nil, nil
	}

	sql := "SELECT " + matchSelectFields + " FROM job_match WHERE resume_hash = $resume AND job_id IN $hashes"
	vars := map[string]any{"resume": resumeHash, "hashes": jobHashes}

	results, err := surrealdb.Query[[]models.JobMatch](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to find matches by jobs: %w", err)
	}

	var matches []*models.JobMatch
	if results != nil && len(*results) > 0 {
		for i := range (*results)[0].Result {
			matches = append(matches, &(*results)[0].Result[i])
		}
	}
	return matches, nil
}

// TopSkills tallies matched skills across all of a resume's matches.
// The frequency table is built client-side from the skill arrays.
func (s *MatchStore) TopSkills(ctx context.Context, resumeHash string, limit int) ([]models.SkillCount, error) {
	if limit <= 0 {
		limit = 10
	}

	sql := "SELECT matched_skills FROM job_match WHERE resume_hash = $resume"
	vars := map[string]any{"resume": resumeHash}

	type skillsRow struct {
		MatchedSkills []string `json:"matched_skills"`
	}

	results, err := surrealdb.Query[[]skillsRow](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to query matched skills: %w", err)
	}

	counts := make(map[string]int)
	if results != nil && len(*results) > 0 {
		for _, row := range (*results)[0].Result {
			for _, skill := range row.MatchedSkills {
				counts[skill]++
			}
		}
	}

	table := make([]models.SkillCount, 0, len(counts))
	for skill, count := range counts {
		table = append(table, models.SkillCount{Skill: skill, Count: count})
	}
	sort.Slice(table, func(i, j int) bool {
		if table[i].Count != table[j].Count {
			return table[i].Count > table[j].Count
		}
		return table[i].Skill < table[j].Skill
	})

	if len(table) > limit {
		table = table[:limit]
	}
	return table, nil
}

func (s *MatchStore) findByKey(ctx context.Context, jobID, resumeHash string) (*models.JobMatch, error) {
	sql := "SELECT " + matchSelectFields + " FROM job_match WHERE job_id = $job_id AND resume_hash = $resume LIMIT 1"
	vars := map[string]any{"job_id": jobID, "resume": resumeHash}
	return s.queryOne(ctx, sql, vars)
}

func (s *MatchStore) queryOne(ctx context.Context, sql string, vars map[string]any) (*models.JobMatch, error) {
	results, err := surrealdb.Query[[]models.JobMatch](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to query match: %w", err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, nil
	}
	return &(*results)[0].Result[0], nil
}

// Compile-time check
var _ interfaces.MatchStore = (*MatchStore)(nil)
