package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jobscout/pipeline-engine/pkg/model"
)

// GetJobMatch implements the persistent match cache lookup of spec.md
// §4.7: "consult match cache (persistent: keyed by (job.contentHash,
// resumeHash))". Returns found=false, not an error, on a cache miss.
func (s *Store) GetJobMatch(ctx context.Context, contentHash, resumeHash string) (*model.MatchResult, bool, error) {
	var row struct {
		Score     int    `db:"score"`
		Reasoning string `db:"reasoning"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT score, reasoning FROM job_matches WHERE job_content_hash = $1 AND resume_hash = $2`,
		contentHash, resumeHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: get job match: %w", err)
	}
	return &model.MatchResult{ContentHash: contentHash, ResumeHash: resumeHash, Score: row.Score, Reasoning: row.Reasoning}, true, nil
}

// PutJobMatch persists a freshly computed score, upserting so a
// concurrent collision never fails the caller (spec.md §4.7).
func (s *Store) PutJobMatch(ctx context.Context, m model.MatchResult) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_matches (job_content_hash, resume_hash, score, reasoning)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (job_content_hash, resume_hash) DO UPDATE SET score = EXCLUDED.score, reasoning = EXCLUDED.reasoning`,
		m.ContentHash, m.ResumeHash, m.Score, m.Reasoning)
	if err != nil {
		return fmt.Errorf("store: put job match: %w", err)
	}
	return nil
}
