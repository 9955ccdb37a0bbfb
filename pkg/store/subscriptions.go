package store

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/jobscout/pipeline-engine/pkg/model"
)

type subscriptionRow struct {
	ID           string         `db:"id"`
	TenantID     string         `db:"tenant_id"`
	Titles       pq.StringArray `db:"titles"`
	IsRemote     bool           `db:"is_remote"`
	Country      *string        `db:"country"`
	ResumeText   string         `db:"resume_text"`
	ResumeHash   string         `db:"resume_hash"`
	MinScore     int            `db:"min_score"`
	IsActive     bool           `db:"is_active"`
	IsPaused     bool           `db:"is_paused"`
	DebugMode    bool           `db:"debug_mode"`
	CreatedAt    time.Time      `db:"created_at"`
	LastSearchAt *time.Time     `db:"last_search_at"`
	NextRunAt    *time.Time     `db:"next_run_at"`
}

func (r subscriptionRow) toModel() *model.Subscription {
	s := &model.Subscription{
		ID:           r.ID,
		TenantID:     r.TenantID,
		Titles:       []string(r.Titles),
		ResumeText:   r.ResumeText,
		ResumeHash:   r.ResumeHash,
		MinScore:     r.MinScore,
		IsActive:     r.IsActive,
		IsPaused:     r.IsPaused,
		DebugMode:    r.DebugMode,
		CreatedAt:    r.CreatedAt,
		LastSearchAt: r.LastSearchAt,
		NextRunAt:    r.NextRunAt,
	}
	if r.Country != nil || r.IsRemote {
		country := ""
		if r.Country != nil {
			country = *r.Country
		}
		s.Location = &model.Location{IsRemote: r.IsRemote, Country: country}
	}
	return s
}

// GetSubscription fetches one subscription by id.
func (s *Store) GetSubscription(ctx context.Context, id string) (*model.Subscription, error) {
	var row subscriptionRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM subscriptions WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("store: get subscription %s: %w", id, err)
	}
	return row.toModel(), nil
}

// ListDueSubscriptions returns up to limit subscriptions eligible at now,
// never-run ones first, then by earliest next_run_at, for the scheduler's
// tick scan (spec.md §4.9).
func (s *Store) ListDueSubscriptions(ctx context.Context, now time.Time, limit int) ([]*model.Subscription, error) {
	var rows []subscriptionRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM subscriptions
		WHERE is_active AND NOT is_paused AND (next_run_at IS NULL OR next_run_at <= $1)
		ORDER BY next_run_at NULLS FIRST
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list due subscriptions: %w", err)
	}
	out := make([]*model.Subscription, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// AdvanceNextRun sets next_run_at before work starts (spec.md §5: "Within
// the Scheduler tick, nextRunAt is always advanced before starting work").
func (s *Store) AdvanceNextRun(ctx context.Context, subscriptionID string, nextRunAt, lastSearchAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions SET next_run_at = $2, last_search_at = $3 WHERE id = $1`,
		subscriptionID, nextRunAt, lastSearchAt)
	if err != nil {
		return fmt.Errorf("store: advance next_run_at for %s: %w", subscriptionID, err)
	}
	return nil
}
