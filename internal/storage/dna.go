package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/chittyos/chittybridge/internal/domain"
)

// GetDNA loads the behavioral-accumulation row for a context.
func (db *DB) GetDNA(ctx context.Context, contextID string) (domain.ContextDNA, error) {
	row := db.pool.QueryRow(ctx, `
		SELECT context_id, patterns, traits, competencies, expertise_domains,
			interactions_count, decisions_count, success_rate, peak_activity_hours, updated_at
		FROM context_dna WHERE context_id = $1`, contextID)

	var dna domain.ContextDNA
	err := row.Scan(&dna.ContextID, &dna.Patterns, &dna.Traits, &dna.Competencies, &dna.ExpertiseDomains,
		&dna.InteractionsCount, &dna.DecisionsCount, &dna.SuccessRate, &dna.PeakActivityHours, &dna.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ContextDNA{}, ErrNotFound
		}
		return domain.ContextDNA{}, fmt.Errorf("storage: get dna: %w", err)
	}
	return dna, nil
}

// AccumulateDNA folds a whole session's observations into the DNA row
// (§4.D "DNA accumulation is append/merge, never overwrite"): counters are
// incremented by the session's interaction/decision counts, success rate is
// a count-weighted running average over interactions_count (not a single
// interaction folded in as one unit), and trait/pattern/competency sets grow
// via union rather than replacement.
func (db *DB) AccumulateDNA(ctx context.Context, tx pgx.Tx, contextID string, interactions, decisions int, sessionSuccessRate float64, newTraits, newPatterns, newCompetencies, newExpertiseDomains []string, hourBucket int) error {
	_, err := tx.Exec(ctx, `
		UPDATE context_dna SET
			interactions_count = interactions_count + $2,
			decisions_count = decisions_count + $3,
			success_rate = CASE WHEN interactions_count + $2 = 0 THEN success_rate
				ELSE ((success_rate * interactions_count) + ($4 * $2)) / (interactions_count + $2) END,
			traits = array(SELECT DISTINCT unnest(traits || $5::text[])),
			patterns = array(SELECT DISTINCT unnest(patterns || $6::text[])),
			competencies = array(SELECT DISTINCT unnest(competencies || $7::text[])),
			expertise_domains = array(SELECT DISTINCT unnest(expertise_domains || $8::text[])),
			peak_activity_hours = array(SELECT DISTINCT unnest(peak_activity_hours || $9::int[])),
			updated_at = now()
		WHERE context_id = $1`,
		contextID, interactions, decisions, sessionSuccessRate, newTraits, newPatterns, newCompetencies, newExpertiseDomains, []int{hourBucket})
	if err != nil {
		return fmt.Errorf("storage: accumulate dna: %w", err)
	}
	return nil
}
