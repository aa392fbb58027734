package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/chittyos/chittybridge/internal/domain"
)

// InsertTrustEvolution records one trust score/level change as an immutable
// audit row (§3, P5: "every trust change produces exactly one entry, and the
// entries for a context form a contiguous, non-overlapping timeline").
func (db *DB) InsertTrustEvolution(ctx context.Context, tx pgx.Tx, entry domain.TrustEvolutionEntry) (domain.TrustEvolutionEntry, error) {
	row := tx.QueryRow(ctx, `
		INSERT INTO trust_evolution_log (context_id, previous_level, new_level, previous_score,
			new_score, change_trigger, content_hash, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,now())
		RETURNING id, created_at`,
		entry.ContextID, entry.PreviousLevel, entry.NewLevel, entry.PreviousScore,
		entry.NewScore, entry.ChangeTrigger, entry.ContentHash)
	if err := row.Scan(&entry.ID, &entry.CreatedAt); err != nil {
		return domain.TrustEvolutionEntry{}, fmt.Errorf("storage: insert trust evolution: %w", err)
	}
	return entry, nil
}

// ListTrustEvolution returns the full trust-change timeline for a context, oldest first.
func (db *DB) ListTrustEvolution(ctx context.Context, contextID string) ([]domain.TrustEvolutionEntry, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT id, context_id, previous_level, new_level, previous_score, new_score,
			change_trigger, content_hash, created_at
		FROM trust_evolution_log WHERE context_id = $1 ORDER BY created_at ASC`, contextID)
	if err != nil {
		return nil, fmt.Errorf("storage: list trust evolution: %w", err)
	}
	defer rows.Close()

	var out []domain.TrustEvolutionEntry
	for rows.Next() {
		var e domain.TrustEvolutionEntry
		if err := rows.Scan(&e.ID, &e.ContextID, &e.PreviousLevel, &e.NewLevel, &e.PreviousScore,
			&e.NewScore, &e.ChangeTrigger, &e.ContentHash, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan trust evolution: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
