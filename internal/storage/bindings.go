package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/chittyos/chittybridge/internal/domain"
)

// CreateBinding opens a new session binding inside tx, enforcing P3 ("at most
// one active binding per session") via the partial unique index on
// (session_id) WHERE unbound_at IS NULL — a conflict here maps to ErrConflict.
func (db *DB) CreateBinding(ctx context.Context, tx pgx.Tx, binding domain.SessionBinding) (domain.SessionBinding, error) {
	row := tx.QueryRow(ctx, `
		INSERT INTO context_session_bindings (session_id, context_id, platform, bound_at, last_activity)
		VALUES ($1,$2,$3,now(),now())
		RETURNING id, bound_at, last_activity`,
		binding.SessionID, binding.ContextID, binding.Platform)
	if err := row.Scan(&binding.ID, &binding.BoundAt, &binding.LastActivity); err != nil {
		if isUniqueViolation(err) {
			return domain.SessionBinding{}, ErrConflict
		}
		return domain.SessionBinding{}, fmt.Errorf("storage: create binding: %w", err)
	}
	return binding, nil
}

// GetActiveBinding returns the open binding for sessionID, or ErrNotFound.
func (db *DB) GetActiveBinding(ctx context.Context, sessionID string) (domain.SessionBinding, error) {
	row := db.pool.QueryRow(ctx, `
		SELECT id, session_id, context_id, platform, bound_at, last_activity, unbound_at,
			unbind_reason, interactions_count, decisions_count, session_success_rate
		FROM context_session_bindings WHERE session_id = $1 AND unbound_at IS NULL`, sessionID)
	return scanBinding(row)
}

// GetActiveBindingByContext returns the open binding owned by contextID, if
// any, or ErrNotFound. A context has at most one active binding in
// practice (sessions unbind before switching), but this returns the most
// recently bound one if that invariant is ever violated.
func (db *DB) GetActiveBindingByContext(ctx context.Context, contextID string) (domain.SessionBinding, error) {
	row := db.pool.QueryRow(ctx, `
		SELECT id, session_id, context_id, platform, bound_at, last_activity, unbound_at,
			unbind_reason, interactions_count, decisions_count, session_success_rate
		FROM context_session_bindings
		WHERE context_id = $1 AND unbound_at IS NULL
		ORDER BY bound_at DESC LIMIT 1`, contextID)
	return scanBinding(row)
}

// UnbindSession closes the active binding for sessionID with the given
// reason, finalising its interactions/decisions/success-rate counters from
// the session metrics (§4.D step 1) before they roll up into the context's
// DNA (§4.D step 2).
func (db *DB) UnbindSession(ctx context.Context, tx pgx.Tx, sessionID string, reason domain.UnbindReason, interactions, decisions int, successRate float64) (domain.SessionBinding, error) {
	row := tx.QueryRow(ctx, `
		UPDATE context_session_bindings SET
			unbound_at = now(), unbind_reason = $2,
			interactions_count = $3, decisions_count = $4, session_success_rate = $5
		WHERE session_id = $1 AND unbound_at IS NULL
		RETURNING id, session_id, context_id, platform, bound_at, last_activity, unbound_at,
			unbind_reason, interactions_count, decisions_count, session_success_rate`,
		sessionID, reason, interactions, decisions, successRate)
	return scanBinding(row)
}

// TouchBinding records an interaction against an open binding.
func (db *DB) TouchBinding(ctx context.Context, tx pgx.Tx, sessionID string, wasDecision bool) error {
	_, err := tx.Exec(ctx, `
		UPDATE context_session_bindings SET
			last_activity = now(),
			interactions_count = interactions_count + 1,
			decisions_count = decisions_count + CASE WHEN $2 THEN 1 ELSE 0 END
		WHERE session_id = $1 AND unbound_at IS NULL`, sessionID, wasDecision)
	if err != nil {
		return fmt.Errorf("storage: touch binding: %w", err)
	}
	return nil
}

func scanBinding(row rowScanner) (domain.SessionBinding, error) {
	var b domain.SessionBinding
	err := row.Scan(&b.ID, &b.SessionID, &b.ContextID, &b.Platform, &b.BoundAt, &b.LastActivity,
		&b.UnboundAt, &b.UnbindReason, &b.InteractionsCount, &b.DecisionsCount, &b.SessionSuccessRate)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.SessionBinding{}, ErrNotFound
		}
		return domain.SessionBinding{}, fmt.Errorf("storage: scan binding: %w", err)
	}
	return b, nil
}
