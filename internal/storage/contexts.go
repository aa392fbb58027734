package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/chittyos/chittybridge/internal/domain"
)

// CreateContext persists a new context entity, its (empty) DNA row, and its
// genesis ledger entry in one transaction (§4.D createContext).
func (db *DB) CreateContext(ctx context.Context, entity domain.ContextEntity, genesis domain.LedgerEntry) (domain.ContextEntity, error) {
	err := db.WithTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO contexts (chitty_id, context_hash, signature, project_path, workspace,
				support_type, organization, entity_type, lifecycle, trust_score, trust_level,
				status, unsigned, total_sessions, last_activity, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,now(),now())
			RETURNING id, created_at, last_activity`,
			entity.ChittyID, entity.ContextHash, entity.Signature, entity.ProjectPath, entity.Workspace,
			entity.SupportType, entity.Organization, entity.EntityType, entity.Lifecycle, entity.TrustScore,
			entity.TrustLevel, entity.Status, entity.Unsigned, entity.TotalSessions,
		)
		if err := row.Scan(&entity.ID, &entity.CreatedAt, &entity.LastActivity); err != nil {
			if isUniqueViolation(err) {
				return ErrConflict
			}
			return fmt.Errorf("storage: insert context: %w", err)
		}

		if _, err := tx.Exec(ctx, `INSERT INTO context_dna (context_id, updated_at) VALUES ($1, now())`, entity.ID); err != nil {
			return fmt.Errorf("storage: insert dna: %w", err)
		}

		genesis.ContextID = entity.ID
		genesis.PreviousHash = "genesis"
		if err := insertLedgerEntry(ctx, tx, &genesis); err != nil {
			return fmt.Errorf("storage: insert genesis ledger entry: %w", err)
		}
		return nil
	})
	return entity, err
}

// GetContextByID loads a context entity by its internal id.
func (db *DB) GetContextByID(ctx context.Context, id string) (domain.ContextEntity, error) {
	row := db.pool.QueryRow(ctx, `
		SELECT id, chitty_id, context_hash, signature, project_path, workspace, support_type,
			organization, entity_type, lifecycle, trust_score, trust_level, status, unsigned,
			total_sessions, last_activity, created_at
		FROM contexts WHERE id = $1`, id)
	return scanContext(row)
}

// GetContextByChittyID loads a context entity by its minted canonical identifier.
func (db *DB) GetContextByChittyID(ctx context.Context, chittyID string) (domain.ContextEntity, error) {
	row := db.pool.QueryRow(ctx, `
		SELECT id, chitty_id, context_hash, signature, project_path, workspace, support_type,
			organization, entity_type, lifecycle, trust_score, trust_level, status, unsigned,
			total_sessions, last_activity, created_at
		FROM contexts WHERE chitty_id = $1`, chittyID)
	return scanContext(row)
}

// FindActiveByHash returns the active/dormant context whose contextHash matches
// exactly (§4.D "BindExisting"), or ErrNotFound.
func (db *DB) FindActiveByHash(ctx context.Context, hash string) (domain.ContextEntity, error) {
	row := db.pool.QueryRow(ctx, `
		SELECT id, chitty_id, context_hash, signature, project_path, workspace, support_type,
			organization, entity_type, lifecycle, trust_score, trust_level, status, unsigned,
			total_sessions, last_activity, created_at
		FROM contexts WHERE context_hash = $1 AND status IN ('active','dormant')`, hash)
	return scanContext(row)
}

// FindFuzzyCandidates returns active contexts sharing (projectPath, supportType)
// but not context_hash, ordered by trustScore desc then lastActivity desc, for
// the resolver's BindExistingFuzzy tie-break (§4.D).
func (db *DB) FindFuzzyCandidates(ctx context.Context, projectPath, supportType, excludeHash string) ([]domain.ContextEntity, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT id, chitty_id, context_hash, signature, project_path, workspace, support_type,
			organization, entity_type, lifecycle, trust_score, trust_level, status, unsigned,
			total_sessions, last_activity, created_at
		FROM contexts
		WHERE project_path = $1 AND support_type = $2 AND context_hash != $3 AND status = 'active'
		ORDER BY trust_score DESC, last_activity DESC`, projectPath, supportType, excludeHash)
	if err != nil {
		return nil, fmt.Errorf("storage: query fuzzy candidates: %w", err)
	}
	defer rows.Close()

	var out []domain.ContextEntity
	for rows.Next() {
		e, err := scanContext(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpdateContextStatus transitions a context to a new status, validating the
// state machine (§4.D "State machine for ContextEntity").
func (db *DB) UpdateContextStatus(ctx context.Context, id string, from, to domain.ContextStatus) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("storage: illegal transition %s -> %s", from, to)
	}
	tag, err := db.pool.Exec(ctx, `UPDATE contexts SET status = $1 WHERE id = $2 AND status = $3`, to, id, from)
	if err != nil {
		return fmt.Errorf("storage: update context status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// TouchActivity bumps last_activity and increments total_sessions (§4.D bindSession effects).
func (db *DB) TouchActivity(ctx context.Context, tx pgx.Tx, id string, incrementSessions bool) error {
	q := `UPDATE contexts SET last_activity = now()`
	if incrementSessions {
		q += `, total_sessions = total_sessions + 1`
	}
	q += ` WHERE id = $1`
	_, err := tx.Exec(ctx, q, id)
	if err != nil {
		return fmt.Errorf("storage: touch activity: %w", err)
	}
	return nil
}

// UpdateTrust persists a new trust score/level for a context (§4.D step 3).
func (db *DB) UpdateTrust(ctx context.Context, tx pgx.Tx, id string, score, level int) error {
	_, err := tx.Exec(ctx, `UPDATE contexts SET trust_score = $1, trust_level = $2 WHERE id = $3`, score, level, id)
	if err != nil {
		return fmt.Errorf("storage: update trust: %w", err)
	}
	return nil
}

// ListActiveContextIDs returns every context id not yet revoked, for the
// periodic integrity-proof sweep (§4.A IntegrityProof).
func (db *DB) ListActiveContextIDs(ctx context.Context) ([]string, error) {
	rows, err := db.pool.Query(ctx, `SELECT id FROM contexts WHERE status != 'revoked'`)
	if err != nil {
		return nil, fmt.Errorf("storage: list active context ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan context id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContext(row rowScanner) (domain.ContextEntity, error) {
	var e domain.ContextEntity
	err := row.Scan(&e.ID, &e.ChittyID, &e.ContextHash, &e.Signature, &e.ProjectPath, &e.Workspace,
		&e.SupportType, &e.Organization, &e.EntityType, &e.Lifecycle, &e.TrustScore, &e.TrustLevel,
		&e.Status, &e.Unsigned, &e.TotalSessions, &e.LastActivity, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ContextEntity{}, ErrNotFound
		}
		return domain.ContextEntity{}, fmt.Errorf("storage: scan context: %w", err)
	}
	return e, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
