package storage

import (
	"context"
	"fmt"

	"github.com/chittyos/chittybridge/internal/domain"
)

// InsertCredentialAudit records one credential-broker outcome (§3, §4.C).
// Called by the vault package for every GetServiceToken/Provision/Revoke call.
func (db *DB) InsertCredentialAudit(ctx context.Context, entry domain.CredentialAuditEntry) (domain.CredentialAuditEntry, error) {
	row := db.pool.QueryRow(ctx, `
		INSERT INTO credential_audit (type, service, requesting_service, token_id, outcome,
			expires_at, revoked_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,now())
		RETURNING id, created_at`,
		entry.Type, entry.Service, entry.RequestingService, entry.TokenID, entry.Outcome,
		entry.ExpiresAt, entry.RevokedAt)
	if err := row.Scan(&entry.ID, &entry.CreatedAt); err != nil {
		return domain.CredentialAuditEntry{}, fmt.Errorf("storage: insert credential audit: %w", err)
	}
	return entry, nil
}

// ListCredentialAudit returns audit entries for a service, most recent first, capped at limit.
func (db *DB) ListCredentialAudit(ctx context.Context, service string, limit int) ([]domain.CredentialAuditEntry, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT id, type, service, requesting_service, token_id, outcome, expires_at, revoked_at, created_at
		FROM credential_audit WHERE service = $1 ORDER BY created_at DESC LIMIT $2`, service, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list credential audit: %w", err)
	}
	defer rows.Close()

	var out []domain.CredentialAuditEntry
	for rows.Next() {
		var e domain.CredentialAuditEntry
		if err := rows.Scan(&e.ID, &e.Type, &e.Service, &e.RequestingService, &e.TokenID,
			&e.Outcome, &e.ExpiresAt, &e.RevokedAt, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan credential audit: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
