package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/chittyos/chittybridge/internal/domain"
)

// GetAPIKeyByHash looks up an API key by its Argon2id hash (§6 auth).
func (db *DB) GetAPIKeyByHash(ctx context.Context, keyHash string) (domain.APIKey, error) {
	row := db.pool.QueryRow(ctx, `
		SELECT id, key_hash, org_id, scopes, status, created_at, revoked_at
		FROM api_keys WHERE key_hash = $1`, keyHash)
	var k domain.APIKey
	err := row.Scan(&k.ID, &k.KeyHash, &k.OrgID, &k.Scopes, &k.Status, &k.CreatedAt, &k.RevokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.APIKey{}, ErrNotFound
		}
		return domain.APIKey{}, fmt.Errorf("storage: get api key: %w", err)
	}
	return k, nil
}

// CreateAPIKey inserts a new key row. The raw key is hashed by the caller;
// only the hash is ever persisted.
func (db *DB) CreateAPIKey(ctx context.Context, k domain.APIKey) (domain.APIKey, error) {
	row := db.pool.QueryRow(ctx, `
		INSERT INTO api_keys (key_hash, org_id, scopes, status, created_at)
		VALUES ($1,$2,$3,$4,now())
		RETURNING id, created_at`, k.KeyHash, k.OrgID, k.Scopes, k.Status)
	if err := row.Scan(&k.ID, &k.CreatedAt); err != nil {
		return domain.APIKey{}, fmt.Errorf("storage: create api key: %w", err)
	}
	return k, nil
}

// RevokeAPIKey marks a key revoked; idempotent.
func (db *DB) RevokeAPIKey(ctx context.Context, id string) error {
	_, err := db.pool.Exec(ctx, `
		UPDATE api_keys SET status = 'revoked', revoked_at = now()
		WHERE id = $1 AND status = 'active'`, id)
	if err != nil {
		return fmt.Errorf("storage: revoke api key: %w", err)
	}
	return nil
}
