package server

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/chittyos/chittybridge/internal/auth"
	"github.com/chittyos/chittybridge/internal/domain"
)

// keyIndexPrefix maps an api key's durable ID back to its raw value, so
// revocation (which only ever sees the ID) can find and delete the KV
// mirror keyed by the raw key itself.
const keyIndexPrefix = "keyid:"

// createAPIKey mints a random key, persists its Argon2id hash durably in
// Postgres, and mirrors the active record (plaintext key as the KV index,
// never the hash) into KV under key:{apiKey} so authenticateAPIKey never
// touches Postgres on the request hot path (§6). A reverse keyid:{id}->raw
// index lets revokeAPIKey find and delete that mirror later.
func (h *Handlers) createAPIKey(ctx context.Context, orgID string, scopes []string) (map[string]any, error) {
	raw, err := generateAPIKey()
	if err != nil {
		return nil, err
	}
	hash, err := auth.HashAPIKey(raw)
	if err != nil {
		return nil, err
	}

	created, err := h.db.CreateAPIKey(ctx, domain.APIKey{
		KeyHash: hash,
		OrgID:   orgID,
		Scopes:  scopes,
		Status:  domain.APIKeyActive,
	})
	if err != nil {
		return nil, err
	}

	record, _ := json.Marshal(apiKeyRecord{OrgID: orgID, Scopes: scopes, Status: string(domain.APIKeyActive)})
	if err := h.kv.Put(ctx, "key:"+raw, string(record), 0); err != nil {
		return nil, err
	}
	if err := h.kv.Put(ctx, keyIndexPrefix+created.ID, raw, 0); err != nil {
		return nil, err
	}

	return map[string]any{
		"apiKeyId": created.ID,
		"apiKey":   raw,
		"orgId":    orgID,
		"scopes":   scopes,
	}, nil
}

// revokeAPIKey marks the durable row revoked and deletes its KV mirror (via
// the reverse index) so the key stops authenticating immediately rather
// than lingering until the index falls out of Postgres.
func (h *Handlers) revokeAPIKey(ctx context.Context, apiKeyID string) error {
	if err := h.db.RevokeAPIKey(ctx, apiKeyID); err != nil {
		return err
	}
	raw, err := h.kv.Get(ctx, keyIndexPrefix+apiKeyID)
	if err != nil {
		return nil // no mirror to clean up (e.g. key predates the reverse index)
	}
	_ = h.kv.Delete(ctx, "key:"+raw)
	_ = h.kv.Delete(ctx, keyIndexPrefix+apiKeyID)
	return nil
}

// SeedAdmin mints the bootstrap admin API key from config on first startup.
// Idempotent against the exact key configured (so redeploying with the same
// CHITTY_ADMIN_API_KEY is a no-op, matching the teacher's "agents table not
// empty, skip" idiom but keyed on the key itself rather than row count).
func (h *Handlers) SeedAdmin(ctx context.Context, adminAPIKey, orgID string) error {
	if adminAPIKey == "" {
		h.logger.Info("no admin api key configured, skipping admin seed")
		return nil
	}

	// The Argon2id hash is freshly salted on every call, so an existing seed
	// is found through its KV mirror, which is keyed by the raw key.
	if _, err := h.kv.Get(ctx, "key:"+adminAPIKey); err == nil {
		h.logger.Info("admin api key already seeded, skipping")
		return nil
	}
	hash, err := auth.HashAPIKey(adminAPIKey)
	if err != nil {
		return fmt.Errorf("seed admin: hash key: %w", err)
	}

	created, err := h.db.CreateAPIKey(ctx, domain.APIKey{
		KeyHash: hash, OrgID: orgID, Scopes: []string{"*"}, Status: domain.APIKeyActive,
	})
	if err != nil {
		return fmt.Errorf("seed admin: create api key: %w", err)
	}

	record, _ := json.Marshal(apiKeyRecord{OrgID: orgID, Scopes: []string{"*"}, Status: string(domain.APIKeyActive)})
	if err := h.kv.Put(ctx, "key:"+adminAPIKey, string(record), 0); err != nil {
		return fmt.Errorf("seed admin: mirror to kv: %w", err)
	}
	if err := h.kv.Put(ctx, keyIndexPrefix+created.ID, adminAPIKey, 0); err != nil {
		return fmt.Errorf("seed admin: mirror reverse index: %w", err)
	}

	h.logger.Info("seeded initial admin api key", "org_id", orgID, "api_key_id", created.ID)
	return nil
}

func generateAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("auth: generate api key: %w", err)
	}
	return apiKeyPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}
