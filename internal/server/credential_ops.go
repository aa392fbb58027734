package server

import (
	"context"
	"time"

	"github.com/chittyos/chittybridge/internal/domain"
)

// getCredential fetches (or caches) a service-scoped bearer token (§4.C).
func (h *Handlers) getCredential(ctx context.Context, service string) (map[string]any, error) {
	if service == "" {
		return nil, validationErrf("service is required")
	}
	token, err := h.vault.GetServiceToken(ctx, service)
	if err != nil {
		return nil, err
	}
	return map[string]any{"service": service, "token": token}, nil
}

// provisionCredential mints a new scoped credential via the vault broker.
func (h *Handlers) provisionCredential(ctx context.Context, kind domain.CredentialType, contextID string, ttl time.Duration) (map[string]any, error) {
	if contextID == "" {
		return nil, validationErrf("contextId is required")
	}
	cred, err := h.vault.Provision(ctx, kind, contextID, ttl)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"tokenId":   cred.TokenID,
		"secret":    cred.Secret,
		"expiresAt": cred.ExpiresAt,
	}, nil
}

// validateCredential checks a previously provisioned credential's status.
func (h *Handlers) validateCredential(ctx context.Context, kind domain.CredentialType, tokenID string, checkPermissions bool) (map[string]any, error) {
	if tokenID == "" {
		return nil, validationErrf("tokenId is required")
	}
	status, err := h.vault.Validate(ctx, kind, tokenID, checkPermissions)
	if err != nil {
		return nil, err
	}
	return map[string]any{"tokenId": tokenID, "status": status}, nil
}

// revokeCredential revokes a previously provisioned credential.
func (h *Handlers) revokeCredential(ctx context.Context, tokenID, reason string) (map[string]any, error) {
	if tokenID == "" {
		return nil, validationErrf("tokenId is required")
	}
	if err := h.vault.Revoke(ctx, tokenID, reason); err != nil {
		return nil, err
	}
	return map[string]any{"tokenId": tokenID, "revoked": true}, nil
}

// auditCredential lists recent provisioning/fetch outcomes for a service.
func (h *Handlers) auditCredential(ctx context.Context, service string, limit int) (map[string]any, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	entries, err := h.vault.Audit(ctx, service, limit)
	if err != nil {
		return nil, err
	}
	views := make([]map[string]any, len(entries))
	for i, e := range entries {
		views[i] = map[string]any{
			"type": e.Type, "service": e.Service, "requestingService": e.RequestingService,
			"tokenId": e.TokenID, "outcome": e.Outcome, "expiresAt": e.ExpiresAt,
			"revokedAt": e.RevokedAt, "createdAt": e.CreatedAt,
		}
	}
	return map[string]any{"entries": views}, nil
}
