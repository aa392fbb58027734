// Package vault is the credential broker: it fronts an external Vault
// cluster with a TTL+LRU cache, falls back to environment-provisioned
// tokens when Vault is unreachable, and records every outcome to the
// credential audit trail (§4.C).
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	vaultapi "github.com/hashicorp/vault/api"

	"github.com/chittyos/chittybridge/internal/apierr"
	"github.com/chittyos/chittybridge/internal/domain"
)

// AuditStore is the subset of internal/storage used to persist credential
// audit rows; satisfied by *storage.DB.
type AuditStore interface {
	InsertCredentialAudit(ctx context.Context, entry domain.CredentialAuditEntry) (domain.CredentialAuditEntry, error)
	ListCredentialAudit(ctx context.Context, service string, limit int) ([]domain.CredentialAuditEntry, error)
}

// Status is the outcome of a Validate call.
type Status string

const (
	StatusValid   Status = "valid"
	StatusExpired Status = "expired"
	StatusRevoked Status = "revoked"
	StatusUnknown Status = "unknown"
)

// Credential is a provisioned secret returned exactly once by Provision.
type Credential struct {
	TokenID   string
	Secret    string
	ExpiresAt time.Time
}

// Config configures the broker.
type Config struct {
	Addr              string
	Token             string
	Namespace         string
	Timeout           time.Duration
	EnvFallbackPrefix string // e.g. "CHITTY_" -> CHITTY_{SERVICE}_TOKEN
	CacheTTL          time.Duration
	CacheMaxItems     int
}

// Broker is the credential broker described in §4.C.
type Broker struct {
	client *vaultapi.Client
	cache  *tokenCache
	audit  AuditStore
	prefix string
	logger *slog.Logger
}

// New constructs a Broker. A nil Vault client is tolerated (dev/test mode);
// GetServiceToken then falls straight to the env fallback.
func New(cfg Config, audit AuditStore, logger *slog.Logger) (*Broker, error) {
	var client *vaultapi.Client
	if cfg.Addr != "" {
		vc := vaultapi.DefaultConfig()
		vc.Address = cfg.Addr
		if cfg.Timeout > 0 {
			vc.Timeout = cfg.Timeout
		}
		var err error
		client, err = vaultapi.NewClient(vc)
		if err != nil {
			return nil, fmt.Errorf("vault: new client: %w", err)
		}
		if cfg.Token != "" {
			client.SetToken(cfg.Token)
		}
		if cfg.Namespace != "" {
			client.SetNamespace(cfg.Namespace)
		}
	}

	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	maxItems := cfg.CacheMaxItems
	if maxItems <= 0 {
		maxItems = 256
	}

	return &Broker{
		client: client,
		cache:  newTokenCache(ttl, maxItems),
		audit:  audit,
		prefix: cfg.EnvFallbackPrefix,
		logger: logger,
	}, nil
}

// GetServiceToken returns a cached or freshly fetched bearer token for
// service, falling back to an environment variable when Vault is
// unreachable, and records every outcome to the audit trail (§4.C).
func (b *Broker) GetServiceToken(ctx context.Context, service string) (string, error) {
	if token, ok := b.cache.Get(service); ok {
		b.recordAudit(ctx, service, "service_token", "cache_hit", "")
		return token, nil
	}

	if token, err := b.readFromVault(ctx, service); err == nil {
		b.cache.Set(service, token)
		b.recordAudit(ctx, service, "service_token", "vault_fetch", "")
		return token, nil
	} else {
		b.logger.Warn("vault: service token fetch failed, falling back to env", "service", service, "error", err)
	}

	if token, ok := b.envFallback(service); ok {
		b.recordAudit(ctx, service, "service_token", "fallback_used", "")
		return token, nil
	}

	b.recordAudit(ctx, service, "service_token", "denied", "")
	return "", apierr.New(apierr.KindConfigUnavailable, fmt.Sprintf("no credential available for service %q", service))
}

func (b *Broker) readFromVault(ctx context.Context, service string) (string, error) {
	if b.client == nil {
		return "", errors.New("vault: client not configured")
	}
	secret, err := b.client.Logical().ReadWithContext(ctx, fmt.Sprintf("services/%s/service_token", service))
	if err != nil {
		return "", fmt.Errorf("vault: read service token: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("vault: no secret at services/%s/service_token", service)
	}
	token, ok := secret.Data["token"].(string)
	if !ok || token == "" {
		return "", fmt.Errorf("vault: secret for %s missing token field", service)
	}
	return token, nil
}

func (b *Broker) envFallback(service string) (string, bool) {
	key := b.prefix + strings.ToUpper(service) + "_TOKEN"
	token := os.Getenv(key)
	return token, token != ""
}

// Provision requests a new scoped credential of the given kind for context
// from Vault and returns the raw secret exactly once; only its audit trail
// (never the secret) is persisted.
func (b *Broker) Provision(ctx context.Context, kind domain.CredentialType, contextID string, ttl time.Duration) (*Credential, error) {
	if b.client == nil {
		return nil, apierr.New(apierr.KindConfigUnavailable, "vault: no client configured")
	}

	secret, err := b.client.Logical().WriteWithContext(ctx, fmt.Sprintf("credentials/%s/issue", kind), map[string]any{
		"context_id": contextID,
		"ttl":        ttl.String(),
	})
	if err != nil {
		b.recordAudit(ctx, contextID, kind, "denied", "")
		return nil, apierr.Wrap(apierr.KindConfigUnavailable, "vault: provision failed", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, apierr.New(apierr.KindConfigUnavailable, "vault: empty provision response")
	}

	tokenID, _ := secret.Data["token_id"].(string)
	rawSecret, _ := secret.Data["secret"].(string)
	expiresAt := time.Now().Add(ttl)

	entry, err := b.audit.InsertCredentialAudit(ctx, domain.CredentialAuditEntry{
		Type: kind, Service: contextID, TokenID: tokenID, Outcome: "provisioned", ExpiresAt: &expiresAt,
	})
	if err != nil {
		b.logger.Warn("vault: audit write failed after provision", "error", err)
	}
	_ = entry

	return &Credential{TokenID: tokenID, Secret: rawSecret, ExpiresAt: expiresAt}, nil
}

// Validate checks a previously provisioned credential's status.
func (b *Broker) Validate(ctx context.Context, kind domain.CredentialType, tokenID string, checkPermissions bool) (Status, error) {
	if b.client == nil {
		return StatusUnknown, apierr.New(apierr.KindConfigUnavailable, "vault: no client configured")
	}
	secret, err := b.client.Logical().ReadWithContext(ctx, fmt.Sprintf("credentials/%s/lookup/%s", kind, tokenID))
	if err != nil {
		return StatusUnknown, apierr.Wrap(apierr.KindServer, "vault: validate failed", err)
	}
	if secret == nil {
		return StatusRevoked, nil
	}
	if checkPermissions {
		if _, ok := secret.Data["policies"]; !ok {
			return StatusUnknown, nil
		}
	}
	return StatusValid, nil
}

// Revoke marks a credential revoked in the audit trail and best-effort
// revokes it upstream; upstream errors are logged, never surfaced (§4.C).
func (b *Broker) Revoke(ctx context.Context, tokenID, reason string) error {
	if b.client != nil {
		if _, err := b.client.Logical().WriteWithContext(ctx, "sys/leases/revoke", map[string]any{"lease_id": tokenID}); err != nil {
			b.logger.Warn("vault: upstream revoke failed", "tokenID", tokenID, "error", err)
		}
	}
	revokedAt := time.Now()
	_, err := b.audit.InsertCredentialAudit(ctx, domain.CredentialAuditEntry{
		TokenID: tokenID, Outcome: "revoked", RevokedAt: &revokedAt,
	})
	if err != nil {
		return fmt.Errorf("vault: record revoke: %w", err)
	}
	return nil
}

// Audit returns the most recent audit entries for a service.
func (b *Broker) Audit(ctx context.Context, service string, limit int) ([]domain.CredentialAuditEntry, error) {
	return b.audit.ListCredentialAudit(ctx, service, limit)
}

func (b *Broker) recordAudit(ctx context.Context, service string, kind domain.CredentialType, outcome, tokenID string) {
	_, err := b.audit.InsertCredentialAudit(ctx, domain.CredentialAuditEntry{
		Type: kind, Service: service, TokenID: tokenID, Outcome: outcome,
	})
	if err != nil {
		b.logger.Warn("vault: audit write failed", "service", service, "outcome", outcome, "error", err)
	}
}
