package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/chittyos/chittybridge/internal/apierr"
	"github.com/chittyos/chittybridge/internal/kv"
)

// AuthContext is what authMiddleware attaches to the request context on
// success, regardless of which scheme authenticated the caller.
type AuthContext struct {
	OrgID    string
	Scopes   []string
	APIKeyID string
	Subject  string // JWT "sub", empty for API-key auth.
}

// HasScope reports whether the caller carries scope or the wildcard "*".
func (a AuthContext) HasScope(scope string) bool {
	for _, s := range a.Scopes {
		if s == scope || s == "*" {
			return true
		}
	}
	return false
}

// apiKeyPrefix marks a credential as a ChittyBridge-issued API key rather
// than a JWT, for Bearer-scheme sniffing in authenticate.
const apiKeyPrefix = "cbk_"

type authContextKey struct{}

func withAuthContext(ctx context.Context, a AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, a)
}

// AuthFromContext extracts the authenticated caller's identity. Returns the
// zero value if the request reached this point unauthenticated (only
// possible for noAuthPaths routes).
func AuthFromContext(ctx context.Context) AuthContext {
	a, _ := ctx.Value(authContextKey{}).(AuthContext)
	return a
}

// apiKeyRecord is the JSON shape stored at KV key "key:{apiKey}" (§6),
// mirrored there on create/revoke from the durable Postgres api_keys row.
type apiKeyRecord struct {
	OrgID  string   `json:"orgId"`
	Scopes []string `json:"scopes"`
	Status string   `json:"status"`
}

// noAuthPaths are exact paths that skip authentication entirely, mirroring
// the teacher's allowlist convention (internal/server/middleware.go).
// WARNING: every authenticated route prefix (/api/v1/, /api/, /mcp) must be
// covered by the guard in authMiddleware; adding a prefix without updating
// it silently bypasses authentication.
var noAuthPaths = map[string]bool{
	"/health":              true,
	"/openapi.json":        true,
	"/.well-known/chitty.json": true,
}

// authMiddleware validates the X-ChittyOS-API-Key header or an Authorization
// header (ApiKey or Bearer scheme) and populates the request context with
// an AuthContext (§6).
func authMiddleware(kvStore *kv.Store, jwtPublicKey any, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requiresAuth(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		auth, err := authenticate(r, kvStore, jwtPublicKey)
		if err != nil {
			writeErrorResponse(w, r, http.StatusUnauthorized, apierr.KindAuth, err.Error())
			return
		}

		next.ServeHTTP(w, r.WithContext(withAuthContext(r.Context(), auth)))
	})
}

// requiresAuth mirrors the teacher's prefix-guard: every authenticated
// surface must be listed here, or it silently bypasses auth.
func requiresAuth(path string) bool {
	if noAuthPaths[path] {
		return false
	}
	return strings.HasPrefix(path, "/api/") || strings.HasPrefix(path, "/mcp")
}

func authenticate(r *http.Request, kvStore *kv.Store, jwtPublicKey any) (AuthContext, error) {
	if raw := r.Header.Get("X-ChittyOS-API-Key"); raw != "" {
		return authenticateAPIKey(r.Context(), kvStore, raw)
	}

	header := r.Header.Get("Authorization")
	if header == "" {
		return AuthContext{}, fmt.Errorf("missing authorization")
	}
	scheme, credential, ok := strings.Cut(header, " ")
	if !ok {
		return AuthContext{}, fmt.Errorf("invalid authorization format")
	}

	switch {
	case strings.EqualFold(scheme, "ApiKey"):
		return authenticateAPIKey(r.Context(), kvStore, credential)
	case strings.EqualFold(scheme, "Bearer"):
		// §6 describes Bearer as carrying either a raw API key or a signed
		// JWT; apiKeyPrefix deterministically distinguishes the two without
		// a wasted KV lookup on every JWT.
		if strings.HasPrefix(credential, apiKeyPrefix) {
			return authenticateAPIKey(r.Context(), kvStore, credential)
		}
		return authenticateBearer(credential, jwtPublicKey)
	default:
		return AuthContext{}, fmt.Errorf("unsupported authorization scheme (use ApiKey or Bearer)")
	}
}

// authenticateAPIKey looks up the raw key directly in KV (§6: "Keys are
// stored in KV under key:{apiKey} with status and scopes"). Postgres's
// api_keys table is the durable source of truth written at provision time;
// KV is mirrored on create/revoke and is the only store consulted on the
// request hot path.
func authenticateAPIKey(ctx context.Context, kvStore *kv.Store, rawKey string) (AuthContext, error) {
	if rawKey == "" {
		return AuthContext{}, fmt.Errorf("empty api key")
	}
	raw, err := kvStore.Get(ctx, "key:"+rawKey)
	if err != nil {
		return AuthContext{}, fmt.Errorf("invalid api key")
	}
	var rec apiKeyRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return AuthContext{}, fmt.Errorf("corrupt api key record")
	}
	if rec.Status != "active" {
		return AuthContext{}, fmt.Errorf("api key revoked")
	}
	return AuthContext{OrgID: rec.OrgID, Scopes: rec.Scopes, APIKeyID: rawKey}, nil
}

// bearerClaims is the JWT payload shape for the optional Bearer scheme,
// used for service-to-service calls (e.g. the queue consumer, internal
// dashboards) that hold a short-lived signed token instead of a static key.
type bearerClaims struct {
	jwt.RegisteredClaims
	OrgID  string   `json:"org_id"`
	Scopes []string `json:"scopes"`
}

func authenticateBearer(tokenString string, publicKey any) (AuthContext, error) {
	if publicKey == nil {
		return AuthContext{}, fmt.Errorf("bearer auth not configured")
	}
	claims := &bearerClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return publicKey, nil
	})
	if err != nil || !token.Valid {
		return AuthContext{}, fmt.Errorf("invalid or expired bearer token")
	}
	return AuthContext{OrgID: claims.OrgID, Scopes: claims.Scopes, Subject: claims.Subject}, nil
}

// RequireScope is the exported form of requireScope, for RouteRegistrar
// callers outside this package (via the root package's AuthHelper).
func RequireScope(scope string) func(http.Handler) http.Handler {
	return requireScope(scope)
}

// requireScope returns middleware rejecting callers that lack scope, per
// §6's scope-gated route model (mirroring the teacher's requireRole).
func requireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := AuthFromContext(r.Context())
			if !auth.HasScope(scope) {
				writeErrorResponse(w, r, http.StatusForbidden, apierr.KindPermission, fmt.Sprintf("missing required scope %q", scope))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
