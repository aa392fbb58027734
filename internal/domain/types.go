// Package domain holds the persistent entity types shared by storage, the
// resolver, and the HTTP/MCP surfaces (§3).
package domain

import "time"

// ContextStatus is the ContextEntity state machine (§4.D "State machine for
// ContextEntity"): active <-> dormant -> archived -> (active on reactivate,
// never from revoked); any of active/dormant/archived -> revoked (terminal).
type ContextStatus string

const (
	StatusActive   ContextStatus = "active"
	StatusDormant  ContextStatus = "dormant"
	StatusArchived ContextStatus = "archived"
	StatusRevoked  ContextStatus = "revoked"
)

// CanTransitionTo reports whether the state machine permits from -> to.
func (from ContextStatus) CanTransitionTo(to ContextStatus) bool {
	if from == StatusRevoked {
		return false
	}
	switch to {
	case StatusRevoked:
		return true
	case StatusActive:
		return from == StatusActive || from == StatusDormant || from == StatusArchived
	case StatusDormant:
		return from == StatusActive || from == StatusDormant
	case StatusArchived:
		return from == StatusActive || from == StatusDormant || from == StatusArchived
	default:
		return false
	}
}

// LifecycleKind tags how a context entity came to exist via a lifecycle
// operation (§4.D "Lifecycle operations"). Empty for ordinary resolver-minted
// contexts.
type LifecycleKind string

const (
	LifecycleNone       LifecycleKind = ""
	LifecycleSupernova  LifecycleKind = "supernova"
	LifecycleFission    LifecycleKind = "fission"
	LifecycleDerivative LifecycleKind = "derivative"
	LifecycleSuspension LifecycleKind = "suspension"
)

// ContextEntity is the persistent synthetic principal (§3).
type ContextEntity struct {
	ID            string
	ChittyID      string // Minted once, immutable, globally unique.
	ContextHash   string // sha256(stableJoin(static anchors)).
	Signature     string
	ProjectPath   string
	Workspace     string
	SupportType   string
	Organization  string
	EntityType    string // Free-text display hint; never affects the id grammar (Open Question #3).
	Lifecycle     LifecycleKind
	TrustScore    int // 0..100
	TrustLevel    int // 0..5, floor(score/20)
	Status        ContextStatus
	Unsigned      bool // True if minting failed and a fallback local id was generated.
	TotalSessions int
	LastActivity  time.Time
	CreatedAt     time.Time
}

// ContextDNA is 1:1 with a ContextEntity (§3).
type ContextDNA struct {
	ContextID          string
	Patterns           []string
	Traits             []string
	Competencies       []string
	ExpertiseDomains   []string
	InteractionsCount  int
	DecisionsCount     int
	SuccessRate        float64 // [0,1]
	PeakActivityHours  []int   // Hour-of-day buckets (0-23) observed.
	UpdatedAt          time.Time
}

// LedgerEventType enumerates ContextLedger entry kinds (§3).
type LedgerEventType string

const (
	LedgerEventTransaction LedgerEventType = "transaction"
	LedgerEventDecision    LedgerEventType = "decision"
	LedgerEventOutcome     LedgerEventType = "outcome"
	LedgerEventAnomaly     LedgerEventType = "anomaly"
)

// LedgerEntry is one append-only, hash-chained row in a context's ledger (§3, P4).
type LedgerEntry struct {
	ID           string
	ContextID    string
	Sequence     int64
	EventType    LedgerEventType
	Payload      map[string]any
	Hash         string
	PreviousHash string
	CreatedAt    time.Time
}

// UnbindReason enumerates why a session binding ended (§3).
type UnbindReason string

const (
	UnbindSessionComplete UnbindReason = "session_complete"
	UnbindTimeout         UnbindReason = "timeout"
	UnbindError           UnbindReason = "error"
	UnbindRevoked         UnbindReason = "revoked"
)

// SessionBinding joins an ephemeral session to exactly one ContextEntity (§3, P3).
type SessionBinding struct {
	ID                 string
	SessionID          string
	ContextID          string
	Platform           string
	BoundAt            time.Time
	LastActivity       time.Time
	UnboundAt          *time.Time
	UnbindReason       UnbindReason
	InteractionsCount  int
	DecisionsCount     int
	SessionSuccessRate float64
}

// IsActive reports whether the binding is currently open (§3: "at most one
// binding with unboundAt = null").
func (b SessionBinding) IsActive() bool { return b.UnboundAt == nil }

// TrustEvolutionEntry is an immutable audit row for trust score/level changes (§3, P5).
type TrustEvolutionEntry struct {
	ID             string
	ContextID      string
	PreviousLevel  int
	NewLevel       int
	PreviousScore  int
	NewScore       int
	ChangeTrigger  string
	ContentHash    string
	CreatedAt      time.Time
}

// CredentialType enumerates the kinds of credential the broker provisions (§4.C).
type CredentialType string

// CredentialAuditEntry records every credential provisioning/fetch outcome (§3).
type CredentialAuditEntry struct {
	ID                string
	Type              CredentialType
	Service           string
	RequestingService string
	TokenID           string
	Outcome           string // "cache_hit", "vault_fetch", "fallback_used", "provisioned", "revoked", "denied"
	ExpiresAt         *time.Time
	RevokedAt         *time.Time
	CreatedAt         time.Time
}

// PairRelation edges two context entities for lifecycle graphs (collaborations,
// pairs, supernova/fission, derivative, suspension). Expressed as a relational
// edge table per Design Note "Cyclic graphs", not in-memory pointer cycles.
type PairRelation struct {
	ID           string
	ContextA     string
	ContextB     string
	RelationKind LifecycleKind
	Metadata     map[string]any
	CreatedAt    time.Time
}

// IntegrityProof is a periodic Merkle root over a context's ledger hash chain,
// supplementing P4 with batch tamper-evidence at scale.
type IntegrityProof struct {
	ID           string
	ContextID    string
	MerkleRoot   string
	EntryCount   int
	FromSequence int64
	ToSequence   int64
	CreatedAt    time.Time
}

// Organization is the tenant row every context, ledger, and credential audit
// entry is scoped by.
type Organization struct {
	ID        string
	Name      string
	Status    string
	CreatedAt time.Time
}

// APIKeyStatus enumerates key lifecycle states.
type APIKeyStatus string

const (
	APIKeyActive  APIKeyStatus = "active"
	APIKeyRevoked APIKeyStatus = "revoked"
)

// APIKey authenticates inbound requests via X-ChittyOS-API-Key or Bearer (§6).
type APIKey struct {
	ID        string
	KeyHash   string // Argon2id hash; the raw key is never persisted.
	OrgID     string
	Scopes    []string
	Status    APIKeyStatus
	CreatedAt time.Time
	RevokedAt *time.Time
}

// HasScope reports whether the key carries the named scope or the wildcard "*".
func (k APIKey) HasScope(scope string) bool {
	for _, s := range k.Scopes {
		if s == scope || s == "*" {
			return true
		}
	}
	return false
}
