// Package resolver is the context resolution and anchoring engine (§4.D):
// it fingerprints session anchors, looks up or mints context entities,
// binds/unbinds sessions, recomputes trust, and appends to each context's
// hash-chained ledger.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/chittyos/chittybridge/internal/apierr"
	"github.com/chittyos/chittybridge/internal/domain"
	"github.com/chittyos/chittybridge/internal/identifier"
	"github.com/chittyos/chittybridge/internal/integrity"
	"github.com/chittyos/chittybridge/internal/storage"
)

// Trust recompute constants (§4.D step 3): newScore = clamp(oldScore +
// α·ΔsuccessRate − β·anomalyDelta + γ·consistencyBonus, 0, 100). Hardcoded
// per DESIGN.md's resolution of the spec's Open Question on tunability.
const (
	trustAlpha = 20.0
	trustBeta  = 10.0
	trustGamma = 2.0
)

// A freshly created context starts at neutral trust (§4.D createContext),
// not at the zero value: an unproven context is presumed neutral, not
// distrusted.
const (
	initialTrustScore = 50
	initialTrustLevel = 3
)

// Minter mints canonical identifiers via the external minting service.
// A nil Minter (or a failing call) causes createContext to fall back to a
// locally-generated id per §4.D.
type Minter interface {
	Mint(ctx context.Context, entityType, characterization string) (string, error)
}

// Resolver is the context resolution engine.
type Resolver struct {
	db     *storage.DB
	minter Minter
	logger *slog.Logger
}

// New constructs a Resolver. minter may be nil in environments without a
// reachable minting service; fallback id generation still applies.
func New(db *storage.DB, minter Minter, logger *slog.Logger) *Resolver {
	return &Resolver{db: db, minter: minter, logger: logger}
}

// ResolutionKind distinguishes the variant of a ResolutionResult (§4.D "resolve").
type ResolutionKind string

const (
	ResolveBindExisting      ResolutionKind = "bind_existing"
	ResolveBindExistingFuzzy ResolutionKind = "bind_existing_fuzzy"
	ResolveCreateNew         ResolutionKind = "create_new"
)

// ResolutionResult is the outcome of Resolve.
type ResolutionResult struct {
	Kind       ResolutionKind
	Context    *domain.ContextEntity
	Pending    *PendingContext
	Confidence float64
	Reason     string
}

// PendingContext carries the anchors for a not-yet-minted context.
type PendingContext struct {
	Hints AnchorHints
	Hash  string
}

// Resolve implements §4.D's resolve(hints) decision tree.
func (r *Resolver) Resolve(ctx context.Context, hints AnchorHints) (ResolutionResult, error) {
	if hints.ExplicitChittyID != "" {
		entity, err := r.db.GetContextByChittyID(ctx, hints.ExplicitChittyID)
		if errors.Is(err, storage.ErrNotFound) {
			return ResolutionResult{}, apierr.New(apierr.KindNotFound, "explicit chittyId not found")
		}
		if err != nil {
			return ResolutionResult{}, fmt.Errorf("resolver: lookup explicit id: %w", err)
		}
		return ResolutionResult{Kind: ResolveBindExisting, Context: &entity, Confidence: 1.0, Reason: "explicit id lookup"}, nil
	}

	if hints.ProjectPath == "" && hints.Workspace == "" {
		return ResolutionResult{}, apierr.New(apierr.KindValidation, "insufficient hints: need projectPath, workspace, or explicitChittyId")
	}

	hash := AnchorHash(hints)
	entity, err := r.db.FindActiveByHash(ctx, hash)
	switch {
	case err == nil:
		return ResolutionResult{Kind: ResolveBindExisting, Context: &entity, Confidence: 1.0, Reason: "exact anchor hash match"}, nil
	case !errors.Is(err, storage.ErrNotFound):
		return ResolutionResult{}, fmt.Errorf("resolver: find by hash: %w", err)
	}

	candidates, err := r.db.FindFuzzyCandidates(ctx, hints.ProjectPath, hints.SupportType, hash)
	if err != nil {
		return ResolutionResult{}, fmt.Errorf("resolver: find fuzzy candidates: %w", err)
	}
	if len(candidates) > 0 {
		// FindFuzzyCandidates already orders by trustScore desc, lastActivity desc.
		best := candidates[0]
		confidence := fuzzyConfidence(len(candidates))
		return ResolutionResult{
			Kind: ResolveBindExistingFuzzy, Context: &best, Confidence: confidence,
			Reason: "matched on (projectPath, supportType); requires confirmation",
		}, nil
	}

	return ResolutionResult{
		Kind:    ResolveCreateNew,
		Pending: &PendingContext{Hints: hints, Hash: hash},
		Reason:  "no existing or candidate context",
	}, nil
}

// fuzzyConfidence scales down as ambiguity (more candidates) grows, staying
// within the spec's [0.6, 0.9] band for fuzzy matches.
func fuzzyConfidence(candidateCount int) float64 {
	c := 0.9 - 0.1*float64(candidateCount-1)
	if c < 0.6 {
		return 0.6
	}
	return c
}

// CreateContext mints (or falls back to a local id for) a new context entity
// and persists it with an empty DNA row and genesis ledger entry in one
// transaction (§4.D "createContext").
func (r *Resolver) CreateContext(ctx context.Context, pending PendingContext, organization string) (domain.ContextEntity, error) {
	chittyID, unsigned, err := r.mintOrFallback(ctx)
	if err != nil {
		return domain.ContextEntity{}, err
	}

	entity := domain.ContextEntity{
		ChittyID:     chittyID,
		ContextHash:  pending.Hash,
		ProjectPath:  pending.Hints.ProjectPath,
		Workspace:    pending.Hints.Workspace,
		SupportType:  pending.Hints.SupportType,
		Organization: organization,
		EntityType:   string(identifier.EntityPerson),
		Status:       domain.StatusActive,
		Unsigned:     unsigned,
		TrustScore:   initialTrustScore,
		TrustLevel:   initialTrustLevel,
	}
	genesis := domain.LedgerEntry{
		EventType: domain.LedgerEventTransaction,
		Payload:   map[string]any{"type": "context_created"},
	}

	created, err := r.db.CreateContext(ctx, entity, genesis)
	if errors.Is(err, storage.ErrConflict) {
		// contextHash collided with a concurrently-created active context (P2);
		// the caller should re-run Resolve, which will now find it.
		return domain.ContextEntity{}, apierr.New(apierr.KindConflict, "context with this anchor hash was just created concurrently")
	}
	if err != nil {
		return domain.ContextEntity{}, fmt.Errorf("resolver: create context: %w", err)
	}
	return created, nil
}

func (r *Resolver) mintOrFallback(ctx context.Context) (chittyID string, unsigned bool, err error) {
	if r.minter != nil {
		id, mintErr := r.minter.Mint(ctx, string(identifier.EntityPerson), "synthetic")
		if mintErr == nil {
			return id, false, nil
		}
		r.logger.Warn("resolver: mint failed, generating fallback id", "error", mintErr)
	}

	fallback, genErr := identifier.GenerateFallback(time.Now())
	if genErr != nil {
		return "", false, fmt.Errorf("resolver: generate fallback id: %w", genErr)
	}
	return fallback.String(), true, nil
}

// BindSession joins sessionId to context, transitioning a dormant context to
// active and recording the bind as a ledger decision entry (§4.D "bindSession").
func (r *Resolver) BindSession(ctx context.Context, entity domain.ContextEntity, sessionID, platform string) (domain.SessionBinding, error) {
	if entity.Status != domain.StatusActive && entity.Status != domain.StatusDormant {
		return domain.SessionBinding{}, apierr.New(apierr.KindConflict, fmt.Sprintf("context status %q cannot bind a session", entity.Status))
	}

	var binding domain.SessionBinding
	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		b, err := r.db.CreateBinding(ctx, tx, domain.SessionBinding{SessionID: sessionID, ContextID: entity.ID, Platform: platform})
		if err != nil {
			return err
		}
		binding = b

		if entity.Status == domain.StatusDormant {
			if err := r.transitionWithinTx(ctx, tx, entity.ID, domain.StatusDormant, domain.StatusActive); err != nil {
				return err
			}
		}
		if err := r.db.TouchActivity(ctx, tx, entity.ID, true); err != nil {
			return err
		}
		_, err = r.appendLedgerWithinTx(ctx, tx, entity.ID, domain.LedgerEventDecision, map[string]any{
			"type": "session_bound", "sessionId": sessionID, "platform": platform,
		})
		return err
	})
	if errors.Is(err, storage.ErrConflict) {
		return domain.SessionBinding{}, apierr.New(apierr.KindConflict, "session already has an active binding")
	}
	if err != nil {
		return domain.SessionBinding{}, fmt.Errorf("resolver: bind session: %w", err)
	}
	return binding, nil
}

// SessionMetrics summarizes a session's activity at unbind time, fed into
// the DNA rollup and trust recompute (§4.D "unbindSession").
type SessionMetrics struct {
	Interactions   int
	Decisions      int
	SuccessRate    float64 // [0,1]
	AnomalyDelta   float64
	Competencies   []string
	Domains        []string
	PeakHourBucket int
	Reason         domain.UnbindReason
}

// RollupResult is returned by UnbindSession.
type RollupResult struct {
	Binding     domain.SessionBinding
	NewTrust    int
	NewLevel    int
	LevelChange bool
}

// UnbindSession closes a session's binding and rolls its metrics into the
// owning context's DNA and trust score (§4.D "unbindSession", steps 1-4).
func (r *Resolver) UnbindSession(ctx context.Context, contextID, sessionID string, metrics SessionMetrics) (RollupResult, error) {
	var result RollupResult
	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		binding, err := r.db.UnbindSession(ctx, tx, sessionID, metrics.Reason, metrics.Interactions, metrics.Decisions, metrics.SuccessRate)
		if err != nil {
			return err
		}
		result.Binding = binding

		if err := r.db.AccumulateDNA(ctx, tx, contextID, metrics.Interactions, metrics.Decisions, metrics.SuccessRate,
			nil, nil, metrics.Competencies, metrics.Domains, metrics.PeakHourBucket); err != nil {
			return err
		}

		entity, err := r.db.GetContextByID(ctx, contextID)
		if err != nil {
			return err
		}
		newScore, newLevel, levelChanged := recomputeTrust(entity.TrustScore, entity.TrustLevel, metrics.SuccessRate, metrics.AnomalyDelta)
		result.NewTrust, result.NewLevel, result.LevelChange = newScore, newLevel, levelChanged

		if err := r.db.UpdateTrust(ctx, tx, contextID, newScore, newLevel); err != nil {
			return err
		}
		// P5: every change of trustScore OR trustLevel gets a
		// TrustEvolutionEntry, not just level transitions (§4.D step 3 only
		// spells out the level-change case, but the score is persisted
		// unconditionally above).
		if newScore != entity.TrustScore || levelChanged {
			contentHash := contentHashForTrustChange(contextID, entity.TrustLevel, newLevel, "session_unbind")
			if _, err := r.db.InsertTrustEvolution(ctx, tx, domain.TrustEvolutionEntry{
				ContextID: contextID, PreviousLevel: entity.TrustLevel, NewLevel: newLevel,
				PreviousScore: entity.TrustScore, NewScore: newScore, ChangeTrigger: "session_unbind",
				ContentHash: contentHash,
			}); err != nil {
				return err
			}
		}

		_, err = r.appendLedgerWithinTx(ctx, tx, contextID, domain.LedgerEventOutcome, map[string]any{
			"type": "session_unbound", "sessionId": sessionID, "reason": metrics.Reason,
		})
		return err
	})
	if err != nil {
		return RollupResult{}, fmt.Errorf("resolver: unbind session: %w", err)
	}
	return result, nil
}

// SwitchContext unbinds sessionId from its current context (with metric
// accumulation) and then binds it to toChittyID (§4.D "switchContext"). The
// unbind and the bind run in separate transactions: if the bind fails, the
// session is left unbound.
func (r *Resolver) SwitchContext(ctx context.Context, sessionID, toChittyID string, metrics SessionMetrics) (domain.SessionBinding, error) {
	current, err := r.db.GetActiveBinding(ctx, sessionID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return domain.SessionBinding{}, fmt.Errorf("resolver: get active binding: %w", err)
	}

	target, err := r.db.GetContextByChittyID(ctx, toChittyID)
	if errors.Is(err, storage.ErrNotFound) {
		return domain.SessionBinding{}, apierr.New(apierr.KindNotFound, "target context not found")
	}
	if err != nil {
		return domain.SessionBinding{}, fmt.Errorf("resolver: lookup target context: %w", err)
	}

	if current.ID != "" {
		if current.ContextID == target.ID {
			return current, nil // Already bound to target: no-op success.
		}
		if _, err := r.UnbindSession(ctx, current.ContextID, sessionID, metrics); err != nil {
			return domain.SessionBinding{}, err
		}
	}

	return r.BindSession(ctx, target, sessionID, current.Platform)
}

// recomputeTrust implements the trust formula from §4.D step 3. Here
// ΔsuccessRate is the session's observed success rate minus the midpoint
// (0.5), scaled to a symmetric [-1,1] signal; consistencyBonus rewards a
// success rate at or above 0.8.
func recomputeTrust(oldScore, oldLevel int, successRate, anomalyDelta float64) (newScore, newLevel int, changed bool) {
	deltaSuccess := (successRate - 0.5) * 2
	var consistencyBonus float64
	if successRate >= 0.8 {
		consistencyBonus = 1
	}

	raw := float64(oldScore) + trustAlpha*deltaSuccess - trustBeta*anomalyDelta + trustGamma*consistencyBonus
	newScore = int(math.Max(0, math.Min(100, math.Round(raw))))
	newLevel = newScore / 20
	if newLevel > 5 {
		newLevel = 5
	}
	return newScore, newLevel, newLevel != oldLevel
}

// contentHashForTrustChange produces the tamper-evident hash stored on each
// TrustEvolutionEntry, over {contextId, previous, new, trigger} (§3).
func contentHashForTrustChange(contextID string, previous, next int, trigger string) string {
	return integrity.StableHash(contextID, fmt.Sprint(previous), fmt.Sprint(next), trigger)
}

// Transition applies §4.D's context status state machine outside any
// transaction. The decommission flow and binding to a dormant context use
// transitionWithinTx instead, inside their own transactions.
func (r *Resolver) Transition(ctx context.Context, contextID string, from, to domain.ContextStatus) error {
	if err := r.db.UpdateContextStatus(ctx, contextID, from, to); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return apierr.New(apierr.KindConflict, "context status changed concurrently")
		}
		return fmt.Errorf("resolver: transition: %w", err)
	}
	return nil
}

func (r *Resolver) transitionWithinTx(ctx context.Context, tx pgx.Tx, contextID string, from, to domain.ContextStatus) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("resolver: illegal transition %s -> %s", from, to)
	}
	_, err := tx.Exec(ctx, `UPDATE contexts SET status = $1 WHERE id = $2 AND status = $3`, to, contextID, from)
	return err
}

func (r *Resolver) appendLedgerWithinTx(ctx context.Context, tx pgx.Tx, contextID string, eventType domain.LedgerEventType, payload map[string]any) (domain.LedgerEntry, error) {
	return r.db.AppendLedgerEntryTx(ctx, tx, contextID, eventType, payload)
}
