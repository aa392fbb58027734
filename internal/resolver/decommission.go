package resolver

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/chittyos/chittybridge/internal/apierr"
	"github.com/chittyos/chittybridge/internal/domain"
)

// DecommissionAction is the target terminal-ish state for Decommission.
type DecommissionAction string

const (
	ActionArchive DecommissionAction = "archive"
	ActionRevoke  DecommissionAction = "revoke"
)

// DecommissionPreview reports what decommissioning a context would affect
// (§4.D "preview").
type DecommissionPreview struct {
	ActiveSessions int
	LedgerEntries  int64
	TrustLogs      int
	Warnings       []string
	Recommendation string
}

// Preview inspects a context's current state without mutating anything.
func (r *Resolver) Preview(ctx context.Context, contextID string) (DecommissionPreview, error) {
	binding, err := r.db.GetActiveBindingByContext(ctx, contextID)
	activeSessions := 0
	if err == nil && binding.ID != "" {
		activeSessions = 1
	}

	entries, err := r.db.ListLedgerEntries(ctx, contextID, 0, 0)
	if err != nil {
		return DecommissionPreview{}, fmt.Errorf("resolver: preview ledger: %w", err)
	}

	trustLog, err := r.db.ListTrustEvolution(ctx, contextID)
	if err != nil {
		return DecommissionPreview{}, fmt.Errorf("resolver: preview trust log: %w", err)
	}

	preview := DecommissionPreview{
		ActiveSessions: activeSessions,
		LedgerEntries:  int64(len(entries)),
		TrustLogs:      len(trustLog),
		Recommendation: "safe to archive",
	}
	if activeSessions > 0 {
		preview.Warnings = append(preview.Warnings, "context has an active session binding")
		preview.Recommendation = "unbind active sessions before decommissioning, or pass force=true"
	}
	return preview, nil
}

// Decommission transitions a context to archived or revoked. If active
// sessions exist and force is false, the request is rejected; otherwise
// active sessions are force-unbound with reason "revoked" before the status
// transition (§4.D "decommission").
func (r *Resolver) Decommission(ctx context.Context, entity domain.ContextEntity, action DecommissionAction, force bool) error {
	binding, err := r.db.GetActiveBindingByContext(ctx, entity.ID)
	hasActive := err == nil && binding.ID != ""

	if hasActive && !force {
		return apierr.New(apierr.KindConflict, "context has an active session; pass force=true to decommission anyway")
	}

	target := domain.StatusArchived
	if action == ActionRevoke {
		target = domain.StatusRevoked
	}

	return r.db.WithTx(ctx, func(tx pgx.Tx) error {
		if hasActive {
			// Forced unbind with no session-metrics report: keep the
			// binding's already-accumulated counters rather than zeroing
			// them out.
			if _, err := r.db.UnbindSession(ctx, tx, binding.SessionID, domain.UnbindRevoked,
				binding.InteractionsCount, binding.DecisionsCount, binding.SessionSuccessRate); err != nil {
				return err
			}
		}
		if !entity.Status.CanTransitionTo(target) {
			return fmt.Errorf("resolver: illegal transition %s -> %s", entity.Status, target)
		}
		if err := r.transitionWithinTx(ctx, tx, entity.ID, entity.Status, target); err != nil {
			return err
		}
		_, err := r.appendLedgerWithinTx(ctx, tx, entity.ID, domain.LedgerEventDecision, map[string]any{
			"type": "decommission", "action": action, "forced": force,
		})
		return err
	})
}
