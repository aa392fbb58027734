package server

import (
	"context"
	"encoding/json"

	"github.com/chittyos/chittybridge/internal/apierr"
	"github.com/chittyos/chittybridge/internal/domain"
	"github.com/chittyos/chittybridge/internal/resolver"
	"github.com/chittyos/chittybridge/internal/storage"
)

// notifyLedger publishes a ledger-append notification for the SSE broker
// (§4.F), mirroring the teacher's post-write db.Notify calls in its
// decision handlers. Best-effort: a failure here never fails the request.
func (h *Handlers) notifyLedger(ctx context.Context, orgID, contextID string) {
	if h.db == nil {
		return
	}
	payload, _ := json.Marshal(map[string]string{"org_id": orgID, "context_id": contextID})
	if err := h.db.Notify(ctx, storage.ChannelLedger, string(payload)); err != nil {
		h.logger.Warn("server: ledger notify failed", "error", err, "context_id", contextID)
	}
}

// notifyTrust publishes a trust-change notification for the SSE broker.
func (h *Handlers) notifyTrust(ctx context.Context, orgID, contextID string, newScore, newLevel int) {
	if h.db == nil {
		return
	}
	payload, _ := json.Marshal(map[string]any{
		"org_id": orgID, "context_id": contextID, "trustScore": newScore, "trustLevel": newLevel,
	})
	if err := h.db.Notify(ctx, storage.ChannelTrust, string(payload)); err != nil {
		h.logger.Warn("server: trust notify failed", "error", err, "context_id", contextID)
	}
}

// resolveContext runs §4.D's resolve(hints) decision tree and renders the
// variant-shaped response the HTTP and MCP surfaces share.
func (h *Handlers) resolveContext(ctx context.Context, hints resolver.AnchorHints) (map[string]any, error) {
	result, err := h.resolver.Resolve(ctx, hints)
	if err != nil {
		return nil, err
	}

	out := map[string]any{
		"kind":       result.Kind,
		"reason":     result.Reason,
		"confidence": result.Confidence,
	}
	if result.Context != nil {
		out["context"] = contextView(*result.Context)
	}
	if result.Pending != nil {
		out["pending"] = map[string]any{
			"contextHash":  result.Pending.Hash,
			"projectPath":  result.Pending.Hints.ProjectPath,
			"workspace":    result.Pending.Hints.Workspace,
			"supportType":  result.Pending.Hints.SupportType,
			"organization": result.Pending.Hints.Organization,
		}
	}
	return out, nil
}

// createContext stages-then-persists a new context entity. Callers invoke
// this after resolveContext returned ResolveCreateNew (or to force a new
// entity despite a fuzzy match).
func (h *Handlers) createContext(ctx context.Context, hints resolver.AnchorHints, organization string) (map[string]any, error) {
	hash := resolver.AnchorHash(hints)
	entity, err := h.resolver.CreateContext(ctx, resolver.PendingContext{Hints: hints, Hash: hash}, organization)
	if err != nil {
		return nil, err
	}
	h.notifyLedger(ctx, entity.Organization, entity.ID)
	return contextView(entity), nil
}

func (h *Handlers) bindContext(ctx context.Context, chittyID, sessionID, platform string) (map[string]any, error) {
	if chittyID == "" || sessionID == "" {
		return nil, validationErrf("chittyId and sessionId are required")
	}
	entity, err := h.db.GetContextByChittyID(ctx, chittyID)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, apierr.New(apierr.KindNotFound, "context not found")
		}
		return nil, err
	}
	binding, err := h.resolver.BindSession(ctx, entity, sessionID, platform)
	if err != nil {
		return nil, err
	}
	h.notifyLedger(ctx, entity.Organization, entity.ID)
	return map[string]any{
		"binding": bindingView(binding),
		"context": contextView(entity),
	}, nil
}

func (h *Handlers) unbindContext(ctx context.Context, sessionID string, metrics resolver.SessionMetrics) (map[string]any, error) {
	if sessionID == "" {
		return nil, validationErrf("sessionId is required")
	}
	binding, err := h.db.GetActiveBinding(ctx, sessionID)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, apierr.New(apierr.KindNotFound, "no active binding for session")
		}
		return nil, err
	}
	entity, err := h.db.GetContextByID(ctx, binding.ContextID)
	if err != nil {
		return nil, err
	}
	result, err := h.resolver.UnbindSession(ctx, binding.ContextID, sessionID, metrics)
	if err != nil {
		return nil, err
	}
	h.notifyLedger(ctx, entity.Organization, entity.ID)
	if result.LevelChange {
		h.notifyTrust(ctx, entity.Organization, entity.ID, result.NewTrust, result.NewLevel)
	}
	return map[string]any{
		"binding":     bindingView(result.Binding),
		"newTrust":    result.NewTrust,
		"newLevel":    result.NewLevel,
		"levelChange": result.LevelChange,
	}, nil
}

func (h *Handlers) switchContext(ctx context.Context, sessionID, toChittyID string, metrics resolver.SessionMetrics) (map[string]any, error) {
	if sessionID == "" || toChittyID == "" {
		return nil, validationErrf("sessionId and toChittyId are required")
	}
	binding, err := h.resolver.SwitchContext(ctx, sessionID, toChittyID, metrics)
	if err != nil {
		return nil, err
	}
	if entity, entErr := h.db.GetContextByID(ctx, binding.ContextID); entErr == nil {
		h.notifyLedger(ctx, entity.Organization, entity.ID)
	}
	return map[string]any{"binding": bindingView(binding)}, nil
}

// expandContext resolves a chittyId to its current state, DNA, trust
// history, and lifecycle relations in one call (§4.D "expand").
func (h *Handlers) expandContext(ctx context.Context, chittyID string) (map[string]any, error) {
	entity, err := h.db.GetContextByChittyID(ctx, chittyID)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, apierr.New(apierr.KindNotFound, "context not found")
		}
		return nil, err
	}
	dna, err := h.db.GetDNA(ctx, entity.ID)
	if err != nil && err != storage.ErrNotFound {
		return nil, err
	}
	trustLog, err := h.db.ListTrustEvolution(ctx, entity.ID)
	if err != nil {
		return nil, err
	}
	relations, err := h.db.ListPairRelations(ctx, entity.ID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"context":       contextView(entity),
		"dna":           dnaView(dna),
		"trustEvolution": trustEvolutionView(trustLog),
		"relations":     relationsView(relations),
	}, nil
}

// currentContext returns the context currently bound to sessionID, if any.
func (h *Handlers) currentContext(ctx context.Context, sessionID string) (map[string]any, error) {
	binding, err := h.db.GetActiveBinding(ctx, sessionID)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, apierr.New(apierr.KindNotFound, "session has no active binding")
		}
		return nil, err
	}
	entity, err := h.db.GetContextByID(ctx, binding.ContextID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"binding": bindingView(binding),
		"context": contextView(entity),
	}, nil
}

// searchContexts finds fuzzy candidates sharing (projectPath, supportType),
// exposing the same matcher the resolver uses internally so clients can
// preview candidates before binding.
func (h *Handlers) searchContexts(ctx context.Context, projectPath, supportType string) (map[string]any, error) {
	if projectPath == "" || supportType == "" {
		return nil, validationErrf("projectPath and supportType are required")
	}
	candidates, err := h.db.FindFuzzyCandidates(ctx, projectPath, supportType, "")
	if err != nil {
		return nil, err
	}
	views := make([]map[string]any, len(candidates))
	for i, c := range candidates {
		views[i] = contextView(c)
	}
	return map[string]any{"candidates": views}, nil
}

// summaryContext renders a condensed view of a context plus its ledger head,
// for quick display surfaces (dashboards, CLI).
func (h *Handlers) summaryContext(ctx context.Context, id string) (map[string]any, error) {
	entity, err := h.db.GetContextByID(ctx, id)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, apierr.New(apierr.KindNotFound, "context not found")
		}
		return nil, err
	}
	entries, err := h.db.ListLedgerEntries(ctx, id, 0, 0)
	if err != nil {
		return nil, err
	}
	var head *domain.LedgerEntry
	if len(entries) > 0 {
		head = &entries[len(entries)-1]
	}
	out := map[string]any{"context": contextView(entity), "ledgerLength": len(entries)}
	if head != nil {
		out["ledgerHead"] = ledgerEntryView(*head)
	}
	return out, nil
}

func contextView(e domain.ContextEntity) map[string]any {
	return map[string]any{
		"id":            e.ID,
		"chittyId":      e.ChittyID,
		"contextHash":   e.ContextHash,
		"projectPath":   e.ProjectPath,
		"workspace":     e.Workspace,
		"supportType":   e.SupportType,
		"organization":  e.Organization,
		"entityType":    e.EntityType,
		"lifecycle":     e.Lifecycle,
		"trustScore":    e.TrustScore,
		"trustLevel":    e.TrustLevel,
		"status":        e.Status,
		"unsigned":      e.Unsigned,
		"totalSessions": e.TotalSessions,
		"lastActivity":  e.LastActivity,
		"createdAt":     e.CreatedAt,
	}
}

func bindingView(b domain.SessionBinding) map[string]any {
	return map[string]any{
		"id":                 b.ID,
		"sessionId":          b.SessionID,
		"contextId":          b.ContextID,
		"platform":           b.Platform,
		"boundAt":            b.BoundAt,
		"lastActivity":       b.LastActivity,
		"unboundAt":          b.UnboundAt,
		"unbindReason":       b.UnbindReason,
		"interactionsCount":  b.InteractionsCount,
		"decisionsCount":     b.DecisionsCount,
		"sessionSuccessRate": b.SessionSuccessRate,
		"active":             b.IsActive(),
	}
}

func dnaView(d domain.ContextDNA) map[string]any {
	return map[string]any{
		"patterns":          d.Patterns,
		"traits":            d.Traits,
		"competencies":      d.Competencies,
		"expertiseDomains":  d.ExpertiseDomains,
		"interactionsCount": d.InteractionsCount,
		"decisionsCount":    d.DecisionsCount,
		"successRate":       d.SuccessRate,
		"peakActivityHours": d.PeakActivityHours,
		"updatedAt":         d.UpdatedAt,
	}
}

func trustEvolutionView(entries []domain.TrustEvolutionEntry) []map[string]any {
	out := make([]map[string]any, len(entries))
	for i, e := range entries {
		out[i] = map[string]any{
			"previousLevel": e.PreviousLevel, "newLevel": e.NewLevel,
			"previousScore": e.PreviousScore, "newScore": e.NewScore,
			"changeTrigger": e.ChangeTrigger, "contentHash": e.ContentHash, "createdAt": e.CreatedAt,
		}
	}
	return out
}

func relationsView(rels []domain.PairRelation) []map[string]any {
	out := make([]map[string]any, len(rels))
	for i, r := range rels {
		out[i] = map[string]any{
			"contextA": r.ContextA, "contextB": r.ContextB,
			"relationKind": r.RelationKind, "metadata": r.Metadata, "createdAt": r.CreatedAt,
		}
	}
	return out
}

func ledgerEntryView(e domain.LedgerEntry) map[string]any {
	return map[string]any{
		"sequence": e.Sequence, "eventType": e.EventType, "payload": e.Payload,
		"hash": e.Hash, "previousHash": e.PreviousHash, "createdAt": e.CreatedAt,
	}
}
