package resolver

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/chittyos/chittybridge/internal/domain"
)

// LinkPair records a lifecycle relationship between two existing context
// entities (collaboration, supernova, fission, derivative, suspension).
// Every participant remains Person-type; only the relation's metadata
// records the lifecycle kind (§4.D "Lifecycle operations").
func (r *Resolver) LinkPair(ctx context.Context, contextA, contextB string, kind domain.LifecycleKind, metadata map[string]any) (domain.PairRelation, error) {
	var rel domain.PairRelation
	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		rel, err = r.db.CreatePairRelation(ctx, tx, domain.PairRelation{
			ContextA: contextA, ContextB: contextB, RelationKind: kind, Metadata: metadata,
		})
		if err != nil {
			return err
		}
		for _, cid := range []string{contextA, contextB} {
			if _, err := r.appendLedgerWithinTx(ctx, tx, cid, domain.LedgerEventTransaction, map[string]any{
				"type": "pair_relation", "kind": kind, "with": otherOf(cid, contextA, contextB),
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.PairRelation{}, fmt.Errorf("resolver: link pair: %w", err)
	}
	return rel, nil
}

// CreateDerivative mints a brand-new context and links it back to its parent
// with a relation of the given kind (the new context's own Lifecycle field is
// not set; only the relation records the kind), for flows that spin off a new synthetic
// principal from an existing one (supernova/fission/derivative/suspension
// all share this shape; only the relation kind differs).
func (r *Resolver) CreateDerivative(ctx context.Context, parent domain.ContextEntity, pending PendingContext, kind domain.LifecycleKind) (domain.ContextEntity, error) {
	child, err := r.CreateContext(ctx, pending, parent.Organization)
	if err != nil {
		return domain.ContextEntity{}, err
	}
	if _, err := r.LinkPair(ctx, parent.ID, child.ID, kind, map[string]any{"parent": parent.ChittyID}); err != nil {
		return domain.ContextEntity{}, err
	}
	return child, nil
}

// Relations lists every lifecycle-graph edge touching a context.
func (r *Resolver) Relations(ctx context.Context, contextID string) ([]domain.PairRelation, error) {
	return r.db.ListPairRelations(ctx, contextID)
}

func otherOf(self, a, b string) string {
	if self == a {
		return b
	}
	return a
}
