package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/chittyos/chittybridge/internal/domain"
)

// CreatePairRelation records a lifecycle-graph edge between two contexts
// (collaboration, supernova, fission, derivative, suspension) as a relational
// row rather than an in-memory pointer, per the "cyclic graphs" design note.
func (db *DB) CreatePairRelation(ctx context.Context, tx pgx.Tx, rel domain.PairRelation) (domain.PairRelation, error) {
	payloadJSON, err := marshalPayload(rel.Metadata)
	if err != nil {
		return domain.PairRelation{}, fmt.Errorf("storage: marshal relation metadata: %w", err)
	}
	row := tx.QueryRow(ctx, `
		INSERT INTO context_pair_relations (context_a, context_b, relation_kind, metadata, created_at)
		VALUES ($1,$2,$3,$4,now())
		RETURNING id, created_at`, rel.ContextA, rel.ContextB, rel.RelationKind, payloadJSON)
	if err := row.Scan(&rel.ID, &rel.CreatedAt); err != nil {
		return domain.PairRelation{}, fmt.Errorf("storage: insert pair relation: %w", err)
	}
	return rel, nil
}

// ListPairRelations returns every relation touching contextID, either side.
func (db *DB) ListPairRelations(ctx context.Context, contextID string) ([]domain.PairRelation, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT id, context_a, context_b, relation_kind, metadata, created_at
		FROM context_pair_relations WHERE context_a = $1 OR context_b = $1
		ORDER BY created_at ASC`, contextID)
	if err != nil {
		return nil, fmt.Errorf("storage: list pair relations: %w", err)
	}
	defer rows.Close()

	var out []domain.PairRelation
	for rows.Next() {
		var rel domain.PairRelation
		var payloadJSON string
		if err := rows.Scan(&rel.ID, &rel.ContextA, &rel.ContextB, &rel.RelationKind, &payloadJSON, &rel.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan pair relation: %w", err)
		}
		rel.Metadata, err = unmarshalPayload(payloadJSON)
		if err != nil {
			return nil, fmt.Errorf("storage: unmarshal relation metadata: %w", err)
		}
		out = append(out, rel)
	}
	return out, rows.Err()
}
