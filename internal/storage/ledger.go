package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/chittyos/chittybridge/internal/domain"
	"github.com/chittyos/chittybridge/internal/integrity"
)

// insertLedgerEntry writes one ledger row inside an existing transaction,
// computing its hash over (contextID, sequence, eventType, payload, previousHash).
// Callers must have already set entry.ContextID, entry.Sequence, and
// entry.PreviousHash.
func insertLedgerEntry(ctx context.Context, tx pgx.Tx, entry *domain.LedgerEntry) error {
	payloadJSON, err := marshalPayload(entry.Payload)
	if err != nil {
		return fmt.Errorf("storage: marshal ledger payload: %w", err)
	}
	entry.Hash = integrity.StableHash(entry.ContextID, fmt.Sprint(entry.Sequence), string(entry.EventType), payloadJSON, entry.PreviousHash)

	row := tx.QueryRow(ctx, `
		INSERT INTO context_ledger (context_id, sequence, event_type, payload, hash, previous_hash, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,now())
		RETURNING id, created_at`, entry.ContextID, entry.Sequence, entry.EventType, payloadJSON, entry.Hash, entry.PreviousHash)
	return row.Scan(&entry.ID, &entry.CreatedAt)
}

// AppendLedgerEntry appends a new hash-chained entry for contextID, reading
// the current head (sequence, hash) and inserting with previousHash set to
// the head's hash inside a single serializable transaction, retried on
// serialization conflicts per §5 ("up to 3 retries, 50ms base delay").
func (db *DB) AppendLedgerEntry(ctx context.Context, contextID string, eventType domain.LedgerEventType, payload map[string]any) (domain.LedgerEntry, error) {
	var entry domain.LedgerEntry
	err := WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		return db.WithTx(ctx, func(tx pgx.Tx) error {
			var err error
			entry, err = appendLedgerEntryInTx(ctx, tx, contextID, eventType, payload)
			return err
		})
	})
	return entry, err
}

// AppendLedgerEntryTx appends a ledger entry using a transaction the caller
// already holds (e.g. the resolver's bind/unbind transactions), so the
// append and the caller's other row mutations commit atomically. Callers
// driving their own transaction are responsible for their own retry policy
// on serialization conflicts.
func (db *DB) AppendLedgerEntryTx(ctx context.Context, tx pgx.Tx, contextID string, eventType domain.LedgerEventType, payload map[string]any) (domain.LedgerEntry, error) {
	return appendLedgerEntryInTx(ctx, tx, contextID, eventType, payload)
}

func appendLedgerEntryInTx(ctx context.Context, tx pgx.Tx, contextID string, eventType domain.LedgerEventType, payload map[string]any) (domain.LedgerEntry, error) {
	var headSeq int64
	var headHash string
	row := tx.QueryRow(ctx, `
		SELECT sequence, hash FROM context_ledger
		WHERE context_id = $1 ORDER BY sequence DESC LIMIT 1 FOR UPDATE`, contextID)
	switch err := row.Scan(&headSeq, &headHash); {
	case errors.Is(err, pgx.ErrNoRows):
		headSeq, headHash = 0, integrity.GenesisHash
	case err != nil:
		return domain.LedgerEntry{}, fmt.Errorf("storage: read ledger head: %w", err)
	}

	entry := domain.LedgerEntry{
		ContextID:    contextID,
		Sequence:     headSeq + 1,
		EventType:    eventType,
		Payload:      payload,
		PreviousHash: headHash,
	}
	if err := insertLedgerEntry(ctx, tx, &entry); err != nil {
		return domain.LedgerEntry{}, err
	}
	return entry, nil
}

// VerifyLedgerChain walks every entry for contextID in sequence order and
// recomputes each hash, failing fast at the first break (P4).
func (db *DB) VerifyLedgerChain(ctx context.Context, contextID string) (bool, int64, error) {
	entries, err := db.ListLedgerEntries(ctx, contextID, 0, 0)
	if err != nil {
		return false, 0, err
	}
	prev := integrity.GenesisHash
	for _, e := range entries {
		if e.PreviousHash != prev {
			return false, e.Sequence, nil
		}
		payloadJSON, err := marshalPayload(e.Payload)
		if err != nil {
			return false, e.Sequence, fmt.Errorf("storage: marshal ledger payload: %w", err)
		}
		if !integrity.VerifyStableHash(e.Hash, e.ContextID, fmt.Sprint(e.Sequence), string(e.EventType), payloadJSON, e.PreviousHash) {
			return false, e.Sequence, nil
		}
		prev = e.Hash
	}
	return true, 0, nil
}

// ListLedgerEntries returns entries for contextID with sequence in (fromSeq, toSeq],
// ordered ascending. toSeq == 0 means "no upper bound".
func (db *DB) ListLedgerEntries(ctx context.Context, contextID string, fromSeq, toSeq int64) ([]domain.LedgerEntry, error) {
	q := `SELECT id, context_id, sequence, event_type, payload, hash, previous_hash, created_at
		FROM context_ledger WHERE context_id = $1 AND sequence > $2`
	args := []any{contextID, fromSeq}
	if toSeq > 0 {
		q += ` AND sequence <= $3`
		args = append(args, toSeq)
	}
	q += ` ORDER BY sequence ASC`

	rows, err := db.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query ledger entries: %w", err)
	}
	defer rows.Close()

	var out []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		var payloadJSON string
		if err := rows.Scan(&e.ID, &e.ContextID, &e.Sequence, &e.EventType, &payloadJSON, &e.Hash, &e.PreviousHash, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan ledger entry: %w", err)
		}
		e.Payload, err = unmarshalPayload(payloadJSON)
		if err != nil {
			return nil, fmt.Errorf("storage: unmarshal ledger payload: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LatestIntegrityProof returns the most recent proof for contextID, or a
// zero-value proof (ToSequence 0) if none exists yet — callers treat that as
// "prove from the genesis entry".
func (db *DB) LatestIntegrityProof(ctx context.Context, contextID string) (domain.IntegrityProof, error) {
	row := db.pool.QueryRow(ctx, `
		SELECT id, context_id, merkle_root, entry_count, from_sequence, to_sequence, created_at
		FROM integrity_proofs WHERE context_id = $1 ORDER BY to_sequence DESC LIMIT 1`, contextID)
	var p domain.IntegrityProof
	err := row.Scan(&p.ID, &p.ContextID, &p.MerkleRoot, &p.EntryCount, &p.FromSequence, &p.ToSequence, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.IntegrityProof{ContextID: contextID}, nil
	}
	if err != nil {
		return domain.IntegrityProof{}, fmt.Errorf("storage: latest integrity proof: %w", err)
	}
	return p, nil
}

// InsertIntegrityProof persists a periodic Merkle-root batch proof over
// (fromSeq, toSeq] for contextID.
func (db *DB) InsertIntegrityProof(ctx context.Context, proof domain.IntegrityProof) (domain.IntegrityProof, error) {
	row := db.pool.QueryRow(ctx, `
		INSERT INTO integrity_proofs (context_id, merkle_root, entry_count, from_sequence, to_sequence, created_at)
		VALUES ($1,$2,$3,$4,$5,now())
		RETURNING id, created_at`,
		proof.ContextID, proof.MerkleRoot, proof.EntryCount, proof.FromSequence, proof.ToSequence)
	err := row.Scan(&proof.ID, &proof.CreatedAt)
	if err != nil {
		return domain.IntegrityProof{}, fmt.Errorf("storage: insert integrity proof: %w", err)
	}
	return proof, nil
}
