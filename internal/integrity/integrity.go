// Package integrity provides tamper-evident hashing and Merkle tree construction
// for the context ledger and audit trails. All functions are pure and deterministic.
package integrity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// Hash version prefix. All new hashes produced by this package carry it so the
// scheme can evolve without breaking verification of previously stored values.
const hashV1Prefix = "v1:"

// StableHash produces a versioned SHA-256 hex digest over an ordered list of
// fields. Each field is length-prefixed before hashing so that freeform text
// containing delimiter-like characters cannot produce a colliding digest
// (e.g. StableHash("ab","c") != StableHash("a","bc")).
func StableHash(fields ...string) string {
	return hashV1Prefix + computeHash(fields)
}

// VerifyStableHash reports whether stored matches the digest recomputed from fields.
func VerifyStableHash(stored string, fields ...string) bool {
	return stored == hashV1Prefix+computeHash(fields)
}

func computeHash(fields []string) string {
	h := sha256.New()
	for _, f := range fields {
		writeField(h, f)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func writeField(h interface{ Write([]byte) (int, error) }, s string) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s))) //nolint:gosec // field lengths are bounded by HTTP request body limits
	h.Write(lenBuf[:])
	h.Write([]byte(s))
}

// HashPair produces SHA-256(0x01 || len(a) || a || b) as a hex string.
// The 0x01 prefix is a domain separator for internal Merkle tree nodes (per
// RFC 6962), ensuring internal node hashes can never collide with leaf
// content hashes. The 4-byte big-endian length prefix on a prevents
// second-preimage attacks from boundary ambiguity.
func HashPair(a, b string) string {
	h := sha256.New()
	h.Write([]byte{0x01}) // internal node domain separator
	aBytes := []byte(a)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(aBytes))) //nolint:gosec // hash inputs are bounded-length hex strings
	h.Write(lenBuf[:])
	h.Write(aBytes)
	h.Write([]byte(b))
	return hex.EncodeToString(h.Sum(nil))
}

// BuildMerkleRoot constructs a Merkle tree from leaf hashes and returns the root.
// Leaves must be sorted lexicographically by the caller for determinism.
// If leaves is empty, returns an empty string.
// If leaves has one element, the root is that element.
// Odd-length levels hash the last node with itself for structural binding.
func BuildMerkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}
	if len(leaves) == 1 {
		return leaves[0]
	}

	level := make([]string, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		var next []string
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, HashPair(level[i], level[i+1]))
			} else {
				// Odd node: hash with itself for structural binding to tree position.
				next = append(next, HashPair(level[i], level[i]))
			}
		}
		level = next
	}

	return level[0]
}

// GenesisHash is the sentinel previousHash for the first ledger entry of a
// context (§3 ContextLedger invariant: "genesis entry uses the sentinel
// 'genesis'").
const GenesisHash = "genesis"
