package integrity_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/chittyos/chittybridge/internal/integrity"
)

func TestStableHashDeterministic(t *testing.T) {
	a := integrity.StableHash("p", "w", "s", "o")
	b := integrity.StableHash("p", "w", "s", "o")
	assert.Equal(t, a, b)
}

func TestStableHashAvoidsDelimiterCollision(t *testing.T) {
	a := integrity.StableHash("ab", "c")
	b := integrity.StableHash("a", "bc")
	assert.NotEqual(t, a, b)
}

func TestVerifyStableHash(t *testing.T) {
	h := integrity.StableHash("x", "y")
	assert.True(t, integrity.VerifyStableHash(h, "x", "y"))
	assert.False(t, integrity.VerifyStableHash(h, "x", "z"))
}

func TestBuildMerkleRootEmpty(t *testing.T) {
	assert.Equal(t, "", integrity.BuildMerkleRoot(nil))
}

func TestBuildMerkleRootSingle(t *testing.T) {
	assert.Equal(t, "leaf", integrity.BuildMerkleRoot([]string{"leaf"}))
}

func TestBuildMerkleRootOddCount(t *testing.T) {
	root2 := integrity.BuildMerkleRoot([]string{"a", "b"})
	root3 := integrity.BuildMerkleRoot([]string{"a", "b", "c"})
	assert.NotEqual(t, root2, root3)
	assert.NotEmpty(t, root3)
}

func TestHashPairDeterministic(t *testing.T) {
	assert.Equal(t, integrity.HashPair("a", "b"), integrity.HashPair("a", "b"))
	assert.NotEqual(t, integrity.HashPair("a", "b"), integrity.HashPair("b", "a"))
}
