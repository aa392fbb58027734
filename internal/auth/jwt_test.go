package auth_test

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chittyos/chittybridge/internal/auth"
)

func writePublicKeyPEM(t *testing.T, pub ed25519.PublicKey) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}

	path := filepath.Join(t.TempDir(), "key.pem")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, pem.Encode(f, block))
	return path
}

func TestLoadJWTPublicKeyValid(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	path := writePublicKeyPEM(t, pub)

	loaded, err := auth.LoadJWTPublicKey(path)
	require.NoError(t, err)
	assert.Equal(t, pub, loaded)
}

func TestLoadJWTPublicKeyMissingFile(t *testing.T) {
	_, err := auth.LoadJWTPublicKey(filepath.Join(t.TempDir(), "missing.pem"))
	assert.Error(t, err)
}

func TestLoadJWTPublicKeyNotPEM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key.pem")
	require.NoError(t, os.WriteFile(path, []byte("not a pem file"), 0o600))

	_, err := auth.LoadJWTPublicKey(path)
	assert.Error(t, err)
}
