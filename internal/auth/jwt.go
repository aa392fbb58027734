package auth

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

// LoadJWTPublicKey reads an Ed25519 public key from a PEM file for verifying
// caller-presented Bearer JWTs (§6). ChittyBridge only verifies tokens minted
// by an external issuer — it never signs its own, so no private-key loader
// is needed here.
func LoadJWTPublicKey(path string) (ed25519.PublicKey, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // path comes from validated config, not user input
	if err != nil {
		return nil, fmt.Errorf("auth: read jwt public key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("auth: decode jwt public key PEM")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parse jwt public key: %w", err)
	}
	edPub, ok := pub.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("auth: jwt public key is not Ed25519")
	}
	return edPub, nil
}
