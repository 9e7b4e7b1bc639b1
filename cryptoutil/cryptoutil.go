// Package cryptoutil provides the hash and signature primitives the rest of
// this module builds on: SHA-256 digests and Ed25519 signing/verification,
// plus the SPKI-DER-based key id derivation every signer identity uses.
package cryptoutil

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
)

// ErrNotEd25519Key is returned when a parsed public key is not an Ed25519 key.
var ErrNotEd25519Key = errors.New("cryptoutil: not an ed25519 public key")

// SHA256 returns the raw SHA-256 digest of b.
func SHA256(b []byte) []byte {
	h := sha256.Sum256(b)
	return h[:]
}

// SHA256Hex returns the lowercase hex-encoded SHA-256 digest of b.
func SHA256Hex(b []byte) string {
	return hex.EncodeToString(SHA256(b))
}

// PublicKeyToPEM encodes an Ed25519 public key as a PEM block containing its
// DER SubjectPublicKeyInfo (SPKI) encoding.
func PublicKeyToPEM(pub ed25519.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshal SPKI: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// ParsePublicKeyPEM decodes a PEM-encoded SPKI public key and returns the
// underlying Ed25519 public key.
func ParsePublicKeyPEM(pemBytes []byte) (ed25519.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("cryptoutil: no PEM block found")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse SPKI: %w", err)
	}
	edPub, ok := pub.(ed25519.PublicKey)
	if !ok {
		return nil, ErrNotEd25519Key
	}
	return edPub, nil
}

// KeyIDFromEd25519PublicKey derives a signer key id as the hex-encoded
// SHA-256 digest of the key's DER SubjectPublicKeyInfo encoding — the same
// derivation spec.md's signer registry uses to identify keys across
// rotation and revocation.
func KeyIDFromEd25519PublicKey(pub ed25519.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal SPKI: %w", err)
	}
	return SHA256Hex(der), nil
}

// KeyIDFromPublicKeyPEM derives the key id directly from a PEM-encoded SPKI
// block, without round-tripping through an ed25519.PublicKey. It still
// validates the key is an Ed25519 key so a caller can't register a key id
// whose PEM block it could never actually verify with.
func KeyIDFromPublicKeyPEM(pemBytes []byte) (string, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return "", errors.New("cryptoutil: no PEM block found")
	}
	if _, err := ParsePublicKeyPEM(pemBytes); err != nil {
		return "", err
	}
	return SHA256Hex(block.Bytes), nil
}

// SignEd25519 signs data with priv. It is a thin wrapper over
// crypto/ed25519.Sign kept for symmetry with VerifyEd25519 and so callers
// depend on this package rather than crypto/ed25519 directly.
func SignEd25519(priv ed25519.PrivateKey, data []byte) []byte {
	return ed25519.Sign(priv, data)
}

// VerifyEd25519 reports whether sig is a valid Ed25519 signature of data
// under pub.
func VerifyEd25519(pub ed25519.PublicKey, data, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, data, sig)
}
