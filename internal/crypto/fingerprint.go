package crypto

import (
	"crypto/sha256"
	"encoding/hex"

	"cans/internal/domain"
)

// Fingerprint returns a short hex fingerprint of a public key.
//
// It hashes with SHA-256 and truncates to 10 bytes (20 hex chars).
func Fingerprint(pub []byte) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:10])
}

// UserID derives the relay-visible identity from a signing key.
func UserID(signingKey domain.Ed25519Public) domain.UserID {
	return domain.UserID(Fingerprint(signingKey.Slice()))
}

// SignAuth signs a relay challenge nonce.
func SignAuth(priv domain.Ed25519Private, nonce []byte) []byte {
	return SignEd25519(priv, authMessage(nonce))
}

// VerifyAuth checks a challenge response produced by SignAuth.
func VerifyAuth(pub domain.Ed25519Public, nonce, sig []byte) bool {
	return VerifyEd25519(pub, authMessage(nonce), sig)
}

func authMessage(nonce []byte) []byte {
	msg := make([]byte, 0, len(domain.AuthContext)+len(nonce))
	msg = append(msg, domain.AuthContext...)
	return append(msg, nonce...)
}
