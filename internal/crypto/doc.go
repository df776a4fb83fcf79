// Package crypto exposes the minimal primitives used by cans.
//
// Contents
//
//   - X25519 key generation, clamping and Diffie–Hellman (GenerateX25519,
//     PublicX25519, DH)
//   - Ed25519 key generation, signing and verification (GenerateEd25519,
//     SignEd25519, VerifyEd25519)
//   - Short public-key fingerprints and the UserID derived from a signing key
//     (Fingerprint, UserID)
//   - Relay challenge signing (SignAuth, VerifyAuth)
//
// # Notes
//
// All functions return fixed-size array types defined in internal/domain to
// avoid accidental reallocations. Callers should treat returned secrets as
// sensitive and rely on memzero.Zero when practical to reduce lifetime in
// memory.
package crypto
