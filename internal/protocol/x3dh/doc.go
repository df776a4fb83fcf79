// Package x3dh derives the root key that starts a Double Ratchet session.
//
// The responder's pre-key bundle comes from the relay directory: identity
// keys, a signed pre-key with its Ed25519 signature and at most one one-time
// pre-key, which the relay hands out only once.
//
// InitiatorRoot checks the signed pre-key with VerifySPK, generates an
// ephemeral key and runs HKDF over IKa·SPKb, EKa·IKb, EKa·SPKb and, when a
// one-time pre-key was issued, EKa·OPKb. The identifiers it used and the
// ephemeral public travel to the responder in a handshake-init envelope,
// together with a signature over Transcript so the responder can tie the
// handshake to the initiator's signing key.
//
// ResponderRoot repeats the same DH set from its side. The caller consumes
// the one-time pre-key, so a replayed handshake-init cannot be answered twice.
//
// ErrBadSPK and ErrBadTranscript report signature failures; anything else
// wraps a lower-level crypto error.
package x3dh
