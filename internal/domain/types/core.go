package types

// UserID identifies a user to the relay and to peers. It is the short hex
// fingerprint of the user's Ed25519 signing key, so the relay can verify it
// against the key presented during the connect handshake.
type UserID string

// String returns the string form of the identifier.
func (u UserID) String() string { return string(u) }

// Less reports whether u sorts before other. Used as the tie-break when both
// peers initiate a session at the same time.
func (u UserID) Less(other UserID) bool { return u < other }

// RelayID is the sender used for envelopes the relay itself originates
// (challenges, errors, pre-key bundles, replenish requests).
const RelayID UserID = "relay"

// Fingerprint is a short identifier for public keys presented to users.
type Fingerprint string

// String returns the string form of the fingerprint.
func (f Fingerprint) String() string { return string(f) }

// SignedPreKeyID uniquely identifies a signed pre-key.
type SignedPreKeyID string

// String returns the string form of the identifier.
func (id SignedPreKeyID) String() string { return string(id) }

// OneTimePreKeyID uniquely identifies a one-time pre-key.
type OneTimePreKeyID string

// String returns the string form of the identifier.
func (id OneTimePreKeyID) String() string { return string(id) }
