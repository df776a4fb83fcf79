package types

// Control payloads are the CBOR bodies of non-session envelope kinds.

// Challenge is sent by the relay as the first frame of every connection.
type Challenge struct {
	Nonce []byte `json:"nonce"`
}

// Auth answers a Challenge. Signature covers AuthContext || Nonce.
type Auth struct {
	SigningKey Ed25519Public `json:"signing_key"`
	Signature  []byte        `json:"signature"`
}

// AuthContext is prefixed to the challenge nonce before signing.
const AuthContext = "cans-auth-v1"

// Ack acknowledges delivery of one queued envelope. The ack envelope's
// Recipient and Sequence name the original sender and sequence. Digest is
// the acknowledged payload's Envelope.Digest.
type Ack struct {
	Kind   Kind   `json:"kind"`
	Digest []byte `json:"digest,omitempty"`
}

// Presence status values.
const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
)

// Presence is a live-only status update.
type Presence struct {
	Status string `json:"status"`
}

// FriendNotice accompanies friend-* envelopes.
type FriendNotice struct {
	Note string `json:"note,omitempty"`
}

// ErrorNotice reports a rejected envelope back to its sender.
type ErrorNotice struct {
	Code     string `json:"code"`
	Message  string `json:"message,omitempty"`
	Kind     Kind   `json:"kind"`
	Sequence uint64 `json:"seq"`
}

// Replenish asks a client to publish Count more one-time pre-keys.
type Replenish struct {
	Count int `json:"count"`
}
