package types

import "crypto/sha256"

// Kind tags what an Envelope carries. Values are part of the wire format and
// must never be renumbered.
type Kind uint8

const (
	KindMessage           Kind = 1
	KindHandshakeInit     Kind = 2
	KindHandshakeResponse Kind = 3
	KindPresence          Kind = 4
	KindFriendRequest     Kind = 5
	KindFriendAccept      Kind = 6
	KindFriendReject      Kind = 7
	KindFriendRemove      Kind = 8
	KindReceipt           Kind = 9
	KindAck               Kind = 10
	KindChallenge         Kind = 11
	KindAuth              Kind = 12
	KindError             Kind = 13
	KindPreKeyPublish     Kind = 14
	KindPreKeyRequest     Kind = 15
	KindPreKeyBundle      Kind = 16
	KindPreKeyReplenish   Kind = 17
)

var kindNames = map[Kind]string{
	KindMessage:           "message",
	KindHandshakeInit:     "handshake-init",
	KindHandshakeResponse: "handshake-response",
	KindPresence:          "presence",
	KindFriendRequest:     "friend-request",
	KindFriendAccept:      "friend-accept",
	KindFriendReject:      "friend-reject",
	KindFriendRemove:      "friend-remove",
	KindReceipt:           "receipt",
	KindAck:               "ack",
	KindChallenge:         "challenge",
	KindAuth:              "auth",
	KindError:             "error",
	KindPreKeyPublish:     "prekey-publish",
	KindPreKeyRequest:     "prekey-request",
	KindPreKeyBundle:      "prekey-bundle",
	KindPreKeyReplenish:   "prekey-replenish",
}

// String returns the wire name of the kind, or "unrecognized" for values this
// build does not know.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unrecognized"
}

// Known reports whether k is a kind this build understands. Unknown kinds
// still decode so that newer peers can be relayed or rejected cleanly.
func (k Kind) Known() bool {
	_, ok := kindNames[k]
	return ok
}

// Queued reports whether envelopes of this kind are stored in the recipient
// mailbox until acknowledged. Everything else is live-only.
func (k Kind) Queued() bool {
	switch k {
	case KindMessage, KindHandshakeInit, KindHandshakeResponse, KindReceipt,
		KindFriendRequest, KindFriendAccept, KindFriendReject, KindFriendRemove:
		return true
	}
	return false
}

// RequiresFriendship reports whether the relay only forwards this kind
// between users with an accepted friendship.
func (k Kind) RequiresFriendship() bool {
	switch k {
	case KindMessage, KindHandshakeInit, KindHandshakeResponse, KindReceipt:
		return true
	}
	return false
}

// Envelope is the unit the relay routes. The relay reads the routing fields
// only; Payload is opaque ciphertext for session kinds and a CBOR control
// structure otherwise.
type Envelope struct {
	Sender    UserID `json:"sender"`
	Recipient UserID `json:"recipient"`
	Kind      Kind   `json:"kind"`
	Sequence  uint64 `json:"sequence"`
	Payload   []byte `json:"payload,omitempty"`
}

// Key returns the identity the relay uses to de-duplicate and acknowledge
// the envelope.
func (e Envelope) Key() EnvelopeKey {
	return EnvelopeKey{Sender: e.Sender, Kind: e.Kind, Sequence: e.Sequence}
}

// DigestSize is the length of an envelope payload digest.
const DigestSize = 16

// Digest identifies the payload carried under Key. A sender that re-encrypts
// a message after a session reset keeps the key but changes the digest.
func (e Envelope) Digest() []byte {
	sum := sha256.Sum256(e.Payload)
	return sum[:DigestSize]
}

// EnvelopeKey is the (sender, kind, sequence) triple that identifies one
// envelope within a recipient's mailbox.
type EnvelopeKey struct {
	Sender   UserID
	Kind     Kind
	Sequence uint64
}
