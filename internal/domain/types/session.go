package types

import "time"

// SessionState is the lifecycle state of the session with one peer.
type SessionState uint8

const (
	SessionNone SessionState = iota
	SessionPending
	SessionEstablished
	SessionStale
)

// String returns a lower-case name for the state.
func (s SessionState) String() string {
	switch s {
	case SessionNone:
		return "none"
	case SessionPending:
		return "pending"
	case SessionEstablished:
		return "established"
	case SessionStale:
		return "stale"
	}
	return "unknown"
}

// OutboundMessage is a plaintext we have committed to sending, tagged with
// the sequence number it was (or will be) sent under.
type OutboundMessage struct {
	Sequence  uint64 `json:"seq"`
	Plaintext []byte `json:"pt"`
}

// ReplayWindow tracks which inbound sequence numbers have been accepted.
// Bits[i] bit j marks Highest-(64*i+j) as seen.
type ReplayWindow struct {
	Highest uint64   `json:"highest"`
	Bits    []uint64 `json:"bits,omitempty"`
}

// SessionRecord is the persisted form of a peer session.
type SessionRecord struct {
	Peer  UserID       `json:"peer"`
	State SessionState `json:"state"`

	Ratchet *RatchetState `json:"ratchet,omitempty"`

	// LastSequence is the highest message sequence assigned to an outbound
	// message; the next one is LastSequence+1.
	LastSequence uint64 `json:"last_seq"`
	// LastHandshake numbers handshake envelopes separately from messages.
	LastHandshake uint64 `json:"last_hs"`
	// HandshakeDigest identifies the last handshake-init we answered so a
	// redelivered copy is not mistaken for a peer restart.
	HandshakeDigest []byte `json:"hs_digest,omitempty"`
	// PendingResponse is a handshake-response payload (sent under sequence
	// LastHandshake) that has not reached the transport yet. Messages are
	// held back until it has.
	PendingResponse []byte `json:"pending_resp,omitempty"`

	Window ReplayWindow `json:"window"`

	// Buffered holds plaintexts accepted while the session was not yet
	// established. They are sent, in order, once it is.
	Buffered []OutboundMessage `json:"buffered,omitempty"`
	// Unacked holds sent plaintexts the peer has not yet receipted.
	Unacked []OutboundMessage `json:"unacked,omitempty"`

	Updated time.Time `json:"updated"`
}
