// Package session implements the per-peer session state machine on the
// client.
//
// Each peer session is in one of four states:
//
//	NONE        no key material
//	PENDING     handshake-init sent, waiting for the response
//	ESTABLISHED ratchet keys agreed, messages flow
//	STALE       the peer restarted the handshake; transient while the new
//	            session replaces the old one
//
// Every change goes through an explicit transition table. An event that is
// not listed for the current state is rejected with
// domain.ErrInvalidTransition and the session is left as it was.
//
// Operations on one peer's session are serialised by a per-peer mutex;
// different peers proceed concurrently. Every mutation is persisted through
// the domain.SessionStore before the resulting envelope is sent.
//
// # Ordering and replay
//
// Outbound messages carry a per-peer sequence number starting at 1. The
// sequence is also sealed inside the ciphertext so a relay cannot rewrite it.
// Inbound sequences pass a sliding replay window: a number seen before is
// domain.ErrDuplicateMessage, one older than the window is
// domain.ErrReplayOrExpired. A ciphertext that fails to open is
// domain.ErrSessionDesync and leaves the session untouched.
//
// # Simultaneous initiation
//
// When both peers send handshake-init at once, the peer with the smaller
// UserID abandons its own attempt and answers the other's; the larger peer
// ignores the init it receives and waits for the response.
//
// # Peer restarts
//
// A fresh handshake-init on an ESTABLISHED session means the peer lost its
// state. The session goes STALE, answers the handshake, resets the replay
// window and re-encrypts every unacknowledged outbound message under the new
// keys, resending each with its original sequence number.
package session
