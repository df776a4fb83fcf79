// Package server implements the relay: a websocket endpoint that
// authenticates each connection by its identity key and forwards
// end-to-end-encrypted envelopes it cannot read.
//
// Components
//
//   - Registry: identity -> live connection, last writer wins. Registering a
//     second connection for an identity evicts the first. Subscribers see
//     registered, evicted and unregistered events.
//   - Router: checks the sender against the connection, gates session kinds
//     on an accepted friendship, dispatches control kinds to their handlers
//     and queues the rest in the recipient's mailbox. A per-recipient lane
//     delivers the mailbox in order, one envelope per ack.
//   - Broker: the friendship state machine (request, accept, reject,
//     remove) and live-only presence.
//   - Directory: published pre-key bundles; every fetch consumes at most one
//     one-time pre-key and owners running low are asked to replenish.
//
// Delivery guarantees
//
// Queued kinds are removed from the mailbox only when the recipient acks
// them. A delivery that is not acked within the ack timeout, or whose
// connection drops, stays queued and is retried on reconnect or by the
// periodic sweep. Recipients therefore see every queued envelope at least
// once and de-duplicate by (sender, kind, sequence).
//
// A sender that re-encrypts a message after a session reset resends it under
// the same key. The relay replaces the pending copy and only an ack carrying
// the new payload's digest removes it.
//
// Mailbox policies
//
//	durable   bbolt for everything
//	graceful  bbolt for friendships and pre-keys, memory for the mailbox,
//	          which is written to bbolt on clean shutdown
//	memory    nothing on disk
package server
