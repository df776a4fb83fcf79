// Package primitive binds X3DH and the Double Ratchet into the single
// contract the session layer consumes (domain.Primitive).
//
// A handshake-init payload carries the initiator's PreKeyMessage, an Ed25519
// signature over the X3DH transcript and the first ratchet message. The
// responder answers with one ratchet message of its own; decrypting it
// proves both sides derived the same root key. All payloads are CBOR.
package primitive
