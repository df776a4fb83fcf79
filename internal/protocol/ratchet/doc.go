// Package ratchet is the Double Ratchet that carries message payloads once
// X3DH has produced a root key.
//
// Every message key comes from a symmetric KDF step; a new DH ratchet public
// from the peer rotates the root and both chains. Keys for skipped messages
// are kept in the state (bounded) so envelopes the relay redelivers out of
// order still open.
//
// Decrypt advances the state only when the ciphertext opens; a forged or
// corrupted envelope leaves it untouched. A domain.RatchetState is not safe
// for concurrent use.
package ratchet
