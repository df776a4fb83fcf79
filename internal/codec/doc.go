// Package codec frames envelopes for the wire and encodes the control
// payloads carried by non-session kinds.
//
// # Envelope framing
//
// Fields are written in a fixed order, big-endian:
//
//	sender_len  u16 | sender
//	recipient_len u16 | recipient
//	kind        u8
//	sequence    u64
//	payload_len u32 | payload
//
// Encoding is deterministic and decoding is strict: truncated input, lengths
// over the limits, or trailing bytes are rejected with
// domain.ErrMalformedEnvelope. A kind byte this build does not know is kept
// as-is, so the envelope re-encodes to identical bytes and callers can treat
// it as an unrecognized control message.
//
// # Control payloads
//
// Control structures (challenge, auth, ack, presence, errors, pre-key
// bundles) are CBOR using canonical encoding, so equal values always produce
// equal bytes.
package codec
