package domain

import "errors"

// Errors shared across the client and the relay. Wrap them with %w and test
// with errors.Is.
var (
	// ErrAuthenticationFailed: handshake or connect authentication rejected.
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrPolicyDenied: the friendship state does not permit the operation.
	ErrPolicyDenied = errors.New("policy denied")
	// ErrMalformedEnvelope: the envelope could not be decoded.
	ErrMalformedEnvelope = errors.New("malformed envelope")
	// ErrDuplicateMessage: the sequence number was already accepted.
	ErrDuplicateMessage = errors.New("duplicate message")
	// ErrReplayOrExpired: the sequence number is older than the replay window.
	ErrReplayOrExpired = errors.New("replay or expired message")
	// ErrDeliveryTimeout: the recipient did not acknowledge in time.
	ErrDeliveryTimeout = errors.New("delivery timeout")
	// ErrSessionDesync: the ciphertext could not be decrypted with the current session.
	ErrSessionDesync = errors.New("session desynchronised")

	// ErrInvalidTransition: the session event is not valid in the current state.
	ErrInvalidTransition = errors.New("invalid session transition")
	// ErrSenderMismatch: the envelope sender differs from the authenticated connection.
	ErrSenderMismatch = errors.New("sender does not match connection identity")
	// ErrNoPreKeys: the peer has not published a pre-key bundle.
	ErrNoPreKeys = errors.New("no pre-key bundle published")
	// ErrConnClosed: the connection went away before the operation completed.
	ErrConnClosed = errors.New("connection closed")
	// ErrNotFound: the requested record does not exist.
	ErrNotFound = errors.New("not found")
)

// ErrorCode maps a sentinel to the code carried in an ErrorNotice.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrPolicyDenied):
		return "policy_denied"
	case errors.Is(err, ErrMalformedEnvelope):
		return "malformed_envelope"
	case errors.Is(err, ErrNoPreKeys):
		return "no_prekeys"
	case errors.Is(err, ErrAuthenticationFailed):
		return "authentication_failed"
	case errors.Is(err, ErrSenderMismatch):
		return "sender_mismatch"
	}
	return "internal"
}

// CodeError maps an ErrorNotice code back to its sentinel.
func CodeError(code string) error {
	switch code {
	case "policy_denied":
		return ErrPolicyDenied
	case "malformed_envelope":
		return ErrMalformedEnvelope
	case "no_prekeys":
		return ErrNoPreKeys
	case "authentication_failed":
		return ErrAuthenticationFailed
	case "sender_mismatch":
		return ErrSenderMismatch
	}
	return errors.New(code)
}
