package interfaces

import (
	"context"

	domaintypes "cans/internal/domain/types"
)

// IdentityService creates, retrieves, and inspects your identity keys.
type IdentityService interface {
	GenerateIdentity(passphrase string) (
		domaintypes.Identity,
		domaintypes.UserID,
		error,
	)
	LoadIdentity(passphrase string) (domaintypes.Identity, error)
	FingerprintIdentity(passphrase string) (domaintypes.UserID, error)
}

// PreKeyService generates and assembles your pre-key bundles.
type PreKeyService interface {
	GenerateAndStorePreKeys(count int) (domaintypes.PreKeyBundle, error)
	AddOneTimePreKeys(count int) ([]domaintypes.OneTimePreKeyPublic, error)
	CurrentBundle() (domaintypes.PreKeyBundle, error)
}

// Primitive is the key-agreement and ratchet contract the session layer is
// built on. RatchetState is opaque to callers.
type Primitive interface {
	GeneratePreKeyBundle(count int) (domaintypes.PreKeyBundle, error)
	Initiate(bundle domaintypes.PreKeyBundle) ([]byte, *domaintypes.RatchetState, error)
	Respond(handshake []byte) ([]byte, *domaintypes.RatchetState, error)
	Encrypt(st *domaintypes.RatchetState, plaintext []byte) ([]byte, error)
	Decrypt(st *domaintypes.RatchetState, ciphertext []byte) ([]byte, error)
}

// Transport is what the session layer needs from the relay connection.
type Transport interface {
	Send(ctx context.Context, env domaintypes.Envelope) error
	FetchBundle(ctx context.Context, peer domaintypes.UserID) (domaintypes.PreKeyBundle, error)
}

// RelayClient is the full client side of a relay connection.
type RelayClient interface {
	Transport
	// Ack confirms delivery of a queued envelope so the relay drops it.
	Ack(ctx context.Context, env domaintypes.Envelope) error
	// PublishBundle uploads the signed pre-key and one-time pre-keys.
	PublishBundle(ctx context.Context, bundle domaintypes.PreKeyBundle) error
}
