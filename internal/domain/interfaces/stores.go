package interfaces

import domaintypes "cans/internal/domain/types"

// IdentityStore persists your long-term identity keys.
type IdentityStore interface {
	SaveIdentity(passphrase string, id domaintypes.Identity) error
	LoadIdentity(passphrase string) (domaintypes.Identity, error)
}

// PreKeyStore manages signed and one-time pre-keys on disk.
type PreKeyStore interface {
	// Signed pre-key
	SaveSignedPreKey(
		id domaintypes.SignedPreKeyID,
		priv domaintypes.X25519Private,
		pub domaintypes.X25519Public,
		sig []byte,
	) error
	LoadSignedPreKey(
		id domaintypes.SignedPreKeyID,
	) (
		priv domaintypes.X25519Private,
		pub domaintypes.X25519Public,
		sig []byte,
		ok bool,
		err error,
	)

	// One-time pre-keys
	SaveOneTimePreKeys(pairs []domaintypes.OneTimePreKeyPair) error
	LoadOneTimePreKey(id domaintypes.OneTimePreKeyID) (
		priv domaintypes.X25519Private,
		pub domaintypes.X25519Public,
		ok bool,
		err error,
	)
	ConsumeOneTimePreKey(id domaintypes.OneTimePreKeyID) (
		priv domaintypes.X25519Private,
		pub domaintypes.X25519Public,
		ok bool,
		err error,
	)
	ListOneTimePreKeyPublics() ([]domaintypes.OneTimePreKeyPublic, error)

	// Current signed pre-key selection
	SetCurrentSignedPreKeyID(id domaintypes.SignedPreKeyID) error
	CurrentSignedPreKeyID() (domaintypes.SignedPreKeyID, bool, error)
}

// SessionStore persists per-peer session records.
type SessionStore interface {
	SaveSession(rec domaintypes.SessionRecord) error
	LoadSession(peer domaintypes.UserID) (domaintypes.SessionRecord, bool, error)
	DeleteSession(peer domaintypes.UserID) error
	ListSessions() ([]domaintypes.UserID, error)
}

// HistoryStore keeps decrypted conversation history, encrypted at rest.
type HistoryStore interface {
	AppendHistory(entry domaintypes.HistoryEntry) error
	History(peer domaintypes.UserID, limit int) ([]domaintypes.HistoryEntry, error)
}

// ContactStore keeps the client's view of its friend relationships.
type ContactStore interface {
	SaveContact(c domaintypes.Contact) error
	Contacts() ([]domaintypes.Contact, error)
}
