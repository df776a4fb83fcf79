package interfaces

import domaintypes "cans/internal/domain/types"

// MailboxStore holds queued envelopes per recipient until they are
// acknowledged. Implementations return entries in arrival order; the router
// restores per-sender sequence order on read.
type MailboxStore interface {
	// Append stores env for env.Recipient. It reports false, without error,
	// when an identical entry with the same (sender, kind, sequence) is
	// already pending. A pending entry with the same key but a different
	// payload is replaced in place and Append reports true.
	Append(env domaintypes.Envelope) (bool, error)
	Pending(recipient domaintypes.UserID) ([]domaintypes.Envelope, error)
	// Remove drops the pending entry with key. A non-nil digest restricts
	// the removal to an entry whose payload has that Envelope.Digest.
	Remove(recipient domaintypes.UserID, key domaintypes.EnvelopeKey, digest []byte) error
	// Recipients lists identities with at least one pending entry.
	Recipients() ([]domaintypes.UserID, error)
	Close() error
}

// FriendStore persists friendship records keyed by unordered pair.
type FriendStore interface {
	// Friendship returns the record for the pair, or a FriendNone record
	// when none exists.
	Friendship(x, y domaintypes.UserID) (domaintypes.Friendship, error)
	PutFriendship(f domaintypes.Friendship) error
	DeleteFriendship(x, y domaintypes.UserID) error
	// Friends lists the identities with an accepted friendship with id.
	Friends(id domaintypes.UserID) ([]domaintypes.UserID, error)
	// PendingNotices lists records with an outstanding notice owed on id's
	// behalf, see Friendship.OwesReplay.
	PendingNotices(id domaintypes.UserID) ([]domaintypes.Friendship, error)
	Close() error
}

// DirectoryStore holds published pre-key bundles.
type DirectoryStore interface {
	// PutBundle replaces the signed pre-key and appends one-time pre-keys.
	// It returns the number of one-time keys now held.
	PutBundle(bundle domaintypes.PreKeyBundle) (int, error)
	// PeekBundle returns the bundle with at most one one-time pre-key and
	// leaves the directory unchanged.
	PeekBundle(id domaintypes.UserID) (domaintypes.PreKeyBundle, error)
	// ConsumeOneTimePreKey removes key from id's bundle and returns the
	// number of one-time keys left.
	ConsumeOneTimePreKey(id domaintypes.UserID, key domaintypes.OneTimePreKeyID) (int, error)
	Close() error
}
