package domain

import (
	interfaces "cans/internal/domain/interfaces"
	types "cans/internal/domain/types"
)

// Type aliases expose domain types from the types subpackage for compact imports.
type (
	UserID              = types.UserID
	Fingerprint         = types.Fingerprint
	SignedPreKeyID      = types.SignedPreKeyID
	OneTimePreKeyID     = types.OneTimePreKeyID
	Identity            = types.Identity
	OneTimePreKeyPair   = types.OneTimePreKeyPair
	OneTimePreKeyPublic = types.OneTimePreKeyPublic
	PreKeyBundle        = types.PreKeyBundle
	PreKeyMessage       = types.PreKeyMessage
	Kind                = types.Kind
	Envelope            = types.Envelope
	EnvelopeKey         = types.EnvelopeKey
	DecryptedMessage    = types.DecryptedMessage
	HistoryEntry        = types.HistoryEntry
	Contact             = types.Contact
	RatchetHeader       = types.RatchetHeader
	RatchetState        = types.RatchetState
	SessionState        = types.SessionState
	SessionRecord       = types.SessionRecord
	OutboundMessage     = types.OutboundMessage
	ReplayWindow        = types.ReplayWindow
	FriendState         = types.FriendState
	Friendship          = types.Friendship
	X25519Public        = types.X25519Public
	X25519Private       = types.X25519Private
	Ed25519Public       = types.Ed25519Public
	Ed25519Private      = types.Ed25519Private

	Challenge    = types.Challenge
	Auth         = types.Auth
	Ack          = types.Ack
	Presence     = types.Presence
	FriendNotice = types.FriendNotice
	ErrorNotice  = types.ErrorNotice
	Replenish    = types.Replenish
)

// Constants re-exported from the types subpackage.
const (
	RelayID     = types.RelayID
	AuthContext = types.AuthContext
	DigestSize  = types.DigestSize

	KindMessage           = types.KindMessage
	KindHandshakeInit     = types.KindHandshakeInit
	KindHandshakeResponse = types.KindHandshakeResponse
	KindPresence          = types.KindPresence
	KindFriendRequest     = types.KindFriendRequest
	KindFriendAccept      = types.KindFriendAccept
	KindFriendReject      = types.KindFriendReject
	KindFriendRemove      = types.KindFriendRemove
	KindReceipt           = types.KindReceipt
	KindAck               = types.KindAck
	KindChallenge         = types.KindChallenge
	KindAuth              = types.KindAuth
	KindError             = types.KindError
	KindPreKeyPublish     = types.KindPreKeyPublish
	KindPreKeyRequest     = types.KindPreKeyRequest
	KindPreKeyBundle      = types.KindPreKeyBundle
	KindPreKeyReplenish   = types.KindPreKeyReplenish

	SessionNone        = types.SessionNone
	SessionPending     = types.SessionPending
	SessionEstablished = types.SessionEstablished
	SessionStale       = types.SessionStale

	FriendNone      = types.FriendNone
	FriendRequested = types.FriendRequested
	FriendAccepted  = types.FriendAccepted
	FriendRejected  = types.FriendRejected

	PresenceOnline  = types.PresenceOnline
	PresenceOffline = types.PresenceOffline
)

// Functions re-exported from the types subpackage.
var (
	NewFriendship     = types.NewFriendship
	OrderedPair       = types.OrderedPair
	MergeBundle       = types.MergeBundle
	OfferBundle       = types.OfferBundle
	DropOneTimePreKey = types.DropOneTimePreKey
)

// Interface aliases expose domain interfaces from the interfaces subpackage.
type (
	IdentityService = interfaces.IdentityService
	PreKeyService   = interfaces.PreKeyService
	Primitive       = interfaces.Primitive
	Transport       = interfaces.Transport
	RelayClient     = interfaces.RelayClient
	IdentityStore   = interfaces.IdentityStore
	PreKeyStore     = interfaces.PreKeyStore
	SessionStore    = interfaces.SessionStore
	HistoryStore    = interfaces.HistoryStore
	ContactStore    = interfaces.ContactStore
	MailboxStore    = interfaces.MailboxStore
	FriendStore     = interfaces.FriendStore
	DirectoryStore  = interfaces.DirectoryStore
)
