package types

import "time"

// HistoryEntry is one line of locally stored conversation history.
type HistoryEntry struct {
	Peer      UserID    `json:"peer"`
	Outgoing  bool      `json:"outgoing"`
	Sequence  uint64    `json:"seq"`
	Body      []byte    `json:"body"`
	Timestamp time.Time `json:"ts"`
}

// DecryptedMessage is what the messenger hands to the UI.
type DecryptedMessage struct {
	From      UserID    `json:"from"`
	Sequence  uint64    `json:"seq"`
	Plaintext []byte    `json:"plaintext"`
	Timestamp time.Time `json:"timestamp"`
}

// Contact is the client's local view of a friend relationship.
type Contact struct {
	Peer     UserID      `json:"peer"`
	State    FriendState `json:"state"`
	Incoming bool        `json:"incoming,omitempty"` // pending request came from Peer
	Online   bool        `json:"online"`
	Updated  time.Time   `json:"updated"`
}
