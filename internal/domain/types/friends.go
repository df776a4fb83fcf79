package types

import "time"

// FriendState is the state of the relationship between two users.
type FriendState uint8

const (
	FriendNone FriendState = iota
	FriendRequested
	FriendAccepted
	FriendRejected
)

// String returns a lower-case name for the state.
func (s FriendState) String() string {
	switch s {
	case FriendNone:
		return "none"
	case FriendRequested:
		return "requested"
	case FriendAccepted:
		return "accepted"
	case FriendRejected:
		return "rejected"
	}
	return "unknown"
}

// Friendship is the relay's record for an unordered pair of users.
// A is always the lexicographically smaller identity.
type Friendship struct {
	A         UserID      `json:"a"`
	B         UserID      `json:"b"`
	State     FriendState `json:"state"`
	Requester UserID      `json:"requester,omitempty"`
	// Notice is the notification the last transition owes the other side.
	// It is cleared once the notification has been handed to the router.
	Notice *Envelope `json:"notice,omitempty"`
	// Echo is the acceptance owed back to the actor when two requests
	// crossed. It is cleared like Notice.
	Echo    *Envelope `json:"echo,omitempty"`
	Updated time.Time `json:"updated"`
}

// OwesReplay reports whether the record holds a notice that is replayed when
// id, the actor of the last transition, connects.
func (f Friendship) OwesReplay(id UserID) bool {
	return (f.Notice != nil && f.Notice.Sender == id) || (f.Echo != nil && f.Echo.Recipient == id)
}

// NewFriendship returns an empty record for the pair, normalising order.
func NewFriendship(x, y UserID) Friendship {
	a, b := OrderedPair(x, y)
	return Friendship{A: a, B: b}
}

// OrderedPair returns x and y sorted.
func OrderedPair(x, y UserID) (UserID, UserID) {
	if y.Less(x) {
		return y, x
	}
	return x, y
}

// Other returns the member of the pair that is not id.
func (f Friendship) Other(id UserID) UserID {
	if f.A == id {
		return f.B
	}
	return f.A
}
