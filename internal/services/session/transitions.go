package session

import (
	"fmt"

	"cans/internal/domain"
)

type event uint8

const (
	evStart    event = iota // local send needs a session
	evInit                  // peer handshake-init
	evResponse              // peer handshake-response
	evMessage               // peer message
	evResynced              // replacement session ready
)

func (e event) String() string {
	switch e {
	case evStart:
		return "start"
	case evInit:
		return "handshake-init"
	case evResponse:
		return "handshake-response"
	case evMessage:
		return "message"
	case evResynced:
		return "resynced"
	}
	return "unknown"
}

var transitions = map[domain.SessionState]map[event]domain.SessionState{
	domain.SessionNone: {
		evStart: domain.SessionPending,
		evInit:  domain.SessionEstablished,
	},
	domain.SessionPending: {
		evStart:    domain.SessionPending,
		evInit:     domain.SessionEstablished,
		evResponse: domain.SessionEstablished,
	},
	domain.SessionEstablished: {
		evStart:   domain.SessionEstablished,
		evInit:    domain.SessionStale,
		evMessage: domain.SessionEstablished,
	},
	domain.SessionStale: {
		evResynced: domain.SessionEstablished,
	},
}

// transition returns the state ev leads to from, or ErrInvalidTransition.
func transition(from domain.SessionState, ev event) (domain.SessionState, error) {
	if to, ok := transitions[from][ev]; ok {
		return to, nil
	}
	return from, fmt.Errorf("%w: %s in state %s", domain.ErrInvalidTransition, ev, from)
}
