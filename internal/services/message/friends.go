package message

import (
	"context"
	"fmt"

	"cans/internal/codec"
	"cans/internal/domain"
)

// RequestFriend asks peer for a friendship. If peer already asked us, the
// request is answered with an accept instead.
func (s *Service) RequestFriend(ctx context.Context, peer domain.UserID, note string) error {
	if c, ok, err := s.contact(peer); err != nil {
		return err
	} else if ok && c.State == domain.FriendRequested && c.Incoming {
		return s.AcceptFriend(ctx, peer)
	}
	return s.friend(ctx, peer, domain.KindFriendRequest, note, domain.FriendRequested)
}

// AcceptFriend accepts peer's pending request.
func (s *Service) AcceptFriend(ctx context.Context, peer domain.UserID) error {
	return s.friend(ctx, peer, domain.KindFriendAccept, "", domain.FriendAccepted)
}

// RejectFriend refuses peer's pending request. The relay never lets the
// pair become friends afterwards.
func (s *Service) RejectFriend(ctx context.Context, peer domain.UserID) error {
	return s.friend(ctx, peer, domain.KindFriendReject, "", domain.FriendRejected)
}

// RemoveFriend ends an accepted friendship and destroys the session.
func (s *Service) RemoveFriend(ctx context.Context, peer domain.UserID) error {
	if err := s.friend(ctx, peer, domain.KindFriendRemove, "", domain.FriendNone); err != nil {
		return err
	}
	return s.sessions.Remove(peer)
}

// friend sends a friend-* control envelope and records the expected state.
// Sequences come from the clock so repeated requests stay distinct across
// restarts.
func (s *Service) friend(
	ctx context.Context,
	peer domain.UserID,
	kind domain.Kind,
	note string,
	state domain.FriendState,
) error {
	if peer == s.self {
		return fmt.Errorf("%w: cannot befriend yourself", domain.ErrPolicyDenied)
	}
	env, err := codec.Control(s.self, peer, kind, uint64(s.now().UnixNano()), domain.FriendNotice{Note: note})
	if err != nil {
		return err
	}
	if err := s.relay.Send(ctx, env); err != nil {
		return fmt.Errorf("send %s: %w", kind, err)
	}
	return s.saveContact(peer, func(c *domain.Contact) {
		c.State = state
		c.Incoming = false
		if state != domain.FriendAccepted {
			c.Online = false
		}
	})
}
