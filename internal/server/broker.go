package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"cans/internal/codec"
	"cans/internal/domain"
)

// BrokerOptions tunes a Broker.
type BrokerOptions struct {
	Logger logrus.FieldLogger
	Now    func() time.Time
}

// Broker owns friendship state and presence. It handles the friend-* and
// presence kinds for the router and reacts to registry events.
//
// A friendship transition is written together with the notices it owes:
// one to the other side, plus an echo to the actor when requests crossed.
// Each is then queued through the router and cleared; if queueing fails it
// stays on the record and is replayed the next time the actor connects.
type Broker struct {
	reg     *Registry
	router  *Router
	friends domain.FriendStore
	pairs   *keyLock
	log     logrus.FieldLogger
	now     func() time.Time
}

// NewBroker wires a broker into router and reg.
func NewBroker(reg *Registry, router *Router, friends domain.FriendStore, opts BrokerOptions) *Broker {
	if opts.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		opts.Logger = l
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	b := &Broker{
		reg:     reg,
		router:  router,
		friends: friends,
		pairs:   newKeyLock(),
		log:     opts.Logger.WithField("component", "broker"),
		now:     opts.Now,
	}
	for _, k := range []domain.Kind{
		domain.KindFriendRequest, domain.KindFriendAccept,
		domain.KindFriendReject, domain.KindFriendRemove,
	} {
		router.Handle(k, b.handleFriend)
	}
	router.Handle(domain.KindPresence, b.handlePresence)
	reg.Subscribe(b.onEvent)
	return b
}

func pairLockKey(x, y domain.UserID) string {
	a, b := domain.OrderedPair(x, y)
	return string(a) + "\x00" + string(b)
}

func (b *Broker) handleFriend(_ context.Context, _ Peer, env domain.Envelope) error {
	actor, other := env.Sender, env.Recipient
	if other == actor || other == domain.RelayID || other == "" {
		return fmt.Errorf("%w: cannot befriend %q", domain.ErrPolicyDenied, other)
	}

	unlock := b.pairs.Lock(pairLockKey(actor, other))
	defer unlock()

	f, err := b.friends.Friendship(actor, other)
	if err != nil {
		return err
	}
	notice := env
	var echo *domain.Envelope

	switch env.Kind {
	case domain.KindFriendRequest:
		switch {
		case f.State == domain.FriendNone:
			f.State = domain.FriendRequested
			f.Requester = actor
		case f.State == domain.FriendRequested && f.Requester == actor:
			return nil
		case f.State == domain.FriendRequested && f.Requester == other:
			// Crossed requests: the second one accepts the first.
			f.State = domain.FriendAccepted
			notice.Kind = domain.KindFriendAccept
			notice.Payload = nil
			e := domain.Envelope{Sender: other, Recipient: actor, Kind: domain.KindFriendAccept, Sequence: env.Sequence}
			echo = &e
		default:
			return fmt.Errorf("%w: friendship is %s", domain.ErrPolicyDenied, f.State)
		}
	case domain.KindFriendAccept, domain.KindFriendReject:
		if f.State != domain.FriendRequested || f.Requester != other {
			return fmt.Errorf("%w: no pending request from %s", domain.ErrPolicyDenied, other)
		}
		f.State = domain.FriendAccepted
		if env.Kind == domain.KindFriendReject {
			f.State = domain.FriendRejected
		}
	case domain.KindFriendRemove:
		if f.State != domain.FriendAccepted {
			return fmt.Errorf("%w: not friends", domain.ErrPolicyDenied)
		}
		f.State = domain.FriendNone
		f.Requester = ""
	}

	f.Notice = &notice
	f.Echo = echo
	f.Updated = b.now()
	if err := b.friends.PutFriendship(f); err != nil {
		return err
	}
	b.log.WithFields(logrus.Fields{"actor": actor, "other": other, "state": f.State}).Info("friendship changed")
	return b.flushNotice(f)
}

// flushNotice queues f's outstanding notices and clears the ones queued.
// Callers hold the pair lock.
func (b *Broker) flushNotice(f domain.Friendship) error {
	flushed := false
	for _, slot := range []**domain.Envelope{&f.Notice, &f.Echo} {
		if *slot == nil {
			continue
		}
		if err := b.router.Enqueue(**slot); err != nil {
			b.log.WithError(err).WithField("to", (*slot).Recipient).Warn("friend notice kept for replay")
			continue
		}
		*slot = nil
		flushed = true
	}
	if !flushed {
		return nil
	}
	return b.friends.PutFriendship(f)
}

func (b *Broker) handlePresence(ctx context.Context, _ Peer, env domain.Envelope) error {
	var p domain.Presence
	if err := codec.Unmarshal(env.Payload, &p); err != nil {
		return err
	}
	if env.Recipient != domain.RelayID {
		f, err := b.friends.Friendship(env.Sender, env.Recipient)
		if err != nil {
			return err
		}
		if f.State != domain.FriendAccepted {
			return fmt.Errorf("%w: presence requires an accepted friendship", domain.ErrPolicyDenied)
		}
		b.sendLive(ctx, env)
		return nil
	}
	return b.broadcast(ctx, env.Sender, env.Sequence, p.Status)
}

// broadcast tells id's online friends about status. Offline friends miss it.
func (b *Broker) broadcast(ctx context.Context, id domain.UserID, seq uint64, status string) error {
	friends, err := b.friends.Friends(id)
	if err != nil {
		return err
	}
	for _, friend := range friends {
		env, err := codec.Control(id, friend, domain.KindPresence, seq, domain.Presence{Status: status})
		if err != nil {
			return err
		}
		b.sendLive(ctx, env)
	}
	return nil
}

// sendLive writes env to its recipient if online and drops it otherwise.
func (b *Broker) sendLive(ctx context.Context, env domain.Envelope) {
	peer, ok := b.reg.Lookup(env.Recipient)
	if !ok {
		return
	}
	if err := peer.Send(ctx, env); err != nil && !errors.Is(err, domain.ErrConnClosed) {
		b.log.WithError(err).WithField("to", env.Recipient).Debug("presence not delivered")
	}
}

func (b *Broker) onEvent(ev Event) {
	ctx := context.Background()
	seq := uint64(b.now().UnixNano())
	log := b.log.WithField("user", ev.User)

	switch ev.Type {
	case EventRegistered:
		b.replayNotices(ev.User)
		if err := b.broadcast(ctx, ev.User, seq, domain.PresenceOnline); err != nil {
			log.WithError(err).Warn("broadcast online")
		}
		b.snapshot(ctx, ev.User, ev.Peer, seq)
	case EventUnregistered:
		if err := b.broadcast(ctx, ev.User, seq, domain.PresenceOffline); err != nil {
			log.WithError(err).Warn("broadcast offline")
		}
	}
}

// snapshot sends a fresh connection the presence of its online friends.
func (b *Broker) snapshot(ctx context.Context, id domain.UserID, p Peer, seq uint64) {
	friends, err := b.friends.Friends(id)
	if err != nil {
		b.log.WithError(err).WithField("user", id).Warn("list friends")
		return
	}
	for _, friend := range friends {
		if _, online := b.reg.Lookup(friend); !online {
			continue
		}
		env, err := codec.Control(friend, id, domain.KindPresence, seq, domain.Presence{Status: domain.PresenceOnline})
		if err != nil {
			return
		}
		if err := p.Send(ctx, env); err != nil {
			return
		}
	}
}

func (b *Broker) replayNotices(id domain.UserID) {
	pending, err := b.friends.PendingNotices(id)
	if err != nil {
		b.log.WithError(err).WithField("user", id).Warn("list pending notices")
		return
	}
	for _, f := range pending {
		unlock := b.pairs.Lock(pairLockKey(f.A, f.B))
		// Re-read under the lock; a concurrent transition may have flushed it.
		cur, err := b.friends.Friendship(f.A, f.B)
		if err == nil {
			err = b.flushNotice(cur)
		}
		unlock()
		if err != nil {
			b.log.WithError(err).WithField("user", id).Warn("replay notice")
		}
	}
}
