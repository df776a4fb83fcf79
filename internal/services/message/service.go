package message

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"cans/internal/codec"
	"cans/internal/domain"
	"cans/internal/services/session"
)

// Event is what handling one inbound envelope means to the user.
type Event struct {
	Kind domain.Kind
	From domain.UserID
	// Message is set for decrypted messages.
	Message *domain.DecryptedMessage
	// Friend is the relationship state after a friend-* envelope.
	Friend domain.FriendState
	Note   string
	// Presence is the peer's status after a presence envelope.
	Presence string
	// Err carries problems the user should see: undecryptable messages and
	// envelopes the relay refused.
	Err error
}

// Options tunes a Service.
type Options struct {
	Logger logrus.FieldLogger
	Now    func() time.Time
}

// Service is the client messenger: it turns user actions into envelopes and
// inbound envelopes into Events, keeping sessions, contacts and history in
// step.
//
// High-level flow:
//   - Send: hand the plaintext to the session manager (which buffers it or
//     starts a handshake as needed) and record it in history.
//   - Handle: dispatch on kind, persist the outcome, send a receipt for
//     decrypted messages and ack every queued kind once it is handled. A
//     local failure (e.g. the database) leaves the envelope unacknowledged so
//     the relay redelivers it.
type Service struct {
	self     domain.UserID
	sessions *session.Manager
	relay    domain.RelayClient
	prekeys  domain.PreKeyService
	history  domain.HistoryStore
	contacts domain.ContactStore
	log      logrus.FieldLogger
	now      func() time.Time
}

// New constructs a messenger for self.
func New(
	self domain.UserID,
	sessions *session.Manager,
	relay domain.RelayClient,
	prekeys domain.PreKeyService,
	history domain.HistoryStore,
	contacts domain.ContactStore,
	opts Options,
) *Service {
	if opts.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		opts.Logger = l
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		self:     self,
		sessions: sessions,
		relay:    relay,
		prekeys:  prekeys,
		history:  history,
		contacts: contacts,
		log:      opts.Logger.WithField("component", "messenger"),
		now:      opts.Now,
	}
}

// Send encrypts text for peer and returns its sequence number. When the
// message could not be handed to the relay it stays buffered in the session
// and the error is returned alongside the sequence.
func (s *Service) Send(ctx context.Context, peer domain.UserID, text []byte) (uint64, error) {
	seq, err := s.sessions.Encrypt(ctx, peer, text)
	if seq == 0 {
		return 0, err
	}
	if herr := s.history.AppendHistory(domain.HistoryEntry{
		Peer:      peer,
		Outgoing:  true,
		Sequence:  seq,
		Body:      text,
		Timestamp: s.now(),
	}); herr != nil {
		return seq, errors.Join(err, herr)
	}
	return seq, err
}

// PublishPreKeys uploads the current bundle to the relay. Without
// withOneTime only the signed pre-key is refreshed: one-time pre-keys the
// relay already handed out must not be offered twice, and the relay asks for
// more (prekey-replenish) when it runs low.
func (s *Service) PublishPreKeys(ctx context.Context, withOneTime bool) error {
	bundle, err := s.prekeys.CurrentBundle()
	if err != nil {
		return err
	}
	if !withOneTime {
		bundle.OneTimePreKeys = nil
	}
	return s.relay.PublishBundle(ctx, bundle)
}

// Resume re-sends whatever sessions still owe the relay. Call after every
// (re)connect.
func (s *Service) Resume(ctx context.Context) error {
	return s.sessions.ResendAll(ctx)
}

// History returns up to limit history entries with peer, oldest first.
func (s *Service) History(peer domain.UserID, limit int) ([]domain.HistoryEntry, error) {
	return s.history.History(peer, limit)
}

// Contacts returns every known relationship.
func (s *Service) Contacts() ([]domain.Contact, error) {
	return s.contacts.Contacts()
}

// Handle processes one inbound envelope. The returned error is non-nil only
// for local failures; protocol-level problems are logged or reported in
// Event.Err.
func (s *Service) Handle(ctx context.Context, env domain.Envelope) (Event, error) {
	ev := Event{Kind: env.Kind, From: env.Sender}
	log := s.log.WithFields(logrus.Fields{"from": env.Sender, "kind": env.Kind, "seq": env.Sequence})

	var err error
	switch env.Kind {
	case domain.KindMessage:
		err = s.handleMessage(ctx, env, &ev)
	case domain.KindHandshakeInit:
		err = s.sessions.HandleHandshakeInit(ctx, env)
	case domain.KindHandshakeResponse:
		err = s.sessions.HandleHandshakeResponse(ctx, env)
	case domain.KindReceipt:
		err = s.sessions.Acknowledge(env.Sender, env.Sequence)
	case domain.KindFriendRequest, domain.KindFriendAccept, domain.KindFriendReject, domain.KindFriendRemove:
		err = s.handleFriend(env, &ev)
	case domain.KindPresence:
		err = s.handlePresence(env, &ev)
	case domain.KindPreKeyReplenish:
		err = s.handleReplenish(ctx, env)
	case domain.KindError:
		err = s.handleError(env, &ev)
	default:
		log.Debug("ignoring envelope")
		return ev, nil
	}

	if err != nil && !settled(err) {
		return ev, err
	}
	if err != nil {
		log.WithError(err).Warn("envelope rejected")
		if errors.Is(err, domain.ErrSessionDesync) {
			ev.Err = err
		}
	}
	if env.Kind.Queued() {
		if aerr := s.relay.Ack(ctx, env); aerr != nil {
			return ev, fmt.Errorf("ack %s: %w", env.Kind, aerr)
		}
	}
	return ev, nil
}

// settled reports whether err is final for the envelope, so it should be
// acknowledged and never redelivered.
func settled(err error) bool {
	for _, target := range []error{
		domain.ErrDuplicateMessage,
		domain.ErrReplayOrExpired,
		domain.ErrSessionDesync,
		domain.ErrInvalidTransition,
		domain.ErrAuthenticationFailed,
		domain.ErrMalformedEnvelope,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (s *Service) handleMessage(ctx context.Context, env domain.Envelope, ev *Event) error {
	msg, err := s.sessions.Decrypt(ctx, env)
	if err != nil {
		return err
	}
	if err := s.history.AppendHistory(domain.HistoryEntry{
		Peer:      msg.From,
		Sequence:  msg.Sequence,
		Body:      msg.Plaintext,
		Timestamp: msg.Timestamp,
	}); err != nil {
		return err
	}
	ev.Message = &msg

	receipt := domain.Envelope{
		Sender:    s.self,
		Recipient: env.Sender,
		Kind:      domain.KindReceipt,
		Sequence:  env.Sequence,
	}
	if err := s.relay.Send(ctx, receipt); err != nil {
		// The sender keeps the message as unacknowledged; nothing else is lost.
		s.log.WithError(err).WithField("peer", env.Sender).Warn("send receipt")
	}
	return nil
}

func (s *Service) handleFriend(env domain.Envelope, ev *Event) error {
	var notice domain.FriendNotice
	if len(env.Payload) > 0 {
		if err := codec.Unmarshal(env.Payload, &notice); err != nil {
			return err
		}
	}
	ev.Note = notice.Note

	switch env.Kind {
	case domain.KindFriendRequest:
		ev.Friend = domain.FriendRequested
	case domain.KindFriendAccept:
		ev.Friend = domain.FriendAccepted
	case domain.KindFriendReject:
		ev.Friend = domain.FriendRejected
	case domain.KindFriendRemove:
		ev.Friend = domain.FriendNone
		if err := s.sessions.Remove(env.Sender); err != nil {
			return err
		}
	}
	return s.saveContact(env.Sender, func(c *domain.Contact) {
		c.State = ev.Friend
		c.Incoming = env.Kind == domain.KindFriendRequest
		if ev.Friend != domain.FriendAccepted {
			c.Online = false
		}
	})
}

func (s *Service) handlePresence(env domain.Envelope, ev *Event) error {
	var p domain.Presence
	if err := codec.Unmarshal(env.Payload, &p); err != nil {
		return err
	}
	ev.Presence = p.Status
	return s.saveContact(env.Sender, func(c *domain.Contact) {
		c.Online = p.Status == domain.PresenceOnline
	})
}

// handleReplenish tops up one-time pre-keys when the relay runs low.
func (s *Service) handleReplenish(ctx context.Context, env domain.Envelope) error {
	var r domain.Replenish
	if err := codec.Unmarshal(env.Payload, &r); err != nil {
		return err
	}
	if r.Count <= 0 {
		return nil
	}
	added, err := s.prekeys.AddOneTimePreKeys(r.Count)
	if err != nil {
		return err
	}
	bundle, err := s.prekeys.CurrentBundle()
	if err != nil {
		return err
	}
	// Only the new keys go up; the relay already holds the rest.
	bundle.OneTimePreKeys = added
	s.log.WithField("count", len(added)).Info("publishing one-time pre-keys")
	return s.relay.PublishBundle(ctx, bundle)
}

func (s *Service) handleError(env domain.Envelope, ev *Event) error {
	var n domain.ErrorNotice
	if err := codec.Unmarshal(env.Payload, &n); err != nil {
		return err
	}
	ev.Err = fmt.Errorf("relay refused %s %d: %w", n.Kind, n.Sequence, domain.CodeError(n.Code))
	s.log.WithFields(logrus.Fields{"code": n.Code, "refused": n.Kind}).Warn(n.Message)
	return nil
}

func (s *Service) contact(peer domain.UserID) (domain.Contact, bool, error) {
	all, err := s.contacts.Contacts()
	if err != nil {
		return domain.Contact{}, false, err
	}
	for _, c := range all {
		if c.Peer == peer {
			return c, true, nil
		}
	}
	return domain.Contact{Peer: peer}, false, nil
}

func (s *Service) saveContact(peer domain.UserID, update func(*domain.Contact)) error {
	c, _, err := s.contact(peer)
	if err != nil {
		return err
	}
	update(&c)
	c.Updated = s.now()
	return s.contacts.SaveContact(c)
}
