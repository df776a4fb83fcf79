package session

import (
	"bytes"
	"cmp"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"cans/internal/crypto"
	"cans/internal/domain"
)

// seqPrefix is the size of the sequence number sealed in front of every
// message plaintext.
const seqPrefix = 8

// Options tunes a Manager. The zero value is usable.
type Options struct {
	// WindowSize is the replay window in sequence numbers.
	WindowSize uint64
	Logger     logrus.FieldLogger
	Now        func() time.Time
}

// Manager owns every peer session of one local identity.
type Manager struct {
	self      domain.UserID
	prim      domain.Primitive
	transport domain.Transport
	store     domain.SessionStore
	log       logrus.FieldLogger
	window    uint64
	now       func() time.Time

	mu       sync.Mutex
	sessions map[domain.UserID]*peerSession
}

type peerSession struct {
	mu     sync.Mutex
	rec    domain.SessionRecord
	loaded bool
}

// New returns a Manager for self.
func New(
	self domain.UserID,
	prim domain.Primitive,
	transport domain.Transport,
	store domain.SessionStore,
	opts Options,
) *Manager {
	if opts.WindowSize == 0 {
		opts.WindowSize = DefaultWindow
	}
	if opts.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		opts.Logger = l
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		self:      self,
		prim:      prim,
		transport: transport,
		store:     store,
		log:       opts.Logger.WithField("component", "session"),
		window:    opts.WindowSize,
		now:       opts.Now,
		sessions:  make(map[domain.UserID]*peerSession),
	}
}

// State returns the current state of the session with peer.
func (m *Manager) State(peer domain.UserID) (domain.SessionState, error) {
	ps, err := m.lock(peer)
	if err != nil {
		return domain.SessionNone, err
	}
	defer ps.mu.Unlock()
	return ps.rec.State, nil
}

// Record returns a copy of the persisted session with peer.
func (m *Manager) Record(peer domain.UserID) (domain.SessionRecord, error) {
	ps, err := m.lock(peer)
	if err != nil {
		return domain.SessionRecord{}, err
	}
	defer ps.mu.Unlock()
	rec := ps.rec
	rec.Ratchet = rec.Ratchet.Clone()
	rec.Buffered = slices.Clone(rec.Buffered)
	rec.Unacked = slices.Clone(rec.Unacked)
	return rec, nil
}

// Peers lists every peer with a stored session.
func (m *Manager) Peers() ([]domain.UserID, error) {
	return m.store.ListSessions()
}

// Encrypt commits plaintext for delivery to peer and returns the sequence
// number it was assigned. On an established session the message is sent at
// once; otherwise it is buffered, and a handshake is started when there is
// no session yet. A send failure leaves the plaintext buffered for
// ResendPending.
func (m *Manager) Encrypt(ctx context.Context, peer domain.UserID, plaintext []byte) (uint64, error) {
	ps, bundle, err := m.acquire(ctx, peer, func(domain.SessionRecord) bool { return true })
	if err != nil {
		return 0, err
	}
	defer ps.mu.Unlock()

	rec := ps.rec
	seq := rec.LastSequence + 1
	rec.LastSequence = seq
	rec.Buffered = append(slices.Clip(rec.Buffered), domain.OutboundMessage{
		Sequence:  seq,
		Plaintext: slices.Clone(plaintext),
	})
	if err := m.commit(ps, rec); err != nil {
		return 0, err
	}

	switch ps.rec.State {
	case domain.SessionNone:
		return seq, m.initiate(ctx, ps, *bundle)
	case domain.SessionEstablished:
		return seq, m.flush(ctx, ps)
	}
	m.log.WithFields(logrus.Fields{"peer": peer, "seq": seq}).Debug("buffered until session established")
	return seq, nil
}

// Decrypt opens a message envelope from env.Sender.
func (m *Manager) Decrypt(ctx context.Context, env domain.Envelope) (domain.DecryptedMessage, error) {
	ps, err := m.lock(env.Sender)
	if err != nil {
		return domain.DecryptedMessage{}, err
	}
	defer ps.mu.Unlock()

	rec := ps.rec
	if _, err := transition(rec.State, evMessage); err != nil {
		return domain.DecryptedMessage{}, fmt.Errorf("%w: %w", domain.ErrSessionDesync, err)
	}
	if err := checkWindow(&rec.Window, env.Sequence, m.window); err != nil {
		return domain.DecryptedMessage{}, err
	}

	st := rec.Ratchet.Clone()
	pt, err := m.prim.Decrypt(st, env.Payload)
	if err != nil {
		return domain.DecryptedMessage{}, fmt.Errorf("%w: %v", domain.ErrSessionDesync, err)
	}
	if len(pt) < seqPrefix || binary.BigEndian.Uint64(pt) != env.Sequence {
		return domain.DecryptedMessage{}, fmt.Errorf("%w: sequence does not match ciphertext", domain.ErrSessionDesync)
	}

	rec.Ratchet = st
	rec.Window = domain.ReplayWindow{Highest: rec.Window.Highest, Bits: slices.Clone(rec.Window.Bits)}
	markWindow(&rec.Window, env.Sequence, m.window)
	if err := m.commit(ps, rec); err != nil {
		return domain.DecryptedMessage{}, err
	}
	return domain.DecryptedMessage{
		From:      env.Sender,
		Sequence:  env.Sequence,
		Plaintext: pt[seqPrefix:],
		Timestamp: m.now(),
	}, nil
}

// HandleHandshakeInit processes a handshake-init from env.Sender.
//
// A redelivered copy of an init already handled is ErrDuplicateMessage. While
// our own init is pending, the side with the smaller UserID answers and the
// other ignores the peer's init. On an established session the init replaces
// the session and every unacknowledged message is resent under the new keys.
func (m *Manager) HandleHandshakeInit(ctx context.Context, env domain.Envelope) error {
	peer := env.Sender
	ps, err := m.lock(peer)
	if err != nil {
		return err
	}
	defer ps.mu.Unlock()

	digest := sha256.Sum256(env.Payload)
	if bytes.Equal(ps.rec.HandshakeDigest, digest[:]) {
		return fmt.Errorf("%w: handshake-init already handled", domain.ErrDuplicateMessage)
	}
	log := m.log.WithFields(logrus.Fields{"peer": peer, "state": ps.rec.State})

	rec := ps.rec
	if rec.State == domain.SessionPending && !m.self.Less(peer) {
		log.Debug("simultaneous initiation, waiting for peer response")
		rec.HandshakeDigest = digest[:]
		return m.commit(ps, rec)
	}

	next, err := transition(rec.State, evInit)
	if err != nil {
		return err
	}
	if next == domain.SessionStale {
		log.Info("peer restarted session, resynchronising")
		if next, err = transition(next, evResynced); err != nil {
			return err
		}
		// Everything not yet receipted goes out again under the new keys.
		rec.Buffered = append(slices.Clone(rec.Unacked), rec.Buffered...)
		slices.SortFunc(rec.Buffered, func(a, b domain.OutboundMessage) int {
			return cmp.Compare(a.Sequence, b.Sequence)
		})
		rec.Unacked = nil
	}

	resp, st, err := m.prim.Respond(env.Payload)
	if err != nil {
		return fmt.Errorf("respond to handshake: %w", err)
	}
	rec.State = next
	rec.Ratchet = st
	rec.Window = domain.ReplayWindow{}
	rec.HandshakeDigest = digest[:]
	rec.LastHandshake = m.nextHandshake(rec)
	rec.PendingResponse = resp
	if err := m.commit(ps, rec); err != nil {
		return err
	}
	log.WithField("buffered", len(rec.Buffered)).Debug("answered handshake")
	return m.sendResponse(ctx, ps)
}

// HandleHandshakeResponse completes a handshake we started.
func (m *Manager) HandleHandshakeResponse(ctx context.Context, env domain.Envelope) error {
	ps, err := m.lock(env.Sender)
	if err != nil {
		return err
	}
	defer ps.mu.Unlock()

	rec := ps.rec
	next, err := transition(rec.State, evResponse)
	if err != nil {
		return err
	}
	st := rec.Ratchet.Clone()
	if _, err := m.prim.Decrypt(st, env.Payload); err != nil {
		return fmt.Errorf("%w: handshake response: %v", domain.ErrAuthenticationFailed, err)
	}
	rec.State = next
	rec.Ratchet = st
	rec.Window = domain.ReplayWindow{}
	if err := m.commit(ps, rec); err != nil {
		return err
	}
	m.log.WithFields(logrus.Fields{"peer": env.Sender, "buffered": len(rec.Buffered)}).Debug("session established")
	return m.flush(ctx, ps)
}

// Acknowledge drops seq from the messages awaiting a receipt from peer.
func (m *Manager) Acknowledge(peer domain.UserID, seq uint64) error {
	ps, err := m.lock(peer)
	if err != nil {
		return err
	}
	defer ps.mu.Unlock()

	i := slices.IndexFunc(ps.rec.Unacked, func(o domain.OutboundMessage) bool { return o.Sequence == seq })
	if i < 0 {
		return nil
	}
	rec := ps.rec
	rec.Unacked = slices.Delete(slices.Clone(rec.Unacked), i, i+1)
	return m.commit(ps, rec)
}

// ResendPending pushes out whatever the session with peer still owes the
// transport: an unsent handshake-response, buffered messages, or a
// handshake that failed to send.
func (m *Manager) ResendPending(ctx context.Context, peer domain.UserID) error {
	ps, bundle, err := m.acquire(ctx, peer, func(rec domain.SessionRecord) bool {
		return len(rec.Buffered) > 0
	})
	if err != nil {
		return err
	}
	defer ps.mu.Unlock()

	switch ps.rec.State {
	case domain.SessionNone:
		if bundle == nil {
			return nil
		}
		return m.initiate(ctx, ps, *bundle)
	case domain.SessionEstablished:
		if ps.rec.PendingResponse != nil {
			return m.sendResponse(ctx, ps)
		}
		return m.flush(ctx, ps)
	}
	return nil
}

// ResendAll runs ResendPending for every stored session and returns the
// first error.
func (m *Manager) ResendAll(ctx context.Context) error {
	peers, err := m.Peers()
	if err != nil {
		return err
	}
	var first error
	for _, p := range peers {
		if err := m.ResendPending(ctx, p); err != nil {
			m.log.WithError(err).WithField("peer", p).Warn("resend failed")
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// Remove destroys the session with peer.
func (m *Manager) Remove(peer domain.UserID) error {
	ps, err := m.lock(peer)
	if err != nil {
		return err
	}
	defer ps.mu.Unlock()
	if err := m.store.DeleteSession(peer); err != nil {
		return err
	}
	ps.rec = domain.SessionRecord{Peer: peer}
	return nil
}

// lock returns peer's session, loaded and locked.
func (m *Manager) lock(peer domain.UserID) (*peerSession, error) {
	m.mu.Lock()
	ps, ok := m.sessions[peer]
	if !ok {
		ps = &peerSession{}
		m.sessions[peer] = ps
	}
	m.mu.Unlock()

	ps.mu.Lock()
	if !ps.loaded {
		rec, ok, err := m.store.LoadSession(peer)
		if err != nil {
			ps.mu.Unlock()
			return nil, fmt.Errorf("load session %s: %w", peer, err)
		}
		if !ok {
			rec = domain.SessionRecord{Peer: peer, State: domain.SessionNone}
		}
		ps.rec = rec
		ps.loaded = true
	}
	return ps, nil
}

// acquire locks peer's session. When the session is NONE and need says a
// handshake is due, the peer's bundle is fetched first without holding the
// lock, since the reply arrives on the same connection as inbound traffic.
func (m *Manager) acquire(
	ctx context.Context,
	peer domain.UserID,
	need func(domain.SessionRecord) bool,
) (*peerSession, *domain.PreKeyBundle, error) {
	var bundle *domain.PreKeyBundle
	for {
		ps, err := m.lock(peer)
		if err != nil {
			return nil, nil, err
		}
		if bundle != nil || ps.rec.State != domain.SessionNone || !need(ps.rec) {
			return ps, bundle, nil
		}
		ps.mu.Unlock()

		b, err := m.fetchBundle(ctx, peer)
		if err != nil {
			return nil, nil, err
		}
		bundle = &b
	}
}

func (m *Manager) fetchBundle(ctx context.Context, peer domain.UserID) (domain.PreKeyBundle, error) {
	b, err := m.transport.FetchBundle(ctx, peer)
	if err != nil {
		return domain.PreKeyBundle{}, fmt.Errorf("fetch pre-key bundle for %s: %w", peer, err)
	}
	if b.UserID != peer || crypto.UserID(b.SigningKey) != peer {
		return domain.PreKeyBundle{}, fmt.Errorf("%w: bundle for %s is signed by another key", domain.ErrAuthenticationFailed, peer)
	}
	return b, nil
}

// initiate starts a handshake on a NONE session. If the init cannot be sent
// the session goes back to NONE, keeping its buffered messages.
func (m *Manager) initiate(ctx context.Context, ps *peerSession, bundle domain.PreKeyBundle) error {
	rec := ps.rec
	next, err := transition(rec.State, evStart)
	if err != nil {
		return err
	}
	hs, st, err := m.prim.Initiate(bundle)
	if err != nil {
		return fmt.Errorf("initiate session with %s: %w", rec.Peer, err)
	}
	rec.State = next
	rec.Ratchet = st
	rec.LastHandshake = m.nextHandshake(rec)
	if err := m.commit(ps, rec); err != nil {
		return err
	}

	env := domain.Envelope{
		Sender:    m.self,
		Recipient: rec.Peer,
		Kind:      domain.KindHandshakeInit,
		Sequence:  rec.LastHandshake,
		Payload:   hs,
	}
	if err := m.transport.Send(ctx, env); err != nil {
		rec = ps.rec
		rec.State = domain.SessionNone
		rec.Ratchet = nil
		if cerr := m.commit(ps, rec); cerr != nil {
			m.log.WithError(cerr).WithField("peer", rec.Peer).Error("revert session")
		}
		return fmt.Errorf("send handshake-init: %w", err)
	}
	m.log.WithField("peer", rec.Peer).Debug("handshake-init sent")
	return nil
}

// sendResponse sends the stored handshake-response, then any buffered
// messages.
func (m *Manager) sendResponse(ctx context.Context, ps *peerSession) error {
	env := domain.Envelope{
		Sender:    m.self,
		Recipient: ps.rec.Peer,
		Kind:      domain.KindHandshakeResponse,
		Sequence:  ps.rec.LastHandshake,
		Payload:   ps.rec.PendingResponse,
	}
	if err := m.transport.Send(ctx, env); err != nil {
		return fmt.Errorf("send handshake-response: %w", err)
	}
	rec := ps.rec
	rec.PendingResponse = nil
	if err := m.commit(ps, rec); err != nil {
		return err
	}
	return m.flush(ctx, ps)
}

// flush encrypts and sends buffered messages in sequence order. A message
// moves to Unacked once handed to the transport; on a send failure it goes
// back to the front of the buffer and flushing stops.
func (m *Manager) flush(ctx context.Context, ps *peerSession) error {
	if ps.rec.State != domain.SessionEstablished || ps.rec.PendingResponse != nil {
		return nil
	}
	for len(ps.rec.Buffered) > 0 {
		rec := ps.rec
		msg := rec.Buffered[0]

		st := rec.Ratchet.Clone()
		ct, err := m.seal(st, msg)
		if err != nil {
			return err
		}
		rec.Ratchet = st
		rec.Buffered = rec.Buffered[1:]
		rec.Unacked = append(slices.Clip(rec.Unacked), msg)
		if err := m.commit(ps, rec); err != nil {
			return err
		}

		env := domain.Envelope{
			Sender:    m.self,
			Recipient: rec.Peer,
			Kind:      domain.KindMessage,
			Sequence:  msg.Sequence,
			Payload:   ct,
		}
		if err := m.transport.Send(ctx, env); err != nil {
			back := ps.rec
			back.Buffered = append([]domain.OutboundMessage{msg}, back.Buffered...)
			back.Unacked = back.Unacked[:len(back.Unacked)-1]
			if cerr := m.commit(ps, back); cerr != nil {
				m.log.WithError(cerr).WithField("peer", rec.Peer).Error("requeue message")
			}
			return fmt.Errorf("send message %d: %w", msg.Sequence, err)
		}
	}
	return nil
}

func (m *Manager) seal(st *domain.RatchetState, msg domain.OutboundMessage) ([]byte, error) {
	buf := make([]byte, seqPrefix+len(msg.Plaintext))
	binary.BigEndian.PutUint64(buf, msg.Sequence)
	copy(buf[seqPrefix:], msg.Plaintext)
	return m.prim.Encrypt(st, buf)
}

// nextHandshake numbers handshake envelopes by wall clock so they stay
// unique across session removal.
func (m *Manager) nextHandshake(rec domain.SessionRecord) uint64 {
	return max(rec.LastHandshake+1, uint64(m.now().UnixNano()))
}

// commit persists rec and, on success, makes it the live record.
func (m *Manager) commit(ps *peerSession, rec domain.SessionRecord) error {
	rec.Updated = m.now()
	if err := m.store.SaveSession(rec); err != nil {
		return fmt.Errorf("save session %s: %w", rec.Peer, err)
	}
	ps.rec = rec
	return nil
}
