package server

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"cans/internal/codec"
	"cans/internal/domain"
)

// HandlerFunc handles one envelope kind on behalf of the router. Returning
// an error sends an error notice to the sender; only ErrSenderMismatch ends
// the connection.
type HandlerFunc func(ctx context.Context, from Peer, env domain.Envelope) error

// RouterOptions tunes a Router.
type RouterOptions struct {
	// AckTimeout bounds the wait for each queued envelope's ack.
	AckTimeout time.Duration
	// RetryInterval is how often the queues of online recipients are
	// retried. Zero disables the sweep.
	RetryInterval time.Duration
	Metrics       *Metrics
	Logger        logrus.FieldLogger
}

// Router validates inbound envelopes, dispatches control kinds to their
// handlers and moves queued kinds through the recipients' mailboxes.
//
// Each recipient with work has one lane goroutine. The lane drains the
// mailbox one envelope at a time, waiting for the ack before the next, so a
// recipient never sees its queue out of order and a slow recipient only
// delays itself.
type Router struct {
	reg     *Registry
	mailbox domain.MailboxStore
	friends domain.FriendStore
	opts    RouterOptions
	log     logrus.FieldLogger
	metrics *Metrics

	handlers map[domain.Kind]HandlerFunc

	mu     sync.Mutex
	lanes  map[domain.UserID]chan struct{}
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRouter builds a router over the given stores and subscribes it to reg.
func NewRouter(reg *Registry, mailbox domain.MailboxStore, friends domain.FriendStore, opts RouterOptions) *Router {
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 3 * time.Second
	}
	if opts.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		opts.Logger = l
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		reg:      reg,
		mailbox:  mailbox,
		friends:  friends,
		opts:     opts,
		log:      opts.Logger.WithField("component", "router"),
		metrics:  opts.Metrics,
		handlers: make(map[domain.Kind]HandlerFunc),
		lanes:    make(map[domain.UserID]chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	reg.Subscribe(r.onEvent)
	if opts.RetryInterval > 0 {
		r.wg.Add(1)
		go r.housekeeping(opts.RetryInterval)
	}
	return r
}

// Handle registers h for kind. It must be called before the router is used.
func (r *Router) Handle(kind domain.Kind, h HandlerFunc) {
	r.handlers[kind] = h
}

// Route processes one envelope received from the connection from. A non-nil
// error is a protocol violation and the connection should be dropped.
func (r *Router) Route(ctx context.Context, from Peer, env domain.Envelope) error {
	if env.Sender != from.Identity() {
		r.metrics.envelope(env.Kind, outcomeDenied)
		return fmt.Errorf("%w: %s claimed %s", domain.ErrSenderMismatch, from.Identity(), env.Sender)
	}

	err := r.dispatch(ctx, from, env)
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrSenderMismatch) {
		return err
	}

	log := r.log.WithFields(logrus.Fields{"from": env.Sender, "to": env.Recipient, "kind": env.Kind, "seq": env.Sequence})
	if domain.ErrorCode(err) == "internal" {
		log.WithError(err).Error("routing failed")
	} else {
		log.WithError(err).Debug("envelope refused")
	}
	r.metrics.envelope(env.Kind, outcomeDenied)
	if serr := from.Send(ctx, codec.ErrorFor(env, err)); serr != nil {
		log.WithError(serr).Debug("error notice not delivered")
	}
	return nil
}

func (r *Router) dispatch(ctx context.Context, from Peer, env domain.Envelope) error {
	if h, ok := r.handlers[env.Kind]; ok {
		if err := h(ctx, from, env); err != nil {
			return err
		}
		r.metrics.envelope(env.Kind, outcomeHandled)
		return nil
	}

	switch {
	case env.Kind == domain.KindAck:
		return r.acknowledged(env)
	case env.Kind.Queued():
		if env.Recipient == env.Sender || env.Recipient == domain.RelayID {
			return fmt.Errorf("%w: cannot address %s to %q", domain.ErrPolicyDenied, env.Kind, env.Recipient)
		}
		if env.Kind.RequiresFriendship() {
			f, err := r.friends.Friendship(env.Sender, env.Recipient)
			if err != nil {
				return err
			}
			if f.State != domain.FriendAccepted {
				return fmt.Errorf("%w: %s requires an accepted friendship", domain.ErrPolicyDenied, env.Kind)
			}
		}
		return r.Enqueue(env)
	default:
		return fmt.Errorf("%w: kind %d not accepted from clients", domain.ErrMalformedEnvelope, uint8(env.Kind))
	}
}

// acknowledged drops the acked envelope from the acker's mailbox. Waiting
// Deliver calls were already released by the connection.
func (r *Router) acknowledged(ack domain.Envelope) error {
	key, digest, err := codec.AckKey(ack)
	if err != nil {
		return err
	}
	return r.mailbox.Remove(ack.Sender, key, digest)
}

// Enqueue appends env to its recipient's mailbox and wakes the recipient's
// lane if it is online. Re-appending an identical pending entry is a no-op;
// a new payload under a pending key replaces it.
func (r *Router) Enqueue(env domain.Envelope) error {
	added, err := r.mailbox.Append(env)
	if err != nil {
		return err
	}
	if !added {
		r.metrics.envelope(env.Kind, outcomeDuplicate)
		return nil
	}
	r.metrics.envelope(env.Kind, outcomeQueued)
	if _, online := r.reg.Lookup(env.Recipient); online {
		r.kick(env.Recipient)
	}
	return nil
}

func (r *Router) onEvent(ev Event) {
	if ev.Type == EventRegistered {
		r.kick(ev.User)
	}
}

// kick makes sure id's lane runs at least once more.
func (r *Router) kick(id domain.UserID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	wake, ok := r.lanes[id]
	if !ok {
		wake = make(chan struct{}, 1)
		r.lanes[id] = wake
		r.wg.Add(1)
		go r.lane(id, wake)
	}
	select {
	case wake <- struct{}{}:
	default:
	}
}

// lane drains id's mailbox whenever woken and exits once idle.
func (r *Router) lane(id domain.UserID, wake chan struct{}) {
	defer r.wg.Done()
	for {
		select {
		case <-wake:
		case <-r.ctx.Done():
			return
		}
		r.drain(id)

		r.mu.Lock()
		if len(wake) == 0 {
			delete(r.lanes, id)
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()
	}
}

// drain delivers id's pending envelopes in order until the queue is empty or
// a delivery fails. Anything undelivered stays queued.
func (r *Router) drain(id domain.UserID) {
	peer, ok := r.reg.Lookup(id)
	if !ok {
		return
	}
	pending, err := r.mailbox.Pending(id)
	if err != nil {
		r.log.WithError(err).WithField("recipient", id).Error("read mailbox")
		return
	}

	for _, env := range Resequence(pending) {
		ctx, cancel := context.WithTimeout(r.ctx, r.opts.AckTimeout)
		start := time.Now()
		err := peer.Deliver(ctx, env)
		cancel()
		if err != nil {
			log := r.log.WithFields(logrus.Fields{"recipient": id, "kind": env.Kind, "seq": env.Sequence})
			if errors.Is(err, domain.ErrDeliveryTimeout) {
				r.metrics.envelope(env.Kind, outcomeTimeout)
				log.Info("delivery timed out, keeping queued")
			} else {
				log.WithError(err).Debug("delivery interrupted, keeping queued")
			}
			return
		}
		r.metrics.delivered(time.Since(start))
		r.metrics.envelope(env.Kind, outcomeDelivered)
		if err := r.mailbox.Remove(id, env.Key(), env.Digest()); err != nil {
			r.log.WithError(err).WithField("recipient", id).Error("remove delivered envelope")
			return
		}
	}
}

// housekeeping periodically retries the queues of online recipients, which
// only matters after a delivery timed out.
func (r *Router) housekeeping(every time.Duration) {
	defer r.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ids, err := r.mailbox.Recipients()
			if err != nil {
				r.log.WithError(err).Warn("list mailboxes")
				continue
			}
			for _, id := range ids {
				if _, online := r.reg.Lookup(id); online {
					r.kick(id)
				}
			}
		case <-r.ctx.Done():
			return
		}
	}
}

// Close stops the lanes and waits for in-flight deliveries to return.
// Undelivered envelopes stay in the mailbox.
func (r *Router) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()
	r.wg.Wait()
}

// Resequence orders a mailbox for delivery. Envelopes sharing a sender and
// kind are put into ascending sequence order; the slots each such group
// occupies, and so the interleaving of groups, keep their arrival order.
func Resequence(envs []domain.Envelope) []domain.Envelope {
	type group struct {
		slots []int
		items []domain.Envelope
	}
	groups := make(map[domain.EnvelopeKey]*group)
	for i, env := range envs {
		k := domain.EnvelopeKey{Sender: env.Sender, Kind: env.Kind}
		g, ok := groups[k]
		if !ok {
			g = &group{}
			groups[k] = g
		}
		g.slots = append(g.slots, i)
		g.items = append(g.items, env)
	}

	out := make([]domain.Envelope, len(envs))
	for _, g := range groups {
		slices.SortStableFunc(g.items, func(a, b domain.Envelope) int {
			return cmp.Compare(a.Sequence, b.Sequence)
		})
		for i, slot := range g.slots {
			out[slot] = g.items[i]
		}
	}
	return out
}
