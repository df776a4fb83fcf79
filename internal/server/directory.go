package server

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"cans/internal/codec"
	"cans/internal/crypto"
	"cans/internal/domain"
	"cans/internal/protocol/x3dh"
)

// DirectoryOptions tunes a Directory.
type DirectoryOptions struct {
	// MinOneTime is the number of one-time pre-keys below which the owner is
	// asked for more.
	MinOneTime int
	Logger     logrus.FieldLogger
	Now        func() time.Time
}

// Directory serves published pre-key bundles. Each fetch hands out at most
// one one-time pre-key, which is never handed out again.
type Directory struct {
	reg     *Registry
	store   domain.DirectoryStore
	friends domain.FriendStore
	owners  *keyLock
	min     int
	log     logrus.FieldLogger
	now     func() time.Time
}

// NewDirectory registers the pre-key kinds with router.
func NewDirectory(reg *Registry, router *Router, store domain.DirectoryStore, friends domain.FriendStore, opts DirectoryOptions) *Directory {
	if opts.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		opts.Logger = l
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	d := &Directory{
		reg:     reg,
		store:   store,
		friends: friends,
		owners:  newKeyLock(),
		min:     opts.MinOneTime,
		log:     opts.Logger.WithField("component", "directory"),
		now:     opts.Now,
	}
	router.Handle(domain.KindPreKeyPublish, d.handlePublish)
	router.Handle(domain.KindPreKeyRequest, d.handleRequest)
	return d
}

func (d *Directory) handlePublish(ctx context.Context, from Peer, env domain.Envelope) error {
	var bundle domain.PreKeyBundle
	if err := codec.Unmarshal(env.Payload, &bundle); err != nil {
		return err
	}
	owner := from.Identity()
	if bundle.UserID != owner || crypto.UserID(bundle.SigningKey) != owner {
		return fmt.Errorf("%w: bundle does not belong to %s", domain.ErrPolicyDenied, owner)
	}
	if !x3dh.VerifySPK(bundle.SigningKey, bundle.SignedPreKey, bundle.SignedPreKeySignature) {
		return fmt.Errorf("%w: bad signed pre-key signature", domain.ErrMalformedEnvelope)
	}

	held, err := d.store.PutBundle(bundle)
	if err != nil {
		return err
	}
	d.log.WithFields(logrus.Fields{"owner": owner, "added": len(bundle.OneTimePreKeys), "held": held}).Info("bundle published")
	d.replenish(ctx, owner, held)
	return nil
}

func (d *Directory) handleRequest(ctx context.Context, from Peer, env domain.Envelope) error {
	owner := env.Recipient
	f, err := d.friends.Friendship(from.Identity(), owner)
	if err != nil {
		return err
	}
	if owner == from.Identity() || f.State != domain.FriendAccepted {
		return fmt.Errorf("%w: pre-keys are only shared between friends", domain.ErrPolicyDenied)
	}

	// The one-time pre-key leaves the directory only once the reply is out,
	// and the owner lock keeps two requesters from being offered the same one.
	unlock := d.owners.Lock(string(owner))
	defer unlock()

	bundle, err := d.store.PeekBundle(owner)
	if err != nil {
		return err
	}
	reply, err := codec.Control(domain.RelayID, from.Identity(), domain.KindPreKeyBundle, env.Sequence, bundle)
	if err != nil {
		return err
	}
	if err := from.Send(ctx, reply); err != nil {
		return err
	}
	if len(bundle.OneTimePreKeys) == 0 {
		d.replenish(ctx, owner, 0)
		return nil
	}
	left, err := d.store.ConsumeOneTimePreKey(owner, bundle.OneTimePreKeys[0].ID)
	if err != nil {
		return err
	}
	d.replenish(ctx, owner, left)
	return nil
}

// replenish asks owner, if online, to top its one-time pre-keys back up to
// twice the minimum.
func (d *Directory) replenish(ctx context.Context, owner domain.UserID, held int) {
	if d.min <= 0 || held >= d.min {
		return
	}
	peer, ok := d.reg.Lookup(owner)
	if !ok {
		return
	}
	env, err := codec.Control(domain.RelayID, owner, domain.KindPreKeyReplenish, uint64(d.now().UnixNano()), domain.Replenish{Count: 2*d.min - held})
	if err != nil {
		return
	}
	if err := peer.Send(ctx, env); err != nil {
		d.log.WithError(err).WithField("owner", owner).Debug("replenish request not delivered")
	}
}
