package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"cans/internal/config"
	"cans/internal/crypto"
	"cans/internal/domain"
	"cans/internal/protocol/primitive"
	"cans/internal/relay"
	"cans/internal/services/identity"
	"cans/internal/services/message"
	"cans/internal/services/prekey"
	"cans/internal/services/session"
	"cans/internal/store"
	"cans/internal/store/sqlite"
)

const (
	dbFilename = "local.db"

	// nsApp holds client bookkeeping in the local database.
	nsApp        = "app"
	keyPublished = "opk-published"
)

// ErrIdentityExists is returned by Init when home already holds an identity.
var ErrIdentityExists = errors.New("identity already exists")

// App is an unlocked client: identity, local state and services.
type App struct {
	cfg      *config.Client
	log      logrus.FieldLogger
	self     domain.UserID
	identity domain.Identity

	db       *sqlite.Store
	link     *link
	Messages *message.Service
}

// Options tunes Init and Open.
type Options struct {
	Logger logrus.FieldLogger
	// Scrypt overrides the key-derivation costs of the local database.
	Scrypt *store.ScryptParams
}

// Init creates a new identity and its first batch of pre-keys under
// cfg.Home, returning the UserID peers will know it by.
func Init(cfg *config.Client, passphrase string) (domain.UserID, error) {
	if err := os.MkdirAll(cfg.Home, 0o700); err != nil {
		return "", err
	}
	ids := store.NewIdentityFileStore(cfg.Home)
	if ids.Exists() {
		return "", fmt.Errorf("%w in %s", ErrIdentityExists, cfg.Home)
	}
	id, uid, err := identity.New(ids).GenerateIdentity(passphrase)
	if err != nil {
		return "", err
	}
	pre := prekey.New(id, store.NewPrekeyFileStore(cfg.Home))
	if _, err := pre.GenerateAndStorePreKeys(cfg.PreKeyCount); err != nil {
		return "", fmt.Errorf("generate pre-keys: %w", err)
	}
	return uid, nil
}

// Open unlocks the identity and local database under cfg.Home and builds the
// services. It does not touch the network.
func Open(cfg *config.Client, passphrase string, opts Options) (*App, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	params := store.DefaultScryptParams
	if opts.Scrypt != nil {
		params = *opts.Scrypt
	}

	id, err := identity.New(store.NewIdentityFileStore(cfg.Home)).LoadIdentity(passphrase)
	if err != nil {
		return nil, err
	}
	self := crypto.UserID(id.EdPub)

	db, err := sqlite.Open(filepath.Join(cfg.Home, dbFilename), passphrase, params)
	if err != nil {
		return nil, err
	}

	keys := store.NewPrekeyFileStore(cfg.Home)
	pre := prekey.New(id, keys)
	l := &link{}
	log := opts.Logger.WithField("self", self)
	mgr := session.New(self, primitive.New(id, keys, pre), l, db, session.Options{Logger: log})

	return &App{
		cfg:      cfg,
		log:      log,
		self:     self,
		identity: id,
		db:       db,
		link:     l,
		Messages: message.New(self, mgr, l, pre, db, db, message.Options{Logger: log}),
	}, nil
}

// Self returns the local UserID.
func (a *App) Self() domain.UserID { return a.self }

// Connect dials the relay, publishes pre-keys and resends whatever the
// sessions still owe. One-time pre-keys go up in full only on the first
// successful connect; after that the relay asks for more when it runs low.
func (a *App) Connect(ctx context.Context) error {
	conn, err := relay.Dial(ctx, a.cfg.ServerURL, a.identity, relay.Options{
		Logger:         a.log,
		RequestTimeout: a.cfg.AckTimeout.Duration,
	})
	if err != nil {
		return err
	}
	a.link.set(conn)

	var published bool
	if _, err := a.db.Get(nsApp, keyPublished, &published); err != nil {
		return err
	}
	if err := a.Messages.PublishPreKeys(ctx, !published); err != nil {
		return fmt.Errorf("publish pre-keys: %w", err)
	}
	if !published {
		if err := a.db.Put(nsApp, keyPublished, true); err != nil {
			return err
		}
	}
	if err := a.Messages.Resume(ctx); err != nil {
		a.log.WithError(err).Warn("resend pending envelopes")
	}
	return nil
}

// Run handles inbound envelopes until ctx is done or the connection ends,
// passing every resulting event to fn. It returns nil when ctx ends first.
func (a *App) Run(ctx context.Context, fn func(message.Event)) error {
	conn, err := a.link.current()
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-conn.Receive():
			if !ok {
				return fmt.Errorf("%w: %v", domain.ErrConnClosed, conn.Err())
			}
			ev, err := a.Messages.Handle(ctx, env)
			if err != nil {
				// Left unacknowledged; the relay delivers it again.
				a.log.WithError(err).WithField("kind", env.Kind).Warn("handle envelope")
				ev.Err = err
			}
			if fn != nil {
				fn(ev)
			}
		}
	}
}

// Close disconnects from the relay and closes the local database.
func (a *App) Close() error {
	var errs []error
	if conn, err := a.link.current(); err == nil {
		errs = append(errs, conn.Close())
		a.link.set(nil)
	}
	errs = append(errs, a.db.Close())
	return errors.Join(errs...)
}
