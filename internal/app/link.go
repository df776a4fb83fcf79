package app

import (
	"context"
	"sync"

	"cans/internal/domain"
	"cans/internal/relay"
)

// link is the relay client the services hold. It forwards to the current
// connection and fails with domain.ErrConnClosed while there is none.
type link struct {
	mu   sync.RWMutex
	conn *relay.Client
}

func (l *link) set(c *relay.Client) {
	l.mu.Lock()
	l.conn = c
	l.mu.Unlock()
}

func (l *link) current() (*relay.Client, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.conn == nil {
		return nil, domain.ErrConnClosed
	}
	return l.conn, nil
}

func (l *link) Send(ctx context.Context, env domain.Envelope) error {
	c, err := l.current()
	if err != nil {
		return err
	}
	return c.Send(ctx, env)
}

func (l *link) FetchBundle(ctx context.Context, peer domain.UserID) (domain.PreKeyBundle, error) {
	c, err := l.current()
	if err != nil {
		return domain.PreKeyBundle{}, err
	}
	return c.FetchBundle(ctx, peer)
}

func (l *link) Ack(ctx context.Context, env domain.Envelope) error {
	c, err := l.current()
	if err != nil {
		return err
	}
	return c.Ack(ctx, env)
}

func (l *link) PublishBundle(ctx context.Context, bundle domain.PreKeyBundle) error {
	c, err := l.current()
	if err != nil {
		return err
	}
	return c.PublishBundle(ctx, bundle)
}

var _ domain.RelayClient = (*link)(nil)
