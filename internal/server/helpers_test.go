package server_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cans/internal/codec"
	"cans/internal/domain"
	"cans/internal/server"
	"cans/internal/store/memory"
)

// fakePeer records what the relay writes to a connection. Deliveries are
// acked at once unless stalled.
type fakePeer struct {
	id domain.UserID

	mu      sync.Mutex
	sent    []domain.Envelope
	stalled bool
	code    int

	closed    chan struct{}
	closeOnce sync.Once
}

func newPeer(id domain.UserID) *fakePeer {
	return &fakePeer{id: id, closed: make(chan struct{})}
}

func (p *fakePeer) Identity() domain.UserID { return p.id }

func (p *fakePeer) Send(_ context.Context, env domain.Envelope) error {
	select {
	case <-p.closed:
		return domain.ErrConnClosed
	default:
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, env)
	return nil
}

func (p *fakePeer) Deliver(ctx context.Context, env domain.Envelope) error {
	if err := p.Send(ctx, env); err != nil {
		return err
	}
	p.mu.Lock()
	stalled := p.stalled
	p.mu.Unlock()
	if !stalled {
		return nil
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: stalled", domain.ErrDeliveryTimeout)
	case <-p.closed:
		return domain.ErrConnClosed
	}
}

func (p *fakePeer) Close(code int, _ string) {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.code = code
		p.mu.Unlock()
		close(p.closed)
	})
}

func (p *fakePeer) Done() <-chan struct{} { return p.closed }

func (p *fakePeer) stall(v bool) {
	p.mu.Lock()
	p.stalled = v
	p.mu.Unlock()
}

func (p *fakePeer) received() []domain.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.Envelope(nil), p.sent...)
}

func (p *fakePeer) ofKind(k domain.Kind) []domain.Envelope {
	var out []domain.Envelope
	for _, env := range p.received() {
		if env.Kind == k {
			out = append(out, env)
		}
	}
	return out
}

func (p *fakePeer) closeCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code
}

// core is a fully wired relay core over a memory store.
type core struct {
	store  *memory.Store
	reg    *server.Registry
	router *server.Router
	broker *server.Broker
	dir    *server.Directory
}

func newCore(t *testing.T, ackTimeout time.Duration) *core {
	t.Helper()
	st := memory.New()
	reg := server.NewRegistry()
	router := server.NewRouter(reg, st, st, server.RouterOptions{AckTimeout: ackTimeout})
	t.Cleanup(router.Close)
	return &core{
		store:  st,
		reg:    reg,
		router: router,
		broker: server.NewBroker(reg, router, st, server.BrokerOptions{}),
		dir:    server.NewDirectory(reg, router, st, st, server.DirectoryOptions{MinOneTime: 2}),
	}
}

func (r *core) connect(id domain.UserID) *fakePeer {
	p := newPeer(id)
	r.reg.Register(id, p)
	return p
}

func (r *core) befriend(t *testing.T, x, y domain.UserID) {
	t.Helper()
	f := domain.NewFriendship(x, y)
	f.State = domain.FriendAccepted
	require.NoError(t, r.store.PutFriendship(f))
}

func (r *core) route(t *testing.T, from *fakePeer, env domain.Envelope) {
	t.Helper()
	require.NoError(t, r.router.Route(context.Background(), from, env))
}

func (r *core) pending(t *testing.T, id domain.UserID) []domain.Envelope {
	t.Helper()
	q, err := r.store.Pending(id)
	require.NoError(t, err)
	return q
}

func msgEnv(from, to domain.UserID, seq uint64) domain.Envelope {
	return domain.Envelope{Sender: from, Recipient: to, Kind: domain.KindMessage, Sequence: seq, Payload: []byte("ciphertext")}
}

func control(t *testing.T, from, to domain.UserID, kind domain.Kind, seq uint64, body any) domain.Envelope {
	t.Helper()
	env, err := codec.Control(from, to, kind, seq, body)
	require.NoError(t, err)
	return env
}

func errorCode(t *testing.T, env domain.Envelope) string {
	t.Helper()
	require.Equal(t, domain.KindError, env.Kind)
	var n domain.ErrorNotice
	require.NoError(t, codec.Unmarshal(env.Payload, &n))
	return n.Code
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}
