package server_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cans/internal/codec"
	"cans/internal/config"
	"cans/internal/crypto"
	"cans/internal/domain"
	"cans/internal/logging"
	"cans/internal/protocol/primitive"
	"cans/internal/relay"
	"cans/internal/server"
	"cans/internal/services/message"
	"cans/internal/services/prekey"
	"cans/internal/services/session"
	"cans/internal/store"
	"cans/internal/store/sqlite"
)

func startRelay(t *testing.T) string {
	t.Helper()
	cfg, err := config.LoadRelay([]byte(`mailbox_policy = "memory"`))
	require.NoError(t, err)
	srv, err := server.New(cfg, logging.Discard())
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = srv.Close()
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func newIdentity(t *testing.T) domain.Identity {
	t.Helper()
	xPriv, xPub, err := crypto.GenerateX25519()
	require.NoError(t, err)
	edPriv, edPub, err := crypto.GenerateEd25519()
	require.NoError(t, err)
	return domain.Identity{XPub: xPub, XPriv: xPriv, EdPub: edPub, EdPriv: edPriv}
}

// user is a complete client: relay connection, sessions and messenger, with
// inbound events pumped into a channel.
type user struct {
	id     domain.UserID
	conn   *relay.Client
	svc    *message.Service
	events chan message.Event
}

func join(t *testing.T, url string) *user {
	t.Helper()
	ctx := context.Background()
	ident := newIdentity(t)
	dir := t.TempDir()

	keys := store.NewPrekeyFileStore(filepath.Join(dir, "prekeys"))
	pre := prekey.New(ident, keys)
	_, err := pre.GenerateAndStorePreKeys(5)
	require.NoError(t, err)
	db, err := sqlite.Open(filepath.Join(dir, "local.db"), "pass", store.ScryptParams{N: 1 << 10, R: 8, P: 1})
	require.NoError(t, err)

	conn, err := relay.Dial(ctx, url, ident, relay.Options{})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
		_ = db.Close()
	})

	id := conn.Self()
	mgr := session.New(id, primitive.New(ident, keys, pre), conn, db, session.Options{})
	u := &user{
		id:     id,
		conn:   conn,
		svc:    message.New(id, mgr, conn, pre, db, db, message.Options{}),
		events: make(chan message.Event, 64),
	}
	require.NoError(t, u.svc.PublishPreKeys(ctx, true))
	go func() {
		for env := range conn.Receive() {
			ev, err := u.svc.Handle(ctx, env)
			if err != nil {
				ev.Err = err
			}
			select {
			case u.events <- ev:
			default:
			}
		}
	}()
	return u
}

func (u *user) await(t *testing.T, match func(message.Event) bool) message.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-u.events:
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatalf("%s: timed out waiting for event", u.id)
			return message.Event{}
		}
	}
}

func TestEndToEnd_FriendsThenEncryptedMessage(t *testing.T) {
	url := startRelay(t)
	alice, bob := join(t, url), join(t, url)
	ctx := context.Background()

	require.NoError(t, alice.svc.RequestFriend(ctx, bob.id, "hello from alice"))
	ev := bob.await(t, func(ev message.Event) bool { return ev.Kind == domain.KindFriendRequest })
	assert.Equal(t, "hello from alice", ev.Note)

	require.NoError(t, bob.svc.AcceptFriend(ctx, alice.id))
	alice.await(t, func(ev message.Event) bool { return ev.Kind == domain.KindFriendAccept })

	_, err := alice.svc.Send(ctx, bob.id, []byte("first secret"))
	require.NoError(t, err)
	_, err = alice.svc.Send(ctx, bob.id, []byte("second secret"))
	require.NoError(t, err)

	var got []string
	for len(got) < 2 {
		ev := bob.await(t, func(ev message.Event) bool { return ev.Message != nil })
		got = append(got, string(ev.Message.Plaintext))
	}
	assert.Equal(t, []string{"first secret", "second secret"}, got)

	_, err = bob.svc.Send(ctx, alice.id, []byte("reply"))
	require.NoError(t, err)
	ev = alice.await(t, func(ev message.Event) bool { return ev.Message != nil })
	assert.Equal(t, "reply", string(ev.Message.Plaintext))
}

func TestEndToEnd_MessageToStrangerIsRefused(t *testing.T) {
	url := startRelay(t)
	alice, bob := join(t, url), join(t, url)

	env := domain.Envelope{Sender: alice.id, Recipient: bob.id, Kind: domain.KindMessage, Sequence: 1, Payload: []byte("x")}
	require.NoError(t, alice.conn.Send(context.Background(), env))
	ev := alice.await(t, func(ev message.Event) bool { return ev.Kind == domain.KindError })
	assert.ErrorIs(t, ev.Err, domain.ErrPolicyDenied)
}

func TestEndToEnd_SecondConnectionEvictsFirst(t *testing.T) {
	url := startRelay(t)
	ident := newIdentity(t)
	ctx := context.Background()

	first, err := relay.Dial(ctx, url, ident, relay.Options{})
	require.NoError(t, err)
	second, err := relay.Dial(ctx, url, ident, relay.Options{})
	require.NoError(t, err)
	defer second.Close()

	select {
	case <-first.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("first connection still open")
	}
	var ce *websocket.CloseError
	require.True(t, errors.As(first.Err(), &ce))
	assert.Equal(t, codec.CloseEvicted, ce.Code)
}

func TestEndToEnd_BadSignatureIsRejected(t *testing.T) {
	url := startRelay(t)
	ident := newIdentity(t)

	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	_, frame, err := ws.ReadMessage()
	require.NoError(t, err)
	challenge, err := codec.Decode(frame)
	require.NoError(t, err)
	require.Equal(t, domain.KindChallenge, challenge.Kind)

	auth, err := codec.Control(crypto.UserID(ident.EdPub), domain.RelayID, domain.KindAuth, 0, domain.Auth{
		SigningKey: ident.EdPub,
		Signature:  crypto.SignAuth(ident.EdPriv, []byte("some other nonce")),
	})
	require.NoError(t, err)
	raw, err := codec.Encode(auth)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, raw))

	_, _, err = ws.ReadMessage()
	var ce *websocket.CloseError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, codec.CloseAuthFailed, ce.Code)
}

func TestEndToEnd_MalformedFrameClosesConnection(t *testing.T) {
	url := startRelay(t)
	conn, err := relay.Dial(context.Background(), url, newIdentity(t), relay.Options{})
	require.NoError(t, err)
	defer conn.Close()

	// Impersonating another sender is a protocol violation.
	require.NoError(t, conn.Send(context.Background(), domain.Envelope{Sender: "someone-else", Recipient: "x", Kind: domain.KindMessage, Sequence: 1}))
	select {
	case <-conn.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection still open")
	}
	var ce *websocket.CloseError
	require.True(t, errors.As(conn.Err(), &ce))
	assert.Equal(t, codec.CloseMalformed, ce.Code)
}
