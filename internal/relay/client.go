package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"cans/internal/codec"
	"cans/internal/crypto"
	"cans/internal/domain"
)

const (
	// Time allowed to write a frame to the relay.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the relay.
	pongWait = 60 * time.Second

	// Send pings with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Time allowed for the challenge/auth exchange.
	handshakeWait = 10 * time.Second

	// Inbound envelopes buffered ahead of the consumer.
	inboxSize = 256
)

// Options tunes a Client.
type Options struct {
	Dialer *websocket.Dialer
	Logger logrus.FieldLogger
	// RequestTimeout bounds FetchBundle when ctx has no deadline.
	RequestTimeout time.Duration
}

// Client is an authenticated websocket connection to the relay. It
// implements domain.RelayClient.
type Client struct {
	conn    *websocket.Conn
	self    domain.UserID
	log     logrus.FieldLogger
	timeout time.Duration

	writeMu sync.Mutex
	inbound chan domain.Envelope

	mu      sync.Mutex
	waiters map[uint64]chan bundleReply
	nextReq atomic.Uint64

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

type bundleReply struct {
	bundle domain.PreKeyBundle
	err    error
}

// Dial connects to the relay at url and proves ownership of id's signing
// key. It returns once the relay has accepted the connection.
func Dial(ctx context.Context, url string, id domain.Identity, opts Options) (*Client, error) {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		opts.Logger = l
	}
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = 10 * time.Second
	}

	conn, _, err := opts.Dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	self := crypto.UserID(id.EdPub)
	c := &Client{
		conn:    conn,
		self:    self,
		log:     opts.Logger.WithFields(logrus.Fields{"component": "relay-client", "self": self}),
		timeout: opts.RequestTimeout,
		inbound: make(chan domain.Envelope, inboxSize),
		waiters: make(map[uint64]chan bundleReply),
		done:    make(chan struct{}),
	}
	conn.SetReadLimit(codec.MaxFrame)

	if err := c.authenticate(id); err != nil {
		_ = conn.Close()
		return nil, err
	}

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.readPump()
	go c.pingPump()
	c.log.Info("connected to relay")
	return c, nil
}

// authenticate answers the relay's challenge and waits for the auth-ok.
func (c *Client) authenticate(id domain.Identity) error {
	_ = c.conn.SetReadDeadline(time.Now().Add(handshakeWait))

	env, err := c.read()
	if err != nil {
		return fmt.Errorf("read challenge: %w", err)
	}
	if env.Kind != domain.KindChallenge {
		return fmt.Errorf("%w: expected challenge, got %s", domain.ErrMalformedEnvelope, env.Kind)
	}
	var ch domain.Challenge
	if err := codec.Unmarshal(env.Payload, &ch); err != nil {
		return err
	}

	auth, err := codec.Control(c.self, domain.RelayID, domain.KindAuth, 0, domain.Auth{
		SigningKey: id.EdPub,
		Signature:  crypto.SignAuth(id.EdPriv, ch.Nonce),
	})
	if err != nil {
		return err
	}
	if err := c.write(context.Background(), auth); err != nil {
		return err
	}

	env, err = c.read()
	if err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) && ce.Code == codec.CloseAuthFailed {
			return fmt.Errorf("%w: %s", domain.ErrAuthenticationFailed, ce.Text)
		}
		return fmt.Errorf("read auth result: %w", err)
	}
	if env.Kind != domain.KindAuth || env.Recipient != c.self {
		return fmt.Errorf("%w: relay did not confirm identity", domain.ErrAuthenticationFailed)
	}
	return nil
}

// Self returns the authenticated identity.
func (c *Client) Self() domain.UserID { return c.self }

// Receive returns the stream of inbound envelopes. It is closed when the
// connection ends.
func (c *Client) Receive() <-chan domain.Envelope { return c.inbound }

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended, once Done is closed.
func (c *Client) Err() error {
	<-c.done
	return c.err
}

// Send writes env to the relay.
func (c *Client) Send(ctx context.Context, env domain.Envelope) error {
	return c.write(ctx, env)
}

// Ack confirms delivery of env.
func (c *Client) Ack(ctx context.Context, env domain.Envelope) error {
	ack, err := codec.AckFor(c.self, env)
	if err != nil {
		return err
	}
	return c.write(ctx, ack)
}

// PublishBundle uploads bundle to the relay directory.
func (c *Client) PublishBundle(ctx context.Context, bundle domain.PreKeyBundle) error {
	env, err := codec.Control(c.self, domain.RelayID, domain.KindPreKeyPublish, uint64(time.Now().UnixNano()), bundle)
	if err != nil {
		return err
	}
	return c.write(ctx, env)
}

// FetchBundle asks the relay for peer's pre-key bundle and waits for the
// reply. Each call consumes at most one of peer's one-time pre-keys.
func (c *Client) FetchBundle(ctx context.Context, peer domain.UserID) (domain.PreKeyBundle, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	seq := c.nextReq.Add(1)
	reply := make(chan bundleReply, 1)
	c.mu.Lock()
	c.waiters[seq] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiters, seq)
		c.mu.Unlock()
	}()

	req := domain.Envelope{Sender: c.self, Recipient: peer, Kind: domain.KindPreKeyRequest, Sequence: seq}
	if err := c.write(ctx, req); err != nil {
		return domain.PreKeyBundle{}, err
	}
	select {
	case r := <-reply:
		return r.bundle, r.err
	case <-ctx.Done():
		return domain.PreKeyBundle{}, ctx.Err()
	case <-c.done:
		return domain.PreKeyBundle{}, domain.ErrConnClosed
	}
}

// Close ends the connection.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	c.writeMu.Unlock()
	c.shutdown(nil)
	return nil
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *Client) read() (domain.Envelope, error) {
	mt, data, err := c.conn.ReadMessage()
	if err != nil {
		return domain.Envelope{}, err
	}
	if mt != websocket.BinaryMessage {
		return domain.Envelope{}, fmt.Errorf("%w: non-binary frame", domain.ErrMalformedEnvelope)
	}
	return codec.Decode(data)
}

func (c *Client) write(ctx context.Context, env domain.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return domain.ErrConnClosed
	default:
	}
	data, err := codec.Encode(env)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		go c.shutdown(err)
		return fmt.Errorf("%w: %v", domain.ErrConnClosed, err)
	}
	return nil
}

// readPump routes pre-key replies to their waiters and queues everything
// else for Receive.
func (c *Client) readPump() {
	defer close(c.inbound)
	for {
		env, err := c.read()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.WithError(err).Warn("relay connection lost")
			}
			c.shutdown(err)
			return
		}

		switch env.Kind {
		case domain.KindPreKeyBundle:
			var b domain.PreKeyBundle
			err := codec.Unmarshal(env.Payload, &b)
			c.resolve(env.Sequence, bundleReply{bundle: b, err: err})
			continue
		case domain.KindError:
			var n domain.ErrorNotice
			if err := codec.Unmarshal(env.Payload, &n); err == nil && n.Kind == domain.KindPreKeyRequest {
				c.resolve(n.Sequence, bundleReply{err: fmt.Errorf("fetch bundle for %s: %w", env.Recipient, domain.CodeError(n.Code))})
				continue
			}
		}

		select {
		case c.inbound <- env:
		case <-c.done:
			return
		}
	}
}

func (c *Client) resolve(seq uint64, r bundleReply) {
	c.mu.Lock()
	ch, ok := c.waiters[seq]
	c.mu.Unlock()
	if !ok {
		c.log.WithField("seq", seq).Debug("pre-key reply without waiter")
		return
	}
	select {
	case ch <- r:
	default:
	}
}

func (c *Client) pingPump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				c.shutdown(err)
				return
			}
		case <-c.done:
			return
		}
	}
}

// Compile-time assertion that Client implements domain.RelayClient.
var _ domain.RelayClient = (*Client)(nil)
