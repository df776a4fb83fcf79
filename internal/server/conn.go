package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"cans/internal/codec"
	"cans/internal/domain"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// Send pings with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// Conn is one websocket connection. It becomes a Peer once authenticated.
type Conn struct {
	id   string
	ws   *websocket.Conn
	user domain.UserID
	log  logrus.FieldLogger

	writeMu sync.Mutex

	mu   sync.Mutex
	acks map[domain.EnvelopeKey]waiter

	done      chan struct{}
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, log logrus.FieldLogger) *Conn {
	id := uuid.NewString()
	ws.SetReadLimit(codec.MaxFrame)
	return &Conn{
		id:   id,
		ws:   ws,
		log:  log.WithFields(logrus.Fields{"conn": id, "remote": ws.RemoteAddr().String()}),
		acks: make(map[domain.EnvelopeKey]waiter),
		done: make(chan struct{}),
	}
}

// ID is a random identifier for logs.
func (c *Conn) ID() string { return c.id }

// Identity returns the authenticated user.
func (c *Conn) Identity() domain.UserID { return c.user }

// Done is closed once the connection is gone.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Send writes env.
func (c *Conn) Send(ctx context.Context, env domain.Envelope) error {
	return c.write(ctx, env)
}

// waiter is a Deliver blocked on the ack for one payload.
type waiter struct {
	digest []byte
	acked  chan struct{}
}

// Deliver writes env and waits for the matching ack. A ctx deadline yields
// ErrDeliveryTimeout.
func (c *Conn) Deliver(ctx context.Context, env domain.Envelope) error {
	key := env.Key()
	acked := make(chan struct{})
	c.mu.Lock()
	c.acks[key] = waiter{digest: env.Digest(), acked: acked}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.acks[key].acked == acked {
			delete(c.acks, key)
		}
		c.mu.Unlock()
	}()

	if err := c.write(ctx, env); err != nil {
		return err
	}
	select {
	case <-acked:
		return nil
	case <-c.done:
		return domain.ErrConnClosed
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s %d to %s", domain.ErrDeliveryTimeout, env.Kind, env.Sequence, env.Recipient)
		}
		return ctx.Err()
	}
}

// acked releases the Deliver waiting for key, if any. An ack naming a
// different payload digest belongs to a replaced copy and is ignored.
func (c *Conn) acked(key domain.EnvelopeKey, digest []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.acks[key]
	if !ok || (digest != nil && !bytes.Equal(w.digest, digest)) {
		return
	}
	delete(c.acks, key)
	close(w.acked)
}

// Close sends a close frame with code and drops the connection.
func (c *Conn) Close(code int, reason string) {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(writeWait))
	c.writeMu.Unlock()
	c.shutdown()
}

func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *Conn) read() (domain.Envelope, error) {
	mt, data, err := c.ws.ReadMessage()
	if err != nil {
		return domain.Envelope{}, err
	}
	if mt != websocket.BinaryMessage {
		return domain.Envelope{}, fmt.Errorf("%w: non-binary frame", domain.ErrMalformedEnvelope)
	}
	return codec.Decode(data)
}

func (c *Conn) write(ctx context.Context, env domain.Envelope) error {
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
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		go c.shutdown()
		return fmt.Errorf("%w: %v", domain.ErrConnClosed, err)
	}
	return nil
}

func (c *Conn) keepalive() {
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.pingPump()
}

func (c *Conn) pingPump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				c.shutdown()
				return
			}
		case <-c.done:
			return
		}
	}
}

var _ Peer = (*Conn)(nil)
