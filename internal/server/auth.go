package server

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"cans/internal/codec"
	"cans/internal/crypto"
	"cans/internal/domain"
)

const (
	// Time allowed for the challenge/auth exchange.
	handshakeWait = 10 * time.Second

	nonceSize = 32
)

// authenticate runs the connect handshake: the relay sends a random nonce,
// the client signs it with its identity key and the relay derives the
// identity from that key. On success the client gets an auth-ok addressed to
// its identity.
func authenticate(ctx context.Context, c *Conn) (domain.UserID, error) {
	ctx, cancel := context.WithTimeout(ctx, handshakeWait)
	defer cancel()
	_ = c.ws.SetReadDeadline(time.Now().Add(handshakeWait))

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	challenge, err := codec.Control(domain.RelayID, "", domain.KindChallenge, 0, domain.Challenge{Nonce: nonce})
	if err != nil {
		return "", err
	}
	if err := c.write(ctx, challenge); err != nil {
		return "", err
	}

	env, err := c.read()
	if err != nil {
		return "", err
	}
	if env.Kind != domain.KindAuth {
		return "", fmt.Errorf("%w: expected auth, got %s", domain.ErrAuthenticationFailed, env.Kind)
	}
	var auth domain.Auth
	if err := codec.Unmarshal(env.Payload, &auth); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrAuthenticationFailed, err)
	}
	if !crypto.VerifyAuth(auth.SigningKey, nonce, auth.Signature) {
		return "", fmt.Errorf("%w: bad signature", domain.ErrAuthenticationFailed)
	}
	id := crypto.UserID(auth.SigningKey)
	if env.Sender != id {
		return "", fmt.Errorf("%w: sender %q does not match key %s", domain.ErrAuthenticationFailed, env.Sender, id)
	}

	ok, err := codec.Control(domain.RelayID, id, domain.KindAuth, 0, nil)
	if err != nil {
		return "", err
	}
	if err := c.write(ctx, ok); err != nil {
		return "", err
	}
	c.user = id
	return id, nil
}
