package ratchet_test

import (
	"bytes"
	"errors"
	"testing"

	"cans/internal/crypto"
	"cans/internal/domain"
	"cans/internal/protocol/ratchet"
)

// pair returns an initiator and responder state sharing a root key, as X3DH
// would leave them.
func pair(t *testing.T) (alice, bob *domain.RatchetState) {
	t.Helper()
	rk := bytes.Repeat([]byte{0x42}, 32)

	spkPriv, spkPub, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519: %v", err)
	}
	alice, err = ratchet.InitAsInitiator(rk, spkPub)
	if err != nil {
		t.Fatalf("InitAsInitiator: %v", err)
	}
	bob = ratchet.InitAsResponder(rk, spkPriv, spkPub)
	return alice, bob
}

func send(t *testing.T, st *domain.RatchetState, msg string) (domain.RatchetHeader, []byte) {
	t.Helper()
	h, ct, err := ratchet.Encrypt(st, []byte("ad"), []byte(msg))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	return h, ct
}

func recv(t *testing.T, st *domain.RatchetState, h domain.RatchetHeader, ct []byte, want string) {
	t.Helper()
	pt, err := ratchet.Decrypt(st, []byte("ad"), h, ct)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(pt) != want {
		t.Fatalf("got %q, want %q", pt, want)
	}
}

func TestDoubleRatchet_OneRoundTrip(t *testing.T) {
	alice, bob := pair(t)

	h, ct := send(t, alice, "hi")
	recv(t, bob, h, ct, "hi")

	h, ct = send(t, bob, "hello back")
	recv(t, alice, h, ct, "hello back")
}

func TestDoubleRatchet_PingPongRotatesKeys(t *testing.T) {
	alice, bob := pair(t)

	h, ct := send(t, alice, "1")
	recv(t, bob, h, ct, "1")
	first := alice.DiffieHellmanPublic

	h, ct = send(t, bob, "2")
	recv(t, alice, h, ct, "2")
	h, ct = send(t, alice, "3")
	recv(t, bob, h, ct, "3")

	if alice.DiffieHellmanPublic == first {
		t.Fatal("initiator ratchet key did not rotate")
	}
}

func TestDoubleRatchet_OutOfOrder(t *testing.T) {
	alice, bob := pair(t)

	h1, c1 := send(t, alice, "one")
	h2, c2 := send(t, alice, "two")
	h3, c3 := send(t, alice, "three")

	recv(t, bob, h3, c3, "three")
	recv(t, bob, h1, c1, "one")
	recv(t, bob, h2, c2, "two")

	if _, err := ratchet.Decrypt(bob, []byte("ad"), h2, c2); err == nil {
		t.Fatal("replayed message decrypted twice")
	}
}

func TestDoubleRatchet_TamperLeavesStateUsable(t *testing.T) {
	alice, bob := pair(t)

	h, ct := send(t, alice, "genuine")
	bad := append([]byte(nil), ct...)
	bad[0] ^= 0xff
	if _, err := ratchet.Decrypt(bob, []byte("ad"), h, bad); err == nil {
		t.Fatal("tampered ciphertext accepted")
	}
	recv(t, bob, h, ct, "genuine")
}

func TestDoubleRatchet_TooManySkipped(t *testing.T) {
	alice, bob := pair(t)

	h, ct := send(t, alice, "first")
	recv(t, bob, h, ct, "first")

	h, ct = send(t, alice, "far ahead")
	h.MessageIndex += ratchet.MaxSkip + 1
	if _, err := ratchet.Decrypt(bob, []byte("ad"), h, ct); !errors.Is(err, ratchet.ErrTooManySkipped) {
		t.Fatalf("want ErrTooManySkipped, got %v", err)
	}
}
