package ratchet

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"cans/internal/crypto"
	"cans/internal/domain"
	"cans/internal/util/memzero"
)

const (
	aeadKeySize = 32
	nonceSize   = chacha20poly1305.NonceSize

	// MaxSkip bounds how far ahead of the receive chain a single message may
	// be. MaxSkippedKeys bounds the stored skipped keys across all chains.
	MaxSkip        = 1000
	MaxSkippedKeys = 1000
)

var (
	// ErrTooManySkipped is returned when a header asks us to derive more than
	// MaxSkip message keys.
	ErrTooManySkipped     = errors.New("ratchet: too many skipped messages")
	errChainUninitialised = errors.New("ratchet: chain key is uninitialised")
)

// InitAsInitiator seeds the sending chain from root using a fresh ratchet key
// and the responder's signed pre-key as its initial ratchet public key.
func InitAsInitiator(root []byte, peerRatchetPub domain.X25519Public) (*domain.RatchetState, error) {
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return nil, err
	}
	dh, err := crypto.DH(priv, peerRatchetPub)
	if err != nil {
		return nil, err
	}
	rk, sendCK := kdfRK(root, dh[:])
	memzero.Zero(dh[:])

	return &domain.RatchetState{
		RootKey:                 rk,
		DiffieHellmanPrivate:    priv,
		DiffieHellmanPublic:     pub,
		PeerDiffieHellmanPublic: peerRatchetPub,
		SendChainKey:            sendCK,
		SkippedKeys:             make(map[string][]byte),
	}, nil
}

// InitAsResponder keeps root as-is and uses the signed pre-key pair as the
// first ratchet key. Chains are derived on the first Decrypt.
func InitAsResponder(root []byte, ourPriv domain.X25519Private, ourPub domain.X25519Public) *domain.RatchetState {
	return &domain.RatchetState{
		RootKey:              append([]byte(nil), root...),
		DiffieHellmanPrivate: ourPriv,
		DiffieHellmanPublic:  ourPub,
		SkippedKeys:          make(map[string][]byte),
	}
}

// Encrypt produces a header and ciphertext and advances the sending chain.
func Encrypt(st *domain.RatchetState, ad, plaintext []byte) (domain.RatchetHeader, []byte, error) {
	mk, err := kdfCKSend(st)
	if err != nil {
		return domain.RatchetHeader{}, nil, err
	}
	h := domain.RatchetHeader{
		DiffieHellmanPublicKey: st.DiffieHellmanPublic,
		PreviousChainLength:    st.PreviousChainLength,
		MessageIndex:           st.SendMessageIndex,
	}
	ct, err := seal(mk, h, ad, plaintext)
	memzero.Zero(mk)
	if err != nil {
		return domain.RatchetHeader{}, nil, err
	}
	st.SendMessageIndex++
	return h, ct, nil
}

// Decrypt opens a message, using a stored skipped key or stepping the DH
// ratchet when the header carries a new remote ratchet key. st is only
// modified when decryption succeeds.
func Decrypt(st *domain.RatchetState, ad []byte, header domain.RatchetHeader, ciphertext []byte) ([]byte, error) {
	work := st.Clone()
	pt, err := decrypt(work, ad, header, ciphertext)
	if err != nil {
		return nil, err
	}
	*st = *work
	return pt, nil
}

func decrypt(st *domain.RatchetState, ad []byte, header domain.RatchetHeader, ciphertext []byte) ([]byte, error) {
	keyID := skippedKeyID(header.DiffieHellmanPublicKey, header.MessageIndex)
	if mk, ok := st.SkippedKeys[keyID]; ok {
		pt, err := open(mk, header, ad, ciphertext)
		if err != nil {
			return nil, err
		}
		delete(st.SkippedKeys, keyID)
		memzero.Zero(mk)
		return pt, nil
	}

	if header.DiffieHellmanPublicKey != st.PeerDiffieHellmanPublic || len(st.ReceiveChainKey) == 0 {
		if err := skipUntil(st, header.PreviousChainLength); err != nil {
			return nil, err
		}
		if err := dhStep(st, header.DiffieHellmanPublicKey); err != nil {
			return nil, err
		}
	}
	if err := skipUntil(st, header.MessageIndex); err != nil {
		return nil, err
	}

	mk, err := kdfCKRecv(st)
	if err != nil {
		return nil, err
	}
	pt, err := open(mk, header, ad, ciphertext)
	memzero.Zero(mk)
	if err != nil {
		return nil, err
	}
	st.ReceiveMessageIndex++
	return pt, nil
}

// dhStep advances the root chain twice: once to derive the new receiving
// chain from the peer's new key, once for a fresh sending key of our own.
func dhStep(st *domain.RatchetState, peer domain.X25519Public) error {
	st.PreviousChainLength = st.SendMessageIndex
	st.SendMessageIndex, st.ReceiveMessageIndex = 0, 0
	st.PeerDiffieHellmanPublic = peer

	dh, err := crypto.DH(st.DiffieHellmanPrivate, peer)
	if err != nil {
		return err
	}
	rk, recvCK := kdfRK(st.RootKey, dh[:])
	memzero.Zero(dh[:])

	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return err
	}
	dh2, err := crypto.DH(priv, peer)
	if err != nil {
		return err
	}
	rk2, sendCK := kdfRK(rk, dh2[:])
	memzero.Zero(dh2[:])

	memzero.Zero(st.DiffieHellmanPrivate[:])
	st.RootKey = rk2
	st.DiffieHellmanPrivate, st.DiffieHellmanPublic = priv, pub
	st.ReceiveChainKey, st.SendChainKey = recvCK, sendCK
	return nil
}

// --- helpers ---

func seal(mk []byte, header domain.RatchetHeader, ad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk[:aeadKeySize])
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonceFor(header), plaintext, associated(ad, header)), nil
}

func open(mk []byte, header domain.RatchetHeader, ad, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk[:aeadKeySize])
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonceFor(header), ciphertext, associated(ad, header))
}

func nonceFor(h domain.RatchetHeader) []byte {
	nonce := make([]byte, nonceSize)
	binary.BigEndian.PutUint32(nonce[nonceSize-4:], h.MessageIndex)
	return nonce
}

func associated(ad []byte, h domain.RatchetHeader) []byte {
	out := make([]byte, 0, len(ad)+len(h.DiffieHellmanPublicKey)+8)
	out = append(out, ad...)
	out = append(out, h.DiffieHellmanPublicKey[:]...)
	out = binary.BigEndian.AppendUint32(out, h.PreviousChainLength)
	return binary.BigEndian.AppendUint32(out, h.MessageIndex)
}

// HKDF-based KDFs with labels.
func kdfRK(rk, dh []byte) (newRK, ck []byte) {
	r := hkdf.New(sha256.New, dh, rk, []byte("DR|rk"))
	newRK = make([]byte, 32)
	ck = make([]byte, 32)
	_, _ = io.ReadFull(r, newRK)
	_, _ = io.ReadFull(r, ck)
	return
}

func kdfCK(ck []byte) (nextCK, mk []byte) {
	r := hkdf.New(sha256.New, ck, nil, []byte("DR|ck"))
	nextCK = make([]byte, 32)
	mk = make([]byte, 32)
	_, _ = io.ReadFull(r, nextCK)
	_, _ = io.ReadFull(r, mk)
	return
}

func kdfCKSend(st *domain.RatchetState) ([]byte, error) {
	if len(st.SendChainKey) == 0 {
		return nil, errChainUninitialised
	}
	nextCK, mk := kdfCK(st.SendChainKey)
	st.SendChainKey = nextCK
	return mk, nil
}

func kdfCKRecv(st *domain.RatchetState) ([]byte, error) {
	if len(st.ReceiveChainKey) == 0 {
		return nil, errChainUninitialised
	}
	nextCK, mk := kdfCK(st.ReceiveChainKey)
	st.ReceiveChainKey = nextCK
	return mk, nil
}

func skippedKeyID(peer domain.X25519Public, n uint32) string {
	return fmt.Sprintf("%s:%d", hex.EncodeToString(peer[:]), n)
}

// skipUntil derives and stores receive-chain message keys up to index n.
func skipUntil(st *domain.RatchetState, n uint32) error {
	if len(st.ReceiveChainKey) == 0 {
		return nil
	}
	if n > st.ReceiveMessageIndex && n-st.ReceiveMessageIndex > MaxSkip {
		return ErrTooManySkipped
	}
	if st.SkippedKeys == nil {
		st.SkippedKeys = make(map[string][]byte)
	}
	for st.ReceiveMessageIndex < n {
		mk, err := kdfCKRecv(st)
		if err != nil {
			return err
		}
		if len(st.SkippedKeys) >= MaxSkippedKeys {
			for k, v := range st.SkippedKeys {
				memzero.Zero(v)
				delete(st.SkippedKeys, k)
				break
			}
		}
		st.SkippedKeys[skippedKeyID(st.PeerDiffieHellmanPublic, st.ReceiveMessageIndex)] = mk
		st.ReceiveMessageIndex++
	}
	return nil
}
