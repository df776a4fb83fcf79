package store

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"

	"cans/internal/util/memzero"
)

const (
	// The current supported version of the encrypted blob format stored on disk.
	keystoreFormatVersion = 1
	saltSize              = 16
)

var (
	// Returned when the passphrase is incorrect or the ciphertext has been modified / corrupted.
	errWrongPassphrase = errors.New("wrong passphrase or corrupted record")
)

// ScryptParams are the key-derivation costs.
type ScryptParams struct {
	N, R, P int
}

// DefaultScryptParams is used for everything written to disk.
var DefaultScryptParams = ScryptParams{N: 1 << 15, R: 8, P: 1}

// blob is the on‑disk JSON structure holding the ciphertext and KDF parameters.
type blob struct {
	V      int    `json:"v"`
	Salt   []byte `json:"salt"`
	N      int    `json:"scrypt_N"`
	R      int    `json:"scrypt_r"`
	P      int    `json:"scrypt_p"`
	Cipher []byte `json:"cipher"`
}

// encrypt derives a key from passphrase and seals raw into a JSON blob.
func encrypt(passphrase string, raw []byte, params ScryptParams) ([]byte, error) {
	salt, err := NewSalt()
	if err != nil {
		return nil, err
	}
	key, err := deriveKey(passphrase, salt, params)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(key)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	var nonce [chacha20poly1305.NonceSize]byte // zero nonce; salt‑bound key guarantees uniqueness
	ct := aead.Seal(nil, nonce[:], raw, salt)

	return json.Marshal(blob{
		V:      keystoreFormatVersion,
		Salt:   salt,
		N:      params.N,
		R:      params.R,
		P:      params.P,
		Cipher: ct,
	})
}

// decrypt opens the JSON blob using a key derived from passphrase.
func decrypt(passphrase string, b []byte) ([]byte, error) {
	var bl blob
	if err := json.Unmarshal(b, &bl); err != nil {
		return nil, err
	}
	if bl.V > keystoreFormatVersion {
		return nil, fmt.Errorf("unsupported keystore version %d", bl.V)
	}

	key, err := deriveKey(passphrase, bl.Salt, ScryptParams{N: bl.N, R: bl.R, P: bl.P})
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(key)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	var nonce [chacha20poly1305.NonceSize]byte
	pt, err := aead.Open(nil, nonce[:], bl.Cipher, bl.Salt)
	if err != nil {
		return nil, errWrongPassphrase
	}
	return pt, nil
}

func deriveKey(passphrase string, salt []byte, params ScryptParams) ([]byte, error) {
	return scrypt.Key([]byte(passphrase), salt, params.N, params.R, params.P, chacha20poly1305.KeySize)
}

// NewSalt returns a fresh random KDF salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// Sealer encrypts many small records under one passphrase-derived key.
// Each record gets a random XChaCha20-Poly1305 nonce.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives the record key from passphrase and salt.
func NewSealer(passphrase string, salt []byte, params ScryptParams) (*Sealer, error) {
	key, err := deriveKey(passphrase, salt, params)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext bound to ad and returns nonce || ciphertext.
func (s *Sealer) Seal(ad, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return s.aead.Seal(nonce, nonce, plaintext, ad), nil
}

// Open reverses Seal.
func (s *Sealer) Open(ad, sealed []byte) ([]byte, error) {
	ns := s.aead.NonceSize()
	if len(sealed) < ns {
		return nil, errWrongPassphrase
	}
	pt, err := s.aead.Open(nil, sealed[:ns], sealed[ns:], ad)
	if err != nil {
		return nil, errWrongPassphrase
	}
	return pt, nil
}
