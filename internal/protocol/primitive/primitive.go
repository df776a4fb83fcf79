package primitive

import (
	"bytes"
	"fmt"

	"cans/internal/codec"
	"cans/internal/domain"
	"cans/internal/protocol/ratchet"
	"cans/internal/protocol/x3dh"
)

var (
	confirmInit     = []byte("cans-handshake-init")
	confirmResponse = []byte("cans-handshake-response")
)

// Handshake is the handshake-init payload.
type Handshake struct {
	PreKey    domain.PreKeyMessage `json:"prekey"`
	Signature []byte               `json:"sig"`
	Message   Message              `json:"msg"`
}

// Message is one ratchet-encrypted payload.
type Message struct {
	Header domain.RatchetHeader `json:"h"`
	Cipher []byte               `json:"c"`
}

// X3DHRatchet implements domain.Primitive for one local identity.
type X3DHRatchet struct {
	id      domain.Identity
	keys    domain.PreKeyStore
	prekeys domain.PreKeyService
}

// New returns a primitive bound to id. keys supplies the private halves of
// published pre-keys; prekeys generates new bundles.
func New(id domain.Identity, keys domain.PreKeyStore, prekeys domain.PreKeyService) *X3DHRatchet {
	return &X3DHRatchet{id: id, keys: keys, prekeys: prekeys}
}

// GeneratePreKeyBundle rotates the signed pre-key, adds count one-time
// pre-keys and returns the bundle to publish.
func (p *X3DHRatchet) GeneratePreKeyBundle(count int) (domain.PreKeyBundle, error) {
	return p.prekeys.GenerateAndStorePreKeys(count)
}

// Initiate starts a session with the owner of bundle.
func (p *X3DHRatchet) Initiate(bundle domain.PreKeyBundle) ([]byte, *domain.RatchetState, error) {
	root, spkID, opkID, eph, err := x3dh.InitiatorRoot(p.id, bundle)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", domain.ErrAuthenticationFailed, err)
	}
	pm := domain.PreKeyMessage{
		InitiatorIdentityKey: p.id.XPub,
		InitiatorSigningKey:  p.id.EdPub,
		EphemeralKey:         eph,
		SignedPreKeyID:       spkID,
		OneTimePreKeyID:      opkID,
	}

	st, err := ratchet.InitAsInitiator(root, bundle.SignedPreKey)
	if err != nil {
		return nil, nil, err
	}
	st.AssociatedData = associatedData(p.id.XPub, bundle.IdentityKey)
	st.PeerSigningKey = bundle.SigningKey

	h, ct, err := ratchet.Encrypt(st, st.AssociatedData, confirmInit)
	if err != nil {
		return nil, nil, err
	}
	out, err := codec.Marshal(Handshake{
		PreKey:    pm,
		Signature: x3dh.SignTranscript(p.id, pm, bundle.IdentityKey),
		Message:   Message{Header: h, Cipher: ct},
	})
	if err != nil {
		return nil, nil, err
	}
	return out, st, nil
}

// Respond completes a handshake started by a peer and returns the response
// payload plus the new session state.
func (p *X3DHRatchet) Respond(handshake []byte) ([]byte, *domain.RatchetState, error) {
	var hs Handshake
	if err := codec.Unmarshal(handshake, &hs); err != nil {
		return nil, nil, err
	}
	pm := hs.PreKey
	if err := x3dh.VerifyTranscript(pm, p.id.XPub, hs.Signature); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", domain.ErrAuthenticationFailed, err)
	}

	spkPriv, spkPub, _, ok, err := p.keys.LoadSignedPreKey(pm.SignedPreKeyID)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, fmt.Errorf("%w: unknown signed pre-key %q", domain.ErrAuthenticationFailed, pm.SignedPreKeyID)
	}
	var opk *domain.X25519Private
	if pm.OneTimePreKeyID != "" {
		priv, _, ok, err := p.keys.LoadOneTimePreKey(pm.OneTimePreKeyID)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			return nil, nil, fmt.Errorf("%w: one-time pre-key %q already used", domain.ErrAuthenticationFailed, pm.OneTimePreKeyID)
		}
		opk = &priv
	}

	root, err := x3dh.ResponderRoot(p.id, spkPriv, opk, pm)
	if err != nil {
		return nil, nil, err
	}
	st := ratchet.InitAsResponder(root, spkPriv, spkPub)
	st.AssociatedData = associatedData(pm.InitiatorIdentityKey, p.id.XPub)
	st.PeerSigningKey = pm.InitiatorSigningKey

	pt, err := ratchet.Decrypt(st, st.AssociatedData, hs.Message.Header, hs.Message.Cipher)
	if err != nil || !bytes.Equal(pt, confirmInit) {
		return nil, nil, fmt.Errorf("%w: handshake confirmation failed", domain.ErrAuthenticationFailed)
	}
	// The one-time pre-key is spent only by a handshake that checked out.
	if opk != nil {
		_, _, ok, err := p.keys.ConsumeOneTimePreKey(pm.OneTimePreKeyID)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			return nil, nil, fmt.Errorf("%w: one-time pre-key %q already used", domain.ErrAuthenticationFailed, pm.OneTimePreKeyID)
		}
	}

	resp, err := p.Encrypt(st, confirmResponse)
	if err != nil {
		return nil, nil, err
	}
	return resp, st, nil
}

// Encrypt seals plaintext under st and returns the wire payload.
func (p *X3DHRatchet) Encrypt(st *domain.RatchetState, plaintext []byte) ([]byte, error) {
	h, ct, err := ratchet.Encrypt(st, st.AssociatedData, plaintext)
	if err != nil {
		return nil, err
	}
	return codec.Marshal(Message{Header: h, Cipher: ct})
}

// Decrypt opens a payload produced by Encrypt. st is unchanged on failure.
func (p *X3DHRatchet) Decrypt(st *domain.RatchetState, ciphertext []byte) ([]byte, error) {
	var m Message
	if err := codec.Unmarshal(ciphertext, &m); err != nil {
		return nil, err
	}
	return ratchet.Decrypt(st, st.AssociatedData, m.Header, m.Cipher)
}

func associatedData(initiator, responder domain.X25519Public) []byte {
	ad := make([]byte, 0, 64)
	ad = append(ad, initiator[:]...)
	return append(ad, responder[:]...)
}

// Compile-time assertion that X3DHRatchet implements domain.Primitive.
var _ domain.Primitive = (*X3DHRatchet)(nil)
