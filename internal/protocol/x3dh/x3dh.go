package x3dh

import (
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"

	"cans/internal/crypto"
	"cans/internal/domain"
	"cans/internal/util/memzero"
)

const (
	rootKeySize = 32
	kdfInfo     = "cans-x3dh"
	transcriptV = "cans-x3dh-v1"
)

var (
	// ErrBadSPK is returned when the signed pre-key signature does not verify.
	ErrBadSPK = errors.New("x3dh: signed pre-key signature invalid")
	// ErrBadTranscript is returned when the initiator's signature does not verify.
	ErrBadTranscript = errors.New("x3dh: initiator transcript signature invalid")
)

// InitiatorRoot verifies the responder's bundle and derives the root key.
//
// It consumes at most the first one-time pre-key in the bundle and returns
// the identifiers used plus the initiator's ephemeral public key, which the
// responder needs to mirror the computation.
func InitiatorRoot(
	id domain.Identity,
	bundle domain.PreKeyBundle,
) (
	root []byte,
	spkID domain.SignedPreKeyID,
	opkID domain.OneTimePreKeyID,
	ephPub domain.X25519Public,
	err error,
) {
	if !VerifySPK(bundle.SigningKey, bundle.SignedPreKey, bundle.SignedPreKeySignature) {
		return nil, "", "", ephPub, ErrBadSPK
	}

	ephPriv, ephPub, err := crypto.GenerateX25519()
	if err != nil {
		return nil, "", "", ephPub, err
	}
	defer memzero.Zero(ephPriv[:])

	var opk *domain.X25519Public
	if len(bundle.OneTimePreKeys) > 0 {
		opk = &bundle.OneTimePreKeys[0].Pub
		opkID = bundle.OneTimePreKeys[0].ID
	}

	root, err = InitiatorRootKey(id.XPriv, ephPriv, bundle.IdentityKey, bundle.SignedPreKey, opk)
	if err != nil {
		return nil, "", "", ephPub, err
	}
	return root, bundle.SignedPreKeyID, opkID, ephPub, nil
}

// InitiatorRootKey derives the root key for the initiator using X3DH.
func InitiatorRootKey(
	ourIDPriv domain.X25519Private,
	ourEphPriv domain.X25519Private,
	peerIDPub domain.X25519Public,
	peerSPK domain.X25519Public,
	peerOPK *domain.X25519Public,
) ([]byte, error) {
	pairs := []dhPair{
		{ourIDPriv, peerSPK},    // DH(IKA, SPKB)
		{ourEphPriv, peerIDPub}, // DH(EKA, IKB)
		{ourEphPriv, peerSPK},   // DH(EKA, SPKB)
	}
	if peerOPK != nil {
		pairs = append(pairs, dhPair{ourEphPriv, *peerOPK}) // DH(EKA, OPKB)
	}
	return deriveRoot(pairs)
}

// ResponderRoot mirrors InitiatorRoot using the responder's private keys.
// opkPriv is nil when the initiator did not use a one-time pre-key.
func ResponderRoot(
	id domain.Identity,
	spkPriv domain.X25519Private,
	opkPriv *domain.X25519Private,
	pm domain.PreKeyMessage,
) ([]byte, error) {
	pairs := []dhPair{
		{spkPriv, pm.InitiatorIdentityKey}, // DH(SPKB, IKA)
		{id.XPriv, pm.EphemeralKey},        // DH(IKB, EKA)
		{spkPriv, pm.EphemeralKey},         // DH(SPKB, EKA)
	}
	if opkPriv != nil {
		pairs = append(pairs, dhPair{*opkPriv, pm.EphemeralKey}) // DH(OPKB, EKA)
	}
	return deriveRoot(pairs)
}

// VerifySPK checks the signed prekey signature.
func VerifySPK(edPub domain.Ed25519Public, spk domain.X25519Public, sig []byte) bool {
	return crypto.VerifyEd25519(edPub, spk.Slice(), sig)
}

// Transcript is the byte string the initiator signs so the responder can
// authenticate who started the handshake.
func Transcript(pm domain.PreKeyMessage, responderIK domain.X25519Public) []byte {
	out := make([]byte, 0, len(transcriptV)+32*4+len(pm.SignedPreKeyID)+len(pm.OneTimePreKeyID)+2)
	out = append(out, transcriptV...)
	out = append(out, pm.InitiatorIdentityKey[:]...)
	out = append(out, pm.InitiatorSigningKey[:]...)
	out = append(out, pm.EphemeralKey[:]...)
	out = append(out, pm.SignedPreKeyID...)
	out = append(out, 0)
	out = append(out, pm.OneTimePreKeyID...)
	out = append(out, 0)
	return append(out, responderIK[:]...)
}

// SignTranscript signs Transcript(pm, responderIK) with the initiator's key.
func SignTranscript(id domain.Identity, pm domain.PreKeyMessage, responderIK domain.X25519Public) []byte {
	return crypto.SignEd25519(id.EdPriv, Transcript(pm, responderIK))
}

// VerifyTranscript checks a signature produced by SignTranscript.
func VerifyTranscript(pm domain.PreKeyMessage, responderIK domain.X25519Public, sig []byte) error {
	if !crypto.VerifyEd25519(pm.InitiatorSigningKey, Transcript(pm, responderIK), sig) {
		return ErrBadTranscript
	}
	return nil
}

type dhPair struct {
	priv domain.X25519Private
	pub  domain.X25519Public
}

func deriveRoot(pairs []dhPair) ([]byte, error) {
	// 32 0xFF bytes keep the KDF input distinct from any single DH output.
	ikm := make([]byte, 32, 32*(len(pairs)+1))
	for i := range ikm {
		ikm[i] = 0xFF
	}
	for _, p := range pairs {
		shared, err := crypto.DH(p.priv, p.pub)
		if err != nil {
			memzero.Zero(ikm)
			return nil, err
		}
		ikm = append(ikm, shared[:]...)
		memzero.Zero(shared[:])
	}
	defer memzero.Zero(ikm)

	root := make([]byte, rootKeySize)
	r := hkdf.New(sha256.New, ikm, make([]byte, sha256.Size), []byte(kdfInfo))
	if _, err := io.ReadFull(r, root); err != nil {
		return nil, err
	}
	return root, nil
}
