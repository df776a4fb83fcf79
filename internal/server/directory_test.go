package server_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cans/internal/codec"
	"cans/internal/crypto"
	"cans/internal/domain"
)

func signedBundle(t *testing.T, opks ...domain.OneTimePreKeyID) domain.PreKeyBundle {
	t.Helper()
	edPriv, edPub, err := crypto.GenerateEd25519()
	require.NoError(t, err)
	_, spk, err := crypto.GenerateX25519()
	require.NoError(t, err)
	b := domain.PreKeyBundle{
		UserID:                crypto.UserID(edPub),
		SigningKey:            edPub,
		SignedPreKeyID:        "spk-1",
		SignedPreKey:          spk,
		SignedPreKeySignature: crypto.SignEd25519(edPriv, spk.Slice()),
	}
	for _, id := range opks {
		_, pub, err := crypto.GenerateX25519()
		require.NoError(t, err)
		b.OneTimePreKeys = append(b.OneTimePreKeys, domain.OneTimePreKeyPublic{ID: id, Pub: pub})
	}
	return b
}

func TestDirectory_PublishAndFetch(t *testing.T) {
	r := newCore(t, time.Second)
	bundle := signedBundle(t, "o1", "o2", "o3")
	owner := r.connect(bundle.UserID)
	r.route(t, owner, control(t, bundle.UserID, domain.RelayID, domain.KindPreKeyPublish, 1, bundle))
	assert.Empty(t, owner.ofKind(domain.KindError))

	alice := r.connect("alice")
	r.route(t, alice, domain.Envelope{Sender: "alice", Recipient: bundle.UserID, Kind: domain.KindPreKeyRequest, Sequence: 41})
	denied := alice.ofKind(domain.KindError)
	require.Len(t, denied, 1)
	assert.Equal(t, "policy_denied", errorCode(t, denied[0]))
	assert.Equal(t, uint64(41), denied[0].Sequence)

	r.befriend(t, "alice", bundle.UserID)
	var handed []domain.OneTimePreKeyID
	for seq := uint64(42); seq < 44; seq++ {
		r.route(t, alice, domain.Envelope{Sender: "alice", Recipient: bundle.UserID, Kind: domain.KindPreKeyRequest, Sequence: seq})
	}
	replies := alice.ofKind(domain.KindPreKeyBundle)
	require.Len(t, replies, 2)
	for i, env := range replies {
		assert.Equal(t, uint64(42+i), env.Sequence, "reply echoes the request sequence")
		var got domain.PreKeyBundle
		require.NoError(t, codec.Unmarshal(env.Payload, &got))
		require.Len(t, got.OneTimePreKeys, 1)
		assert.Equal(t, bundle.SignedPreKey, got.SignedPreKey)
		handed = append(handed, got.OneTimePreKeys[0].ID)
	}
	assert.Equal(t, []domain.OneTimePreKeyID{"o1", "o2"}, handed)

	// One key left, below the minimum of two: the owner is asked for more.
	asks := owner.ofKind(domain.KindPreKeyReplenish)
	require.Len(t, asks, 1)
	var rep domain.Replenish
	require.NoError(t, codec.Unmarshal(asks[0].Payload, &rep))
	assert.Equal(t, 3, rep.Count)
}

func TestDirectory_UndeliveredReplyKeepsOneTimePreKey(t *testing.T) {
	r := newCore(t, time.Second)
	bundle := signedBundle(t, "o1", "o2")
	owner := r.connect(bundle.UserID)
	r.route(t, owner, control(t, bundle.UserID, domain.RelayID, domain.KindPreKeyPublish, 1, bundle))
	r.befriend(t, "alice", bundle.UserID)

	gone := r.connect("alice")
	gone.Close(0, "")
	r.route(t, gone, domain.Envelope{Sender: "alice", Recipient: bundle.UserID, Kind: domain.KindPreKeyRequest, Sequence: 1})

	held, err := r.store.PeekBundle(bundle.UserID)
	require.NoError(t, err)
	require.Len(t, held.OneTimePreKeys, 1)
	assert.Equal(t, domain.OneTimePreKeyID("o1"), held.OneTimePreKeys[0].ID, "the key stays with the directory")

	alice := r.connect("alice")
	r.route(t, alice, domain.Envelope{Sender: "alice", Recipient: bundle.UserID, Kind: domain.KindPreKeyRequest, Sequence: 2})
	replies := alice.ofKind(domain.KindPreKeyBundle)
	require.Len(t, replies, 1)
	var got domain.PreKeyBundle
	require.NoError(t, codec.Unmarshal(replies[0].Payload, &got))
	require.Len(t, got.OneTimePreKeys, 1)
	assert.Equal(t, domain.OneTimePreKeyID("o1"), got.OneTimePreKeys[0].ID)

	held, err = r.store.PeekBundle(bundle.UserID)
	require.NoError(t, err)
	require.Len(t, held.OneTimePreKeys, 1)
	assert.Equal(t, domain.OneTimePreKeyID("o2"), held.OneTimePreKeys[0].ID)
}

func TestDirectory_RejectsForeignOrForgedBundles(t *testing.T) {
	r := newCore(t, time.Second)
	bundle := signedBundle(t, "o1")
	mallory := r.connect("mallory")
	r.route(t, mallory, control(t, "mallory", domain.RelayID, domain.KindPreKeyPublish, 1, bundle))

	owner := r.connect(bundle.UserID)
	forged := bundle
	forged.SignedPreKeySignature = append([]byte(nil), bundle.SignedPreKeySignature...)
	forged.SignedPreKeySignature[0] ^= 0xFF
	r.route(t, owner, control(t, bundle.UserID, domain.RelayID, domain.KindPreKeyPublish, 2, forged))

	require.Len(t, mallory.ofKind(domain.KindError), 1)
	assert.Equal(t, "policy_denied", errorCode(t, mallory.ofKind(domain.KindError)[0]))
	require.Len(t, owner.ofKind(domain.KindError), 1)
	assert.Equal(t, "malformed_envelope", errorCode(t, owner.ofKind(domain.KindError)[0]))

	_, err := r.store.PeekBundle(bundle.UserID)
	assert.ErrorIs(t, err, domain.ErrNoPreKeys)
}

func TestDirectory_UnpublishedOwner(t *testing.T) {
	r := newCore(t, time.Second)
	r.befriend(t, "alice", "bob")
	alice := r.connect("alice")
	r.route(t, alice, domain.Envelope{Sender: "alice", Recipient: "bob", Kind: domain.KindPreKeyRequest, Sequence: 1})
	notices := alice.ofKind(domain.KindError)
	require.Len(t, notices, 1)
	assert.Equal(t, "no_prekeys", errorCode(t, notices[0]))
}

func TestDirectory_LowPublishAsksForMore(t *testing.T) {
	r := newCore(t, time.Second)
	bundle := signedBundle(t)
	owner := r.connect(bundle.UserID)
	r.route(t, owner, control(t, bundle.UserID, domain.RelayID, domain.KindPreKeyPublish, 1, bundle))
	require.Len(t, owner.ofKind(domain.KindPreKeyReplenish), 1)
}
