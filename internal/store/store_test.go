package store_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cans/internal/domain"
	"cans/internal/store"
)

var fastScrypt = store.ScryptParams{N: 1 << 10, R: 8, P: 1}

func TestIdentity_SaveLoad_OK(t *testing.T) {
	var ids domain.IdentityStore = store.NewIdentityFileStore(t.TempDir())

	id := domain.Identity{
		XPub:   domain.X25519Public{1},
		XPriv:  domain.X25519Private{2},
		EdPub:  domain.Ed25519Public{3},
		EdPriv: domain.Ed25519Private{4},
	}
	require.NoError(t, ids.SaveIdentity("pass", id))

	got, err := ids.LoadIdentity("pass")
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestIdentity_WrongPassphrase_Fails(t *testing.T) {
	ids := store.NewIdentityFileStore(t.TempDir())

	id := domain.Identity{XPub: domain.X25519Public{1}, XPriv: domain.X25519Private{2}}
	require.NoError(t, ids.SaveIdentity("correct", id))

	_, err := ids.LoadIdentity("wrong")
	assert.Error(t, err)
}

func TestIdentity_MissingFile(t *testing.T) {
	ids := store.NewIdentityFileStore(t.TempDir())
	assert.False(t, ids.Exists())

	_, err := ids.LoadIdentity("pass")
	assert.ErrorIs(t, err, store.ErrNoIdentity)
}

func TestPrekey_ConsumeOnce(t *testing.T) {
	ps := store.NewPrekeyFileStore(t.TempDir())

	pair := domain.OneTimePreKeyPair{ID: "opk-1", Priv: domain.X25519Private{7}, Pub: domain.X25519Public{8}}
	require.NoError(t, ps.SaveOneTimePreKeys([]domain.OneTimePreKeyPair{pair}))

	priv, _, ok, err := ps.LoadOneTimePreKey("opk-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, pair.Priv, priv, "loading leaves the key in place")

	priv, pub, ok, err := ps.ConsumeOneTimePreKey("opk-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, pair.Priv, priv)
	assert.Equal(t, pair.Pub, pub)

	_, _, ok, err = ps.ConsumeOneTimePreKey("opk-1")
	require.NoError(t, err)
	assert.False(t, ok)
	_, _, ok, err = ps.LoadOneTimePreKey("opk-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPrekey_CurrentSignedPreKey(t *testing.T) {
	ps := store.NewPrekeyFileStore(t.TempDir())

	_, ok, err := ps.CurrentSignedPreKeyID()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, ps.SaveSignedPreKey("spk-1", domain.X25519Private{1}, domain.X25519Public{2}, []byte("sig")))
	require.NoError(t, ps.SetCurrentSignedPreKeyID("spk-1"))

	id, ok, err := ps.CurrentSignedPreKeyID()
	require.NoError(t, err)
	require.True(t, ok)
	_, pub, sig, found, err := ps.LoadSignedPreKey(id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, domain.X25519Public{2}, pub)
	assert.Equal(t, []byte("sig"), sig)
}

func TestSealer_BindsAssociatedData(t *testing.T) {
	salt, err := store.NewSalt()
	require.NoError(t, err)
	s, err := store.NewSealer("pass", salt, fastScrypt)
	require.NoError(t, err)

	sealed, err := s.Seal([]byte("session/alice"), []byte("secret"))
	require.NoError(t, err)

	pt, err := s.Open([]byte("session/alice"), sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), pt)

	_, err = s.Open([]byte("session/bob"), sealed)
	assert.Error(t, err)

	other, err := store.NewSealer("other", salt, fastScrypt)
	require.NoError(t, err)
	_, err = other.Open([]byte("session/alice"), sealed)
	assert.Error(t, err)
}
