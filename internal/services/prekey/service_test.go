package prekey_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cans/internal/crypto"
	"cans/internal/domain"
	"cans/internal/protocol/x3dh"
	"cans/internal/services/prekey"
	"cans/internal/store"
)

func newIdentity(t *testing.T) domain.Identity {
	t.Helper()
	xPriv, xPub, err := crypto.GenerateX25519()
	require.NoError(t, err)
	edPriv, edPub, err := crypto.GenerateEd25519()
	require.NoError(t, err)
	return domain.Identity{XPub: xPub, XPriv: xPriv, EdPub: edPub, EdPriv: edPriv}
}

func TestGenerateAndStorePreKeys_SignedBundle(t *testing.T) {
	id := newIdentity(t)
	svc := prekey.New(id, store.NewPrekeyFileStore(t.TempDir()))

	b, err := svc.GenerateAndStorePreKeys(5)
	require.NoError(t, err)
	assert.Equal(t, crypto.UserID(id.EdPub), b.UserID)
	assert.Len(t, b.OneTimePreKeys, 5)
	assert.True(t, x3dh.VerifySPK(b.SigningKey, b.SignedPreKey, b.SignedPreKeySignature))
}

func TestAddOneTimePreKeys_Accumulate(t *testing.T) {
	svc := prekey.New(newIdentity(t), store.NewPrekeyFileStore(t.TempDir()))

	_, err := svc.GenerateAndStorePreKeys(2)
	require.NoError(t, err)
	added, err := svc.AddOneTimePreKeys(3)
	require.NoError(t, err)
	assert.Len(t, added, 3)

	b, err := svc.CurrentBundle()
	require.NoError(t, err)
	assert.Len(t, b.OneTimePreKeys, 5)
}

func TestCurrentBundle_WithoutSignedPreKeyFails(t *testing.T) {
	svc := prekey.New(newIdentity(t), store.NewPrekeyFileStore(t.TempDir()))
	_, err := svc.CurrentBundle()
	assert.Error(t, err)
}
