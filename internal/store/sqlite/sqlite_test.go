package sqlite_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cans/internal/domain"
	"cans/internal/store"
	"cans/internal/store/sqlite"
)

var fastScrypt = store.ScryptParams{N: 1 << 10, R: 8, P: 1}

func open(t *testing.T, path, pass string) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(path, pass, fastScrypt)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSession_SaveLoadDelete(t *testing.T) {
	s := open(t, filepath.Join(t.TempDir(), "local.db"), "pass")

	rec := domain.SessionRecord{
		Peer:         "bob",
		State:        domain.SessionEstablished,
		LastSequence: 7,
		Ratchet:      &domain.RatchetState{RootKey: []byte{1, 2, 3}},
		Unacked:      []domain.OutboundMessage{{Sequence: 7, Plaintext: []byte("hi")}},
	}
	require.NoError(t, s.SaveSession(rec))

	got, ok, err := s.LoadSession("bob")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.SessionEstablished, got.State)
	assert.Equal(t, uint64(7), got.LastSequence)
	assert.Equal(t, []byte{1, 2, 3}, got.Ratchet.RootKey)
	assert.Equal(t, rec.Unacked, got.Unacked)

	require.NoError(t, s.DeleteSession("bob"))
	_, ok, err = s.LoadSession("bob")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHistory_OrderAndLimit(t *testing.T) {
	s := open(t, filepath.Join(t.TempDir(), "local.db"), "pass")

	now := time.Now()
	for i := 1; i <= 5; i++ {
		require.NoError(t, s.AppendHistory(domain.HistoryEntry{
			Peer: "bob", Sequence: uint64(i), Body: []byte{byte(i)}, Timestamp: now,
		}))
	}
	require.NoError(t, s.AppendHistory(domain.HistoryEntry{Peer: "carol", Sequence: 1, Timestamp: now}))

	last, err := s.History("bob", 2)
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.Equal(t, uint64(4), last[0].Sequence)
	assert.Equal(t, uint64(5), last[1].Sequence)

	all, err := s.History("bob", 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestContacts_List(t *testing.T) {
	s := open(t, filepath.Join(t.TempDir(), "local.db"), "pass")

	require.NoError(t, s.SaveContact(domain.Contact{Peer: "carol", State: domain.FriendRequested}))
	require.NoError(t, s.SaveContact(domain.Contact{Peer: "bob", State: domain.FriendAccepted}))
	require.NoError(t, s.SaveContact(domain.Contact{Peer: "carol", State: domain.FriendAccepted}))

	cs, err := s.Contacts()
	require.NoError(t, err)
	require.Len(t, cs, 2)
	assert.Equal(t, domain.UserID("bob"), cs[0].Peer)
	assert.Equal(t, domain.FriendAccepted, cs[1].State)
}

func TestOpen_WrongPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "local.db")
	s, err := sqlite.Open(path, "right", fastScrypt)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = sqlite.Open(path, "wrong", fastScrypt)
	assert.ErrorIs(t, err, sqlite.ErrWrongPassphrase)

	s, err = sqlite.Open(path, "right", fastScrypt)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}
