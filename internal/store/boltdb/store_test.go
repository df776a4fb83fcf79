package boltdb_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cans/internal/domain"
	"cans/internal/store/boltdb"
)

func open(t *testing.T, path string) *boltdb.Store {
	t.Helper()
	s, err := boltdb.Open(path)
	require.NoError(t, err)
	return s
}

func env(from, to domain.UserID, seq uint64) domain.Envelope {
	return domain.Envelope{Sender: from, Recipient: to, Kind: domain.KindMessage, Sequence: seq, Payload: []byte("body")}
}

func TestMailbox_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.db")
	s := open(t, path)

	for _, seq := range []uint64{2, 1} {
		added, err := s.Append(env("alice", "bob", seq))
		require.NoError(t, err)
		assert.True(t, added)
	}
	added, err := s.Append(env("alice", "bob", 2))
	require.NoError(t, err)
	assert.False(t, added)
	require.NoError(t, s.Close())

	s = open(t, path)
	defer s.Close()
	q, err := s.Pending("bob")
	require.NoError(t, err)
	require.Len(t, q, 2)
	assert.Equal(t, uint64(2), q[0].Sequence)
	assert.Equal(t, uint64(1), q[1].Sequence)
	assert.Equal(t, []byte("body"), q[0].Payload)

	require.NoError(t, s.Remove("bob", q[0].Key(), nil))
	require.NoError(t, s.Remove("bob", q[0].Key(), nil), "removing twice is harmless")
	q, err = s.Pending("bob")
	require.NoError(t, err)
	require.Len(t, q, 1)

	require.NoError(t, s.Remove("bob", q[0].Key(), nil))
	ids, err := s.Recipients()
	require.NoError(t, err)
	assert.Empty(t, ids)

	// A removed key may be queued again.
	added, err = s.Append(env("alice", "bob", 2))
	require.NoError(t, err)
	assert.True(t, added)
}

func TestMailbox_ReplacesDifferentPayload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.db")
	s := open(t, path)

	old := env("alice", "bob", 5)
	old.Payload = []byte("old-chain")
	_, _ = s.Append(old)
	_, _ = s.Append(env("alice", "bob", 6))

	fresh := old
	fresh.Payload = []byte("new-chain")
	added, err := s.Append(fresh)
	require.NoError(t, err)
	assert.True(t, added)
	added, err = s.Append(fresh)
	require.NoError(t, err)
	assert.False(t, added)

	require.NoError(t, s.Remove("bob", old.Key(), old.Digest()))
	require.NoError(t, s.Close())

	s = open(t, path)
	defer s.Close()
	q, err := s.Pending("bob")
	require.NoError(t, err)
	require.Len(t, q, 2)
	assert.Equal(t, uint64(6), q[0].Sequence)
	assert.Equal(t, []byte("new-chain"), q[1].Payload)

	require.NoError(t, s.Remove("bob", fresh.Key(), fresh.Digest()))
	q, err = s.Pending("bob")
	require.NoError(t, err)
	require.Len(t, q, 1)
	assert.Equal(t, uint64(6), q[0].Sequence)
}

func TestMailbox_LoadEmptiesAndSaveRestores(t *testing.T) {
	s := open(t, filepath.Join(t.TempDir(), "relay.db"))
	defer s.Close()

	_, _ = s.Append(env("alice", "bob", 1))
	_, _ = s.Append(env("alice", "carol", 1))

	all, err := s.LoadMailbox()
	require.NoError(t, err)
	assert.Len(t, all, 2)
	ids, err := s.Recipients()
	require.NoError(t, err)
	assert.Empty(t, ids)

	require.NoError(t, s.SaveMailbox(all))
	ids, err = s.Recipients()
	require.NoError(t, err)
	assert.Equal(t, []domain.UserID{"bob", "carol"}, ids)
}

func TestFriends_RoundTripWithNotice(t *testing.T) {
	s := open(t, filepath.Join(t.TempDir(), "relay.db"))
	defer s.Close()

	f, err := s.Friendship("bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.FriendNone, f.State)

	n := env("bob", "alice", 7)
	n.Kind = domain.KindFriendRequest
	f.State = domain.FriendRequested
	f.Requester = "bob"
	f.Notice = &n
	f.Updated = time.Now()
	require.NoError(t, s.PutFriendship(f))

	got, err := s.Friendship("alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, domain.FriendRequested, got.State)
	assert.Equal(t, domain.UserID("bob"), got.Requester)
	require.NotNil(t, got.Notice)
	assert.Equal(t, n.Key(), got.Notice.Key())

	pending, err := s.PendingNotices("bob")
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	got.State = domain.FriendAccepted
	got.Notice = nil
	require.NoError(t, s.PutFriendship(got))
	friends, err := s.Friends("alice")
	require.NoError(t, err)
	assert.Equal(t, []domain.UserID{"bob"}, friends)

	require.NoError(t, s.DeleteFriendship("alice", "bob"))
	friends, err = s.Friends("alice")
	require.NoError(t, err)
	assert.Empty(t, friends)
}

func TestDirectory_ConsumeSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.db")
	s := open(t, path)

	_, err := s.PeekBundle("alice")
	require.ErrorIs(t, err, domain.ErrNoPreKeys)

	held, err := s.PutBundle(domain.PreKeyBundle{
		UserID:         "alice",
		SignedPreKeyID: "spk1",
		OneTimePreKeys: []domain.OneTimePreKeyPublic{{ID: "a"}, {ID: "b"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, held)
	first, err := s.PeekBundle("alice")
	require.NoError(t, err)
	require.Len(t, first.OneTimePreKeys, 1)
	assert.Equal(t, domain.OneTimePreKeyID("a"), first.OneTimePreKeys[0].ID)
	left, err := s.ConsumeOneTimePreKey("alice", "a")
	require.NoError(t, err)
	assert.Equal(t, 1, left)
	require.NoError(t, s.Close())

	// A refreshed signed pre-key keeps the remaining one-time keys.
	s = open(t, path)
	defer s.Close()
	held, err = s.PutBundle(domain.PreKeyBundle{UserID: "alice", SignedPreKeyID: "spk2"})
	require.NoError(t, err)
	assert.Equal(t, 1, held)
	second, err := s.PeekBundle("alice")
	require.NoError(t, err)
	assert.Equal(t, domain.SignedPreKeyID("spk2"), second.SignedPreKeyID)
	require.Len(t, second.OneTimePreKeys, 1)
	assert.Equal(t, domain.OneTimePreKeyID("b"), second.OneTimePreKeys[0].ID)
	left, err = s.ConsumeOneTimePreKey("alice", "b")
	require.NoError(t, err)
	assert.Equal(t, 0, left)
}
