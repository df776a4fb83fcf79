package memory_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cans/internal/domain"
	"cans/internal/store/memory"
)

func env(from, to domain.UserID, seq uint64) domain.Envelope {
	return domain.Envelope{Sender: from, Recipient: to, Kind: domain.KindMessage, Sequence: seq, Payload: []byte{byte(seq)}}
}

func TestMailbox_AppendDedupsAndKeepsOrder(t *testing.T) {
	s := memory.New()

	for _, seq := range []uint64{3, 1, 2} {
		added, err := s.Append(env("alice", "bob", seq))
		require.NoError(t, err)
		assert.True(t, added)
	}
	added, err := s.Append(env("alice", "bob", 1))
	require.NoError(t, err)
	assert.False(t, added, "same key is queued once")

	q, err := s.Pending("bob")
	require.NoError(t, err)
	require.Len(t, q, 3)
	assert.Equal(t, []uint64{3, 1, 2}, []uint64{q[0].Sequence, q[1].Sequence, q[2].Sequence})

	require.NoError(t, s.Remove("bob", q[1].Key(), nil))
	q, err = s.Pending("bob")
	require.NoError(t, err)
	assert.Len(t, q, 2)

	ids, err := s.Recipients()
	require.NoError(t, err)
	assert.Equal(t, []domain.UserID{"bob"}, ids)

	require.NoError(t, s.Remove("bob", q[0].Key(), nil))
	require.NoError(t, s.Remove("bob", q[1].Key(), nil))
	ids, err = s.Recipients()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestMailbox_ReplacesDifferentPayload(t *testing.T) {
	s := memory.New()
	old := env("alice", "bob", 5)
	old.Payload = []byte("old-chain")
	_, _ = s.Append(old)
	_, _ = s.Append(env("alice", "bob", 6))

	fresh := old
	fresh.Payload = []byte("new-chain")
	added, err := s.Append(fresh)
	require.NoError(t, err)
	assert.True(t, added)

	q, err := s.Pending("bob")
	require.NoError(t, err)
	require.Len(t, q, 2)
	assert.Equal(t, uint64(6), q[0].Sequence)
	assert.Equal(t, []byte("new-chain"), q[1].Payload, "replacement queues as a new arrival")

	require.NoError(t, s.Remove("bob", old.Key(), old.Digest()))
	q, _ = s.Pending("bob")
	assert.Len(t, q, 2, "an ack for the replaced payload leaves the new one queued")

	require.NoError(t, s.Remove("bob", fresh.Key(), fresh.Digest()))
	q, _ = s.Pending("bob")
	require.Len(t, q, 1)
	assert.Equal(t, uint64(6), q[0].Sequence)
}

func TestMailbox_SnapshotGroupsByRecipient(t *testing.T) {
	s := memory.New()
	_, _ = s.Append(env("alice", "carol", 1))
	_, _ = s.Append(env("alice", "bob", 2))
	_, _ = s.Append(env("carol", "bob", 1))

	snap := s.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, domain.UserID("bob"), snap[0].Recipient)
	assert.Equal(t, domain.UserID("bob"), snap[1].Recipient)
	assert.Equal(t, domain.UserID("carol"), snap[2].Recipient)
}

func TestFriends_PairIsUnordered(t *testing.T) {
	s := memory.New()

	f, err := s.Friendship("zed", "amy")
	require.NoError(t, err)
	assert.Equal(t, domain.FriendNone, f.State)
	assert.Equal(t, domain.UserID("amy"), f.A)

	f.State = domain.FriendAccepted
	require.NoError(t, s.PutFriendship(f))

	got, err := s.Friendship("amy", "zed")
	require.NoError(t, err)
	assert.Equal(t, domain.FriendAccepted, got.State)

	friends, err := s.Friends("zed")
	require.NoError(t, err)
	assert.Equal(t, []domain.UserID{"amy"}, friends)

	require.NoError(t, s.DeleteFriendship("zed", "amy"))
	friends, err = s.Friends("zed")
	require.NoError(t, err)
	assert.Empty(t, friends)
}

func TestFriends_PendingNoticesBySender(t *testing.T) {
	s := memory.New()
	now := time.Now()

	for i, peer := range []domain.UserID{"bob", "carol"} {
		f := domain.NewFriendship("alice", peer)
		f.State = domain.FriendRequested
		f.Requester = "alice"
		n := env("alice", peer, uint64(i+1))
		n.Kind = domain.KindFriendRequest
		f.Notice = &n
		f.Updated = now.Add(time.Duration(-i) * time.Minute)
		require.NoError(t, s.PutFriendship(f))
	}

	got, err := s.PendingNotices("alice")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, domain.UserID("carol"), got[0].Notice.Recipient, "oldest first")

	got, err = s.PendingNotices("bob")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDirectory_PeekThenConsume(t *testing.T) {
	s := memory.New()

	_, err := s.PeekBundle("alice")
	require.ErrorIs(t, err, domain.ErrNoPreKeys)
	_, err = s.ConsumeOneTimePreKey("alice", "a")
	require.ErrorIs(t, err, domain.ErrNoPreKeys)

	b := domain.PreKeyBundle{UserID: "alice", SignedPreKeyID: "spk1", OneTimePreKeys: []domain.OneTimePreKeyPublic{{ID: "a"}, {ID: "b"}}}
	held, err := s.PutBundle(b)
	require.NoError(t, err)
	assert.Equal(t, 2, held)
	held, err = s.PutBundle(b)
	require.NoError(t, err)
	assert.Equal(t, 2, held, "re-publishing known keys adds nothing")

	first, err := s.PeekBundle("alice")
	require.NoError(t, err)
	require.Len(t, first.OneTimePreKeys, 1)
	again, err := s.PeekBundle("alice")
	require.NoError(t, err)
	assert.Equal(t, first.OneTimePreKeys, again.OneTimePreKeys, "peeking consumes nothing")

	left, err := s.ConsumeOneTimePreKey("alice", first.OneTimePreKeys[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 1, left)
	second, err := s.PeekBundle("alice")
	require.NoError(t, err)
	require.Len(t, second.OneTimePreKeys, 1)
	assert.NotEqual(t, first.OneTimePreKeys[0].ID, second.OneTimePreKeys[0].ID)

	left, err = s.ConsumeOneTimePreKey("alice", second.OneTimePreKeys[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 0, left)
	third, err := s.PeekBundle("alice")
	require.NoError(t, err)
	assert.Empty(t, third.OneTimePreKeys)
	assert.Equal(t, domain.SignedPreKeyID("spk1"), third.SignedPreKeyID)
}
