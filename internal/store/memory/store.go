package memory

import (
	"bytes"
	"slices"
	"sort"
	"sync"

	"cans/internal/domain"
)

// Store implements domain.MailboxStore, domain.FriendStore and
// domain.DirectoryStore in memory.
type Store struct {
	mu sync.Mutex

	queues  map[domain.UserID][]domain.Envelope
	queued  map[domain.UserID]map[domain.EnvelopeKey]struct{}
	friends map[[2]domain.UserID]domain.Friendship
	bundles map[domain.UserID]domain.PreKeyBundle
}

// New returns an empty store.
func New() *Store {
	return &Store{
		queues:  make(map[domain.UserID][]domain.Envelope),
		queued:  make(map[domain.UserID]map[domain.EnvelopeKey]struct{}),
		friends: make(map[[2]domain.UserID]domain.Friendship),
		bundles: make(map[domain.UserID]domain.PreKeyBundle),
	}
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// ---------- Mailbox ----------

// Append queues env for its recipient. A pending entry with the same key is
// kept when the payload matches. Otherwise it is dropped and env queued as a
// new arrival.
func (s *Store) Append(env domain.Envelope) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	env.Payload = slices.Clone(env.Payload)
	idx := s.queued[env.Recipient]
	if idx == nil {
		idx = make(map[domain.EnvelopeKey]struct{})
		s.queued[env.Recipient] = idx
	}
	q := s.queues[env.Recipient]
	if _, dup := idx[env.Key()]; dup {
		i := slices.IndexFunc(q, func(e domain.Envelope) bool { return e.Key() == env.Key() })
		if bytes.Equal(q[i].Payload, env.Payload) {
			return false, nil
		}
		q = slices.Delete(q, i, i+1)
	}
	idx[env.Key()] = struct{}{}
	s.queues[env.Recipient] = append(q, env)
	return true, nil
}

// Pending returns recipient's queue in arrival order.
func (s *Store) Pending(recipient domain.UserID) ([]domain.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.queues[recipient]), nil
}

// Remove drops the entry with key from recipient's queue, provided its
// digest matches when one is given.
func (s *Store) Remove(recipient domain.UserID, key domain.EnvelopeKey, digest []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.queued[recipient][key]; !ok {
		return nil
	}
	q := s.queues[recipient]
	i := slices.IndexFunc(q, func(e domain.Envelope) bool { return e.Key() == key })
	if digest != nil && !bytes.Equal(q[i].Digest(), digest) {
		return nil
	}
	delete(s.queued[recipient], key)
	q = slices.Delete(q, i, i+1)
	if len(q) == 0 {
		delete(s.queues, recipient)
		delete(s.queued, recipient)
		return nil
	}
	s.queues[recipient] = q
	return nil
}

// Recipients lists identities with queued envelopes, sorted.
func (s *Store) Recipients() ([]domain.UserID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.UserID, 0, len(s.queues))
	for id := range s.queues {
		out = append(out, id)
	}
	slices.Sort(out)
	return out, nil
}

// Snapshot returns every queued envelope, grouped by recipient in sorted
// order and in arrival order within a recipient.
func (s *Store) Snapshot() []domain.Envelope {
	ids, _ := s.Recipients()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Envelope
	for _, id := range ids {
		out = append(out, s.queues[id]...)
	}
	return out
}

// ---------- Friends ----------

func pairKey(x, y domain.UserID) [2]domain.UserID {
	a, b := domain.OrderedPair(x, y)
	return [2]domain.UserID{a, b}
}

// Friendship returns the record for the pair, or a FriendNone record.
func (s *Store) Friendship(x, y domain.UserID) (domain.Friendship, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.friends[pairKey(x, y)]; ok {
		return f, nil
	}
	return domain.NewFriendship(x, y), nil
}

// PutFriendship stores f.
func (s *Store) PutFriendship(f domain.Friendship) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.friends[pairKey(f.A, f.B)] = f
	return nil
}

// DeleteFriendship forgets the pair.
func (s *Store) DeleteFriendship(x, y domain.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.friends, pairKey(x, y))
	return nil
}

// Friends lists id's accepted friends, sorted.
func (s *Store) Friends(id domain.UserID) ([]domain.UserID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.UserID
	for k, f := range s.friends {
		if f.State == domain.FriendAccepted && (k[0] == id || k[1] == id) {
			out = append(out, f.Other(id))
		}
	}
	slices.Sort(out)
	return out, nil
}

// PendingNotices lists records whose undelivered notice was sent by id.
func (s *Store) PendingNotices(id domain.UserID) ([]domain.Friendship, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Friendship
	for _, f := range s.friends {
		if f.OwesReplay(id) {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Updated.Before(out[j].Updated) })
	return out, nil
}

// ---------- Directory ----------

// PutBundle replaces the signed pre-key and adds one-time pre-keys not
// already held.
func (s *Store) PutBundle(b domain.PreKeyBundle) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	merged := domain.MergeBundle(s.bundles[b.UserID], b)
	s.bundles[b.UserID] = merged
	return len(merged.OneTimePreKeys), nil
}

// PeekBundle returns id's bundle with at most one one-time pre-key.
func (s *Store) PeekBundle(id domain.UserID) (domain.PreKeyBundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bundles[id]
	if !ok {
		return domain.PreKeyBundle{}, domain.ErrNoPreKeys
	}
	return domain.OfferBundle(b), nil
}

// ConsumeOneTimePreKey drops key from id's bundle.
func (s *Store) ConsumeOneTimePreKey(id domain.UserID, key domain.OneTimePreKeyID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bundles[id]
	if !ok {
		return 0, domain.ErrNoPreKeys
	}
	b = domain.DropOneTimePreKey(b, key)
	s.bundles[id] = b
	return len(b.OneTimePreKeys), nil
}

var (
	_ domain.MailboxStore   = (*Store)(nil)
	_ domain.FriendStore    = (*Store)(nil)
	_ domain.DirectoryStore = (*Store)(nil)
)
