package boltdb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"slices"
	"sort"

	bolt "go.etcd.io/bbolt"

	"cans/internal/codec"
	"cans/internal/domain"
)

const (
	metadataBucket  = "metadata"
	versionKey      = "version"
	mailboxBucket   = "mailbox"
	entriesBucket   = "entries"
	indexBucket     = "index"
	friendsBucket   = "friends"
	directoryBucket = "directory"

	storageVersion = 0
)

// Store implements domain.MailboxStore, domain.FriendStore and
// domain.DirectoryStore on bbolt.
type Store struct {
	db *bolt.DB
}

// Open creates (or loads) the database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		for _, name := range []string{mailboxBucket, friendsBucket, directoryBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		if b := meta.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != storageVersion {
				return fmt.Errorf("boltdb: incompatible version: %d", uint(b[0]))
			}
			return nil
		}
		return meta.Put([]byte(versionKey), []byte{storageVersion})
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close syncs and closes the database.
func (s *Store) Close() error {
	_ = s.db.Sync()
	return s.db.Close()
}

// ---------- Mailbox ----------

func indexKey(k domain.EnvelopeKey) []byte {
	out := make([]byte, 0, len(k.Sender)+1+1+8)
	out = append(out, k.Sender...)
	out = append(out, 0, byte(k.Kind))
	return binary.BigEndian.AppendUint64(out, k.Sequence)
}

// Append queues env in one transaction. An entry already queued under the
// same key is kept if its payload matches and otherwise replaced by env at
// the tail.
func (s *Store) Append(env domain.Envelope) (bool, error) {
	raw, err := codec.Encode(env)
	if err != nil {
		return false, err
	}
	added := false
	err = s.db.Update(func(tx *bolt.Tx) error {
		box, err := tx.Bucket([]byte(mailboxBucket)).CreateBucketIfNotExists([]byte(env.Recipient))
		if err != nil {
			return err
		}
		entries, err := box.CreateBucketIfNotExists([]byte(entriesBucket))
		if err != nil {
			return err
		}
		index, err := box.CreateBucketIfNotExists([]byte(indexBucket))
		if err != nil {
			return err
		}
		ik := indexKey(env.Key())
		if ek := index.Get(ik); ek != nil {
			prev, err := codec.Decode(entries.Get(ek))
			if err != nil {
				return err
			}
			if bytes.Equal(prev.Payload, env.Payload) {
				return nil
			}
			if err := entries.Delete(bytes.Clone(ek)); err != nil {
				return err
			}
		}
		n, err := entries.NextSequence()
		if err != nil {
			return err
		}
		ek := binary.BigEndian.AppendUint64(nil, n)
		if err := entries.Put(ek, raw); err != nil {
			return err
		}
		added = true
		return index.Put(ik, ek)
	})
	return added, err
}

// Pending returns recipient's queue in arrival order.
func (s *Store) Pending(recipient domain.UserID) ([]domain.Envelope, error) {
	var out []domain.Envelope
	err := s.db.View(func(tx *bolt.Tx) error {
		box := tx.Bucket([]byte(mailboxBucket)).Bucket([]byte(recipient))
		if box == nil {
			return nil
		}
		entries := box.Bucket([]byte(entriesBucket))
		if entries == nil {
			return nil
		}
		return entries.ForEach(func(_, v []byte) error {
			env, err := codec.Decode(v)
			if err != nil {
				return err
			}
			out = append(out, env)
			return nil
		})
	})
	return out, err
}

// Remove drops the entry with key from recipient's queue, provided its
// digest matches when one is given. The recipient's bucket is deleted once
// empty.
func (s *Store) Remove(recipient domain.UserID, key domain.EnvelopeKey, digest []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(mailboxBucket))
		box := root.Bucket([]byte(recipient))
		if box == nil {
			return nil
		}
		entries, index := box.Bucket([]byte(entriesBucket)), box.Bucket([]byte(indexBucket))
		if entries == nil || index == nil {
			return nil
		}
		ik := indexKey(key)
		ek := index.Get(ik)
		if ek == nil {
			return nil
		}
		ek = bytes.Clone(ek)
		if digest != nil {
			prev, err := codec.Decode(entries.Get(ek))
			if err != nil {
				return err
			}
			if !bytes.Equal(prev.Digest(), digest) {
				return nil
			}
		}
		if err := index.Delete(ik); err != nil {
			return err
		}
		if err := entries.Delete(ek); err != nil {
			return err
		}
		if k, _ := entries.Cursor().First(); k == nil {
			return root.DeleteBucket([]byte(recipient))
		}
		return nil
	})
}

// Recipients lists identities with queued envelopes, sorted.
func (s *Store) Recipients() ([]domain.UserID, error) {
	var out []domain.UserID
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(mailboxBucket)).ForEach(func(k, v []byte) error {
			if v == nil {
				out = append(out, domain.UserID(k))
			}
			return nil
		})
	})
	return out, err
}

// LoadMailbox returns every queued envelope and empties the mailbox, for
// handing the queue over to an in-memory store at startup.
func (s *Store) LoadMailbox() ([]domain.Envelope, error) {
	ids, err := s.Recipients()
	if err != nil {
		return nil, err
	}
	var out []domain.Envelope
	for _, id := range ids {
		envs, err := s.Pending(id)
		if err != nil {
			return nil, err
		}
		out = append(out, envs...)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(mailboxBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucket([]byte(mailboxBucket))
		return err
	})
	return out, err
}

// SaveMailbox queues envs, preserving their order.
func (s *Store) SaveMailbox(envs []domain.Envelope) error {
	for _, env := range envs {
		if _, err := s.Append(env); err != nil {
			return err
		}
	}
	return nil
}

// ---------- Friends ----------

func friendKey(x, y domain.UserID) []byte {
	a, b := domain.OrderedPair(x, y)
	return []byte(string(a) + "\x00" + string(b))
}

// Friendship returns the record for the pair, or a FriendNone record.
func (s *Store) Friendship(x, y domain.UserID) (domain.Friendship, error) {
	f := domain.NewFriendship(x, y)
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(friendsBucket)).Get(friendKey(x, y))
		if raw == nil {
			return nil
		}
		return codec.Unmarshal(raw, &f)
	})
	return f, err
}

// PutFriendship stores f.
func (s *Store) PutFriendship(f domain.Friendship) error {
	raw, err := codec.Marshal(f)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(friendsBucket)).Put(friendKey(f.A, f.B), raw)
	})
}

// DeleteFriendship forgets the pair.
func (s *Store) DeleteFriendship(x, y domain.UserID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(friendsBucket)).Delete(friendKey(x, y))
	})
}

func (s *Store) eachFriendship(fn func(domain.Friendship)) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(friendsBucket)).ForEach(func(_, v []byte) error {
			var f domain.Friendship
			if err := codec.Unmarshal(v, &f); err != nil {
				return err
			}
			fn(f)
			return nil
		})
	})
}

// Friends lists id's accepted friends, sorted.
func (s *Store) Friends(id domain.UserID) ([]domain.UserID, error) {
	var out []domain.UserID
	err := s.eachFriendship(func(f domain.Friendship) {
		if f.State == domain.FriendAccepted && (f.A == id || f.B == id) {
			out = append(out, f.Other(id))
		}
	})
	slices.Sort(out)
	return out, err
}

// PendingNotices lists records whose undelivered notice was sent by id,
// oldest first.
func (s *Store) PendingNotices(id domain.UserID) ([]domain.Friendship, error) {
	var out []domain.Friendship
	err := s.eachFriendship(func(f domain.Friendship) {
		if f.OwesReplay(id) {
			out = append(out, f)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Updated.Before(out[j].Updated) })
	return out, err
}

// ---------- Directory ----------

// PutBundle replaces the signed pre-key and adds one-time pre-keys not
// already held.
func (s *Store) PutBundle(b domain.PreKeyBundle) (int, error) {
	held := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(directoryBucket))
		var prev domain.PreKeyBundle
		if raw := bkt.Get([]byte(b.UserID)); raw != nil {
			if err := codec.Unmarshal(raw, &prev); err != nil {
				return err
			}
		}
		merged := domain.MergeBundle(prev, b)
		raw, err := codec.Marshal(merged)
		if err != nil {
			return err
		}
		held = len(merged.OneTimePreKeys)
		return bkt.Put([]byte(b.UserID), raw)
	})
	return held, err
}

// PeekBundle returns id's bundle with at most one one-time pre-key.
func (s *Store) PeekBundle(id domain.UserID) (domain.PreKeyBundle, error) {
	var held domain.PreKeyBundle
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(directoryBucket)).Get([]byte(id))
		if raw == nil {
			return domain.ErrNoPreKeys
		}
		return codec.Unmarshal(raw, &held)
	})
	if err != nil {
		return domain.PreKeyBundle{}, err
	}
	return domain.OfferBundle(held), nil
}

// ConsumeOneTimePreKey drops key from id's bundle in one transaction.
func (s *Store) ConsumeOneTimePreKey(id domain.UserID, key domain.OneTimePreKeyID) (int, error) {
	left := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(directoryBucket))
		raw := bkt.Get([]byte(id))
		if raw == nil {
			return domain.ErrNoPreKeys
		}
		var held domain.PreKeyBundle
		if err := codec.Unmarshal(raw, &held); err != nil {
			return err
		}
		held = domain.DropOneTimePreKey(held, key)
		left = len(held.OneTimePreKeys)
		next, err := codec.Marshal(held)
		if err != nil {
			return err
		}
		return bkt.Put([]byte(id), next)
	})
	if err != nil {
		return 0, err
	}
	return left, nil
}

var (
	_ domain.MailboxStore   = (*Store)(nil)
	_ domain.FriendStore    = (*Store)(nil)
	_ domain.DirectoryStore = (*Store)(nil)
)
