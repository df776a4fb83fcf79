package server

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"cans/internal/config"
	"cans/internal/domain"
	"cans/internal/store/boltdb"
	"cans/internal/store/memory"
)

// Stores are the relay's three stores as selected by the mailbox policy.
type Stores struct {
	Mailbox   domain.MailboxStore
	Friends   domain.FriendStore
	Directory domain.DirectoryStore

	close func() error
}

// OpenStores opens the stores for policy, keeping files under dataDir.
//
//   - durable: everything in bbolt; the mailbox survives crashes.
//   - graceful: friendships and pre-keys in bbolt, the mailbox in memory.
//     The queue is loaded from bbolt on open and written back on Close.
//   - memory: nothing touches disk.
func OpenStores(policy config.MailboxPolicy, dataDir string) (*Stores, error) {
	if policy == config.MailboxMemory {
		mem := memory.New()
		return &Stores{Mailbox: mem, Friends: mem, Directory: mem, close: mem.Close}, nil
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := boltdb.Open(filepath.Join(dataDir, "relay.db"))
	if err != nil {
		return nil, fmt.Errorf("open relay database: %w", err)
	}

	switch policy {
	case config.MailboxDurable:
		return &Stores{Mailbox: db, Friends: db, Directory: db, close: db.Close}, nil
	case config.MailboxGraceful:
		queued, err := db.LoadMailbox()
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("load mailbox: %w", err)
		}
		mem := memory.New()
		for _, env := range queued {
			if _, err := mem.Append(env); err != nil {
				_ = db.Close()
				return nil, err
			}
		}
		return &Stores{
			Mailbox:   mem,
			Friends:   db,
			Directory: db,
			close: func() error {
				return errors.Join(db.SaveMailbox(mem.Snapshot()), db.Close())
			},
		}, nil
	}
	_ = db.Close()
	return nil, fmt.Errorf("unknown mailbox policy %q", policy)
}

// Close flushes and closes the underlying stores once.
func (s *Stores) Close() error {
	if s.close == nil {
		return nil
	}
	err := s.close()
	s.close = nil
	return err
}
