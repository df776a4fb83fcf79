package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"cans/internal/domain"
)

const idFilename = "identity.json.enc"

// ErrNoIdentity is returned by LoadIdentity before an identity was created.
var ErrNoIdentity = errors.New("no identity; run init first")

// IdentityFileStore persists the local identity to disk.
type IdentityFileStore struct {
	dir    string
	params ScryptParams
	mu     sync.Mutex
}

// NewIdentityFileStore returns an IdentityFileStore rooted at dir.
func NewIdentityFileStore(dir string) *IdentityFileStore {
	return &IdentityFileStore{dir: dir, params: DefaultScryptParams}
}

// SaveIdentity writes the encrypted identity to disk.
func (s *IdentityFileStore) SaveIdentity(passphrase string, id domain.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(id)
	if err != nil {
		return err
	}
	ct, err := encrypt(passphrase, raw, s.params)
	if err != nil {
		return err
	}
	return writeFile(filepath.Join(s.dir, idFilename), ct, 0o600)
}

// LoadIdentity reads and decrypts the identity.
func (s *IdentityFileStore) LoadIdentity(passphrase string) (domain.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := readFile(filepath.Join(s.dir, idFilename))
	if err != nil {
		return domain.Identity{}, err
	}
	if b == nil {
		return domain.Identity{}, ErrNoIdentity
	}
	pt, err := decrypt(passphrase, b)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("load identity: %w", err)
	}
	var id domain.Identity
	if err := json.Unmarshal(pt, &id); err != nil {
		return domain.Identity{}, err
	}
	return id, nil
}

// Exists reports whether an identity file is present.
func (s *IdentityFileStore) Exists() bool {
	_, err := os.Stat(filepath.Join(s.dir, idFilename))
	return err == nil
}

// Compile-time assertion that IdentityFileStore implements domain.IdentityStore.
var _ domain.IdentityStore = (*IdentityFileStore)(nil)
