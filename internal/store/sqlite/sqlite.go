// Package sqlite is the client's encrypted local database: session records,
// contacts and message history. Rows are CBOR, sealed with a passphrase-derived
// key before they reach the database file.
package sqlite

import (
	"bytes"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"cans/internal/codec"
	"cans/internal/domain"
	"cans/internal/store"
)

const (
	nsSession = "session"
	nsContact = "contact"

	checkValue = "cans-local-db"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS meta (
		k TEXT PRIMARY KEY,
		v BLOB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS records (
		ns      TEXT NOT NULL,
		key     TEXT NOT NULL,
		blob    BLOB NOT NULL,
		updated INTEGER NOT NULL,
		PRIMARY KEY (ns, key)
	)`,
	`CREATE TABLE IF NOT EXISTS history (
		id      INTEGER PRIMARY KEY AUTOINCREMENT,
		peer    TEXT NOT NULL,
		blob    BLOB NOT NULL,
		created INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS history_peer ON history (peer, id)`,
}

// ErrWrongPassphrase is returned by Open when the passphrase does not match
// the one the database was created with.
var ErrWrongPassphrase = errors.New("local database: wrong passphrase")

// Store implements the client record, session, contact and history stores.
type Store struct {
	db     *sql.DB
	sealer *store.Sealer
	mu     sync.Mutex
}

// Open opens (creating if needed) the database at path and unlocks it.
func Open(path, passphrase string, params store.ScryptParams) (*Store, error) {
	db, err := sql.Open("sqlite",
		fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}

	sealer, err := unlock(db, passphrase, params)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, sealer: sealer}, nil
}

// unlock derives the record key, initialising salt and check value on first use.
func unlock(db *sql.DB, passphrase string, params store.ScryptParams) (*store.Sealer, error) {
	var salt, check []byte
	err := db.QueryRow(`SELECT v FROM meta WHERE k = 'salt'`).Scan(&salt)
	if errors.Is(err, sql.ErrNoRows) {
		if salt, err = store.NewSalt(); err != nil {
			return nil, err
		}
		sealer, err := store.NewSealer(passphrase, salt, params)
		if err != nil {
			return nil, err
		}
		if check, err = sealer.Seal([]byte("meta"), []byte(checkValue)); err != nil {
			return nil, err
		}
		if _, err := db.Exec(`INSERT INTO meta (k, v) VALUES ('salt', ?), ('check', ?)`, salt, check); err != nil {
			return nil, err
		}
		return sealer, nil
	}
	if err != nil {
		return nil, err
	}
	if err := db.QueryRow(`SELECT v FROM meta WHERE k = 'check'`).Scan(&check); err != nil {
		return nil, err
	}
	sealer, err := store.NewSealer(passphrase, salt, params)
	if err != nil {
		return nil, err
	}
	pt, err := sealer.Open([]byte("meta"), check)
	if err != nil || !bytes.Equal(pt, []byte(checkValue)) {
		return nil, ErrWrongPassphrase
	}
	return sealer, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Put seals v under (ns, key), replacing any previous value.
func (s *Store) Put(ns, key string, v any) error {
	raw, err := codec.Marshal(v)
	if err != nil {
		return err
	}
	sealed, err := s.sealer.Seal(recordAD(ns, key), raw)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(
		`INSERT INTO records (ns, key, blob, updated) VALUES (?, ?, ?, ?)
		 ON CONFLICT (ns, key) DO UPDATE SET blob = excluded.blob, updated = excluded.updated`,
		ns, key, sealed, time.Now().UnixNano())
	return err
}

// Get opens the value under (ns, key) into v.
func (s *Store) Get(ns, key string, v any) (bool, error) {
	var sealed []byte
	err := s.db.QueryRow(`SELECT blob FROM records WHERE ns = ? AND key = ?`, ns, key).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	raw, err := s.sealer.Open(recordAD(ns, key), sealed)
	if err != nil {
		return false, err
	}
	return true, codec.Unmarshal(raw, v)
}

// Delete removes (ns, key). Deleting a missing record is not an error.
func (s *Store) Delete(ns, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM records WHERE ns = ? AND key = ?`, ns, key)
	return err
}

// each calls fn with the opened CBOR of every record in ns, ordered by key.
func (s *Store) each(ns string, fn func(key string, raw []byte) error) error {
	rows, err := s.db.Query(`SELECT key, blob FROM records WHERE ns = ? ORDER BY key`, ns)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			key    string
			sealed []byte
		)
		if err := rows.Scan(&key, &sealed); err != nil {
			return err
		}
		raw, err := s.sealer.Open(recordAD(ns, key), sealed)
		if err != nil {
			return err
		}
		if err := fn(key, raw); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ---------- Sessions ----------

// SaveSession persists rec under its peer.
func (s *Store) SaveSession(rec domain.SessionRecord) error {
	return s.Put(nsSession, rec.Peer.String(), rec)
}

// LoadSession returns the record for peer, if any.
func (s *Store) LoadSession(peer domain.UserID) (domain.SessionRecord, bool, error) {
	var rec domain.SessionRecord
	ok, err := s.Get(nsSession, peer.String(), &rec)
	return rec, ok, err
}

// DeleteSession removes the record for peer.
func (s *Store) DeleteSession(peer domain.UserID) error {
	return s.Delete(nsSession, peer.String())
}

// ListSessions returns the peers with a stored session record.
func (s *Store) ListSessions() ([]domain.UserID, error) {
	var out []domain.UserID
	err := s.each(nsSession, func(key string, _ []byte) error {
		out = append(out, domain.UserID(key))
		return nil
	})
	return out, err
}

// ---------- Contacts ----------

// SaveContact persists c under its peer.
func (s *Store) SaveContact(c domain.Contact) error {
	return s.Put(nsContact, c.Peer.String(), c)
}

// Contacts lists every stored contact ordered by identity.
func (s *Store) Contacts() ([]domain.Contact, error) {
	var out []domain.Contact
	err := s.each(nsContact, func(_ string, raw []byte) error {
		var c domain.Contact
		if err := codec.Unmarshal(raw, &c); err != nil {
			return err
		}
		out = append(out, c)
		return nil
	})
	return out, err
}

// ---------- History ----------

// AppendHistory adds one entry to the peer's history.
func (s *Store) AppendHistory(entry domain.HistoryEntry) error {
	raw, err := codec.Marshal(entry)
	if err != nil {
		return err
	}
	sealed, err := s.sealer.Seal(historyAD(entry.Peer), raw)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(`INSERT INTO history (peer, blob, created) VALUES (?, ?, ?)`,
		entry.Peer.String(), sealed, entry.Timestamp.UnixNano())
	return err
}

// History returns up to limit most recent entries for peer, oldest first.
// A non-positive limit returns everything.
func (s *Store) History(peer domain.UserID, limit int) ([]domain.HistoryEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(
		`SELECT blob FROM history WHERE peer = ? ORDER BY id DESC LIMIT ?`, peer.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.HistoryEntry
	for rows.Next() {
		var sealed []byte
		if err := rows.Scan(&sealed); err != nil {
			return nil, err
		}
		raw, err := s.sealer.Open(historyAD(peer), sealed)
		if err != nil {
			return nil, err
		}
		var e domain.HistoryEntry
		if err := codec.Unmarshal(raw, &e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func recordAD(ns, key string) []byte { return []byte(ns + "/" + key) }

func historyAD(peer domain.UserID) []byte { return []byte("history/" + peer.String()) }

// Compile-time assertions for the domain store contracts.
var (
	_ domain.SessionStore = (*Store)(nil)
	_ domain.ContactStore = (*Store)(nil)
	_ domain.HistoryStore = (*Store)(nil)
)
