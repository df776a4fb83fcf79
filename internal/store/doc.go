// Package store provides the client's local persistence.
//
// Key material lives in small files under the configured home directory:
//   - Identity keys (IdentityFileStore), sealed with a passphrase-derived key
//   - Pre-keys (PrekeyFileStore), written as JSON via temp file and rename
//
// Session records, contacts and message history live in the sqlite
// subpackage. Every row there is sealed with a Sealer, which derives its key
// from the same passphrase once per process instead of once per record.
//
// The relay's stores live in the memory and boltdb subpackages.
//
// All methods are concurrency-safe via internal locking.
package store
