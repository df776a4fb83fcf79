// Package memory holds the relay's mailboxes, friendships and pre-key
// directory in process memory. Nothing survives a restart unless the caller
// snapshots the mailbox (see Store.Snapshot).
package memory
