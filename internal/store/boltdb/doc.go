// Package boltdb is the relay's durable store, kept in a single bbolt file.
//
// Buckets:
//
//	metadata             version byte
//	mailbox/<recipient>  entries: u64 arrival counter -> encoded envelope
//	                     index:   envelope key -> arrival counter
//	friends              "<a>\x00<b>" -> CBOR Friendship
//	directory            user id -> CBOR PreKeyBundle
//
// Every mutation is one bbolt transaction, so an envelope is either fully
// queued (entry and index) or not at all.
package boltdb
