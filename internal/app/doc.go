// Package app wires the client runtime for the CLI.
//
// It opens the local identity, pre-key files and encrypted database under
// the configured home directory, builds the session manager and messenger on
// top of them, and manages the single relay connection those services share.
// The services are usable offline: outbound messages are buffered in their
// sessions and handed to the relay on the next Connect.
package app
