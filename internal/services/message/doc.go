// Package message is the client messenger.
//
// It sits between the relay connection and the user: outgoing text goes
// through the session manager, inbound envelopes are dispatched by kind,
// decrypted messages are receipted and stored in the local history, and
// friend and presence notices update the contact list.
package message
