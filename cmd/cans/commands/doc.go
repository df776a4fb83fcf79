// Package commands defines the cans CLI.
//
// Commands
//
//   - init           Create the local identity and first pre-keys
//   - fingerprint    Print the UserID peers know you by
//   - friend         Request, accept, reject or remove a friendship
//   - send           Encrypt and send a message to a friend
//   - recv           Receive queued and live envelopes
//   - history        Print the local message history with a peer
//   - contacts       List known relationships
//
// # Implementation
//
// The root command loads .env, the TOML client config and the CANS_*
// environment before any subcommand runs. Commands that talk to the relay
// open the local state, connect, perform their action and then keep
// handling inbound envelopes for --wait so receipts, acks and relay errors
// are processed before exit.
package commands
