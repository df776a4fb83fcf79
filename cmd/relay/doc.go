// Package main runs the cans relay.
//
// Clients connect over a websocket at /ws, answer a signature challenge with
// their identity key and then exchange binary envelopes. The relay never
// sees plaintext or private keys; it routes ciphertext, queues it for offline
// recipients, keeps the friendship graph and hands out pre-key bundles.
//
// HTTP endpoints
//
//	GET /ws        websocket upgrade
//	GET /metrics   Prometheus metrics (path configurable)
//	GET /healthz   liveness
//	GET /readyz    readiness; 503 while shutting down
//
// Configuration comes from an optional TOML file, then .env and CANS_*
// environment variables, then flags. SIGINT or SIGTERM drains connections and
// flushes the mailbox before exit.
package main
