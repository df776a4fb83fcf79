// Package domain defines core data models and interfaces shared by the client
// and the relay. It contains plain types (wire/state), contracts (interfaces)
// and the sentinel errors both sides agree on.
//
// The concrete definitions live in the types and interfaces subpackages; this
// package re-exports them as aliases so callers can import a single path.
package domain
