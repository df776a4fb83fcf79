// Package prekey manages signed prekeys and one-time prekeys for X3DH bootstrap.
//
// It rotates the current SPK, tops up OPKs when the relay asks for more, and
// assembles the public bundle from what the store holds.
package prekey
