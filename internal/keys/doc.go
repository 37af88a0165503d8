// Package keys defines the key variant accepted by the replicated collections.
//
// # Overview
//
// Keys written by one process are read back by every other process sharing
// the same store key, so a key must encode to exactly one wire form and decode
// back to an equal value. The package therefore restricts keys to a small set
// of variants:
//
//   - null
//   - booleans
//   - finite numbers (float64)
//   - strings
//   - symbols: interned tokens identified by name
//
// Arbitrary structured values are rejected with ErrInvalidType before any
// store call is made.
//
// # Wire Form
//
// Keys are encoded as JSON text. Symbols encode as a one-field object:
//
//	keys.String("room")  -> "room"
//	keys.Number(3)       -> 3
//	keys.Symbol("owner") -> {"$sym":"owner"}
//
// The encoded text doubles as the hash field or set member in the backing
// store and as the suffix of key-specific event topics.
package keys
