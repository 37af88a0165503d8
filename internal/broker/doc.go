// Package broker is the per-process hub between the replicated collections
// and the backing store.
//
// A Broker owns the store's pub/sub stream. Collections register listeners
// per channel with On or Once; the broker keeps one store subscription per
// channel and reference-counts it across listeners. Payloads are decoded
// into cluster.SyncMessage values and dispatched in arrival order.
//
// The broker also holds the script registry. Register loads every binding
// concurrently and verifies the digest the store reports, and Call runs a
// script by name after checking its arity locally.
//
// When the store's message stream ends without Close having been called,
// Disconnected is closed and Err returns ErrDisconnected.
package broker
