// Package collections provides the replicated collections processes share
// state through.
//
// Map, Set and Tracking keep a local replica of one store key and follow
// the channel of the same name. Construction returns at once and loads the
// replica in the background:
//
//  1. subscribe to the channel, confirmed by the store
//  2. read the snapshot; entries that fail to decode are dropped and
//     deleted from the store
//  3. install the snapshot and replay, in arrival order, the messages that
//     were queued while it was in flight
//
// Map and Set reject writes with ErrNotLoaded until then. A write runs its
// atomic script, which persists and broadcasts in one step, and is applied
// locally only after the store acknowledges. The broadcast of a process's
// own write is folded in again at its place in the channel, silently, so
// concurrent writers settle on whichever write the store applied last.
//
// Tracking is weaker: writes never touch the replica and every broadcast is
// applied as it arrives, the process's own included. Messages that arrive
// during bootstrap are replayed over the snapshot once it is installed.
//
// RemoteMap and RemoteSet keep no replica at all. Use them where an
// authoritative answer matters more than latency.
//
// Keys may be null, booleans, numbers, strings or keys.Symbol values;
// anything else fails with ErrInvalidKeyType before the store is contacted.
package collections
