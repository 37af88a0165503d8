// Package store defines the backing store contract the replication layer is
// built on and its Redis implementation, plus Embedded, which runs a Redis
// server inside the process for development.
//
// # Overview
//
// The backing store is the single source of truth for shared state. Every
// replicated collection reads its initial snapshot from it, persists every
// mutation through it, and hears about other processes' mutations through
// its publish/subscribe channels.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│   Broker / Collections (per process) │
//	└─────────────────────────────────────┘
//	                 │
//	                 ▼
//	┌─────────────────────────────────────┐
//	│           Store interface           │
//	│ hashes · sets · scalars · scripts   │
//	│           · pub/sub                 │
//	└─────────────────────────────────────┘
//	                 │
//	                 ▼
//	          ┌─────────────┐
//	          │    Redis    │ ◄── Embedded (miniredis)
//	          │  go-redis   │
//	          └─────────────┘
//
// # Core Operations
//
// Hashes: HGetAll, HGet, HExists, HSet, HDel
// Sets: SMembers, SIsMember, SAdd, SRem
// Scalars: Get, Set (with optional expiry), Del
// Scripts: ScriptLoad returns the digest, EvalSHA invokes by digest
// Pub/Sub: Subscribe, Unsubscribe, Messages
//
// # Subscription Confirmation
//
// Subscribe does not return until the store has acknowledged the
// subscription. Collections rely on this: they subscribe first and read
// their snapshot second, so any mutation racing the snapshot is seen either
// in the snapshot or on the channel.
//
// # Embedded Server
//
// Embedded starts a miniredis server in the process and connects to it.
// miniredis runs the same Lua scripts and pub/sub as Redis, so a single
// worker started with --memory behaves like one attached to a real
// deployment. Connect opens further connections standing in for other
// processes.
//
// # Redis Backend
//
// Redis wraps a go-redis client. The client must use RESP2
// (NewRedisClient does this) so HGETALL replies keep the store's field order.
// A dedicated receive loop reads the pub/sub connection; if it fails the
// Messages channel is closed and Err reports why. Reconnection is not
// attempted: messages published while disconnected are lost, and replicas
// built on them can no longer be trusted.
//
// # Concurrency and Thread Safety
//
// All implementations are safe for concurrent use. Messages for a channel
// are delivered in publication order on a single stream per connection.
package store
