package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoScript is returned by EvalSHA when the digest is not registered.
	ErrNoScript = errors.New("no matching script")

	// ErrWrongType is returned when a key holds a different kind of value
	// than the operation expects.
	ErrWrongType = errors.New("operation against a key holding the wrong kind of value")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store closed")
)

// Field is one hash field and its value.
type Field struct {
	Name  string
	Value string
}

// Message is a payload received on a subscribed channel.
type Message struct {
	Channel string
	Payload string
}

// Store is one process's connection to the backing key-value service.
//
// Implementations must be safe for concurrent use. Messages for a channel
// must be delivered in publication order.
type Store interface {
	// HGetAll returns every field of the hash at key, in the order the
	// store reports them. A missing key yields an empty slice.
	HGetAll(ctx context.Context, key string) ([]Field, error)

	// HGet returns the value of field and whether it exists.
	HGet(ctx context.Context, key, field string) (string, bool, error)

	// HExists reports whether field exists in the hash at key.
	HExists(ctx context.Context, key, field string) (bool, error)

	// HSet stores value under field.
	HSet(ctx context.Context, key, field, value string) error

	// HDel removes fields. Missing fields are ignored.
	HDel(ctx context.Context, key string, fields ...string) error

	// SMembers returns every member of the set at key.
	SMembers(ctx context.Context, key string) ([]string, error)

	// SIsMember reports whether member belongs to the set at key.
	SIsMember(ctx context.Context, key, member string) (bool, error)

	// SAdd adds members to the set at key.
	SAdd(ctx context.Context, key string, members ...string) error

	// SRem removes members from the set at key.
	SRem(ctx context.Context, key string, members ...string) error

	// Get returns the scalar at key and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set stores a scalar. A ttl of zero means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Del removes keys of any kind.
	Del(ctx context.Context, keys ...string) error

	// ScriptLoad registers source under name and returns the digest the
	// store will accept in EvalSHA.
	ScriptLoad(ctx context.Context, name, source string) (string, error)

	// EvalSHA runs a registered script. Results are int64, string, nil or
	// []any of those.
	EvalSHA(ctx context.Context, digest string, keys []string, args ...string) (any, error)

	// Subscribe subscribes to channels and returns once the store has
	// confirmed every subscription, so no later publication can be missed.
	Subscribe(ctx context.Context, channels ...string) error

	// Unsubscribe drops subscriptions.
	Unsubscribe(ctx context.Context, channels ...string) error

	// Messages returns the stream of received messages. The channel is
	// closed when the store is closed or the connection is lost.
	Messages() <-chan Message

	// Close releases the connection.
	Close() error
}
