package collections

import (
	"context"
	"fmt"

	"github.com/dreamware/lobby/internal/coordinator"
	"github.com/dreamware/lobby/internal/keys"
	"github.com/dreamware/lobby/internal/store"
)

// RemoteMap reads and writes a store hash directly. It keeps no replica,
// subscribes to nothing and broadcasts nothing; every call is a round trip
// that returns the store's current answer. Keys and values use the same
// encoding as Map.
type RemoteMap[V any] struct {
	store store.Store
	key   string
	codec Codec[V]
}

// NewRemoteMap returns a RemoteMap over the hash at key. A nil codec
// selects JSONCodec.
func NewRemoteMap[V any](c *coordinator.Coordinator, key string, codec Codec[V]) *RemoteMap[V] {
	if codec == nil {
		codec = JSONCodec[V]{}
	}
	return &RemoteMap[V]{store: c.Store, key: key, codec: codec}
}

// Has reports whether key is present in the store.
func (m *RemoteMap[V]) Has(ctx context.Context, key any) (bool, error) {
	_, field, err := validKey(key)
	if err != nil {
		return false, err
	}
	return m.store.HExists(ctx, m.key, field)
}

// Get returns the stored value for key.
func (m *RemoteMap[V]) Get(ctx context.Context, key any) (V, bool, error) {
	var zero V
	_, field, err := validKey(key)
	if err != nil {
		return zero, false, err
	}
	raw, ok, err := m.store.HGet(ctx, m.key, field)
	if err != nil || !ok {
		return zero, false, err
	}
	v, err := m.codec.Decode([]byte(raw))
	if err != nil {
		return zero, false, &CorruptEntryError{Key: m.key, Field: field, Err: err}
	}
	return v, true, nil
}

// Set stores value under key.
func (m *RemoteMap[V]) Set(ctx context.Context, key any, value V) error {
	k, field, err := validKey(key)
	if err != nil {
		return err
	}
	raw, err := m.codec.Encode(value)
	if err != nil {
		return fmt.Errorf("encode value for %s: %w", k, err)
	}
	return m.store.HSet(ctx, m.key, field, string(raw))
}

// Delete removes key.
func (m *RemoteMap[V]) Delete(ctx context.Context, key any) error {
	_, field, err := validKey(key)
	if err != nil {
		return err
	}
	return m.store.HDel(ctx, m.key, field)
}

// Clear removes the whole hash.
func (m *RemoteMap[V]) Clear(ctx context.Context) error {
	return m.store.Del(ctx, m.key)
}

// RemoteSet is the set counterpart of RemoteMap.
type RemoteSet struct {
	store store.Store
	key   string
}

// NewRemoteSet returns a RemoteSet over the set at key.
func NewRemoteSet(c *coordinator.Coordinator, key string) *RemoteSet {
	return &RemoteSet{store: c.Store, key: key}
}

// Has reports whether key is a member in the store.
func (s *RemoteSet) Has(ctx context.Context, key any) (bool, error) {
	_, member, err := validKey(key)
	if err != nil {
		return false, err
	}
	return s.store.SIsMember(ctx, s.key, member)
}

// Add adds key.
func (s *RemoteSet) Add(ctx context.Context, key any) error {
	_, member, err := validKey(key)
	if err != nil {
		return err
	}
	return s.store.SAdd(ctx, s.key, member)
}

// Delete removes key.
func (s *RemoteSet) Delete(ctx context.Context, key any) error {
	_, member, err := validKey(key)
	if err != nil {
		return err
	}
	return s.store.SRem(ctx, s.key, member)
}

// Clear removes the whole set.
func (s *RemoteSet) Clear(ctx context.Context) error {
	return s.store.Del(ctx, s.key)
}

// Members returns every member currently in the store. Undecodable members
// are skipped.
func (s *RemoteSet) Members(ctx context.Context) ([]keys.Key, error) {
	raw, err := s.store.SMembers(ctx, s.key)
	if err != nil {
		return nil, err
	}
	out := make([]keys.Key, 0, len(raw))
	for _, m := range raw {
		if k, err := keys.Decode([]byte(m)); err == nil {
			out = append(out, k)
		}
	}
	return out, nil
}
