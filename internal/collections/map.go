package collections

import (
	"context"
	"fmt"

	"github.com/golang/glog"

	"github.com/dreamware/lobby/internal/cluster"
	"github.com/dreamware/lobby/internal/coordinator"
	"github.com/dreamware/lobby/internal/events"
	"github.com/dreamware/lobby/internal/keys"
	"github.com/dreamware/lobby/internal/scripts"
)

// Map event topics. Key-specific topics are built with SetTopic and
// DeleteTopic.
const (
	TopicSet    = "set"
	TopicDelete = "delete"
	TopicClear  = "clear"
)

// MapEvent describes one change to a Map's replica.
type MapEvent[V any] struct {
	Op     string // TopicSet, TopicDelete or TopicClear
	Key    keys.Key
	Value  V    // new value for set, removed value for delete
	Remote bool // applied from another process's sync message
}

// Map is an insertion-ordered key/value map replicated across processes
// through one store hash and the channel of the same name.
//
// Reads only consult the local replica. Writes are rejected with
// ErrNotLoaded until the initial snapshot has been absorbed; after that
// each write runs the matching atomic script and is applied locally once
// the store acknowledges it.
type Map[V any] struct {
	*replica
	codec   Codec[V]
	entries *ordered[V]
	events  events.Emitter[MapEvent[V]]
}

// NewMap starts replicating the hash at key. It returns immediately; use
// Wait or Done to learn when the replica is loaded. A nil codec selects
// JSONCodec.
func NewMap[V any](c *coordinator.Coordinator, key string, codec Codec[V]) *Map[V] {
	if codec == nil {
		codec = JSONCodec[V]{}
	}
	m := &Map[V]{
		replica: newReplica(c, key, "map"),
		codec:   codec,
		entries: newOrdered[V](),
	}
	m.replica.apply = m.apply
	m.replica.reset = m.entries.clear
	m.start(m.snapshot)
	return m
}

func (m *Map[V]) snapshot(ctx context.Context) (func(), error) {
	fields, err := m.c.Store.HGetAll(ctx, m.key)
	if err != nil {
		return nil, err
	}

	loaded := make([]Entry[V], 0, len(fields))
	var corrupt []string
	for _, f := range fields {
		k, err := keys.Decode([]byte(f.Name))
		if err == nil {
			var v V
			if v, err = m.codec.Decode([]byte(f.Value)); err == nil {
				loaded = append(loaded, Entry[V]{Key: k, Value: v})
				continue
			}
		}
		glog.Warning(&CorruptEntryError{Key: m.key, Field: f.Name, Err: err})
		corrupt = append(corrupt, f.Name)
	}
	if len(corrupt) > 0 {
		if err := m.c.Store.HDel(ctx, m.key, corrupt...); err != nil {
			glog.Warningf("map %s: deleting %d corrupt entries: %v", m.key, len(corrupt), err)
		}
	}

	return func() {
		m.entries.clear()
		for _, e := range loaded {
			m.entries.set(e.Key, e.Value)
		}
	}, nil
}

func (m *Map[V]) apply(msg cluster.SyncMessage, remote bool) func() {
	switch msg.Op {
	case cluster.OpSet:
		k, ok := decodeKey(msg.Key)
		if !ok {
			return nil
		}
		v, err := m.codec.Decode(msg.Value)
		if err != nil {
			glog.Warningf("map %s: dropping set of %s: %v", m.key, k, err)
			return nil
		}
		m.entries.set(k, v)
		return m.notify(MapEvent[V]{Op: TopicSet, Key: k, Value: v, Remote: remote})

	case cluster.OpDelete:
		k, ok := decodeKey(msg.Key)
		if !ok {
			return nil
		}
		old, ok := m.entries.remove(k)
		if !ok {
			return nil
		}
		return m.notify(MapEvent[V]{Op: TopicDelete, Key: k, Value: old, Remote: remote})

	case cluster.OpClear:
		m.entries.clear()
		return m.notify(MapEvent[V]{Op: TopicClear, Remote: remote})
	}

	glog.Warningf("map %s: ignoring op %q", m.key, msg.Op)
	return nil
}

func (m *Map[V]) notify(ev MapEvent[V]) func() {
	return func() {
		m.events.Emit(ev.Op, ev)
		if ev.Op != TopicClear {
			m.events.Emit(ev.Op+"-"+ev.Key.String(), ev)
		}
	}
}

// Get returns the value stored under key.
func (m *Map[V]) Get(key any) (V, bool) {
	k, err := keys.From(key)
	if err != nil {
		var zero V
		return zero, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries.get(k)
}

// Has reports whether key is present.
func (m *Map[V]) Has(key any) bool {
	_, ok := m.Get(key)
	return ok
}

// Size returns the number of entries.
func (m *Map[V]) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries.len()
}

// Keys returns the keys in insertion order.
func (m *Map[V]) Keys() []keys.Key {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries.keys()
}

// Entries returns a copy of the entries in insertion order.
func (m *Map[V]) Entries() []Entry[V] {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries.entries()
}

// Range calls fn for each entry of a copy of the replica, in insertion
// order, until fn returns false.
func (m *Map[V]) Range(fn func(key keys.Key, value V) bool) {
	for _, e := range m.Entries() {
		if !fn(e.Key, e.Value) {
			return
		}
	}
}

// Set stores value under key in the store, broadcasts it and applies it
// locally.
func (m *Map[V]) Set(ctx context.Context, key any, value V) error {
	k, field, err := validKey(key)
	if err != nil {
		return err
	}
	if err := m.writable(); err != nil {
		return err
	}
	raw, err := m.codec.Encode(value)
	if err != nil {
		return fmt.Errorf("encode value for %s: %w", k, err)
	}
	msg, payload, err := m.message(cluster.OpSet, k, raw)
	if err != nil {
		return err
	}
	if err := m.write(ctx, msg, scripts.Set, m.key, field, string(raw), payload); err != nil {
		return fmt.Errorf("map %s: set %s: %w", m.key, k, err)
	}
	return nil
}

// Delete removes key from the store, broadcasts the removal and applies it
// locally.
func (m *Map[V]) Delete(ctx context.Context, key any) error {
	k, field, err := validKey(key)
	if err != nil {
		return err
	}
	if err := m.writable(); err != nil {
		return err
	}
	msg, payload, err := m.message(cluster.OpDelete, k, nil)
	if err != nil {
		return err
	}
	if err := m.write(ctx, msg, scripts.Delete, m.key, field, payload); err != nil {
		return fmt.Errorf("map %s: delete %s: %w", m.key, k, err)
	}
	return nil
}

// Clear removes the whole hash from the store and empties every replica.
func (m *Map[V]) Clear(ctx context.Context) error {
	if err := m.writable(); err != nil {
		return err
	}
	msg, payload, err := m.message(cluster.OpClear, keys.Key{}, nil)
	if err != nil {
		return err
	}
	if err := m.write(ctx, msg, scripts.Clear, m.key, payload); err != nil {
		return fmt.Errorf("map %s: clear: %w", m.key, err)
	}
	return nil
}

// On registers fn for topic: TopicSet, TopicDelete, TopicClear or a
// key-specific topic from SetTopic or DeleteTopic. Listeners run after the
// replica has changed, outside its lock.
func (m *Map[V]) On(topic string, fn func(MapEvent[V])) events.Handle {
	h, _ := m.events.On(topic, fn)
	return h
}

// Off removes a listener registered with On.
func (m *Map[V]) Off(topic string, h events.Handle) bool {
	ok, _ := m.events.Off(topic, h)
	return ok
}

// SetTopic returns the topic that fires when key is set.
func (m *Map[V]) SetTopic(key any) string {
	return keyTopic(TopicSet, key)
}

// DeleteTopic returns the topic that fires when key is deleted.
func (m *Map[V]) DeleteTopic(key any) string {
	return keyTopic(TopicDelete, key)
}

func keyTopic(op string, key any) string {
	k, _ := keys.From(key)
	return op + "-" + k.String()
}
