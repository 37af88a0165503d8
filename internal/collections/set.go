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

// TopicAdd fires when a member joins a Set. Sets also fire TopicDelete and
// TopicClear.
const TopicAdd = "add"

// SetEvent describes one change to a Set's replica.
type SetEvent struct {
	Op     string // TopicAdd, TopicDelete or TopicClear
	Key    keys.Key
	Remote bool
}

// Set is a membership set replicated across processes through one store
// set and the channel of the same name. It follows the same bootstrap,
// queueing and write rules as Map.
//
// Add always runs the add script, even for a member the replica already
// holds: the replica may be behind a concurrent remote delete, and skipping
// the store would then lose the add. Only the local add event is
// deduplicated.
type Set struct {
	*replica
	members *ordered[struct{}]
	events  events.Emitter[SetEvent]
}

// NewSet starts replicating the set at key.
func NewSet(c *coordinator.Coordinator, key string) *Set {
	s := &Set{
		replica: newReplica(c, key, "set"),
		members: newOrdered[struct{}](),
	}
	s.replica.apply = s.apply
	s.replica.reset = s.members.clear
	s.start(s.snapshot)
	return s
}

func (s *Set) snapshot(ctx context.Context) (func(), error) {
	raw, err := s.c.Store.SMembers(ctx, s.key)
	if err != nil {
		return nil, err
	}

	loaded := make([]keys.Key, 0, len(raw))
	var corrupt []string
	for _, member := range raw {
		k, err := keys.Decode([]byte(member))
		if err != nil {
			glog.Warning(&CorruptEntryError{Key: s.key, Field: member, Err: err})
			corrupt = append(corrupt, member)
			continue
		}
		loaded = append(loaded, k)
	}
	if len(corrupt) > 0 {
		if err := s.c.Store.SRem(ctx, s.key, corrupt...); err != nil {
			glog.Warningf("set %s: deleting %d corrupt members: %v", s.key, len(corrupt), err)
		}
	}

	return func() {
		s.members.clear()
		for _, k := range loaded {
			s.members.set(k, struct{}{})
		}
	}, nil
}

func (s *Set) apply(msg cluster.SyncMessage, remote bool) func() {
	switch msg.Op {
	case cluster.OpAdd:
		k, ok := decodeKey(msg.Key)
		if !ok || !s.members.set(k, struct{}{}) {
			return nil
		}
		return s.notify(SetEvent{Op: TopicAdd, Key: k, Remote: remote})

	case cluster.OpDelete:
		k, ok := decodeKey(msg.Key)
		if !ok {
			return nil
		}
		if _, ok := s.members.remove(k); !ok {
			return nil
		}
		return s.notify(SetEvent{Op: TopicDelete, Key: k, Remote: remote})

	case cluster.OpClear:
		s.members.clear()
		return s.notify(SetEvent{Op: TopicClear, Remote: remote})
	}

	glog.Warningf("set %s: ignoring op %q", s.key, msg.Op)
	return nil
}

func (s *Set) notify(ev SetEvent) func() {
	return func() {
		s.events.Emit(ev.Op, ev)
		if ev.Op != TopicClear {
			s.events.Emit(ev.Op+"-"+ev.Key.String(), ev)
		}
	}
}

// Has reports whether key is a member.
func (s *Set) Has(key any) bool {
	k, err := keys.From(key)
	if err != nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.members.get(k)
	return ok
}

// Size returns the number of members.
func (s *Set) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.members.len()
}

// Members returns the members in the order the replica learned them.
func (s *Set) Members() []keys.Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.members.keys()
}

// Add makes key a member in the store, broadcasts it and applies it locally.
func (s *Set) Add(ctx context.Context, key any) error {
	return s.write(ctx, cluster.OpAdd, scripts.Add, key)
}

// Delete removes key from the store, broadcasts the removal and applies it
// locally.
func (s *Set) Delete(ctx context.Context, key any) error {
	return s.write(ctx, cluster.OpDelete, scripts.Remove, key)
}

func (s *Set) write(ctx context.Context, op, script string, key any) error {
	k, member, err := validKey(key)
	if err != nil {
		return err
	}
	if err := s.writable(); err != nil {
		return err
	}
	msg, payload, err := s.message(op, k, nil)
	if err != nil {
		return err
	}
	if err := s.replica.write(ctx, msg, script, s.key, member, payload); err != nil {
		return fmt.Errorf("set %s: %s %s: %w", s.key, op, k, err)
	}
	return nil
}

// Clear removes the whole set from the store and empties every replica.
func (s *Set) Clear(ctx context.Context) error {
	if err := s.writable(); err != nil {
		return err
	}
	msg, payload, err := s.message(cluster.OpClear, keys.Key{}, nil)
	if err != nil {
		return err
	}
	if err := s.replica.write(ctx, msg, scripts.Clear, s.key, payload); err != nil {
		return fmt.Errorf("set %s: clear: %w", s.key, err)
	}
	return nil
}

// On registers fn for topic: TopicAdd, TopicDelete, TopicClear or a
// key-specific topic from AddTopic or DeleteTopic.
func (s *Set) On(topic string, fn func(SetEvent)) events.Handle {
	h, _ := s.events.On(topic, fn)
	return h
}

// Off removes a listener registered with On.
func (s *Set) Off(topic string, h events.Handle) bool {
	ok, _ := s.events.Off(topic, h)
	return ok
}

// AddTopic returns the topic that fires when key joins the set.
func (s *Set) AddTopic(key any) string {
	return keyTopic(TopicAdd, key)
}

// DeleteTopic returns the topic that fires when key leaves the set.
func (s *Set) DeleteTopic(key any) string {
	return keyTopic(TopicDelete, key)
}
