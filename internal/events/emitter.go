// Package events provides the ordered multi-listener registry shared by the
// broker (listeners per channel) and the collections (listeners per event).
package events

import (
	"sync"

	"golang.org/x/exp/slices"
)

// Handle identifies one registered listener. Handles are never reused by
// the Emitter that issued them.
type Handle uint64

type entry[T any] struct {
	fn func(T)
	id Handle
}

// Emitter keeps listeners per topic in registration order.
// The zero value is ready to use. Safe for concurrent use; listeners are
// invoked without holding the emitter's lock, so a listener may register or
// remove listeners.
type Emitter[T any] struct {
	topics map[string][]entry[T]
	mu     sync.RWMutex
	next   Handle
}

// On registers fn for topic and returns its handle along with the number of
// listeners the topic has afterwards.
func (e *Emitter[T]) On(topic string, fn func(T)) (Handle, int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.topics == nil {
		e.topics = make(map[string][]entry[T])
	}
	e.next++
	e.topics[topic] = append(e.topics[topic], entry[T]{id: e.next, fn: fn})
	return e.next, len(e.topics[topic])
}

// Off removes the listener with handle h from topic. It reports whether a
// listener was removed and how many remain on the topic.
func (e *Emitter[T]) Off(topic string, h Handle) (bool, int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	list := e.topics[topic]
	idx := slices.IndexFunc(list, func(en entry[T]) bool { return en.id == h })
	if idx < 0 {
		return false, len(list)
	}
	list = slices.Delete(list, idx, idx+1)
	if len(list) == 0 {
		delete(e.topics, topic)
		return true, 0
	}
	e.topics[topic] = list
	return true, len(list)
}

// Emit invokes every listener of topic with v, in registration order, and
// returns how many were invoked.
func (e *Emitter[T]) Emit(topic string, v T) int {
	e.mu.RLock()
	list := slices.Clone(e.topics[topic])
	e.mu.RUnlock()

	for _, en := range list {
		en.fn(v)
	}
	return len(list)
}

// Count returns the number of listeners on topic.
func (e *Emitter[T]) Count(topic string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.topics[topic])
}

// Topics returns the topics that currently have listeners, sorted.
func (e *Emitter[T]) Topics() []string {
	e.mu.RLock()
	out := make([]string, 0, len(e.topics))
	for topic := range e.topics {
		out = append(out, topic)
	}
	e.mu.RUnlock()

	slices.Sort(out)
	return out
}

// Reset drops every listener on every topic.
func (e *Emitter[T]) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.topics = nil
}
