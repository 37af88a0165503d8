package collections

import (
	"container/list"

	"github.com/dreamware/lobby/internal/keys"
)

// Entry is one key and its value.
type Entry[V any] struct {
	Key   keys.Key
	Value V
}

// ordered is an insertion-ordered map. Overwriting a key keeps its position.
// Not safe for concurrent use.
type ordered[V any] struct {
	index map[keys.Key]*list.Element
	order *list.List
}

func newOrdered[V any]() *ordered[V] {
	return &ordered[V]{
		index: make(map[keys.Key]*list.Element),
		order: list.New(),
	}
}

func (o *ordered[V]) get(k keys.Key) (V, bool) {
	if el, ok := o.index[k]; ok {
		return el.Value.(*Entry[V]).Value, true
	}
	var zero V
	return zero, false
}

// set stores v under k and reports whether k is new.
func (o *ordered[V]) set(k keys.Key, v V) bool {
	if el, ok := o.index[k]; ok {
		el.Value.(*Entry[V]).Value = v
		return false
	}
	o.index[k] = o.order.PushBack(&Entry[V]{Key: k, Value: v})
	return true
}

func (o *ordered[V]) remove(k keys.Key) (V, bool) {
	el, ok := o.index[k]
	if !ok {
		var zero V
		return zero, false
	}
	delete(o.index, k)
	o.order.Remove(el)
	return el.Value.(*Entry[V]).Value, true
}

func (o *ordered[V]) clear() {
	o.index = make(map[keys.Key]*list.Element)
	o.order.Init()
}

func (o *ordered[V]) len() int { return len(o.index) }

func (o *ordered[V]) keys() []keys.Key {
	out := make([]keys.Key, 0, len(o.index))
	for el := o.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*Entry[V]).Key)
	}
	return out
}

func (o *ordered[V]) entries() []Entry[V] {
	out := make([]Entry[V], 0, len(o.index))
	for el := o.order.Front(); el != nil; el = el.Next() {
		out = append(out, *el.Value.(*Entry[V]))
	}
	return out
}
