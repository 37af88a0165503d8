package collections

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/golang/glog"

	"github.com/dreamware/lobby/internal/cluster"
	"github.com/dreamware/lobby/internal/coordinator"
	"github.com/dreamware/lobby/internal/events"
	"github.com/dreamware/lobby/internal/keys"
	"github.com/dreamware/lobby/internal/scripts"
)

// TopicUpdate fires after every change to a Tracking replica.
const TopicUpdate = "update"

// TrackingEvent describes one change to a Tracking replica. Key is unset
// for clear and expiry events; Value is the new total for set events.
type TrackingEvent struct {
	Op    string // cluster.OpTrackSet, OpTrackDelete, OpTrackClear or OpTrackExpire
	Key   keys.Key
	Value int64
}

// Tracking is a sparse map of non-negative counters summed across
// processes. Each process's contribution lives in the store until the
// process stops refreshing it for longer than the coordinator's tracking
// ttl, after which it is swept away.
//
// Tracking is eventually consistent. Writes do not touch the replica; it
// changes only when the resulting broadcast arrives, this process's own
// included, so a read right after Incr may not reflect it yet.
type Tracking struct {
	*replica
	counts *ordered[int64]
	events events.Emitter[TrackingEvent]
}

// NewTracking starts replicating the counters at key and registers them
// with the coordinator's refresher.
func NewTracking(c *coordinator.Coordinator, key string) *Tracking {
	t := &Tracking{
		replica: newReplica(c, key, "tracking"),
		counts:  newOrdered[int64](),
	}
	t.eventual = true
	t.replica.apply = t.apply
	t.replica.reset = t.counts.clear
	c.Refresher.Register(t)
	t.start(t.snapshot)
	return t
}

func (t *Tracking) snapshot(ctx context.Context) (func(), error) {
	res, err := t.call(ctx, scripts.TrackGetAll, "")
	if err != nil {
		return nil, err
	}
	flat, ok := res.([]any)
	if !ok && res != nil {
		return nil, fmt.Errorf("getall returned %T", res)
	}

	loaded := make([]Entry[int64], 0, len(flat)/2)
	var corrupt []string
	for i := 0; i+1 < len(flat); i += 2 {
		field, _ := flat[i].(string)
		total, err := toInt64(flat[i+1])
		var k keys.Key
		if err == nil {
			k, err = keys.Decode([]byte(field))
		}
		if err != nil {
			glog.Warning(&CorruptEntryError{Key: t.key, Field: field, Err: err})
			corrupt = append(corrupt, field)
			continue
		}
		if total > 0 {
			loaded = append(loaded, Entry[int64]{Key: k, Value: total})
		}
	}
	if len(corrupt) > 0 {
		if err := t.c.Store.HDel(ctx, t.key, corrupt...); err != nil {
			glog.Warningf("tracking %s: deleting %d corrupt totals: %v", t.key, len(corrupt), err)
		}
	}

	return func() {
		t.counts.clear()
		for _, e := range loaded {
			t.counts.set(e.Key, e.Value)
		}
	}, nil
}

func (t *Tracking) apply(msg cluster.SyncMessage, _ bool) func() {
	ev := TrackingEvent{Op: msg.Op}

	switch msg.Op {
	case cluster.OpTrackSet:
		k, ok := decodeKey(msg.Key)
		if !ok {
			return nil
		}
		var total int64
		if err := json.Unmarshal(msg.Value, &total); err != nil {
			glog.Warningf("tracking %s: bad total for %s: %v", t.key, k, err)
			return nil
		}
		if total > 0 {
			t.counts.set(k, total)
		} else {
			t.counts.remove(k)
			total = 0
		}
		ev.Key, ev.Value = k, total

	case cluster.OpTrackDelete:
		k, ok := decodeKey(msg.Key)
		if !ok {
			return nil
		}
		t.counts.remove(k)
		ev.Key = k

	case cluster.OpTrackClear:
		t.counts.clear()

	case cluster.OpTrackExpire:
		totals, err := decodeTotals(msg.Value)
		if err != nil {
			glog.Warningf("tracking %s: bad expiry snapshot: %v", t.key, err)
			return nil
		}
		t.counts.clear()
		for _, e := range totals {
			t.counts.set(e.Key, e.Value)
		}

	default:
		glog.Warningf("tracking %s: ignoring op %q", t.key, msg.Op)
		return nil
	}

	return func() { t.events.Emit(TopicUpdate, ev) }
}

// decodeTotals parses an expiry snapshot: [[key,total],...]. An absent
// snapshot means no totals remain.
func decodeTotals(raw json.RawMessage) ([]Entry[int64], error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var pairs [][2]json.RawMessage
	if err := json.Unmarshal(raw, &pairs); err != nil {
		return nil, err
	}
	out := make([]Entry[int64], 0, len(pairs))
	for _, p := range pairs {
		k, err := keys.Decode(p[0])
		if err != nil {
			return nil, err
		}
		var total int64
		if err := json.Unmarshal(p[1], &total); err != nil {
			return nil, err
		}
		if total > 0 {
			out = append(out, Entry[int64]{Key: k, Value: total})
		}
	}
	return out, nil
}

func (t *Tracking) call(ctx context.Context, op, field string) (any, error) {
	return trackingCall(ctx, t.c, t.key, op, field)
}

func trackingCall(ctx context.Context, c *coordinator.Coordinator, key, op, field string) (any, error) {
	args := []string{
		key,
		op,
		c.ProcessID,
		strconv.FormatInt(c.NowMillis(), 10),
		strconv.FormatInt(c.TTLMillis(), 10),
	}
	if field != "" {
		args = append(args, field)
	}
	res, err := c.Broker.Call(ctx, scripts.Tracking, args...)
	if err != nil {
		return nil, fmt.Errorf("tracking %s: %s: %w", key, op, err)
	}
	return res, nil
}

func (t *Tracking) alive() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.killed {
		return ErrKilled
	}
	return nil
}

// Get returns the total for key, zero if absent.
func (t *Tracking) Get(key any) int64 {
	k, err := keys.From(key)
	if err != nil {
		return 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, _ := t.counts.get(k)
	return n
}

// Size returns the number of non-zero counters.
func (t *Tracking) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.counts.len()
}

// Entries returns a copy of the counters.
func (t *Tracking) Entries() []Entry[int64] {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.counts.entries()
}

// Incr adds one to this process's contribution for key and returns the new
// total as computed by the store.
func (t *Tracking) Incr(ctx context.Context, key any) (int64, error) {
	return t.step(ctx, scripts.TrackIncr, key)
}

// Decr takes one from this process's contribution for key and returns the
// new total. It is a no-op when this process has contributed nothing to
// key, so totals never go negative.
func (t *Tracking) Decr(ctx context.Context, key any) (int64, error) {
	return t.step(ctx, scripts.TrackDecr, key)
}

func (t *Tracking) step(ctx context.Context, op string, key any) (int64, error) {
	_, field, err := validKey(key)
	if err != nil {
		return 0, err
	}
	if err := t.alive(); err != nil {
		return 0, err
	}
	res, err := t.call(ctx, op, field)
	if err != nil {
		return 0, err
	}
	return toInt64(res)
}

// Delete removes key from every process's contribution.
func (t *Tracking) Delete(ctx context.Context, key any) error {
	_, field, err := validKey(key)
	if err != nil {
		return err
	}
	if err := t.alive(); err != nil {
		return err
	}
	_, err = t.call(ctx, scripts.TrackDel, field)
	return err
}

// Clear removes every counter and contribution.
func (t *Tracking) Clear(ctx context.Context) error {
	if err := t.alive(); err != nil {
		return err
	}
	_, err := t.call(ctx, scripts.TrackClear, "")
	return err
}

// Refresh marks this process's contributions as alive and sweeps other
// processes' expired ones. The coordinator's refresher calls it.
func (t *Tracking) Refresh(ctx context.Context) error {
	if err := t.alive(); err != nil {
		return err
	}
	_, err := t.call(ctx, scripts.TrackRefresh, "")
	return err
}

// Kill unregisters from the refresher and detaches from the broker. This
// process's contributions stay in the store until they expire.
func (t *Tracking) Kill() error {
	t.c.Refresher.Unregister(t)
	return t.replica.Kill()
}

// On registers fn for TopicUpdate.
func (t *Tracking) On(topic string, fn func(TrackingEvent)) events.Handle {
	h, _ := t.events.On(topic, fn)
	return h
}

// Off removes a listener registered with On.
func (t *Tracking) Off(topic string, h events.Handle) bool {
	ok, _ := t.events.Off(topic, h)
	return ok
}

// Sweeper expires stale contributions to a tracking key without
// contributing to it. The expirer process registers one per key with its
// refresher.
type Sweeper struct {
	c   *coordinator.Coordinator
	key string
}

// NewSweeper returns a Sweeper for the tracking key.
func NewSweeper(c *coordinator.Coordinator, key string) *Sweeper {
	return &Sweeper{c: c, key: key}
}

// Key returns the swept tracking key.
func (s *Sweeper) Key() string { return s.key }

// Refresh implements coordinator.Refreshable.
func (s *Sweeper) Refresh(ctx context.Context) error {
	_, err := trackingCall(ctx, s.c, s.key, scripts.TrackSweep, "")
	return err
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	}
	return 0, fmt.Errorf("unexpected script result %T", v)
}
