package collections

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/golang/glog"

	"github.com/dreamware/lobby/internal/broker"
	"github.com/dreamware/lobby/internal/cluster"
	"github.com/dreamware/lobby/internal/coordinator"
	"github.com/dreamware/lobby/internal/keys"
)

// writeSeq numbers the local writes of every replica in the process.
var writeSeq atomic.Uint64

// ownWrite tracks a local write between its call and its broadcast.
// committed is set once the store acknowledged it and the replica applied
// it; echoed once its broadcast arrived first. mark is the count of remote
// messages applied when it was committed.
type ownWrite struct {
	committed bool
	echoed    bool
	mark      uint64
}

// replica is the bootstrap and sync-message plumbing shared by the
// replicated collections. The collection supplies apply and reset; both run
// with mu held. apply returns the notifications to fire once mu is released.
type replica struct {
	c       *coordinator.Coordinator
	key     string
	kind    string
	apply   func(msg cluster.SyncMessage, remote bool) func()
	reset   func()
	ctx     context.Context
	cancel  context.CancelFunc
	loaded  chan struct{}
	pending []cluster.SyncMessage
	sub     broker.Subscription
	err     error
	mu      sync.RWMutex

	// writes holds local writes whose broadcast has not arrived yet, by
	// sequence number. remotes counts applied remote messages.
	writes  map[uint64]*ownWrite
	remotes uint64

	// eventual replicas apply messages as they arrive, bootstrap or not,
	// and treat their own like any other.
	eventual bool

	ready      bool
	killed     bool
	subscribed bool
}

// snapshotFunc reads the store and returns the function that installs the
// result into the replica. install runs with mu held.
type snapshotFunc func(ctx context.Context) (install func(), err error)

func newReplica(c *coordinator.Coordinator, key, kind string) *replica {
	ctx, cancel := context.WithCancel(context.Background())
	return &replica{
		c:      c,
		key:    key,
		kind:   kind,
		ctx:    ctx,
		cancel: cancel,
		loaded: make(chan struct{}),
		writes: make(map[uint64]*ownWrite),
	}
}

func (r *replica) start(snapshot snapshotFunc) {
	go r.bootstrap(snapshot)
}

// bootstrap subscribes before reading the snapshot so that every mutation
// is seen by at least one of the two paths. Messages that arrive in between
// wait in pending and are replayed in order over the snapshot. Eventual
// replicas have already applied and announced them, so their replay is
// silent.
func (r *replica) bootstrap(snapshot snapshotFunc) {
	defer close(r.loaded)

	sub, err := r.c.Broker.On(r.ctx, r.key, r.receive)
	if err != nil {
		r.abort(fmt.Errorf("subscribe: %w", err))
		return
	}
	r.mu.Lock()
	if r.killed {
		r.mu.Unlock()
		r.detach(sub)
		return
	}
	r.sub, r.subscribed = sub, true
	r.mu.Unlock()

	install, err := snapshot(r.ctx)
	if err != nil {
		r.abort(fmt.Errorf("snapshot: %w", err))
		return
	}

	r.mu.Lock()
	if r.killed {
		r.mu.Unlock()
		return
	}
	install()
	var notify []func()
	for _, msg := range r.pending {
		fn := r.fold(msg)
		if fn != nil && !r.eventual {
			notify = append(notify, fn)
		}
	}
	replayed := len(r.pending)
	r.pending = nil
	r.ready = true
	r.mu.Unlock()

	for _, fn := range notify {
		fn()
	}
	glog.V(1).Infof("%s %s loaded, %d queued messages replayed", r.kind, r.key, replayed)
}

func (r *replica) abort(err error) {
	r.mu.Lock()
	if r.killed {
		r.mu.Unlock()
		return
	}
	glog.Errorf("%s %s: bootstrap failed: %v", r.kind, r.key, err)
	r.err = err
	r.pending = nil
	sub, subscribed := r.sub, r.subscribed
	r.subscribed = false
	r.mu.Unlock()

	if subscribed {
		r.detach(sub)
	}
}

func (r *replica) detach(sub broker.Subscription) error {
	if err := r.c.Broker.RemoveListener(context.Background(), sub); err != nil {
		glog.Warningf("%s %s: remove listener: %v", r.kind, r.key, err)
		return err
	}
	return nil
}

// receive is the broker listener. The broker never calls it concurrently.
func (r *replica) receive(msg cluster.SyncMessage) {
	r.mu.Lock()
	if r.killed || r.err != nil {
		r.mu.Unlock()
		return
	}
	var fn func()
	switch {
	case r.ready:
		fn = r.fold(msg)
	case r.eventual:
		// applied now and again over the snapshot: tracking messages carry
		// totals, so the replay cannot double count
		r.pending = append(r.pending, msg)
		fn = r.apply(msg, true)
	default:
		r.pending = append(r.pending, msg)
	}
	r.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// fold applies a channel message at its place in the store's order. A
// broadcast of a local write lands again even though the write was applied
// on acknowledgement, so that a remote write the store ordered before it
// cannot win. The repeat is silent unless remote messages were applied in
// between. Runs with mu held.
func (r *replica) fold(msg cluster.SyncMessage) func() {
	if r.eventual {
		return r.apply(msg, true)
	}
	if !msg.FromSelf(r.c.ProcessID) {
		r.remotes++
		return r.apply(msg, true)
	}

	w, ok := r.writes[msg.Seq]
	switch {
	case !ok:
		return r.apply(msg, false)
	case w.committed:
		delete(r.writes, msg.Seq)
		fn := r.apply(msg, false)
		if w.mark == r.remotes {
			return nil
		}
		return fn
	default:
		w.echoed = true
		return r.apply(msg, false)
	}
}

// write runs a script for a local write and commits msg once the store has
// acknowledged it. Cancelling ctx stops the wait, not the write: the call
// finishes in the background and still commits, so the replica never misses
// a write the store applied.
func (r *replica) write(ctx context.Context, msg cluster.SyncMessage, script string, args ...string) error {
	r.mu.Lock()
	r.writes[msg.Seq] = &ownWrite{}
	r.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := r.c.Broker.Call(context.WithoutCancel(ctx), script, args...)
		r.commit(msg, err)
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// commit settles a local write once the store has answered. A write whose
// broadcast already arrived was applied then.
func (r *replica) commit(msg cluster.SyncMessage, err error) {
	r.mu.Lock()
	w, ok := r.writes[msg.Seq]
	if r.killed || !ok || err != nil || w.echoed {
		delete(r.writes, msg.Seq)
		r.mu.Unlock()
		return
	}
	w.committed, w.mark = true, r.remotes
	fn := r.apply(msg, false)
	r.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// writable reports why a write cannot be issued right now, if it cannot.
func (r *replica) writable() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	switch {
	case r.killed:
		return ErrKilled
	case r.err != nil:
		return fmt.Errorf("%w: %v", ErrNotLoaded, r.err)
	case !r.ready:
		return ErrNotLoaded
	}
	return nil
}

// message builds the sync message for a local write and its wire form.
func (r *replica) message(op string, key keys.Key, value []byte) (cluster.SyncMessage, string, error) {
	msg := cluster.SyncMessage{ProcessID: r.c.ProcessID, Op: op, Value: value, Seq: writeSeq.Add(1)}
	if key.Valid() {
		kb, err := key.Encode()
		if err != nil {
			return msg, "", err
		}
		msg.Key = kb
	}
	payload, err := msg.Encode()
	if err != nil {
		return msg, "", err
	}
	return msg, string(payload), nil
}

// Key returns the store key the collection is replicated over.
func (r *replica) Key() string {
	return r.key
}

// Loaded reports whether the initial snapshot has been absorbed.
func (r *replica) Loaded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ready && !r.killed
}

// Done is closed once bootstrap has finished, successfully or not.
func (r *replica) Done() <-chan struct{} {
	return r.loaded
}

// Wait blocks until bootstrap has finished or ctx is done. It returns the
// bootstrap error, if any.
func (r *replica) Wait(ctx context.Context) error {
	select {
	case <-r.loaded:
	case <-ctx.Done():
		return ctx.Err()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.killed {
		return ErrKilled
	}
	return r.err
}

// Kill detaches the collection from the broker and empties the replica.
// Store data is left in place for the other processes.
func (r *replica) Kill() error {
	r.mu.Lock()
	if r.killed {
		r.mu.Unlock()
		return nil
	}
	r.killed = true
	r.reset()
	r.pending = nil
	r.writes = make(map[uint64]*ownWrite)
	sub, subscribed := r.sub, r.subscribed
	r.subscribed = false
	r.mu.Unlock()

	r.cancel()
	glog.V(1).Infof("%s %s killed", r.kind, r.key)
	if subscribed {
		return r.detach(sub)
	}
	return nil
}

func validKey(key any) (keys.Key, string, error) {
	k, err := keys.From(key)
	if err != nil {
		return keys.Key{}, "", err
	}
	b, err := k.Encode()
	if err != nil {
		return keys.Key{}, "", err
	}
	return k, string(b), nil
}

// decodeKey decodes a sync message key. A message without a key addresses
// the null key.
func decodeKey(raw []byte) (keys.Key, bool) {
	if len(raw) == 0 {
		return keys.Null(), true
	}
	k, err := keys.Decode(raw)
	if err != nil {
		glog.Warningf("dropping sync message with bad key %s: %v", raw, err)
		return keys.Key{}, false
	}
	return k, true
}
