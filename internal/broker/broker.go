package broker

import (
	"context"
	"sync"

	"github.com/golang/glog"

	"github.com/dreamware/lobby/internal/cluster"
	"github.com/dreamware/lobby/internal/events"
	"github.com/dreamware/lobby/internal/store"
)

// Listener receives decoded sync messages for one channel.
type Listener func(msg cluster.SyncMessage)

// Subscription identifies a registered listener. Pass it to RemoveListener.
type Subscription struct {
	Channel string
	handle  events.Handle
}

// Broker multiplexes one store connection's pub/sub traffic across any
// number of local listeners and exposes the registered atomic scripts.
//
// Exactly one store subscription exists per channel regardless of how many
// listeners are registered on it: the first listener subscribes, the last
// one removed unsubscribes.
//
// Messages are dispatched on a single goroutine in the order the store
// delivers them, so listeners on one channel never run concurrently with
// each other.
type Broker struct {
	store     store.Store
	listeners events.Emitter[cluster.SyncMessage]
	scripts   map[string]*Script
	ctx       context.Context
	cancel    context.CancelFunc
	dead      chan struct{}
	err       error
	wg        sync.WaitGroup
	subMu     sync.Mutex   // serializes refcount changes with store (un)subscribes
	mu        sync.RWMutex // protects scripts and err
	startOnce sync.Once
	deadOnce  sync.Once
}

// New creates a broker over s. Call Start to begin dispatching.
func New(s store.Store) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		store:   s,
		scripts: make(map[string]*Script),
		ctx:     ctx,
		cancel:  cancel,
		dead:    make(chan struct{}),
	}
}

// Start launches the dispatch loop. Calling it more than once has no effect.
func (b *Broker) Start() {
	b.startOnce.Do(func() {
		b.wg.Add(1)
		go b.dispatch()
	})
}

func (b *Broker) dispatch() {
	defer b.wg.Done()
	msgs := b.store.Messages()
	for {
		select {
		case <-b.ctx.Done():
			return
		case m, ok := <-msgs:
			if !ok {
				if b.ctx.Err() == nil {
					b.fail(ErrDisconnected)
				}
				return
			}
			b.deliver(m)
		}
	}
}

func (b *Broker) deliver(m store.Message) {
	msg, err := cluster.DecodeSyncMessage([]byte(m.Payload))
	if err != nil {
		glog.Warningf("broker: dropping message on %s: %v", m.Channel, err)
		return
	}
	n := b.listeners.Emit(m.Channel, msg)
	if glog.V(2) {
		glog.Infof("broker: %s op=%s from %s to %d listeners", m.Channel, msg.Op, msg.ProcessID, n)
	}
}

func (b *Broker) fail(err error) {
	b.deadOnce.Do(func() {
		glog.Errorf("broker: %v", err)
		b.mu.Lock()
		b.err = err
		b.mu.Unlock()
		close(b.dead)
	})
}

// On registers fn for channel, subscribing to the store if this is the
// channel's first listener. The subscription is confirmed before On
// returns. On failure nothing is registered.
func (b *Broker) On(ctx context.Context, channel string, fn Listener) (Subscription, error) {
	if b.ctx.Err() != nil {
		return Subscription{}, ErrClosed
	}

	b.subMu.Lock()
	defer b.subMu.Unlock()

	if b.listeners.Count(channel) == 0 {
		if err := b.store.Subscribe(ctx, channel); err != nil {
			return Subscription{}, err
		}
		glog.V(1).Infof("broker: subscribed to %s", channel)
	}
	h, _ := b.listeners.On(channel, fn)
	return Subscription{Channel: channel, handle: h}, nil
}

// Once registers fn for the next message on channel only. The listener is
// removed in the background, since the dispatch goroutine it fires on must
// not wait for a subscription in progress on another channel.
func (b *Broker) Once(ctx context.Context, channel string, fn Listener) (Subscription, error) {
	var (
		once  sync.Once
		sub   Subscription
		ready = make(chan struct{})
	)
	sub, err := b.On(ctx, channel, func(msg cluster.SyncMessage) {
		<-ready
		fired := false
		once.Do(func() { fired = true })
		if !fired {
			return
		}
		go func() {
			if err := b.RemoveListener(context.Background(), sub); err != nil {
				glog.Warningf("broker: removing once listener on %s: %v", channel, err)
			}
		}()
		fn(msg)
	})
	close(ready)
	return sub, err
}

// RemoveListener unregisters a listener, unsubscribing from the store when
// it was the channel's last. Removing an already-removed listener is a no-op.
func (b *Broker) RemoveListener(ctx context.Context, sub Subscription) error {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	removed, left := b.listeners.Off(sub.Channel, sub.handle)
	if !removed || left > 0 {
		return nil
	}
	if b.ctx.Err() != nil {
		return nil
	}
	glog.V(1).Infof("broker: unsubscribing from %s", sub.Channel)
	return b.store.Unsubscribe(ctx, sub.Channel)
}

// ListenerCount returns the number of local listeners on channel.
func (b *Broker) ListenerCount(channel string) int {
	return b.listeners.Count(channel)
}

// Channels returns the channels with at least one listener, sorted.
func (b *Broker) Channels() []string {
	return b.listeners.Topics()
}

// Disconnected is closed when the store's message stream ends unexpectedly.
func (b *Broker) Disconnected() <-chan struct{} {
	return b.dead
}

// Err returns ErrDisconnected after a disconnection, nil otherwise.
func (b *Broker) Err() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.err
}

// Close stops dispatching and drops every listener. It does not close the
// store, which the caller owns.
func (b *Broker) Close() error {
	b.cancel()
	b.wg.Wait()
	b.listeners.Reset()
	return nil
}
