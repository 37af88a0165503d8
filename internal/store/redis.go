package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"
)

// Redis is a Store backed by a Redis server through go-redis.
// One Redis value owns one pub/sub connection; commands share the client's pool.
type Redis struct {
	client   *redis.Client
	pubsub   *redis.PubSub
	messages chan Message
	waiting  map[string][]chan struct{} // channel -> subscribe confirmations awaited
	ctx      context.Context
	cancel   context.CancelFunc
	err      error
	mu       sync.Mutex
	wg       sync.WaitGroup
}

var _ Store = (*Redis)(nil)

// NewRedisClient returns a go-redis client configured the way Redis expects:
// RESP2, so HGETALL keeps its field order as a flat reply.
func NewRedisClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Protocol: 2,
	})
}

// NewRedis wraps client and starts the pub/sub receive loop.
// The client is closed by Close.
func NewRedis(client *redis.Client) *Redis {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Redis{
		client:   client,
		pubsub:   client.Subscribe(ctx),
		messages: make(chan Message, 256),
		waiting:  make(map[string][]chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	r.wg.Add(1)
	go r.receive()
	return r
}

// receive forwards pub/sub traffic to Messages and resolves pending
// subscribe confirmations. Any receive error ends the loop: a lost pub/sub
// connection means lost messages, which the replicas cannot recover from.
func (r *Redis) receive() {
	defer r.wg.Done()
	defer close(r.messages)

	for {
		msg, err := r.pubsub.Receive(r.ctx)
		if err != nil {
			if r.ctx.Err() == nil {
				glog.Errorf("redis pubsub receive: %v", err)
				r.mu.Lock()
				r.err = err
				r.mu.Unlock()
			}
			r.releaseWaiters()
			return
		}

		switch m := msg.(type) {
		case *redis.Subscription:
			if m.Kind == "subscribe" {
				r.confirm(m.Channel)
			}
		case *redis.Message:
			select {
			case r.messages <- Message{Channel: m.Channel, Payload: m.Payload}:
			case <-r.ctx.Done():
				return
			}
		case *redis.Pong:
		default:
			glog.Warningf("redis pubsub: unexpected %T", msg)
		}
	}
}

func (r *Redis) confirm(channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.waiting[channel]
	if len(list) == 0 {
		return
	}
	close(list[0])
	if len(list) == 1 {
		delete(r.waiting, channel)
		return
	}
	r.waiting[channel] = list[1:]
}

func (r *Redis) releaseWaiters() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ch, list := range r.waiting {
		for _, w := range list {
			close(w)
		}
		delete(r.waiting, ch)
	}
}

// Err returns the error that ended the receive loop, if any.
func (r *Redis) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// HGetAll implements Store.
func (r *Redis) HGetAll(ctx context.Context, key string) ([]Field, error) {
	flat, err := r.client.Do(ctx, "HGETALL", key).StringSlice()
	if err != nil {
		return nil, wrap(err)
	}
	out := make([]Field, 0, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		out = append(out, Field{Name: flat[i], Value: flat[i+1]})
	}
	return out, nil
}

// HGet implements Store.
func (r *Redis) HGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := r.client.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrap(err)
	}
	return v, true, nil
}

// HExists implements Store.
func (r *Redis) HExists(ctx context.Context, key, field string) (bool, error) {
	ok, err := r.client.HExists(ctx, key, field).Result()
	return ok, wrap(err)
}

// HSet implements Store.
func (r *Redis) HSet(ctx context.Context, key, field, value string) error {
	return wrap(r.client.HSet(ctx, key, field, value).Err())
}

// HDel implements Store.
func (r *Redis) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	return wrap(r.client.HDel(ctx, key, fields...).Err())
}

// SMembers implements Store.
func (r *Redis) SMembers(ctx context.Context, key string) ([]string, error) {
	out, err := r.client.SMembers(ctx, key).Result()
	return out, wrap(err)
}

// SIsMember implements Store.
func (r *Redis) SIsMember(ctx context.Context, key, member string) (bool, error) {
	ok, err := r.client.SIsMember(ctx, key, member).Result()
	return ok, wrap(err)
}

// SAdd implements Store.
func (r *Redis) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return wrap(r.client.SAdd(ctx, key, toArgs(members)...).Err())
}

// SRem implements Store.
func (r *Redis) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return wrap(r.client.SRem(ctx, key, toArgs(members)...).Err())
}

// Get implements Store.
func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrap(err)
	}
	return v, true, nil
}

// Set implements Store.
func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return wrap(r.client.Set(ctx, key, value, ttl).Err())
}

// Del implements Store.
func (r *Redis) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return wrap(r.client.Del(ctx, keys...).Err())
}

// ScriptLoad implements Store. Redis does not need the name.
func (r *Redis) ScriptLoad(ctx context.Context, name, source string) (string, error) {
	sha, err := r.client.ScriptLoad(ctx, source).Result()
	if err != nil {
		return "", fmt.Errorf("script %s: %w", name, wrap(err))
	}
	return sha, nil
}

// EvalSHA implements Store.
func (r *Redis) EvalSHA(ctx context.Context, digest string, keys []string, args ...string) (any, error) {
	res, err := r.client.EvalSha(ctx, digest, keys, toArgs(args)...).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap(err)
	}
	return res, nil
}

// Subscribe implements Store. It blocks until Redis has confirmed every
// channel on the pub/sub connection.
func (r *Redis) Subscribe(ctx context.Context, channels ...string) error {
	if len(channels) == 0 {
		return nil
	}
	if r.ctx.Err() != nil {
		return ErrClosed
	}

	waits := make([]chan struct{}, len(channels))
	r.mu.Lock()
	for i, ch := range channels {
		waits[i] = make(chan struct{})
		r.waiting[ch] = append(r.waiting[ch], waits[i])
	}
	r.mu.Unlock()

	if err := r.pubsub.Subscribe(ctx, channels...); err != nil {
		r.forget(channels, waits)
		return wrap(err)
	}

	for _, w := range waits {
		select {
		case <-w:
		case <-ctx.Done():
			r.forget(channels, waits)
			return ctx.Err()
		}
	}
	if err := r.Err(); err != nil {
		return err
	}
	if r.ctx.Err() != nil {
		return ErrClosed
	}
	return nil
}

// forget removes confirmation waiters that will no longer be awaited.
func (r *Redis) forget(channels []string, waits []chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, ch := range channels {
		list := r.waiting[ch]
		for j, w := range list {
			if w == waits[i] {
				list = append(list[:j], list[j+1:]...)
				break
			}
		}
		if len(list) == 0 {
			delete(r.waiting, ch)
		} else {
			r.waiting[ch] = list
		}
	}
}

// Unsubscribe implements Store.
func (r *Redis) Unsubscribe(ctx context.Context, channels ...string) error {
	if len(channels) == 0 {
		return nil
	}
	return wrap(r.pubsub.Unsubscribe(ctx, channels...))
}

// Messages implements Store.
func (r *Redis) Messages() <-chan Message {
	return r.messages
}

// Close implements Store.
func (r *Redis) Close() error {
	r.cancel()
	err := r.pubsub.Close()
	r.wg.Wait()
	if cerr := r.client.Close(); err == nil {
		err = cerr
	}
	return err
}

func toArgs(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

// wrap maps Redis error replies onto the package's sentinel errors.
func wrap(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.HasPrefix(msg, "NOSCRIPT"):
		return fmt.Errorf("%w: %s", ErrNoScript, msg)
	case strings.HasPrefix(msg, "WRONGTYPE"):
		return fmt.Errorf("%w: %s", ErrWrongType, msg)
	case errors.Is(err, redis.ErrClosed):
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return err
}
