package collections

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/lobby/internal/coordinator"
	"github.com/dreamware/lobby/internal/store"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

// testStore wraps one process's connection. Snapshot reads block until the
// gate opens and script calls can be made to fail.
type testStore struct {
	store.Store
	gate     chan struct{}
	openOnce sync.Once
	evals    atomic.Int32
	failEval atomic.Bool
	hold     atomic.Pointer[replyHold]
}

// replyHold delays the replies of matching script calls. The script has
// already run when its reply is held.
type replyHold struct {
	match   func(args []string) bool
	entered func()
	release chan struct{}
}

// holdReplies holds back the replies of script calls whose arguments match
// until release is called. held is closed once the first one is held.
func (s *testStore) holdReplies(match func(args []string) bool) (held <-chan struct{}, release func()) {
	h := &replyHold{match: match, release: make(chan struct{})}
	entered := make(chan struct{})
	var once sync.Once
	h.entered = func() { once.Do(func() { close(entered) }) }
	s.hold.Store(h)
	return entered, func() { close(h.release) }
}

func (s *testStore) open() {
	s.openOnce.Do(func() { close(s.gate) })
}

func (s *testStore) wait(ctx context.Context) error {
	select {
	case <-s.gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *testStore) HGetAll(ctx context.Context, key string) ([]store.Field, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	return s.Store.HGetAll(ctx, key)
}

func (s *testStore) SMembers(ctx context.Context, key string) ([]string, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	return s.Store.SMembers(ctx, key)
}

func (s *testStore) EvalSHA(ctx context.Context, digest string, keys []string, args ...string) (any, error) {
	s.evals.Add(1)
	if s.failEval.Load() {
		return nil, errors.New("connection reset")
	}
	res, err := s.Store.EvalSHA(ctx, digest, keys, args...)
	if h := s.hold.Load(); h != nil && h.match(args) {
		h.entered()
		<-h.release
	}
	return res, err
}

// process is one simulated process: a connection and its coordinator.
type process struct {
	*coordinator.Coordinator
	store *testStore
}

func newBackend(t *testing.T) *miniredis.Miniredis {
	return miniredis.RunT(t)
}

func join(t *testing.T, mr *miniredis.Miniredis, id string) *process {
	return joinWith(t, mr, coordinator.Options{ProcessID: id}, true)
}

func joinGated(t *testing.T, mr *miniredis.Miniredis, id string) *process {
	return joinWith(t, mr, coordinator.Options{ProcessID: id}, false)
}

func joinWith(t *testing.T, mr *miniredis.Miniredis, opts coordinator.Options, open bool) *process {
	t.Helper()
	conn := store.NewRedis(store.NewRedisClient(mr.Addr()))
	ts := &testStore{Store: conn, gate: make(chan struct{})}
	if open {
		ts.open()
	}
	if opts.RefreshInterval == 0 {
		opts.RefreshInterval = time.Hour
	}
	c, err := coordinator.New(context.Background(), ts, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ts.open()
		c.Close()
		conn.Close()
	})
	return &process{Coordinator: c, store: ts}
}

func loaded(t *testing.T, r interface{ Wait(context.Context) error }) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, r.Wait(ctx))
}

func pending(r *replica) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pending)
}

// recorder collects events from any collection.
type recorder[E any] struct {
	mu     sync.Mutex
	events []E
}

func (r *recorder[E]) add(ev E) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder[E]) all() []E {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]E(nil), r.events...)
}

func (r *recorder[E]) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func seedHash(t *testing.T, mr *miniredis.Miniredis, key string, fields ...string) {
	t.Helper()
	mr.HSet(key, fields...)
}

// hashFields reads a hash sorted by field name.
func hashFields(t *testing.T, mr *miniredis.Miniredis, key string) []store.Field {
	t.Helper()
	if !mr.Exists(key) {
		return nil
	}
	names, err := mr.HKeys(key)
	require.NoError(t, err)
	out := make([]store.Field, 0, len(names))
	for _, name := range names {
		out = append(out, store.Field{Name: name, Value: mr.HGet(key, name)})
	}
	return out
}
