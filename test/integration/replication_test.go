// Package integration runs several processes' worth of collections against
// one Redis server, exercising the Lua scripts end to end.
package integration

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/lobby/internal/collections"
	"github.com/dreamware/lobby/internal/coordinator"
	"github.com/dreamware/lobby/internal/keys"
	"github.com/dreamware/lobby/internal/store"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

// cluster is one Redis server shared by any number of processes.
type cluster struct {
	t  *testing.T
	mr *miniredis.Miniredis
}

func newCluster(t *testing.T) *cluster {
	return &cluster{t: t, mr: miniredis.RunT(t)}
}

// process connects a new process with its own Redis connection.
func (c *cluster) process(id string, now func() time.Time) *coordinator.Coordinator {
	c.t.Helper()
	s := store.NewRedis(store.NewRedisClient(c.mr.Addr()))
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	co, err := coordinator.New(ctx, s, coordinator.Options{
		ProcessID:       id,
		RefreshInterval: time.Hour,
		Now:             now,
	})
	require.NoError(c.t, err)
	c.t.Cleanup(func() {
		co.Close()
		s.Close()
	})
	return co
}

func wait(t *testing.T, r interface{ Wait(context.Context) error }) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, r.Wait(ctx))
}

func TestMapReplication(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t)
	a := collections.NewMap[string](c.process("a", nil), "rooms", nil)
	b := collections.NewMap[string](c.process("b", nil), "rooms", nil)
	defer a.Kill()
	defer b.Kill()
	wait(t, a)
	wait(t, b)

	require.NoError(t, a.Set(ctx, "lobby", "open"))
	require.NoError(t, a.Set(ctx, 7, "seven"))
	v, ok := a.Get("lobby")
	assert.True(t, ok, "local write is visible once acknowledged")
	assert.Equal(t, "open", v)

	assert.Eventually(t, func() bool { return b.Size() == 2 }, waitFor, tick)
	v, _ = b.Get(7)
	assert.Equal(t, "seven", v)

	require.NoError(t, b.Delete(ctx, "lobby"))
	assert.Eventually(t, func() bool { return !a.Has("lobby") }, waitFor, tick)

	// A late joiner bootstraps from the hash.
	late := collections.NewMap[string](c.process("late", nil), "rooms", nil)
	defer late.Kill()
	wait(t, late)
	assert.Equal(t, []keys.Key{keys.Number(7)}, late.Keys())

	require.NoError(t, late.Clear(ctx))
	assert.Eventually(t, func() bool { return a.Size() == 0 && b.Size() == 0 }, waitFor, tick)
	assert.False(t, c.mr.Exists("rooms"))
}

func TestMapEventsAcrossProcesses(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t)
	a := collections.NewMap[int](c.process("a", nil), "scores", nil)
	b := collections.NewMap[int](c.process("b", nil), "scores", nil)
	defer a.Kill()
	defer b.Kill()
	wait(t, a)
	wait(t, b)

	events := make(chan collections.MapEvent[int], 4)
	b.On(collections.TopicSet, func(ev collections.MapEvent[int]) { events <- ev })

	require.NoError(t, a.Set(ctx, "alice", 3))

	select {
	case ev := <-events:
		assert.Equal(t, keys.String("alice"), ev.Key)
		assert.Equal(t, 3, ev.Value)
		assert.True(t, ev.Remote)
	case <-time.After(waitFor):
		t.Fatal("no set event on the other process")
	}
}

func TestSetReplication(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t)
	a := collections.NewSet(c.process("a", nil), "online")
	b := collections.NewSet(c.process("b", nil), "online")
	defer a.Kill()
	defer b.Kill()
	wait(t, a)
	wait(t, b)

	require.NoError(t, a.Add(ctx, "alice"))
	require.NoError(t, b.Add(ctx, "bob"))
	assert.Eventually(t, func() bool { return a.Size() == 2 && b.Size() == 2 }, waitFor, tick)

	require.NoError(t, a.Delete(ctx, "bob"))
	assert.Eventually(t, func() bool { return !b.Has("bob") }, waitFor, tick)

	remote := collections.NewRemoteSet(c.process("remote", nil), "online")
	ok, err := remote.Has(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRemoteMapReadsThroughToTheStore(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t)
	m := collections.NewMap[string](c.process("a", nil), "motd", nil)
	defer m.Kill()
	wait(t, m)
	remote := collections.NewRemoteMap[string](c.process("b", nil), "motd", nil)

	require.NoError(t, m.Set(ctx, "today", "hello"))
	v, ok, err := remote.Get(ctx, "today")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "hello", v)

	// remote writes reach the store but are not broadcast
	require.NoError(t, remote.Set(ctx, "today", "bye"))
	v, ok, err = remote.Get(ctx, "today")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "bye", v)
	assert.Equal(t, `"bye"`, c.mr.HGet("motd", `"today"`))

	time.Sleep(50 * time.Millisecond)
	v, _ = m.Get("today")
	assert.Equal(t, "hello", v)
}

func TestTrackingExpiry(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t)
	start := time.Unix(1_700_000_000, 0)

	// b runs two ttls ahead of a, so a's contributions look stale to it.
	later := start.Add(2 * coordinator.DefaultTrackingTTL)
	pa := c.process("a", func() time.Time { return start })
	pb := c.process("b", func() time.Time { return later })
	a := collections.NewTracking(pa, "presence")
	b := collections.NewTracking(pb, "presence")
	defer a.Kill()
	defer b.Kill()
	wait(t, a)
	wait(t, b)

	_, err := a.Incr(ctx, "room-1")
	require.NoError(t, err)
	total, err := b.Incr(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Eventually(t, func() bool { return a.Get("room-1") == 2 && b.Get("room-1") == 2 }, waitFor, tick)

	// An expirer on b's clock sweeps a's contribution away and keeps b's.
	sweeper := collections.NewSweeper(c.process("expirer", func() time.Time { return later }), "presence")
	require.NoError(t, sweeper.Refresh(ctx))

	assert.Eventually(t, func() bool { return a.Get("room-1") == 1 && b.Get("room-1") == 1 }, waitFor, tick)
	assert.Equal(t, "1", c.mr.HGet("presence", `"room-1"`))
}

func TestDisconnectIsReported(t *testing.T) {
	c := newCluster(t)
	p := c.process("a", nil)

	c.mr.Close()

	select {
	case <-p.Broker.Disconnected():
		assert.Error(t, p.Broker.Err())
	case <-time.After(waitFor):
		t.Fatal("broker did not report the lost connection")
	}
}
