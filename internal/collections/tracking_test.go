package collections

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/lobby/internal/cluster"
	"github.com/dreamware/lobby/internal/coordinator"
	"github.com/dreamware/lobby/internal/keys"
	"github.com/dreamware/lobby/internal/scripts"
)

// clock is a manually advanced clock shared by simulated processes.
type clock struct{ ms atomic.Int64 }

func (c *clock) now() time.Time          { return time.UnixMilli(c.ms.Load()) }
func (c *clock) advance(d time.Duration) { c.ms.Add(d.Milliseconds()) }

func joinClocked(t *testing.T, mr *miniredis.Miniredis, id string, clk *clock) *process {
	return joinWith(t, mr, coordinator.Options{
		ProcessID:   id,
		TrackingTTL: time.Second,
		Now:         clk.now,
	}, true)
}

// TestTrackingConvergence tests that totals sum contributions of every process
func TestTrackingConvergence(t *testing.T) {
	ctx := context.Background()
	mr := newBackend(t)
	a, b, c := join(t, mr, "a"), join(t, mr, "b"), join(t, mr, "c")

	ta := NewTracking(a.Coordinator, "online")
	tb := NewTracking(b.Coordinator, "online")
	tc := NewTracking(c.Coordinator, "online")
	loaded(t, ta)
	loaded(t, tb)
	loaded(t, tc)

	n, err := ta.Incr(ctx, "room1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = tb.Incr(ctx, "room1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.Eventually(t, func() bool { return tc.Get("room1") == 2 }, waitFor, tick)
	// the writer's own broadcast updates its replica too
	require.Eventually(t, func() bool { return ta.Get("room1") == 2 }, waitFor, tick)

	// a late joiner loads the totals
	d := join(t, mr, "d")
	td := NewTracking(d.Coordinator, "online")
	loaded(t, td)
	assert.Equal(t, int64(2), td.Get("room1"))
	assert.Equal(t, []Entry[int64]{{Key: keys.String("room1"), Value: 2}}, td.Entries())
}

// TestTrackingDecr tests that totals never go below zero
func TestTrackingDecr(t *testing.T) {
	ctx := context.Background()
	mr := newBackend(t)
	a, b := join(t, mr, "a"), join(t, mr, "b")
	ta, tb := NewTracking(a.Coordinator, "online"), NewTracking(b.Coordinator, "online")
	loaded(t, ta)
	loaded(t, tb)

	var updates recorder[TrackingEvent]
	tb.On(TopicUpdate, updates.add)

	// nothing contributed yet
	n, err := ta.Decr(ctx, "room1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	_, err = tb.Incr(ctx, "room1")
	require.NoError(t, err)
	// a cannot take away b's contribution
	n, err = ta.Decr(ctx, "room1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = tb.Decr(ctx, "room1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	require.Eventually(t, func() bool { return updates.len() == 2 }, waitFor, tick)
	assert.Equal(t, int64(0), tb.Get("room1"))
	assert.Equal(t, 0, tb.Size())
	last := updates.all()[1]
	assert.Equal(t, cluster.OpTrackSet, last.Op)
	assert.Equal(t, int64(0), last.Value)
	assert.Empty(t, hashFields(t, mr, "online"))
}

// TestTrackingDeleteClear tests removing counters
func TestTrackingDeleteClear(t *testing.T) {
	ctx := context.Background()
	mr := newBackend(t)
	a, b := join(t, mr, "a"), join(t, mr, "b")
	ta, tb := NewTracking(a.Coordinator, "online"), NewTracking(b.Coordinator, "online")
	loaded(t, ta)
	loaded(t, tb)

	for _, room := range []string{"r1", "r2", "r3"} {
		_, err := ta.Incr(ctx, room)
		require.NoError(t, err)
		_, err = tb.Incr(ctx, room)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return ta.Size() == 3 && ta.Get("r3") == 2 }, waitFor, tick)

	require.NoError(t, tb.Delete(ctx, "r1"))
	require.Eventually(t, func() bool { return ta.Get("r1") == 0 && ta.Size() == 2 }, waitFor, tick)

	// a's own row no longer holds r1, so decr is a no-op
	n, err := ta.Decr(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	require.NoError(t, ta.Clear(ctx))
	require.Eventually(t, func() bool { return tb.Size() == 0 }, waitFor, tick)
	assert.Empty(t, hashFields(t, mr, "online"))
	assert.Empty(t, hashFields(t, mr, "online:alive"))
}

// TestTrackingExpiry tests that a process that stops refreshing loses its
// contributions
func TestTrackingExpiry(t *testing.T) {
	ctx := context.Background()
	mr := newBackend(t)
	clk := &clock{}
	clk.ms.Store(1_000_000)

	a, b := joinClocked(t, mr, "a", clk), joinClocked(t, mr, "b", clk)
	ta, tb := NewTracking(a.Coordinator, "online"), NewTracking(b.Coordinator, "online")
	loaded(t, ta)
	loaded(t, tb)

	_, err := ta.Incr(ctx, "room1")
	require.NoError(t, err)
	_, err = tb.Incr(ctx, "room1")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return tb.Get("room1") == 2 }, waitFor, tick)

	var updates recorder[TrackingEvent]
	tb.On(TopicUpdate, updates.add)

	// b keeps refreshing within the ttl, a goes quiet
	clk.advance(800 * time.Millisecond)
	assert.Equal(t, 0, b.Refresher.RefreshAll(ctx))
	clk.advance(800 * time.Millisecond)
	require.NoError(t, tb.Refresh(ctx))

	require.Eventually(t, func() bool { return updates.len() == 1 }, waitFor, tick)
	assert.Equal(t, int64(1), tb.Get("room1"))
	ev := updates.all()[0]
	assert.Equal(t, cluster.OpTrackExpire, ev.Op)

	// a sees its own contribution gone too
	require.Eventually(t, func() bool { return ta.Get("room1") == 1 }, waitFor, tick)
}

// TestTrackingBootstrapKeepsLaterUpdates tests that an update arriving
// while the snapshot reply is in flight survives the snapshot's install
func TestTrackingBootstrapKeepsLaterUpdates(t *testing.T) {
	ctx := context.Background()
	mr := newBackend(t)
	a, b := join(t, mr, "a"), join(t, mr, "b")
	ta := NewTracking(a.Coordinator, "online")
	loaded(t, ta)
	_, err := ta.Incr(ctx, "room1")
	require.NoError(t, err)

	held, release := b.store.holdReplies(func(args []string) bool {
		return len(args) > 0 && args[0] == scripts.TrackGetAll
	})
	tb := NewTracking(b.Coordinator, "online")
	<-held

	n, err := ta.Incr(ctx, "room1")
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
	require.Eventually(t, func() bool { return pending(tb.replica) == 1 }, waitFor, tick)
	assert.Equal(t, int64(2), tb.Get("room1"), "applied on arrival")

	release()
	loaded(t, tb)
	assert.Equal(t, int64(2), tb.Get("room1"))
	assert.Equal(t, 0, pending(tb.replica))
}

// TestTrackingRefresher tests registration with the shared refresher
func TestTrackingRefresher(t *testing.T) {
	mr := newBackend(t)
	p := join(t, mr, "p")

	t1 := NewTracking(p.Coordinator, "online")
	t2 := NewTracking(p.Coordinator, "typing")
	assert.Equal(t, 2, p.Refresher.Len())
	loaded(t, t1)
	loaded(t, t2)
	assert.Equal(t, 0, p.Refresher.RefreshAll(context.Background()))

	require.NoError(t, t1.Kill())
	assert.Equal(t, 1, p.Refresher.Len())
	assert.ErrorIs(t, t1.Refresh(context.Background()), ErrKilled)
	_, err := t1.Incr(context.Background(), "x")
	assert.ErrorIs(t, err, ErrKilled)
	assert.Equal(t, 0, p.Broker.ListenerCount("online"))
	assert.Equal(t, 1, p.Broker.ListenerCount("typing"))
}

// TestSweeper tests expiry driven by a process that tracks nothing
func TestSweeper(t *testing.T) {
	ctx := context.Background()
	mr := newBackend(t)
	clk := &clock{}
	clk.ms.Store(5_000)

	a := joinClocked(t, mr, "a", clk)
	expirer := joinClocked(t, mr, "expirer", clk)

	ta := NewTracking(a.Coordinator, "online")
	loaded(t, ta)
	_, err := ta.Incr(ctx, "room1")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return ta.Get("room1") == 1 }, waitFor, tick)

	sw := NewSweeper(expirer.Coordinator, "online")
	assert.Equal(t, "online", sw.Key())

	// within the ttl nothing happens
	clk.advance(500 * time.Millisecond)
	require.NoError(t, sw.Refresh(ctx))
	assert.Len(t, hashFields(t, mr, "online"), 1)

	clk.advance(time.Second)
	require.NoError(t, sw.Refresh(ctx))
	require.Eventually(t, func() bool { return ta.Get("room1") == 0 }, waitFor, tick)
	assert.Empty(t, hashFields(t, mr, "online"))
	// the expirer never marks itself alive
	for _, f := range hashFields(t, mr, "online:alive") {
		assert.NotEqual(t, "expirer", f.Name)
	}
}

// TestDecodeTotals tests parsing of expiry snapshots
func TestDecodeTotals(t *testing.T) {
	got, err := decodeTotals([]byte(`[["a",2],[{"$sym":"s"},1],[3,0]]`))
	require.NoError(t, err)
	assert.Equal(t, []Entry[int64]{
		{Key: keys.String("a"), Value: 2},
		{Key: keys.Symbol("s"), Value: 1},
	}, got)

	got, err = decodeTotals(nil)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = decodeTotals([]byte(`{"a":1}`))
	assert.Error(t, err)
}
