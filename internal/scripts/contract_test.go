package scripts

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/lobby/internal/store"
)

// The contract tests run the Lua sources on an in-process Redis with one
// connection issuing calls and another watching the channel.

type harness struct {
	t       *testing.T
	ctx     context.Context
	writer  store.Store
	watcher store.Store
	digests map[string]string
}

func setup(t *testing.T, channel string) *harness {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	w := store.NewRedis(store.NewRedisClient(mr.Addr()))
	r := store.NewRedis(store.NewRedisClient(mr.Addr()))
	t.Cleanup(func() { w.Close(); r.Close() })
	h := &harness{t: t, ctx: ctx, writer: w, watcher: r, digests: make(map[string]string)}
	for _, b := range Builtin() {
		d, err := w.ScriptLoad(ctx, b.Name, b.Source)
		require.NoError(t, err)
		require.Equal(t, b.Digest(), d, "store digest for %s", b.Name)
		h.digests[b.Name] = d
	}
	require.NoError(t, r.Subscribe(ctx, channel))
	return h
}

func (h *harness) call(name string, args ...string) any {
	h.t.Helper()
	res, err := h.writer.EvalSHA(h.ctx, h.digests[name], args[:1], args[1:]...)
	require.NoError(h.t, err)
	return res
}

func (h *harness) next() string {
	h.t.Helper()
	select {
	case msg := <-h.watcher.Messages():
		return msg.Payload
	case <-time.After(2 * time.Second):
		h.t.Fatal("timed out waiting for broadcast")
		return ""
	}
}

func (h *harness) quiet() {
	h.t.Helper()
	select {
	case msg := <-h.watcher.Messages():
		h.t.Fatalf("unexpected broadcast %q", msg.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func ms(d time.Duration) string { return strconv.FormatInt(d.Milliseconds(), 10) }

func TestMapScripts(t *testing.T) {
	h := setup(t, "room:1:config")

	h.call(Set, "room:1:config", `"name"`, `"Foo"`, `{"op":"set"}`)
	assert.Equal(t, `{"op":"set"}`, h.next())

	fields, err := h.writer.HGetAll(h.ctx, "room:1:config")
	require.NoError(t, err)
	assert.Equal(t, []store.Field{{Name: `"name"`, Value: `"Foo"`}}, fields)

	assert.Equal(t, int64(1), h.call(Delete, "room:1:config", `"name"`, `{"op":"delete"}`))
	assert.Equal(t, `{"op":"delete"}`, h.next())

	h.call(Set, "room:1:config", `"motd"`, `"hi"`, `{"op":"set"}`)
	h.next()
	h.call(Clear, "room:1:config", `{"op":"clear"}`)
	assert.Equal(t, `{"op":"clear"}`, h.next())

	fields, err = h.writer.HGetAll(h.ctx, "room:1:config")
	require.NoError(t, err)
	assert.Empty(t, fields)
}

func TestSetScripts(t *testing.T) {
	h := setup(t, "room:1:owners")

	assert.Equal(t, int64(1), h.call(Add, "room:1:owners", `"alice"`, `{"op":"add"}`))
	h.next()
	// Duplicate adds still broadcast
	assert.Equal(t, int64(0), h.call(Add, "room:1:owners", `"alice"`, `{"op":"add"}`))
	assert.Equal(t, `{"op":"add"}`, h.next())

	ok, err := h.writer.SIsMember(h.ctx, "room:1:owners", `"alice"`)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, int64(1), h.call(Remove, "room:1:owners", `"alice"`, `{"op":"delete"}`))
	assert.Equal(t, `{"op":"delete"}`, h.next())
}

func TestTrackingScript(t *testing.T) {
	ttl := time.Minute
	h := setup(t, "users")
	now := ms(time.Hour)

	assert.Equal(t, int64(1), h.call(Tracking, "users", TrackIncr, "A", now, ms(ttl), `"room1"`))
	assert.JSONEq(t, `{"processId":"A","op":"s","key":"room1","value":1}`, h.next())

	assert.Equal(t, int64(2), h.call(Tracking, "users", TrackIncr, "B", now, ms(ttl), `"room1"`))
	assert.JSONEq(t, `{"processId":"B","op":"s","key":"room1","value":2}`, h.next())

	// C never contributed, so its decr changes nothing and stays quiet
	assert.Equal(t, int64(2), h.call(Tracking, "users", TrackDecr, "C", now, ms(ttl), `"room1"`))
	h.quiet()

	assert.Equal(t, int64(1), h.call(Tracking, "users", TrackDecr, "A", now, ms(ttl), `"room1"`))
	assert.JSONEq(t, `{"processId":"A","op":"s","key":"room1","value":1}`, h.next())

	res := h.call(Tracking, "users", TrackGetAll, "C", now, ms(ttl))
	assert.Equal(t, []any{`"room1"`, "1"}, res)
}

func TestTrackingExpiry(t *testing.T) {
	ttl := time.Minute
	h := setup(t, "users")
	start := time.Hour

	h.call(Tracking, "users", TrackIncr, "A", ms(start), ms(ttl), `"room1"`)
	h.next()
	h.call(Tracking, "users", TrackIncr, "A", ms(start), ms(ttl), `{"$sym":"lobby"}`)
	h.next()
	h.call(Tracking, "users", TrackIncr, "B", ms(start), ms(ttl), `"room1"`)
	h.next()

	// B keeps refreshing, A goes quiet
	later := start + ttl + time.Second
	h.call(Tracking, "users", TrackRefresh, "B", ms(later), ms(ttl))

	var msg struct {
		ProcessID string              `json:"processId"`
		Op        string              `json:"op"`
		Value     [][]json.RawMessage `json:"value"`
	}
	require.NoError(t, json.Unmarshal([]byte(h.next()), &msg))
	assert.Equal(t, "exp", msg.Op)
	require.Len(t, msg.Value, 1)
	assert.Equal(t, `"room1"`, string(msg.Value[0][0]))
	assert.Equal(t, `1`, string(msg.Value[0][1]))

	// Nothing left to expire
	h.call(Tracking, "users", TrackSweep, "expirer", ms(later), ms(ttl))
	h.quiet()
}

func TestTrackingDelAndClear(t *testing.T) {
	ttl := time.Minute
	h := setup(t, "users")
	now := ms(time.Hour)

	h.call(Tracking, "users", TrackIncr, "A", now, ms(ttl), `"room1"`)
	h.next()
	h.call(Tracking, "users", TrackIncr, "A", now, ms(ttl), `"room2"`)
	h.next()

	h.call(Tracking, "users", TrackDel, "A", now, ms(ttl), `"room1"`)
	assert.JSONEq(t, `{"processId":"A","op":"del","key":"room1"}`, h.next())

	res := h.call(Tracking, "users", TrackGetAll, "A", now, ms(ttl))
	assert.Equal(t, []any{`"room2"`, "1"}, res)

	h.call(Tracking, "users", TrackClear, "A", now, ms(ttl))
	assert.JSONEq(t, `{"processId":"A","op":"c"}`, h.next())

	res = h.call(Tracking, "users", TrackGetAll, "A", now, ms(ttl))
	assert.Empty(t, res)
}
