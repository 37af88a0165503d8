package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/exp/slices"

	"github.com/dreamware/lobby/internal/cluster"
	"github.com/dreamware/lobby/internal/collections"
	"github.com/dreamware/lobby/internal/coordinator"
	"github.com/dreamware/lobby/internal/keys"
)

const loadTimeout = 5 * time.Second

// worker exposes replicated collections by store key. Collections are
// created on first use and live until the worker closes.
type worker struct {
	c        *coordinator.Coordinator
	maps     map[string]*collections.Map[json.RawMessage]
	sets     map[string]*collections.Set
	counters map[string]*collections.Tracking
	started  time.Time
	mu       sync.Mutex
}

func newWorker(c *coordinator.Coordinator) *worker {
	return &worker{
		c:        c,
		maps:     make(map[string]*collections.Map[json.RawMessage]),
		sets:     make(map[string]*collections.Set),
		counters: make(map[string]*collections.Tracking),
		started:  time.Now(),
	}
}

func runWorker(cfg config) {
	c, s := start(cfg)
	w := newWorker(c)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           w.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		glog.Infof("worker %s listening on %s", c.ProcessID, cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logFatal("listen: %v", err)
		}
	}()

	lost := waitForShutdown(c)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		glog.Warningf("server shutdown: %v", err)
	}
	w.close()
	c.Close()
	s.Close()

	if lost {
		logFatal("store connection lost: %v", c.Broker.Err())
	}
	glog.Info("worker stopped")
}

func (w *worker) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", w.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/info", w.handleInfo).Methods(http.MethodGet)

	r.HandleFunc("/maps/{key}", w.handleMapGet).Methods(http.MethodGet)
	r.HandleFunc("/maps/{key}", w.handleMapClear).Methods(http.MethodDelete)
	r.HandleFunc("/maps/{key}/{field}", w.handleMapSet).Methods(http.MethodPut)
	r.HandleFunc("/maps/{key}/{field}", w.handleMapDelete).Methods(http.MethodDelete)

	r.HandleFunc("/sets/{key}", w.handleSetGet).Methods(http.MethodGet)
	r.HandleFunc("/sets/{key}", w.handleSetClear).Methods(http.MethodDelete)
	r.HandleFunc("/sets/{key}/{member}", w.handleSetAdd).Methods(http.MethodPut)
	r.HandleFunc("/sets/{key}/{member}", w.handleSetDelete).Methods(http.MethodDelete)

	r.HandleFunc("/counters/{key}", w.handleCounterGet).Methods(http.MethodGet)
	r.HandleFunc("/counters/{key}", w.handleCounterClear).Methods(http.MethodDelete)
	r.HandleFunc("/counters/{key}/{field}/{op:incr|decr}", w.handleCounterStep).Methods(http.MethodPost)

	r.HandleFunc("/watch/{key}", w.handleWatch).Methods(http.MethodGet)
	return r
}

func (w *worker) mapFor(key string) *collections.Map[json.RawMessage] {
	w.mu.Lock()
	defer w.mu.Unlock()
	m, ok := w.maps[key]
	if !ok {
		m = collections.NewMap[json.RawMessage](w.c, key, nil)
		w.maps[key] = m
	}
	return m
}

func (w *worker) setFor(key string) *collections.Set {
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.sets[key]
	if !ok {
		s = collections.NewSet(w.c, key)
		w.sets[key] = s
	}
	return s
}

func (w *worker) counterFor(key string) *collections.Tracking {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.counters[key]
	if !ok {
		t = collections.NewTracking(w.c, key)
		w.counters[key] = t
	}
	return t
}

func (w *worker) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, m := range w.maps {
		m.Kill()
	}
	for _, s := range w.sets {
		s.Kill()
	}
	for _, t := range w.counters {
		t.Kill()
	}
}

// pathKey reads a collection key from a path segment. A segment that is a
// valid encoded key (a number, "quoted", {"$sym":...}) is used as such;
// anything else is taken as a plain string.
func pathKey(segment string) keys.Key {
	if k, err := keys.Decode([]byte(segment)); err == nil {
		return k
	}
	return keys.String(segment)
}

// entry is the JSON form of one collection entry.
type entry struct {
	Key   json.RawMessage `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
}

func encodeKey(k keys.Key) json.RawMessage {
	b, _ := k.Encode()
	return b
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	if err := json.NewEncoder(rw).Encode(v); err != nil {
		glog.Warningf("write response: %v", err)
	}
}

func writeError(rw http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, collections.ErrInvalidKeyType):
		status = http.StatusBadRequest
	case errors.Is(err, collections.ErrNotLoaded), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	case errors.Is(err, collections.ErrKilled):
		status = http.StatusGone
	}
	http.Error(rw, err.Error(), status)
}

type collection interface {
	Wait(context.Context) error
	Kill() error
}

// loaded waits for a collection to finish loading within loadTimeout. A
// collection whose bootstrap failed is evicted, so the next request for
// its key starts over.
func (w *worker) loaded(r *http.Request, c collection) error {
	ctx, cancel := context.WithTimeout(r.Context(), loadTimeout)
	defer cancel()
	err := c.Wait(ctx)
	if err != nil && ctx.Err() == nil {
		w.evict(c)
	}
	return err
}

func (w *worker) evict(c collection) {
	w.mu.Lock()
	for k, m := range w.maps {
		if collection(m) == c {
			delete(w.maps, k)
		}
	}
	for k, s := range w.sets {
		if collection(s) == c {
			delete(w.sets, k)
		}
	}
	for k, t := range w.counters {
		if collection(t) == c {
			delete(w.counters, k)
		}
	}
	w.mu.Unlock()

	if err := c.Kill(); err != nil {
		glog.Warningf("evict collection: %v", err)
	}
}

func (w *worker) handleHealth(rw http.ResponseWriter, _ *http.Request) {
	if err := w.c.Broker.Err(); err != nil {
		http.Error(rw, err.Error(), http.StatusServiceUnavailable)
		return
	}
	rw.WriteHeader(http.StatusOK)
}

type scriptInfo struct {
	Name   string `json:"name"`
	Digest string `json:"digest"`
	Arity  int    `json:"arity"`
}

type workerInfo struct {
	Process     cluster.ProcessInfo `json:"process"`
	Uptime      string              `json:"uptime"`
	TrackingTTL string              `json:"trackingTtl"`
	Scripts     []scriptInfo        `json:"scripts"`
	Channels    []string            `json:"channels"`
	Maps        []string            `json:"maps"`
	Sets        []string            `json:"sets"`
	Counters    []string            `json:"counters"`
	Refreshing  int                 `json:"refreshing"`
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

func (w *worker) handleInfo(rw http.ResponseWriter, _ *http.Request) {
	info := workerInfo{
		Process:     cluster.Self(w.c.ProcessID),
		Uptime:      time.Since(w.started).Round(time.Second).String(),
		TrackingTTL: w.c.TrackingTTL.String(),
		Channels:    w.c.Broker.Channels(),
		Refreshing:  w.c.Refresher.Len(),
	}
	for _, s := range w.c.Broker.Scripts() {
		info.Scripts = append(info.Scripts, scriptInfo{Name: s.Name, Digest: s.Digest, Arity: s.Arity})
	}
	w.mu.Lock()
	info.Maps = sortedKeys(w.maps)
	info.Sets = sortedKeys(w.sets)
	info.Counters = sortedKeys(w.counters)
	w.mu.Unlock()

	writeJSON(rw, http.StatusOK, info)
}

func (w *worker) handleMapGet(rw http.ResponseWriter, r *http.Request) {
	m := w.mapFor(mux.Vars(r)["key"])
	if err := w.loaded(r, m); err != nil {
		writeError(rw, err)
		return
	}
	out := make([]entry, 0, m.Size())
	m.Range(func(k keys.Key, v json.RawMessage) bool {
		out = append(out, entry{Key: encodeKey(k), Value: v})
		return true
	})
	writeJSON(rw, http.StatusOK, out)
}

func (w *worker) handleMapSet(rw http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	m := w.mapFor(vars["key"])
	if err := w.loaded(r, m); err != nil {
		writeError(rw, err)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil || !json.Valid(body) {
		http.Error(rw, "body must be a JSON value", http.StatusBadRequest)
		return
	}
	if err := m.Set(r.Context(), pathKey(vars["field"]), json.RawMessage(body)); err != nil {
		writeError(rw, err)
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

func (w *worker) handleMapDelete(rw http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	m := w.mapFor(vars["key"])
	if err := w.loaded(r, m); err != nil {
		writeError(rw, err)
		return
	}
	if err := m.Delete(r.Context(), pathKey(vars["field"])); err != nil {
		writeError(rw, err)
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

func (w *worker) handleMapClear(rw http.ResponseWriter, r *http.Request) {
	m := w.mapFor(mux.Vars(r)["key"])
	if err := w.loaded(r, m); err != nil {
		writeError(rw, err)
		return
	}
	if err := m.Clear(r.Context()); err != nil {
		writeError(rw, err)
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

func (w *worker) handleSetGet(rw http.ResponseWriter, r *http.Request) {
	s := w.setFor(mux.Vars(r)["key"])
	if err := w.loaded(r, s); err != nil {
		writeError(rw, err)
		return
	}
	members := s.Members()
	out := make([]json.RawMessage, len(members))
	for i, k := range members {
		out[i] = encodeKey(k)
	}
	writeJSON(rw, http.StatusOK, out)
}

func (w *worker) handleSetAdd(rw http.ResponseWriter, r *http.Request) {
	w.setWrite(rw, r, (*collections.Set).Add)
}

func (w *worker) handleSetDelete(rw http.ResponseWriter, r *http.Request) {
	w.setWrite(rw, r, (*collections.Set).Delete)
}

func (w *worker) setWrite(rw http.ResponseWriter, r *http.Request, op func(*collections.Set, context.Context, any) error) {
	vars := mux.Vars(r)
	s := w.setFor(vars["key"])
	if err := w.loaded(r, s); err != nil {
		writeError(rw, err)
		return
	}
	if err := op(s, r.Context(), pathKey(vars["member"])); err != nil {
		writeError(rw, err)
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

func (w *worker) handleSetClear(rw http.ResponseWriter, r *http.Request) {
	s := w.setFor(mux.Vars(r)["key"])
	if err := w.loaded(r, s); err != nil {
		writeError(rw, err)
		return
	}
	if err := s.Clear(r.Context()); err != nil {
		writeError(rw, err)
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

type counter struct {
	Key   json.RawMessage `json:"key"`
	Total int64           `json:"total"`
}

func (w *worker) handleCounterGet(rw http.ResponseWriter, r *http.Request) {
	t := w.counterFor(mux.Vars(r)["key"])
	if err := w.loaded(r, t); err != nil {
		writeError(rw, err)
		return
	}
	entries := t.Entries()
	out := make([]counter, len(entries))
	for i, e := range entries {
		out[i] = counter{Key: encodeKey(e.Key), Total: e.Value}
	}
	writeJSON(rw, http.StatusOK, out)
}

func (w *worker) handleCounterStep(rw http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	t := w.counterFor(vars["key"])
	k := pathKey(vars["field"])

	step := t.Incr
	if vars["op"] == "decr" {
		step = t.Decr
	}
	total, err := step(r.Context(), k)
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, counter{Key: encodeKey(k), Total: total})
}

func (w *worker) handleCounterClear(rw http.ResponseWriter, r *http.Request) {
	t := w.counterFor(mux.Vars(r)["key"])
	if err := t.Clear(r.Context()); err != nil {
		writeError(rw, err)
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

// change is one map event as sent to watchers.
type change struct {
	Op     string          `json:"op"`
	Key    json.RawMessage `json:"key,omitempty"`
	Value  json.RawMessage `json:"value,omitempty"`
	Remote bool            `json:"remote"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// handleWatch streams the changes of a replicated map over a websocket,
// starting with its current entries as set events.
func (w *worker) handleWatch(rw http.ResponseWriter, r *http.Request) {
	m := w.mapFor(mux.Vars(r)["key"])
	if err := w.loaded(r, m); err != nil {
		writeError(rw, err)
		return
	}
	conn, err := upgrader.Upgrade(rw, r, nil)
	if err != nil {
		glog.Warningf("watch upgrade: %v", err)
		return
	}
	defer conn.Close()

	changes := make(chan change, 64)
	forward := func(ev collections.MapEvent[json.RawMessage]) {
		c := change{Op: ev.Op, Value: ev.Value, Remote: ev.Remote}
		if ev.Op != collections.TopicClear {
			c.Key = encodeKey(ev.Key)
		}
		select {
		case changes <- c:
		default:
			glog.Warningf("watch %s: dropping %s event for slow client", m.Key(), ev.Op)
		}
	}
	topics := []string{collections.TopicSet, collections.TopicDelete, collections.TopicClear}
	for _, topic := range topics {
		h := m.On(topic, forward)
		defer m.Off(topic, h)
	}

	for _, e := range m.Entries() {
		if err := conn.WriteJSON(change{Op: collections.TopicSet, Key: encodeKey(e.Key), Value: e.Value}); err != nil {
			return
		}
	}

	// The read loop only detects the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case c := <-changes:
			if err := conn.WriteJSON(c); err != nil {
				glog.V(1).Infof("watch %s: %v", m.Key(), err)
				return
			}
		case <-gone:
			return
		}
	}
}
