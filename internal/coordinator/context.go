package coordinator

import (
	"context"
	"time"

	"github.com/golang/glog"

	"github.com/dreamware/lobby/internal/broker"
	"github.com/dreamware/lobby/internal/cluster"
	"github.com/dreamware/lobby/internal/scripts"
	"github.com/dreamware/lobby/internal/store"
)

// DefaultTrackingTTL is how long a process's tracking contributions survive
// without a refresh.
const DefaultTrackingTTL = 60 * time.Second

// Options configures a Coordinator. Zero values select the defaults.
type Options struct {
	// ProcessID identifies this process on the bus. Default: a new ULID.
	ProcessID string

	// Bindings are the scripts to register. Default: scripts.Builtin().
	Bindings []scripts.Binding

	// TrackingTTL is the expiry window for tracking contributions.
	TrackingTTL time.Duration

	// RefreshInterval is how often tracking counters refresh.
	// Default: three quarters of TrackingTTL.
	RefreshInterval time.Duration

	// Now is the clock tracking timestamps are taken from. Default: time.Now.
	Now func() time.Time
}

// Coordinator is everything a replicated collection needs from its
// process: the store connection, the broker multiplexing it, the process
// identity and the shared refresh scheduler. Pass it to every collection
// constructor; nothing in this module keeps process-wide state.
type Coordinator struct {
	ProcessID   string
	Store       store.Store
	Broker      *broker.Broker
	Refresher   *Refresher
	TrackingTTL time.Duration
	Now         func() time.Time
}

// New registers the scripts on s and starts the broker and the refresher.
// A script registration failure is returned as is and nothing is left
// running; the caller must not continue with a partially registered store.
//
// Parameters:
//   - ctx: Bounds script registration only
//   - s: Store connection owned by the caller; Close does not close it
//   - opts: Configuration, zero values select defaults
//
// Returns:
//   - *Coordinator: Running coordination context
//   - error: *broker.ScriptRegistrationError on registration failure
//
// Example:
//
//	c, err := coordinator.New(ctx, store.NewRedis(client), coordinator.Options{})
//	if err != nil {
//	    glog.Fatalf("startup: %v", err)
//	}
//	defer c.Close()
func New(ctx context.Context, s store.Store, opts Options) (*Coordinator, error) {
	if opts.ProcessID == "" {
		opts.ProcessID = cluster.NewProcessID()
	}
	if opts.Bindings == nil {
		opts.Bindings = scripts.Builtin()
	}
	if opts.TrackingTTL <= 0 {
		opts.TrackingTTL = DefaultTrackingTTL
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = opts.TrackingTTL * 3 / 4
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	b := broker.New(s)
	if err := b.Register(ctx, opts.Bindings); err != nil {
		return nil, err
	}
	b.Start()

	r := NewRefresher(opts.RefreshInterval)
	r.Start(context.Background())

	glog.Infof("process %s ready: %d scripts, tracking ttl %v, refresh every %v",
		opts.ProcessID, len(opts.Bindings), opts.TrackingTTL, opts.RefreshInterval)

	return &Coordinator{
		ProcessID:   opts.ProcessID,
		Store:       s,
		Broker:      b,
		Refresher:   r,
		TrackingTTL: opts.TrackingTTL,
		Now:         opts.Now,
	}, nil
}

// NowMillis returns the coordinator's clock in Unix milliseconds, the unit
// tracking timestamps are stored in.
func (c *Coordinator) NowMillis() int64 {
	return c.Now().UnixMilli()
}

// TTLMillis returns TrackingTTL in milliseconds.
func (c *Coordinator) TTLMillis() int64 {
	return c.TrackingTTL.Milliseconds()
}

// Close stops the refresher and the broker. The store stays open.
func (c *Coordinator) Close() error {
	c.Refresher.Stop()
	return c.Broker.Close()
}
