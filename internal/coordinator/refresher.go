// Package coordinator provides the per-process coordination context.
// This file implements the shared refresh scheduler for tracking counters.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

// Refreshable is anything that must periodically tell the store it is
// still alive. Tracking counters implement it.
type Refreshable interface {
	Refresh(ctx context.Context) error
}

// RefreshStatus tracks the outcome of the refreshes of one target.
// Thread-safe: Protected by Refresher's mutex when accessed.
type RefreshStatus struct {
	LastRefresh      time.Time // Timestamp of the last refresh attempt
	LastSuccess      time.Time // Timestamp of the last successful refresh
	LastErr          error     // Error from the last attempt, nil on success
	ConsecutiveFails int       // Number of consecutive failed refreshes
}

// Refresher refreshes every registered target on one shared timer.
// A process holds one Refresher no matter how many counters it tracks, which
// bounds the number of timers to one.
// Thread-safe: All methods are safe for concurrent access.
type Refresher struct {
	targets  []Refreshable                  // Registration order
	status   map[Refreshable]*RefreshStatus // Outcome per target
	onError  func(r Refreshable, err error) // Callback when a refresh fails
	ctx      context.Context                // Context for cancellation
	cancel   context.CancelFunc             // Cancel function for shutdown
	interval time.Duration                  // How often to refresh
	timeout  time.Duration                  // Budget for one refresh round
	mu       sync.RWMutex                   // Protects targets, status and onError
	wg       sync.WaitGroup                 // Wait group for graceful shutdown
	started  bool
}

// NewRefresher creates a refresher that fires every interval.
// The per-round timeout equals the interval, so a slow store cannot stack
// rounds on top of each other.
//
// Parameters:
//   - interval: How often to refresh (recommended: 3/4 of the tracking ttl)
//
// Returns:
//   - *Refresher: Configured refresher ready to start
//
// Example:
//
//	r := NewRefresher(45 * time.Second)
//	r.Start(ctx)
//	defer r.Stop()
func NewRefresher(interval time.Duration) *Refresher {
	ctx, cancel := context.WithCancel(context.Background())

	return &Refresher{
		interval: interval,
		timeout:  interval,
		status:   make(map[Refreshable]*RefreshStatus),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Interval returns how often the refresher fires.
func (r *Refresher) Interval() time.Duration {
	return r.interval
}

// SetOnError sets the callback invoked after every failed refresh.
// The callback runs on the refresher's goroutine.
//
// Parameters:
//   - callback: Function to call with the failing target and its error
//
// Example:
//
//	r.SetOnError(func(t Refreshable, err error) {
//	    glog.Warningf("refresh failed: %v", err)
//	})
func (r *Refresher) SetOnError(callback func(target Refreshable, err error)) {
	r.mu.Lock()
	r.onError = callback
	r.mu.Unlock()
}

// Register adds a target. Registering the same target twice has no effect.
//
// Parameters:
//   - target: Value to refresh on every tick; must be comparable
func (r *Refresher) Register(target Refreshable) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.status[target]; exists {
		return
	}
	r.targets = append(r.targets, target)
	r.status[target] = &RefreshStatus{}
}

// Unregister removes a target. It reports whether the target was registered.
func (r *Refresher) Unregister(target Refreshable) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.status[target]; !exists {
		return false
	}
	delete(r.status, target)
	for i, t := range r.targets {
		if t == target {
			r.targets = append(r.targets[:i], r.targets[i+1:]...)
			break
		}
	}
	return true
}

// Len returns the number of registered targets.
func (r *Refresher) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.targets)
}

// Status returns a copy of the target's refresh status, or nil if the
// target is not registered.
func (r *Refresher) Status(target Refreshable) *RefreshStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, exists := r.status[target]
	if !exists {
		return nil
	}
	cp := *st
	return &cp
}

// Start launches the refresh loop in a new goroutine. The loop ends when
// ctx or the refresher's own context is canceled. Calling Start more than
// once has no effect.
//
// Parameters:
//   - ctx: Context for cancellation
//
// Example:
//
//	r.Start(ctx)
//	defer r.Stop()
func (r *Refresher) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	r.wg.Add(1)
	go r.run(ctx)
}

func (r *Refresher) run(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	glog.V(1).Infof("refresher started with interval %v", r.interval)

	for {
		select {
		case <-ticker.C:
			rctx, cancel := context.WithTimeout(r.ctx, r.timeout)
			r.RefreshAll(rctx)
			cancel()
		case <-ctx.Done():
			glog.V(1).Info("refresher stopping due to context cancellation")
			return
		case <-r.ctx.Done():
			return
		}
	}
}

// Stop cancels the refresh loop and waits for it to finish.
func (r *Refresher) Stop() {
	r.cancel()
	r.wg.Wait()
}

// RefreshAll refreshes every registered target once, in registration order,
// and returns the number of failures.
//
// Implementation:
//  1. Snapshot the targets so Register/Unregister never wait on the store
//  2. Refresh each target
//  3. Record the outcome if the target is still registered
//  4. Report failures to the error callback
func (r *Refresher) RefreshAll(ctx context.Context) int {
	r.mu.RLock()
	targets := append([]Refreshable(nil), r.targets...)
	r.mu.RUnlock()

	failed := 0
	for _, t := range targets {
		err := t.Refresh(ctx)

		r.mu.Lock()
		st, exists := r.status[t]
		if exists {
			st.LastRefresh = time.Now()
			st.LastErr = err
			if err != nil {
				st.ConsecutiveFails++
			} else {
				st.ConsecutiveFails = 0
				st.LastSuccess = st.LastRefresh
			}
		}
		onError := r.onError
		r.mu.Unlock()

		if err == nil {
			continue
		}
		failed++
		glog.Warningf("refresh failed: %v", err)
		if onError != nil {
			onError(t, err)
		}
	}
	return failed
}
