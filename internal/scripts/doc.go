// Package scripts holds the atomic store-side procedures every process
// registers at startup.
//
// Each script persists one mutation and publishes the matching sync message
// as a single indivisible step, so no process can observe the stored change
// without the broadcast or the broadcast without the change.
//
// Builtin returns the explicit registration table. Discover reads the older
// directory layout (files named <name>-<arity>.lua) for deployments that
// override scripts.
//
// Tracking keeps three structures per store key K: the merged totals hash K
// that clients mirror, a liveness hash K:alive of process id to last refresh
// time, and one contribution row K:p:<id> per process. A sweep drops the
// rows of processes that have not refreshed within the ttl, subtracts them
// from the totals and publishes the new totals as an "exp" message.
package scripts
