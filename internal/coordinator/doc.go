// Package coordinator holds the coordination context every replicated
// collection is built from.
//
// # Overview
//
// A process creates one Coordinator at startup and passes it to each
// collection constructor. It bundles:
//
//   - the process identity stamped on every sync message
//   - the store connection and the Broker multiplexing its pub/sub stream
//   - the registered atomic scripts, verified by digest
//   - the Refresher, one shared timer that keeps this process's tracking
//     contributions alive
//   - the tracking ttl and the clock its timestamps come from
//
// Nothing here is process-global. Two Coordinators over two connections to
// the same store behave exactly like two processes, which is how the tests
// simulate a cluster.
//
// # Startup
//
//	conn := store.NewRedis(store.NewRedisClient(addr))
//	c, err := coordinator.New(ctx, conn, coordinator.Options{})
//	if err != nil {
//	    glog.Fatalf("register scripts: %v", err) // never run with wrong scripts
//	}
//	defer c.Close()
//
// # Liveness
//
// Tracking counters register with the Refresher on construction and
// unregister on Kill. Every RefreshInterval (three quarters of the ttl by
// default) the Refresher calls each counter's Refresh in registration order.
// A process that stops refreshing has its contributions swept by the next
// process that touches the counter, or by the expirer.
package coordinator
