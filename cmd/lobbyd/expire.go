package main

import (
	"github.com/golang/glog"

	"github.com/dreamware/lobby/internal/collections"
	"github.com/dreamware/lobby/internal/coordinator"
)

// runExpire sweeps the given tracking keys on the coordinator's refresher.
// The expirer contributes to no counter, so it never keeps stale rows
// alive; it only removes rows whose owners stopped refreshing.
func runExpire(cfg config) {
	c, s := start(cfg)
	registerSweepers(c, cfg.Keys)
	glog.Infof("expirer %s sweeping %d keys every %v", c.ProcessID, len(cfg.Keys), cfg.ExpireInterval)

	lost := waitForShutdown(c)
	c.Close()
	s.Close()
	if lost {
		logFatal("store connection lost: %v", c.Broker.Err())
	}
	glog.Info("expirer stopped")
}

func registerSweepers(c *coordinator.Coordinator, keys []string) {
	for _, key := range keys {
		c.Refresher.Register(collections.NewSweeper(c, key))
	}
	c.Refresher.SetOnError(func(target coordinator.Refreshable, err error) {
		if sw, ok := target.(*collections.Sweeper); ok {
			glog.Errorf("sweep %s: %v", sw.Key(), err)
		}
	})
}
