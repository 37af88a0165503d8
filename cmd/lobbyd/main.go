// Command lobbyd runs the processes of a lobby deployment.
//
//	lobbyd worker   serves replicated collections over HTTP and websockets
//	lobbyd expire   sweeps expired tracking contributions on a timer
//	lobbyd scripts  prints the atomic scripts and their digests
//
// Workers are meant to be supervised: a worker that loses its store
// connection exits rather than serve replicas that may have missed messages.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"

	"github.com/dreamware/lobby/internal/coordinator"
	"github.com/dreamware/lobby/internal/store"
)

const version = "0.3.0"

const usage = `Lobby replication daemon.

Environment variables provide defaults for every option:
    LOBBY_REDIS, LOBBY_LISTEN, LOBBY_SCRIPTS, LOBBY_TRACKING_TTL,
    LOBBY_EXPIRE_INTERVAL, LOBBY_VERBOSITY

Usage:
    lobbyd worker [--redis=<addr> | --memory] [--listen=<addr>]
        [--scripts=<dir>] [--ttl=<duration>] [--verbosity=<level>]
    lobbyd expire [--redis=<addr>] [--scripts=<dir>] [--ttl=<duration>]
        [--interval=<duration>] [--verbosity=<level>] <key>...
    lobbyd scripts [--scripts=<dir>]
    lobbyd -h | --help
    lobbyd --version

Options:
    -h --help               Show this screen.
    --version               Show version.
    --redis=<addr>          Redis address (default 127.0.0.1:6379).
    --memory                Use an embedded Redis server; single process only.
    --listen=<addr>         Worker HTTP address (default :8090).
    --scripts=<dir>         Load <name>-<arity>.lua files instead of the builtin scripts.
    --ttl=<duration>        Tracking contribution expiry (default 60s).
    --interval=<duration>   Expirer sweep interval (default 30s).
    --verbosity=<level>     glog -v level (default 0).`

// logFatal is swapped out in tests.
var logFatal = glog.Fatalf

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := setupLogging(cfg.Verbosity); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer glog.Flush()

	switch cfg.Command {
	case "worker":
		runWorker(cfg)
	case "expire":
		runExpire(cfg)
	case "scripts":
		if err := printScripts(os.Stdout, cfg); err != nil {
			logFatal("scripts: %v", err)
		}
	}
}

func setupLogging(verbosity string) error {
	if err := flag.Set("logtostderr", "true"); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	if err := flag.Set("v", verbosity); err != nil {
		return fmt.Errorf("invalid verbosity %q: %w", verbosity, err)
	}
	return nil
}

// start opens the store and registers the scripts. Registration failure is
// fatal: a process must never run against wrong scripts.
func start(cfg config) (*coordinator.Coordinator, store.Store) {
	bindings, err := cfg.bindings()
	if err != nil {
		logFatal("load scripts: %v", err)
	}
	s, err := cfg.openStore()
	if err != nil {
		logFatal("open store: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()
	c, err := coordinator.New(ctx, s, coordinator.Options{
		Bindings:        bindings,
		TrackingTTL:     cfg.TrackingTTL,
		RefreshInterval: cfg.refreshInterval(),
	})
	if err != nil {
		logFatal("register scripts: %v", err)
	}
	return c, s
}

// waitForShutdown blocks until a termination signal or the loss of the
// store connection. It reports whether the connection was lost.
func waitForShutdown(c *coordinator.Coordinator) bool {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(stop)

	select {
	case sig := <-stop:
		glog.Infof("received %v, shutting down", sig)
		return false
	case <-c.Broker.Disconnected():
		return true
	}
}
