package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/dreamware/lobby/internal/scripts"
	"github.com/dreamware/lobby/internal/store"
)

const startupTimeout = 10 * time.Second

// config is the resolved configuration: command-line options override the
// LOBBY_* environment, which overrides the defaults.
type config struct {
	Command        string
	Redis          string
	Listen         string
	ScriptsDir     string
	Verbosity      string
	Keys           []string
	TrackingTTL    time.Duration
	ExpireInterval time.Duration
	Memory         bool
}

// getenv returns the value of the environment variable k, or def when it
// is unset or empty.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// option returns the docopt value for name if given, else the environment
// fallback.
func option(opts docopt.Opts, name, env, def string) string {
	if v, err := opts.String(name); err == nil && v != "" {
		return v
	}
	return getenv(env, def)
}

func loadConfig(opts docopt.Opts) (config, error) {
	cfg := config{
		Redis:      option(opts, "--redis", "LOBBY_REDIS", "127.0.0.1:6379"),
		Listen:     option(opts, "--listen", "LOBBY_LISTEN", ":8090"),
		ScriptsDir: option(opts, "--scripts", "LOBBY_SCRIPTS", ""),
		Verbosity:  option(opts, "--verbosity", "LOBBY_VERBOSITY", "0"),
	}
	for _, cmd := range []string{"worker", "expire", "scripts"} {
		if ok, _ := opts.Bool(cmd); ok {
			cfg.Command = cmd
		}
	}
	cfg.Memory, _ = opts.Bool("--memory")
	if keys, ok := opts["<key>"].([]string); ok {
		cfg.Keys = keys
	}

	if v, err := strconv.Atoi(cfg.Verbosity); err != nil || v < 0 {
		return cfg, fmt.Errorf("invalid verbosity %q", cfg.Verbosity)
	}

	var err error
	cfg.TrackingTTL, err = time.ParseDuration(option(opts, "--ttl", "LOBBY_TRACKING_TTL", "60s"))
	if err != nil || cfg.TrackingTTL <= 0 {
		return cfg, fmt.Errorf("invalid tracking ttl: %v", err)
	}
	cfg.ExpireInterval, err = time.ParseDuration(option(opts, "--interval", "LOBBY_EXPIRE_INTERVAL", "30s"))
	if err != nil || cfg.ExpireInterval <= 0 {
		return cfg, fmt.Errorf("invalid expire interval: %v", err)
	}
	return cfg, nil
}

// refreshInterval is how often the process's own refresher fires: three
// quarters of the ttl for workers, the sweep interval for the expirer.
func (c config) refreshInterval() time.Duration {
	if c.Command == "expire" {
		return c.ExpireInterval
	}
	return c.TrackingTTL * 3 / 4
}

// bindings returns the scripts to register.
func (c config) bindings() ([]scripts.Binding, error) {
	if c.ScriptsDir == "" {
		return scripts.Builtin(), nil
	}
	b, err := scripts.Discover(os.DirFS(c.ScriptsDir))
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("no <name>-<arity>.lua files in %s", c.ScriptsDir)
	}
	return b, nil
}

// openStore connects to Redis, or starts an embedded server when Memory is
// set.
func (c config) openStore() (store.Store, error) {
	if c.Memory {
		return store.NewEmbedded()
	}
	return store.NewRedis(store.NewRedisClient(c.Redis)), nil
}
