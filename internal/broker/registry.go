package broker

import (
	"context"
	"fmt"
	"strings"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/lobby/internal/scripts"
)

// Script is a registered atomic script, callable by digest.
type Script struct {
	b      *Broker
	Name   string
	Digest string
	Arity  int
}

// Call invokes the script. args[0] is the store key the script operates on
// and the remaining args are passed through as script arguments. Fewer than
// Arity args fails with *ArityError before the store is contacted.
func (s *Script) Call(ctx context.Context, args ...string) (any, error) {
	if len(args) < s.Arity {
		return nil, &ArityError{Script: s.Name, Want: s.Arity, Got: len(args)}
	}
	return s.b.store.EvalSHA(ctx, s.Digest, args[:1], args[1:]...)
}

// Register installs every binding in the store concurrently and verifies
// that the store reports the locally computed digest for each. Any failure
// is returned as a *ScriptRegistrationError and nothing is registered.
func (b *Broker) Register(ctx context.Context, bindings []scripts.Binding) error {
	registered := make([]*Script, len(bindings))

	g, gctx := errgroup.WithContext(ctx)
	for i, bd := range bindings {
		i, bd := i, bd
		g.Go(func() error {
			want := bd.Digest()
			if bd.Arity < 1 {
				return &ScriptRegistrationError{Name: bd.Name, Want: want, Err: fmt.Errorf("arity %d < 1", bd.Arity)}
			}
			got, err := b.store.ScriptLoad(gctx, bd.Name, bd.Source)
			if err != nil {
				return &ScriptRegistrationError{Name: bd.Name, Want: want, Err: err}
			}
			if got != want {
				return &ScriptRegistrationError{Name: bd.Name, Want: want, Got: got}
			}
			registered[i] = &Script{b: b, Name: bd.Name, Digest: got, Arity: bd.Arity}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	b.mu.Lock()
	for _, s := range registered {
		b.scripts[s.Name] = s
	}
	b.mu.Unlock()

	for _, s := range registered {
		glog.V(1).Infof("broker: script %s/%d registered as %s", s.Name, s.Arity, s.Digest)
	}
	return nil
}

// Script returns the registered script called name.
func (b *Broker) Script(name string) (*Script, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.scripts[name]
	return s, ok
}

// Scripts returns every registered script, sorted by name.
func (b *Broker) Scripts() []*Script {
	b.mu.RLock()
	out := make([]*Script, 0, len(b.scripts))
	for _, s := range b.scripts {
		out = append(out, s)
	}
	b.mu.RUnlock()

	slices.SortFunc(out, func(x, y *Script) int { return strings.Compare(x.Name, y.Name) })
	return out
}

// Call invokes the script registered as name. See Script.Call.
func (b *Broker) Call(ctx context.Context, name string, args ...string) (any, error) {
	s, ok := b.Script(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownScript, name)
	}
	return s.Call(ctx, args...)
}
