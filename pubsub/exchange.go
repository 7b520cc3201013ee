package pubsub

import (
	"fmt"
	"sync"

	"github.com/next-trace/scg-pubsub/contract/broker"
	berr "github.com/next-trace/scg-pubsub/contract/errors"
)

// ExchangeSpec describes an exchange to declare.
type ExchangeSpec struct {
	Name       string
	Kind       broker.ExchangeKind
	AutoDelete bool
}

// Exchange is a declared exchange shared by every Consumer and Publisher attached to it.
// Name, kind and auto-delete are fixed at declaration.
type Exchange struct {
	name       string
	kind       broker.ExchangeKind
	autoDelete bool

	topo *Topology
	refs int // guarded by topo.mu
}

func (e *Exchange) Name() string              { return e.name }
func (e *Exchange) Kind() broker.ExchangeKind { return e.kind }
func (e *Exchange) AutoDelete() bool          { return e.autoDelete }

// Topology tracks the exchanges declared by this process so that conflicting redeclarations
// are rejected locally and attached components share one Exchange value.
//
// Topology is concurrency-safe and contains no global state.
type Topology struct {
	mu        sync.Mutex
	exchanges map[string]*Exchange
}

// NewTopology returns an empty Topology.
func NewTopology() *Topology {
	return &Topology{exchanges: map[string]*Exchange{}}
}

// Declare declares the exchange on ch. Declaring the same name and kind again is a no-op
// that returns the same Exchange; a different kind fails with ErrConflict.
func (t *Topology) Declare(ch broker.Channel, spec ExchangeSpec) (*Exchange, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("declare exchange: empty name: %w", berr.ErrInvalidArgument)
	}

	switch spec.Kind {
	case broker.Fanout, broker.Topic, broker.Direct:
	default:
		return nil, fmt.Errorf("declare exchange %q: kind %q: %w", spec.Name, spec.Kind, berr.ErrUnknownOption)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if ex, ok := t.exchanges[spec.Name]; ok && ex.kind != spec.Kind {
		return nil, fmt.Errorf("declare exchange %q as %s: already %s: %w", spec.Name, spec.Kind, ex.kind, berr.ErrConflict)
	}

	if err := ch.ExchangeDeclare(spec.Name, spec.Kind, spec.AutoDelete); err != nil {
		return nil, fmt.Errorf("declare exchange %q: %w", spec.Name, asTransport(err))
	}

	if ex, ok := t.exchanges[spec.Name]; ok {
		return ex, nil
	}

	ex := &Exchange{name: spec.Name, kind: spec.Kind, autoDelete: spec.AutoDelete, topo: t}
	t.exchanges[spec.Name] = ex

	return ex, nil
}

// Lookup returns a declared exchange by name.
func (t *Topology) Lookup(name string) (*Exchange, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ex, ok := t.exchanges[name]

	return ex, ok
}

func (e *Exchange) attach() {
	e.topo.mu.Lock()
	defer e.topo.mu.Unlock()

	e.refs++
}

// detach releases one attachment. An auto-delete exchange is forgotten when the last
// attachment goes, matching the broker deleting it once nothing is bound.
func (e *Exchange) detach() {
	e.topo.mu.Lock()
	defer e.topo.mu.Unlock()

	if e.refs > 0 {
		e.refs--
	}

	if e.refs == 0 && e.autoDelete && e.topo.exchanges[e.name] == e {
		delete(e.topo.exchanges, e.name)
	}
}
