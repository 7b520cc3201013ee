package inmemory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/next-trace/scg-pubsub/contract/broker"
	berr "github.com/next-trace/scg-pubsub/contract/errors"
	"github.com/next-trace/scg-pubsub/routing"
)

// Broker is a thread-safe in-process message broker with AMQP 0-9-1 routing semantics.
// It backs tests and examples; connections obtained from Connect or Dial implement
// broker.Connection.
type Broker struct {
	mu        sync.Mutex
	exchanges map[string]*exchange
	queues    map[string]*queue
	conns     map[*Connection]struct{}

	// closed and replaced on every state change so waiting consumers can re-check.
	changed chan struct{}

	stallConfirms bool
	dialFailures  int
	dialErr       error
	dropped       []broker.Delivery
}

type exchange struct {
	name       string
	kind       broker.ExchangeKind
	autoDelete bool
	bindings   []binding
}

type binding struct {
	queue *queue
	key   string
}

type queue struct {
	name       string
	autoDelete bool
	ready      []broker.Delivery
	consumers  int
	deleted    bool
}

// New creates an empty broker.
func New() *Broker {
	return &Broker{
		exchanges: map[string]*exchange{},
		queues:    map[string]*queue{},
		conns:     map[*Connection]struct{}{},
		changed:   make(chan struct{}),
	}
}

var _ broker.Dialer = (*Broker)(nil)

// Connect opens a new connection.
func (b *Broker) Connect() *Connection {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := &Connection{
		b:        b,
		channels: map[*Channel]struct{}{},
		closed:   make(chan struct{}),
	}
	b.conns[c] = struct{}{}

	return c
}

// Dial implements broker.Dialer. It fails while failures injected with FailDials remain.
func (b *Broker) Dial(ctx context.Context) (broker.Connection, error) { //nolint:ireturn
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	if b.dialFailures > 0 {
		b.dialFailures--
		err := b.dialErr
		b.mu.Unlock()

		return nil, fmt.Errorf("inmemory dial: %w", errors.Join(berr.ErrTransport, err))
	}
	b.mu.Unlock()

	return b.Connect(), nil
}

// FailDials makes the next n Dial calls fail with err.
func (b *Broker) FailDials(n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dialFailures = n
	b.dialErr = err
}

// StallConfirms withholds publisher confirms while on, simulating an unresponsive broker.
func (b *Broker) StallConfirms(on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stallConfirms = on
}

// Sever drops every open connection with err, as if the network went away.
func (b *Broker) Sever(err error) {
	b.mu.Lock()
	conns := make([]*Connection, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		c.shutdown(err)
	}
}

// HasExchange reports whether the named exchange exists and returns its kind.
func (b *Broker) HasExchange(name string) (broker.ExchangeKind, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ex, ok := b.exchanges[name]
	if !ok {
		return "", false
	}

	return ex.kind, true
}

// HasQueue reports whether the named queue exists.
func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, ok := b.queues[name]

	return ok
}

// QueueDepth returns the number of ready messages and unacknowledged deliveries of a queue.
func (b *Broker) QueueDepth(name string) (ready, unacked int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		return 0, 0
	}

	for c := range b.conns {
		for ch := range c.channels {
			for _, p := range ch.pending {
				if p.q == q {
					unacked++
				}
			}
		}
	}

	return len(q.ready), unacked
}

// Consumers returns the number of active consumers on a queue.
func (b *Broker) Consumers(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if q, ok := b.queues[name]; ok {
		return q.consumers
	}

	return 0
}

// Dropped returns the deliveries rejected without requeue.
func (b *Broker) Dropped() []broker.Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]broker.Delivery(nil), b.dropped...)
}

// notifyLocked wakes every waiting consumer. It must be called with b.mu held.
func (b *Broker) notifyLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

// route enqueues a copy of msg on every queue bound to ex whose binding matches key.
// It must be called with b.mu held.
func (b *Broker) routeLocked(ex *exchange, key string, msg broker.Publishing) int {
	seen := map[*queue]struct{}{}

	for _, bd := range ex.bindings {
		if _, dup := seen[bd.queue]; dup {
			continue
		}

		if !routing.Routes(ex.kind, bd.key, key) {
			continue
		}

		seen[bd.queue] = struct{}{}
		bd.queue.ready = append(bd.queue.ready, toDelivery(ex.name, key, msg))
	}

	if len(seen) > 0 {
		b.notifyLocked()
	}

	return len(seen)
}

// deleteQueueLocked removes q and its bindings, auto-deleting exchanges left without bindings.
func (b *Broker) deleteQueueLocked(q *queue) {
	q.deleted = true
	delete(b.queues, q.name)

	for name, ex := range b.exchanges {
		had := len(ex.bindings)
		kept := ex.bindings[:0]

		for _, bd := range ex.bindings {
			if bd.queue != q {
				kept = append(kept, bd)
			}
		}

		ex.bindings = kept
		if ex.autoDelete && had > 0 && len(kept) == 0 {
			delete(b.exchanges, name)
		}
	}

	b.notifyLocked()
}

func toDelivery(exchange, key string, msg broker.Publishing) broker.Delivery {
	var h map[string]string
	if len(msg.Headers) > 0 {
		h = make(map[string]string, len(msg.Headers))
		for k, v := range msg.Headers {
			h[k] = v
		}
	}

	return broker.Delivery{
		Exchange:    exchange,
		RoutingKey:  key,
		Body:        append([]byte(nil), msg.Body...),
		Headers:     h,
		ContentType: msg.ContentType,
	}
}

func generatedQueueName() string { return "amq.gen-" + uuid.NewString() }
