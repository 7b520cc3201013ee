package inmemory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/next-trace/scg-pubsub/contract/broker"
	berr "github.com/next-trace/scg-pubsub/contract/errors"
)

// errClosed is returned by operations on a closed channel or connection.
var errClosed = fmt.Errorf("inmemory: channel closed: %w", berr.ErrTransport)

// Connection implements broker.Connection against a Broker.
type Connection struct {
	b        *Broker
	channels map[*Channel]struct{} // guarded by b.mu

	closeMu    sync.Mutex
	closeChans []chan error
	closed     chan struct{}
}

var _ broker.Connection = (*Connection)(nil)

// Channel opens a new channel.
func (c *Connection) Channel() (broker.Channel, error) { //nolint:ireturn
	if chanIsClosed(c.closed) {
		return nil, errClosed
	}

	c.b.mu.Lock()
	defer c.b.mu.Unlock()

	ch := &Channel{
		conn:      c,
		b:         c.b,
		pending:   map[uint64]*pending{},
		consumers: map[string]*consumer{},
		closed:    make(chan struct{}),
	}
	c.channels[ch] = struct{}{}

	return ch, nil
}

func (c *Connection) NotifyClose(ch chan error) chan error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if chanIsClosed(c.closed) {
		close(ch)
		return ch
	}

	c.closeChans = append(c.closeChans, ch)

	return ch
}

// Close closes the connection and all of its channels.
func (c *Connection) Close() error {
	c.shutdown(nil)
	return nil
}

// Fail drops this connection with err, as if the broker went away.
func (c *Connection) Fail(err error) { c.shutdown(err) }

func (c *Connection) shutdown(err error) {
	c.closeMu.Lock()
	if chanIsClosed(c.closed) {
		c.closeMu.Unlock()
		return
	}

	close(c.closed)
	listeners := c.closeChans
	c.closeChans = nil
	c.closeMu.Unlock()

	c.b.mu.Lock()
	channels := make([]*Channel, 0, len(c.channels))
	for ch := range c.channels {
		channels = append(channels, ch)
	}
	delete(c.b.conns, c)
	c.b.mu.Unlock()

	for _, ch := range channels {
		ch.shutdown(err)
	}

	notifyClosed(listeners, err)
}

// Channel implements broker.Channel. Fields below closed are guarded by b.mu.
type Channel struct {
	conn *Connection
	b    *Broker

	closeMu    sync.Mutex
	closeChans []chan error
	closed     chan struct{}

	prefetch    int
	confirming  bool
	publishSeq  uint64
	deliverySeq uint64
	pubChans    []chan broker.Confirmation
	pending     map[uint64]*pending
	consumers   map[string]*consumer
}

var _ broker.Channel = (*Channel)(nil)

type pending struct {
	q *queue
	c *consumer
	d broker.Delivery
}

type consumer struct {
	tag      string
	q        *queue
	unacked  int
	canceled chan struct{}
}

func (ch *Channel) isClosed() bool {
	return chanIsClosed(ch.closed) || chanIsClosed(ch.conn.closed)
}

// ExchangeDeclare creates the exchange if it does not exist. Redeclaring with another kind fails.
func (ch *Channel) ExchangeDeclare(name string, kind broker.ExchangeKind, autoDelete bool) error {
	if ch.isClosed() {
		return errClosed
	}

	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	if ex, ok := ch.b.exchanges[name]; ok {
		if ex.kind != kind {
			return fmt.Errorf("inmemory: exchange %q is %s, not %s: %w", name, ex.kind, kind, berr.ErrConflict)
		}

		return nil
	}

	ch.b.exchanges[name] = &exchange{name: name, kind: kind, autoDelete: autoDelete}

	return nil
}

// QueueDeclare creates the queue if it does not exist. An empty name gets a generated one.
func (ch *Channel) QueueDeclare(name string, autoDelete bool) (string, error) {
	if ch.isClosed() {
		return "", errClosed
	}

	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	if name == "" {
		name = generatedQueueName()
	}

	if _, ok := ch.b.queues[name]; !ok {
		ch.b.queues[name] = &queue{name: name, autoDelete: autoDelete}
	}

	return name, nil
}

// QueueBind binds an existing queue to an existing exchange.
func (ch *Channel) QueueBind(queueName, key, exchangeName string) error {
	if ch.isClosed() {
		return errClosed
	}

	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	ex, ok := ch.b.exchanges[exchangeName]
	if !ok {
		return fmt.Errorf("inmemory: exchange %q not found: %w", exchangeName, berr.ErrRefused)
	}

	q, ok := ch.b.queues[queueName]
	if !ok {
		return fmt.Errorf("inmemory: queue %q not found: %w", queueName, berr.ErrRefused)
	}

	for _, bd := range ex.bindings {
		if bd.queue == q && bd.key == key {
			return nil
		}
	}

	ex.bindings = append(ex.bindings, binding{queue: q, key: key})

	return nil
}

// QueueDelete removes the queue and its bindings when it has no consumers and no ready
// messages. A missing queue is ignored.
func (ch *Channel) QueueDelete(name string) error {
	if ch.isClosed() {
		return errClosed
	}

	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	q, ok := ch.b.queues[name]
	if !ok {
		return nil
	}

	if q.consumers > 0 || len(q.ready) > 0 {
		return fmt.Errorf("inmemory: queue %q in use: %w", name, berr.ErrRefused)
	}

	ch.b.deleteQueueLocked(q)

	return nil
}

// Qos sets the per-consumer prefetch limit. Zero means unlimited.
func (ch *Channel) Qos(prefetch int) error {
	if ch.isClosed() {
		return errClosed
	}

	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	ch.prefetch = prefetch
	ch.b.notifyLocked()

	return nil
}

func (ch *Channel) Confirm() error {
	if ch.isClosed() {
		return errClosed
	}

	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	ch.confirming = true

	return nil
}

func (ch *Channel) NotifyPublish(c chan broker.Confirmation) chan broker.Confirmation {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	ch.pubChans = append(ch.pubChans, c)

	return c
}

// Publish routes msg through the named exchange. The empty exchange name is the default
// exchange, which routes directly to the queue named by key.
func (ch *Channel) Publish(ctx context.Context, exchangeName, key string, msg broker.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if ch.isClosed() {
		return errClosed
	}

	ch.b.mu.Lock()

	if exchangeName == "" {
		if q, ok := ch.b.queues[key]; ok {
			q.ready = append(q.ready, toDelivery("", key, msg))
			ch.b.notifyLocked()
		}
	} else {
		ex, ok := ch.b.exchanges[exchangeName]
		if !ok {
			ch.b.mu.Unlock()
			return fmt.Errorf("inmemory: exchange %q not found: %w", exchangeName, berr.ErrRefused)
		}

		ch.b.routeLocked(ex, key, msg)
	}

	var (
		conf    broker.Confirmation
		targets []chan broker.Confirmation
	)

	if ch.confirming {
		ch.publishSeq++
		conf = broker.Confirmation{DeliveryTag: ch.publishSeq, Ack: true}

		if !ch.b.stallConfirms {
			targets = append(targets, ch.pubChans...)
		}
	}
	ch.b.mu.Unlock()

	for _, c := range targets {
		select {
		case c <- conf:
		case <-ch.closed:
			return errClosed
		case <-ch.conn.closed:
			return errClosed
		}
	}

	return nil
}

// Consume starts delivering messages from the queue. The returned channel is closed when
// the consumer is canceled or the channel closes.
func (ch *Channel) Consume(queueName, tag string) (<-chan broker.Delivery, error) {
	if ch.isClosed() {
		return nil, errClosed
	}

	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	q, ok := ch.b.queues[queueName]
	if !ok {
		return nil, fmt.Errorf("inmemory: queue %q not found: %w", queueName, berr.ErrRefused)
	}

	if _, dup := ch.consumers[tag]; dup {
		return nil, fmt.Errorf("inmemory: consumer %q already exists", tag)
	}

	c := &consumer{tag: tag, q: q, canceled: make(chan struct{})}
	ch.consumers[tag] = c
	q.consumers++

	out := make(chan broker.Delivery)
	go ch.deliver(c, out)

	return out, nil
}

func (ch *Channel) deliver(c *consumer, out chan<- broker.Delivery) {
	defer close(out)

	for {
		ch.b.mu.Lock()
		d, ok := ch.takeLocked(c)
		wait := ch.b.changed
		ch.b.mu.Unlock()

		if !ok {
			select {
			case <-wait:
				continue
			case <-c.canceled:
				return
			case <-ch.closed:
				return
			}
		}

		select {
		case out <- d:
		case <-c.canceled:
			ch.giveBack(d.DeliveryTag)
			return
		case <-ch.closed:
			return
		}
	}
}

// takeLocked pops the next ready message for c if its prefetch window allows it.
func (ch *Channel) takeLocked(c *consumer) (broker.Delivery, bool) {
	if c.q.deleted || len(c.q.ready) == 0 {
		return broker.Delivery{}, false
	}

	if ch.prefetch > 0 && c.unacked >= ch.prefetch {
		return broker.Delivery{}, false
	}

	d := c.q.ready[0]
	c.q.ready = c.q.ready[1:]

	ch.deliverySeq++
	d.DeliveryTag = ch.deliverySeq
	ch.pending[d.DeliveryTag] = &pending{q: c.q, c: c, d: d}
	c.unacked++

	return d, true
}

// giveBack requeues a delivery taken but never handed to the consumer.
func (ch *Channel) giveBack(tag uint64) {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	if p, ok := ch.pending[tag]; ok {
		delete(ch.pending, tag)
		p.c.unacked--
		p.d.DeliveryTag = 0
		p.q.ready = append([]broker.Delivery{p.d}, p.q.ready...)
		ch.b.notifyLocked()
	}
}

func (ch *Channel) Ack(tag uint64) error {
	if ch.isClosed() {
		return errClosed
	}

	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	p, ok := ch.pending[tag]
	if !ok {
		return fmt.Errorf("inmemory: unknown delivery tag %d", tag)
	}

	delete(ch.pending, tag)
	p.c.unacked--
	ch.b.notifyLocked()

	return nil
}

// Nack rejects a delivery. With requeue it goes back to the head of its queue marked
// redelivered; otherwise it is dropped (see Broker.Dropped).
func (ch *Channel) Nack(tag uint64, requeue bool) error {
	if ch.isClosed() {
		return errClosed
	}

	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	p, ok := ch.pending[tag]
	if !ok {
		return fmt.Errorf("inmemory: unknown delivery tag %d", tag)
	}

	delete(ch.pending, tag)
	p.c.unacked--

	if requeue && !p.q.deleted {
		d := p.d
		d.DeliveryTag = 0
		d.Redelivered = true
		p.q.ready = append([]broker.Delivery{d}, p.q.ready...)
	} else {
		ch.b.dropped = append(ch.b.dropped, p.d)
	}

	ch.b.notifyLocked()

	return nil
}

// Cancel stops a consumer. Its unacknowledged deliveries stay pending until acked,
// nacked or the channel closes.
func (ch *Channel) Cancel(tag string) error {
	if ch.isClosed() {
		return errClosed
	}

	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	c, ok := ch.consumers[tag]
	if !ok {
		return fmt.Errorf("inmemory: consumer %q not found: %w", tag, berr.ErrRefused)
	}

	ch.cancelLocked(c)

	return nil
}

func (ch *Channel) cancelLocked(c *consumer) {
	delete(ch.consumers, c.tag)
	close(c.canceled)

	c.q.consumers--
	if c.q.autoDelete && c.q.consumers == 0 && !c.q.deleted {
		ch.b.deleteQueueLocked(c.q)
	}
}

func (ch *Channel) NotifyClose(c chan error) chan error {
	ch.closeMu.Lock()
	defer ch.closeMu.Unlock()

	if chanIsClosed(ch.closed) {
		close(c)
		return c
	}

	ch.closeChans = append(ch.closeChans, c)

	return c
}

// Close closes the channel, requeueing its unacknowledged deliveries.
func (ch *Channel) Close() error {
	if chanIsClosed(ch.closed) {
		return nil
	}

	ch.shutdown(nil)

	return nil
}

func (ch *Channel) shutdown(err error) {
	ch.closeMu.Lock()
	if chanIsClosed(ch.closed) {
		ch.closeMu.Unlock()
		return
	}

	close(ch.closed)
	listeners := ch.closeChans
	ch.closeChans = nil
	ch.closeMu.Unlock()

	ch.b.mu.Lock()
	for tag, p := range ch.pending {
		delete(ch.pending, tag)

		if !p.q.deleted {
			d := p.d
			d.DeliveryTag = 0
			d.Redelivered = true
			p.q.ready = append([]broker.Delivery{d}, p.q.ready...)
		}
	}

	for _, c := range ch.consumers {
		ch.cancelLocked(c)
	}

	delete(ch.conn.channels, ch)
	ch.b.notifyLocked()
	ch.b.mu.Unlock()

	notifyClosed(listeners, err)
}

func notifyClosed(listeners []chan error, err error) {
	for _, c := range listeners {
		if err != nil {
			select {
			case c <- fmt.Errorf("inmemory: %w", errors.Join(berr.ErrTransport, err)):
			default:
			}
		}

		close(c)
	}
}

// Assumes nothing is ever written to the channel.
func chanIsClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
