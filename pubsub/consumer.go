package pubsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/next-trace/scg-pubsub/contract/broker"
	berr "github.com/next-trace/scg-pubsub/contract/errors"
)

// Message is a delivery handed to a Handler.
type Message = broker.Delivery

// Handler processes one message. Returning nil acknowledges the message; returning an
// error (or panicking) rejects it.
type Handler func(ctx context.Context, m Message) error

type consumerState int

const (
	stateIdle consumerState = iota
	stateConsuming
	stateClosed
)

func (s consumerState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateConsuming:
		return "consuming"
	default:
		return "closed"
	}
}

// Consumer binds queues to an exchange and dispatches their deliveries to handlers.
//
// State machine: Idle -> Consuming -> Closed. Queues are added while Idle; Run or Start
// moves to Consuming; Close moves to Closed from any state. Handlers run one at a time on
// the dispatching goroutine, in the broker's delivery order per queue.
type Consumer struct {
	ch  broker.Channel
	ex  *Exchange
	mu  sync.Mutex
	err error

	state consumerState
	subs  []*subscription
	stop  chan struct{}
	done  chan struct{}

	prefetch int
	requeue  bool
	logger   *slog.Logger
	metrics  Metrics
}

type subscription struct {
	queue      string
	pattern    string
	tag        string
	handler    Handler
	deliveries <-chan broker.Delivery
}

type envelope struct {
	sub    *subscription
	d      broker.Delivery
	closed bool
}

// NewConsumer opens a dedicated channel on conn, declares the exchange through topo and
// applies the prefetch limit.
func NewConsumer(conn broker.Connection, topo *Topology, spec ExchangeSpec, opts ...ConsumerOption) (*Consumer, error) {
	c := &Consumer{
		prefetch: DefaultPrefetch,
		logger:   slog.Default(),
		metrics:  NopMetrics{},
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	for _, o := range opts {
		o(c)
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("consumer channel: %w", asTransport(err))
	}

	ex, err := topo.Declare(ch, spec)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}

	if err := ch.Qos(c.prefetch); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("consumer qos %d: %w", c.prefetch, asTransport(err))
	}

	ex.attach()
	c.ch = ch
	c.ex = ex

	return c, nil
}

// Exchange returns the exchange this consumer is attached to.
func (c *Consumer) Exchange() *Exchange { return c.ex }

// AddQueue declares an auto-delete queue, binds it to the exchange with pattern and
// registers one consumer delivering to h. An empty queueName lets the broker pick one;
// the effective name is returned. On a topic exchange an empty pattern matches nothing.
// Calling AddQueue twice creates two independent consumers.
func (c *Consumer) AddQueue(queueName, pattern string, h Handler) (string, error) {
	if h == nil {
		return "", fmt.Errorf("add queue %q: %w", queueName, berr.ErrNoHandler)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.idleLocked("add queue"); err != nil {
		return "", err
	}

	name, err := c.ch.QueueDeclare(queueName, true)
	if err != nil {
		return "", fmt.Errorf("declare queue %q: %w", queueName, asTransport(err))
	}

	if err := c.ch.QueueBind(name, pattern, c.ex.name); err != nil {
		c.discardQueue(name)
		return "", fmt.Errorf("bind queue %q to %q with %q: %w", name, c.ex.name, pattern, asTransport(err))
	}

	tag := "ctag-" + uuid.NewString()

	deliveries, err := c.ch.Consume(name, tag)
	if err != nil {
		c.discardQueue(name)
		return "", fmt.Errorf("consume %q: %w", name, asTransport(err))
	}

	c.subs = append(c.subs, &subscription{
		queue:      name,
		pattern:    pattern,
		tag:        tag,
		handler:    h,
		deliveries: deliveries,
	})

	return name, nil
}

// discardQueue removes a queue left behind by a failed AddQueue. The broker keeps it when
// another consumer or pending messages still use it.
func (c *Consumer) discardQueue(name string) {
	if err := c.ch.QueueDelete(name); err != nil {
		c.logger.Warn("queue left behind after failed add",
			"exchange", c.ex.name,
			"queue", name,
			"err", err,
		)
	}
}

func (c *Consumer) idleLocked(op string) error {
	switch c.state {
	case stateIdle:
		return nil
	case stateConsuming:
		return fmt.Errorf("consumer %s: %w", op, berr.ErrAlreadyStarted)
	default:
		return fmt.Errorf("consumer %s: %w", op, berr.ErrClosed)
	}
}

func (c *Consumer) begin() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.idleLocked("start"); err != nil {
		return err
	}

	c.state = stateConsuming

	return nil
}

// Run consumes on the calling goroutine until Close, ctx cancellation or transport loss.
// It returns nil after Close, ctx.Err() on cancellation and an ErrTransport error when the
// channel goes away.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.begin(); err != nil {
		return err
	}

	return c.finish(c.loop(ctx))
}

// Start consumes on a dedicated goroutine and returns immediately. Use Done and Err to
// observe the end of consumption.
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.begin(); err != nil {
		return err
	}

	go func() { _ = c.finish(c.loop(ctx)) }()

	return nil
}

func (c *Consumer) finish(err error) error {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	close(c.done)

	return err
}

// Done is closed when a started consumer stops dispatching.
func (c *Consumer) Done() <-chan struct{} { return c.done }

// Err returns why consumption stopped. It is nil until Done is closed.
func (c *Consumer) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.err
}

func (c *Consumer) loop(ctx context.Context) error {
	lost := c.ch.NotifyClose(make(chan error, 1))
	inbox := make(chan envelope)
	quit := make(chan struct{})

	var wg sync.WaitGroup
	for _, s := range c.subs {
		wg.Add(1)

		go func(s *subscription) {
			defer wg.Done()
			forward(s, inbox, quit)
		}(s)
	}

	defer func() {
		close(quit)
		wg.Wait()
	}()

	for {
		select {
		case <-c.stop:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-lost:
			if !ok || err == nil {
				err = errors.New("channel closed")
			}

			return fmt.Errorf("consumer %q: %w", c.ex.name, errors.Join(berr.ErrTransport, err))
		case env := <-inbox:
			if env.closed {
				select {
				case <-c.stop:
					return nil
				default:
				}

				return fmt.Errorf("consumer %q queue %q: deliveries closed: %w", c.ex.name, env.sub.queue, berr.ErrTransport)
			}

			// unacked deliveries go back to the queue when the channel closes
			select {
			case <-c.stop:
				return nil
			default:
			}

			if err := c.dispatch(ctx, env.sub, env.d); err != nil {
				return err
			}
		}
	}
}

// forward moves deliveries of one subscription into the shared inbox. It never touches
// the channel; acknowledgements stay on the dispatching goroutine.
func forward(s *subscription, inbox chan<- envelope, quit <-chan struct{}) {
	for {
		select {
		case d, ok := <-s.deliveries:
			env := envelope{sub: s, d: d, closed: !ok}

			select {
			case inbox <- env:
			case <-quit:
				return
			}

			if !ok {
				return
			}
		case <-quit:
			return
		}
	}
}

func (c *Consumer) dispatch(ctx context.Context, s *subscription, d broker.Delivery) error {
	herr := invoke(ctx, s.handler, d)
	if herr == nil {
		if err := c.ch.Ack(d.DeliveryTag); err != nil {
			return fmt.Errorf("consumer ack %d: %w", d.DeliveryTag, asTransport(err))
		}

		c.metrics.Acked(c.ex.name)

		return nil
	}

	// A handler that lost its own transport did not process the message: hand it back
	// and stop, so the owner of the connection can redial.
	if errors.Is(herr, berr.ErrTransport) {
		c.logger.ErrorContext(ctx, "message handler lost transport",
			"exchange", c.ex.name,
			"queue", s.queue,
			"routing_key", d.RoutingKey,
			"delivery_tag", d.DeliveryTag,
			"err", herr,
		)

		_ = c.ch.Nack(d.DeliveryTag, true)
		c.metrics.Nacked(c.ex.name)

		return fmt.Errorf("consumer %q queue %q handler: %w", c.ex.name, s.queue, herr)
	}

	c.logger.ErrorContext(ctx, "message handler failed",
		"exchange", c.ex.name,
		"queue", s.queue,
		"routing_key", d.RoutingKey,
		"delivery_tag", d.DeliveryTag,
		"requeue", c.requeue,
		"err", herr,
	)

	if err := c.ch.Nack(d.DeliveryTag, c.requeue); err != nil {
		return fmt.Errorf("consumer nack %d: %w", d.DeliveryTag, asTransport(err))
	}

	c.metrics.Nacked(c.ex.name)

	return nil
}

func invoke(ctx context.Context, h Handler, d broker.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	return h(ctx, d)
}

// Close stops consumption, cancels the queue consumers and releases the channel.
// It waits for an in-flight handler to return and is idempotent. Close must not be
// called from inside a Handler.
func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return nil
	}

	prev := c.state
	c.state = stateClosed
	c.mu.Unlock()

	close(c.stop)

	if prev == stateConsuming {
		<-c.done
	}

	var errs []error

	for _, s := range c.subs {
		if err := c.ch.Cancel(s.tag); err != nil && !errors.Is(err, berr.ErrTransport) {
			errs = append(errs, fmt.Errorf("cancel %q: %w", s.tag, err))
		}
	}

	if err := c.ch.Close(); err != nil && !errors.Is(err, berr.ErrTransport) {
		errs = append(errs, fmt.Errorf("close channel: %w", err))
	}

	c.ex.detach()

	return errors.Join(errs...)
}
