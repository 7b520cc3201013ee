package pubsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/next-trace/scg-pubsub/contract/broker"
	berr "github.com/next-trace/scg-pubsub/contract/errors"
)

// Publisher sends messages to one exchange over a channel it owns.
// Send is safe for concurrent use; publishes on the channel are serialized.
type Publisher struct {
	ch broker.Channel
	ex *Exchange

	mu         sync.Mutex // serializes publishes so confirm tags follow send order
	confirming bool
	seq        uint64

	waitMu  sync.Mutex
	waiters map[uint64]chan bool

	confirms  chan broker.Confirmation
	broken    chan struct{}
	brokenErr error
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	eagerConfirm   bool
	confirmTimeout time.Duration
	defaults       SendOptions
	propagator     broker.HeaderPropagator
	logger         *slog.Logger
	metrics        Metrics
}

// NewPublisher opens a dedicated channel on conn and declares the exchange through topo.
func NewPublisher(conn broker.Connection, topo *Topology, spec ExchangeSpec, opts ...PublisherOption) (*Publisher, error) {
	p := &Publisher{
		waiters:        map[uint64]chan bool{},
		confirms:       make(chan broker.Confirmation, 64),
		broken:         make(chan struct{}),
		closed:         make(chan struct{}),
		confirmTimeout: DefaultConfirmTimeout,
		propagator:     broker.NopHeaderPropagator{},
		logger:         slog.Default(),
		metrics:        NopMetrics{},
	}

	for _, o := range opts {
		o(p)
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("publisher channel: %w", asTransport(err))
	}

	ex, err := topo.Declare(ch, spec)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}

	p.ch = ch
	p.ex = ex

	if p.eagerConfirm {
		if err := p.enableConfirms(); err != nil {
			_ = ch.Close()
			return nil, err
		}
	}

	ex.attach()

	lost := ch.NotifyClose(make(chan error, 1))

	p.wg.Add(1)

	go p.watch(lost)

	return p, nil
}

// Exchange returns the exchange this publisher sends to.
func (p *Publisher) Exchange() *Exchange { return p.ex }

// Send publishes body with routingKey. Topic and direct exchanges need a non-empty key;
// fanout exchanges ignore it. Without opts.Confirm the call returns once the message is
// handed to the transport. With it, Send waits for the broker confirm and fails with
// ErrPublishTimeout when none arrives within the confirm timeout.
func (p *Publisher) Send(ctx context.Context, routingKey string, body []byte, opts SendOptions) error {
	if routingKey == "" && p.ex.kind.RequiresRoutingKey() {
		return fmt.Errorf("send to %s exchange %q: %w", p.ex.kind, p.ex.name, berr.ErrInvalidRoutingKey)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	o := opts.merge(p.defaults)
	msg := p.publishing(ctx, body, o)

	wait, tag, err := p.publish(ctx, routingKey, msg, o.Confirm)
	if err != nil {
		p.metrics.PublishFailed(p.ex.name, "publish")

		return err
	}

	if wait == nil {
		p.metrics.Published(p.ex.name)
		return nil
	}

	timeout := o.ConfirmTimeout
	if timeout <= 0 {
		timeout = p.confirmTimeout
	}

	return p.awaitConfirm(ctx, routingKey, tag, wait, timeout)
}

func (p *Publisher) publishing(ctx context.Context, body []byte, o SendOptions) broker.Publishing {
	// copy headers to avoid mutating caller-provided map
	hdrs := make(map[string]string, len(o.Headers)+2)
	for k, v := range o.Headers {
		hdrs[k] = v
	}

	p.propagator.Inject(ctx, hdrs)

	ct := o.ContentType
	if ct == "" {
		ct = contentTypeBinary
	}

	return broker.Publishing{
		Body:        body,
		Headers:     hdrs,
		ContentType: ct,
		Persistent:  o.Persistent,
		Expiration:  o.Expiration,
	}
}

func (p *Publisher) publish(
	ctx context.Context,
	routingKey string,
	msg broker.Publishing,
	confirm bool,
) (chan bool, uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	select {
	case <-p.closed:
		return nil, 0, fmt.Errorf("send to %q: %w", p.ex.name, berr.ErrClosed)
	case <-p.broken:
		return nil, 0, fmt.Errorf("send to %q: %w", p.ex.name, errors.Join(berr.ErrTransport, p.brokenErr))
	default:
	}

	if confirm && !p.confirming {
		if err := p.enableConfirms(); err != nil {
			return nil, 0, err
		}
	}

	var (
		wait chan bool
		tag  uint64
	)

	// The channel numbers confirms by successful publishes only, so the sequence
	// advances after Publish returns without error.
	if p.confirming {
		tag = p.seq + 1

		if confirm {
			wait = make(chan bool, 1)

			p.waitMu.Lock()
			p.waiters[tag] = wait
			p.waitMu.Unlock()
		}
	}

	if err := p.ch.Publish(ctx, p.ex.name, routingKey, msg); err != nil {
		if wait != nil {
			p.forget(tag)
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, 0, err
		}

		return nil, 0, fmt.Errorf("send to %q with %q: %w", p.ex.name, routingKey, errors.Join(berr.ErrPublishFailed, err))
	}

	if p.confirming {
		p.seq = tag
	}

	return wait, tag, nil
}

// enableConfirms must be called with p.mu held or before the publisher is shared.
func (p *Publisher) enableConfirms() error {
	if err := p.ch.Confirm(); err != nil {
		return fmt.Errorf("publisher confirm mode: %w", asTransport(err))
	}

	p.ch.NotifyPublish(p.confirms)
	p.confirming = true

	return nil
}

func (p *Publisher) awaitConfirm(ctx context.Context, key string, tag uint64, wait chan bool, timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case ack := <-wait:
		if !ack {
			p.metrics.PublishFailed(p.ex.name, "nack")
			return fmt.Errorf("send to %q with %q: broker nacked tag %d: %w", p.ex.name, key, tag, berr.ErrPublishFailed)
		}

		p.metrics.Published(p.ex.name)

		return nil
	case <-t.C:
		p.forget(tag)
		p.metrics.PublishFailed(p.ex.name, "timeout")

		return fmt.Errorf("send to %q with %q: no confirm after %s: %w", p.ex.name, key, timeout, berr.ErrPublishTimeout)
	case <-ctx.Done():
		p.forget(tag)
		return ctx.Err()
	case <-p.broken:
		p.forget(tag)
		return fmt.Errorf("send to %q with %q: %w", p.ex.name, key, errors.Join(berr.ErrTransport, p.brokenErr))
	case <-p.closed:
		p.forget(tag)
		return fmt.Errorf("send to %q: %w", p.ex.name, berr.ErrClosed)
	}
}

func (p *Publisher) forget(tag uint64) {
	p.waitMu.Lock()
	delete(p.waiters, tag)
	p.waitMu.Unlock()
}

// watch routes confirmations to waiting senders and records channel loss.
func (p *Publisher) watch(lost chan error) {
	defer p.wg.Done()

	for {
		select {
		case c, ok := <-p.confirms:
			if !ok {
				return
			}

			p.waitMu.Lock()
			if w, found := p.waiters[c.DeliveryTag]; found {
				delete(p.waiters, c.DeliveryTag)
				w <- c.Ack
			}
			p.waitMu.Unlock()
		case err, ok := <-lost:
			select {
			case <-p.closed:
				return
			default:
			}

			if !ok || err == nil {
				err = errors.New("channel closed")
			}

			p.brokenErr = err
			close(p.broken)
			p.logger.Error("publisher channel lost", "exchange", p.ex.name, "err", err)

			return
		case <-p.closed:
			return
		}
	}
}

// Close releases the channel and detaches from the exchange. It is idempotent.
func (p *Publisher) Close() error {
	var err error

	p.closeOnce.Do(func() {
		close(p.closed)

		p.mu.Lock()
		if cerr := p.ch.Close(); cerr != nil && !errors.Is(cerr, berr.ErrTransport) {
			err = fmt.Errorf("close publisher channel: %w", cerr)
		}
		p.mu.Unlock()

		p.wg.Wait()
		p.ex.detach()
	})

	return err
}
