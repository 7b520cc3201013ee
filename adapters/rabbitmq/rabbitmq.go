package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/next-trace/scg-pubsub/contract/broker"
	berr "github.com/next-trace/scg-pubsub/contract/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPChannel is the subset of *amqp.Channel the adapter drives. Tests substitute a fake.
type AMQPChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
	Cancel(consumer string, noWait bool) error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Channel implements broker.Channel over an AMQP channel.
type Channel struct {
	ch        AMQPChannel
	done      chan struct{}
	closeOnce sync.Once
}

var _ broker.Channel = (*Channel)(nil)

// NewChannel wraps an AMQP channel.
func NewChannel(ch AMQPChannel) *Channel { return &Channel{ch: ch, done: make(chan struct{})} }

func (c *Channel) ExchangeDeclare(name string, kind broker.ExchangeKind, autoDelete bool) error {
	err := c.ch.ExchangeDeclare(name, kind.String(), !autoDelete, autoDelete, false, false, nil)

	return translate("exchange declare "+name, err)
}

// QueueDeclare declares a queue; an empty name lets the broker generate one.
// Auto-delete queues are transient, named queues without auto-delete are durable.
func (c *Channel) QueueDeclare(name string, autoDelete bool) (string, error) {
	q, err := c.ch.QueueDeclare(name, !autoDelete && name != "", autoDelete, false, false, nil)
	if err != nil {
		return "", translate("queue declare "+name, err)
	}

	return q.Name, nil
}

func (c *Channel) QueueBind(queue, key, exchange string) error {
	return translate("queue bind "+queue, c.ch.QueueBind(queue, key, exchange, false, nil))
}

func (c *Channel) QueueDelete(name string) error {
	_, err := c.ch.QueueDelete(name, true, true, false)

	return translate("queue delete "+name, err)
}

func (c *Channel) Qos(prefetch int) error {
	return translate("qos", c.ch.Qos(prefetch, 0, false))
}

func (c *Channel) Confirm() error {
	return translate("confirm", c.ch.Confirm(false))
}

// NotifyPublish forwards broker confirms to out and closes out when the channel closes.
func (c *Channel) NotifyPublish(out chan broker.Confirmation) chan broker.Confirmation {
	src := c.ch.NotifyPublish(make(chan amqp.Confirmation, cap(out)))

	go func() {
		defer close(out)

		for {
			select {
			case conf, ok := <-src:
				if !ok {
					return
				}

				select {
				case out <- broker.Confirmation{DeliveryTag: conf.DeliveryTag, Ack: conf.Ack}:
				case <-c.done:
					return
				}
			case <-c.done:
				return
			}
		}
	}()

	return out
}

func (c *Channel) Publish(ctx context.Context, exchange, key string, msg broker.Publishing) error {
	return translate("publish to "+exchange, c.ch.PublishWithContext(ctx, exchange, key, false, false, toPublishing(msg)))
}

// Consume starts a manual-ack consumer. The returned channel closes when the consumer is
// canceled or the AMQP channel closes.
func (c *Channel) Consume(queue, consumer string) (<-chan broker.Delivery, error) {
	src, err := c.ch.Consume(queue, consumer, false, false, false, false, nil)
	if err != nil {
		return nil, translate("consume "+queue, err)
	}

	out := make(chan broker.Delivery)

	go func() {
		defer close(out)

		for {
			select {
			case d, ok := <-src:
				if !ok {
					return
				}

				select {
				case out <- fromDelivery(d):
				case <-c.done:
					return
				}
			case <-c.done:
				return
			}
		}
	}()

	return out, nil
}

func (c *Channel) Ack(tag uint64) error {
	return translate("ack", c.ch.Ack(tag, false))
}

func (c *Channel) Nack(tag uint64, requeue bool) error {
	return translate("nack", c.ch.Nack(tag, false, requeue))
}

func (c *Channel) Cancel(consumer string) error {
	return translate("cancel "+consumer, c.ch.Cancel(consumer, false))
}

// NotifyClose delivers the close reason to out, translated to ErrTransport, then closes out.
// A graceful close only closes out.
func (c *Channel) NotifyClose(out chan error) chan error {
	bridgeClose(c.ch.NotifyClose(make(chan *amqp.Error, 1)), out, "channel")

	return out
}

// Close closes the AMQP channel and stops the forwarding goroutines.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() { close(c.done) })

	return translate("channel close", c.ch.Close())
}

func bridgeClose(src chan *amqp.Error, out chan error, what string) {
	go func() {
		defer close(out)

		if e, ok := <-src; ok && e != nil {
			select {
			case out <- fmt.Errorf("rabbitmq %s closed: %w", what, errors.Join(berr.ErrTransport, e)):
			default:
			}
		}
	}()
}

// translate maps AMQP failures onto the error taxonomy. A 406 PRECONDITION_FAILED is a
// conflicting redeclaration. Connection-level codes and non-AMQP errors mean the
// connection or channel is gone. Any other reply code is the broker refusing the
// operation on a live connection. Context errors pass through untouched.
func translate(label string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var ae *amqp.Error
	if !errors.As(err, &ae) {
		return fmt.Errorf("rabbitmq %s: %w", label, errors.Join(berr.ErrTransport, err))
	}

	switch ae.Code {
	case amqp.PreconditionFailed:
		return fmt.Errorf("rabbitmq %s: %w", label, errors.Join(berr.ErrConflict, err))
	case amqp.ConnectionForced, amqp.FrameError, amqp.SyntaxError, amqp.CommandInvalid,
		amqp.ChannelError, amqp.UnexpectedFrame, amqp.ResourceError, amqp.NotAllowed,
		amqp.NotImplemented, amqp.InternalError:
		return fmt.Errorf("rabbitmq %s: %w", label, errors.Join(berr.ErrTransport, err))
	default:
		return fmt.Errorf("rabbitmq %s: %w", label, errors.Join(berr.ErrRefused, err))
	}
}

func toPublishing(m broker.Publishing) amqp.Publishing {
	var h amqp.Table
	if len(m.Headers) > 0 {
		h = amqp.Table{}
		for k, v := range m.Headers {
			h[k] = v
		}
	}

	p := amqp.Publishing{
		Headers:      h,
		ContentType:  m.ContentType,
		Body:         m.Body,
		DeliveryMode: amqp.Transient,
	}

	if m.Persistent {
		p.DeliveryMode = amqp.Persistent
	}

	if m.Expiration > 0 {
		p.Expiration = strconv.FormatInt(m.Expiration.Milliseconds(), 10)
	}

	return p
}

func fromDelivery(d amqp.Delivery) broker.Delivery {
	var h map[string]string
	if len(d.Headers) > 0 {
		h = make(map[string]string, len(d.Headers))
		for k, v := range d.Headers {
			if s, ok := v.(string); ok {
				h[k] = s
			} else {
				h[k] = fmt.Sprint(v)
			}
		}
	}

	return broker.Delivery{
		Exchange:    d.Exchange,
		RoutingKey:  d.RoutingKey,
		Body:        d.Body,
		Headers:     h,
		ContentType: d.ContentType,
		DeliveryTag: d.DeliveryTag,
		Redelivered: d.Redelivered,
	}
}
