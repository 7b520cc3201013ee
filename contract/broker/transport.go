package broker

import "context"

// Connection is the broker connection consumed by the façade.
// Adapters wrap a concrete client (amqp091) or an in-process broker.
type Connection interface {
	// Channel opens a new channel. Channels are single-owner: the component that opened
	// one is the only one allowed to call its methods.
	Channel() (Channel, error)
	// NotifyClose registers a listener for connection loss. The channel receives at most
	// one error and is closed when the connection shuts down.
	NotifyClose(c chan error) chan error
	Close() error
}

// Channel is the subset of AMQP 0-9-1 channel operations used by the façade.
// Implementations are not required to be safe for concurrent use.
type Channel interface {
	ExchangeDeclare(name string, kind ExchangeKind, autoDelete bool) error
	// QueueDeclare declares a queue and returns its name. An empty name asks the broker
	// to generate one.
	QueueDeclare(name string, autoDelete bool) (string, error)
	QueueBind(queue, key, exchange string) error
	// QueueDelete removes a queue only if it has no consumers and no messages.
	// Deleting a missing queue is not an error.
	QueueDelete(name string) error
	Qos(prefetch int) error

	// Confirm puts the channel in publisher-confirm mode. Once enabled, every publish
	// on the channel is confirmed on the listeners registered with NotifyPublish,
	// in publish order, tags starting at 1.
	Confirm() error
	NotifyPublish(c chan Confirmation) chan Confirmation
	Publish(ctx context.Context, exchange, key string, msg Publishing) error

	// Consume starts a consumer with manual acknowledgement. The returned channel is
	// closed when the consumer is canceled or the channel is closed.
	Consume(queue, consumer string) (<-chan Delivery, error)
	Ack(tag uint64) error
	Nack(tag uint64, requeue bool) error
	Cancel(consumer string) error

	NotifyClose(c chan error) chan error
	Close() error
}

// Dialer opens broker connections. It is the seam used by reconnecting owners.
type Dialer interface {
	Dial(ctx context.Context) (Connection, error)
}

// DialFunc adapts a function to the Dialer interface.
type DialFunc func(ctx context.Context) (Connection, error)

// Dial calls f(ctx).
func (f DialFunc) Dial(ctx context.Context) (Connection, error) { return f(ctx) }
